package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wafleet/internal/backoff"
	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/lease"
	"github.com/matheus3301/wafleet/internal/status"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
)

// LeaseChecker reports whether this instance still holds a lease.
type LeaseChecker interface {
	Holds(ctx context.Context, resourceID, holderID string) (bool, error)
}

// Options tunes a Manager.
type Options struct {
	InstanceID      string
	Backoff         backoff.Policy
	QRTimeout       time.Duration
	ConnectTimeout  time.Duration
	UnknownRetryCap int // 0 disables the cap
}

// Snapshot is a consistent view of a manager's state.
type Snapshot struct {
	AccountID            string
	Status               status.State
	LastDisconnectReason string
	LastDisconnectAt     time.Time
	RetryCount           int
	NextRetryAt          time.Time
	ConnectedAt          time.Time
	QRCode               string
	HasCredentials       bool
}

type itemKind int

const (
	itemEvent itemKind = iota
	itemConnectFailed
	itemTimer
)

type timerKind int

const (
	timerQR timerKind = iota
	timerConnect
)

// item is work queued for the dispatcher. gen ties it to the session or timer
// that produced it so late arrivals are dropped.
type item struct {
	kind  itemKind
	gen   uint64
	evt   Event
	timer timerKind
	err   error
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Manager owns the live session of one account. Every state change runs on a
// single dispatcher goroutine fed by transport events, timers and commands.
type Manager struct {
	account   store.Account
	opts      Options
	db        *store.DB
	leases    LeaseChecker
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time
	delay     func(n int) time.Duration

	machine *status.Machine

	inboxMu sync.Mutex
	inbox   []item
	wake    chan struct{}
	cmds    chan command
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the dispatcher goroutine.
	session       Session
	sessionGen    uint64
	timer         *time.Timer
	timerGen      uint64
	terminal      bool
	retryCount    int
	unknownStreak int
	nextRetryAt   time.Time
	reason        string
	disconnectAt  time.Time
	connectedAt   time.Time
	qrCode        string

	mu   sync.RWMutex
	snap Snapshot
	live Session
}

// NewManager creates a manager for accountID. Start must be called before use.
func NewManager(accountID string, opts Options, db *store.DB, leases LeaseChecker, transport Transport, b *bus.Bus, logger *zap.Logger) *Manager {
	m := &Manager{
		account:   store.Account{ID: accountID},
		opts:      opts,
		db:        db,
		leases:    leases,
		transport: transport,
		bus:       b,
		logger:    logger.With(zap.String("account", accountID)),
		now:       time.Now,
		delay:     opts.Backoff.Delay,
		wake:      make(chan struct{}, 1),
		cmds:      make(chan command),
		done:      make(chan struct{}),
	}
	m.snap.AccountID = accountID
	return m
}

// SetClock replaces the clock and the backoff source. Tests only.
func (m *Manager) SetClock(now func() time.Time, delay func(n int) time.Duration) {
	m.now = now
	if delay != nil {
		m.delay = delay
	}
}

// AccountID returns the managed account.
func (m *Manager) AccountID() string {
	return m.account.ID
}

// Start loads the account and launches the dispatcher.
func (m *Manager) Start(ctx context.Context) error {
	acct, err := m.db.GetAccount(ctx, m.account.ID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", m.account.ID, err)
	}
	m.account = *acct
	m.machine = status.NewMachine(acct.ID, status.State(acct.Status), m.bus)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(runCtx, *acct)
	return nil
}

// Stop closes the session and waits for the dispatcher to exit. The persisted
// status is left for the next owner.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the dispatcher exits.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Tick retries a scheduled reconnect whose time has come.
func (m *Manager) Tick(ctx context.Context) error {
	return m.do(ctx, m.retryIfDue)
}

// Repair clears credentials and timers, then starts a fresh pairing attempt.
// It returns once the credentials are gone and the new attempt has begun.
func (m *Manager) Repair(ctx context.Context) error {
	return m.do(ctx, m.repair)
}

// Reconnect resets the retry counter and reconnects now. Refused after a
// terminal logout.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.do(ctx, m.reconnect)
}

// Logout revokes the device remotely, erases credentials and parks the
// account in logged_out.
func (m *Manager) Logout(ctx context.Context) error {
	return m.do(ctx, m.logout)
}

// Send delivers a text message through the live session.
func (m *Manager) Send(ctx context.Context, to, body string) (string, error) {
	sess, err := m.liveSession()
	if err != nil {
		return "", err
	}
	return sess.Send(ctx, to, body)
}

// FetchRecentHistory asks the live session for messages older than anchor.
func (m *Manager) FetchRecentHistory(ctx context.Context, anchor HistoryAnchor, limit int) ([]HistoryMessage, error) {
	sess, err := m.liveSession()
	if err != nil {
		return nil, err
	}
	return sess.FetchRecentHistory(ctx, anchor, limit)
}

func (m *Manager) liveSession() (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap.Status != status.Connected || m.live == nil {
		return nil, ErrNotConnected
	}
	return m.live, nil
}

func (m *Manager) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := command{fn: fn, done: make(chan error, 1)}
	select {
	case m.cmds <- c:
	case <-m.done:
		return ErrNotOwner
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) push(it item) {
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, it)
	m.inboxMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drain() []item {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	items := m.inbox
	m.inbox = nil
	return items
}

func (m *Manager) run(ctx context.Context, acct store.Account) {
	defer close(m.done)
	m.boot(ctx, acct)

	for {
		select {
		case <-ctx.Done():
			m.cancelTimer()
			m.closeSession()
			m.logger.Info("connection manager stopped")
			return
		case <-m.wake:
			for _, it := range m.drain() {
				m.handle(ctx, it)
			}
		case c := <-m.cmds:
			c.done <- c.fn(ctx)
		}
	}
}

func (m *Manager) boot(ctx context.Context, acct store.Account) {
	m.reason = acct.LastDisconnectReason
	if acct.LastDisconnectAt > 0 {
		m.disconnectAt = time.UnixMilli(acct.LastDisconnectAt)
	}
	if acct.ConnectedAt > 0 {
		m.connectedAt = time.UnixMilli(acct.ConnectedAt)
	}

	st := status.State(acct.Status)
	if status.Terminal(st) {
		m.terminal = true
		m.logger.Info("account requires re-pairing, not connecting", zap.String("status", acct.Status))
		m.refresh()
		return
	}

	// A fresh owner starts with a clean retry budget but honors a retry that
	// is still scheduled in the future.
	if st == status.Disconnected && acct.NextRetryAt > m.now().UnixMilli() {
		m.nextRetryAt = time.UnixMilli(acct.NextRetryAt)
		m.persist(ctx, false)
		m.logger.Info("resuming scheduled reconnect", zap.Time("next_retry_at", m.nextRetryAt))
		m.refresh()
		return
	}
	m.beginAttempt(ctx, true)
}

func (m *Manager) handle(ctx context.Context, it item) {
	switch it.kind {
	case itemTimer:
		if it.gen != m.timerGen {
			return
		}
		m.timer = nil
		switch it.timer {
		case timerQR:
			m.onQRTimeout(ctx)
		case timerConnect:
			m.logger.Warn("connect attempt timed out", zap.Duration("timeout", m.opts.ConnectTimeout))
			m.onDisconnect(ctx, ReasonConnectTimeout)
		}
	case itemConnectFailed:
		if it.gen != m.sessionGen {
			return
		}
		m.logger.Warn("connect failed", zap.Error(it.err))
		m.onDisconnect(ctx, ReasonConnectError)
	case itemEvent:
		if it.gen != m.sessionGen {
			m.logger.Debug("dropping event from closed session", zap.String("kind", string(it.evt.Kind)))
			return
		}
		m.onEvent(ctx, it.evt)
	}
}

func (m *Manager) onEvent(ctx context.Context, evt Event) {
	switch evt.Kind {
	case EventQRCode:
		m.qrCode = evt.Code
		if m.machine.Current() == status.Connecting {
			m.setState(ctx, status.QRReady, false)
			m.armTimer(timerQR, m.opts.QRTimeout)
		} else {
			m.refresh()
		}
		m.bus.Publish(bus.Event{Kind: bus.KindQRCode, AccountID: m.account.ID, Payload: evt.Code})
	case EventQRTimeout:
		m.onQRTimeout(ctx)
	case EventPaired:
		m.logger.Info("device paired", zap.String("device", evt.DeviceJID))
		m.account.DeviceJID = evt.DeviceJID
		if err := m.db.SetDeviceJID(ctx, m.account.ID, evt.DeviceJID); err != nil {
			m.logger.Error("failed to persist device", zap.Error(err))
		}
		m.qrCode = ""
		m.armTimer(timerConnect, m.opts.ConnectTimeout)
		m.refresh()
	case EventConnected:
		m.cancelTimer()
		m.retryCount = 0
		m.unknownStreak = 0
		m.nextRetryAt = time.Time{}
		m.connectedAt = m.now()
		m.qrCode = ""
		m.setState(ctx, status.Connected, false)
		m.logger.Info("account connected")
	case EventDisconnected:
		m.onDisconnect(ctx, evt.Reason)
	case EventLoggedOut:
		m.onTerminalLogout(ctx, evt.Reason)
	}
}

// beginAttempt opens a new session. force allows leaving any state, which
// boot and re-pairing need.
func (m *Manager) beginAttempt(ctx context.Context, force bool) {
	if m.terminal {
		m.logger.Warn("refusing to connect after terminal logout")
		return
	}
	m.cancelTimer()
	m.closeSession()
	m.nextRetryAt = time.Time{}
	if !m.setState(ctx, status.Connecting, force) {
		return
	}

	gen := m.sessionGen
	sess, err := m.transport.Open(ctx, m.account, func(evt Event) {
		m.push(item{kind: itemEvent, gen: gen, evt: evt})
	})
	if err != nil {
		m.logger.Error("failed to open session", zap.Error(err))
		m.onDisconnect(ctx, ReasonConnectError)
		return
	}
	m.session = sess
	if sess.HasCredentials() {
		m.armTimer(timerConnect, m.opts.ConnectTimeout)
	}
	m.refresh()

	go func() {
		if err := sess.Connect(ctx); err != nil {
			m.push(item{kind: itemConnectFailed, gen: gen, err: err})
		}
	}()
}

func (m *Manager) onDisconnect(ctx context.Context, reason string) {
	if m.terminal {
		m.logger.Info("ignoring disconnect after terminal logout", zap.String("reason", reason))
		return
	}
	class := Classify(reason)
	if class == Terminal {
		m.onTerminalLogout(ctx, reason)
		return
	}

	m.cancelTimer()
	m.closeSession()
	m.qrCode = ""
	m.reason = reason
	m.disconnectAt = m.now()

	if class == Unknown {
		m.unknownStreak++
	} else {
		m.unknownStreak = 0
	}

	if class == Unknown && m.opts.UnknownRetryCap > 0 && m.unknownStreak > m.opts.UnknownRetryCap {
		m.nextRetryAt = time.Time{}
		m.logger.Warn("unrecognized disconnects keep repeating, parking account",
			zap.String("reason", reason), zap.Int("streak", m.unknownStreak))
	} else {
		d := m.delay(m.retryCount)
		m.retryCount++
		m.nextRetryAt = m.now().Add(d)
		m.logger.Warn("disconnected, reconnect scheduled",
			zap.String("reason", reason),
			zap.String("class", class.String()),
			zap.Int("retry_count", m.retryCount),
			zap.Duration("delay", d))
	}
	m.setState(ctx, status.Disconnected, false)
}

// onTerminalLogout is one-way: credentials are erased, timers cancelled and no
// retry is ever scheduled until an operator re-pairs.
func (m *Manager) onTerminalLogout(ctx context.Context, reason string) {
	if m.terminal {
		return
	}
	m.terminal = true
	m.cancelTimer()
	m.closeSession()
	if err := m.eraseCredentials(ctx); err != nil {
		m.logger.Error("failed to erase credentials", zap.Error(err))
	}
	m.retryCount = 0
	m.unknownStreak = 0
	m.nextRetryAt = time.Time{}
	m.qrCode = ""
	m.reason = reason
	m.disconnectAt = m.now()
	m.setState(ctx, status.NeedsQR, false)

	m.logger.Error("session revoked remotely, re-pairing required", zap.String("reason", reason))
	m.bus.Publish(bus.Event{Kind: bus.KindLoggedOut, AccountID: m.account.ID, Payload: reason})
}

func (m *Manager) onQRTimeout(ctx context.Context) {
	if m.machine.Current() != status.QRReady {
		return
	}
	m.cancelTimer()
	m.closeSession()
	m.terminal = true
	m.qrCode = ""
	m.reason = ReasonQRTimeout
	m.nextRetryAt = time.Time{}
	m.setState(ctx, status.NeedsQR, false)
	m.logger.Warn("pairing not completed in time, waiting for a new pairing request",
		zap.Duration("timeout", m.opts.QRTimeout))
}

func (m *Manager) retryIfDue(ctx context.Context) error {
	if m.terminal || m.machine.Current() != status.Disconnected {
		return nil
	}
	if m.nextRetryAt.IsZero() || m.now().Before(m.nextRetryAt) {
		return nil
	}

	held, err := m.leases.Holds(ctx, lease.AccountResource(m.account.ID), m.opts.InstanceID)
	if err != nil {
		return fmt.Errorf("check lease: %w", err)
	}
	if !held {
		m.logger.Warn("account lease lost, not reconnecting")
		return ErrNotOwner
	}

	acct, err := m.db.GetAccount(ctx, m.account.ID)
	if err != nil {
		return fmt.Errorf("reload account: %w", err)
	}
	if st := status.State(acct.Status); status.Terminal(st) {
		m.terminal = true
		m.machine.Reset(st)
		m.refresh()
		return nil
	}
	if acct.Status != string(status.Disconnected) {
		m.logger.Warn("persisted status changed, skipping reconnect", zap.String("status", acct.Status))
		return nil
	}
	m.account.DeviceJID = acct.DeviceJID

	m.logger.Info("reconnecting", zap.Int("retry_count", m.retryCount))
	m.beginAttempt(ctx, false)
	return nil
}

func (m *Manager) repair(ctx context.Context) error {
	m.cancelTimer()
	m.closeSession()
	if err := m.eraseCredentials(ctx); err != nil {
		return fmt.Errorf("erase credentials: %w", err)
	}
	m.terminal = false
	m.retryCount = 0
	m.unknownStreak = 0
	m.nextRetryAt = time.Time{}
	m.qrCode = ""
	m.reason = ReasonRepair
	m.logger.Info("re-pairing requested")
	m.beginAttempt(ctx, true)
	return nil
}

func (m *Manager) reconnect(ctx context.Context) error {
	if m.terminal {
		return ErrTerminal
	}
	switch m.machine.Current() {
	case status.Connecting, status.QRReady:
		return nil
	case status.Connected:
		m.cancelTimer()
		m.closeSession()
		m.reason = ReasonOperatorRetry
		m.disconnectAt = m.now()
		m.setState(ctx, status.Disconnected, false)
	}
	m.retryCount = 0
	m.unknownStreak = 0
	m.nextRetryAt = m.now()
	return m.retryIfDue(ctx)
}

func (m *Manager) logout(ctx context.Context) error {
	if m.session != nil && m.machine.Current() == status.Connected {
		if err := m.session.Logout(ctx); err != nil {
			m.logger.Warn("remote logout failed, erasing local credentials anyway", zap.Error(err))
		}
	}
	m.terminal = true
	m.cancelTimer()
	m.closeSession()
	err := m.eraseCredentials(ctx)
	m.retryCount = 0
	m.unknownStreak = 0
	m.nextRetryAt = time.Time{}
	m.qrCode = ""
	m.reason = ReasonOperatorLogout
	m.disconnectAt = m.now()
	m.setState(ctx, status.LoggedOut, true)
	return err
}

func (m *Manager) eraseCredentials(ctx context.Context) error {
	var errs []error
	if m.account.DeviceJID != "" {
		if err := m.transport.EraseCredentials(ctx, m.account.DeviceJID); err != nil {
			errs = append(errs, err)
		}
	}
	m.account.DeviceJID = ""
	if err := m.db.ClearDeviceJID(ctx, m.account.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// setState moves the machine and persists the new state. Returns false if the
// transition was refused.
func (m *Manager) setState(ctx context.Context, to status.State, force bool) bool {
	if from := m.machine.Current(); from != to {
		if force {
			m.machine.Reset(to)
		} else if err := m.machine.Transition(to); err != nil {
			m.logger.Warn("state transition refused", zap.Error(err))
			return false
		}
	}
	m.persist(ctx, force)
	m.refresh()
	return true
}

func (m *Manager) persist(ctx context.Context, force bool) {
	st := store.AccountState{
		Status:               string(m.machine.Current()),
		LastDisconnectReason: m.reason,
		RetryCount:           m.retryCount,
	}
	if !m.disconnectAt.IsZero() {
		st.LastDisconnectAt = m.disconnectAt.UnixMilli()
	}
	if !m.nextRetryAt.IsZero() {
		st.NextRetryAt = m.nextRetryAt.UnixMilli()
	}
	if !m.connectedAt.IsZero() {
		st.ConnectedAt = m.connectedAt.UnixMilli()
	}
	ok, err := m.db.UpdateAccountState(ctx, m.account.ID, st, force || status.Terminal(m.machine.Current()))
	if err != nil {
		m.logger.Error("failed to persist account state", zap.Error(err))
		return
	}
	if !ok {
		m.logger.Warn("account state not persisted, stored status is terminal", zap.String("status", st.Status))
	}
}

func (m *Manager) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{
		AccountID:            m.account.ID,
		Status:               m.machine.Current(),
		LastDisconnectReason: m.reason,
		LastDisconnectAt:     m.disconnectAt,
		RetryCount:           m.retryCount,
		NextRetryAt:          m.nextRetryAt,
		ConnectedAt:          m.connectedAt,
		QRCode:               m.qrCode,
		HasCredentials:       m.account.DeviceJID != "",
	}
	m.live = m.session
}

func (m *Manager) armTimer(kind timerKind, d time.Duration) {
	m.cancelTimer()
	if d <= 0 {
		return
	}
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.push(item{kind: itemTimer, gen: gen, timer: kind})
	})
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Manager) closeSession() {
	if m.session != nil {
		m.session.Disconnect()
		m.session = nil
	}
	m.sessionGen++
	m.mu.Lock()
	m.live = nil
	m.mu.Unlock()
}
