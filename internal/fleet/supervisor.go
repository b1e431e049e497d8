// Package fleet decides which provisioned accounts this instance runs. It
// keeps the account leases ticking and owns the registry of live connection
// managers.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/config"
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/lease"
	"github.com/matheus3301/wafleet/internal/status"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
)

// Account modes reported on the status surface.
const (
	ModeActive  = "active"
	ModePassive = "passive"
)

// Leases is the part of the lease coordinator the supervisor needs.
type Leases interface {
	conn.LeaseChecker
	TryAcquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, resourceID, holderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resourceID, holderID string) error
}

// Options tunes the supervisor.
type Options struct {
	InstanceID    string
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	Tick          time.Duration
	Manager       conn.Options
}

type entry struct {
	manager *conn.Manager
	renewed time.Time
}

// Supervisor runs one connection manager per account whose lease this
// instance holds. Every other provisioned account is passive here.
type Supervisor struct {
	db        *store.DB
	leases    Leases
	transport conn.Transport
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	mu       sync.RWMutex
	managers map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor. Start launches its loops.
func NewSupervisor(db *store.DB, leases Leases, transport conn.Transport, b *bus.Bus, opts Options, logger *zap.Logger) *Supervisor {
	opts.Manager.InstanceID = opts.InstanceID
	return &Supervisor{
		db:        db,
		leases:    leases,
		transport: transport,
		bus:       b,
		logger:    logger.Named("fleet"),
		opts:      opts,
		now:       time.Now,
		managers:  make(map[string]*entry),
	}
}

// Provision creates the configured accounts if they do not exist yet.
func (s *Supervisor) Provision(ctx context.Context, accounts []config.AccountConfig) error {
	for _, a := range accounts {
		acct, err := s.db.ProvisionAccount(ctx, a.Namespace, a.Phone)
		if err != nil {
			return fmt.Errorf("provision %s/%s: %w", a.Namespace, a.Phone, err)
		}
		s.logger.Info("account provisioned", zap.String("account", acct.ID), zap.String("namespace", acct.Namespace))
	}
	return nil
}

// Start runs a lease pass immediately, then keeps renewing leases and ticking
// the managers in the background.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.RunLeases(ctx)

	s.wg.Add(2)
	go s.every(ctx, s.opts.RenewInterval, s.RunLeases)
	go s.every(ctx, s.opts.Tick, s.RunTicks)
	s.logger.Info("supervisor started",
		zap.String("instance", s.opts.InstanceID),
		zap.Duration("lease_ttl", s.opts.LeaseTTL),
		zap.Duration("renew_interval", s.opts.RenewInterval))
}

func (s *Supervisor) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the loops and every manager, then releases the account leases so
// another instance can take over without waiting for expiry.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.managers))
	for id := range s.managers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.drop(ctx, id, true)
	}
	s.logger.Info("supervisor stopped")
}

// RunLeases renews the leases of running accounts and tries to acquire the
// leases of every other provisioned account.
func (s *Supervisor) RunLeases(ctx context.Context) {
	accounts, err := s.db.ListAccounts(ctx)
	if err != nil {
		s.logger.Error("failed to list accounts", zap.Error(err))
		return
	}
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		s.runLease(ctx, acct.ID)
	}
}

func (s *Supervisor) runLease(ctx context.Context, id string) {
	logger := s.logger.With(zap.String("account", id))
	res := lease.AccountResource(id)
	now := s.now()

	s.mu.RLock()
	e, running := s.managers[id]
	s.mu.RUnlock()

	if running {
		select {
		case <-e.manager.Done():
			logger.Warn("connection manager exited, dropping account")
			s.drop(ctx, id, true)
			return
		default:
		}

		ok, err := s.leases.Renew(ctx, res, s.opts.InstanceID, s.opts.LeaseTTL)
		switch {
		case err != nil:
			logger.Error("failed to renew lease", zap.Error(err))
			// The lease has certainly expired once a full TTL passed without a
			// successful renewal.
			if now.Sub(e.renewed) >= s.opts.LeaseTTL {
				logger.Warn("lease expired while the store was unavailable")
				s.drop(ctx, id, false)
			}
		case !ok:
			logger.Warn("lease lost")
			s.drop(ctx, id, false)
		default:
			s.mu.Lock()
			e.renewed = now
			s.mu.Unlock()
		}
		return
	}

	// A restarted instance with the same id may still hold its old lease.
	ok, err := s.leases.Renew(ctx, res, s.opts.InstanceID, s.opts.LeaseTTL)
	if err == nil && !ok {
		ok, err = s.leases.TryAcquire(ctx, res, s.opts.InstanceID, s.opts.LeaseTTL)
	}
	if err != nil {
		logger.Error("failed to acquire lease", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	m := conn.NewManager(id, s.opts.Manager, s.db, s.leases, s.transport, s.bus, s.logger.Named("conn"))
	if err := m.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", zap.Error(err))
		if err := s.leases.Release(context.WithoutCancel(ctx), res, s.opts.InstanceID); err != nil {
			logger.Warn("failed to release lease", zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	s.managers[id] = &entry{manager: m, renewed: now}
	s.mu.Unlock()
	logger.Info("account lease acquired, now active")
}

// drop stops the manager of id and forgets it. The lease row is deleted only
// when release is set; a lost lease already belongs to someone else.
func (s *Supervisor) drop(ctx context.Context, id string, release bool) {
	s.mu.Lock()
	e, ok := s.managers[id]
	delete(s.managers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx = context.WithoutCancel(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.manager.Stop(stopCtx); err != nil {
		s.logger.Warn("connection manager did not stop in time", zap.String("account", id), zap.Error(err))
	}
	if release {
		if err := s.leases.Release(ctx, lease.AccountResource(id), s.opts.InstanceID); err != nil {
			s.logger.Warn("failed to release lease", zap.String("account", id), zap.Error(err))
		}
	}
	s.logger.Info("account now passive", zap.String("account", id))
}

// RunTicks lets every running manager fire a retry whose time has come.
func (s *Supervisor) RunTicks(ctx context.Context) {
	for _, id := range s.Owned() {
		if ctx.Err() != nil {
			return
		}
		m, ok := s.Manager(id)
		if !ok {
			continue
		}
		err := m.Tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, conn.ErrNotOwner):
			s.logger.Warn("lease no longer held at retry time", zap.String("account", id))
			s.drop(ctx, id, false)
		case errors.Is(err, context.Canceled):
		default:
			s.logger.Error("retry tick failed", zap.String("account", id), zap.Error(err))
		}
	}
}

// Owned returns the ids of the accounts running on this instance, sorted.
func (s *Supervisor) Owned() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.managers))
	for id := range s.managers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Manager returns the connection manager of an owned account.
func (s *Supervisor) Manager(id string) (*conn.Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.managers[id]
	if !ok {
		return nil, false
	}
	return e.manager, true
}

// Mode reports whether id is active or passive on this instance.
func (s *Supervisor) Mode(id string) string {
	if _, ok := s.Manager(id); ok {
		return ModeActive
	}
	return ModePassive
}

// Connected reports whether id runs here with a live session.
func (s *Supervisor) Connected(id string) bool {
	m, ok := s.Manager(id)
	return ok && m.Snapshot().Status == status.Connected
}

// ConnectedCount returns how many owned accounts are connected.
func (s *Supervisor) ConnectedCount() int {
	n := 0
	for _, id := range s.Owned() {
		if s.Connected(id) {
			n++
		}
	}
	return n
}

// Snapshots returns the state of every owned account.
func (s *Supervisor) Snapshots() []conn.Snapshot {
	ids := s.Owned()
	snaps := make([]conn.Snapshot, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.Manager(id); ok {
			snaps = append(snaps, m.Snapshot())
		}
	}
	return snaps
}

// Send delivers a message through an owned account.
func (s *Supervisor) Send(ctx context.Context, accountID, to, body string) (string, error) {
	m, ok := s.Manager(accountID)
	if !ok {
		return "", conn.ErrNotOwner
	}
	return m.Send(ctx, to, body)
}

// FetchRecentHistory fetches history through an owned account.
func (s *Supervisor) FetchRecentHistory(ctx context.Context, accountID string, anchor conn.HistoryAnchor, limit int) ([]conn.HistoryMessage, error) {
	m, ok := s.Manager(accountID)
	if !ok {
		return nil, conn.ErrNotOwner
	}
	return m.FetchRecentHistory(ctx, anchor, limit)
}

// Snapshot returns the state of an owned account.
func (s *Supervisor) Snapshot(id string) (conn.Snapshot, bool) {
	m, ok := s.Manager(id)
	if !ok {
		return conn.Snapshot{}, false
	}
	return m.Snapshot(), true
}

// Repair starts a fresh pairing of an owned account.
func (s *Supervisor) Repair(ctx context.Context, id string) error {
	m, ok := s.Manager(id)
	if !ok {
		return conn.ErrNotOwner
	}
	return m.Repair(ctx)
}

// Reconnect reconnects an owned account now.
func (s *Supervisor) Reconnect(ctx context.Context, id string) error {
	m, ok := s.Manager(id)
	if !ok {
		return conn.ErrNotOwner
	}
	return m.Reconnect(ctx)
}

// Logout logs an owned account out.
func (s *Supervisor) Logout(ctx context.Context, id string) error {
	m, ok := s.Manager(id)
	if !ok {
		return conn.ErrNotOwner
	}
	return m.Logout(ctx)
}
