package incident

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/status"
	"github.com/matheus3301/wafleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type fakeFleet struct {
	owned     []string
	connected int
}

func (f *fakeFleet) Owned() []string     { return f.owned }
func (f *fakeFleet) ConnectedCount() int { return f.connected }

type fakeShutdowner struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeShutdowner) Shutdown(...fx.ShutdownOption) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil
}

type harness struct {
	db       *store.DB
	bus      *bus.Bus
	fleet    *fakeFleet
	shutdown *fakeShutdowner
	reporter *Reporter
	account  string
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "incident.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	acct, err := db.ProvisionAccount(context.Background(), "acme", "+40712345678")
	require.NoError(t, err)

	h := &harness{
		db:       db,
		bus:      bus.New(),
		fleet:    &fakeFleet{owned: []string{acct.ID}, connected: 1},
		shutdown: &fakeShutdowner{},
		account:  acct.ID,
		now:      time.Now(),
	}
	h.reporter = NewReporter(db, h.fleet, h.bus, h.shutdown, Options{
		InstanceID:             "w1",
		Build:                  "test",
		HeartbeatInterval:      time.Minute,
		CheckInterval:          time.Minute,
		StuckDisconnectAfter:   10 * time.Minute,
		ReconnectLoopThreshold: 10,
	}, zap.NewNop())
	h.reporter.now = func() time.Time { return h.now }
	return h
}

func (h *harness) setState(t *testing.T, st store.AccountState) {
	t.Helper()
	_, err := h.db.UpdateAccountState(context.Background(), h.account, st, true)
	require.NoError(t, err)
}

func (h *harness) active(t *testing.T) []store.Incident {
	t.Helper()
	incs, err := h.db.ListIncidents(context.Background(), true, 10)
	require.NoError(t, err)
	return incs
}

func drain(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestHeartbeatOncePerBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.now = time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	written, err := h.reporter.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, written)

	h.now = h.now.Add(30 * time.Second)
	written, err = h.reporter.Heartbeat(ctx)
	require.NoError(t, err)
	assert.False(t, written, "same bucket must not write twice")

	h.now = h.now.Add(time.Minute)
	written, err = h.reporter.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, written)

	n, err := h.db.CountHeartbeats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStuckDisconnectOpensOnceAndResolves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events, unsub := h.bus.Subscribe("incident.", 16)
	defer unsub()

	h.setState(t, store.AccountState{
		Status:               string(status.Disconnected),
		LastDisconnectReason: "connection_lost",
		LastDisconnectAt:     h.now.Add(-5 * time.Minute).UnixMilli(),
		RetryCount:           3,
	})
	require.NoError(t, h.reporter.EvaluateAccount(ctx, h.account))
	assert.Empty(t, h.active(t), "not stuck yet")

	h.now = h.now.Add(10 * time.Minute)
	require.NoError(t, h.reporter.EvaluateAccount(ctx, h.account))
	require.NoError(t, h.reporter.EvaluateAccount(ctx, h.account))

	incs := h.active(t)
	require.Len(t, incs, 1)
	assert.Equal(t, TypeDisconnectStuck, incs[0].Type)
	assert.Equal(t, "connection_lost", incs[0].Evidence["reason"])
	assert.NotEmpty(t, incs[0].Instructions)

	opened := drain(events)
	require.Len(t, opened, 1, "a refreshed incident is not announced again")
	assert.Equal(t, bus.KindIncidentOpened, opened[0].Kind)

	h.setState(t, store.AccountState{Status: string(status.Connected), ConnectedAt: h.now.UnixMilli()})
	require.NoError(t, h.reporter.EvaluateAccount(ctx, h.account))
	assert.Empty(t, h.active(t))

	resolved := drain(events)
	require.Len(t, resolved, 1)
	assert.Equal(t, bus.KindIncidentResolved, resolved[0].Kind)
}

func TestReconnectLoopRequestsShutdownOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.setState(t, store.AccountState{
		Status:               string(status.Disconnected),
		LastDisconnectReason: "stream_replaced",
		LastDisconnectAt:     h.now.UnixMilli(),
		RetryCount:           11,
	})
	require.NoError(t, h.reporter.EvaluateAccount(ctx, h.account))
	require.NoError(t, h.reporter.EvaluateAccount(ctx, h.account))

	incs := h.active(t)
	require.Len(t, incs, 1)
	assert.Equal(t, TypeReconnectLoop, incs[0].Type)
	assert.Equal(t, 1, h.shutdown.calls)
}

func TestRetryCountAtThresholdIsNotALoop(t *testing.T) {
	h := newHarness(t)
	h.setState(t, store.AccountState{
		Status:           string(status.Disconnected),
		LastDisconnectAt: h.now.UnixMilli(),
		RetryCount:       10,
	})
	require.NoError(t, h.reporter.EvaluateAccount(context.Background(), h.account))
	assert.Empty(t, h.active(t))
	assert.Equal(t, 0, h.shutdown.calls)
}

func TestLoggedOutEventOpensPairingIncident(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.reporter.HandleEvent(ctx, bus.Event{Kind: bus.KindLoggedOut, AccountID: h.account, Payload: "logged_out"})
	incs := h.active(t)
	require.Len(t, incs, 1)
	assert.Equal(t, TypeLoggedOutPairing, incs[0].Type)
	assert.Equal(t, "logged_out", incs[0].Evidence["reason"])

	// Unrelated transitions leave it open.
	h.reporter.HandleEvent(ctx, bus.Event{
		Kind:      bus.KindStatusChanged,
		AccountID: h.account,
		Payload:   status.StatusChange{From: status.NeedsQR, To: status.Connecting, Forced: true},
	})
	assert.Len(t, h.active(t), 1)

	h.reporter.HandleEvent(ctx, bus.Event{
		Kind:      bus.KindStatusChanged,
		AccountID: h.account,
		Payload:   status.StatusChange{From: status.QRReady, To: status.Connected},
	})
	assert.Empty(t, h.active(t))
}

func TestPersistedTerminalLogoutOpensPairingIncident(t *testing.T) {
	h := newHarness(t)
	h.setState(t, store.AccountState{
		Status:               string(status.NeedsQR),
		LastDisconnectReason: "main_device_gone",
		LastDisconnectAt:     h.now.UnixMilli(),
	})
	require.NoError(t, h.reporter.EvaluateAccount(context.Background(), h.account))

	incs := h.active(t)
	require.Len(t, incs, 1)
	assert.Equal(t, TypeLoggedOutPairing, incs[0].Type)
}

func TestQRTimeoutIsNotALogoutIncident(t *testing.T) {
	h := newHarness(t)
	h.setState(t, store.AccountState{
		Status:               string(status.NeedsQR),
		LastDisconnectReason: "qr_timeout",
		LastDisconnectAt:     h.now.UnixMilli(),
	})
	require.NoError(t, h.reporter.EvaluateAccount(context.Background(), h.account))
	assert.Empty(t, h.active(t))
}

func TestStartWritesHeartbeatAndFollowsBus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.reporter.Start(ctx)
	defer h.reporter.Stop()

	h.bus.Publish(bus.Event{Kind: bus.KindLoggedOut, AccountID: h.account, Payload: "unknown_logout"})

	require.Eventually(t, func() bool {
		incs, err := h.db.ListIncidents(ctx, true, 10)
		return err == nil && len(incs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, err := h.db.CountHeartbeats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
