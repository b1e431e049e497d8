// Package incident writes instance heartbeats and turns persisted account
// state into deduplicated incidents an operator can act on.
package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/status"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Incident types.
const (
	TypeDisconnectStuck  = "disconnect_stuck"
	TypeReconnectLoop    = "reconnect_loop"
	TypeLoggedOutPairing = "logged_out_requires_pairing"
)

// ExitCodeReconnectLoop is the process exit code requested when an account
// keeps reconnecting without recovering.
const ExitCodeReconnectLoop = 2

const (
	instructionsStuck = "The account has not reconnected for a long time. Check network reachability " +
		"and the phone's connectivity, then POST /v1/accounts/{id}/reconnect."
	instructionsLoop = "The account is reconnecting in a loop; the instance restarted itself. " +
		"If it persists, check for a second client using the same device."
	instructionsPairing = "The device was logged out. Open /v1/accounts/{id}/qr.png after " +
		"POST /v1/accounts/{id}/repair and scan the code from the phone."
)

// Fleet is the view of the accounts this instance runs.
type Fleet interface {
	Owned() []string
	ConnectedCount() int
}

// Options tunes the reporter.
type Options struct {
	InstanceID             string
	Build                  string
	HeartbeatInterval      time.Duration
	CheckInterval          time.Duration
	StuckDisconnectAfter   time.Duration
	ReconnectLoopThreshold int
}

// Reporter writes heartbeats and keeps incidents in sync with account state.
type Reporter struct {
	db         *store.DB
	fleet      Fleet
	bus        *bus.Bus
	shutdowner fx.Shutdowner
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
	started    time.Time

	shutdownRequested bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReporter creates a reporter. shutdowner may be nil, in which case a
// reconnect loop is only reported.
func NewReporter(db *store.DB, fleet Fleet, b *bus.Bus, shutdowner fx.Shutdowner, opts Options, logger *zap.Logger) *Reporter {
	return &Reporter{
		db:         db,
		fleet:      fleet,
		bus:        b,
		shutdowner: shutdowner,
		logger:     logger.Named("incident"),
		opts:       opts,
		now:        time.Now,
		started:    time.Now(),
	}
}

// Start launches the heartbeat, evaluation and bus loops.
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	events, unsub := r.bus.Subscribe("account.", 64)

	go func() {
		defer close(r.done)
		defer unsub()

		heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
		defer heartbeat.Stop()
		check := time.NewTicker(r.opts.CheckInterval)
		defer check.Stop()

		r.beat(ctx)
		for {
			select {
			case <-heartbeat.C:
				r.beat(ctx)
			case <-check.C:
				r.Evaluate(ctx)
			case evt := <-events:
				r.HandleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loops.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Reporter) beat(ctx context.Context) {
	if _, err := r.Heartbeat(ctx); err != nil {
		r.logger.Error("failed to write heartbeat", zap.Error(err))
	}
}

// Heartbeat writes the heartbeat of the current interval bucket. Repeated
// calls within one bucket write nothing and return false.
func (r *Reporter) Heartbeat(ctx context.Context) (bool, error) {
	now := r.now()
	bucket := now.Truncate(r.opts.HeartbeatInterval).UTC()
	hb := store.Heartbeat{
		ID:             r.opts.InstanceID + "@" + bucket.Format(time.RFC3339),
		InstanceID:     r.opts.InstanceID,
		Timestamp:      now.UnixMilli(),
		UptimeSec:      int64(now.Sub(r.started).Seconds()),
		ConnectedCount: r.fleet.ConnectedCount(),
		Build:          r.opts.Build,
	}
	written, err := r.db.InsertHeartbeat(ctx, hb)
	if err != nil {
		return false, fmt.Errorf("insert heartbeat: %w", err)
	}
	if written {
		r.logger.Debug("heartbeat", zap.String("id", hb.ID), zap.Int("connected", hb.ConnectedCount))
	}
	return written, nil
}

// Evaluate checks every owned account once.
func (r *Reporter) Evaluate(ctx context.Context) {
	for _, id := range r.fleet.Owned() {
		if ctx.Err() != nil {
			return
		}
		if err := r.EvaluateAccount(ctx, id); err != nil {
			r.logger.Error("incident evaluation failed", zap.String("account", id), zap.Error(err))
		}
	}
}

// EvaluateAccount opens, refreshes or resolves the incidents of one account
// from its persisted state.
func (r *Reporter) EvaluateAccount(ctx context.Context, accountID string) error {
	acct, err := r.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	now := r.now()
	st := status.State(acct.Status)

	if since, stuck := r.stuckSince(acct, now); stuck {
		evidence := map[string]any{
			"status":      acct.Status,
			"reason":      acct.LastDisconnectReason,
			"since":       since.UnixMilli(),
			"retry_count": acct.RetryCount,
		}
		if err := r.open(ctx, accountID, TypeDisconnectStuck, evidence, instructionsStuck); err != nil {
			return err
		}
	} else if err := r.resolve(ctx, accountID, TypeDisconnectStuck); err != nil {
		return err
	}

	if r.opts.ReconnectLoopThreshold > 0 && acct.RetryCount > r.opts.ReconnectLoopThreshold {
		evidence := map[string]any{
			"retry_count": acct.RetryCount,
			"threshold":   r.opts.ReconnectLoopThreshold,
			"reason":      acct.LastDisconnectReason,
		}
		if err := r.open(ctx, accountID, TypeReconnectLoop, evidence, instructionsLoop); err != nil {
			return err
		}
		r.requestShutdown(accountID)
	} else if st == status.Connected {
		if err := r.resolve(ctx, accountID, TypeReconnectLoop); err != nil {
			return err
		}
	}

	switch {
	case st == status.NeedsQR && conn.Classify(acct.LastDisconnectReason) == conn.Terminal:
		return r.openPairing(ctx, accountID, acct.LastDisconnectReason)
	case st == status.Connected:
		return r.resolve(ctx, accountID, TypeLoggedOutPairing)
	}
	return nil
}

// stuckSince reports how long an account has been trying to come back.
func (r *Reporter) stuckSince(acct *store.Account, now time.Time) (time.Time, bool) {
	st := status.State(acct.Status)
	if st != status.Disconnected && st != status.Connecting {
		return time.Time{}, false
	}
	since := acct.UpdatedAt
	if acct.LastDisconnectAt > 0 {
		since = acct.LastDisconnectAt
	}
	t := time.UnixMilli(since)
	return t, now.Sub(t) > r.opts.StuckDisconnectAfter
}

// HandleEvent reacts to account events without waiting for the next check.
func (r *Reporter) HandleEvent(ctx context.Context, evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindLoggedOut:
		reason, _ := evt.Payload.(string)
		err = r.openPairing(ctx, evt.AccountID, reason)
	case bus.KindStatusChanged:
		change, ok := evt.Payload.(status.StatusChange)
		if !ok || change.To != status.Connected {
			return
		}
		for _, typ := range []string{TypeLoggedOutPairing, TypeDisconnectStuck} {
			if err = r.resolve(ctx, evt.AccountID, typ); err != nil {
				break
			}
		}
	default:
		return
	}
	if err != nil {
		r.logger.Error("failed to update incident", zap.String("account", evt.AccountID), zap.String("event", evt.Kind), zap.Error(err))
	}
}

func (r *Reporter) openPairing(ctx context.Context, accountID, reason string) error {
	return r.open(ctx, accountID, TypeLoggedOutPairing, map[string]any{"reason": reason}, instructionsPairing)
}

func (r *Reporter) open(ctx context.Context, accountID, typ string, evidence map[string]any, instructions string) error {
	inc, opened, err := r.db.OpenIncident(ctx, accountID, typ, evidence, instructions, r.now().UnixMilli())
	if err != nil {
		return err
	}
	if opened {
		r.logger.Warn("incident opened", zap.String("account", accountID), zap.String("type", typ), zap.Any("evidence", evidence))
		r.bus.Publish(bus.Event{Kind: bus.KindIncidentOpened, AccountID: accountID, Timestamp: r.now(), Payload: *inc})
	}
	return nil
}

func (r *Reporter) resolve(ctx context.Context, accountID, typ string) error {
	resolved, err := r.db.ResolveIncident(ctx, accountID, typ, r.now().UnixMilli())
	if err != nil {
		return err
	}
	if resolved {
		r.logger.Info("incident resolved", zap.String("account", accountID), zap.String("type", typ))
		r.bus.Publish(bus.Event{
			Kind:      bus.KindIncidentResolved,
			AccountID: accountID,
			Timestamp: r.now(),
			Payload:   store.Incident{AccountID: accountID, Type: typ, ResolvedAt: r.now().UnixMilli()},
		})
	}
	return nil
}

func (r *Reporter) requestShutdown(accountID string) {
	if r.shutdownRequested || r.shutdowner == nil {
		return
	}
	r.shutdownRequested = true
	r.logger.Error("reconnect loop detected, shutting down for a supervised restart", zap.String("account", accountID))
	if err := r.shutdowner.Shutdown(fx.ExitCode(ExitCodeReconnectLoop)); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("shutdown request failed", zap.Error(err))
	}
}
