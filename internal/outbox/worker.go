// Package outbox drains queued send requests through the live sessions of the
// accounts this instance owns.
package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/wafleet/internal/backoff"
	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
)

// Sender delivers messages through the accounts this instance owns.
type Sender interface {
	Owned() []string
	Connected(accountID string) bool
	Send(ctx context.Context, accountID, to, body string) (networkMessageID string, err error)
}

// Options tunes the worker. SendTimeout bounds one send and must end before
// the claim expires, or a new owner may reap the entry and send it again. It
// defaults to 3/4 of ClaimTTL.
type Options struct {
	InstanceID   string
	PollInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
	SendTimeout  time.Duration
	Backoff      backoff.Policy
}

// Worker polls the outbox of every owned account and sends due entries.
type Worker struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time
	delay  func(n int) time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates an outbox worker.
func NewWorker(db *store.DB, sender Sender, b *bus.Bus, opts Options, logger *zap.Logger) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.SendTimeout <= 0 || opts.SendTimeout >= opts.ClaimTTL {
		opts.SendTimeout = opts.ClaimTTL * 3 / 4
	}
	return &Worker{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger.Named("outbox"),
		opts:   opts,
		now:    time.Now,
		delay:  opts.Backoff.Delay,
	}
}

// Start begins polling the outbox.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop stops the worker loop and waits for an in-progress pass.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce processes every owned account once.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, id := range w.sender.Owned() {
		if ctx.Err() != nil {
			return
		}
		w.ProcessAccount(ctx, id)
	}
}

// ProcessAccount reaps expired claims and attempts the due entries of one
// account. Returns how many entries were attempted.
func (w *Worker) ProcessAccount(ctx context.Context, accountID string) int {
	logger := w.logger.With(zap.String("account", accountID))
	now := w.now().UnixMilli()

	requeued, failed, err := w.db.ReapStaleOutbox(ctx, accountID, now)
	if err != nil {
		logger.Error("failed to reap stale claims", zap.Error(err))
	} else if requeued > 0 || failed > 0 {
		logger.Warn("reaped expired claims", zap.Int64("requeued", requeued), zap.Int64("failed", failed))
	}

	// Attempts only count against entries when a session can take them.
	if !w.sender.Connected(accountID) {
		return 0
	}

	due, err := w.db.DueOutbox(ctx, accountID, now, w.opts.BatchSize)
	if err != nil {
		logger.Error("failed to read outbox", zap.Error(err))
		return 0
	}

	attempted := 0
	for _, entry := range due {
		if ctx.Err() != nil {
			break
		}
		if w.attempt(ctx, entry.ID, logger) {
			attempted++
		}
	}
	return attempted
}

// attempt claims one entry and sends it. Returns false when the claim was lost.
func (w *Worker) attempt(ctx context.Context, id string, logger *zap.Logger) bool {
	now := w.now()
	entry, err := w.db.ClaimOutbox(ctx, id, w.opts.InstanceID, now.UnixMilli(), now.Add(w.opts.ClaimTTL).UnixMilli())
	if err != nil {
		logger.Error("failed to claim entry", zap.String("entry", id), zap.Error(err))
		return false
	}
	if entry == nil {
		return false
	}
	logger = logger.With(zap.String("entry", entry.ID), zap.Int("attempt", entry.AttemptCount))

	sendCtx, cancel := context.WithTimeout(ctx, w.opts.SendTimeout)
	networkID, sendErr := w.sender.Send(sendCtx, entry.AccountID, entry.ToAddress, entry.Body)
	cancel()
	if sendErr != nil {
		w.onFailure(ctx, entry, sendErr, logger)
		return true
	}
	w.onSuccess(ctx, entry, networkID, logger)
	return true
}

func (w *Worker) onSuccess(ctx context.Context, entry *store.OutboxEntry, networkID string, logger *zap.Logger) {
	// Outcome writes must land even when shutdown cancels the loop mid-send.
	ctx = context.WithoutCancel(ctx)
	sentAt := w.now().UnixMilli()

	ok, err := w.db.MarkOutboxSent(ctx, entry.ID, w.opts.InstanceID, networkID, sentAt)
	if err != nil {
		logger.Error("failed to mark sent", zap.Error(err))
		return
	}
	if !ok {
		logger.Warn("claim lost before the send completed")
		return
	}
	entry.Status = store.OutboxSent
	entry.NetworkMessageID = networkID
	entry.SentAt = sentAt
	entry.LeaseHolder, entry.LeaseUntil = "", 0

	msg := &store.Message{
		ID:               entry.ClientMessageID,
		ThreadID:         entry.ThreadID,
		AccountID:        entry.AccountID,
		NetworkMessageID: networkID,
		ClientMessageID:  entry.ClientMessageID,
		Direction:        store.DirectionOut,
		Body:             entry.Body,
		MessageType:      "text",
		Status:           "sent",
		Source:           store.SourceOutbox,
		Timestamp:        sentAt,
	}
	if err := w.db.RecordOutboundMessage(ctx, msg); err != nil {
		logger.Error("failed to record sent message", zap.Error(err))
	}
	if err := w.db.TouchThread(ctx, entry.AccountID, entry.ToAddress, sentAt, entry.Body); err != nil {
		logger.Error("failed to update thread", zap.Error(err))
	}

	logger.Info("message sent", zap.String("network_message_id", networkID))
	w.bus.Publish(bus.Event{Kind: bus.KindOutboxSent, AccountID: entry.AccountID, Payload: *entry})
}

// onFailure requeues the entry with backoff while attempts remain, otherwise
// fails it for good. AttemptCount already includes the failed attempt.
func (w *Worker) onFailure(ctx context.Context, entry *store.OutboxEntry, sendErr error, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	now := w.now()

	if entry.AttemptCount <= entry.MaxAttempts {
		next := now.Add(w.delay(entry.AttemptCount))
		ok, err := w.db.RequeueOutbox(ctx, entry.ID, w.opts.InstanceID, next.UnixMilli(), sendErr.Error(), now.UnixMilli())
		if err != nil {
			logger.Error("failed to requeue entry", zap.Error(err))
			return
		}
		if ok {
			logger.Warn("send failed, retry scheduled", zap.Error(sendErr), zap.Time("next_attempt_at", next))
		}
		return
	}

	ok, err := w.db.FailOutbox(ctx, entry.ID, w.opts.InstanceID, sendErr.Error(), now.UnixMilli())
	if err != nil {
		logger.Error("failed to mark entry failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	entry.Status = store.OutboxFailed
	entry.LastError = sendErr.Error()
	entry.LeaseHolder, entry.LeaseUntil = "", 0
	logger.Error("send failed, attempts exhausted", zap.Error(sendErr))
	w.bus.Publish(bus.Event{Kind: bus.KindOutboxFailed, AccountID: entry.AccountID, Payload: *entry})
}
