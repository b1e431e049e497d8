package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of messages into the store.
// It subscribes to "wa.*" events on the bus and processes them.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound WhatsApp events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("wa.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindInboundMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if _, err := e.IngestMessage(ctx, msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err),
				zap.String("account", msg.AccountID), zap.String("msg_id", msg.NetworkMessageID))
		}
	case bus.KindHistoryBatch:
		msgs, ok := evt.Payload.([]*store.Message)
		if !ok {
			return
		}
		n, err := e.IngestHistoryBatch(ctx, msgs)
		if err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err),
				zap.String("account", evt.AccountID), zap.Int("count", len(msgs)))
			return
		}
		e.logger.Info("history batch ingested", zap.String("account", evt.AccountID),
			zap.Int("messages", len(msgs)), zap.Int("new", n))
	}
}

// IngestMessage stores msg if it is not already known and moves its thread
// forward. Reports whether a new row was written.
func (e *Engine) IngestMessage(ctx context.Context, msg *store.Message) (bool, error) {
	inserted, err := e.db.InsertMessageIfAbsent(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	peer := store.PeerAddress(msg.ThreadID, msg.AccountID)
	if err := e.db.TouchThread(ctx, msg.AccountID, peer, msg.Timestamp, msg.Body); err != nil {
		return inserted, fmt.Errorf("touch thread: %w", err)
	}

	if inserted {
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStored,
			AccountID: msg.AccountID,
			Payload: map[string]string{
				"thread_id": msg.ThreadID,
				"id":        msg.ID,
				"source":    msg.Source,
			},
		})
	}
	return inserted, nil
}

// IngestHistoryBatch ingests a history batch. Messages already stored through
// another path are skipped. Returns how many were new.
func (e *Engine) IngestHistoryBatch(ctx context.Context, msgs []*store.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		inserted, err := e.IngestMessage(ctx, m)
		if err != nil {
			return n, err
		}
		if inserted {
			n++
		}
	}
	return n, nil
}
