package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/lease"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HistorySource lists the accounts this instance owns and fetches history
// through their live sessions.
type HistorySource interface {
	Owned() []string
	FetchRecentHistory(ctx context.Context, accountID string, anchor conn.HistoryAnchor, limit int) ([]conn.HistoryMessage, error)
}

// Leases is the part of the lease coordinator the gap-filler needs.
type Leases interface {
	TryAcquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resourceID, holderID string) error
}

// RecentSyncOptions tunes the gap-filler.
type RecentSyncOptions struct {
	InstanceID        string
	Interval          time.Duration
	LeaseTTL          time.Duration
	MaxThreads        int
	MessagesPerThread int
	MaxConcurrency    int
	FetchTimeout      time.Duration
}

// GapFiller periodically re-fetches the newest messages of the most active
// threads and stores whatever live delivery missed.
type GapFiller struct {
	db     *store.DB
	leases Leases
	source HistorySource
	engine *Engine
	opts   RecentSyncOptions
	logger *zap.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGapFiller creates a gap-filler. Messages are written through engine.
func NewGapFiller(db *store.DB, leases Leases, source HistorySource, engine *Engine, opts RecentSyncOptions, logger *zap.Logger) *GapFiller {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	return &GapFiller{
		db:     db,
		leases: leases,
		source: source,
		engine: engine,
		opts:   opts,
		logger: logger.Named("recent-sync"),
		now:    time.Now,
	}
}

// Start runs a pass immediately and then every interval.
func (g *GapFiller) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	g.logger.Info("recent sync started",
		zap.Duration("interval", g.opts.Interval),
		zap.Int("max_threads", g.opts.MaxThreads),
		zap.Int("max_concurrency", g.opts.MaxConcurrency))

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.opts.Interval)
		defer ticker.Stop()
		for {
			g.RunOnce(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop and waits for a running pass to finish.
func (g *GapFiller) Stop() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
	}
}

// RunOnce syncs every owned account once.
func (g *GapFiller) RunOnce(ctx context.Context) {
	for _, id := range g.source.Owned() {
		if ctx.Err() != nil {
			return
		}
		if _, err := g.SyncAccount(ctx, id); err != nil {
			g.logger.Error("recent sync failed", zap.String("account", id), zap.Error(err))
		}
	}
}

// SyncAccount runs one gap-fill for accountID under its recent-sync lease and
// records the outcome on the account. A nil result means another instance
// holds the lease and nothing ran.
func (g *GapFiller) SyncAccount(ctx context.Context, accountID string) (*store.RecentSyncResult, error) {
	res := lease.RecentSyncResource(accountID)
	ok, err := g.leases.TryAcquire(ctx, res, g.opts.InstanceID, g.opts.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire recent-sync lease: %w", err)
	}
	if !ok {
		g.logger.Debug("skipped, lease held elsewhere", zap.String("account", accountID))
		return nil, nil
	}
	defer func() {
		if err := g.leases.Release(context.WithoutCancel(ctx), res, g.opts.InstanceID); err != nil {
			g.logger.Warn("failed to release recent-sync lease", zap.String("account", accountID), zap.Error(err))
		}
	}()

	start := g.now()
	result := g.run(ctx, accountID)
	result.DurationMs = g.now().Sub(start).Milliseconds()

	if err := g.db.SetRecentSyncResult(context.WithoutCancel(ctx), accountID, g.now().UnixMilli(), result); err != nil {
		return &result, fmt.Errorf("record recent-sync result: %w", err)
	}
	g.logger.Info("recent sync finished",
		zap.String("account", accountID),
		zap.Bool("ok", result.OK),
		zap.Int("threads", result.Threads),
		zap.Int("messages", result.Messages),
		zap.Int("errors", result.Errors),
		zap.Int64("duration_ms", result.DurationMs))
	return &result, nil
}

func (g *GapFiller) run(ctx context.Context, accountID string) store.RecentSyncResult {
	threads, err := g.db.RecentThreads(ctx, accountID, g.opts.MaxThreads)
	if err != nil {
		return store.RecentSyncResult{Errors: 1, ErrorMessage: "list threads: " + err.Error()}
	}

	var (
		mu       gosync.Mutex
		messages int
		failures int
		firstErr error
	)
	var eg errgroup.Group
	eg.SetLimit(g.opts.MaxConcurrency)
	for _, t := range threads {
		eg.Go(func() error {
			n, err := g.syncThread(ctx, accountID, t)
			mu.Lock()
			defer mu.Unlock()
			messages += n
			if err != nil {
				failures++
				if firstErr == nil {
					firstErr = err
				}
			}
			return nil
		})
	}
	_ = eg.Wait()

	result := store.RecentSyncResult{
		OK:       failures == 0,
		Threads:  len(threads),
		Messages: messages,
		Errors:   failures,
	}
	if firstErr != nil {
		result.ErrorMessage = firstErr.Error()
	}
	return result
}

// syncThread fetches the newest messages before the thread's latest known
// network message and stores the missing ones.
func (g *GapFiller) syncThread(ctx context.Context, accountID string, t store.Thread) (int, error) {
	latest, err := g.db.LatestNetworkMessage(ctx, t.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("thread %s: latest message: %w", t.PeerAddress, err)
	}

	fetchCtx := ctx
	if g.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, g.opts.FetchTimeout)
		defer cancel()
	}
	history, err := g.source.FetchRecentHistory(fetchCtx, accountID, conn.HistoryAnchor{
		Peer:      t.PeerAddress,
		MessageID: latest.NetworkMessageID,
		FromMe:    latest.Direction == store.DirectionOut,
		Timestamp: latest.Timestamp,
	}, g.opts.MessagesPerThread)
	if err != nil {
		return 0, fmt.Errorf("thread %s: fetch history: %w", t.PeerAddress, err)
	}

	n := 0
	for _, h := range history {
		m := &store.Message{
			ThreadID:         t.ID,
			AccountID:        accountID,
			NetworkMessageID: h.NetworkMessageID,
			Direction:        store.DirectionIn,
			Sender:           h.Sender,
			Body:             h.Body,
			MessageType:      h.MessageType,
			Status:           "received",
			Source:           store.SourceRecentSync,
			Timestamp:        h.Timestamp,
		}
		if h.FromMe {
			m.Direction, m.Status = store.DirectionOut, "sent"
		}
		inserted, err := g.engine.IngestMessage(ctx, m)
		if err != nil {
			return n, fmt.Errorf("thread %s: store: %w", t.PeerAddress, err)
		}
		if inserted {
			n++
		}
	}
	return n, nil
}
