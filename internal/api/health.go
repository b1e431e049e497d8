package api

import (
	"context"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService returns "account/<id>" in the service field.
func HealthService(accountID string) string {
	return "account/" + accountID
}

// Health serves the standard gRPC health protocol. The empty service is
// SERVING while the process runs; each account is SERVING while it is
// connected on this instance.
type Health struct {
	server   *health.Server
	db       *store.DB
	fleet    Fleet
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealth creates the health service. interval is how often every
// provisioned account is re-checked besides the status events.
func NewHealth(db *store.DB, fleet Fleet, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Health {
	return &Health{
		server:   health.NewServer(),
		db:       db,
		fleet:    fleet,
		bus:      b,
		interval: interval,
		logger:   logger.Named("health"),
	}
}

// Register adds the health service to a gRPC server.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Server exposes the underlying health server.
func (h *Health) Server() healthpb.HealthServer {
	return h.server
}

// Start marks the process serving and keeps the account entries current.
func (h *Health) Start(ctx context.Context) {
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	events, unsub := h.bus.Subscribe(bus.KindStatusChanged, 64)
	h.Refresh(ctx)

	go func() {
		defer close(h.done)
		defer unsub()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case evt := <-events:
				h.set(evt.AccountID)
			case <-ticker.C:
				h.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop marks every service NOT_SERVING and stops the loop.
func (h *Health) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.server.Shutdown()
}

// Refresh recomputes the status of every provisioned account.
func (h *Health) Refresh(ctx context.Context) {
	accounts, err := h.db.ListAccounts(ctx)
	if err != nil {
		h.logger.Warn("failed to list accounts", zap.Error(err))
		return
	}
	for _, a := range accounts {
		h.set(a.ID)
	}
}

func (h *Health) set(accountID string) {
	if accountID == "" {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if h.fleet.Connected(accountID) {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(HealthService(accountID), st)
}
