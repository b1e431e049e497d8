// Package api serves the operational HTTP surface and the gRPC health service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
)

// Fleet is the supervisor view the handlers need.
type Fleet interface {
	Mode(accountID string) string
	Connected(accountID string) bool
	Snapshot(accountID string) (conn.Snapshot, bool)
	Repair(ctx context.Context, accountID string) error
	Reconnect(ctx context.Context, accountID string) error
	Logout(ctx context.Context, accountID string) error
}

// LeaseReader reads the current holder of a lease.
type LeaseReader interface {
	Get(ctx context.Context, resourceID string) (*store.Lease, error)
}

// Options configures the handler.
type Options struct {
	InstanceID string
	// MaxAttempts applies to enqueued entries that do not set their own.
	MaxAttempts int
}

// Handler implements the HTTP endpoints.
type Handler struct {
	db      *store.DB
	fleet   Fleet
	leases  LeaseReader
	bus     *bus.Bus
	opts    Options
	logger  *zap.Logger
	started time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates the HTTP handler set.
func NewHandler(db *store.DB, fleet Fleet, leases LeaseReader, b *bus.Bus, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		db:      db,
		fleet:   fleet,
		leases:  leases,
		bus:     b,
		opts:    opts,
		logger:  logger.Named("api"),
		started: time.Now(),
		closing: make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. Streams are hijacked connections,
// so http.Server.Shutdown neither waits for nor closes them.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Router returns the chi router for h.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts", h.listAccounts)
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", h.getAccount)
			r.Post("/repair", h.repair)
			r.Post("/reconnect", h.reconnect)
			r.Post("/logout", h.logout)
			r.Get("/qr", h.qr)
			r.Get("/qr.png", h.qrPNG)
			r.Post("/outbox", h.enqueue)
			r.Get("/outbox", h.listOutbox)
			r.Get("/threads", h.listThreads)
			r.Get("/threads/{peer}/messages", h.listMessages)
		})
		r.Get("/outbox/{entryID}", h.getOutbox)
		r.Get("/incidents", h.listIncidents)
		r.Get("/events", h.events)
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"instance":  h.opts.InstanceID,
		"uptimeSec": int64(time.Since(h.started).Seconds()),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

// accessLog logs one line per request once it completes.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
