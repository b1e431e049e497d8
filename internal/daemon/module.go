package daemon

import (
	"context"

	"github.com/matheus3301/wafleet/internal/api"
	"github.com/matheus3301/wafleet/internal/backoff"
	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/config"
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/fleet"
	"github.com/matheus3301/wafleet/internal/incident"
	"github.com/matheus3301/wafleet/internal/lease"
	"github.com/matheus3301/wafleet/internal/logging"
	"github.com/matheus3301/wafleet/internal/notify"
	"github.com/matheus3301/wafleet/internal/outbox"
	"github.com/matheus3301/wafleet/internal/store"
	intsync "github.com/matheus3301/wafleet/internal/sync"
	"github.com/matheus3301/wafleet/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds what the fx module needs from the command line.
type Params struct {
	Config *config.Config
	// Transport overrides the whatsmeow transport, for tests.
	Transport conn.Transport
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStore,
			provideLeases,
			provideTransport,
			provideSupervisor,
			provideSyncEngine,
			provideGapFiller,
			provideOutboxWorker,
			provideReporter,
			providePublisher,
			provideRelay,
			provideHandler,
			provideHealth,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Path, cfg.Log.Level, cfg.InstanceID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("driver", cfg.Store.Driver))
	return db, nil
}

func provideLeases(db *store.DB) *lease.Coordinator {
	return lease.New(db)
}

func provideTransport(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (conn.Transport, error) {
	if p.Transport != nil {
		return p.Transport, nil
	}
	return wa.NewTransport(context.Background(), db, b, "wafleet", logger.Named("wa"))
}

func provideSupervisor(cfg *config.Config, db *store.DB, leases *lease.Coordinator, transport conn.Transport, b *bus.Bus, logger *zap.Logger) *fleet.Supervisor {
	rc := cfg.Reconnect
	return fleet.NewSupervisor(db, leases, transport, b, fleet.Options{
		InstanceID:    cfg.InstanceID,
		LeaseTTL:      cfg.Lease.TTL.Duration,
		RenewInterval: cfg.Lease.RenewInterval.Duration,
		Tick:          rc.Tick.Duration,
		Manager: conn.Options{
			Backoff:         backoff.Policy{Base: rc.Base.Duration, Max: rc.Max.Duration, Jitter: rc.Jitter.Duration},
			QRTimeout:       rc.QRTimeout.Duration,
			ConnectTimeout:  rc.ConnectTimeout.Duration,
			UnknownRetryCap: rc.UnknownRetryCap,
		},
	}, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideGapFiller(cfg *config.Config, db *store.DB, leases *lease.Coordinator, sup *fleet.Supervisor, engine *intsync.Engine, logger *zap.Logger) *intsync.GapFiller {
	rs := cfg.RecentSync
	return intsync.NewGapFiller(db, leases, sup, engine, intsync.RecentSyncOptions{
		InstanceID:        cfg.InstanceID,
		Interval:          rs.Interval.Duration,
		LeaseTTL:          rs.LeaseTTL.Duration,
		MaxThreads:        rs.MaxThreads,
		MessagesPerThread: rs.MessagesPerThread,
		MaxConcurrency:    rs.MaxConcurrency,
		FetchTimeout:      rs.FetchTimeout.Duration,
	}, logger)
}

func provideOutboxWorker(cfg *config.Config, db *store.DB, sup *fleet.Supervisor, b *bus.Bus, logger *zap.Logger) *outbox.Worker {
	oc := cfg.Outbox
	return outbox.NewWorker(db, sup, b, outbox.Options{
		InstanceID:   cfg.InstanceID,
		PollInterval: oc.PollInterval.Duration,
		BatchSize:    oc.BatchSize,
		ClaimTTL:     oc.ClaimTTL.Duration,
		Backoff:      backoff.Policy{Base: oc.BackoffBase.Duration, Max: oc.BackoffMax.Duration, Jitter: oc.BackoffJitter.Duration},
	}, logger)
}

func provideReporter(cfg *config.Config, db *store.DB, sup *fleet.Supervisor, b *bus.Bus, shutdowner fx.Shutdowner, logger *zap.Logger) *incident.Reporter {
	ic := cfg.Incident
	return incident.NewReporter(db, sup, b, shutdowner, incident.Options{
		InstanceID:             cfg.InstanceID,
		Build:                  cfg.Build,
		HeartbeatInterval:      ic.HeartbeatInterval.Duration,
		CheckInterval:          ic.CheckInterval.Duration,
		StuckDisconnectAfter:   ic.StuckDisconnectAfter.Duration,
		ReconnectLoopThreshold: ic.ReconnectLoopThreshold,
	}, logger)
}

func providePublisher(cfg *config.Config, logger *zap.Logger) (notify.Publisher, error) {
	pub, err := notify.New(cfg.Notify)
	if err != nil {
		return nil, err
	}
	logger.Info("notification publisher ready", zap.String("driver", cfg.Notify.Driver))
	return pub, nil
}

func provideRelay(cfg *config.Config, pub notify.Publisher, b *bus.Bus, logger *zap.Logger) *notify.Relay {
	return notify.NewRelay(pub, b, cfg.InstanceID, logger)
}

func provideHandler(cfg *config.Config, db *store.DB, sup *fleet.Supervisor, leases *lease.Coordinator, b *bus.Bus, logger *zap.Logger) *api.Handler {
	return api.NewHandler(db, sup, leases, b, api.Options{
		InstanceID:  cfg.InstanceID,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, logger)
}

func provideHealth(cfg *config.Config, db *store.DB, sup *fleet.Supervisor, b *bus.Bus, logger *zap.Logger) *api.Health {
	return api.NewHealth(db, sup, b, cfg.Incident.CheckInterval.Duration, logger)
}

type lifecycleParams struct {
	fx.In

	Config     *config.Config
	DB         *store.DB
	Bus        *bus.Bus
	Supervisor *fleet.Supervisor
	Engine     *intsync.Engine
	GapFiller  *intsync.GapFiller
	Worker     *outbox.Worker
	Reporter   *incident.Reporter
	Publisher  notify.Publisher
	Relay      *notify.Relay
	Health     *api.Health
	Server     *Server
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	// Background loops outlive the start hook's context.
	ctx, cancel := context.WithCancel(context.Background())
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := p.Supervisor.Provision(startCtx, p.Config.Accounts); err != nil {
				cancel()
				return err
			}

			// Subscribers first, so nothing the supervisor publishes is missed.
			p.Engine.Start(ctx)
			p.Relay.Start(ctx)
			p.Reporter.Start(ctx)
			p.Health.Start(ctx)

			p.Supervisor.Start(ctx)
			p.Worker.Start(ctx)
			if p.Config.RecentSync.Enabled {
				p.GapFiller.Start(ctx)
			}

			p.Server.Start()
			logger.Info("daemon started",
				zap.String("instance", p.Config.InstanceID),
				zap.Int("accounts", len(p.Config.Accounts)))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			p.Server.Stop(stopCtx)
			p.GapFiller.Stop()
			p.Worker.Stop()
			p.Supervisor.Stop(stopCtx)
			p.Health.Stop()
			p.Reporter.Stop()
			p.Relay.Stop()
			p.Engine.Stop()
			cancel()

			if err := p.Publisher.Close(); err != nil {
				logger.Warn("error closing publisher", zap.Error(err))
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
