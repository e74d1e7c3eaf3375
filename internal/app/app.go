// Package app initializes and holds long-lived orchestrator services, acting
// as the dependency injection container built once at startup.
package app

import (
	"context"
	"fmt"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/api"
	"github.com/pricegrid/orchestrator/internal/auth"
	"github.com/pricegrid/orchestrator/internal/clock/system"
	"github.com/pricegrid/orchestrator/internal/config"
	"github.com/pricegrid/orchestrator/internal/dispatcher"
	"github.com/pricegrid/orchestrator/internal/health"
	"github.com/pricegrid/orchestrator/internal/registry"
	"github.com/pricegrid/orchestrator/internal/retention"
	runnermem "github.com/pricegrid/orchestrator/internal/runner/memory"
	runnerpubsub "github.com/pricegrid/orchestrator/internal/runner/pubsub"
	"github.com/pricegrid/orchestrator/internal/storage"
	"github.com/pricegrid/orchestrator/internal/storage/gcs"
	"github.com/pricegrid/orchestrator/internal/storage/local"
	"github.com/pricegrid/orchestrator/internal/storage/memory"
	"github.com/pricegrid/orchestrator/internal/storage/postgres"
	"github.com/pricegrid/orchestrator/internal/store"
)

// App holds the shared, long-lived services for the orchestrator.
type App struct {
	Server  *api.Server
	Monitor *health.Monitor
	Janitor *retention.Janitor

	sessions store.SessionRepository
	urls     store.URLRepository
	logs     store.LogRepository
	runner   dispatcher.Runner

	pool         *pgxpool.Pool
	pubsubRunner *runnerpubsub.Runner
	logger       *zap.Logger
}

// New builds the full service graph from configuration. It fails fast when a
// critical backend (database, pubsub topic, GCS bucket) cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}
	clk := system.New()

	if err := a.initStores(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initRunner(ctx, cfg); err != nil {
		return nil, err
	}
	blobs, err := a.initBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	disp := dispatcher.New(a.sessions, a.urls, a.logs, a.runner, clk, logger.Named("dispatcher"))
	reg := registry.New(a.urls, clk, logger.Named("registry"))

	a.Monitor = health.NewMonitor(a.sessions, cfg.HeartbeatTimeout(), clk, logger.Named("health"))
	// The scheduler probe reports this process itself: the monitor loop holds
	// it alive, so a live process answers true.
	reporter := health.NewReporter(a.Monitor, func(context.Context) bool { return true }, clk)

	a.Janitor = retention.New(a.logs, blobs, retention.Config{
		MaxAge:    cfg.LogMaxAge(),
		BatchSize: cfg.Retention.PruneBatchSize,
		Interval:  cfg.SweepInterval(),
		Prefix:    cfg.Storage.Prefix,
	}, clk, logger.Named("retention"))

	signer := auth.NewSigner(cfg.Worker.SharedSecret)
	a.Server = api.NewServer(disp, reg, reporter, a.sessions, a.logs, signer, clk, cfg, logger.Named("api"))

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initStores(ctx context.Context, cfg config.Config) error {
	if cfg.DB.DSN == "" {
		a.logger.Info("no database configured, using in-memory stores")
		a.sessions = memory.NewSessionRepo()
		a.urls = memory.NewURLRepo()
		a.logs = memory.NewLogRepo()
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.DB.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.DB.MaxOpenConns)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	a.pool = pool

	sessions, err := postgres.NewSessionStoreWithPool(pool)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	urls, err := postgres.NewURLStoreWithPool(pool)
	if err != nil {
		return fmt.Errorf("init url store: %w", err)
	}
	logs, err := postgres.NewLogStoreWithPool(pool)
	if err != nil {
		return fmt.Errorf("init log store: %w", err)
	}
	a.sessions, a.urls, a.logs = sessions, urls, logs
	return nil
}

func (a *App) initRunner(ctx context.Context, cfg config.Config) error {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		a.logger.Info("no pubsub topic configured, using in-memory runner")
		a.runner = runnermem.New()
		return nil
	}
	r, err := runnerpubsub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("init pubsub runner: %w", err)
	}
	a.pubsubRunner = r
	a.runner = r
	a.logger.Info("pubsub runner initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) initBlobStore(ctx context.Context, cfg config.Config) (storage.BlobStore, error) {
	switch {
	case cfg.Storage.GCSBucket != "":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	case cfg.Storage.LocalDir != "":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	default:
		a.logger.Info("no archive destination configured, pruned logs are dropped")
		return nil, nil
	}
}

// Close gracefully shuts down all services in the container.
func (a *App) Close() {
	if a.pubsubRunner != nil {
		a.pubsubRunner.Stop()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort: stderr may already be gone on shutdown.
		_ = err
	}
}
