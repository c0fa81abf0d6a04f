// Package bootstrap assembles the dispatch engine from configuration. Both
// binaries share it so the HTTP triggers and the ticker drive identical
// components.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Cypherspark/linkedin-dispatch/internal/config"
	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/db"
	"github.com/Cypherspark/linkedin-dispatch/internal/provider"
	"github.com/Cypherspark/linkedin-dispatch/internal/store"
	"github.com/Cypherspark/linkedin-dispatch/internal/worker"
)

type App struct {
	Config config.AppConfig
	Logger *slog.Logger
	Clock  core.Clock

	DB    *db.DB
	Redis goredis.UniversalClient // nil without REDIS_URL

	Store      *store.ContentStore
	Accounts   *store.Accounts
	Publisher  provider.Publisher
	Dispatcher *worker.Dispatcher
	Reconciler *worker.Reconciler
	Normalizer core.Normalizer
}

// Open connects to Postgres (and Redis when configured), applies migrations
// and wires the engine.
func Open(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) (*App, error) {
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var rdb goredis.UniversalClient
	if cfg.RedisURL != "" {
		rdb, err = openRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	app, err := Assemble(Deps{Config: cfg, Logger: logger, DB: database, Redis: rdb})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func openRedis(ctx context.Context, url string, logger *slog.Logger) (goredis.UniversalClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The lease fails open, so an unreachable Redis only costs the
		// cross-instance guard.
		logger.WarnContext(ctx, "redis not reachable at startup", "error", err)
	}
	return rdb, nil
}

// Deps are the already-open resources Assemble wires together. Publisher and
// Clock are optional overrides.
type Deps struct {
	Config    config.AppConfig
	Logger    *slog.Logger
	DB        *db.DB
	Redis     goredis.UniversalClient
	Publisher provider.Publisher
	Clock     core.Clock
}

func Assemble(d Deps) (*App, error) {
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := d.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	app := &App{Config: cfg, Logger: logger, Clock: clock, DB: d.DB, Redis: d.Redis}
	if d.DB == nil {
		return app, errors.New("bootstrap: DB is required")
	}

	sources, err := store.SelectSources(cfg.ContentSources)
	if err != nil {
		return app, err
	}
	app.Store, err = store.New(store.Options{
		DB:          d.DB,
		Sources:     sources,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Logger:      logger.With("component", "store"),
	})
	if err != nil {
		return app, err
	}
	app.Accounts = store.NewAccounts(d.DB)

	app.Publisher = d.Publisher
	if app.Publisher == nil {
		app.Publisher = newPublisher(cfg.LinkedIn, logger)
	}
	validator, _ := app.Publisher.(provider.CredentialValidator)

	var lease worker.Lease
	if d.Redis != nil {
		lease = worker.NewRedisLease(d.Redis, "dispatch", cfg.Dispatch.LeaseTTL)
	}

	app.Dispatcher = worker.NewDispatcher(worker.DispatcherOptions{
		Store:          app.Store,
		Accounts:       app.Accounts,
		Publisher:      app.Publisher,
		Validator:      validator,
		ValidateAlways: cfg.LinkedIn.ValidateTokens,
		Coordinator:    worker.NewCoordinator(cfg.Dispatch.MinSpacing),
		Lease:          lease,
		Clock:          clock,
		Logger:         logger.With("component", "dispatcher"),
		DueBuffer:      cfg.Dispatch.DueBuffer,
		ItemDelay:      cfg.Dispatch.ItemDelay,
		PublishTimeout: publishBudget(app.Publisher, cfg.LinkedIn),
	})
	app.Reconciler = worker.NewReconciler(worker.ReconcilerOptions{
		Store:      app.Store,
		Dispatcher: app.Dispatcher,
		Clock:      clock,
		Logger:     logger.With("component", "reconciler"),
		Grace:      cfg.Dispatch.ReconcileGrace,
	})
	app.Normalizer = core.NewNormalizer(cfg.Dispatch.MinLead)
	return app, nil
}

func newPublisher(cfg config.LinkedInConfig, logger *slog.Logger) provider.Publisher {
	if cfg.Publisher == "dummy" {
		logger.Warn("using dummy publisher; nothing is sent to LinkedIn")
		return provider.NewDummy()
	}
	return provider.NewLinkedIn(provider.LinkedInOptions{
		APIBase:      cfg.APIBase,
		Timeout:      cfg.Timeout,
		ImageTimeout: cfg.ImageTimeout,
		UserAgent:    cfg.UserAgent,
		Retry:        provider.RetryOptions{MaxRetries: cfg.MaxRetries, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		Logger:       logger.With("component", "linkedin"),
	})
}

// publishBudget sizes the per-item publish deadline so the share keeps its
// full timeout after the media phase.
func publishBudget(p provider.Publisher, cfg config.LinkedInConfig) time.Duration {
	if b, ok := p.(interface{ Budget() time.Duration }); ok {
		return b.Budget()
	}
	return cfg.Timeout + cfg.ImageTimeout
}

// Close releases Redis and Postgres.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
