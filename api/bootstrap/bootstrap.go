package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tbeaudouin05/entitlement-sync/api/config"
	"github.com/tbeaudouin05/entitlement-sync/api/database"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/analytics"
	purchaseapp "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/app"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/catalog"
	purchasedb "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/db"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/gateway/backend"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/receipt"
	"github.com/tbeaudouin05/entitlement-sync/api/telemetry"
)

const (
	serviceName        = "entitlementd"
	analyticsStreamCap = 10000
)

// App owns the purchase engine and everything it was built from.
type App struct {
	Config  *config.Config
	Service purchaseapp.Service
	Catalog catalog.Catalog
	Keys    *receipt.KeySet

	db                *database.DB
	rdb               *redis.Client
	stopObserver      context.CancelFunc
	observerDone      chan struct{}
	shutdownTelemetry func(context.Context) error
}

// New loads keys and catalog, opens storage, and wires the engine with its
// analytics observer. An unusable trusted key set is fatal.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	keys, err := receipt.LoadKeySet(cfg.TrustedKeyFiles, cfg.TrustedKeyID, cfg.TrustedKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load trusted keys: %w", err)
	}
	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	db, err := database.Open(database.Options{SQLitePath: cfg.DatabasePath, PostgresURL: cfg.DatabaseURL})
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var opts []receipt.Option
	if cfg.ExpectedBundleID != "" {
		opts = append(opts, receipt.WithBundleID(cfg.ExpectedBundleID))
	}
	svc := purchaseapp.NewService(
		purchasedb.NewStore(db),
		backend.New(nil, cfg.BackendBaseURL, cfg.BackendAPIKey),
		receipt.NewVerifier(keys, opts...),
		cat,
		purchaseapp.Config{
			SyncTimeout: cfg.SyncTimeout,
			RepoTimeout: cfg.RepoTimeout,
			Backoff:     purchaseapp.Backoff{Base: cfg.RetryBase, Max: cfg.RetryMax},
			MaxAttempts: cfg.RetryMaxAttempts,
			Logger:      logger,
		},
	)

	a := &App{
		Config:            cfg,
		Service:           svc,
		Catalog:           cat,
		Keys:              keys,
		db:                db,
		shutdownTelemetry: shutdownTelemetry,
		observerDone:      make(chan struct{}),
	}

	var sink analytics.Sink = analytics.LogSink{Logger: logger}
	if cfg.RedisURL != "" {
		rdb, err := analytics.NewRedisClient(cfg.RedisURL)
		if err != nil {
			svc.Close()
			_ = db.Close()
			_ = shutdownTelemetry(ctx)
			return nil, fmt.Errorf("failed to configure analytics: %w", err)
		}
		a.rdb = rdb
		sink = analytics.NewRedisStreamSink(rdb, cfg.AnalyticsStream, analyticsStreamCap)
	}

	changes, _ := svc.Subscribe(256)
	octx, stop := context.WithCancel(context.Background())
	a.stopObserver = stop
	go func() {
		defer close(a.observerDone)
		analytics.NewObserver(sink, logger, 0).Run(octx, changes)
	}()

	logger.Info("purchase engine ready",
		"trusted_keys", keys.IDs(),
		"features", len(cat.Features()),
		"storage", db.Dialect,
		"analytics_redis", a.rdb != nil,
	)
	return a, nil
}

// Close stops the engine, drains analytics and releases storage.
func (a *App) Close(ctx context.Context) error {
	a.Service.Close()
	// Close ends the subscription channel; the observer returns once drained.
	select {
	case <-a.observerDone:
	case <-ctx.Done():
	}
	a.stopObserver()

	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	errs = append(errs, a.db.Close())
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	return errors.Join(errs...)
}
