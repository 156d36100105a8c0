package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/inkwell/pkg/api"
	"github.com/platinummonkey/inkwell/pkg/async"
	"github.com/platinummonkey/inkwell/pkg/billing"
	"github.com/platinummonkey/inkwell/pkg/catalog"
	"github.com/platinummonkey/inkwell/pkg/config"
	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
	"github.com/platinummonkey/inkwell/pkg/storage/postgres"
	"github.com/platinummonkey/inkwell/pkg/subscriptions"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

var (
	runOnce  = flag.Bool("run-once", false, "Run one billing cycle and exit (non-zero exit on failure)")
	schedule = flag.String("schedule", "", "Cron schedule for billing cycles, overrides INKWELL_BILLING_SCHEDULE")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Billing.Schedule = *schedule
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("inkwell-billing exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize OpenTelemetry, continuing without tracing")
	}

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.RunMigrations {
		if err := postgres.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	}

	redisClient, err := postgres.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	plans, err := buildCatalog(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	stripe := processor.NewStripeClient(processor.StripeConfig{
		APIKey:            cfg.Processor.StripeAPIKey,
		BaseURL:           cfg.Processor.StripeBaseURL,
		Timeout:           cfg.Billing.ProcessorTimeout,
		MaxNetworkRetries: int64(cfg.Processor.StripeMaxRetries),
		Logger:            logger,
	})

	store := usage.NewPostgresStore(db)
	subs := subscriptions.NewPostgresRegistry(db)

	reconciler := billing.NewReconciler(store, subs, plans, stripe, logger, billing.ReconcilerConfig{
		UnitPriceCents:    cfg.Billing.UnitPriceCents,
		Currency:          cfg.Billing.Currency,
		ProcessorTimeout:  cfg.Billing.ProcessorTimeout,
		UnknownPlanPolicy: billing.UnknownPlanPolicy(cfg.Billing.UnknownPlanPolicy),
	}, billing.WithReconcilerMetrics(metrics))

	cycleCfg := billing.CycleConfig{
		Workers: cfg.Billing.Workers,
		Metrics: metrics,
	}
	if cfg.Archive.Enabled() {
		archiver, err := billing.NewS3Archiver(ctx, billing.S3ArchiverConfig{
			Bucket:       cfg.Archive.S3Bucket,
			Region:       cfg.Archive.S3Region,
			Endpoint:     cfg.Archive.S3Endpoint,
			AccessKey:    cfg.Archive.S3AccessKey,
			SecretKey:    cfg.Archive.S3SecretKey,
			UsePathStyle: cfg.Archive.S3UsePathStyle,
			Prefix:       cfg.Archive.S3Prefix,
		})
		if err != nil {
			return err
		}
		cycleCfg.Archiver = archiver
		logger.WithField("bucket", cfg.Archive.S3Bucket).Info("Cycle summaries will be archived to S3")
	}

	lock := billing.NewRedisRunLock(redisClient, billing.DefaultLockKey, cfg.Redis.LockTTL)
	runner := billing.NewCycleRunner(store, reconciler, lock, logger, cycleCfg)

	if *runOnce {
		return runCycleOnce(ctx, runner, logger)
	}

	return serve(ctx, cfg, logger, serveDeps{
		db:         db,
		redis:      redisClient,
		registry:   registry,
		metrics:    metrics,
		store:      store,
		subs:       subs,
		reconciler: reconciler,
		runner:     runner,
		otel:       otelProviders,
	})
}

// buildCatalog prefers the YAML plans file when configured and falls back to the
// price mirror maintained by inkwell-catalog-sync.
func buildCatalog(ctx context.Context, cfg *config.Config, db *sql.DB, logger *observability.Logger) (catalog.Catalog, error) {
	if cfg.Billing.PlansFile == "" {
		logger.Info("Using database plan catalog")
		return catalog.NewDBCatalog(db, cfg.Billing.CatalogCacheSize, cfg.Billing.CatalogCacheTTL), nil
	}

	plans, err := catalog.LoadFileCatalog(cfg.Billing.PlansFile, logger)
	if err != nil {
		return nil, err
	}
	async.SafeGo(ctx, 0, "plan catalog watcher", logger, plans.Watch)
	logger.WithFields(map[string]interface{}{
		"path":  cfg.Billing.PlansFile,
		"plans": len(plans.Plans()),
	}).Info("Using file plan catalog")
	return plans, nil
}

func runCycleOnce(ctx context.Context, runner *billing.CycleRunner, logger *observability.Logger) error {
	summary, err := runner.Run(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing cycle failed: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"run_id":        summary.RunID,
		"total":         summary.Total,
		"failed":        summary.Failed,
		"charged_cents": summary.ChargedCents,
	}).Info("Billing cycle completed")
	return nil
}

type serveDeps struct {
	db         *sql.DB
	redis      *redis.Client
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	store      usage.Store
	subs       *subscriptions.PostgresRegistry
	reconciler *billing.Reconciler
	runner     *billing.CycleRunner
	otel       *observability.OTelProviders
}

func serve(ctx context.Context, cfg *config.Config, logger *observability.Logger, deps serveDeps) error {
	scheduler, err := billing.NewScheduler(deps.runner, cfg.Billing.Schedule, logger)
	if err != nil {
		return err
	}

	health := observability.NewHealthChecker(deps.db, deps.redis)
	health.SetVersion(cfg.Observability.OTelServiceVersion)

	ingestor := subscriptions.NewIngestor(deps.subs, deps.subs, logger, subscriptions.IngestorConfig{
		Secret:    cfg.Processor.StripeWebhookSecret,
		Tolerance: cfg.Processor.WebhookTolerance,
		Metrics:   deps.metrics,
	})

	apiCfg := api.Config{
		InternalAPIKey: cfg.InternalAPIKey,
		Metrics:        deps.metrics,
	}
	if cfg.Observability.MetricsEnabled {
		apiCfg.Registry = deps.registry
	}
	if cfg.Observability.OTelEnabled {
		apiCfg.ServiceName = cfg.Observability.OTelServiceName
	}
	server := api.NewServer(api.Dependencies{
		Usage:      usage.NewAccumulator(deps.store, logger, usage.WithMetrics(deps.metrics)),
		Reconciler: deps.reconciler,
		Cycles:     deps.runner,
		Webhooks:   ingestor,
		Health:     health,
	}, apiCfg, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, deps.otel, logger)
	})
	shutdown.Register("scheduler", scheduler.Stop)
	shutdown.Register("manual cycle", server.WaitForCycle)
	shutdown.Register("http", httpServer.Shutdown)

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Starting inkwell billing server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			stopWaiting()
		}
	}()

	scheduler.Start()

	shutdownErr := shutdown.WaitForShutdown(waitCtx)
	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	default:
		return shutdownErr
	}
}
