package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/inkwell/pkg/catalog"
	"github.com/platinummonkey/inkwell/pkg/config"
	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
	"github.com/platinummonkey/inkwell/pkg/storage/postgres"
)

// Config holds the catalog sync configuration
type Config struct {
	DatabaseURL   string
	StripeAPIKey  string
	StripeBaseURL string
	Timeout       time.Duration
	Migrate       bool
	LogLevel      string
}

// Catalog sync mirrors the processor's products and prices into the local
// database, where the billing daemon's database plan catalog reads them.
func main() {
	cfg := parseFlags()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("Starting inkwell catalog sync")

	if cfg.StripeAPIKey == "" {
		logger.Fatal("Stripe API key is required (--stripe-api-key or INKWELL_STRIPE_API_KEY)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelTimeout()

	db, err := postgres.Open(config.DatabaseConfig{
		URL:         cfg.DatabaseURL,
		MaxConns:    4,
		MinConns:    1,
		MaxLifetime: 5 * time.Minute,
		MaxIdleTime: time.Minute,
		Timeout:     10 * time.Second,
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Sync internals log through the service logger at the same level.
	svcLogger := observability.NewLogger(observability.ParseLogLevel(cfg.LogLevel), os.Stderr)

	if cfg.Migrate {
		if err := postgres.RunMigrations(ctx, db, svcLogger); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
	}

	client := processor.NewStripeClient(processor.StripeConfig{
		APIKey:            cfg.StripeAPIKey,
		BaseURL:           cfg.StripeBaseURL,
		MaxNetworkRetries: 2,
		Logger:            svcLogger,
	})

	start := time.Now()
	result, err := catalog.NewSyncer(db, client, svcLogger).Sync(ctx)
	if err != nil {
		logger.Fatalf("Catalog sync failed: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"products":            result.Products,
		"prices":              result.Prices,
		"prices_without_plan": result.PricesWithoutPlan,
		"duration":            time.Since(start).Round(time.Millisecond),
	}).Info("Catalog sync completed")
	if result.PricesWithoutPlan > 0 {
		logger.Warnf("%d prices have no %s metadata and will bill every token as overage", result.PricesWithoutPlan, catalog.IncludedTokensMetadataKey)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DatabaseURL, "db", getEnv("INKWELL_DATABASE_URL", "postgres://localhost/inkwell?sslmode=disable"), "Database connection string")
	flag.StringVar(&cfg.StripeAPIKey, "stripe-api-key", getEnv("INKWELL_STRIPE_API_KEY", ""), "Stripe secret API key")
	flag.StringVar(&cfg.StripeBaseURL, "stripe-base-url", getEnv("INKWELL_STRIPE_BASE_URL", "https://api.stripe.com"), "Stripe API base URL")
	flag.DurationVar(&cfg.Timeout, "timeout", 2*time.Minute, "Overall timeout for the sync")
	flag.BoolVar(&cfg.Migrate, "migrate", false, "Apply database migrations before syncing")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("INKWELL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	flag.Parse()

	return cfg
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
