package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/inkwell/pkg/observability"
)

// Unknown plan policies accepted by INKWELL_BILLING_UNKNOWN_PLAN_POLICY
const (
	UnknownPlanBillAll = "bill_all"
	UnknownPlanSkip    = "skip"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Processor     ProcessorConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig

	// InternalAPIKey guards the /internal operator endpoints
	InternalAPIKey string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL           string
	MaxConns      int
	MinConns      int
	MaxLifetime   time.Duration
	MaxIdleTime   time.Duration
	Timeout       time.Duration
	RunMigrations bool
}

// RedisConfig holds the Redis connection used for the cycle run lock
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	LockTTL    time.Duration
}

// BillingConfig holds reconciliation and cycle settings
type BillingConfig struct {
	Schedule          string
	UnitPriceCents    int64
	Currency          string
	Workers           int
	ProcessorTimeout  time.Duration
	UnknownPlanPolicy string
	PlansFile         string
	CatalogCacheSize  int
	CatalogCacheTTL   time.Duration
}

// ProcessorConfig holds payment processor credentials
type ProcessorConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeBaseURL       string
	StripeMaxRetries    int
	WebhookTolerance    time.Duration
}

// ArchiveConfig holds the optional S3 destination for cycle summaries
type ArchiveConfig struct {
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3Prefix       string
}

// Enabled reports whether cycle summaries should be archived
func (a ArchiveConfig) Enabled() bool {
	return a.S3Bucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel converts the settings into an observability.OTelConfig
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:         loadServerConfig(),
		Database:       loadDatabaseConfig(),
		Redis:          loadRedisConfig(),
		Billing:        loadBillingConfig(),
		Processor:      loadProcessorConfig(),
		Archive:        loadArchiveConfig(),
		Observability:  loadObservabilityConfig(),
		InternalAPIKey: getEnv("INKWELL_INTERNAL_API_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("INKWELL_HOST", "0.0.0.0"),
		Port:            getEnv("INKWELL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("INKWELL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("INKWELL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("INKWELL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("INKWELL_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:           getEnv("INKWELL_DATABASE_URL", "postgres://localhost/inkwell?sslmode=disable"),
		MaxConns:      getEnvInt("INKWELL_DATABASE_MAX_CONNS", 20),
		MinConns:      getEnvInt("INKWELL_DATABASE_MIN_CONNS", 2),
		MaxLifetime:   getEnvDuration("INKWELL_DATABASE_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime:   getEnvDuration("INKWELL_DATABASE_MAX_IDLE_TIME", 5*time.Minute),
		Timeout:       getEnvDuration("INKWELL_DATABASE_TIMEOUT", 5*time.Second),
		RunMigrations: getEnvBool("INKWELL_DATABASE_RUN_MIGRATIONS", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("INKWELL_REDIS_URL", "redis://localhost:6379/0"),
		Password:   getEnv("INKWELL_REDIS_PASSWORD", ""),
		DB:         getEnvInt("INKWELL_REDIS_DB", -1),
		PoolSize:   getEnvInt("INKWELL_REDIS_POOL_SIZE", 0),
		MaxRetries: getEnvInt("INKWELL_REDIS_MAX_RETRIES", 0),
		LockTTL:    getEnvDuration("INKWELL_CYCLE_LOCK_TTL", 2*time.Hour),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		Schedule:          getEnv("INKWELL_BILLING_SCHEDULE", "0 0 1 * *"),
		UnitPriceCents:    getEnvInt64("INKWELL_BILLING_UNIT_PRICE_CENTS", 1),
		Currency:          strings.ToLower(getEnv("INKWELL_BILLING_CURRENCY", "usd")),
		Workers:           getEnvInt("INKWELL_BILLING_WORKERS", 4),
		ProcessorTimeout:  getEnvDuration("INKWELL_BILLING_PROCESSOR_TIMEOUT", 15*time.Second),
		UnknownPlanPolicy: strings.ToLower(getEnv("INKWELL_BILLING_UNKNOWN_PLAN_POLICY", UnknownPlanBillAll)),
		PlansFile:         getEnv("INKWELL_PLANS_FILE", ""),
		CatalogCacheSize:  getEnvInt("INKWELL_CATALOG_CACHE_SIZE", 256),
		CatalogCacheTTL:   getEnvDuration("INKWELL_CATALOG_CACHE_TTL", 10*time.Minute),
	}
}

func loadProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		StripeAPIKey:        getEnv("INKWELL_STRIPE_API_KEY", ""),
		StripeWebhookSecret: getEnv("INKWELL_STRIPE_WEBHOOK_SECRET", ""),
		StripeBaseURL:       getEnv("INKWELL_STRIPE_BASE_URL", "https://api.stripe.com"),
		StripeMaxRetries:    getEnvInt("INKWELL_STRIPE_MAX_RETRIES", 2),
		WebhookTolerance:    getEnvDuration("INKWELL_STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		S3Bucket:       getEnv("INKWELL_ARCHIVE_S3_BUCKET", ""),
		S3Region:       getEnv("INKWELL_ARCHIVE_S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("INKWELL_ARCHIVE_S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("INKWELL_ARCHIVE_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("INKWELL_ARCHIVE_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("INKWELL_ARCHIVE_S3_USE_PATH_STYLE", false),
		S3Prefix:       getEnv("INKWELL_ARCHIVE_S3_PREFIX", "billing-cycles"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("INKWELL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("INKWELL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("INKWELL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("INKWELL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("INKWELL_OTEL_SERVICE_NAME", "inkwell-billing"),
		OTelServiceVersion: getEnv("INKWELL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("INKWELL_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("INKWELL_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if _, err := cron.ParseStandard(c.Billing.Schedule); err != nil {
		return fmt.Errorf("invalid billing schedule %q: %w", c.Billing.Schedule, err)
	}
	if c.Billing.UnitPriceCents <= 0 {
		return fmt.Errorf("billing unit price must be positive, got %d", c.Billing.UnitPriceCents)
	}
	if len(c.Billing.Currency) != 3 {
		return fmt.Errorf("billing currency must be an ISO 4217 code, got %q", c.Billing.Currency)
	}
	if c.Billing.Workers <= 0 {
		return fmt.Errorf("billing workers must be positive, got %d", c.Billing.Workers)
	}
	if c.Billing.ProcessorTimeout <= 0 {
		return fmt.Errorf("processor timeout must be positive")
	}
	switch c.Billing.UnknownPlanPolicy {
	case UnknownPlanBillAll, UnknownPlanSkip:
	default:
		return fmt.Errorf("invalid unknown plan policy: %s (must be %s or %s)",
			c.Billing.UnknownPlanPolicy, UnknownPlanBillAll, UnknownPlanSkip)
	}

	if c.Processor.StripeAPIKey == "" {
		return fmt.Errorf("stripe API key is required")
	}
	if c.Processor.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if c.Processor.StripeMaxRetries < 0 {
		return fmt.Errorf("stripe max retries must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
