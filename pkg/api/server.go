package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/inkwell/pkg/billing"
	"github.com/platinummonkey/inkwell/pkg/httputil"
	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/subscriptions"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultCycleTimeout = 6 * time.Hour
	defaultHistoryLimit = 12
	maxHistoryLimit     = 120
)

// UsageService records and reports token consumption
type UsageService interface {
	RecordUsage(ctx context.Context, userID string, tokens int64) error
	Current(ctx context.Context, userID string) (*usage.Period, error)
	History(ctx context.Context, userID string, limit int) ([]*usage.Period, error)
}

// Reconciler settles one user's closed periods
type Reconciler interface {
	ReconcileUser(ctx context.Context, userID string) (*billing.Result, error)
}

// CycleRunner runs a full billing cycle
type CycleRunner interface {
	Run(ctx context.Context, now time.Time) (*billing.Summary, error)
}

// WebhookIngestor applies raw processor webhook deliveries
type WebhookIngestor interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (subscriptions.ApplyResult, error)
}

// Dependencies are the domain services behind the routes
type Dependencies struct {
	Usage      UsageService
	Reconciler Reconciler
	Cycles     CycleRunner
	Webhooks   WebhookIngestor
	Health     *observability.HealthChecker
}

// Config tunes the HTTP surface
type Config struct {
	InternalAPIKey string
	MaxBodyBytes   int64
	CycleTimeout   time.Duration // bounds a cycle started through the API
	Metrics        *observability.Metrics
	Registry       *prometheus.Registry
	ServiceName    string // names otelhttp server spans; tracing is skipped when empty
}

// Server represents our API server
type Server struct {
	deps    Dependencies
	cfg     Config
	logger  *observability.Logger
	router  *mux.Router
	handler http.Handler
	now     func() time.Time

	cycleRunning atomic.Bool
	cycleMu      sync.Mutex
	cycleDone    <-chan struct{}
}

// NewServer creates a new API server
func NewServer(deps Dependencies, cfg Config, logger *observability.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}

	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.setupRoutes()

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(cfg.MaxBodyBytes),
	)(s.router)
	if cfg.ServiceName != "" {
		handler = otelhttp.NewHandler(handler, cfg.ServiceName)
	}
	s.handler = handler

	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.cfg.Metrics))

	if s.deps.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.deps.Health)
	}
	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.cfg.Registry)).Methods(http.MethodGet)
	}

	// Webhooks
	if s.deps.Webhooks != nil {
		s.router.HandleFunc("/billing/webhook", s.handleWebhook).Methods(http.MethodPost)
	}

	// Operator and platform endpoints
	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(httputil.APIKeyMiddleware(s.cfg.InternalAPIKey))

	if s.deps.Usage != nil {
		internal.HandleFunc("/usage", s.recordUsage).Methods(http.MethodPost)
		internal.HandleFunc("/users/{user_id}/usage", s.getUsage).Methods(http.MethodGet)
	}
	if s.deps.Reconciler != nil {
		internal.HandleFunc("/users/{user_id}/reconcile", s.reconcileUser).Methods(http.MethodPost)
	}
	if s.deps.Cycles != nil {
		internal.HandleFunc("/billing/cycles", s.startCycle).Methods(http.MethodPost)
	}
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// WaitForCycle blocks until the most recent API-triggered cycle has finished or ctx is done
func (s *Server) WaitForCycle(ctx context.Context) error {
	s.cycleMu.Lock()
	done := s.cycleDone
	s.cycleMu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
