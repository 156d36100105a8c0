package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Usage metrics
	UsageTokensRecorded prometheus.Counter
	UsageRecordErrors   *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileOutcomes    *prometheus.CounterVec
	OverageChargedCents  prometheus.Counter
	ProcessorCallsTotal  *prometheus.CounterVec
	ProcessorCallLatency *prometheus.HistogramVec
	UnknownPlansTotal    *prometheus.CounterVec

	// Billing cycle metrics
	CycleDuration    prometheus.Histogram
	CycleUsers       *prometheus.GaugeVec
	CycleLastSuccess prometheus.Gauge

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkwell_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inkwell_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		UsageTokensRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inkwell_usage_tokens_recorded_total",
				Help: "Total number of tokens recorded against usage periods",
			},
		),
		UsageRecordErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkwell_usage_record_errors_total",
				Help: "Total number of failed usage recordings",
			},
			[]string{"reason"},
		),

		ReconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkwell_reconcile_outcomes_total",
				Help: "Reconciliation results by outcome",
			},
			[]string{"outcome"},
		),
		OverageChargedCents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inkwell_overage_charged_cents_total",
				Help: "Total overage amount successfully charged, in cents",
			},
		),
		ProcessorCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkwell_processor_calls_total",
				Help: "Payment processor calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		ProcessorCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inkwell_processor_call_duration_seconds",
				Help:    "Payment processor call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		UnknownPlansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkwell_catalog_unknown_price_total",
				Help: "Subscriptions referencing a price missing from the plan catalog",
			},
			[]string{"price_id"},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inkwell_billing_cycle_duration_seconds",
				Help:    "Billing cycle run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
		),
		CycleUsers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inkwell_billing_cycle_users",
				Help: "Users processed by the most recent billing cycle, by outcome",
			},
			[]string{"outcome"},
		),
		CycleLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "inkwell_billing_cycle_last_success_timestamp_seconds",
				Help: "Unix time of the last billing cycle that completed",
			},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkwell_webhook_events_total",
				Help: "Processor webhook events by type and handling status",
			},
			[]string{"type", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UsageTokensRecorded,
		m.UsageRecordErrors,
		m.ReconcileOutcomes,
		m.OverageChargedCents,
		m.ProcessorCallsTotal,
		m.ProcessorCallLatency,
		m.UnknownPlansTotal,
		m.CycleDuration,
		m.CycleUsers,
		m.CycleLastSuccess,
		m.WebhookEventsTotal,
	)

	return m
}

// RecordUsage counts tokens added to a usage period
func (m *Metrics) RecordUsage(tokens int64) {
	if m == nil {
		return
	}
	m.UsageTokensRecorded.Add(float64(tokens))
}

// RecordUsageError counts a failed usage recording
func (m *Metrics) RecordUsageError(reason string) {
	if m == nil {
		return
	}
	m.UsageRecordErrors.WithLabelValues(reason).Inc()
}

// ObserveOutcome counts a reconciliation outcome and, for charges, the amount billed
func (m *Metrics) ObserveOutcome(outcome string, chargedCents int64) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
	if chargedCents > 0 {
		m.OverageChargedCents.Add(float64(chargedCents))
	}
}

// ObserveProcessorCall records a single payment processor call
func (m *Metrics) ObserveProcessorCall(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProcessorCallsTotal.WithLabelValues(operation, result).Inc()
	m.ProcessorCallLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// UnknownPlan counts a lookup for a price the catalog does not know
func (m *Metrics) UnknownPlan(priceID string) {
	if m == nil {
		return
	}
	m.UnknownPlansTotal.WithLabelValues(priceID).Inc()
}

// ObserveCycle exports the per-outcome counts of a finished billing cycle
func (m *Metrics) ObserveCycle(elapsed time.Duration, counts map[string]int, finished time.Time) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(elapsed.Seconds())
	for outcome, n := range counts {
		m.CycleUsers.WithLabelValues(outcome).Set(float64(n))
	}
	m.CycleLastSuccess.Set(float64(finished.Unix()))
}

// WebhookEvent counts a processor webhook delivery
func (m *Metrics) WebhookEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
