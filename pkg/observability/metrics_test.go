package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUsage(10)
		m.RecordUsageError("storage")
		m.ObserveOutcome("charged", 100)
		m.ObserveProcessorCall("create_invoice_item", nil, time.Second)
		m.UnknownPlan("price_x")
		m.ObserveCycle(time.Second, map[string]int{"failed": 1}, time.Now())
		m.WebhookEvent("customer.subscription.updated", "applied")
	})
}

func TestMetrics_Recording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordUsage(333)
	m.ObserveOutcome("charged", 350)
	m.ObserveOutcome("within_allowance", 0)
	m.ObserveProcessorCall("finalize_invoice", errors.New("timeout"), 2*time.Second)
	m.ObserveCycle(time.Minute, map[string]int{"failed": 1, "charged": 2}, time.Unix(1700000000, 0))

	assert.Equal(t, float64(333), testutil.ToFloat64(m.UsageTokensRecorded))
	assert.Equal(t, float64(350), testutil.ToFloat64(m.OverageChargedCents))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReconcileOutcomes.WithLabelValues("within_allowance")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProcessorCallsTotal.WithLabelValues("finalize_invoice", "error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CycleUsers.WithLabelValues("charged")))
	assert.Equal(t, float64(1700000000), testutil.ToFloat64(m.CycleLastSuccess))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/internal/users/{user_id}/usage", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/internal/users/user-42/usage", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/internal/users/{user_id}/usage", "404")))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordUsage(5)

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "inkwell_usage_tokens_recorded_total 5"))
}
