package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/inkwell/pkg/billing"
	"github.com/platinummonkey/inkwell/pkg/httputil"
	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
	"github.com/platinummonkey/inkwell/pkg/subscriptions"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

const (
	testAPIKey        = "internal-key"
	testWebhookSecret = "whsec_api"
)

type fakeReconciler struct {
	mu     sync.Mutex
	calls  []string
	result *billing.Result
	err    error
}

func (f *fakeReconciler) ReconcileUser(ctx context.Context, userID string) (*billing.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	if f.err != nil {
		return nil, f.err
	}
	result := *f.result
	result.UserID = userID
	return &result, nil
}

type fakeCycles struct {
	mu      sync.Mutex
	runs    int
	release chan struct{}
	ctxErr  error
	err     error
}

func (f *fakeCycles) Run(ctx context.Context, now time.Time) (*billing.Summary, error) {
	f.mu.Lock()
	f.runs++
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}

	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &billing.Summary{RunID: "run-1", Cutoff: now}, nil
}

func (f *fakeCycles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fixture struct {
	server     *Server
	store      *usage.MemoryStore
	registry   *subscriptions.MemoryRegistry
	reconciler *fakeReconciler
	cycles     *fakeCycles
	metrics    *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)
	store := usage.NewMemoryStore()
	registry := subscriptions.NewMemoryRegistry()
	logger := observability.NopLogger()

	f := &fixture{
		store:      store,
		registry:   registry,
		reconciler: &fakeReconciler{result: &billing.Result{Outcome: billing.OutcomeWithinAllowance}},
		cycles:     &fakeCycles{},
		metrics:    metrics,
	}

	f.server = NewServer(Dependencies{
		Usage:      usage.NewAccumulator(store, logger),
		Reconciler: f.reconciler,
		Cycles:     f.cycles,
		Webhooks: subscriptions.NewIngestor(registry, registry, logger, subscriptions.IngestorConfig{
			Secret:    testWebhookSecret,
			Tolerance: 5 * time.Minute,
		}),
	}, Config{
		InternalAPIKey: testAPIKey,
		Metrics:        metrics,
		Registry:       promRegistry,
	}, logger)

	return f
}

func (f *fixture) do(method, path string, body string, internal bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if internal {
		req.Header.Set(httputil.APIKeyHeader, testAPIKey)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func TestInternalRoutesRequireAPIKey(t *testing.T) {
	f := newFixture(t)

	paths := []struct{ method, path string }{
		{http.MethodPost, "/internal/usage"},
		{http.MethodGet, "/internal/users/u1/usage"},
		{http.MethodPost, "/internal/users/u1/reconcile"},
		{http.MethodPost, "/internal/billing/cycles"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			w := f.do(p.method, p.path, `{}`, false)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	assert.Zero(t, f.cycles.count())
	assert.Empty(t, f.reconciler.calls)
}

func TestRecordUsage(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/internal/usage", `{"user_id":"u1","tokens":600}`, true)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodPost, "/internal/usage", `{"user_id":"u1","tokens":750}`, true)
	require.Equal(t, http.StatusNoContent, w.Code)

	current, err := f.store.Current(context.Background(), "u1", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, int64(1350), current.TokensUsed)
}

func TestRecordUsage_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"user_id":`, "invalid JSON"},
		{"unknown field", `{"user_id":"u1","tokens":1,"plan":"pro"}`, "invalid JSON"},
		{"missing user", `{"tokens":5}`, "user_id is required"},
		{"zero tokens", `{"user_id":"u1","tokens":0}`, "tokens must be positive"},
		{"negative tokens", `{"user_id":"u1","tokens":-3}`, "tokens must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/internal/usage", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestGetUsage(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Increment(context.Background(), "u1", 42, time.Now().UTC())
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/internal/users/u1/usage?limit=5", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp UsageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp.UserID)
	require.NotNil(t, resp.Current)
	assert.Equal(t, int64(42), resp.Current.TokensUsed)
	assert.Len(t, resp.History, 1)
}

func TestGetUsage_UnknownUser(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/internal/users/nobody/usage", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"nobody","current":null,"history":[]}`, w.Body.String())
}

func TestGetUsage_BadLimit(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{"?limit=abc", "?limit=0", "?limit=1000"} {
		w := f.do(http.MethodGet, "/internal/users/u1/usage"+q, "", true)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestReconcileUser(t *testing.T) {
	f := newFixture(t)
	f.reconciler.result = &billing.Result{Outcome: billing.OutcomeCharged, OverageTokens: 350, AmountCents: 350, InvoiceID: "in_1"}

	w := f.do(http.MethodPost, "/internal/users/u1/reconcile", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var result billing.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, billing.OutcomeCharged, result.Outcome)
	assert.Equal(t, int64(350), result.AmountCents)
	assert.Equal(t, []string{"u1"}, f.reconciler.calls)
}

func TestReconcileUser_StorageError(t *testing.T) {
	f := newFixture(t)
	f.reconciler.err = errors.New("connection refused")

	w := f.do(http.MethodPost, "/internal/users/u1/reconcile", "", true)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "reconciliation failed")
}

func TestReconcileUser_ErrorLogCarriesRequestID(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	f.server.logger = observability.NewLogger(observability.InfoLevel, &logs)
	f.reconciler.err = errors.New("connection refused")

	req := httptest.NewRequest(http.MethodPost, "/internal/users/u1/reconcile", nil)
	req.Header.Set(httputil.APIKeyHeader, testAPIKey)
	req.Header.Set(httputil.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, logs.String(), "Manual reconciliation failed")
	assert.Contains(t, logs.String(), `"request_id":"req-123"`)
}

func TestStartCycle_RunsDetached(t *testing.T) {
	f := newFixture(t)
	f.cycles.release = make(chan struct{})

	w := f.do(http.MethodPost, "/internal/billing/cycles", "", true)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"started"}`, w.Body.String())

	// A second trigger while the first is still running is rejected.
	w = f.do(http.MethodPost, "/internal/billing/cycles", "", true)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(f.cycles.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.WaitForCycle(ctx))

	assert.Equal(t, 1, f.cycles.count())
	assert.NoError(t, f.cycles.ctxErr, "cycle context must outlive the request")

	f.cycles.release = nil
	w = f.do(http.MethodPost, "/internal/billing/cycles", "", true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, f.server.WaitForCycle(ctx))
	assert.Equal(t, 2, f.cycles.count())
}

func TestStartCycle_FailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.cycles.err = billing.ErrCycleInProgress

	w := f.do(http.MethodPost, "/internal/billing/cycles", "", true)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, f.server.WaitForCycle(context.Background()))

	w = f.do(http.MethodPost, "/internal/billing/cycles", "", true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, f.server.WaitForCycle(context.Background()))
}

func webhookPayload(eventID, customer string) []byte {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "customer.subscription.created",
		"created": %d,
		"data": {"object": {
			"id": "sub_api",
			"customer": %q,
			"status": "active",
			"start_date": %d,
			"metadata": {},
			"items": {"data": [{"price": {"id": "price_pro"}}]}
		}}
	}`, eventID, time.Now().Unix(), customer, start.Unix()))
}

func (f *fixture) postWebhook(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)
	f.registry.LinkCustomer("cus_api", "u1")

	payload := webhookPayload("evt_api_1", "cus_api")
	sig := processor.SignatureHeader(payload, time.Now().Unix(), testWebhookSecret)

	w := f.postWebhook(payload, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"applied"}`, w.Body.String())

	sub, err := f.registry.GetActiveSubscription(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "price_pro", sub.PriceID)

	w = f.postWebhook(payload, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"duplicate"}`, w.Body.String())
}

func TestWebhook_Rejections(t *testing.T) {
	f := newFixture(t)

	payload := webhookPayload("evt_api_2", "cus_unlinked")
	good := processor.SignatureHeader(payload, time.Now().Unix(), testWebhookSecret)

	t.Run("bad signature", func(t *testing.T) {
		w := f.postWebhook(payload, processor.SignatureHeader(payload, time.Now().Unix(), "wrong"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("expired signature", func(t *testing.T) {
		w := f.postWebhook(payload, processor.SignatureHeader(payload, time.Now().Add(-time.Hour).Unix(), testWebhookSecret))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown customer", func(t *testing.T) {
		w := f.postWebhook(payload, good)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("malformed", func(t *testing.T) {
		body := []byte(`{"id":"evt_x"}`)
		w := f.postWebhook(body, processor.SignatureHeader(body, time.Now().Unix(), testWebhookSecret))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMetricsEndpointAndRequestID(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/internal/users/u1/reconcile", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(httputil.RequestIDHeader))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/internal/users/{user_id}/reconcile", "200")))

	w = f.do(http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "inkwell_http_requests_total")
}
