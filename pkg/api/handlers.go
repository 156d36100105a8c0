package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/platinummonkey/inkwell/pkg/async"
	"github.com/platinummonkey/inkwell/pkg/billing"
	"github.com/platinummonkey/inkwell/pkg/httputil"
	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
	"github.com/platinummonkey/inkwell/pkg/subscriptions"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

// RecordUsageRequest is the body of POST /internal/usage
type RecordUsageRequest struct {
	UserID string `json:"user_id"`
	Tokens int64  `json:"tokens"`
}

// UsageResponse reports a user's current period and recent history
type UsageResponse struct {
	UserID  string          `json:"user_id"`
	Current *usage.Period   `json:"current"`
	History []*usage.Period `json:"history"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Result subscriptions.ApplyResult `json:"result"`
}

// CycleStartedResponse acknowledges a background cycle run
type CycleStartedResponse struct {
	Status string `json:"status"`
}

func (s *Server) requestLogger(r *http.Request) *observability.Logger {
	return observability.FromContext(observability.WithLogger(r.Context(), s.logger))
}

// handleWebhook handles POST /billing/webhook
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	result, err := s.deps.Webhooks.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		httputil.WriteSuccess(w, WebhookResponse{Result: result})
	case errors.Is(err, processor.ErrInvalidSignature), errors.Is(err, processor.ErrSignatureExpired):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, subscriptions.ErrMalformedEvent):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, subscriptions.ErrUnknownCustomer):
		// Non-2xx makes the processor redeliver once the customer is linked.
		httputil.WriteUnprocessable(w, err.Error())
	default:
		s.requestLogger(r).WithError(err).Error("Failed to process webhook")
		httputil.WriteInternalError(w, errors.New("failed to process webhook"))
	}
}

// recordUsage handles POST /internal/usage
func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req RecordUsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "user_id") || !httputil.RequirePositive(w, req.Tokens, "tokens") {
		return
	}

	if err := s.deps.Usage.RecordUsage(r.Context(), req.UserID, req.Tokens); err != nil {
		if errors.Is(err, usage.ErrInvalidUsage) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		httputil.WriteServiceUnavailable(w, "usage store unavailable")
		return
	}

	httputil.WriteNoContent(w)
}

// getUsage handles GET /internal/users/{user_id}/usage
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxHistoryLimit {
		httputil.WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
		return
	}

	current, err := s.deps.Usage.Current(r.Context(), userID)
	if err != nil {
		s.requestLogger(r).WithError(err).WithField("user_id", userID).Error("Failed to load current period")
		httputil.WriteInternalError(w, errors.New("failed to load usage"))
		return
	}
	history, err := s.deps.Usage.History(r.Context(), userID, limit)
	if err != nil {
		s.requestLogger(r).WithError(err).WithField("user_id", userID).Error("Failed to load usage history")
		httputil.WriteInternalError(w, errors.New("failed to load usage"))
		return
	}
	if history == nil {
		history = []*usage.Period{}
	}

	httputil.WriteSuccess(w, UsageResponse{
		UserID:  userID,
		Current: current,
		History: history,
	})
}

// reconcileUser handles POST /internal/users/{user_id}/reconcile
func (s *Server) reconcileUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}

	result, err := s.deps.Reconciler.ReconcileUser(r.Context(), userID)
	if err != nil {
		s.requestLogger(r).WithError(err).WithField("user_id", userID).Error("Manual reconciliation failed")
		httputil.WriteInternalError(w, fmt.Errorf("reconciliation failed: %w", err))
		return
	}

	httputil.WriteSuccess(w, result)
}

// startCycle handles POST /internal/billing/cycles. The run is detached from the
// request so that a disconnecting client cannot cancel it.
func (s *Server) startCycle(w http.ResponseWriter, r *http.Request) {
	if !s.cycleRunning.CompareAndSwap(false, true) {
		httputil.WriteConflict(w, billing.ErrCycleInProgress.Error())
		return
	}

	logger := s.requestLogger(r)
	ctx := context.WithoutCancel(r.Context())
	done := async.SafeGo(ctx, s.cfg.CycleTimeout, "manual billing cycle", logger, func(ctx context.Context) error {
		defer s.cycleRunning.Store(false)

		summary, err := s.deps.Cycles.Run(ctx, s.now())
		if err != nil {
			return fmt.Errorf("billing cycle failed: %w", err)
		}
		logger.WithFields(map[string]interface{}{
			"run_id": summary.RunID,
			"failed": summary.Failed,
		}).Info("Manual billing cycle finished")
		return nil
	})

	s.cycleMu.Lock()
	s.cycleDone = done
	s.cycleMu.Unlock()

	logger.Info("Manual billing cycle started")
	httputil.WriteAccepted(w, CycleStartedResponse{Status: "started"})
}
