package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/inkwell/pkg/catalog"
	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
	"github.com/platinummonkey/inkwell/pkg/subscriptions"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

// UnknownPlanPolicy decides how a subscription whose price is missing from the catalog is billed
type UnknownPlanPolicy string

const (
	// UnknownPlanBillAll treats the plan as having no allowance
	UnknownPlanBillAll UnknownPlanPolicy = "bill_all"
	// UnknownPlanSkip leaves the user's usage unbilled and unsettled
	UnknownPlanSkip UnknownPlanPolicy = "skip"
)

const defaultProcessorTimeout = 15 * time.Second

// ReconcilerConfig holds the pricing and processor settings of a Reconciler
type ReconcilerConfig struct {
	UnitPriceCents    int64
	Currency          string
	ProcessorTimeout  time.Duration
	UnknownPlanPolicy UnknownPlanPolicy
}

// Reconciler settles one user's closed usage periods with the payment processor
type Reconciler struct {
	store    usage.Store
	registry subscriptions.Registry
	plans    catalog.Catalog
	client   processor.Client
	cfg      ReconcilerConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the time source used for manual reconciliation
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithReconcilerMetrics enables Prometheus instrumentation
func WithReconcilerMetrics(metrics *observability.Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = metrics
	}
}

// NewReconciler creates a new overage reconciler
func NewReconciler(
	store usage.Store,
	registry subscriptions.Registry,
	plans catalog.Catalog,
	client processor.Client,
	logger *observability.Logger,
	cfg ReconcilerConfig,
	opts ...ReconcilerOption,
) *Reconciler {
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = defaultProcessorTimeout
	}
	if cfg.UnknownPlanPolicy == "" {
		cfg.UnknownPlanPolicy = UnknownPlanBillAll
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}

	r := &Reconciler{
		store:    store,
		registry: registry,
		plans:    plans,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ItemIdempotencyKey is the processor key of the invoice item billing one period
func ItemIdempotencyKey(userID string, periodID int64) string {
	return fmt.Sprintf("overage-item:%s:%d", userID, periodID)
}

// InvoiceIdempotencyKey is the processor key of the invoice settling the given periods
func InvoiceIdempotencyKey(userID string, periodIDs []int64) string {
	ids := append([]int64(nil), periodIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("overage-invoice:%s:%s", userID, strings.Join(parts, ","))
}

// FinalizeIdempotencyKey is the processor key of the request finalizing an invoice
func FinalizeIdempotencyKey(invoiceID string) string {
	return "overage-finalize:" + invoiceID
}

// Overage returns the tokens used beyond the allowance, never negative
func Overage(tokensUsed, includedTokens int64) int64 {
	if tokensUsed <= includedTokens {
		return 0
	}
	return tokensUsed - includedTokens
}

// ReconcileUser settles every period of the user that has closed by now
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) (*Result, error) {
	return r.ReconcileUserAt(ctx, userID, r.now())
}

// ReconcileUserAt settles every period of the user that closed at or before cutoff.
// Processor failures produce an OutcomeChargeFailed result; the returned error is
// reserved for storage and registry failures.
func (r *Reconciler) ReconcileUserAt(ctx context.Context, userID string, cutoff time.Time) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "billing.ReconcileUser",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("billing.cutoff", cutoff.Format(time.RFC3339)),
		),
	)
	defer span.End()

	ctx = observability.WithUserID(ctx, userID)
	logger := observability.WithTraceContext(ctx, r.logger.WithField("user_id", userID))

	result, err := r.reconcile(ctx, logger, userID, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciliation failed")
		logger.WithError(err).Error("Reconciliation failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("billing.outcome", string(result.Outcome)),
		attribute.Int64("billing.amount_cents", result.AmountCents),
	)
	if result.Outcome == OutcomeChargeFailed {
		span.SetStatus(codes.Error, result.Reason)
	}
	r.metrics.ObserveOutcome(string(result.Outcome), result.AmountCents)

	logger.WithFields(map[string]interface{}{
		"outcome":        result.Outcome,
		"overage_tokens": result.OverageTokens,
		"amount_cents":   result.AmountCents,
		"periods":        len(result.PeriodIDs),
		"reason":         result.Reason,
	}).Info("User reconciled")

	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, logger *observability.Logger, userID string, cutoff time.Time) (*Result, error) {
	result := &Result{UserID: userID}

	sub, err := r.registry.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription for %s: %w", userID, err)
	}

	periods, err := r.store.Unreconciled(ctx, userID, cutoff)
	if err != nil {
		return nil, err
	}
	result.PeriodIDs = periodIDs(periods)

	if !sub.IsActive() {
		result.Outcome = OutcomeNoSubscription
		if sub != nil && sub.Status.Lapsed() {
			// A lapsed subscription may recover, so its usage stays billable.
			result.Reason = fmt.Sprintf("subscription %s is %s, usage held", sub.ID, sub.Status)
			logger.WithFields(map[string]interface{}{
				"subscription_id": sub.ID,
				"status":          sub.Status,
				"periods":         len(periods),
			}).Info("Holding usage until the subscription recovers or ends")
			return result, nil
		}

		// Usage without a plan is never billed retroactively.
		if err := r.store.MarkReconciled(ctx, result.PeriodIDs, r.now()); err != nil {
			return nil, err
		}
		result.Reason = "no active subscription"
		if sub != nil {
			result.Reason = fmt.Sprintf("subscription %s is %s", sub.ID, sub.Status)
		}
		return result, nil
	}

	included, found, err := r.plans.IncludedTokens(ctx, sub.PriceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan %s: %w", sub.PriceID, err)
	}
	if !found {
		r.metrics.UnknownPlan(sub.PriceID)
		logger.WithError(&catalog.ConfigurationError{PriceID: sub.PriceID}).WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"policy":          r.cfg.UnknownPlanPolicy,
		}).Error("Subscription references an unknown plan")

		if r.cfg.UnknownPlanPolicy == UnknownPlanSkip {
			result.Outcome = OutcomeNoSubscription
			result.Reason = "unknown plan"
			return result, nil
		}
		included = 0
	}

	// Periods already swept into an invoice by an earlier run only need that
	// invoice finalized. The rest get fresh items and a new invoice.
	var (
		drafts  []string
		resumed = make(map[string]int)
		fresh   []*usage.Period
	)
	for _, p := range periods {
		overage := Overage(p.TokensUsed, included)
		if p.InvoiceID != nil {
			if resumed[*p.InvoiceID] == 0 {
				drafts = append(drafts, *p.InvoiceID)
			}
			resumed[*p.InvoiceID]++
			result.OverageTokens += overage
			result.AmountCents += p.ChargedCents
			continue
		}
		if overage == 0 {
			continue
		}
		result.OverageTokens += overage
		result.AmountCents += r.periodAmount(p, overage)
		fresh = append(fresh, p)
	}

	if len(drafts) == 0 && len(fresh) == 0 {
		if err := r.store.MarkReconciled(ctx, result.PeriodIDs, r.now()); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeWithinAllowance
		return result, nil
	}

	for _, draftID := range drafts {
		logger.WithFields(map[string]interface{}{
			"invoice_id": draftID,
			"periods":    resumed[draftID],
		}).Info("Resuming invoice opened by an earlier run")

		invoiceID, err := r.finalize(ctx, draftID)
		if err != nil {
			return r.chargeFailed(logger, result, err), nil
		}
		result.InvoiceID = invoiceID
	}

	if len(fresh) > 0 {
		var freshTokens int64
		for _, p := range fresh {
			overage := Overage(p.TokensUsed, included)
			freshTokens += overage

			if p.InvoiceItemID != nil {
				logger.WithFields(map[string]interface{}{
					"period_id":       p.ID,
					"invoice_item_id": *p.InvoiceItemID,
				}).Debug("Invoice item already recorded for period")
				continue
			}

			amount := r.periodAmount(p, overage)
			itemID, err := r.callProcessor(ctx, "create_invoice_item", func(ctx context.Context) (string, error) {
				return r.client.CreateInvoiceItem(ctx, processor.InvoiceItemParams{
					CustomerID:     sub.CustomerID,
					AmountCents:    amount,
					Currency:       r.cfg.Currency,
					Description:    periodDescription(p, overage),
					IdempotencyKey: ItemIdempotencyKey(userID, p.ID),
					Metadata: map[string]string{
						"user_id":   userID,
						"period_id": strconv.FormatInt(p.ID, 10),
					},
				})
			})
			if err != nil {
				return r.chargeFailed(logger, result, err), nil
			}

			if err := r.store.SetInvoiceItem(ctx, p.ID, itemID, amount); err != nil {
				return nil, err
			}
		}

		freshIDs := periodIDs(fresh)
		draftID, err := r.callProcessor(ctx, "create_invoice", func(ctx context.Context) (string, error) {
			return r.client.CreateInvoice(ctx, processor.CreateInvoiceParams{
				CustomerID:     sub.CustomerID,
				Description:    fmt.Sprintf("Token overage (%d tokens)", freshTokens),
				IdempotencyKey: InvoiceIdempotencyKey(userID, freshIDs),
				Metadata: map[string]string{
					"user_id": userID,
				},
			})
		})
		if err != nil {
			return r.chargeFailed(logger, result, err), nil
		}

		// Recorded before finalizing: the draft now holds the pending items and a
		// later run can only reach them through this ID.
		if err := r.store.SetInvoice(ctx, freshIDs, draftID); err != nil {
			return nil, err
		}

		invoiceID, err := r.finalize(ctx, draftID)
		if err != nil {
			return r.chargeFailed(logger, result, err), nil
		}
		result.InvoiceID = invoiceID
	}

	if err := r.store.MarkReconciled(ctx, result.PeriodIDs, r.now()); err != nil {
		return nil, err
	}

	result.Outcome = OutcomeCharged
	return result, nil
}

// periodAmount is the cents billed for a period: the posted item amount once an
// item exists, otherwise the overage at the configured unit price
func (r *Reconciler) periodAmount(p *usage.Period, overage int64) int64 {
	if p.InvoiceItemID != nil {
		return p.ChargedCents
	}
	return overage * r.cfg.UnitPriceCents
}

func (r *Reconciler) finalize(ctx context.Context, invoiceID string) (string, error) {
	return r.callProcessor(ctx, "finalize_invoice", func(ctx context.Context) (string, error) {
		return r.client.FinalizeInvoice(ctx, processor.FinalizeInvoiceParams{
			InvoiceID:      invoiceID,
			IdempotencyKey: FinalizeIdempotencyKey(invoiceID),
		})
	})
}

func (r *Reconciler) callProcessor(ctx context.Context, op string, call func(context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessorTimeout)
	defer cancel()

	start := time.Now()
	id, err := call(callCtx)
	r.metrics.ObserveProcessorCall(op, err, time.Since(start))

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var pe *processor.ProcessorError
		if !errors.As(err, &pe) {
			err = &processor.ProcessorError{Kind: processor.KindTimeout, Operation: op, Err: err}
		}
	}
	return id, err
}

func (r *Reconciler) chargeFailed(logger *observability.Logger, result *Result, err error) *Result {
	logger.WithError(err).WithField("kind", processor.KindOf(err)).Warn("Overage charge failed")

	result.Outcome = OutcomeChargeFailed
	result.Reason = err.Error()
	result.InvoiceID = ""
	return result
}

func periodIDs(periods []*usage.Period) []int64 {
	ids := make([]int64, 0, len(periods))
	for _, p := range periods {
		ids = append(ids, p.ID)
	}
	return ids
}

func periodDescription(p *usage.Period, overage int64) string {
	return fmt.Sprintf("Token overage %s to %s: %d tokens",
		p.PeriodStart.Format("2006-01-02"),
		p.PeriodEnd.Format("2006-01-02"),
		overage,
	)
}
