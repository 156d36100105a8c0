package billing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

// ErrCycleInProgress is returned when another billing cycle holds the run lock
var ErrCycleInProgress = errors.New("billing cycle already in progress")

// UserReconciler settles one user's periods up to a cutoff
type UserReconciler interface {
	ReconcileUserAt(ctx context.Context, userID string, cutoff time.Time) (*Result, error)
}

// CycleConfig configures a CycleRunner
type CycleConfig struct {
	// Workers bounds how many users are reconciled concurrently
	Workers  int
	Archiver SummaryArchiver
	Metrics  *observability.Metrics
}

// CycleRunner executes one billing cycle: rollover, then reconciliation of every
// user with closed, unsettled periods.
type CycleRunner struct {
	store      usage.Store
	reconciler UserReconciler
	lock       RunLock
	logger     *observability.Logger
	workers    int
	archiver   SummaryArchiver
	metrics    *observability.Metrics
}

// NewCycleRunner creates a new billing cycle runner
func NewCycleRunner(store usage.Store, reconciler UserReconciler, lock RunLock, logger *observability.Logger, cfg CycleConfig) *CycleRunner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if lock == nil {
		lock = &LocalRunLock{}
	}
	return &CycleRunner{
		store:      store,
		reconciler: reconciler,
		lock:       lock,
		logger:     logger,
		workers:    workers,
		archiver:   cfg.Archiver,
		metrics:    cfg.Metrics,
	}
}

// Run closes every open period at now and reconciles all users with closed,
// unsettled periods. Per-user failures are reported in the Summary; an error is
// returned only when the run could not start or complete.
func (c *CycleRunner) Run(ctx context.Context, now time.Time) (*Summary, error) {
	unlock, err := c.lock.Acquire(ctx)
	if errors.Is(err, ErrLockHeld) {
		return nil, ErrCycleInProgress
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			c.logger.WithError(err).Warn("Failed to release billing cycle lock")
		}
	}()

	cutoff := now.UTC()
	summary := &Summary{
		RunID:     uuid.NewString(),
		Cutoff:    cutoff,
		StartedAt: time.Now().UTC(),
	}

	ctx = observability.WithRunID(ctx, summary.RunID)
	ctx, span := observability.Tracer().Start(ctx, "billing.Cycle",
		trace.WithAttributes(
			attribute.String("billing.run_id", summary.RunID),
			attribute.String("billing.cutoff", cutoff.Format(time.RFC3339)),
		),
	)
	defer span.End()

	logger := c.logger.WithField("run_id", summary.RunID)
	logger.WithField("cutoff", cutoff).Info("Billing cycle started")

	rolled, err := c.store.Rollover(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollover failed")
		return nil, fmt.Errorf("failed to roll over usage periods: %w", err)
	}
	summary.PeriodsRolled = rolled

	users, err := c.store.UsersWithUnreconciled(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user enumeration failed")
		return nil, fmt.Errorf("failed to list users to reconcile: %w", err)
	}

	type userOutcome struct {
		result *Result
		err    error
	}
	outcomes := make([]userOutcome, len(users))

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, userID := range users {
		g.Go(func() error {
			result, err := c.reconcileOne(ctx, logger, userID, cutoff)
			outcomes[i] = userOutcome{result: result, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, userID := range users {
		summary.add(userID, outcomes[i].result, outcomes[i].err)
	}
	summary.FinishedAt = time.Now().UTC()

	elapsed := summary.FinishedAt.Sub(summary.StartedAt)
	c.metrics.ObserveCycle(elapsed, summary.Counts(), summary.FinishedAt)
	span.SetAttributes(
		attribute.Int("billing.users", summary.Total),
		attribute.Int("billing.failed", summary.Failed),
		attribute.Int64("billing.charged_cents", summary.ChargedCents),
	)

	logger.WithFields(map[string]interface{}{
		"periods_rolled":   summary.PeriodsRolled,
		"total":            summary.Total,
		"charged":          summary.Charged,
		"within_allowance": summary.WithinAllowance,
		"no_subscription":  summary.NoSubscription,
		"failed":           summary.Failed,
		"charged_cents":    summary.ChargedCents,
		"duration":         elapsed.String(),
	}).Info("Billing cycle finished")

	for _, f := range summary.Failures {
		logger.WithFields(map[string]interface{}{
			"user_id": f.UserID,
			"reason":  f.Reason,
		}).Warn("User left unsettled")
	}

	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, summary); err != nil {
			logger.WithError(err).Error("Failed to archive billing cycle summary")
		}
	}

	return summary, nil
}

func (c *CycleRunner) reconcileOne(ctx context.Context, logger *observability.Logger, userID string, cutoff time.Time) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"user_id": userID,
				"panic":   fmt.Sprintf("%v", r),
				"stack":   string(debug.Stack()),
			}).Error("Panic while reconciling user")
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	result, err = c.reconciler.ReconcileUserAt(ctx, userID, cutoff)
	if err == nil && result == nil {
		err = fmt.Errorf("reconciler returned no result")
	}
	return result, err
}
