package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

type recordingArchiver struct {
	mu        sync.Mutex
	summaries []*Summary
	err       error
}

func (a *recordingArchiver) Archive(ctx context.Context, summary *Summary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, summary)
	return a.err
}

func TestCycleRunner_PartialFailure(t *testing.T) {
	f := newFixture()
	for _, user := range []string{"user-a", "user-b", "user-c"} {
		f.registry.Put(activeSubscription(user, "price_pro"))
		seedUsage(f.store, user, 1500)
	}
	f.processor.failCustomer["cus_user-b"] = &processor.ProcessorError{
		Kind:      processor.KindNetwork,
		Operation: "create_invoice_item",
		Err:       errors.New("connection reset by peer"),
	}

	archiver := &recordingArchiver{}
	runner := NewCycleRunner(f.store, f.reconciler(f.store, ReconcilerConfig{}), nil, observability.NopLogger(), CycleConfig{
		Workers:  2,
		Archiver: archiver,
		Metrics:  f.metrics,
	})

	summary, err := runner.Run(context.Background(), cycleCutoff)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, cycleCutoff, summary.Cutoff)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Charged)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int64(1000), summary.ChargedCents)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "user-b", summary.Failures[0].UserID)
	assert.Contains(t, summary.Failures[0].Reason, "connection reset")

	pending, err := f.store.Unreconciled(context.Background(), "user-b", cycleCutoff)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.Len(t, archiver.summaries, 1)
	assert.Equal(t, summary.RunID, archiver.summaries[0].RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CycleUsers.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CycleUsers.WithLabelValues("charged")))
}

func TestCycleRunner_FailedUserRetriedNextRun(t *testing.T) {
	f := newFixture()
	f.registry.Put(activeSubscription("user-b", "price_pro"))
	seedUsage(f.store, "user-b", 1500)
	f.processor.failCustomer["cus_user-b"] = errors.New("card declined")

	runner := NewCycleRunner(f.store, f.reconciler(f.store, ReconcilerConfig{}), nil, observability.NopLogger(), CycleConfig{Workers: 1})

	summary, err := runner.Run(context.Background(), cycleCutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	delete(f.processor.failCustomer, "cus_user-b")
	summary, err = runner.Run(context.Background(), cycleCutoff.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Charged)
	assert.Equal(t, int64(500), summary.ChargedCents)
}

func TestCycleRunner_RollsOverEveryUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.registry.Put(activeSubscription("user-a", "price_pro"))

	// Periods opened mid-month are still open at the cutoff.
	_, err := f.store.Increment(ctx, "user-a", 1500, periodStart.AddDate(0, 0, 14))
	require.NoError(t, err)
	_, err = f.store.Increment(ctx, "user-z", 40, periodStart.AddDate(0, 0, 20))
	require.NoError(t, err)

	runner := NewCycleRunner(f.store, f.reconciler(f.store, ReconcilerConfig{}), nil, observability.NopLogger(), CycleConfig{Workers: 4})
	summary, err := runner.Run(ctx, cycleCutoff)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.PeriodsRolled)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Charged)
	assert.Equal(t, 1, summary.NoSubscription)

	for _, user := range []string{"user-a", "user-z"} {
		current, err := f.store.Current(ctx, user, cycleCutoff)
		require.NoError(t, err)
		require.NotNil(t, current, user)
		assert.Zero(t, current.TokensUsed)
		assert.Equal(t, cycleCutoff, current.PeriodStart)
		assert.Equal(t, usage.NextPeriodEnd(cycleCutoff), current.PeriodEnd)
	}

	// Usage after the cutoff lands in the fresh period.
	p, err := f.store.Increment(ctx, "user-a", 10, cycleCutoff.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.TokensUsed)
	assert.Equal(t, cycleCutoff, p.PeriodStart)
}

type scriptedReconciler struct {
	results map[string]*Result
	errs    map[string]error
	panics  map[string]bool
}

func (s *scriptedReconciler) ReconcileUserAt(ctx context.Context, userID string, cutoff time.Time) (*Result, error) {
	if s.panics[userID] {
		panic("nil map write")
	}
	if err := s.errs[userID]; err != nil {
		return nil, err
	}
	return s.results[userID], nil
}

func TestCycleRunner_ErrorsAndPanicsAreContained(t *testing.T) {
	store := usage.NewMemoryStore()
	for _, user := range []string{"user-a", "user-b", "user-c", "user-d"} {
		seedUsage(store, user, 10)
	}

	reconciler := &scriptedReconciler{
		results: map[string]*Result{
			"user-a": {UserID: "user-a", Outcome: OutcomeWithinAllowance},
			"user-d": {UserID: "user-d", Outcome: OutcomeCharged, AmountCents: 42},
		},
		errs: map[string]error{
			"user-b": &usage.StorageError{Op: "unreconciled", Err: fmt.Errorf("timeout")},
		},
		panics: map[string]bool{"user-c": true},
	}

	runner := NewCycleRunner(store, reconciler, nil, observability.NopLogger(), CycleConfig{Workers: 3})
	summary, err := runner.Run(context.Background(), cycleCutoff)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.WithinAllowance)
	assert.Equal(t, 1, summary.Charged)
	assert.Equal(t, int64(42), summary.ChargedCents)

	reasons := map[string]string{}
	for _, failure := range summary.Failures {
		reasons[failure.UserID] = failure.Reason
	}
	assert.Contains(t, reasons["user-b"], "timeout")
	assert.Contains(t, reasons["user-c"], "panic")
}

func TestCycleRunner_ArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	archiver := &recordingArchiver{err: errors.New("bucket not found")}

	runner := NewCycleRunner(f.store, f.reconciler(f.store, ReconcilerConfig{}), nil, observability.NopLogger(), CycleConfig{Archiver: archiver})
	summary, err := runner.Run(context.Background(), cycleCutoff)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Len(t, archiver.summaries, 1)
}

type failingRollover struct {
	usage.Store
}

func (failingRollover) Rollover(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, &usage.StorageError{Op: "rollover", Err: errors.New("deadlock detected")}
}

func TestCycleRunner_RolloverFailureAbortsRun(t *testing.T) {
	f := newFixture()
	store := failingRollover{Store: f.store}

	runner := NewCycleRunner(store, f.reconciler(store, ReconcilerConfig{}), nil, observability.NopLogger(), CycleConfig{})
	_, err := runner.Run(context.Background(), cycleCutoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
}

func TestCycleRunner_LockHeld(t *testing.T) {
	f := newFixture()
	lock := &LocalRunLock{}

	unlock, err := lock.Acquire(context.Background())
	require.NoError(t, err)

	runner := NewCycleRunner(f.store, f.reconciler(f.store, ReconcilerConfig{}), lock, observability.NopLogger(), CycleConfig{})
	_, err = runner.Run(context.Background(), cycleCutoff)
	assert.ErrorIs(t, err, ErrCycleInProgress)

	require.NoError(t, unlock(context.Background()))
	_, err = runner.Run(context.Background(), cycleCutoff)
	assert.NoError(t, err)
}
