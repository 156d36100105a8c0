package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/inkwell/pkg/observability"
)

func newTestScheduler(t *testing.T, spec string) (*Scheduler, error) {
	t.Helper()
	f := newFixture()
	runner := NewCycleRunner(f.store, f.reconciler(f.store, ReconcilerConfig{}), nil, observability.NopLogger(), CycleConfig{})
	return NewScheduler(runner, spec, observability.NopLogger())
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := newTestScheduler(t, "every full moon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid billing schedule")
}

func TestScheduler_NextIsFirstOfMonthUTC(t *testing.T) {
	scheduler, err := newTestScheduler(t, "")
	require.NoError(t, err)

	scheduler.now = func() time.Time { return time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC) }
	assert.Equal(t, cycleCutoff, scheduler.Next())

	scheduler.now = func() time.Time { return time.Date(2026, time.December, 31, 23, 59, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC), scheduler.Next())
}

func TestScheduler_StartStop(t *testing.T) {
	scheduler, err := newTestScheduler(t, "0 3 * * *")
	require.NoError(t, err)

	scheduler.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, scheduler.Stop(ctx))
}

func TestScheduler_RunScheduledSkipsWhenLocked(t *testing.T) {
	f := newFixture()
	lock := &LocalRunLock{}
	archiver := &recordingArchiver{}
	runner := NewCycleRunner(f.store, f.reconciler(f.store, ReconcilerConfig{}), lock, observability.NopLogger(), CycleConfig{Archiver: archiver})

	scheduler, err := NewScheduler(runner, DefaultSchedule, observability.NopLogger())
	require.NoError(t, err)
	scheduler.now = func() time.Time { return cycleCutoff }

	unlock, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	scheduler.runScheduled()
	assert.Empty(t, archiver.summaries)

	require.NoError(t, unlock(context.Background()))
	scheduler.runScheduled()
	assert.Len(t, archiver.summaries, 1)
}
