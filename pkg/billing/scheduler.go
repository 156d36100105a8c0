package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/inkwell/pkg/observability"
)

// DefaultSchedule fires at midnight UTC on the first of every month
const DefaultSchedule = "0 0 1 * *"

// cronLogger adapts observability.Logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

// Scheduler triggers the billing cycle on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	runner  *CycleRunner
	logger  *observability.Logger
	entryID cron.EntryID
	now     func() time.Time
}

// NewScheduler registers runner on spec, a standard five-field cron expression evaluated in UTC
func NewScheduler(runner *CycleRunner, spec string, logger *observability.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		runner: runner,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	id, err := s.cron.AddFunc(spec, s.runScheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid billing schedule %q: %w", spec, err)
	}
	s.entryID = id

	return s, nil
}

func (s *Scheduler) runScheduled() {
	summary, err := s.runner.Run(context.Background(), s.now())
	if errors.Is(err, ErrCycleInProgress) {
		s.logger.Warn("Skipping scheduled billing cycle, another run holds the lock")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Scheduled billing cycle failed")
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"run_id": summary.RunID,
		"failed": summary.Failed,
	}).Info("Scheduled billing cycle completed")
}

// Start begins firing the schedule in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("next_run", s.Next()).Info("Billing scheduler started")
}

// Stop halts the schedule and waits for a running cycle to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next time the cycle will fire
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Schedule.Next(s.now())
}
