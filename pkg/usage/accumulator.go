package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/inkwell/pkg/observability"
)

// Accumulator records token consumption against the caller's current period
type Accumulator struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// AccumulatorOption configures an Accumulator
type AccumulatorOption func(*Accumulator)

// WithClock overrides the time source
func WithClock(now func() time.Time) AccumulatorOption {
	return func(a *Accumulator) {
		a.now = now
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(metrics *observability.Metrics) AccumulatorOption {
	return func(a *Accumulator) {
		a.metrics = metrics
	}
}

// NewAccumulator creates a new usage accumulator
func NewAccumulator(store Store, logger *observability.Logger, opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordUsage adds tokens to the user's current period.
// It never throttles; store failures are returned as *StorageError.
func (a *Accumulator) RecordUsage(ctx context.Context, userID string, tokens int64) error {
	if strings.TrimSpace(userID) == "" {
		a.metrics.RecordUsageError("invalid")
		return fmt.Errorf("%w: user ID is required", ErrInvalidUsage)
	}
	if tokens <= 0 {
		a.metrics.RecordUsageError("invalid")
		return fmt.Errorf("%w: tokens must be positive, got %d", ErrInvalidUsage, tokens)
	}

	period, err := a.store.Increment(ctx, userID, tokens, a.now())
	if err != nil {
		a.metrics.RecordUsageError("storage")
		a.logger.WithError(err).WithFields(map[string]interface{}{
			"user_id": userID,
			"tokens":  tokens,
		}).Error("Failed to record usage")
		return storageErr("increment", err)
	}

	a.metrics.RecordUsage(tokens)
	a.logger.WithFields(map[string]interface{}{
		"user_id":     userID,
		"tokens":      tokens,
		"period_id":   period.ID,
		"tokens_used": period.TokensUsed,
	}).Debug("Usage recorded")

	return nil
}

// Current returns the user's current period, or nil if none covers now
func (a *Accumulator) Current(ctx context.Context, userID string) (*Period, error) {
	return a.store.Current(ctx, userID, a.now())
}

// History returns the user's most recent periods
func (a *Accumulator) History(ctx context.Context, userID string, limit int) ([]*Period, error) {
	return a.store.History(ctx, userID, limit)
}
