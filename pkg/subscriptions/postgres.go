package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const subscriptionColumns = `id, user_id, customer_id, price_id, status, start_date, end_date, current_period_start, current_period_end, last_event_at`

// PostgresRegistry implements Registry, EventStore and CustomerResolver on PostgreSQL
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a new PostgreSQL subscription registry
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// GetActiveSubscription returns the user's current subscription
func (r *PostgresRegistry) GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY (status = 'active') DESC, start_date DESC
		LIMIT 1`

	var (
		sub                             Subscription
		status                          string
		endDate, periodStart, periodEnd sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.CustomerID,
		&sub.PriceID,
		&status,
		&sub.StartDate,
		&endDate,
		&periodStart,
		&periodEnd,
		&sub.LastEventAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Status = Status(status)
	sub.EndDate = nullTimePtr(endDate)
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	return &sub, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timePtrArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// ApplyEvent records the event and upserts the subscription in one transaction
func (r *PostgresRegistry) ApplyEvent(ctx context.Context, eventID, eventType string, sub *Subscription) (ApplyResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (id, type, received_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return "", fmt.Errorf("failed to record webhook event: %w", err)
	}
	recorded, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to record webhook event: %w", err)
	}
	if recorded == 0 {
		return Duplicate, nil
	}

	result, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
			customer_id = EXCLUDED.customer_id,
			price_id = EXCLUDED.price_id,
			status = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
		WHERE subscriptions.last_event_at <= EXCLUDED.last_event_at`,
		sub.ID,
		sub.UserID,
		sub.CustomerID,
		sub.PriceID,
		string(sub.Status),
		sub.StartDate,
		timePtrArg(sub.EndDate),
		timePtrArg(sub.CurrentPeriodStart),
		timePtrArg(sub.CurrentPeriodEnd),
		sub.LastEventAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert subscription %s: %w", sub.ID, err)
	}
	upserted, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to upsert subscription %s: %w", sub.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit subscription event: %w", err)
	}

	if upserted == 0 {
		return Stale, nil
	}
	return Applied, nil
}

// ResolveUser looks up the platform user owning a processor customer
func (r *PostgresRegistry) ResolveUser(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := r.db.QueryRowContext(ctx,
		`SELECT id::text FROM users WHERE stripe_customer_id = $1`, customerID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer %s: %w", customerID, err)
	}
	return userID, nil
}
