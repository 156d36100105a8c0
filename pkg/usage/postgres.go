package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// maxIncrementAttempts bounds the update/insert loop when creators race
const maxIncrementAttempts = 3

const periodColumns = `id, user_id, tokens_used, period_start, period_end, invoice_item_id, charged_cents, reconciled_at, invoice_id`

// PostgreSQL error codes signalling that a concurrent writer created the period first
const (
	pqUniqueViolation    = "23505"
	pqExclusionViolation = "23P01"
)

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL usage store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeriod(row rowScanner) (*Period, error) {
	var (
		p            Period
		invoiceItem  sql.NullString
		reconciledAt sql.NullTime
		invoiceID    sql.NullString
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.TokensUsed,
		&p.PeriodStart,
		&p.PeriodEnd,
		&invoiceItem,
		&p.ChargedCents,
		&reconciledAt,
		&invoiceID,
	)
	if err != nil {
		return nil, err
	}
	if invoiceItem.Valid {
		p.InvoiceItemID = &invoiceItem.String
	}
	if reconciledAt.Valid {
		t := reconciledAt.Time
		p.ReconciledAt = &t
	}
	if invoiceID.Valid {
		p.InvoiceID = &invoiceID.String
	}
	return &p, nil
}

func scanPeriods(rows *sql.Rows) ([]*Period, error) {
	defer rows.Close()

	var periods []*Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage period: %w", err)
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage periods: %w", err)
	}
	return periods, nil
}

// Increment atomically adds tokens to the current period, creating it if needed
func (s *PostgresStore) Increment(ctx context.Context, userID string, tokens int64, now time.Time) (*Period, error) {
	for attempt := 0; attempt < maxIncrementAttempts; attempt++ {
		p, err := s.addToCurrent(ctx, userID, tokens, now)
		if err != nil {
			return nil, storageErr("increment", err)
		}
		if p != nil {
			return p, nil
		}

		p, err = s.createPeriod(ctx, userID, tokens, now)
		if err == nil {
			return p, nil
		}
		if !isConflict(err) {
			return nil, storageErr("create period", err)
		}
		// Another writer created the period between our update and insert.
	}

	return nil, storageErr("increment", fmt.Errorf("period for user %s still contended after %d attempts", userID, maxIncrementAttempts))
}

func (s *PostgresStore) addToCurrent(ctx context.Context, userID string, tokens int64, now time.Time) (*Period, error) {
	query := `
		UPDATE usage_periods
		SET tokens_used = tokens_used + $1, updated_at = $2
		WHERE user_id = $3 AND period_start <= $2 AND period_end > $2
		RETURNING ` + periodColumns

	p, err := scanPeriod(s.db.QueryRowContext(ctx, query, tokens, now, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) createPeriod(ctx context.Context, userID string, tokens int64, now time.Time) (*Period, error) {
	query := `
		INSERT INTO usage_periods (user_id, tokens_used, period_start, period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $3, $3)
		RETURNING ` + periodColumns

	p, err := scanPeriod(s.db.QueryRowContext(ctx, query, userID, tokens, now, NextPeriodEnd(now)))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation || pqErr.Code == pqExclusionViolation
	}
	return false
}

// Current returns the period covering now
func (s *PostgresStore) Current(ctx context.Context, userID string, now time.Time) (*Period, error) {
	query := `
		SELECT ` + periodColumns + `
		FROM usage_periods
		WHERE user_id = $1 AND period_start <= $2 AND period_end > $2
		ORDER BY period_start DESC
		LIMIT 1`

	p, err := scanPeriod(s.db.QueryRowContext(ctx, query, userID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("current", fmt.Errorf("failed to get current period: %w", err))
	}
	return p, nil
}

// History returns the user's most recent periods
func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Period, error) {
	if limit <= 0 {
		limit = 12
	}

	query := `
		SELECT ` + periodColumns + `
		FROM usage_periods
		WHERE user_id = $1
		ORDER BY period_start DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, storageErr("history", fmt.Errorf("failed to query usage history: %w", err))
	}
	periods, err := scanPeriods(rows)
	if err != nil {
		return nil, storageErr("history", err)
	}
	return periods, nil
}

// Unreconciled returns closed, unsettled periods for a user
func (s *PostgresStore) Unreconciled(ctx context.Context, userID string, cutoff time.Time) ([]*Period, error) {
	query := `
		SELECT ` + periodColumns + `
		FROM usage_periods
		WHERE user_id = $1 AND period_end <= $2 AND reconciled_at IS NULL
		ORDER BY period_start`

	rows, err := s.db.QueryContext(ctx, query, userID, cutoff)
	if err != nil {
		return nil, storageErr("unreconciled", fmt.Errorf("failed to query unreconciled periods: %w", err))
	}
	periods, err := scanPeriods(rows)
	if err != nil {
		return nil, storageErr("unreconciled", err)
	}
	return periods, nil
}

// UsersWithUnreconciled lists users with closed, unsettled periods
func (s *PostgresStore) UsersWithUnreconciled(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM usage_periods
		WHERE period_end <= $1 AND reconciled_at IS NULL
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, storageErr("list users", fmt.Errorf("failed to query users: %w", err))
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, storageErr("list users", fmt.Errorf("failed to scan user: %w", err))
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list users", err)
	}
	return users, nil
}

// SetInvoiceItem records the processor invoice item for a period
func (s *PostgresStore) SetInvoiceItem(ctx context.Context, periodID int64, invoiceItemID string, amountCents int64) error {
	query := `
		UPDATE usage_periods
		SET invoice_item_id = $1, charged_cents = $2, updated_at = NOW()
		WHERE id = $3`

	result, err := s.db.ExecContext(ctx, query, invoiceItemID, amountCents, periodID)
	if err != nil {
		return storageErr("set invoice item", fmt.Errorf("failed to update period %d: %w", periodID, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("set invoice item", err)
	}
	if affected == 0 {
		return storageErr("set invoice item", fmt.Errorf("usage period %d not found", periodID))
	}
	return nil
}

// SetInvoice records the processor invoice holding the given periods' items
func (s *PostgresStore) SetInvoice(ctx context.Context, periodIDs []int64, invoiceID string) error {
	if len(periodIDs) == 0 {
		return nil
	}

	query := `
		UPDATE usage_periods
		SET invoice_id = NULLIF($1, ''), updated_at = NOW()
		WHERE id = ANY($2) AND reconciled_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, invoiceID, pq.Array(periodIDs)); err != nil {
		return storageErr("set invoice", fmt.Errorf("failed to record invoice %s: %w", invoiceID, err))
	}
	return nil
}

// MarkReconciled settles the given periods. Already settled periods keep their timestamp.
func (s *PostgresStore) MarkReconciled(ctx context.Context, periodIDs []int64, at time.Time) error {
	if len(periodIDs) == 0 {
		return nil
	}

	query := `
		UPDATE usage_periods
		SET reconciled_at = $1, updated_at = $1
		WHERE id = ANY($2) AND reconciled_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, at, pq.Array(periodIDs)); err != nil {
		return storageErr("mark reconciled", fmt.Errorf("failed to mark periods reconciled: %w", err))
	}
	return nil
}

// Rollover closes open periods at cutoff and opens fresh ones in a single transaction
func (s *PostgresStore) Rollover(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("rollover", fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE usage_periods
		SET period_end = $1, updated_at = $1
		WHERE period_start < $1 AND period_end > $1
		RETURNING user_id`, cutoff)
	if err != nil {
		return 0, storageErr("rollover", fmt.Errorf("failed to close periods: %w", err))
	}

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return 0, storageErr("rollover", fmt.Errorf("failed to scan closed period: %w", err))
		}
		users = append(users, userID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("rollover", err)
	}

	if len(users) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage_periods (user_id, tokens_used, period_start, period_end, created_at, updated_at)
			SELECT u, 0, $2, $3, $2, $2 FROM unnest($1::text[]) AS u
			ON CONFLICT DO NOTHING`,
			pq.Array(users), cutoff, NextPeriodEnd(cutoff))
		if err != nil {
			return 0, storageErr("rollover", fmt.Errorf("failed to open fresh periods: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("rollover", fmt.Errorf("failed to commit rollover: %w", err))
	}
	return len(users), nil
}
