package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidUsage is returned for a non-positive token count or an empty user ID
var ErrInvalidUsage = errors.New("invalid usage")

// Period is one user's token consumption over [PeriodStart, PeriodEnd).
type Period struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	TokensUsed  int64     `json:"tokens_used"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	// InvoiceItemID is set once the overage for this period has been posted to the processor
	InvoiceItemID *string    `json:"invoice_item_id,omitempty"`
	ChargedCents  int64      `json:"charged_cents"`
	ReconciledAt  *time.Time `json:"reconciled_at,omitempty"`

	// InvoiceID is the processor invoice that swept up this period's item. It is
	// recorded before finalization so a failed finalize resumes on the same invoice.
	InvoiceID *string `json:"invoice_id,omitempty"`
}

// Covers reports whether t falls inside the period
func (p *Period) Covers(t time.Time) bool {
	return !t.Before(p.PeriodStart) && t.Before(p.PeriodEnd)
}

// Closed reports whether the period ended at or before t
func (p *Period) Closed(t time.Time) bool {
	return !p.PeriodEnd.After(t)
}

// Reconciled reports whether the period has been settled
func (p *Period) Reconciled() bool {
	return p.ReconciledAt != nil
}

// NextPeriodEnd returns the end of a period starting at start: one calendar month later.
func NextPeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, 1, 0)
}

// Store persists usage periods
type Store interface {
	// Increment atomically adds tokens to the period covering now. When no period
	// covers now it creates [now, NextPeriodEnd(now)) holding tokens.
	Increment(ctx context.Context, userID string, tokens int64, now time.Time) (*Period, error)

	// Current returns the period covering now, or nil when there is none
	Current(ctx context.Context, userID string, now time.Time) (*Period, error)

	// History returns the user's most recent periods, newest first
	History(ctx context.Context, userID string, limit int) ([]*Period, error)

	// Unreconciled returns the user's closed (PeriodEnd <= cutoff) periods that have
	// not been reconciled, oldest first
	Unreconciled(ctx context.Context, userID string, cutoff time.Time) ([]*Period, error)

	// UsersWithUnreconciled lists the distinct users holding unreconciled closed periods
	UsersWithUnreconciled(ctx context.Context, cutoff time.Time) ([]string, error)

	// SetInvoiceItem records the processor invoice item created for a period
	SetInvoiceItem(ctx context.Context, periodID int64, invoiceItemID string, amountCents int64) error

	// SetInvoice records the processor invoice holding the given periods' items.
	// An empty invoiceID clears it.
	SetInvoice(ctx context.Context, periodIDs []int64, invoiceID string) error

	// MarkReconciled settles the given periods
	MarkReconciled(ctx context.Context, periodIDs []int64, at time.Time) error

	// Rollover closes every period open across cutoff at cutoff and opens a fresh
	// zero-usage period [cutoff, NextPeriodEnd(cutoff)) for each affected user.
	// It returns the number of fresh periods created.
	Rollover(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageError wraps a failure of the underlying usage store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("usage store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
