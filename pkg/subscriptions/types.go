package subscriptions

import (
	"context"
	"time"
)

// Status mirrors the processor's subscription status
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

// Valid reports whether s is a status the processor can send
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusIncomplete, StatusIncompleteExpired, StatusUnpaid, StatusPaused:
		return true
	}
	return false
}

// Lapsed reports whether s is a payment or setup hold that can still return to active
func (s Status) Lapsed() bool {
	switch s {
	case StatusPastDue, StatusUnpaid, StatusPaused, StatusIncomplete:
		return true
	}
	return false
}

// Subscription is the local copy of a processor subscription
type Subscription struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	CustomerID         string     `json:"customer_id"`
	PriceID            string     `json:"price_id"`
	Status             Status     `json:"status"`
	StartDate          time.Time  `json:"start_date"`
	EndDate            *time.Time `json:"end_date,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	LastEventAt        time.Time  `json:"last_event_at"`
}

// IsActive reports whether overage may be billed against this subscription
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// Registry is the read side used by reconciliation
type Registry interface {
	// GetActiveSubscription returns the user's current subscription, preferring an
	// active one when several rows exist, or nil when the user has none.
	GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error)
}

// ApplyResult describes what happened to an ingested subscription event
type ApplyResult string

const (
	Applied   ApplyResult = "applied"
	Duplicate ApplyResult = "duplicate"
	Stale     ApplyResult = "stale"
	Ignored   ApplyResult = "ignored"
)

// EventStore persists subscription changes from webhook events
type EventStore interface {
	// ApplyEvent records eventID and upserts sub atomically. A previously seen
	// eventID yields Duplicate; a sub older than the stored row yields Stale.
	ApplyEvent(ctx context.Context, eventID, eventType string, sub *Subscription) (ApplyResult, error)
}

// CustomerResolver maps a processor customer ID to a platform user ID
type CustomerResolver interface {
	// ResolveUser returns "" when no user owns customerID
	ResolveUser(ctx context.Context, customerID string) (string, error)
}
