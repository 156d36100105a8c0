package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
)

// Subscription lifecycle events the Ingestor applies
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	// ErrUnknownCustomer is returned when no platform user owns the subscription's customer
	ErrUnknownCustomer = errors.New("subscription customer does not map to a user")
	// ErrMalformedEvent is returned when a subscription object cannot be decoded
	ErrMalformedEvent = errors.New("malformed subscription event")
)

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	StartDate          int64             `json:"start_date"`
	EndedAt            *int64            `json:"ended_at"`
	CanceledAt         *int64            `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// Ingestor verifies subscription webhooks and applies them to the EventStore
type Ingestor struct {
	store     EventStore
	resolver  CustomerResolver
	secret    string
	tolerance time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// IngestorConfig configures an Ingestor
type IngestorConfig struct {
	Secret    string
	Tolerance time.Duration
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// NewIngestor creates a subscription webhook ingestor
func NewIngestor(store EventStore, resolver CustomerResolver, logger *observability.Logger, cfg IngestorConfig) *Ingestor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		store:     store,
		resolver:  resolver,
		secret:    cfg.Secret,
		tolerance: cfg.Tolerance,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Handle verifies and applies a raw webhook delivery. Event types other than
// subscription lifecycle events are acknowledged and ignored.
func (i *Ingestor) Handle(ctx context.Context, payload []byte, signatureHeader string) (ApplyResult, error) {
	if err := processor.VerifyWebhookSignature(payload, signatureHeader, i.secret, i.tolerance, i.now()); err != nil {
		i.metrics.WebhookEvent("unknown", "rejected")
		return "", err
	}

	event, err := processor.ParseEvent(payload)
	if err != nil {
		i.metrics.WebhookEvent("unknown", "malformed")
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	logger := i.logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		i.metrics.WebhookEvent(event.Type, string(Ignored))
		logger.Debug("Ignoring webhook event")
		return Ignored, nil
	}

	sub, err := i.toSubscription(ctx, event)
	if err != nil {
		i.metrics.WebhookEvent(event.Type, "error")
		logger.WithError(err).Warn("Failed to map subscription event")
		return "", err
	}

	result, err := i.store.ApplyEvent(ctx, event.ID, event.Type, sub)
	if err != nil {
		i.metrics.WebhookEvent(event.Type, "error")
		logger.WithError(err).Error("Failed to apply subscription event")
		return "", err
	}

	i.metrics.WebhookEvent(event.Type, string(result))
	logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"user_id":         sub.UserID,
		"status":          sub.Status,
		"result":          result,
	}).Info("Subscription event processed")

	return result, nil
}

func (i *Ingestor) toSubscription(ctx context.Context, event *processor.Event) (*Subscription, error) {
	var raw stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.ID == "" || raw.Customer == "" {
		return nil, fmt.Errorf("%w: missing subscription or customer id", ErrMalformedEvent)
	}

	userID, err := i.resolver.ResolveUser(ctx, raw.Customer)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = raw.Metadata["user_id"]
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCustomer, raw.Customer)
	}

	sub := &Subscription{
		ID:          raw.ID,
		UserID:      userID,
		CustomerID:  raw.Customer,
		Status:      Status(raw.Status),
		StartDate:   unixTime(raw.StartDate),
		LastEventAt: event.CreatedAt(),
	}
	if len(raw.Items.Data) > 0 {
		sub.PriceID = raw.Items.Data[0].Price.ID
	}
	if raw.CurrentPeriodStart > 0 {
		t := unixTime(raw.CurrentPeriodStart)
		sub.CurrentPeriodStart = &t
	}
	if raw.CurrentPeriodEnd > 0 {
		t := unixTime(raw.CurrentPeriodEnd)
		sub.CurrentPeriodEnd = &t
	}
	if raw.EndedAt != nil {
		t := unixTime(*raw.EndedAt)
		sub.EndDate = &t
	}

	if event.Type == EventSubscriptionDeleted {
		sub.Status = StatusCanceled
		if sub.EndDate == nil {
			t := event.CreatedAt()
			sub.EndDate = &t
		}
	}
	if !sub.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, raw.Status)
	}

	return sub, nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
