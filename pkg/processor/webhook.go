package processor

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails verification
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrSignatureExpired is returned when the signed timestamp is outside the tolerance
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
)

// Event is a processor webhook event envelope
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CreatedAt returns the event creation time
func (e *Event) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// SignatureHeader builds a Stripe-Signature header value
func SignatureHeader(payload []byte, timestamp int64, secret string) string {
	sig := webhook.ComputeSignature(time.Unix(timestamp, 0), payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(sig))
}

// VerifyWebhookSignature checks a Stripe-Signature header ("t=...,v1=...[,v1=...]")
// against payload. Any v1 signature matching is accepted so secrets can be rolled.
// The tolerance window is measured against now rather than the wall clock.
func VerifyWebhookSignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" || secret == "" {
		return ErrInvalidSignature
	}

	timestamp, err := signatureTimestamp(header)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		age := now.Sub(timestamp)
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}

	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func signatureTimestamp(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key != "t" {
			continue
		}
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
		}
		return time.Unix(ts, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
}

// ParseEvent decodes a webhook payload
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("webhook event missing id or type")
	}
	return &event, nil
}
