package processor

import (
	"context"
	"errors"
	"fmt"
)

// InvoiceItemParams describes a pending charge on a customer's next invoice
type InvoiceItemParams struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// CreateInvoiceParams opens a draft invoice over a customer's pending invoice items
type CreateInvoiceParams struct {
	CustomerID     string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// FinalizeInvoiceParams finalizes a draft invoice
type FinalizeInvoiceParams struct {
	InvoiceID      string
	IdempotencyKey string
}

// Product is a processor catalog product
type Product struct {
	ID          string
	Name        string
	Description string
	Active      bool
}

// Price is a processor catalog price
type Price struct {
	ID         string
	ProductID  string
	UnitAmount int64
	Currency   string
	Interval   string
	Active     bool
	Metadata   map[string]string
}

// Client is the subset of the payment processor API used for billing
type Client interface {
	// CreateInvoiceItem adds a pending item and returns its processor ID
	CreateInvoiceItem(ctx context.Context, params InvoiceItemParams) (string, error)

	// CreateInvoice opens a draft invoice holding the customer's pending items and returns its ID
	CreateInvoice(ctx context.Context, params CreateInvoiceParams) (string, error)

	// FinalizeInvoice finalizes a draft invoice and returns its ID. An invoice that
	// is no longer a draft is returned unchanged.
	FinalizeInvoice(ctx context.Context, params FinalizeInvoiceParams) (string, error)

	ListProducts(ctx context.Context) ([]Product, error)
	ListPrices(ctx context.Context) ([]Price, error)
}

// ErrorKind classifies processor failures
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindAuth        ErrorKind = "auth"
	KindBusiness    ErrorKind = "business"
	KindUnknown     ErrorKind = "unknown"
)

// ProcessorError is returned for any failed processor call
type ProcessorError struct {
	Kind       ErrorKind
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProcessorError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("processor %s failed (%s/%s): %s", e.Operation, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("processor %s failed (%s): %s", e.Operation, e.Kind, msg)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or KindUnknown when err is not a *ProcessorError
func KindOf(err error) ErrorKind {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
