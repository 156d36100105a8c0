package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/inkwell/pkg/observability"
)

const listPageSize = 100

// StripeConfig configures a StripeClient
type StripeConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for stripe-mock
	BaseURL string
	// Timeout bounds each HTTP round trip, including reading the body
	Timeout           time.Duration
	MaxNetworkRetries int64
	Logger            *observability.Logger
}

// StripeClient implements Client on stripe-go
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a Stripe API client with a bounded, traced HTTP client
func NewStripeClient(cfg StripeConfig) *StripeClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     logger.WithField("component", "stripe"),
	}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		backendConfig.URL = stripe.String(baseURL)
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)
	return &StripeClient{
		api: client.New(cfg.APIKey, &stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
	}
}

func requestParams(ctx context.Context, p *stripe.Params, idempotencyKey string) {
	p.Context = ctx
	if idempotencyKey != "" {
		p.SetIdempotencyKey(idempotencyKey)
	}
}

// CreateInvoiceItem posts a pending invoice item for the customer
func (c *StripeClient) CreateInvoiceItem(ctx context.Context, params InvoiceItemParams) (string, error) {
	if params.AmountCents <= 0 {
		return "", &ProcessorError{
			Kind:      KindBusiness,
			Operation: "create_invoice_item",
			Message:   fmt.Sprintf("amount must be positive, got %d", params.AmountCents),
		}
	}

	p := &stripe.InvoiceItemParams{
		Customer: stripe.String(params.CustomerID),
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(params.Currency),
	}
	if params.Description != "" {
		p.Description = stripe.String(params.Description)
	}
	requestParams(ctx, &p.Params, params.IdempotencyKey)
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	item, err := c.api.InvoiceItems.New(p)
	if err != nil {
		return "", classify("create_invoice_item", err)
	}
	return item.ID, nil
}

// CreateInvoice opens a draft invoice that sweeps in the customer's pending items
func (c *StripeClient) CreateInvoice(ctx context.Context, params CreateInvoiceParams) (string, error) {
	p := &stripe.InvoiceParams{
		Customer:                    stripe.String(params.CustomerID),
		AutoAdvance:                 stripe.Bool(true),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		PendingInvoiceItemsBehavior: stripe.String("include"),
	}
	if params.Description != "" {
		p.Description = stripe.String(params.Description)
	}
	requestParams(ctx, &p.Params, params.IdempotencyKey)
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	invoice, err := c.api.Invoices.New(p)
	if err != nil {
		return "", classify("create_invoice", err)
	}
	return invoice.ID, nil
}

// FinalizeInvoice finalizes a draft invoice. Invoices already past draft are left alone
// so a retry after a lost response does not fail.
func (c *StripeClient) FinalizeInvoice(ctx context.Context, params FinalizeInvoiceParams) (string, error) {
	get := &stripe.InvoiceParams{}
	get.Context = ctx
	invoice, err := c.api.Invoices.Get(params.InvoiceID, get)
	if err != nil {
		return "", classify("get_invoice", err)
	}
	if invoice.Status != stripe.InvoiceStatusDraft {
		return invoice.ID, nil
	}

	p := &stripe.InvoiceFinalizeInvoiceParams{}
	requestParams(ctx, &p.Params, params.IdempotencyKey)
	invoice, err = c.api.Invoices.FinalizeInvoice(params.InvoiceID, p)
	if err != nil {
		return "", classify("finalize_invoice", err)
	}
	return invoice.ID, nil
}

// ListProducts pages through every product in the account
func (c *StripeClient) ListProducts(ctx context.Context) ([]Product, error) {
	params := &stripe.ProductListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageSize)

	var products []Product
	iter := c.api.Products.List(params)
	for iter.Next() {
		p := iter.Product()
		products = append(products, Product{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Active:      p.Active,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list_products", err)
	}
	return products, nil
}

// ListPrices pages through every price in the account
func (c *StripeClient) ListPrices(ctx context.Context) ([]Price, error) {
	params := &stripe.PriceListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageSize)

	var prices []Price
	iter := c.api.Prices.List(params)
	for iter.Next() {
		p := iter.Price()
		price := Price{
			ID:         p.ID,
			UnitAmount: p.UnitAmount,
			Currency:   string(p.Currency),
			Active:     p.Active,
			Metadata:   p.Metadata,
		}
		if p.Product != nil {
			price.ProductID = p.Product.ID
		}
		if p.Recurring != nil {
			price.Interval = string(p.Recurring.Interval)
		}
		prices = append(prices, price)
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list_prices", err)
	}
	return prices, nil
}

// classify maps a stripe-go failure onto a *ProcessorError
func classify(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return transportError(op, err)
	}

	pe := &ProcessorError{
		Operation:  op,
		StatusCode: stripeErr.HTTPStatusCode,
		Code:       string(stripeErr.Code),
		Message:    stripeErr.Msg,
		Err:        err,
	}
	if stripeErr.DeclineCode != "" {
		pe.Code = string(stripeErr.DeclineCode)
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(pe.StatusCode)
	}

	status := stripeErr.HTTPStatusCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = KindAuth
	case status == http.StatusTooManyRequests || status >= 500 || stripeErr.Type == stripe.ErrorTypeAPI:
		pe.Kind = KindUnavailable
	case status == http.StatusPaymentRequired || stripeErr.Type == stripe.ErrorTypeCard:
		pe.Kind = KindBusiness
	case status >= 400:
		pe.Kind = KindBusiness
	default:
		pe.Kind = KindUnknown
	}
	return pe
}

func transportError(op string, err error) error {
	var netErr net.Error
	kind := KindUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		kind = KindTimeout
	case errors.As(err, &netErr):
		kind = KindNetwork
	}
	return &ProcessorError{Kind: kind, Operation: op, Err: err}
}
