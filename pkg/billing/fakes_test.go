package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/inkwell/pkg/processor"
	"github.com/platinummonkey/inkwell/pkg/subscriptions"
	"github.com/platinummonkey/inkwell/pkg/usage"
)

var (
	periodStart = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	cycleCutoff = time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
)

type fakeInvoice struct {
	customerID string
	items      []string
	status     string
}

// fakeProcessor behaves like the processor: items wait as pending until an invoice
// sweeps them into a draft, and a repeated idempotency key returns the object
// created by the first request until expire is called.
type fakeProcessor struct {
	mu            sync.Mutex
	keys          map[string]string
	pending       map[string][]string
	drafts        map[string]*fakeInvoice
	itemCalls     []processor.InvoiceItemParams
	invoiceCalls  []processor.CreateInvoiceParams
	finalizeCalls []processor.FinalizeInvoiceParams
	failCustomer  map[string]error
	failFinalize  error
	block         bool
	nextItem      int
	nextInvoice   int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		keys:         make(map[string]string),
		pending:      make(map[string][]string),
		drafts:       make(map[string]*fakeInvoice),
		failCustomer: make(map[string]error),
	}
}

func (f *fakeProcessor) CreateInvoiceItem(ctx context.Context, params processor.InvoiceItemParams) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", &processor.ProcessorError{Kind: processor.KindTimeout, Operation: "create_invoice_item", Err: ctx.Err()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.itemCalls = append(f.itemCalls, params)
	if err := f.failCustomer[params.CustomerID]; err != nil {
		return "", err
	}
	if id, ok := f.keys[params.IdempotencyKey]; ok {
		return id, nil
	}
	f.nextItem++
	id := fmt.Sprintf("ii_%d", f.nextItem)
	f.keys[params.IdempotencyKey] = id
	f.pending[params.CustomerID] = append(f.pending[params.CustomerID], id)
	return id, nil
}

func (f *fakeProcessor) CreateInvoice(ctx context.Context, params processor.CreateInvoiceParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invoiceCalls = append(f.invoiceCalls, params)
	if id, ok := f.keys[params.IdempotencyKey]; ok {
		return id, nil
	}
	items := f.pending[params.CustomerID]
	if len(items) == 0 {
		return "", &processor.ProcessorError{
			Kind:       processor.KindBusiness,
			Operation:  "create_invoice",
			StatusCode: 400,
			Code:       "invoice_no_customer_line_items",
			Message:    "Nothing to invoice for customer",
		}
	}
	f.nextInvoice++
	id := fmt.Sprintf("in_%d", f.nextInvoice)
	f.keys[params.IdempotencyKey] = id
	f.drafts[id] = &fakeInvoice{customerID: params.CustomerID, items: items, status: "draft"}
	delete(f.pending, params.CustomerID)
	return id, nil
}

func (f *fakeProcessor) FinalizeInvoice(ctx context.Context, params processor.FinalizeInvoiceParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finalizeCalls = append(f.finalizeCalls, params)
	if f.failFinalize != nil {
		return "", f.failFinalize
	}
	invoice, ok := f.drafts[params.InvoiceID]
	if !ok {
		return "", &processor.ProcessorError{Kind: processor.KindBusiness, Operation: "get_invoice", Code: "resource_missing"}
	}
	invoice.status = "open"
	return params.InvoiceID, nil
}

// expire forgets every idempotency key, as the processor does after a day
func (f *fakeProcessor) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = make(map[string]string)
}

func (f *fakeProcessor) invoiceStatus(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if invoice, ok := f.drafts[id]; ok {
		return invoice.status
	}
	return ""
}

func (f *fakeProcessor) ListProducts(ctx context.Context) ([]processor.Product, error) {
	return nil, nil
}

func (f *fakeProcessor) ListPrices(ctx context.Context) ([]processor.Price, error) {
	return nil, nil
}

func (f *fakeProcessor) itemCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.itemCalls)
}

// flakyStore fails selected operations a fixed number of times
type flakyStore struct {
	usage.Store
	failMark       int
	failSetItem    int
	failSetInvoice int
}

func (s *flakyStore) MarkReconciled(ctx context.Context, ids []int64, at time.Time) error {
	if s.failMark > 0 {
		s.failMark--
		return &usage.StorageError{Op: "mark reconciled", Err: fmt.Errorf("connection reset")}
	}
	return s.Store.MarkReconciled(ctx, ids, at)
}

func (s *flakyStore) SetInvoiceItem(ctx context.Context, periodID int64, itemID string, amount int64) error {
	if s.failSetItem > 0 {
		s.failSetItem--
		return &usage.StorageError{Op: "set invoice item", Err: fmt.Errorf("connection reset")}
	}
	return s.Store.SetInvoiceItem(ctx, periodID, itemID, amount)
}

func (s *flakyStore) SetInvoice(ctx context.Context, ids []int64, invoiceID string) error {
	if s.failSetInvoice > 0 {
		s.failSetInvoice--
		return &usage.StorageError{Op: "set invoice", Err: fmt.Errorf("connection reset")}
	}
	return s.Store.SetInvoice(ctx, ids, invoiceID)
}

func activeSubscription(userID, priceID string) *subscriptions.Subscription {
	return &subscriptions.Subscription{
		ID:          "sub_" + userID,
		UserID:      userID,
		CustomerID:  "cus_" + userID,
		PriceID:     priceID,
		Status:      subscriptions.StatusActive,
		StartDate:   periodStart.AddDate(0, -6, 0),
		LastEventAt: periodStart,
	}
}

// seedUsage records tokens in a January period for userID
func seedUsage(store usage.Store, userID string, tokens int64) *usage.Period {
	p, err := store.Increment(context.Background(), userID, tokens, periodStart)
	if err != nil {
		panic(err)
	}
	return p
}
