package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/platinummonkey/inkwell/pkg/observability"
	"github.com/platinummonkey/inkwell/pkg/processor"
)

// IncludedTokensMetadataKey is the price metadata key holding the plan allowance
const IncludedTokensMetadataKey = "included_tokens"

// SyncResult summarizes a catalog sync
type SyncResult struct {
	Products          int `json:"products"`
	Prices            int `json:"prices"`
	PricesWithoutPlan int `json:"prices_without_plan"`
}

// Source lists the processor's catalog
type Source interface {
	ListProducts(ctx context.Context) ([]processor.Product, error)
	ListPrices(ctx context.Context) ([]processor.Price, error)
}

// Syncer mirrors the processor's products and prices into the local database.
// The mirror is one-way: local rows are never pushed back to the processor.
type Syncer struct {
	db     *sql.DB
	client Source
	logger *observability.Logger
	onSync func()
}

// NewSyncer creates a catalog syncer
func NewSyncer(db *sql.DB, client Source, logger *observability.Logger) *Syncer {
	return &Syncer{db: db, client: client, logger: logger}
}

// OnSync registers a callback run after a successful sync, e.g. DBCatalog.Invalidate
func (s *Syncer) OnSync(fn func()) {
	s.onSync = fn
}

// Sync fetches the processor catalog and upserts it in one transaction
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	products, err := s.client.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	prices, err := s.client.ListPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result := &SyncResult{}
	for _, p := range products {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, name, description, active, synced_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description,
				active = EXCLUDED.active, synced_at = EXCLUDED.synced_at`,
			p.ID, p.Name, p.Description, p.Active)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
		}
		result.Products++
	}

	for _, p := range prices {
		included := sql.NullInt64{}
		if raw, ok := p.Metadata[IncludedTokensMetadataKey]; ok {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				s.logger.WithFields(map[string]interface{}{
					"price_id": p.ID,
					"value":    raw,
				}).Warn("Ignoring invalid included_tokens metadata")
			} else {
				included = sql.NullInt64{Int64: n, Valid: true}
			}
		}
		if !included.Valid {
			result.PricesWithoutPlan++
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO prices (id, product_id, unit_amount, currency, interval, active, included_tokens, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (id) DO UPDATE
			SET product_id = EXCLUDED.product_id, unit_amount = EXCLUDED.unit_amount,
				currency = EXCLUDED.currency, interval = EXCLUDED.interval,
				active = EXCLUDED.active, included_tokens = EXCLUDED.included_tokens,
				synced_at = EXCLUDED.synced_at`,
			p.ID, p.ProductID, p.UnitAmount, p.Currency, p.Interval, p.Active, included)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert price %s: %w", p.ID, err)
		}
		result.Prices++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit catalog sync: %w", err)
	}

	if s.onSync != nil {
		s.onSync()
	}

	s.logger.WithFields(map[string]interface{}{
		"products":            result.Products,
		"prices":              result.Prices,
		"prices_without_plan": result.PricesWithoutPlan,
	}).Info("Catalog synced")

	return result, nil
}
