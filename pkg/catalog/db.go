package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type allowance struct {
	tokens int64
	found  bool
}

// DBCatalog reads allowances from the prices mirror, caching lookups
type DBCatalog struct {
	db    *sql.DB
	cache *lru.LRU[string, allowance]
}

// NewDBCatalog creates a catalog over the prices table. Both hits and misses are
// cached for ttl so a missing price does not query the database on every lookup.
func NewDBCatalog(db *sql.DB, size int, ttl time.Duration) *DBCatalog {
	if size <= 0 {
		size = 256
	}
	return &DBCatalog{
		db:    db,
		cache: lru.NewLRU[string, allowance](size, nil, ttl),
	}
}

// IncludedTokens returns the allowance for priceID
func (c *DBCatalog) IncludedTokens(ctx context.Context, priceID string) (int64, bool, error) {
	if cached, ok := c.cache.Get(priceID); ok {
		return cached.tokens, cached.found, nil
	}

	var tokens sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT included_tokens FROM prices WHERE id = $1`, priceID,
	).Scan(&tokens)

	var entry allowance
	switch {
	case errors.Is(err, sql.ErrNoRows):
		entry = allowance{}
	case err != nil:
		return 0, false, fmt.Errorf("failed to look up price %s: %w", priceID, err)
	case !tokens.Valid:
		// Price exists but carries no allowance metadata.
		entry = allowance{}
	default:
		entry = allowance{tokens: tokens.Int64, found: true}
	}

	c.cache.Add(priceID, entry)
	return entry.tokens, entry.found, nil
}

// Invalidate drops all cached lookups
func (c *DBCatalog) Invalidate() {
	c.cache.Purge()
}
