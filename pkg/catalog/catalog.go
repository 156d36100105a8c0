package catalog

import (
	"context"
	"fmt"
)

// Catalog resolves the included token allowance of a plan
type Catalog interface {
	// IncludedTokens returns the allowance for priceID. found is false when the
	// catalog has no entry for it.
	IncludedTokens(ctx context.Context, priceID string) (tokens int64, found bool, err error)
}

// Plan is one entry of the plan catalog
type Plan struct {
	PriceID        string `yaml:"price_id" json:"price_id"`
	Name           string `yaml:"name" json:"name"`
	IncludedTokens int64  `yaml:"included_tokens" json:"included_tokens"`
}

// ConfigurationError reports a subscription referencing a plan the catalog does not know
type ConfigurationError struct {
	PriceID string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("price %q is not in the plan catalog", e.PriceID)
}

// StaticCatalog is a fixed in-memory catalog
type StaticCatalog map[string]int64

// IncludedTokens returns the allowance for priceID
func (c StaticCatalog) IncludedTokens(ctx context.Context, priceID string) (int64, bool, error) {
	tokens, ok := c[priceID]
	return tokens, ok, nil
}
