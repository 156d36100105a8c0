package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/inkwell/pkg/observability"
)

type plansFile struct {
	Plans []Plan `yaml:"plans"`
}

// FileCatalog serves plan allowances from a YAML file
type FileCatalog struct {
	path   string
	logger *observability.Logger

	mu    sync.RWMutex
	plans map[string]Plan
}

// LoadFileCatalog reads and validates the plans file at path
func LoadFileCatalog(path string, logger *observability.Logger) (*FileCatalog, error) {
	c := &FileCatalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParsePlans decodes and validates a plans document
func ParsePlans(data []byte) (map[string]Plan, error) {
	var doc plansFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plans: %w", err)
	}

	plans := make(map[string]Plan, len(doc.Plans))
	for i, p := range doc.Plans {
		if p.PriceID == "" {
			return nil, fmt.Errorf("plan %d: price_id is required", i)
		}
		if p.IncludedTokens < 0 {
			return nil, fmt.Errorf("plan %s: included_tokens must not be negative", p.PriceID)
		}
		if _, dup := plans[p.PriceID]; dup {
			return nil, fmt.Errorf("plan %s: duplicate price_id", p.PriceID)
		}
		plans[p.PriceID] = p
	}
	return plans, nil
}

// Reload re-reads the plans file. On failure the previous table stays in effect.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read plans file: %w", err)
	}
	plans, err := ParsePlans(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.plans = plans
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"path":  c.path,
		"plans": len(plans),
	}).Info("Plan catalog loaded")
	return nil
}

// IncludedTokens returns the allowance for priceID
func (c *FileCatalog) IncludedTokens(ctx context.Context, priceID string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[priceID]
	return p.IncludedTokens, ok, nil
}

// Plans returns a snapshot of the loaded plans
func (c *FileCatalog) Plans() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	plans := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		plans = append(plans, p)
	}
	return plans
}

// Watch reloads the catalog whenever the plans file changes, until ctx is done.
// The parent directory is watched so that atomic rename-style replacements are seen.
func (c *FileCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.WithError(err).WithField("path", c.path).Error("Plan catalog reload failed, keeping previous plans")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.WithError(err).Warn("Plan catalog watcher error")
		}
	}
}
