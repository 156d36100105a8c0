package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/inkwell/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all billing schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create usage_periods table",
			SQL: `
				CREATE EXTENSION IF NOT EXISTS btree_gist;

				CREATE TABLE IF NOT EXISTS usage_periods (
					id BIGSERIAL PRIMARY KEY,
					user_id TEXT NOT NULL,
					tokens_used BIGINT NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
					period_start TIMESTAMPTZ NOT NULL,
					period_end TIMESTAMPTZ NOT NULL,
					invoice_item_id TEXT,
					charged_cents BIGINT NOT NULL DEFAULT 0 CHECK (charged_cents >= 0),
					reconciled_at TIMESTAMPTZ,
					invoice_id TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (period_end > period_start),
					UNIQUE (user_id, period_start),
					EXCLUDE USING gist (
						user_id WITH =,
						tstzrange(period_start, period_end, '[)') WITH &&
					)
				);

				CREATE INDEX idx_usage_periods_unreconciled ON usage_periods(period_end, user_id) WHERE reconciled_at IS NULL;
				CREATE INDEX idx_usage_periods_user_start ON usage_periods(user_id, period_start DESC);
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions and webhook_events tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					customer_id TEXT NOT NULL,
					price_id TEXT NOT NULL DEFAULT '',
					status VARCHAR(32) NOT NULL,
					start_date TIMESTAMPTZ NOT NULL,
					end_date TIMESTAMPTZ,
					current_period_start TIMESTAMPTZ,
					current_period_end TIMESTAMPTZ,
					last_event_at TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_subscriptions_user_id ON subscriptions(user_id);
				CREATE INDEX idx_subscriptions_customer_id ON subscriptions(customer_id);

				CREATE TABLE IF NOT EXISTS webhook_events (
					id TEXT PRIMARY KEY,
					type VARCHAR(128) NOT NULL,
					received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_webhook_events_received_at ON webhook_events(received_at);
			`,
		},
		{
			Version:     3,
			Description: "Create products and prices mirror tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS products (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS prices (
					id TEXT PRIMARY KEY,
					product_id TEXT NOT NULL,
					unit_amount BIGINT NOT NULL DEFAULT 0,
					currency VARCHAR(3) NOT NULL,
					interval VARCHAR(16) NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					included_tokens BIGINT CHECK (included_tokens >= 0),
					synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_prices_product_id ON prices(product_id);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in billing_migrations.
// Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Running migration")

		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
		migration.Version, migration.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}
	return nil
}
