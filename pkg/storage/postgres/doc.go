// Package postgres opens the billing service's PostgreSQL and Redis connections and
// owns the database schema.
//
// # Schema
//
// RunMigrations applies numbered migrations once each, tracking them in
// billing_migrations. usage_periods carries an exclusion constraint so a user can never
// have two periods covering the same instant:
//
//	EXCLUDE USING gist (user_id WITH =, tstzrange(period_start, period_end, '[)') WITH &&)
//
// # Usage Example
//
//	db, err := postgres.Open(cfg.Database)
//	if err != nil {
//		return err
//	}
//	if err := postgres.RunMigrations(ctx, db, logger); err != nil {
//		return err
//	}
//
//	rdb, err := postgres.NewRedisClient(cfg.Redis)
package postgres
