// Package usage tracks per-user token consumption in billing periods.
//
// A Period covers the half-open window [PeriodStart, PeriodEnd). For a given user at
// most one period covers any instant; the PostgreSQL schema enforces this with an
// exclusion constraint and the Accumulator relies on it when two writers race to
// create the first period of a user.
//
// Recording usage is a single atomic increment:
//
//	acc := usage.NewAccumulator(store, logger)
//	err := acc.RecordUsage(ctx, "user-1", 333)
//
// Once a billing cycle closes a period it is never incremented again. Reconciliation
// only marks it (invoice item reference, reconciled timestamp) and history is retained.
package usage
