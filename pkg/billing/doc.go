// Package billing settles metered token overage with the payment processor.
//
// # Overview
//
// A Reconciler compares a user's closed usage periods against the allowance of their
// subscription's plan and, when the user went over, bills the overage as invoice items
// followed by a finalized invoice. A CycleRunner drives the Reconciler for every user
// once per billing cycle, and a Scheduler fires the CycleRunner on a cron schedule.
//
// # Outcomes
//
// Reconciling one user yields exactly one of:
//
//   - no_subscription: no active subscription, nothing is billed
//   - within_allowance: usage did not exceed the plan allowance
//   - charged: overage was billed; Result.AmountCents holds the amount
//   - charge_failed: the processor rejected or timed out; usage stays billable
//
// # Idempotency
//
// Invoice items are created with the key "overage-item:<user>:<period>" and the
// processor's item ID is stored on the period before the invoice is finalized, so a run
// that crashes midway can be repeated without billing twice.
//
// # Usage Example
//
//	reconciler := billing.NewReconciler(store, registry, plans, client, logger, billing.ReconcilerConfig{
//		UnitPriceCents:   1,
//		Currency:         "usd",
//		ProcessorTimeout: 15 * time.Second,
//	})
//	runner := billing.NewCycleRunner(store, reconciler, lock, logger, billing.CycleConfig{Workers: 4})
//
//	summary, err := runner.Run(ctx, time.Now().UTC())
//	if errors.Is(err, billing.ErrCycleInProgress) {
//		// another replica is running the cycle
//	}
//
// # Related Packages
//
//   - pkg/usage: Period storage and rollover
//   - pkg/subscriptions: Subscription registry fed by webhooks
//   - pkg/catalog: Plan allowances
//   - pkg/processor: Payment processor client
package billing
