// Package processor talks to the external payment processor (Stripe).
//
// The reconciler only depends on the Client interface; StripeClient is the production
// implementation over the Stripe REST API. Every mutating call carries an idempotency
// key so a retried request is answered with the original result instead of creating a
// second charge.
//
// Failures are reported as *ProcessorError with a Kind that separates transport
// problems (network, timeout, unavailable) from rejected requests (auth, business).
package processor
