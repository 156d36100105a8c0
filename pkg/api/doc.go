// Package api provides the HTTP surface of the inkwell billing service.
//
// # Overview
//
// The server is built on gorilla/mux and exposes two groups of routes. The public
// group receives payment processor webhooks. The internal group is guarded by a
// shared secret in the X-Internal-API-Key header and is used by the blog platform
// to report usage and by operators to trigger reconciliation.
//
// # Routes
//
//	POST /billing/webhook                    Subscription lifecycle webhooks
//	POST /internal/usage                     Record consumed tokens
//	GET  /internal/users/{user_id}/usage     Current period and history
//	POST /internal/users/{user_id}/reconcile Reconcile one user now
//	POST /internal/billing/cycles            Start a billing cycle in the background (202)
//	GET  /healthz, /readyz                   Probes
//	GET  /metrics                            Prometheus exposition
//
// # Usage
//
//	server := api.NewServer(api.Dependencies{
//		Usage:      accumulator,
//		Reconciler: reconciler,
//		Cycles:     runner,
//		Webhooks:   ingestor,
//	}, api.Config{InternalAPIKey: cfg.InternalAPIKey}, logger)
//	http.ListenAndServe(":8080", server)
//
// A cycle started through the API runs on a context detached from the request, so
// the client disconnecting does not cancel it. Only one API-triggered cycle runs at
// a time per process; the cycle run lock covers the rest.
//
// # Related Packages
//
//   - pkg/httputil: Response helpers and middleware
//   - pkg/usage: Usage accumulation
//   - pkg/billing: Reconciliation and cycles
//   - pkg/subscriptions: Webhook ingestion
package api
