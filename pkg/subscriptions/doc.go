// Package subscriptions keeps the local record of users' processor subscriptions.
//
// The processor is the source of truth. Webhook deliveries are verified by the Ingestor,
// deduplicated by event ID and upserted by subscription ID; an event older than the one
// already applied is recorded but does not overwrite newer state. The Registry is the
// read side used during reconciliation.
package subscriptions
