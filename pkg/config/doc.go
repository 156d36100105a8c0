// Package config loads the billing service configuration from environment variables.
//
// Every setting has a default suitable for local development except the secrets, which
// Validate requires.
//
// Server settings:
//
//	INKWELL_HOST="0.0.0.0"
//	INKWELL_PORT="8080"
//
// Storage settings:
//
//	INKWELL_DATABASE_URL="postgres://localhost/inkwell?sslmode=disable"
//	INKWELL_DATABASE_MAX_CONNS="20"
//	INKWELL_REDIS_URL="redis://localhost:6379/0"
//
// Billing settings:
//
//	INKWELL_BILLING_SCHEDULE="0 0 1 * *"
//	INKWELL_BILLING_UNIT_PRICE_CENTS="1"
//	INKWELL_BILLING_CURRENCY="usd"
//	INKWELL_BILLING_WORKERS="4"
//	INKWELL_BILLING_PROCESSOR_TIMEOUT="15s"
//	INKWELL_BILLING_UNKNOWN_PLAN_POLICY="bill_all"  # or "skip"
//	INKWELL_PLANS_FILE="/etc/inkwell/plans.yaml"      # empty uses the synced price mirror
//
// Processor settings:
//
//	INKWELL_STRIPE_API_KEY="sk_live_..."
//	INKWELL_STRIPE_WEBHOOK_SECRET="whsec_..."
//	INKWELL_STRIPE_MAX_RETRIES="2"
//
// Cycle summary archive (optional):
//
//	INKWELL_ARCHIVE_S3_BUCKET="inkwell-billing-reports"
//	INKWELL_ARCHIVE_S3_REGION="us-east-1"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
