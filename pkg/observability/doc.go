// Package observability provides structured logging, Prometheus metrics, health probes
// and OpenTelemetry tracing for the billing services.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", userID).Info("usage recorded")
//
// Cycle runs carry their run ID through the context:
//
//	ctx = observability.WithRunID(ctx, runID)
//	observability.FromContext(ctx).Info("reconciling")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveOutcome("charged", 350)
//
// All recording helpers on *Metrics are nil-safe so components can run without a registry.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	status := checker.Check(ctx)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{...}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// Spans are started through Tracer(), which falls back to the global no-op provider when
// OpenTelemetry is disabled.
package observability
