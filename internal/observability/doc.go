// Package observability provides logging, metrics, and tracing for the
// admission engine.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("decision",
//	    observability.String("key", key),
//	    observability.Bool("allowed", true),
//	)
//
// # Metrics
//
// Metrics owns a private Prometheus registry so that several engines can
// coexist in one process (and in tests):
//
//	metrics := observability.NewMetrics("avaguard")
//	handler := metrics.Handler()
//
// All Metrics methods are safe to call on a nil receiver.
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. A disabled tracer still
// returns usable no-op spans.
package observability
