// Package telemetry provides the observability stack for appstage.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event fan-out behind one
// Telemetry value that plugs into the upgrade engine.
//
// # Usage
//
// Build telemetry from configuration and hand it to the engine:
//
//	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	up := engine.NewUpgrader(store, res, upCfg, tel.EngineOptions()...)
//
// EngineOptions wires the engine logger, a Metrics value implementing
// engine.MetricsRecorder, and an EventPublisher implementing
// engine.EventPublisher.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithAttemptID(id).WithResourceID("intake-suite")
//	logger.Info("Resource staged")
//
// Log levels: trace, debug, info, warn, error, fatal. Logs go to stderr by
// default so command output on stdout stays machine readable.
//
// # Distributed Tracing
//
// NewTracer installs the global tracer provider, so the spans the engine
// and resolver start with otel.Tracer are exported too:
//
//	ctx, span := tel.Tracer.StartAttemptSpan(ctx, attemptID, "upgrade")
//	defer span.End()
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// CLI commands run inside an Operation, which adds the trace and span ids
// to the logger carried by op.Ctx:
//
//	op := telemetry.StartOperation(tel.WithContext(ctx), "upgrade")
//	defer func() { op.End(err) }()
//
// # Metrics
//
// Metrics are registered in a private registry under the "appstage"
// namespace:
//
//	appstage_attempts_started_total{mode}
//	appstage_attempts_completed_total{mode,outcome}
//	appstage_attempt_duration_seconds{mode,outcome}
//	appstage_resolutions_total{kind}
//	appstage_reuses_total{source}
//	appstage_commits_total{status}
//	appstage_recoveries_total{action}
//	appstage_table_records{table,status}
//	appstage_errors_by_class_total{class}
//	appstage_errors_by_code_total{code}
//
// # Events
//
// Engine events are journaled to the table store by the engine itself. The
// EventPublisher additionally fans them out to in-process subscribers:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Type, ev.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// LogSubscriber writes events to a Logger at their own level; the CLI
// subscribes one under the "events" component.
//
// In async mode events are buffered and delivered in batches; a full buffer
// drops the event and returns an error, which the engine only logs.
//
// # Graceful Shutdown
//
// Shutdown delivers buffered events, stops the metrics server, and flushes
// pending spans.
package telemetry
