// Package telemetry instruments TaskForge runs with structured logs,
// OpenTelemetry traces, Prometheus metrics, and lifecycle events, all owned
// by a single Telemetry value.
//
// Construct one at startup and shut it down before exit:
//
//	tel, err := telemetry.NewTelemetry(telemetry.ProductionConfig())
//	if err != nil {
//		return err
//	}
//	defer func() {
//		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//		defer cancel()
//		if err := tel.Shutdown(ctx); err != nil {
//			log.Printf("telemetry shutdown: %v", err)
//		}
//	}()
//
//	ctx = tel.WithContext(ctx)
//
// Shutdown drains buffered events, pushes the final metric state to the
// remote write endpoint when one is configured, and flushes the span
// exporter, so nothing recorded during a run is lost.
//
// # Logging
//
// Logger hands out component loggers that carry run identity through every
// line they emit:
//
//	log := tel.Logger.NewComponentLogger("scheduler").
//		WithRunID(runID).
//		WithPlaybook("deploy-web")
//	log.Info("Run admitted")
//	log.WithError(err).Error("Run failed")
//
// Formats are "json" for machines and "console" for people; levels follow
// zerolog, trace through fatal.
//
// # Tracing
//
// Tracer wraps an OpenTelemetry tracer configured from TracingConfig. The
// exporter is chosen by name: "otlp" ships spans over OTLP/gRPC, "stdout"
// prints them during development, and "none" keeps span generation without
// exporting, which suits tests.
//
//	ctx, span := tel.Tracer.Start(ctx, "playbook.load")
//	defer span.End()
//	span.SetAttributes(attribute.String("playbook.path", path))
//	if err != nil {
//		telemetry.RecordError(span, err)
//	}
//
// Rather than hand-rolling spans at every call site, the helpers in
// context.go cover the common shapes:
//
//	ic := telemetry.StartOperation(ctx, "playbook.load",
//		attribute.String("playbook.path", path))
//	defer ic.End(err)
//
//	ctx = telemetry.WithRunContext(ctx, runID, playbook)
//	defer telemetry.EndRunContext(ctx, status, err)
//
//	handler = telemetry.InstrumentHandler(tel, handler)
//
// InstrumentHandler nests a span under the run's for each step attempt,
// recording target, stage, and attempt number.
//
// # Metrics
//
// Metrics registers Prometheus collectors covering runs, steps, retries,
// rollbacks, policy violations, and classified errors:
//
//	taskforge_runs_started_total{playbook}
//	taskforge_runs_completed_total{status}
//	taskforge_run_duration_seconds{status}
//	taskforge_steps_executed_total{target,status}
//	taskforge_step_duration_seconds{target,stage}
//	taskforge_step_retries_total{target}
//	taskforge_step_timeouts_total{target}
//	taskforge_rollbacks_total{result}
//	taskforge_rollback_steps_total{status}
//	taskforge_policy_violations_total{policy,severity}
//	taskforge_errors_by_class_total{class}
//	taskforge_errors_by_code_total{code}
//	taskforge_active_runs
//
// Record incrementally during a run, or fold a finished run's result in one
// call:
//
//	tel.Metrics.RecordStepExecution("db.migrate", "deploy", "succeeded", d)
//	tel.Metrics.ObserveRun(result)
//
// StartMetricsServer serves the registry at MetricsConfig.Path (default
// /metrics) on MetricsConfig.ListenAddress. A short-lived CLI process is
// gone before any scraper comes around, so RemoteWrite can push the same
// registry to a Prometheus-compatible write endpoint instead: Push sends
// one snapshot, StartRemoteWrite pushes on an interval and once more at
// shutdown.
//
// # Events
//
// EventPublisher implements engine.EventPublisher, fanning run, step, and
// rollback lifecycle events out to subscribers, either inline or through a
// buffered queue when EventsConfig.EnableAsync is set:
//
//	sched := engine.NewScheduler(table, engine.WithEvents(tel.Events))
//
//	tel.Events.Subscribe(func(event engine.Event) {
//		fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// FilterByLevel, FilterByType, FilterByRunID, and FilterByStage build
// filters that apply per subscriber, or globally via AddFilter. Events
// without a scheduler counterpart have explicit publishers,
// PublishPolicyViolation and PublishScheduleTriggered.
//
// Step parameters may hold credentials, so event payloads carry names,
// targets, and statuses only, never parameter values.
//
// # Configuration
//
// DefaultConfig enables the full stack with development-friendly choices:
// console logs, stdout traces at full sampling, metrics on :9090, async
// events, remote write off. DevelopmentConfig additionally drops the log
// level to debug. ProductionConfig switches to sampled JSON logs and OTLP
// export at 10% with TLS. All three return a *Config to adjust before
// NewTelemetry:
//
//	cfg := telemetry.ProductionConfig()
//	cfg.ServiceVersion = version
//	cfg.Tracing.Endpoint = "otel-collector:4317"
//	cfg.RemoteWrite.Enabled = true
//	cfg.RemoteWrite.URL = "http://prometheus:9090/api/v1/write"
//
// Validate reports the first contradictory setting, such as remote write
// enabled without a URL.
package telemetry
