package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Telemetry bundles the observability components behind one handle:
// structured logging, tracing, Prometheus metrics, lifecycle events, and
// remote write.
type Telemetry struct {
	Logger      *Logger
	Tracer      *Tracer
	Metrics     *Metrics
	Events      *EventPublisher
	RemoteWrite *RemoteWriter
	Config      *Config
}

// telemetryContextKey carries the Telemetry handle through a context.
type telemetryContextKey struct{}

// NewTelemetry validates the configuration and brings up each component.
// A component that fails to initialize aborts construction; nothing
// started so far needs tearing down because the components only acquire
// resources lazily.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}

	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	if t.RemoteWrite, err = NewRemoteWriter(cfg.RemoteWrite, t.Metrics.Gatherer()); err != nil {
		return nil, err
	}

	return t, nil
}

// WithContext stores the telemetry handle and its logger in the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the Telemetry handle stored in the
// context, or nil when the context carries none.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains and stops the components in reverse initialization
// order: the event queue first so queued lifecycle events are delivered,
// then a final remote write push, then the tracer. An unreachable push
// endpoint must not keep the tracer from flushing, so the push error is
// held and returned last.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	var pushErr error
	if t.RemoteWrite != nil {
		pushErr = t.RemoteWrite.Push(ctx)
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// The metrics listener stays up: scrapers may collect right until
	// process exit.

	return pushErr
}

// StartMetricsServer starts the metrics HTTP listener if metrics are
// enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// StartRemoteWrite starts the periodic remote write loop if it is
// enabled. The loop stops, after a final push, when ctx is cancelled.
func (t *Telemetry) StartRemoteWrite(ctx context.Context) {
	if t.RemoteWrite == nil {
		return
	}
	go t.RemoteWrite.Run(ctx)
}

// InstrumentedContext is the working state of one traced operation: the
// span-bearing context, the span itself, a logger annotated with the
// operation and trace IDs, and a timer started at StartOperation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span for a named operation and returns it
// bundled with an annotated logger and a running timer. Without a
// Telemetry handle in ctx the operation still gets a logger and timer,
// just no span.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the operation's span, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// runSpanKey carries the run span through a context.
type runSpanKey struct{}

// runTimerKey carries the run timer through a context.
type runTimerKey struct{}

// WithRunContext enriches ctx with run-scoped telemetry: the run span, a
// logger annotated with the run ID and playbook, and the run-started
// metric. Lifecycle events are not published here; the scheduler emits
// them itself.
func WithRunContext(ctx context.Context, runID, playbook string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, playbook)

	logger := tel.Logger.WithRunID(runID).WithPlaybook(playbook)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(playbook)

	spanCtx = context.WithValue(spanCtx, runSpanKey{}, span)
	return context.WithValue(spanCtx, runTimerKey{}, NewTimer())
}

// EndRunContext closes the run opened by WithRunContext, stamping the
// final status on the span and recording the run duration.
func EndRunContext(ctx context.Context, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(attrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	if timer, ok := ctx.Value(runTimerKey{}).(*Timer); ok {
		tel.Metrics.RecordRunCompleted(status, timer.Duration())
	}
}

// InstrumentHandler wraps a step handler with tracing and logging. Each
// attempt gets its own span as a child of whatever span is in the
// invocation context. Metrics stay with ObserveRun so attempts are never
// double counted.
func InstrumentHandler(t *Telemetry, handler engine.StepHandler) engine.StepHandler {
	return engine.StepHandlerFunc(func(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
		spanCtx, span := t.Tracer.StartStepSpan(ctx, inv.Target, inv.Stage, inv.AttemptNumber)
		defer span.End()

		logger := t.Logger.WithTarget(inv.Target).WithStage(inv.Stage)
		spanCtx = logger.WithContext(spanCtx)

		out, err := handler.Execute(spanCtx, inv)
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		return out, err
	})
}
