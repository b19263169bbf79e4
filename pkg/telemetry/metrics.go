package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Metrics is the Prometheus instrument set. A disabled instance carries
// nil instruments and every Record method becomes a no-op, so callers
// never branch on whether metrics are on.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	stepTimeouts  *prometheus.CounterVec

	rollbacks     *prometheus.CounterVec
	rollbackSteps *prometheus.CounterVec

	policyViolations *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	activeRuns prometheus.Gauge
}

// NewMetrics builds the instrument set on a fresh registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   counter("runs_started_total", "Runs started, by playbook", "playbook"),
		runsCompleted: counter("runs_completed_total", "Runs finished, by final status", "status"),
		runDuration:   histogram("run_duration_seconds", "Wall-clock run duration", "status"),

		stepsExecuted: counter("steps_executed_total", "Step outcomes, by target and status", "target", "status"),
		stepDuration:  histogram("step_duration_seconds", "Wall-clock step duration", "target", "stage"),
		stepRetries:   counter("step_retries_total", "Step attempts that failed and were retried", "target"),
		stepTimeouts:  counter("step_timeouts_total", "Step attempts that hit their timeout", "target"),

		rollbacks:     counter("rollbacks_total", "Rollbacks performed, by result", "result"),
		rollbackSteps: counter("rollback_steps_total", "Steps processed during rollbacks", "status"),

		policyViolations: counter("policy_violations_total", "Policy violations detected", "policy", "severity"),

		errorsByClass: counter("errors_by_class_total", "Errors, by retry class", "class"),
		errorsByCode:  counter("errors_by_code_total", "Errors, by error code", "code"),

		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing",
		}),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.stepTimeouts,
		m.rollbacks,
		m.rollbackSteps,
		m.policyViolations,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
	)

	return m, nil
}

// RecordRunStarted counts a run start and raises the active gauge.
func (m *Metrics) RecordRunStarted(playbook string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(playbook).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a finished run, observes its duration, and
// lowers the active gauge.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepExecution records the final outcome of a step.
func (m *Metrics) RecordStepExecution(target, stage, status string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(target, status).Inc()
	m.stepDuration.WithLabelValues(target, stage).Observe(duration.Seconds())
}

// RecordStepRetry records a failed attempt that was retried.
func (m *Metrics) RecordStepRetry(target string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(target).Inc()
}

// RecordStepTimeout records an attempt that hit its timeout.
func (m *Metrics) RecordStepTimeout(target string) {
	if m.stepTimeouts == nil {
		return
	}
	m.stepTimeouts.WithLabelValues(target).Inc()
}

// RecordRollback records a rollback and the number of steps it undid or
// failed to undo.
func (m *Metrics) RecordRollback(succeeded bool, undone, failed int) {
	if m.rollbacks == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.rollbacks.WithLabelValues(result).Inc()
	m.rollbackSteps.WithLabelValues("undone").Add(float64(undone))
	m.rollbackSteps.WithLabelValues("failed").Add(float64(failed))
}

// RecordPolicyViolation records a policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordError counts an error by retry class and, when one is set, by
// error code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode == "" {
		return
	}
	m.errorsByCode.WithLabelValues(errorCode).Inc()
}

// ObserveRun records every metric a finished run yields: run completion,
// per-step outcomes, retries, timeouts, and rollback counts. RecordRunStarted
// must have been called when the run began so the active gauge balances.
func (m *Metrics) ObserveRun(result *engine.OrchestrationResult) {
	if m.registry == nil || result == nil {
		return
	}

	status := "failed"
	if result.OverallSuccess {
		status = "succeeded"
	}
	m.RecordRunCompleted(status, result.Duration())

	for _, step := range result.CompletedSteps {
		m.observeStep(step, "succeeded")
	}
	for _, step := range result.FailedSteps {
		m.observeStep(step, "failed")
	}

	if result.Rollback != nil {
		m.RecordRollback(result.Rollback.Success,
			len(result.Rollback.RolledBack), len(result.Rollback.Errors))
	}
}

func (m *Metrics) observeStep(step engine.StepResult, status string) {
	m.RecordStepExecution(step.StepTarget, step.Stage, status, step.Duration())

	// Every history entry is an attempt that failed and was retried.
	for _, attempt := range step.History {
		m.RecordStepRetry(step.StepTarget)
		if attempt.ErrorCode == engine.ErrCodeStepTimeout {
			m.RecordStepTimeout(step.StepTarget)
		}
	}
	if status == "failed" && step.ErrorCode == engine.ErrCodeStepTimeout {
		m.RecordStepTimeout(step.StepTarget)
	}
}

// Timer measures elapsed time from its construction.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration reports the time elapsed since NewTimer.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Gatherer returns the underlying registry for exporters that gather the
// current state, such as the remote writer. It is nil when metrics are
// disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	opts := promhttp.HandlerOpts{EnableOpenMetrics: true}
	return promhttp.HandlerFor(m.registry, opts)
}

// StartMetricsServer exposes the metrics endpoint on the configured
// address. The listener runs in the background; a failed listen is
// logged, not fatal.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics listener failed")
		}
	}()

	return nil
}
