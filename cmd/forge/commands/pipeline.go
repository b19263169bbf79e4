package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/playbook"
	"github.com/taskforge/taskforge/pkg/policy"
	"github.com/taskforge/taskforge/pkg/steps"
	"github.com/taskforge/taskforge/pkg/stores"
	"github.com/taskforge/taskforge/pkg/telemetry"
)

// cliVersion is set by Execute so telemetry reports the built version.
var cliVersion = "dev"

// execOptions carries everything executePlaybook needs beyond the document
// itself. The zero value runs with playbook defaults and no persistence.
type execOptions struct {
	variables       map[string]interface{}
	criteria        engine.SuccessCriteria
	maxConcurrency  int
	continueOnError bool
	rollback        bool
	skipPolicy      bool
	policyEngine    *policy.Engine
	store           stores.Store
	playbookPath    string
}

// executePlaybook runs the full pipeline for one loaded document: compile,
// module resolution, policy admission, dispatch table, scheduling, metrics,
// and optional persistence. The returned result is non-nil whenever the run
// started, even if the context was cancelled partway.
func executePlaybook(ctx context.Context, tel *telemetry.Telemetry, doc *playbook.Document, opts execOptions) (*engine.OrchestrationResult, error) {
	def, err := doc.Compile()
	if err != nil {
		return nil, err
	}

	if descriptors := doc.ModuleDescriptors(); len(descriptors) > 0 {
		res := engine.ResolveLoadOrder(descriptors)
		for _, cycle := range res.Cycles {
			tel.Metrics.RecordError("resolver", engine.ErrCodeCycleDetected)
			log.Error().Strs("cycle", cycle).Msg("Module dependency cycle detected")
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		log.Debug().Strs("order", res.Order).Msg("Module load order resolved")
	}

	if !opts.skipPolicy {
		policyEngine := opts.policyEngine
		if policyEngine == nil {
			policyEngine, err = newPolicyEngine(ctx)
			if err != nil {
				return nil, err
			}
		}
		if err := admitPlaybook(ctx, tel, policyEngine, def); err != nil {
			return nil, err
		}
	}

	registry := engine.NewHandlerRegistry()
	if err := steps.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	table, err := engine.BuildDispatchTable(registry, def)
	if err != nil {
		return nil, err
	}

	concurrency := opts.maxConcurrency
	if concurrency == 0 {
		concurrency = doc.MaxConcurrency
	}

	schedOpts := []engine.SchedulerOption{
		engine.WithMaxConcurrency(concurrency),
		engine.WithCriteria(opts.criteria),
		engine.WithEvents(tel.Events),
	}
	if opts.continueOnError || doc.ContinueOnError {
		schedOpts = append(schedOpts, engine.WithContinueOnError(true))
	}
	if opts.rollback || doc.Rollback {
		schedOpts = append(schedOpts, engine.WithRollback(table.Undo()))
	}

	scheduler := engine.NewScheduler(table, schedOpts...)

	tel.Metrics.RecordRunStarted(def.Name)
	result, runErr := scheduler.Execute(ctx, def, opts.variables)
	tel.Metrics.ObserveRun(result)

	if opts.store != nil && result != nil {
		if err := persistRun(ctx, opts.store, opts.playbookPath, opts.variables, result, runErr); err != nil {
			log.Error().Err(err).Str("run_id", result.ExecutionID).Msg("Failed to persist run")
		}
	}

	return result, runErr
}

// newPolicyEngine builds a policy engine with the builtin policies plus
// whatever --policy-dir provides.
func newPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	policyEngine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if policyDir != "" {
		if err := policyEngine.LoadPolicies(ctx, []string{policyDir}); err != nil {
			return nil, err
		}
	}
	return policyEngine, nil
}

// admitPlaybook evaluates the admission policies against the compiled
// playbook. Violations at error severity or above deny the run; warnings
// are logged and published but never block.
func admitPlaybook(ctx context.Context, tel *telemetry.Telemetry, policyEngine *policy.Engine, def *engine.PlaybookDefinition) error {
	result, err := policyEngine.EvaluatePlaybook(ctx, def, &policy.Context{
		Operation: "admit",
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	blocking := 0
	for _, v := range result.Violations {
		tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		if err := tel.Events.PublishPolicyViolation(ctx, def.Name, v.Policy, v.Step, v.Message); err != nil {
			log.Debug().Err(err).Msg("Policy violation event dropped")
		}

		entry := log.Warn()
		if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
			entry = log.Error()
			blocking++
		}
		entry.
			Str("policy", v.Policy).
			Str("step", v.Step).
			Str("severity", string(v.Severity)).
			Str("remediation", v.Remediation).
			Msg(v.Message)
	}
	for _, warning := range result.Warnings {
		log.Warn().Str("warning", warning).Msg("Policy evaluation problem")
	}

	if !result.Allowed {
		return fmt.Errorf("playbook %s denied by policy: %d blocking violation(s)", def.Name, blocking)
	}

	log.Debug().
		Int("policies", len(result.EvaluatedPolicies)).
		Dur("duration", result.Duration).
		Msg("Policy admission passed")
	return nil
}

// newTelemetryStack builds the telemetry stack for command invocations. The
// CLI keeps stdout for command output: logs go to stderr and traces stay off
// unless an OTLP endpoint is given. A push URL enables remote write, either
// one-shot on shutdown or periodic when an interval is set; short-lived runs
// still land in Prometheus that way. metricsListen overrides the default
// listener address for serve mode.
func newTelemetryStack(metricsListen, pushURL string, pushInterval time.Duration, traceEndpoint string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = cliVersion
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Exporter = "none"
	if traceEndpoint != "" {
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = traceEndpoint
	}
	if metricsListen != "" {
		cfg.Metrics.ListenAddress = metricsListen
	}
	if pushURL != "" {
		cfg.RemoteWrite.Enabled = true
		cfg.RemoteWrite.URL = pushURL
		if pushInterval > 0 {
			cfg.RemoteWrite.Interval = pushInterval
		}
		if hostname, err := os.Hostname(); err == nil {
			cfg.RemoteWrite.Instance = hostname
		}
	}
	return telemetry.NewTelemetry(cfg)
}

// shutdownTelemetry flushes and closes the telemetry stack with a bounded
// grace period.
func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown reported errors")
	}
}

// subscribeRunLog mirrors engine events into the structured log so progress
// is visible as the run executes.
func subscribeRunLog(tel *telemetry.Telemetry) {
	tel.Events.Subscribe(func(event engine.Event) {
		logger := log.With().
			Str("run_id", event.RunID).
			Str("playbook", event.Playbook).
			Logger()

		entry := logger.Info()
		switch event.Level {
		case engine.EventLevelWarning:
			entry = logger.Warn()
		case engine.EventLevelError:
			entry = logger.Error()
		}
		if event.Stage != "" {
			entry = entry.Str("stage", event.Stage)
		}
		if event.Target != "" {
			entry = entry.Str("target", event.Target)
		}
		if event.Attempt > 0 {
			entry = entry.Int("attempt", event.Attempt)
		}
		entry.Msg(event.Message)
	}, nil)
}

// subscribeStoreSink appends every engine event to the store's event log.
// Delivery may outlive the run context, so appends use a background context.
func subscribeStoreSink(tel *telemetry.Telemetry, store stores.Store) {
	tel.Events.Subscribe(func(event engine.Event) {
		record := &stores.EventRecord{
			Type:      string(event.Type),
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.RunID != "" {
			runID := event.RunID
			record.RunID = &runID
		}
		if event.Target != "" {
			target := event.Target
			record.StepTarget = &target
		}
		if len(event.Data) > 0 {
			if details, err := json.Marshal(event.Data); err == nil {
				s := string(details)
				record.Details = &s
			}
		}
		if err := store.AppendEvent(context.Background(), record); err != nil {
			log.Warn().Err(err).Msg("Failed to append event record")
		}
	}, nil)
}

// openStore opens the run history database at the --db path and brings the
// schema up to date.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return store, nil
}

// persistRun writes the run record and its step results. runErr distinguishes
// a cancelled run from an ordinary failure.
func persistRun(ctx context.Context, store stores.Store, playbookPath string, variables map[string]interface{}, result *engine.OrchestrationResult, runErr error) error {
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}

	status := stores.RunStatusSucceeded
	var errMsg *string
	switch {
	case runErr != nil:
		status = stores.RunStatusCancelled
		msg := runErr.Error()
		errMsg = &msg
	case !result.OverallSuccess:
		status = stores.RunStatusFailed
		msg := fmt.Sprintf("%d of %d steps failed", result.Summary.Failed, result.Summary.Total)
		errMsg = &msg
	}

	now := time.Now()
	finishedAt := result.FinishedAt
	record := &stores.RunRecord{
		ID:                result.ExecutionID,
		Playbook:          result.Playbook,
		PlaybookPath:      playbookPath,
		Status:            status,
		StartedAt:         result.StartedAt,
		FinishedAt:        &finishedAt,
		Error:             errMsg,
		Variables:         string(varsJSON),
		Halted:            result.Halted,
		RollbackPerformed: result.RollbackPerformed,
		TotalSteps:        result.Summary.Total + result.Summary.Skipped,
		SucceededSteps:    result.Summary.Succeeded,
		FailedSteps:       result.Summary.Failed,
		RetriedSteps:      result.Summary.Retried,
		SkippedSteps:      result.Summary.Skipped,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.CreateRun(ctx, record); err != nil {
		return err
	}

	for _, step := range result.Results() {
		if err := store.SaveStepResult(ctx, stepRecord(result.ExecutionID, step)); err != nil {
			return fmt.Errorf("saving step %s: %w", step.StepTarget, err)
		}
	}
	return nil
}

func stepRecord(runID string, step engine.StepResult) *stores.StepRecord {
	record := &stores.StepRecord{
		RunID:         runID,
		StepTarget:    step.StepTarget,
		Stage:         step.Stage,
		AttemptNumber: step.AttemptNumber,
		Succeeded:     step.Succeeded,
		Output:        step.Output,
		StartedAt:     step.StartedAt,
		FinishedAt:    step.FinishedAt,
	}
	if len(step.Data) > 0 {
		if data, err := json.Marshal(step.Data); err == nil {
			s := string(data)
			record.Data = &s
		}
	}
	if step.Error != "" {
		errStr := step.Error
		record.Error = &errStr
	}
	if step.ErrorCode != "" {
		code := step.ErrorCode
		record.ErrorCode = &code
	}
	return record
}

// parseVariables turns repeated --var key=value flags into a variable map.
// Values are kept as strings; playbooks needing typed values declare them in
// the manifest.
func parseVariables(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	variables := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		variables[key] = value
	}
	return variables, nil
}
