package engine

import (
	"time"
)

// ModuleDescriptor describes a named module and the modules it depends on.
// Descriptors are immutable once loaded; the resolver consumes them read-only.
type ModuleDescriptor struct {
	// Name is the unique module name.
	Name string `json:"name"`

	// Version is the module version string, informational only.
	Version string `json:"version,omitempty"`

	// Dependencies lists the names of modules this module depends on.
	Dependencies []string `json:"dependencies,omitempty"`

	// Required marks modules that must be present for a catalogue to be usable.
	Required bool `json:"required,omitempty"`
}

// LoadOrderResult is the outcome of resolving a module dependency graph.
// It is always fully populated: cycles and missing dependencies are reported
// as data, never as errors, so callers decide how to react.
type LoadOrderResult struct {
	// Order is a valid topological ordering of the acyclic portion of the
	// graph. For every edge a->b (a depends on b), b appears before a.
	// Modules that participate in a cycle are excluded.
	Order []string `json:"order"`

	// Depth maps each module to the length of its longest dependency chain.
	// Modules with no dependencies have depth 0. Modules on a cycle are
	// reported with depth 0 and never contribute to a dependent's depth.
	Depth map[string]int `json:"depth"`

	// Cycles lists every distinct dependency cycle found, each as the module
	// names along the cycle in traversal order.
	Cycles [][]string `json:"cycles,omitempty"`

	// Missing maps a module name to the dependency names it declares that are
	// absent from the descriptor set. Distinct from cycles.
	Missing map[string][]string `json:"missing,omitempty"`
}

// StepDefinition describes a single unit of work inside a playbook stage.
// Definitions are immutable; they are supplied by the playbook author.
type StepDefinition struct {
	// Target identifies the handler that executes this step.
	Target string `json:"target"`

	// Parameters are handler-specific inputs.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Timeout bounds a single attempt. An attempt that does not return within
	// the timeout is failed with a timeout error and its call cancelled.
	Timeout time.Duration `json:"timeout"`

	// RetryCount is the number of additional attempts after a failure.
	RetryCount int `json:"retry_count,omitempty"`

	// ContinueOnError lets the run proceed past a terminal failure of this step.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// ParallelGroup tags steps within a stage that may run concurrently.
	// Steps without a group run one at a time.
	ParallelGroup string `json:"parallel_group,omitempty"`
}

// Stage is an ordered phase of a playbook. Stages run strictly in sequence.
type Stage struct {
	// Name identifies the stage.
	Name string `json:"name"`

	// Steps are executed according to their grouping, in definition order.
	Steps []StepDefinition `json:"steps"`
}

// PlaybookDefinition is a declarative multi-stage workflow.
type PlaybookDefinition struct {
	// Name identifies the playbook.
	Name string `json:"name"`

	// Variables are read-only for the duration of a run and passed to every
	// step invocation.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// Stages run strictly in order; a stage starts only after the previous
	// stage has fully resolved.
	Stages []Stage `json:"stages"`
}

// StepCount returns the total number of steps across all stages.
func (p *PlaybookDefinition) StepCount() int {
	n := 0
	for _, st := range p.Stages {
		n += len(st.Steps)
	}
	return n
}

// StepAttempt records one attempt of a step, superseded attempts included.
type StepAttempt struct {
	// AttemptNumber is 1-based.
	AttemptNumber int `json:"attempt_number"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the attempt returned or timed out.
	FinishedAt time.Time `json:"finished_at"`

	// Succeeded reports whether the attempt succeeded.
	Succeeded bool `json:"succeeded"`

	// Output is the handler output captured for the attempt.
	Output string `json:"output,omitempty"`

	// Error holds the failure detail when the attempt failed.
	Error string `json:"error,omitempty"`

	// ErrorCode carries the classified failure code, such as STEP_TIMEOUT.
	ErrorCode string `json:"error_code,omitempty"`
}

// StepResult is the outcome of the last attempt of a step. Earlier attempts
// are kept in History.
type StepResult struct {
	// StepTarget is the target identifier of the step.
	StepTarget string `json:"step_target"`

	// Stage names the stage the step ran in.
	Stage string `json:"stage,omitempty"`

	// AttemptNumber is the 1-based number of the final attempt.
	AttemptNumber int `json:"attempt_number"`

	// StartedAt is when the final attempt began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the final attempt ended.
	FinishedAt time.Time `json:"finished_at"`

	// Succeeded reports whether the final attempt succeeded.
	Succeeded bool `json:"succeeded"`

	// Output is the handler output of the final attempt.
	Output string `json:"output,omitempty"`

	// Data carries the handler's structured results from the final attempt.
	// Undo functions read it to find what the step changed.
	Data map[string]interface{} `json:"data,omitempty"`

	// Error holds the failure detail when the step terminally failed.
	Error string `json:"error,omitempty"`

	// ErrorCode carries the classified failure code, such as STEP_TIMEOUT.
	// Consumers distinguish timeouts from ordinary failures through it.
	ErrorCode string `json:"error_code,omitempty"`

	// History lists superseded attempts in order, excluding the final one.
	History []StepAttempt `json:"history,omitempty"`
}

// Duration returns the wall-clock duration of the final attempt.
func (r *StepResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary aggregates step counts for a finished run.
type RunSummary struct {
	// Total is the number of steps that produced a result.
	Total int `json:"total"`

	// Succeeded is the number of steps whose final attempt succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of steps that terminally failed.
	Failed int `json:"failed"`

	// Retried is the number of steps that needed more than one attempt.
	Retried int `json:"retried"`

	// Skipped is the number of steps never invoked because the run halted.
	Skipped int `json:"skipped"`
}

// RollbackError records a single failed undo during rollback.
type RollbackError struct {
	// Target is the step target whose undo failed.
	Target string `json:"target"`

	// Error is the undo failure detail.
	Error string `json:"error"`
}

// RollbackReport is the outcome of a best-effort unwind.
type RollbackReport struct {
	// Success is true only when every attempted undo succeeded.
	Success bool `json:"success"`

	// RolledBack lists the step targets undone, most recent first.
	RolledBack []string `json:"rolled_back,omitempty"`

	// Errors lists undo failures. Failures never escalate into the run result.
	Errors []RollbackError `json:"errors,omitempty"`
}

// OrchestrationResult is the full record of one playbook run. It is created
// when the run starts, populated as steps resolve, and finalized when the run
// ends. Partial progress is never discarded.
type OrchestrationResult struct {
	// ExecutionID uniquely identifies the run.
	ExecutionID string `json:"execution_id"`

	// Playbook is the name of the playbook that ran.
	Playbook string `json:"playbook"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the run ended, by completion or halt.
	FinishedAt time.Time `json:"finished_at"`

	// CompletedSteps holds the results of steps whose final attempt succeeded,
	// in completion order.
	CompletedSteps []StepResult `json:"completed_steps"`

	// FailedSteps holds the results of steps that terminally failed.
	FailedSteps []StepResult `json:"failed_steps"`

	// OverallSuccess is the verdict of the success criteria over all results.
	OverallSuccess bool `json:"overall_success"`

	// Halted is true when the run stopped before every defined step was
	// attempted, from a non-tolerated failure or cancellation.
	Halted bool `json:"halted,omitempty"`

	// RollbackPerformed is true when rollback was attempted and every undo
	// succeeded.
	RollbackPerformed bool `json:"rollback_performed"`

	// Rollback carries the unwind report when rollback was attempted.
	Rollback *RollbackReport `json:"rollback,omitempty"`

	// Summary aggregates the step counts.
	Summary RunSummary `json:"summary"`
}

// Results returns all recorded step results, completed then failed.
func (r *OrchestrationResult) Results() []StepResult {
	out := make([]StepResult, 0, len(r.CompletedSteps)+len(r.FailedSteps))
	out = append(out, r.CompletedSteps...)
	out = append(out, r.FailedSteps...)
	return out
}

// Duration returns the wall-clock duration of the run.
func (r *OrchestrationResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SuccessCriteria configures how a run with partial failures is judged.
// The zero value means success requires zero failures.
type SuccessCriteria struct {
	// RequireAllSuccess demands that every step succeeded. When set, the
	// remaining fields are ignored.
	RequireAllSuccess bool `json:"require_all_success,omitempty"`

	// MinimumSuccessCount, when set, is the least number of succeeded steps
	// for the run to count as successful.
	MinimumSuccessCount *int `json:"minimum_success_count,omitempty"`

	// CriticalSteps lists targets that must not fail.
	CriticalSteps []string `json:"critical_steps,omitempty"`

	// AllowedFailures lists targets whose failures are tolerated.
	AllowedFailures []string `json:"allowed_failures,omitempty"`
}

// StepInvocation is the input handed to a step handler for one attempt.
type StepInvocation struct {
	// Target is the step's target identifier.
	Target string `json:"target"`

	// Stage names the enclosing stage.
	Stage string `json:"stage"`

	// AttemptNumber is 1-based.
	AttemptNumber int `json:"attempt_number"`

	// Parameters are the step's parameters.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Variables are the run variables, read-only.
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// StepOutput is what a handler returns on success.
type StepOutput struct {
	// Output is free-form text describing what the handler did.
	Output string `json:"output,omitempty"`

	// Data carries structured handler results.
	Data map[string]interface{} `json:"data,omitempty"`
}
