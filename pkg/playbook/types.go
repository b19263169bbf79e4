package playbook

import (
	"fmt"
	"time"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Document is a parsed playbook file before conversion into engine types.
// Documents come from CUE or YAML sources and carry whatever the author
// wrote; Compile turns a valid document into runnable definitions.
type Document struct {
	// Name is the playbook name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description is free-form text shown in listings.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Variables are playbook-level variables available to every step.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`

	// VariablesScript is an optional Starlark script whose globals are merged
	// over Variables before the run.
	VariablesScript string `json:"variables_script,omitempty" yaml:"variables_script,omitempty"`

	// Modules declares the automation modules this playbook loads.
	Modules []ModuleConfig `json:"modules,omitempty" yaml:"modules,omitempty" validate:"dive"`

	// Stages are the ordered phases of the run.
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty" validate:"dive"`

	// Criteria configures how a run with partial failures is judged.
	Criteria *CriteriaConfig `json:"criteria,omitempty" yaml:"criteria,omitempty"`

	// MaxConcurrency bounds grouped batches. Zero means the engine default.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty" validate:"gte=0"`

	// ContinueOnError makes every step failure tolerated.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	// Rollback enables unwinding completed steps when the run halts.
	Rollback bool `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// ModuleConfig declares one automation module and its dependencies.
type ModuleConfig struct {
	// Name is the module name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is informational.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Requires lists module names this module depends on.
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty"`

	// Required marks the module as mandatory for the catalogue.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
}

// StageConfig is one ordered phase of the playbook.
type StageConfig struct {
	// Name identifies the stage.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Steps run according to their grouping, in definition order. A stage
	// with no steps is valid and resolves immediately.
	Steps []StepConfig `json:"steps,omitempty" yaml:"steps,omitempty" validate:"dive"`
}

// StepConfig is one unit of work as written by the playbook author.
type StepConfig struct {
	// Target names the handler that executes this step.
	Target string `json:"target" yaml:"target" validate:"required"`

	// Parameters are handler-specific inputs.
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Timeout bounds a single attempt, in Go duration syntax ("30s", "5m").
	Timeout string `json:"timeout" yaml:"timeout" validate:"required"`

	// RetryCount is the number of additional attempts after a failure.
	RetryCount int `json:"retry_count,omitempty" yaml:"retry_count,omitempty" validate:"gte=0,lte=10"`

	// ContinueOnError tolerates a terminal failure of this step.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	// Group tags steps within a stage that may run concurrently.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
}

// CriteriaConfig is the authored form of engine.SuccessCriteria.
type CriteriaConfig struct {
	// RequireAllSuccess demands that every step succeeded.
	RequireAllSuccess bool `json:"require_all_success,omitempty" yaml:"require_all_success,omitempty"`

	// MinimumSuccessCount is the least number of succeeded steps, when set.
	MinimumSuccessCount *int `json:"minimum_success_count,omitempty" yaml:"minimum_success_count,omitempty" validate:"omitempty,gte=0"`

	// CriticalSteps lists targets that must not fail.
	CriticalSteps []string `json:"critical_steps,omitempty" yaml:"critical_steps,omitempty"`

	// AllowedFailures lists targets whose failures are tolerated.
	AllowedFailures []string `json:"allowed_failures,omitempty" yaml:"allowed_failures,omitempty"`
}

// ValidationError is a parse or validation problem with source location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g. "stages[0].steps[2]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (v ValidationError) Error() string {
	if v.File != "" && v.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", v.File, v.Line, v.Column, v.Message)
	}
	if v.Path != "" {
		return fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return v.Message
}

// Compile converts the document into an engine playbook definition, parsing
// step timeouts and carrying variables over. The document must already be
// validated.
func (d *Document) Compile() (*engine.PlaybookDefinition, error) {
	def := &engine.PlaybookDefinition{
		Name:      d.Name,
		Variables: d.Variables,
		Stages:    make([]engine.Stage, 0, len(d.Stages)),
	}

	for si, stage := range d.Stages {
		compiled := engine.Stage{
			Name:  stage.Name,
			Steps: make([]engine.StepDefinition, 0, len(stage.Steps)),
		}
		for pi, step := range stage.Steps {
			timeout, err := time.ParseDuration(step.Timeout)
			if err != nil {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("stages[%d].steps[%d]: invalid timeout %q", si, pi, step.Timeout),
					err,
				).WithCode(engine.ErrCodeValidation).WithStep(step.Target)
			}
			if timeout <= 0 {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("stages[%d].steps[%d]: timeout must be positive", si, pi),
					nil,
				).WithCode(engine.ErrCodeValidation).WithStep(step.Target)
			}
			compiled.Steps = append(compiled.Steps, engine.StepDefinition{
				Target:          step.Target,
				Parameters:      step.Parameters,
				Timeout:         timeout,
				RetryCount:      step.RetryCount,
				ContinueOnError: step.ContinueOnError,
				ParallelGroup:   step.Group,
			})
		}
		def.Stages = append(def.Stages, compiled)
	}

	return def, nil
}

// SuccessCriteria converts the authored criteria, or the zero value when the
// document declares none.
func (d *Document) SuccessCriteria() engine.SuccessCriteria {
	if d.Criteria == nil {
		return engine.SuccessCriteria{}
	}
	return engine.SuccessCriteria{
		RequireAllSuccess:   d.Criteria.RequireAllSuccess,
		MinimumSuccessCount: d.Criteria.MinimumSuccessCount,
		CriticalSteps:       d.Criteria.CriticalSteps,
		AllowedFailures:     d.Criteria.AllowedFailures,
	}
}

// ModuleDescriptors converts the declared modules for the resolver.
func (d *Document) ModuleDescriptors() []engine.ModuleDescriptor {
	out := make([]engine.ModuleDescriptor, 0, len(d.Modules))
	for _, m := range d.Modules {
		out = append(out, engine.ModuleDescriptor{
			Name:         m.Name,
			Version:      m.Version,
			Dependencies: m.Requires,
			Required:     m.Required,
		})
	}
	return out
}

// StepCount returns the total number of steps across all stages.
func (d *Document) StepCount() int {
	n := 0
	for _, stage := range d.Stages {
		n += len(stage.Steps)
	}
	return n
}
