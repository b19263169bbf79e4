package policy

import (
	"time"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Severity grades a violation. Error and critical block admission; info
// and warning are advisory.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Policy is one named Rego rule set together with its metadata. The JSON
// form is what .json policy files and bundles contain.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Violation is a single deny finding. Step and Stage locate the finding
// inside the playbook when the rule names them.
type Violation struct {
	Policy      string    `json:"policy"`
	Step        string    `json:"step,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Remediation string    `json:"remediation,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating every enabled policy against one
// playbook. Allowed is false when any violation reaches error severity;
// Warnings records policies that failed to evaluate at all.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document handed to Rego evaluation as input.
type Input struct {
	Playbook *engine.PlaybookDefinition `json:"playbook,omitempty"`
	Context  *Context                   `json:"context"`
}

// Context carries the circumstances of an evaluation, visible to rules
// as input.context.
type Context struct {
	User        string                 `json:"user,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Operation   string                 `json:"operation,omitempty"` // "admit", "validate"
	DryRun      bool                   `json:"dry_run"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Bundle is a versioned set of policies loaded as a unit.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
