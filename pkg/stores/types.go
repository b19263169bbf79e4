package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers match it with errors.Is.
var ErrNotFound = errors.New("record not found")

// RunStatus is the lifecycle state of a run. Pending and running are live;
// the rest are terminal.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"

	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRecord is the persisted form of one playbook run
type RunRecord struct {
	ID                string     `json:"id"`
	Playbook          string     `json:"playbook"`
	PlaybookPath      string     `json:"playbook_path"`
	Status            RunStatus  `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Error             *string    `json:"error,omitempty"`
	Variables         string     `json:"variables"` // JSON blob
	Halted            bool       `json:"halted"`
	RollbackPerformed bool       `json:"rollback_performed"`
	TotalSteps        int        `json:"total_steps"`
	SucceededSteps    int        `json:"succeeded_steps"`
	FailedSteps       int        `json:"failed_steps"`
	RetriedSteps      int        `json:"retried_steps"`
	SkippedSteps      int        `json:"skipped_steps"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RunCompletion carries the terminal state written when a run finishes
type RunCompletion struct {
	Status            RunStatus `json:"status"`
	Error             *string   `json:"error,omitempty"`
	Halted            bool      `json:"halted"`
	RollbackPerformed bool      `json:"rollback_performed"`
	TotalSteps        int       `json:"total_steps"`
	SucceededSteps    int       `json:"succeeded_steps"`
	FailedSteps       int       `json:"failed_steps"`
	RetriedSteps      int       `json:"retried_steps"`
	SkippedSteps      int       `json:"skipped_steps"`
}

// StepRecord is the persisted form of one step result within a run
type StepRecord struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	StepTarget    string    `json:"step_target"`
	Stage         string    `json:"stage"`
	AttemptNumber int       `json:"attempt_number"`
	Succeeded     bool      `json:"succeeded"`
	Output        string    `json:"output"`
	Data          *string   `json:"data,omitempty"` // JSON blob
	Error         *string   `json:"error,omitempty"`
	ErrorCode     *string   `json:"error_code,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventRecord is an append-only log entry tied to a run
type EventRecord struct {
	ID         int64     `json:"id"`
	RunID      *string   `json:"run_id,omitempty"`
	StepTarget *string   `json:"step_target,omitempty"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	Details    *string   `json:"details,omitempty"` // JSON blob
	Timestamp  time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns results
type RunFilter struct {
	// Playbook restricts to runs of one playbook when non-empty.
	Playbook string

	// Status restricts to one run status when non-empty.
	Status RunStatus
}

// Store is what the engine and CLI program against. *SQLiteStore is the
// only implementation; lookups report missing records as ErrNotFound.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error

	CreateRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error
	FinishRun(ctx context.Context, id string, completion RunCompletion) error
	ListRuns(ctx context.Context, filter RunFilter, limit, offset int) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	SaveStepResult(ctx context.Context, record *StepRecord) error
	ListStepResults(ctx context.Context, runID string) ([]*StepRecord, error)

	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, runID *string, limit, offset int) ([]*EventRecord, error)

	// Multi-statement writes share one transaction through these.
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error
}
