package engine

import (
	"context"
	"time"
)

// EventType identifies a run lifecycle event.
type EventType string

const (
	// EventTypeRunStarted is published once when a run begins
	EventTypeRunStarted EventType = "run.started"

	// EventTypeRunCompleted is published when a run finished and met its
	// success criteria
	EventTypeRunCompleted EventType = "run.completed"

	// EventTypeRunFailed is published when a run finished without meeting
	// its success criteria
	EventTypeRunFailed EventType = "run.failed"

	// EventTypeStepStarted is published before each step attempt
	EventTypeStepStarted EventType = "step.started"

	// EventTypeStepCompleted is published when a step attempt succeeds
	EventTypeStepCompleted EventType = "step.completed"

	// EventTypeStepRetried is published when a failed attempt has retries
	// remaining
	EventTypeStepRetried EventType = "step.retried"

	// EventTypeStepFailed is published when a step fails terminally
	EventTypeStepFailed EventType = "step.failed"

	// EventTypeRollbackStarted is published before completed steps are
	// unwound
	EventTypeRollbackStarted EventType = "rollback.started"

	// EventTypeRollbackFinished is published after the unwind, successful
	// or not
	EventTypeRollbackFinished EventType = "rollback.finished"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event is a single run lifecycle occurrence.
type Event struct {
	// ID uniquely identifies the event
	ID string `json:"id"`

	// Type is the lifecycle event type
	Type EventType `json:"type"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// RunID is the execution this event belongs to
	RunID string `json:"run_id"`

	// Playbook is the playbook name, set on run-level events
	Playbook string `json:"playbook,omitempty"`

	// Stage is the stage name, set on step-level events
	Stage string `json:"stage,omitempty"`

	// Target is the step target, set on step-level events
	Target string `json:"target,omitempty"`

	// Attempt is the attempt number, set on step-level events
	Attempt int `json:"attempt,omitempty"`

	// Message is the human-readable description
	Message string `json:"message"`

	// Level is the event severity (info, warning, error)
	Level string `json:"level"`

	// Data holds optional structured payload
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventPublisher receives run lifecycle events from the scheduler. Publish is
// called synchronously on the run path and must return quickly; publishers
// that fan out or block buffer internally.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// EventPublisherFunc adapts a function to the EventPublisher interface.
type EventPublisherFunc func(ctx context.Context, event *Event) error

// Publish calls f(ctx, event).
func (f EventPublisherFunc) Publish(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
