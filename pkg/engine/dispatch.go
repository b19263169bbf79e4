package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StepHandler executes one attempt of a step. Handlers are plain
// success/failure functions: retry, timeout, and backoff policy live in the
// scheduler, never in the handler. A handler must be safe for concurrent
// invocation across different steps and must honor ctx cancellation.
type StepHandler interface {
	Execute(ctx context.Context, inv StepInvocation) (*StepOutput, error)
}

// StepHandlerFunc adapts a function to the StepHandler interface.
type StepHandlerFunc func(ctx context.Context, inv StepInvocation) (*StepOutput, error)

// Execute implements StepHandler.
func (f StepHandlerFunc) Execute(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
	return f(ctx, inv)
}

// UndoFunc reverses a previously completed step. It receives the recorded
// result of the step being undone. Undo failures are reported by the rollback
// coordinator but never escalate into the run result.
type UndoFunc func(ctx context.Context, result StepResult) error

// HandlerRegistry maps step targets to their handlers and optional undo
// functions. Like the module registry it is explicit and caller-owned.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
	undos    map[string]UndoFunc
}

// NewHandlerRegistry returns an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]StepHandler),
		undos:    make(map[string]UndoFunc),
	}
}

// Register installs a handler for a target. Duplicate targets conflict.
func (r *HandlerRegistry) Register(target string, handler StepHandler) error {
	if target == "" {
		return NewPermanentError("handler target is required", nil).
			WithCode(ErrCodeValidation)
	}
	if handler == nil {
		return NewPermanentError(fmt.Sprintf("handler for %s is nil", target), nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[target]; exists {
		return NewConflictError(fmt.Sprintf("handler %s already registered", target), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.handlers[target] = handler
	return nil
}

// RegisterWithUndo installs a handler together with its undo function.
func (r *HandlerRegistry) RegisterWithUndo(target string, handler StepHandler, undo UndoFunc) error {
	if err := r.Register(target, handler); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.undos[target] = undo
	return nil
}

// MustRegister panics if registration fails.
func (r *HandlerRegistry) MustRegister(target string, handler StepHandler) {
	if err := r.Register(target, handler); err != nil {
		panic(err)
	}
}

// Targets returns the registered targets sorted.
func (r *HandlerRegistry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for target := range r.handlers {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// DispatchTable is the frozen target->handler mapping for one playbook run.
// It is built once at playbook-load time so that an unknown target is a load
// error, not a runtime lookup failure.
type DispatchTable struct {
	handlers map[string]StepHandler
	undos    map[string]UndoFunc
}

// BuildDispatchTable resolves every step target in the playbook against the
// registry. All unknown targets are reported together in one validation
// error.
func BuildDispatchTable(reg *HandlerRegistry, playbook *PlaybookDefinition) (*DispatchTable, error) {
	table := &DispatchTable{
		handlers: make(map[string]StepHandler),
		undos:    make(map[string]UndoFunc),
	}

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var unknown []string
	for _, stage := range playbook.Stages {
		for _, step := range stage.Steps {
			if _, done := table.handlers[step.Target]; done {
				continue
			}
			handler, ok := reg.handlers[step.Target]
			if !ok {
				if !contains(unknown, step.Target) {
					unknown = append(unknown, step.Target)
				}
				continue
			}
			table.handlers[step.Target] = handler
			if undo, ok := reg.undos[step.Target]; ok && undo != nil {
				table.undos[step.Target] = undo
			}
		}
	}

	if len(unknown) > 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("playbook %s references unknown targets: %s",
				playbook.Name, strings.Join(unknown, ", ")),
			nil,
		).WithCode(ErrCodeUnknownTarget).WithDetail("targets", unknown)
	}

	return table, nil
}

// Handler returns the handler for target. The target is guaranteed present
// for any step of the playbook the table was built from.
func (t *DispatchTable) Handler(target string) (StepHandler, bool) {
	h, ok := t.handlers[target]
	return h, ok
}

// Undo returns a rollback callback that dispatches to the per-target undo
// functions in the table. Steps whose target has no undo are skipped with a
// nil error, so a partially undoable playbook still unwinds what it can.
func (t *DispatchTable) Undo() UndoFunc {
	return func(ctx context.Context, result StepResult) error {
		undo, ok := t.undos[result.StepTarget]
		if !ok || undo == nil {
			return nil
		}
		return undo(ctx, result)
	}
}
