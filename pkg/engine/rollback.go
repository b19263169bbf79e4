package engine

import (
	"context"
	"sync"
)

// RollbackCoordinator tracks completed steps on an explicit stack so that an
// unwind happens in deterministic reverse chronological order, independent of
// how the steps were scheduled concurrently.
type RollbackCoordinator struct {
	mu    sync.Mutex
	undo  UndoFunc
	stack []StepResult
}

// NewRollbackCoordinator creates a coordinator that unwinds through undo.
func NewRollbackCoordinator(undo UndoFunc) *RollbackCoordinator {
	return &RollbackCoordinator{undo: undo}
}

// Push records a completed step as a rollback candidate. Steps are pushed in
// completion order; Unwind pops most recent first.
func (c *RollbackCoordinator) Push(result StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, result)
}

// Len returns the number of steps currently on the stack.
func (c *RollbackCoordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Unwind invokes the undo callback for every pushed step, most recently
// completed first. It is best-effort: an undo failure is recorded and the
// unwind continues, so one broken undo does not prevent unwinding the rest.
// The report's Success is true only when every undo call succeeded; it never
// feeds back into the run's overall verdict, which was decided before the
// unwind started.
func (c *RollbackCoordinator) Unwind(ctx context.Context) *RollbackReport {
	c.mu.Lock()
	stack := c.stack
	c.stack = nil
	c.mu.Unlock()

	report := &RollbackReport{Success: true}
	if c.undo == nil {
		report.Success = false
		return report
	}

	for i := len(stack) - 1; i >= 0; i-- {
		result := stack[i]
		if err := c.undo(ctx, result); err != nil {
			report.Success = false
			report.Errors = append(report.Errors, RollbackError{
				Target: result.StepTarget,
				Error: NewPermanentError("undo failed", err).
					WithCode(ErrCodeRollbackFailed).
					WithStep(result.StepTarget).Error(),
			})
			continue
		}
		report.RolledBack = append(report.RolledBack, result.StepTarget)
	}

	return report
}

// RollbackCompleted unwinds an already-collected list of completed steps in
// reverse chronological order. The list is expected in completion order, as
// recorded on an OrchestrationResult.
func RollbackCompleted(ctx context.Context, completed []StepResult, undo UndoFunc) *RollbackReport {
	c := NewRollbackCoordinator(undo)
	for _, result := range completed {
		c.Push(result)
	}
	return c.Unwind(ctx)
}
