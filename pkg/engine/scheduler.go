package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxConcurrency bounds grouped batches when no explicit limit is set.
const DefaultMaxConcurrency = 4

// Scheduler drives a playbook run: stages strictly in order, steps batched by
// parallel group, retries and timeouts centralized here so handlers stay
// simple success/failure functions.
type Scheduler struct {
	// maxConcurrency is the worker bound for grouped batches
	maxConcurrency int

	// table resolves step targets to handlers, frozen at playbook-load time
	table *DispatchTable

	// events receives run lifecycle events, may be nil
	events EventPublisher

	// criteria judges the finished run
	criteria SuccessCriteria

	// undo is the rollback callback; rollback is enabled when non-nil
	undo UndoFunc

	// continueOnError globally overrides per-step halt behavior
	continueOnError bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxConcurrency sets the worker bound for grouped batches.
func WithMaxConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithEvents sets the event publisher. Publishing is synchronous; publishers
// must return quickly.
func WithEvents(p EventPublisher) SchedulerOption {
	return func(s *Scheduler) { s.events = p }
}

// WithCriteria sets the success criteria applied after the run.
func WithCriteria(c SuccessCriteria) SchedulerOption {
	return func(s *Scheduler) { s.criteria = c }
}

// WithRollback enables rollback through the given undo callback. A halt from
// a non-tolerated failure then unwinds completed steps in reverse order.
func WithRollback(undo UndoFunc) SchedulerOption {
	return func(s *Scheduler) { s.undo = undo }
}

// WithContinueOnError sets the global continue-on-error override. When true,
// no step failure halts the run.
func WithContinueOnError(v bool) SchedulerOption {
	return func(s *Scheduler) { s.continueOnError = v }
}

// NewScheduler creates a scheduler executing through the given dispatch table.
func NewScheduler(table *DispatchTable, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		maxConcurrency: DefaultMaxConcurrency,
		table:          table,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stepOutcome pairs a step's final result with the flag the halt decision
// needs. It is the only value that crosses from workers to the collector.
type stepOutcome struct {
	result          StepResult
	continueOnError bool
}

// Execute runs the playbook to completion or halt and returns the fully
// populated result. Runtime variables overlay the playbook's own variables
// and are read-only for the duration of the run. Partial progress is never
// discarded: the result is valid even when the run halted or the context was
// cancelled. The error return is non-nil only for invalid input or context
// cancellation, never for step failures.
func (s *Scheduler) Execute(
	ctx context.Context,
	playbook *PlaybookDefinition,
	variables map[string]interface{},
) (*OrchestrationResult, error) {
	if playbook == nil {
		return nil, NewPermanentError("playbook is nil", nil).WithCode(ErrCodeValidation)
	}
	if s.table == nil {
		return nil, NewPermanentError("dispatch table is nil", nil).WithCode(ErrCodeValidation)
	}

	vars := mergeVariables(playbook.Variables, variables)

	result := &OrchestrationResult{
		ExecutionID:    uuid.New().String(),
		Playbook:       playbook.Name,
		StartedAt:      time.Now(),
		CompletedSteps: make([]StepResult, 0, playbook.StepCount()),
		FailedSteps:    make([]StepResult, 0),
	}

	rollback := NewRollbackCoordinator(s.undo)

	s.publishEvent(ctx, &Event{
		Type:     EventTypeRunStarted,
		RunID:    result.ExecutionID,
		Playbook: playbook.Name,
		Message:  fmt.Sprintf("run started for playbook %s (%d steps)", playbook.Name, playbook.StepCount()),
		Level:    EventLevelInfo,
	})

	var runErr error
	haltedOnFailure := false

stages:
	for _, stage := range playbook.Stages {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		for _, batch := range partitionStage(stage) {
			outcomes := s.runBatch(ctx, result.ExecutionID, stage.Name, batch, vars)

			// The collector is the only writer of the accumulator: halting
			// happens after every sibling in the batch has resolved.
			haltBatch := false
			for _, oc := range outcomes {
				if oc.result.Succeeded {
					result.CompletedSteps = append(result.CompletedSteps, oc.result)
					if s.undo != nil {
						rollback.Push(oc.result)
					}
					continue
				}
				result.FailedSteps = append(result.FailedSteps, oc.result)
				if !oc.continueOnError && !s.continueOnError {
					haltBatch = true
				}
			}

			if err := ctx.Err(); err != nil {
				runErr = err
				break stages
			}
			if haltBatch {
				haltedOnFailure = true
				break stages
			}
		}
	}

	result.FinishedAt = time.Now()
	attempted := len(result.CompletedSteps) + len(result.FailedSteps)
	result.Halted = haltedOnFailure || runErr != nil
	result.Summary = Summarize(result.CompletedSteps, result.FailedSteps, playbook.StepCount()-attempted)

	// The verdict is fixed before any rollback is attempted.
	result.OverallSuccess = runErr == nil && EvaluateSuccess(result.Results(), s.criteria)

	if haltedOnFailure && s.undo != nil {
		s.publishEvent(ctx, &Event{
			Type:     EventTypeRollbackStarted,
			RunID:    result.ExecutionID,
			Playbook: playbook.Name,
			Message:  fmt.Sprintf("rolling back %d completed steps", rollback.Len()),
			Level:    EventLevelWarning,
		})

		report := rollback.Unwind(ctx)
		result.Rollback = report
		result.RollbackPerformed = report.Success

		s.publishEvent(ctx, &Event{
			Type:     EventTypeRollbackFinished,
			RunID:    result.ExecutionID,
			Playbook: playbook.Name,
			Message: fmt.Sprintf("rollback finished: %d undone, %d failed",
				len(report.RolledBack), len(report.Errors)),
			Level: rollbackLevel(report),
		})
	}

	finishType := EventTypeRunCompleted
	finishLevel := EventLevelInfo
	if !result.OverallSuccess {
		finishType = EventTypeRunFailed
		finishLevel = EventLevelError
	}
	s.publishEvent(ctx, &Event{
		Type:     finishType,
		RunID:    result.ExecutionID,
		Playbook: playbook.Name,
		Message: fmt.Sprintf("run finished: %d succeeded, %d failed, %d skipped",
			result.Summary.Succeeded, result.Summary.Failed, result.Summary.Skipped),
		Level: finishLevel,
	})

	return result, runErr
}

// partitionStage splits a stage's steps into execution batches. Steps sharing
// a parallel group form one batch, placed where the group first appears;
// ungrouped steps are singleton batches in definition order.
func partitionStage(stage Stage) [][]StepDefinition {
	batches := make([][]StepDefinition, 0, len(stage.Steps))
	groupIdx := make(map[string]int)

	for _, step := range stage.Steps {
		if step.ParallelGroup == "" {
			batches = append(batches, []StepDefinition{step})
			continue
		}
		if idx, ok := groupIdx[step.ParallelGroup]; ok {
			batches[idx] = append(batches[idx], step)
			continue
		}
		groupIdx[step.ParallelGroup] = len(batches)
		batches = append(batches, []StepDefinition{step})
	}

	return batches
}

// runBatch executes one batch through a bounded worker pool and collects the
// outcomes on the calling goroutine. Workers never touch shared state; they
// send outcomes over a channel drained here. Steps not yet started when the
// context is cancelled are left unexecuted; in-flight siblings always run to
// completion and their results are kept.
func (s *Scheduler) runBatch(
	ctx context.Context,
	runID, stageName string,
	batch []StepDefinition,
	vars map[string]interface{},
) []stepOutcome {
	workerCount := s.maxConcurrency
	if len(batch) < workerCount {
		workerCount = len(batch)
	}

	workQueue := make(chan StepDefinition, len(batch))
	for _, step := range batch {
		workQueue <- step
	}
	close(workQueue)

	outcomeCh := make(chan stepOutcome, len(batch))
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range workQueue {
				if ctx.Err() != nil {
					return
				}
				outcomeCh <- s.executeStep(ctx, runID, stageName, step, vars)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(outcomeCh)
	}()

	outcomes := make([]stepOutcome, 0, len(batch))
	for oc := range outcomeCh {
		outcomes = append(outcomes, oc)
	}
	return outcomes
}

// executeStep runs one step through its retry loop. A failed attempt with
// retries remaining is retried immediately; backoff is left to executors that
// implement it. The returned result describes the final attempt, with earlier
// attempts in History.
func (s *Scheduler) executeStep(
	ctx context.Context,
	runID, stageName string,
	step StepDefinition,
	vars map[string]interface{},
) stepOutcome {
	handler, ok := s.table.Handler(step.Target)
	if !ok {
		// Unreachable when the table was built for this playbook.
		now := time.Now()
		return stepOutcome{
			result: StepResult{
				StepTarget:    step.Target,
				Stage:         stageName,
				AttemptNumber: 1,
				StartedAt:     now,
				FinishedAt:    now,
				Succeeded:     false,
				Error: NewPermanentError("no handler for target", nil).
					WithCode(ErrCodeUnknownTarget).WithStep(step.Target).Error(),
				ErrorCode: ErrCodeUnknownTarget,
			},
			continueOnError: step.ContinueOnError,
		}
	}

	maxAttempts := step.RetryCount + 1
	var history []StepAttempt

	for attempt := 1; ; attempt++ {
		s.publishEvent(ctx, &Event{
			Type:    EventTypeStepStarted,
			RunID:   runID,
			Stage:   stageName,
			Target:  step.Target,
			Attempt: attempt,
			Message: fmt.Sprintf("step %s attempt %d/%d", step.Target, attempt, maxAttempts),
			Level:   EventLevelInfo,
		})

		inv := StepInvocation{
			Target:        step.Target,
			Stage:         stageName,
			AttemptNumber: attempt,
			Parameters:    step.Parameters,
			Variables:     vars,
		}

		startedAt := time.Now()
		out, err := s.invokeHandler(ctx, handler, step, inv)
		finishedAt := time.Now()

		output := ""
		var data map[string]interface{}
		if out != nil {
			output = out.Output
			data = out.Data
		}

		if err == nil {
			result := StepResult{
				StepTarget:    step.Target,
				Stage:         stageName,
				AttemptNumber: attempt,
				StartedAt:     startedAt,
				FinishedAt:    finishedAt,
				Succeeded:     true,
				Output:        output,
				Data:          data,
				History:       history,
			}
			s.publishEvent(ctx, &Event{
				Type:    EventTypeStepCompleted,
				RunID:   runID,
				Stage:   stageName,
				Target:  step.Target,
				Attempt: attempt,
				Message: fmt.Sprintf("step %s succeeded on attempt %d", step.Target, attempt),
				Level:   EventLevelInfo,
			})
			return stepOutcome{result: result, continueOnError: step.ContinueOnError}
		}

		failure := classifyStepError(err, step, stageName)

		if ctx.Err() == nil && attempt < maxAttempts {
			history = append(history, StepAttempt{
				AttemptNumber: attempt,
				StartedAt:     startedAt,
				FinishedAt:    finishedAt,
				Succeeded:     false,
				Output:        output,
				Error:         failure.Error(),
				ErrorCode:     ErrorCode(failure),
			})
			s.publishEvent(ctx, &Event{
				Type:    EventTypeStepRetried,
				RunID:   runID,
				Stage:   stageName,
				Target:  step.Target,
				Attempt: attempt,
				Message: fmt.Sprintf("step %s failed on attempt %d/%d, retrying", step.Target, attempt, maxAttempts),
				Level:   EventLevelWarning,
			})
			continue
		}

		result := StepResult{
			StepTarget:    step.Target,
			Stage:         stageName,
			AttemptNumber: attempt,
			StartedAt:     startedAt,
			FinishedAt:    finishedAt,
			Succeeded:     false,
			Output:        output,
			Error:         failure.Error(),
			ErrorCode:     ErrorCode(failure),
			History:       history,
		}
		s.publishEvent(ctx, &Event{
			Type:    EventTypeStepFailed,
			RunID:   runID,
			Stage:   stageName,
			Target:  step.Target,
			Attempt: attempt,
			Message: fmt.Sprintf("step %s failed terminally after %d attempts: %v", step.Target, attempt, failure),
			Level:   EventLevelError,
		})
		return stepOutcome{result: result, continueOnError: step.ContinueOnError}
	}
}

// invokeHandler runs a single attempt under the step's timeout. The handler
// call is made on its own goroutine so an attempt that ignores cancellation
// still resolves here at the deadline; the abandoned call keeps the buffered
// channel, never a lock.
func (s *Scheduler) invokeHandler(
	ctx context.Context,
	handler StepHandler,
	step StepDefinition,
	inv StepInvocation,
) (*StepOutput, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	type reply struct {
		out *StepOutput
		err error
	}
	replyCh := make(chan reply, 1)

	go func() {
		out, err := handler.Execute(attemptCtx, inv)
		replyCh <- reply{out: out, err: err}
	}()

	select {
	case r := <-replyCh:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.out, timeoutError(step)
		}
		return r.out, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(step)
	}
}

// timeoutError builds the classified timeout failure for a step attempt.
func timeoutError(step StepDefinition) *EngineError {
	return NewTransientError(
		fmt.Sprintf("attempt did not return within %s", step.Timeout),
		context.DeadlineExceeded,
	).WithCode(ErrCodeStepTimeout).WithStep(step.Target)
}

// classifyStepError ensures every terminal failure carries the taxonomy.
func classifyStepError(err error, step StepDefinition, stageName string) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return err
	}
	return NewPermanentError("step execution failed", err).
		WithCode(ErrCodeStepFailed).
		WithStep(step.Target).
		WithStage(stageName)
}

// mergeVariables overlays runtime variables onto the playbook's own. The
// merged map is shared by all invocations and must not be mutated.
func mergeVariables(base, overlay map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// rollbackLevel maps a rollback report to an event severity.
func rollbackLevel(report *RollbackReport) string {
	if report.Success {
		return EventLevelInfo
	}
	return EventLevelError
}

// publishEvent delivers an event to the configured publisher. Events carry
// generated IDs and timestamps when the publisher has not set them.
func (s *Scheduler) publishEvent(ctx context.Context, event *Event) {
	if s.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_ = s.events.Publish(ctx, event)
}
