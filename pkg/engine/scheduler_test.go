package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// invocationRecorder captures handler invocations across goroutines.
type invocationRecorder struct {
	mu      sync.Mutex
	targets []string
}

func (r *invocationRecorder) record(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
}

func (r *invocationRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.targets))
	copy(out, r.targets)
	return out
}

func (r *invocationRecorder) saw(target string) bool {
	for _, got := range r.recorded() {
		if got == target {
			return true
		}
	}
	return false
}

func okHandler(rec *invocationRecorder) StepHandler {
	return StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		if rec != nil {
			rec.record(inv.Target)
		}
		return &StepOutput{Output: "done"}, nil
	})
}

func failHandler(rec *invocationRecorder) StepHandler {
	return StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		if rec != nil {
			rec.record(inv.Target)
		}
		return nil, errors.New("boom")
	})
}

func mustTable(t *testing.T, reg *HandlerRegistry, playbook *PlaybookDefinition) *DispatchTable {
	t.Helper()
	table, err := BuildDispatchTable(reg, playbook)
	if err != nil {
		t.Fatalf("Failed to build dispatch table: %v", err)
	}
	return table
}

func singleStage(name string, steps ...StepDefinition) []Stage {
	return []Stage{{Name: name, Steps: steps}}
}

func TestScheduler_Execute_EmptyPlaybook(t *testing.T) {
	playbook := &PlaybookDefinition{Name: "empty"}
	table := mustTable(t, NewHandlerRegistry(), playbook)

	result, err := NewScheduler(table).Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !result.OverallSuccess {
		t.Error("Expected empty playbook to succeed")
	}
	if result.Halted {
		t.Error("Expected empty playbook not to halt")
	}
	if result.Summary.Total != 0 || result.Summary.Skipped != 0 {
		t.Errorf("Expected empty summary, got %+v", result.Summary)
	}
	if result.ExecutionID == "" {
		t.Error("Expected a generated execution ID")
	}
}

func TestScheduler_Execute_NilPlaybook(t *testing.T) {
	table := mustTable(t, NewHandlerRegistry(), &PlaybookDefinition{Name: "x"})

	_, err := NewScheduler(table).Execute(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("Expected error for nil playbook, got nil")
	}
	if !IsPermanent(err) {
		t.Error("Expected permanent validation error")
	}
}

func TestScheduler_Execute_StagesRunInOrder(t *testing.T) {
	rec := &invocationRecorder{}
	reg := NewHandlerRegistry()
	for _, target := range []string{"one.a", "one.b", "two.a", "two.b"} {
		reg.MustRegister(target, okHandler(rec))
	}

	playbook := &PlaybookDefinition{
		Name: "staged",
		Stages: []Stage{
			{Name: "one", Steps: []StepDefinition{{Target: "one.a"}, {Target: "one.b"}}},
			{Name: "two", Steps: []StepDefinition{{Target: "two.a"}, {Target: "two.b"}}},
		},
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.OverallSuccess {
		t.Fatalf("Expected success, got %+v", result.Summary)
	}

	order := rec.recorded()
	if len(order) != 4 {
		t.Fatalf("Expected 4 invocations, got %v", order)
	}
	lastOfOne, firstOfTwo := -1, len(order)
	for i, target := range order {
		if strings.HasPrefix(target, "one.") && i > lastOfOne {
			lastOfOne = i
		}
		if strings.HasPrefix(target, "two.") && i < firstOfTwo {
			firstOfTwo = i
		}
	}
	if lastOfOne > firstOfTwo {
		t.Errorf("Stage two started before stage one finished: %v", order)
	}
}

func TestScheduler_Execute_UngroupedStepsRunAlone(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0

	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return &StepOutput{}, nil
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("solo", handler)

	playbook := &PlaybookDefinition{
		Name: "ungrouped",
		Stages: singleStage("only",
			StepDefinition{Target: "solo"},
			StepDefinition{Target: "solo"},
			StepDefinition{Target: "solo"},
		),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook), WithMaxConcurrency(4)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Summary.Succeeded != 3 {
		t.Fatalf("Expected 3 successes, got %+v", result.Summary)
	}

	if maxActive != 1 {
		t.Errorf("Ungrouped steps must run one at a time, observed %d concurrent", maxActive)
	}
}

func TestScheduler_Execute_ParallelGroupBounded(t *testing.T) {
	var mu sync.Mutex
	var once sync.Once
	active, maxActive := 0, 0
	pairRunning := make(chan struct{})

	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		if active == 2 {
			once.Do(func() { close(pairRunning) })
		}
		mu.Unlock()

		select {
		case <-pairRunning:
		case <-time.After(500 * time.Millisecond):
		}

		mu.Lock()
		active--
		mu.Unlock()
		return &StepOutput{}, nil
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("worker", handler)

	playbook := &PlaybookDefinition{
		Name: "grouped",
		Stages: singleStage("fanout",
			StepDefinition{Target: "worker", ParallelGroup: "pool"},
			StepDefinition{Target: "worker", ParallelGroup: "pool"},
			StepDefinition{Target: "worker", ParallelGroup: "pool"},
		),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook), WithMaxConcurrency(2)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Summary.Succeeded != 3 {
		t.Errorf("Expected all 3 grouped steps to run, got %+v", result.Summary)
	}
	if maxActive != 2 {
		t.Errorf("Expected exactly 2 concurrent executions, observed %d", maxActive)
	}
}

func TestScheduler_Execute_RetrySucceedsOnThirdAttempt(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("attempt %d failed", n)
		}
		return &StepOutput{Output: "finally"}, nil
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("flaky", handler)

	playbook := &PlaybookDefinition{
		Name:   "retrying",
		Stages: singleStage("only", StepDefinition{Target: "flaky", RetryCount: 2}),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(result.CompletedSteps) != 1 {
		t.Fatalf("Expected 1 completed step, got %d", len(result.CompletedSteps))
	}
	step := result.CompletedSteps[0]
	if !step.Succeeded {
		t.Error("Expected step to succeed")
	}
	if step.AttemptNumber != 3 {
		t.Errorf("Expected final attempt 3, got %d", step.AttemptNumber)
	}
	if len(step.History) != 2 {
		t.Fatalf("Expected 2 superseded attempts, got %d", len(step.History))
	}
	if step.History[0].AttemptNumber != 1 || step.History[1].AttemptNumber != 2 {
		t.Errorf("Expected history attempts [1 2], got %+v", step.History)
	}
	if result.Summary.Retried != 1 {
		t.Errorf("Expected 1 retried step in summary, got %d", result.Summary.Retried)
	}
}

func TestScheduler_Execute_RetryExhausted(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.MustRegister("doomed", failHandler(nil))

	playbook := &PlaybookDefinition{
		Name:   "exhausted",
		Stages: singleStage("only", StepDefinition{Target: "doomed", RetryCount: 1}),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error from Execute, got: %v", err)
	}

	if result.OverallSuccess {
		t.Error("Expected failed run")
	}
	if len(result.FailedSteps) != 1 {
		t.Fatalf("Expected 1 failed step, got %d", len(result.FailedSteps))
	}
	step := result.FailedSteps[0]
	if step.AttemptNumber != 2 {
		t.Errorf("Expected 2 attempts, got %d", step.AttemptNumber)
	}
	if len(step.History) != 1 {
		t.Errorf("Expected 1 superseded attempt, got %d", len(step.History))
	}
	if step.ErrorCode != ErrCodeStepFailed {
		t.Errorf("Expected code %s, got %s", ErrCodeStepFailed, step.ErrorCode)
	}
}

func TestScheduler_Execute_TimeoutFailsAttempt(t *testing.T) {
	sawCancel := make(chan struct{}, 1)

	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		select {
		case <-ctx.Done():
			sawCancel <- struct{}{}
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &StepOutput{}, nil
		}
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("slow", handler)

	playbook := &PlaybookDefinition{
		Name:   "timeouts",
		Stages: singleStage("only", StepDefinition{Target: "slow", Timeout: 25 * time.Millisecond}),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error from Execute, got: %v", err)
	}

	if len(result.FailedSteps) != 1 {
		t.Fatalf("Expected 1 failed step, got %+v", result.Summary)
	}
	step := result.FailedSteps[0]
	if step.ErrorCode != ErrCodeStepTimeout {
		t.Errorf("Expected timeout code %s, got %s (%s)", ErrCodeStepTimeout, step.ErrorCode, step.Error)
	}

	// The in-flight attempt observes the cancellation at the deadline.
	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Error("Expected the handler to observe context cancellation")
	}
}

func TestScheduler_Execute_TimeoutThenRetrySucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &StepOutput{Output: "quick"}, nil
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("warmup", handler)

	playbook := &PlaybookDefinition{
		Name: "timeout-retry",
		Stages: singleStage("only",
			StepDefinition{Target: "warmup", Timeout: 25 * time.Millisecond, RetryCount: 1}),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(result.CompletedSteps) != 1 {
		t.Fatalf("Expected success after timed-out first attempt, got %+v", result.Summary)
	}
	step := result.CompletedSteps[0]
	if step.AttemptNumber != 2 {
		t.Errorf("Expected success on attempt 2, got %d", step.AttemptNumber)
	}
	if len(step.History) != 1 || step.History[0].ErrorCode != ErrCodeStepTimeout {
		t.Errorf("Expected timed-out first attempt in history, got %+v", step.History)
	}
}

func TestScheduler_Execute_HaltSkipsRemainingStages(t *testing.T) {
	rec := &invocationRecorder{}
	reg := NewHandlerRegistry()
	reg.MustRegister("ok", okHandler(rec))
	reg.MustRegister("bad", failHandler(rec))
	reg.MustRegister("never", okHandler(rec))

	playbook := &PlaybookDefinition{
		Name: "halting",
		Stages: []Stage{
			{Name: "first", Steps: []StepDefinition{{Target: "ok"}, {Target: "bad"}}},
			{Name: "second", Steps: []StepDefinition{{Target: "never"}, {Target: "never"}}},
		},
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error from Execute, got: %v", err)
	}

	if !result.Halted {
		t.Error("Expected run to halt")
	}
	if result.OverallSuccess {
		t.Error("Expected failed verdict")
	}
	if rec.saw("never") {
		t.Error("Steps after the halt must never be invoked")
	}
	if result.Summary.Skipped != 2 {
		t.Errorf("Expected 2 skipped steps, got %d", result.Summary.Skipped)
	}
	if result.Summary.Succeeded != 1 || result.Summary.Failed != 1 {
		t.Errorf("Expected 1 success and 1 failure, got %+v", result.Summary)
	}
}

func TestScheduler_Execute_ContinueOnError(t *testing.T) {
	rec := &invocationRecorder{}
	reg := NewHandlerRegistry()
	reg.MustRegister("bad", failHandler(rec))
	reg.MustRegister("after", okHandler(rec))

	playbook := &PlaybookDefinition{
		Name: "tolerant",
		Stages: []Stage{
			{Name: "first", Steps: []StepDefinition{{Target: "bad", ContinueOnError: true}}},
			{Name: "second", Steps: []StepDefinition{{Target: "after"}}},
		},
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Halted {
		t.Error("Expected tolerated failure not to halt the run")
	}
	if !rec.saw("after") {
		t.Error("Expected later stage to run after tolerated failure")
	}
	// The failure still counts against the default verdict.
	if result.OverallSuccess {
		t.Error("Expected failed verdict under zero criteria")
	}
}

func TestScheduler_Execute_GlobalContinueOnError(t *testing.T) {
	rec := &invocationRecorder{}
	reg := NewHandlerRegistry()
	reg.MustRegister("bad", failHandler(rec))
	reg.MustRegister("after", okHandler(rec))

	playbook := &PlaybookDefinition{
		Name: "forced",
		Stages: []Stage{
			{Name: "first", Steps: []StepDefinition{{Target: "bad"}}},
			{Name: "second", Steps: []StepDefinition{{Target: "after"}}},
		},
	}

	result, err := NewScheduler(mustTable(t, reg, playbook), WithContinueOnError(true)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.Halted {
		t.Error("Expected global continue-on-error to prevent the halt")
	}
	if !rec.saw("after") {
		t.Error("Expected later stage to run")
	}
}

func TestScheduler_Execute_SiblingsFinishOnHalt(t *testing.T) {
	rec := &invocationRecorder{}
	reg := NewHandlerRegistry()
	reg.MustRegister("fast-fail", failHandler(rec))
	reg.MustRegister("slow-ok", StepHandlerFunc(
		func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
			time.Sleep(50 * time.Millisecond)
			rec.record(inv.Target)
			return &StepOutput{}, nil
		}))
	reg.MustRegister("never", okHandler(rec))

	playbook := &PlaybookDefinition{
		Name: "siblings",
		Stages: []Stage{
			{Name: "fanout", Steps: []StepDefinition{
				{Target: "fast-fail", ParallelGroup: "g"},
				{Target: "slow-ok", ParallelGroup: "g"},
				{Target: "slow-ok", ParallelGroup: "g"},
			}},
			{Name: "after", Steps: []StepDefinition{{Target: "never"}}},
		},
	}

	result, err := NewScheduler(mustTable(t, reg, playbook), WithMaxConcurrency(3)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// All batch siblings resolve before the halt takes effect.
	if got := result.Summary.Succeeded + result.Summary.Failed; got != 3 {
		t.Errorf("Expected all 3 siblings to resolve, got %d (%+v)", got, result.Summary)
	}
	if !result.Halted {
		t.Error("Expected run to halt after the batch")
	}
	if rec.saw("never") {
		t.Error("Expected the next stage to be skipped")
	}
}

func TestScheduler_Execute_RollbackReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var undone []string

	reg := NewHandlerRegistry()
	undo := func(ctx context.Context, result StepResult) error {
		mu.Lock()
		defer mu.Unlock()
		undone = append(undone, result.StepTarget)
		return nil
	}
	if err := reg.RegisterWithUndo("s1", okHandler(nil), undo); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := reg.RegisterWithUndo("s2", okHandler(nil), undo); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	reg.MustRegister("s3", failHandler(nil))

	playbook := &PlaybookDefinition{
		Name: "undoable",
		Stages: singleStage("only",
			StepDefinition{Target: "s1"},
			StepDefinition{Target: "s2"},
			StepDefinition{Target: "s3"},
		),
	}

	table := mustTable(t, reg, playbook)
	result, err := NewScheduler(table, WithRollback(table.Undo())).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !result.Halted {
		t.Fatal("Expected halt on s3 failure")
	}
	if !result.RollbackPerformed {
		t.Error("Expected rollback to be performed")
	}
	if result.Rollback == nil {
		t.Fatal("Expected rollback report")
	}

	expected := []string{"s2", "s1"}
	if !reflect.DeepEqual(undone, expected) {
		t.Errorf("Expected undo order %v, got %v", expected, undone)
	}
	if !reflect.DeepEqual(result.Rollback.RolledBack, expected) {
		t.Errorf("Expected report order %v, got %v", expected, result.Rollback.RolledBack)
	}
}

func TestScheduler_Execute_RollbackFailureDoesNotChangeVerdict(t *testing.T) {
	reg := NewHandlerRegistry()
	if err := reg.RegisterWithUndo("build", okHandler(nil),
		func(ctx context.Context, result StepResult) error {
			return errors.New("undo exploded")
		}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	reg.MustRegister("optional", failHandler(nil))

	playbook := &PlaybookDefinition{
		Name: "tolerated-halt",
		Stages: singleStage("only",
			StepDefinition{Target: "build"},
			StepDefinition{Target: "optional"},
		),
	}

	table := mustTable(t, reg, playbook)
	criteria := SuccessCriteria{AllowedFailures: []string{"optional"}}

	result, err := NewScheduler(table,
		WithRollback(table.Undo()),
		WithCriteria(criteria),
	).Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// The verdict was fixed before the unwind and the failed undo cannot
	// change it.
	if !result.OverallSuccess {
		t.Error("Expected verdict to hold despite rollback failure")
	}
	if result.RollbackPerformed {
		t.Error("Expected RollbackPerformed false when an undo failed")
	}
	if result.Rollback == nil || len(result.Rollback.Errors) != 1 {
		t.Fatalf("Expected 1 recorded rollback error, got %+v", result.Rollback)
	}
	if result.Rollback.Errors[0].Target != "build" {
		t.Errorf("Expected rollback error for build, got %s", result.Rollback.Errors[0].Target)
	}
}

func TestScheduler_Execute_NoRollbackWithoutUndo(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.MustRegister("ok", okHandler(nil))
	reg.MustRegister("bad", failHandler(nil))

	playbook := &PlaybookDefinition{
		Name: "plain",
		Stages: singleStage("only",
			StepDefinition{Target: "ok"},
			StepDefinition{Target: "bad"},
		),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.RollbackPerformed {
		t.Error("Expected no rollback without an undo callback")
	}
	if result.Rollback != nil {
		t.Errorf("Expected no rollback report, got %+v", result.Rollback)
	}
}

func TestScheduler_Execute_Cancellation(t *testing.T) {
	started := make(chan struct{})
	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("blocker", handler)
	reg.MustRegister("later", okHandler(nil))

	playbook := &PlaybookDefinition{
		Name: "cancelled",
		Stages: []Stage{
			{Name: "first", Steps: []StepDefinition{{Target: "blocker"}}},
			{Name: "second", Steps: []StepDefinition{{Target: "later"}}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := NewScheduler(mustTable(t, reg, playbook)).Execute(ctx, playbook, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}

	if result == nil {
		t.Fatal("Expected partial result on cancellation")
	}
	if !result.Halted {
		t.Error("Expected cancelled run to report halt")
	}
	if result.OverallSuccess {
		t.Error("Expected cancelled run not to succeed")
	}
	if result.Summary.Skipped != 1 {
		t.Errorf("Expected the second stage step skipped, got %+v", result.Summary)
	}
}

func TestScheduler_Execute_VariablesMerged(t *testing.T) {
	var mu sync.Mutex
	var seen map[string]interface{}

	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		mu.Lock()
		seen = inv.Variables
		mu.Unlock()
		return &StepOutput{}, nil
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("probe", handler)

	playbook := &PlaybookDefinition{
		Name:      "vars",
		Variables: map[string]interface{}{"region": "eu-west-1", "bucket": "artifacts"},
		Stages:    singleStage("only", StepDefinition{Target: "probe"}),
	}

	_, err := NewScheduler(mustTable(t, reg, playbook)).
		Execute(context.Background(), playbook, map[string]interface{}{"region": "us-east-1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if seen["region"] != "us-east-1" {
		t.Errorf("Expected runtime override for region, got %v", seen["region"])
	}
	if seen["bucket"] != "artifacts" {
		t.Errorf("Expected playbook variable preserved, got %v", seen["bucket"])
	}
}

func TestScheduler_Execute_EventsPublished(t *testing.T) {
	var mu sync.Mutex
	var types []EventType

	publisher := EventPublisherFunc(func(ctx context.Context, event *Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, event.Type)
		if event.ID == "" || event.Timestamp.IsZero() || event.RunID == "" {
			t.Errorf("Expected populated event envelope, got %+v", event)
		}
		return nil
	})

	var mu2 sync.Mutex
	calls := 0
	handler := StepHandlerFunc(func(ctx context.Context, inv StepInvocation) (*StepOutput, error) {
		mu2.Lock()
		calls++
		n := calls
		mu2.Unlock()
		if n == 1 {
			return nil, errors.New("first try fails")
		}
		return &StepOutput{}, nil
	})

	reg := NewHandlerRegistry()
	reg.MustRegister("flaky", handler)

	playbook := &PlaybookDefinition{
		Name:   "observed",
		Stages: singleStage("only", StepDefinition{Target: "flaky", RetryCount: 1}),
	}

	result, err := NewScheduler(mustTable(t, reg, playbook), WithEvents(publisher)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.OverallSuccess {
		t.Fatalf("Expected success, got %+v", result.Summary)
	}

	expected := []EventType{
		EventTypeRunStarted,
		EventTypeStepStarted,
		EventTypeStepRetried,
		EventTypeStepStarted,
		EventTypeStepCompleted,
		EventTypeRunCompleted,
	}
	if !reflect.DeepEqual(types, expected) {
		t.Errorf("Expected event sequence %v, got %v", expected, types)
	}
}

func TestScheduler_Execute_CriteriaDecideVerdict(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.MustRegister("ok", okHandler(nil))
	reg.MustRegister("flaky", failHandler(nil))

	playbook := &PlaybookDefinition{
		Name: "judged",
		Stages: singleStage("only",
			StepDefinition{Target: "ok"},
			StepDefinition{Target: "flaky", ContinueOnError: true},
		),
	}

	criteria := SuccessCriteria{AllowedFailures: []string{"flaky"}}
	result, err := NewScheduler(mustTable(t, reg, playbook), WithCriteria(criteria)).
		Execute(context.Background(), playbook, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !result.OverallSuccess {
		t.Error("Expected allowed failure to keep the run successful")
	}
	if result.Halted {
		t.Error("Expected no halt for tolerated failure")
	}
}
