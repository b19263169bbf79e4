package commands

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/stores"
)

func TestParseVariablesBuildsMap(t *testing.T) {
	vars, err := parseVariables([]string{"region=eu-west-1", "dry=false", "note=a=b"})
	if err != nil {
		t.Fatalf("parseVariables: %v", err)
	}
	if len(vars) != 3 {
		t.Fatalf("got %d variables, want 3", len(vars))
	}
	if vars["region"] != "eu-west-1" {
		t.Errorf("region = %v", vars["region"])
	}
	if vars["dry"] != "false" {
		t.Errorf("dry = %v", vars["dry"])
	}
	// Only the first = separates key from value.
	if vars["note"] != "a=b" {
		t.Errorf("note = %v", vars["note"])
	}
}

func TestParseVariablesRejectsMalformedPairs(t *testing.T) {
	for _, pair := range []string{"noequals", "=value"} {
		if _, err := parseVariables([]string{pair}); err == nil {
			t.Errorf("parseVariables(%q) succeeded, want error", pair)
		}
	}
}

func TestParseVariablesEmptyInputReturnsNil(t *testing.T) {
	vars, err := parseVariables(nil)
	if err != nil {
		t.Fatalf("parseVariables: %v", err)
	}
	if vars != nil {
		t.Errorf("got %v, want nil", vars)
	}
}

func TestStepRecordCarriesFailureDetail(t *testing.T) {
	now := time.Now()
	step := engine.StepResult{
		StepTarget:    "db.migrate",
		Stage:         "deploy",
		AttemptNumber: 3,
		StartedAt:     now.Add(-time.Second),
		FinishedAt:    now,
		Succeeded:     false,
		Output:        "partial output",
		Data:          map[string]interface{}{"rows": 42},
		Error:         "migration timed out",
		ErrorCode:     engine.ErrCodeStepTimeout,
	}

	record := stepRecord("run-1", step)

	if record.RunID != "run-1" || record.StepTarget != "db.migrate" || record.Stage != "deploy" {
		t.Errorf("identity fields wrong: %+v", record)
	}
	if record.AttemptNumber != 3 || record.Succeeded {
		t.Errorf("attempt fields wrong: %+v", record)
	}
	if record.Error == nil || *record.Error != "migration timed out" {
		t.Errorf("Error = %v", record.Error)
	}
	if record.ErrorCode == nil || *record.ErrorCode != engine.ErrCodeStepTimeout {
		t.Errorf("ErrorCode = %v", record.ErrorCode)
	}
	if record.Data == nil || !strings.Contains(*record.Data, "rows") {
		t.Errorf("Data = %v", record.Data)
	}
}

func TestStepRecordOmitsEmptyOptionals(t *testing.T) {
	record := stepRecord("run-1", engine.StepResult{
		StepTarget:    "exec",
		Stage:         "main",
		AttemptNumber: 1,
		Succeeded:     true,
	})

	if record.Error != nil || record.ErrorCode != nil || record.Data != nil {
		t.Errorf("optional fields should be nil: %+v", record)
	}
}

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func fixtureResult(id string, success bool) *engine.OrchestrationResult {
	now := time.Now()
	return &engine.OrchestrationResult{
		ExecutionID: id,
		Playbook:    "deploy-web",
		StartedAt:   now.Add(-2 * time.Second),
		FinishedAt:  now,
		CompletedSteps: []engine.StepResult{{
			StepTarget:    "exec",
			Stage:         "main",
			AttemptNumber: 1,
			StartedAt:     now.Add(-2 * time.Second),
			FinishedAt:    now.Add(-time.Second),
			Succeeded:     true,
			Output:        "done",
		}},
		FailedSteps: []engine.StepResult{{
			StepTarget:    "service",
			Stage:         "main",
			AttemptNumber: 2,
			StartedAt:     now.Add(-time.Second),
			FinishedAt:    now,
			Error:         "unit failed to start",
			ErrorCode:     engine.ErrCodeStepFailed,
		}},
		OverallSuccess: success,
		Halted:         !success,
		Summary: engine.RunSummary{
			Total:     2,
			Succeeded: 1,
			Failed:    1,
			Retried:   1,
			Skipped:   1,
		},
	}
}

func TestPersistRunRoundTripsTerminalStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		id         string
		success    bool
		runErr     error
		wantStatus stores.RunStatus
		wantError  bool
	}{
		{
			name:       "succeeded run",
			id:         "run-ok",
			success:    true,
			wantStatus: stores.RunStatusSucceeded,
		},
		{
			name:       "failed run",
			id:         "run-failed",
			success:    false,
			wantStatus: stores.RunStatusFailed,
			wantError:  true,
		},
		{
			name:       "cancelled run",
			id:         "run-cancelled",
			success:    false,
			runErr:     context.Canceled,
			wantStatus: stores.RunStatusCancelled,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := fixtureResult(tt.id, tt.success)
			variables := map[string]interface{}{"region": "eu-west-1"}

			if err := persistRun(ctx, store, "deploy.yaml", variables, result, tt.runErr); err != nil {
				t.Fatalf("persistRun: %v", err)
			}

			record, err := store.GetRun(ctx, tt.id)
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if record.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", record.Status, tt.wantStatus)
			}
			if (record.Error != nil) != tt.wantError {
				t.Errorf("Error = %v, wantError = %v", record.Error, tt.wantError)
			}
			if record.PlaybookPath != "deploy.yaml" {
				t.Errorf("PlaybookPath = %s", record.PlaybookPath)
			}
			if !strings.Contains(record.Variables, "region") {
				t.Errorf("Variables = %s", record.Variables)
			}
			// Total includes steps never attempted.
			if record.TotalSteps != 3 {
				t.Errorf("TotalSteps = %d, want 3", record.TotalSteps)
			}
			if record.SucceededSteps != 1 || record.FailedSteps != 1 || record.RetriedSteps != 1 || record.SkippedSteps != 1 {
				t.Errorf("step counts wrong: %+v", record)
			}

			steps, err := store.ListStepResults(ctx, tt.id)
			if err != nil {
				t.Fatalf("ListStepResults: %v", err)
			}
			if len(steps) != 2 {
				t.Errorf("got %d step records, want 2", len(steps))
			}
		})
	}
}

func TestPersistRunCancelledKeepsCause(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result := fixtureResult("run-cause", false)
	err := persistRun(ctx, store, "deploy.yaml", nil, result, context.DeadlineExceeded)
	if err != nil {
		t.Fatalf("persistRun: %v", err)
	}

	record, err := store.GetRun(ctx, "run-cause")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if record.Error == nil || !strings.Contains(*record.Error, context.DeadlineExceeded.Error()) {
		t.Errorf("Error = %v, want deadline message", record.Error)
	}
}
