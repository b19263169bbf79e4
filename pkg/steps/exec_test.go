package steps

import (
	"context"
	"testing"

	"github.com/taskforge/taskforge/pkg/engine"
)

func TestExecStep_Execute_CapturesOutput(t *testing.T) {
	handler := NewExecStep()

	out, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "exec",
		Parameters: map[string]interface{}{
			"command": "echo hello",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Output != "hello" {
		t.Errorf("expected output 'hello', got '%s'", out.Output)
	}

	if out.Data["exit_code"] != 0 {
		t.Errorf("expected exit_code 0, got %v", out.Data["exit_code"])
	}
}

func TestExecStep_Execute_Environment(t *testing.T) {
	handler := NewExecStep()

	out, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "exec",
		Parameters: map[string]interface{}{
			"command": "echo $GREETING",
			"env":     map[string]interface{}{"GREETING": "bonjour"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Output != "bonjour" {
		t.Errorf("expected output 'bonjour', got '%s'", out.Output)
	}
}

func TestExecStep_Execute_WorkDir(t *testing.T) {
	handler := NewExecStep()
	dir := t.TempDir()

	out, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "exec",
		Parameters: map[string]interface{}{
			"command":  "pwd",
			"work_dir": dir,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Output != dir {
		t.Errorf("expected output '%s', got '%s'", dir, out.Output)
	}
}

func TestExecStep_Execute_Stdin(t *testing.T) {
	handler := NewExecStep()

	out, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "exec",
		Parameters: map[string]interface{}{
			"command": "cat",
			"stdin":   "piped input",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Output != "piped input" {
		t.Errorf("expected output 'piped input', got '%s'", out.Output)
	}
}

func TestExecStep_Execute_NonZeroExit(t *testing.T) {
	handler := NewExecStep()

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "exec",
		Parameters: map[string]interface{}{
			"command": "echo oops >&2; exit 3",
		},
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit, got nil")
	}

	if !engine.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeStepFailed {
		t.Errorf("expected code %s, got %s", engine.ErrCodeStepFailed, code)
	}
}

func TestExecStep_Execute_MissingCommand(t *testing.T) {
	handler := NewExecStep()

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target:     "exec",
		Parameters: map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("expected error for missing command, got nil")
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeValidation {
		t.Errorf("expected code %s, got %s", engine.ErrCodeValidation, code)
	}
}

func TestExecStep_Execute_ContextCancelled(t *testing.T) {
	handler := NewExecStep()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := handler.Execute(ctx, engine.StepInvocation{
		Target: "exec",
		Parameters: map[string]interface{}{
			"command": "sleep 10",
		},
	})
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
