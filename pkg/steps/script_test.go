package steps

import (
	"context"
	"strings"
	"testing"

	"github.com/taskforge/taskforge/pkg/engine"
)

func TestScriptStep_Execute_RunsScript(t *testing.T) {
	handler := NewScriptStep()

	script := `
first=one
second=two
echo "$first $second"
`

	out, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "script",
		Parameters: map[string]interface{}{
			"source": script,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Output != "one two" {
		t.Errorf("expected output 'one two', got '%s'", out.Output)
	}

	if out.Data["interpreter"] != "/bin/sh" {
		t.Errorf("expected default interpreter /bin/sh, got %v", out.Data["interpreter"])
	}
}

func TestScriptStep_Execute_EnvAndWorkDir(t *testing.T) {
	handler := NewScriptStep()
	dir := t.TempDir()

	out, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "script",
		Parameters: map[string]interface{}{
			"source":   "echo $MODE; pwd",
			"env":      map[string]interface{}{"MODE": "fast"},
			"work_dir": dir,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(out.Output, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output lines, got %d: %q", len(lines), out.Output)
	}
	if lines[0] != "fast" {
		t.Errorf("expected first line 'fast', got '%s'", lines[0])
	}
	if lines[1] != dir {
		t.Errorf("expected second line '%s', got '%s'", dir, lines[1])
	}
}

func TestScriptStep_Execute_FailingScript(t *testing.T) {
	handler := NewScriptStep()

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "script",
		Parameters: map[string]interface{}{
			"source": "exit 7",
		},
	})
	if err == nil {
		t.Fatal("expected error for failing script, got nil")
	}

	if !engine.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeStepFailed {
		t.Errorf("expected code %s, got %s", engine.ErrCodeStepFailed, code)
	}
}

func TestScriptStep_Execute_MissingSource(t *testing.T) {
	handler := NewScriptStep()

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target:     "script",
		Parameters: map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("expected error for missing source, got nil")
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeValidation {
		t.Errorf("expected code %s, got %s", engine.ErrCodeValidation, code)
	}
}
