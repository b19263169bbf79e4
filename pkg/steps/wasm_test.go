package steps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/taskforge/taskforge/pkg/engine"
)

func TestWasmStep_Execute_MissingModuleParam(t *testing.T) {
	handler := NewWasmStep()

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target:     "wasm.run",
		Parameters: map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("expected error for missing module, got nil")
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeValidation {
		t.Errorf("expected code %s, got %s", engine.ErrCodeValidation, code)
	}
}

func TestWasmStep_Execute_ModuleFileNotFound(t *testing.T) {
	handler := NewWasmStep()

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "wasm.run",
		Parameters: map[string]interface{}{
			"module": "/nonexistent/plugin.wasm",
		},
	})
	if err == nil {
		t.Fatal("expected error for missing module file, got nil")
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", engine.ErrCodeNotFound, code)
	}
}

func TestWasmStep_Execute_InvalidModuleBytes(t *testing.T) {
	handler := NewWasmStep()

	path := filepath.Join(t.TempDir(), "broken.wasm")
	if err := os.WriteFile(path, []byte("not a wasm module"), 0o644); err != nil {
		t.Fatalf("failed to write module: %v", err)
	}

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "wasm.run",
		Parameters: map[string]interface{}{
			"module": path,
		},
	})
	if err == nil {
		t.Fatal("expected error for invalid module bytes, got nil")
	}

	if !engine.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeStepFailed {
		t.Errorf("expected code %s, got %s", engine.ErrCodeStepFailed, code)
	}
}

func TestWasmStep_Execute_MemoryLimitOutOfRange(t *testing.T) {
	handler := NewWasmStep()

	_, err := handler.Execute(context.Background(), engine.StepInvocation{
		Target: "wasm.run",
		Parameters: map[string]interface{}{
			"module":          "/tmp/plugin.wasm",
			"memory_limit_mb": 4096,
		},
	})
	if err == nil {
		t.Fatal("expected error for out-of-range memory limit, got nil")
	}

	if code := engine.ErrorCode(err); code != engine.ErrCodeValidation {
		t.Errorf("expected code %s, got %s", engine.ErrCodeValidation, code)
	}
}
