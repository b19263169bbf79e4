package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/taskforge/taskforge/pkg/engine"
)

// ScriptParams configure a local script execution.
type ScriptParams struct {
	// Source is the script body.
	Source string `json:"source" validate:"required"`

	// Interpreter runs the script (default: /bin/sh).
	Interpreter string `json:"interpreter,omitempty"`

	// WorkDir sets the working directory for the script.
	WorkDir string `json:"work_dir,omitempty"`

	// Env holds additional environment variables as key/value pairs.
	Env map[string]string `json:"env,omitempty"`
}

// ScriptStep writes a script body to a temporary file and runs it with
// an interpreter.
type ScriptStep struct{}

// NewScriptStep creates the local script handler.
func NewScriptStep() *ScriptStep {
	return &ScriptStep{}
}

// Execute implements engine.StepHandler.
func (s *ScriptStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params ScriptParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	interpreter := params.Interpreter
	if interpreter == "" {
		interpreter = "/bin/sh"
	}

	tmpFile, err := os.CreateTemp("", "taskforge-script-*.sh")
	if err != nil {
		return nil, engine.NewTransientError("failed to create script file", err)
	}
	scriptPath := tmpFile.Name()
	defer func() {
		if rmErr := os.Remove(scriptPath); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", scriptPath).Msg("failed to remove script file")
		}
	}()

	if _, err := tmpFile.WriteString(params.Source); err != nil {
		tmpFile.Close()
		return nil, engine.NewTransientError("failed to write script file", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, engine.NewTransientError("failed to write script file", err)
	}

	if err := os.Chmod(scriptPath, 0o700); err != nil {
		return nil, engine.NewTransientError("failed to set script permissions", err)
	}

	log.Debug().
		Str("step", inv.Target).
		Str("interpreter", interpreter).
		Msg("executing local script")

	cmd := exec.CommandContext(ctx, interpreter, scriptPath)

	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}

	if len(params.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range params.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	stdoutStr := strings.TrimSpace(stdout.String())
	stderrStr := strings.TrimSpace(stderr.String())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("script exited with code %d", exitErr.ExitCode()), err).
				WithCode(engine.ErrCodeStepFailed).
				WithDetail("exit_code", exitErr.ExitCode()).
				WithDetail("stderr", truncateOutput(stderrStr, maxCapturedOutput))
		}
		return nil, engine.NewTransientError("script failed to start", err)
	}

	return &engine.StepOutput{
		Output: stdoutStr,
		Data: map[string]interface{}{
			"exit_code":   0,
			"interpreter": interpreter,
			"stdout":      truncateOutput(stdoutStr, maxCapturedOutput),
			"stderr":      truncateOutput(stderrStr, maxCapturedOutput),
		},
	}, nil
}
