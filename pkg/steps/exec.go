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

const maxCapturedOutput = 8192

// ExecParams configure a local shell command.
type ExecParams struct {
	// Command is the command line to run through the shell.
	Command string `json:"command" validate:"required"`

	// Shell overrides the shell binary (default: /bin/sh).
	Shell string `json:"shell,omitempty"`

	// WorkDir sets the working directory for the command.
	WorkDir string `json:"work_dir,omitempty"`

	// Env holds additional environment variables as key/value pairs.
	Env map[string]string `json:"env,omitempty"`

	// Stdin is written to the command's standard input.
	Stdin string `json:"stdin,omitempty"`
}

// ExecStep runs a command on the local host through a shell.
type ExecStep struct{}

// NewExecStep creates the local command handler.
func NewExecStep() *ExecStep {
	return &ExecStep{}
}

// Execute implements engine.StepHandler.
func (s *ExecStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params ExecParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	log.Debug().
		Str("step", inv.Target).
		Str("shell", shell).
		Msg("executing local command")

	cmd := exec.CommandContext(ctx, shell, "-c", params.Command)

	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}

	if len(params.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range params.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	if params.Stdin != "" {
		cmd.Stdin = strings.NewReader(params.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	stdoutStr := strings.TrimSpace(stdout.String())
	stderrStr := strings.TrimSpace(stderr.String())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("command exited with code %d", exitErr.ExitCode()), err).
				WithCode(engine.ErrCodeStepFailed).
				WithDetail("exit_code", exitErr.ExitCode()).
				WithDetail("stderr", truncateOutput(stderrStr, maxCapturedOutput))
		}
		return nil, engine.NewTransientError("command failed to start", err)
	}

	return &engine.StepOutput{
		Output: stdoutStr,
		Data: map[string]interface{}{
			"exit_code": 0,
			"stdout":    truncateOutput(stdoutStr, maxCapturedOutput),
			"stderr":    truncateOutput(stderrStr, maxCapturedOutput),
		},
	}, nil
}
