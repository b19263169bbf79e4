package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/taskforge/taskforge/pkg/engine"
)

// commandRunner abstracts process execution so handlers that drive system
// tools can be tested without them. It returns stdout, stderr and the
// exit code; err is non-nil only when the process could not run at all.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout string, stderr string, exitCode int, err error)

func runCommand(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}

	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), exitCode, err
}

// ServiceParams configure a systemd service action.
type ServiceParams struct {
	// Name is the systemd unit name.
	Name string `json:"name" validate:"required"`

	// Action is one of start, stop, restart, reload, enable, disable.
	Action string `json:"action" validate:"required,oneof=start stop restart reload enable disable"`
}

// ServiceStep manages systemd services through systemctl. Idempotent
// actions short-circuit when the unit is already in the desired state.
type ServiceStep struct {
	runner commandRunner
}

// NewServiceStep creates the service handler.
func NewServiceStep() *ServiceStep {
	return &ServiceStep{runner: runCommand}
}

// Execute implements engine.StepHandler.
func (s *ServiceStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params ServiceParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	activeBefore, err := s.isActive(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	enabledBefore, err := s.isEnabled(ctx, params.Name)
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"service":        params.Name,
		"action":         params.Action,
		"changed":        false,
		"active_before":  activeBefore,
		"enabled_before": enabledBefore,
	}

	// Idempotent actions skip when already satisfied.
	var alreadySatisfied bool
	switch params.Action {
	case "start":
		alreadySatisfied = activeBefore
	case "stop":
		alreadySatisfied = !activeBefore
	case "enable":
		alreadySatisfied = enabledBefore
	case "disable":
		alreadySatisfied = !enabledBefore
	}

	if alreadySatisfied {
		return &engine.StepOutput{
			Output: fmt.Sprintf("service %s already %sed", params.Name, params.Action),
			Data:   data,
		}, nil
	}

	log.Debug().
		Str("service", params.Name).
		Str("action", params.Action).
		Msg("managing service")

	_, stderr, exitCode, err := s.runner(ctx, "systemctl", params.Action, params.Name)
	if err != nil {
		return nil, engine.NewTransientError("failed to run systemctl", err)
	}
	if exitCode != 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("systemctl %s %s exited with code %d", params.Action, params.Name, exitCode), nil).
			WithCode(engine.ErrCodeStepFailed).
			WithDetail("stderr", truncateOutput(stderr, maxCapturedOutput))
	}

	activeAfter, err := s.isActive(ctx, params.Name)
	if err != nil {
		return nil, err
	}

	data["changed"] = true
	data["active_after"] = activeAfter
	data["undo_action"] = reverseServiceAction(params.Action)

	return &engine.StepOutput{
		Output: fmt.Sprintf("service %s: %s", params.Name, params.Action),
		Data:   data,
	}, nil
}

// Undo reverses the recorded service action: start undoes stop, enable
// undoes disable, and so on. Restart and reload have no reverse.
func (s *ServiceStep) Undo(ctx context.Context, result engine.StepResult) error {
	if !dataBool(result.Data, "changed") {
		return nil
	}

	undoAction := dataString(result.Data, "undo_action")
	if undoAction == "" {
		return nil
	}

	name := dataString(result.Data, "service")
	if name == "" {
		return fmt.Errorf("result data does not record a service name")
	}

	_, stderr, exitCode, err := s.runner(ctx, "systemctl", undoAction, name)
	if err != nil {
		return fmt.Errorf("failed to run systemctl: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("systemctl %s %s exited with code %d: %s", undoAction, name, exitCode, stderr)
	}

	return nil
}

func (s *ServiceStep) isActive(ctx context.Context, name string) (bool, error) {
	// is-active exits non-zero for inactive units; only a failure to run
	// systemctl itself is an error.
	stdout, _, _, err := s.runner(ctx, "systemctl", "is-active", name)
	if err != nil {
		return false, engine.NewTransientError("failed to query service state", err)
	}
	return stdout == "active", nil
}

func (s *ServiceStep) isEnabled(ctx context.Context, name string) (bool, error) {
	stdout, _, _, err := s.runner(ctx, "systemctl", "is-enabled", name)
	if err != nil {
		return false, engine.NewTransientError("failed to query service state", err)
	}
	return stdout == "enabled", nil
}

func reverseServiceAction(action string) string {
	switch action {
	case "start":
		return "stop"
	case "stop":
		return "start"
	case "enable":
		return "disable"
	case "disable":
		return "enable"
	default:
		// restart and reload have no meaningful reverse
		return ""
	}
}
