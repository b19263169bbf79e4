package steps

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/taskforge/taskforge/pkg/engine"
)

// PackageParams configure a system package state.
type PackageParams struct {
	// Name is the package name.
	Name string `json:"name" validate:"required"`

	// Version pins a specific version (present state only).
	Version string `json:"version,omitempty"`

	// State is one of present (default), absent, latest.
	State string `json:"state,omitempty" validate:"omitempty,oneof=present absent latest"`

	// Manager forces a package manager instead of auto-detection.
	Manager string `json:"manager,omitempty" validate:"omitempty,oneof=apt dnf yum zypper"`
}

// PackageStep ensures a system package is present, absent, or at its
// latest version, detecting the host's package manager.
type PackageStep struct {
	runner   commandRunner
	lookPath func(string) (string, error)
}

// NewPackageStep creates the package handler.
func NewPackageStep() *PackageStep {
	return &PackageStep{
		runner:   runCommand,
		lookPath: exec.LookPath,
	}
}

// Execute implements engine.StepHandler.
func (s *PackageStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params PackageParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	state := params.State
	if state == "" {
		state = "present"
	}

	manager, err := s.detectManager(params.Manager)
	if err != nil {
		return nil, err
	}

	versionBefore, installed := s.installedVersion(ctx, manager, params.Name)

	data := map[string]interface{}{
		"package":        params.Name,
		"manager":        manager,
		"state":          state,
		"changed":        false,
		"version_before": versionBefore,
	}

	switch state {
	case "present":
		if installed && (params.Version == "" || params.Version == versionBefore) {
			data["version_after"] = versionBefore
			return &engine.StepOutput{
				Output: fmt.Sprintf("package %s already installed (%s)", params.Name, versionBefore),
				Data:   data,
			}, nil
		}
		if err := s.install(ctx, manager, params.Name, params.Version); err != nil {
			return nil, err
		}
		if !installed {
			data["undo_action"] = "remove"
		}

	case "absent":
		if !installed {
			return &engine.StepOutput{
				Output: fmt.Sprintf("package %s already absent", params.Name),
				Data:   data,
			}, nil
		}
		if err := s.remove(ctx, manager, params.Name); err != nil {
			return nil, err
		}
		data["undo_action"] = "install"

	case "latest":
		if err := s.install(ctx, manager, params.Name, ""); err != nil {
			return nil, err
		}
		if !installed {
			data["undo_action"] = "remove"
		}
	}

	versionAfter, _ := s.installedVersion(ctx, manager, params.Name)
	data["version_after"] = versionAfter
	data["changed"] = versionBefore != versionAfter

	return &engine.StepOutput{
		Output: fmt.Sprintf("package %s: %s (%s)", params.Name, state, versionAfter),
		Data:   data,
	}, nil
}

// Undo removes a package the step installed, or reinstalls one it
// removed. Upgrades are not reversed.
func (s *PackageStep) Undo(ctx context.Context, result engine.StepResult) error {
	if !dataBool(result.Data, "changed") {
		return nil
	}

	name := dataString(result.Data, "package")
	manager := dataString(result.Data, "manager")
	if name == "" || manager == "" {
		return fmt.Errorf("result data does not record package and manager")
	}

	switch dataString(result.Data, "undo_action") {
	case "remove":
		return s.remove(ctx, manager, name)
	case "install":
		return s.install(ctx, manager, name, dataString(result.Data, "version_before"))
	default:
		return nil
	}
}

// detectManager returns the requested manager, or walks the known ones
// until one is on PATH.
func (s *PackageStep) detectManager(requested string) (string, error) {
	if requested != "" {
		if _, err := s.lookPath(requested); err != nil {
			return "", engine.NewPermanentError(
				fmt.Sprintf("package manager %s not found", requested), err).
				WithCode(engine.ErrCodeNotFound)
		}
		return requested, nil
	}

	for _, manager := range []string{"apt", "dnf", "yum", "zypper"} {
		if _, err := s.lookPath(manager); err == nil {
			return manager, nil
		}
	}

	return "", engine.NewPermanentError("no supported package manager found", nil).
		WithCode(engine.ErrCodeNotFound)
}

// installedVersion queries the installed version of a package. The bool
// reports whether the package is installed.
func (s *PackageStep) installedVersion(ctx context.Context, manager string, name string) (string, bool) {
	var stdout string
	var exitCode int

	switch manager {
	case "apt":
		stdout, _, exitCode, _ = s.runner(ctx, "dpkg-query", "-W", "-f=${Version}", name)
	default:
		stdout, _, exitCode, _ = s.runner(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	}

	if exitCode != 0 || stdout == "" {
		return "", false
	}
	return stdout, true
}

func (s *PackageStep) install(ctx context.Context, manager string, name string, version string) error {
	spec := name
	if version != "" {
		switch manager {
		case "apt":
			spec = fmt.Sprintf("%s=%s", name, version)
		default:
			spec = fmt.Sprintf("%s-%s", name, version)
		}
	}

	log.Debug().
		Str("package", spec).
		Str("manager", manager).
		Msg("installing package")

	_, stderr, exitCode, err := s.runner(ctx, manager, "install", "-y", spec)
	if err != nil {
		return engine.NewTransientError("failed to run package manager", err)
	}
	if exitCode != 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("%s install %s exited with code %d", manager, spec, exitCode), nil).
			WithCode(engine.ErrCodeStepFailed).
			WithDetail("stderr", truncateOutput(stderr, maxCapturedOutput))
	}
	return nil
}

func (s *PackageStep) remove(ctx context.Context, manager string, name string) error {
	log.Debug().
		Str("package", name).
		Str("manager", manager).
		Msg("removing package")

	_, stderr, exitCode, err := s.runner(ctx, manager, "remove", "-y", name)
	if err != nil {
		return engine.NewTransientError("failed to run package manager", err)
	}
	if exitCode != 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("%s remove %s exited with code %d", manager, name, exitCode), nil).
			WithCode(engine.ErrCodeStepFailed).
			WithDetail("stderr", truncateOutput(stderr, maxCapturedOutput))
	}
	return nil
}
