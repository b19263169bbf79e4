// Package main implements pkgplan, a TaskForge plugin that turns a desired
// Linux package state into the package-manager commands that realize it.
// It supports apt, dnf, yum, and zypper and compiles to a WASI module for
// the wasm.run step:
//
//	tinygo build -o pkgplan.wasm -scheduler=none -target=wasi .
//
// The step's input map is the plan request; the response JSON becomes the
// step data, with the summary line in "output". The module never touches the
// host system: it only computes the commands, which a later exec or
// remote.exec step can run. Invalid input is reported in-band through the
// "error" field so the validation message stays visible in the step data.
package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// planRequest is the desired package state passed in the step input.
type planRequest struct {
	// Package is the name of the package to manage.
	Package string `json:"package"`

	// State is the desired state (present, absent, latest).
	// Defaults to present.
	State string `json:"state,omitempty"`

	// Version pins a specific version when state is present.
	Version string `json:"version,omitempty"`

	// Manager selects the package manager (apt, dnf, yum, zypper).
	// The module runs sandboxed and cannot probe the host, so the caller
	// must say which manager it has.
	Manager string `json:"manager"`

	// Installed reports whether the package is currently installed.
	Installed bool `json:"installed,omitempty"`

	// InstalledVersion is the currently installed version, if any.
	InstalledVersion string `json:"installed_version,omitempty"`

	// AvailableVersion is the newest version the repositories offer.
	// Only consulted when state is latest.
	AvailableVersion string `json:"available_version,omitempty"`

	// UpdateCache refreshes the package cache before mutating commands.
	UpdateCache bool `json:"update_cache,omitempty"`

	// Options are extra package-manager arguments inserted before the
	// package name.
	Options []string `json:"options,omitempty"`
}

// planResponse is the computed plan returned to the step.
type planResponse struct {
	// Output is the one-line summary promoted to the step output.
	Output string `json:"output"`

	// Action is what the commands do: install, upgrade, remove, or noop.
	Action string `json:"action,omitempty"`

	// Package and Manager echo the request.
	Package string `json:"package,omitempty"`
	Manager string `json:"manager,omitempty"`

	// Commands realize the desired state, in order.
	Commands []string `json:"commands,omitempty"`

	// CheckCommand queries the installed version.
	CheckCommand string `json:"check_command,omitempty"`

	// UndoCommand reverts a fresh install.
	UndoCommand string `json:"undo_command,omitempty"`

	// Error carries the validation message when the request is invalid.
	Error string `json:"error,omitempty"`
}

// managerSpec holds the command shapes for one package manager.
type managerSpec struct {
	refresh    string
	install    string
	remove     string
	upgrade    string
	check      string
	versionSep string
}

var managers = map[string]managerSpec{
	"apt": {
		refresh:    "apt-get update",
		install:    "apt-get install -y",
		remove:     "apt-get remove -y",
		upgrade:    "apt-get install -y --only-upgrade",
		check:      "dpkg-query -W -f='${Version}'",
		versionSep: "=",
	},
	"dnf": {
		refresh:    "dnf makecache",
		install:    "dnf install -y",
		remove:     "dnf remove -y",
		upgrade:    "dnf upgrade -y",
		check:      "rpm -q --queryformat '%{VERSION}-%{RELEASE}'",
		versionSep: "-",
	},
	"yum": {
		refresh:    "yum makecache",
		install:    "yum install -y",
		remove:     "yum remove -y",
		upgrade:    "yum update -y",
		check:      "rpm -q --queryformat '%{VERSION}-%{RELEASE}'",
		versionSep: "-",
	},
	"zypper": {
		refresh:    "zypper refresh",
		install:    "zypper install -y",
		remove:     "zypper remove -y",
		upgrade:    "zypper update -y",
		check:      "rpm -q --queryformat '%{VERSION}-%{RELEASE}'",
		versionSep: "=",
	},
}

// plan decodes the request JSON and encodes the computed plan.
func plan(input []byte) []byte {
	var req planRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return encode(planResponse{
			Output: fmt.Sprintf("invalid input: %v", err),
			Error:  fmt.Sprintf("invalid input: %v", err),
		})
	}

	if err := req.validate(); err != nil {
		return encode(planResponse{
			Output:  err.Error(),
			Error:   err.Error(),
			Package: req.Package,
		})
	}

	return encode(buildPlan(&req))
}

func encode(resp planResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"output":"failed to encode response","error":"failed to encode response"}`)
	}
	return out
}

// validate checks the request and applies the present default.
func (r *planRequest) validate() error {
	if r.Package == "" {
		return fmt.Errorf("package name is required")
	}

	if r.State == "" {
		r.State = "present"
	}
	switch r.State {
	case "present", "absent", "latest":
	default:
		return fmt.Errorf("invalid state: %s (must be present, absent, or latest)", r.State)
	}

	if r.Manager == "" {
		return fmt.Errorf("package manager is required (apt, dnf, yum, or zypper)")
	}
	if _, ok := managers[r.Manager]; !ok {
		return fmt.Errorf("invalid package manager: %s", r.Manager)
	}

	if r.State != "present" && r.Version != "" {
		return fmt.Errorf("version cannot be specified when state is %s", r.State)
	}

	return nil
}

// buildPlan computes the action and commands for a validated request.
func buildPlan(req *planRequest) planResponse {
	spec := managers[req.Manager]
	resp := planResponse{
		Package:      req.Package,
		Manager:      req.Manager,
		CheckCommand: spec.check + " " + req.Package,
	}

	switch req.State {
	case "present":
		switch {
		case !req.Installed:
			resp.Action = "install"
			resp.Commands = req.mutation(spec, req.installCommand(spec))
			resp.UndoCommand = spec.remove + " " + req.Package
		case req.Version != "" && req.Version != req.InstalledVersion:
			resp.Action = "upgrade"
			resp.Commands = req.mutation(spec, req.installCommand(spec))
		default:
			resp.Action = "noop"
		}

	case "absent":
		if req.Installed {
			resp.Action = "remove"
			resp.Commands = []string{spec.remove + " " + req.Package}
		} else {
			resp.Action = "noop"
		}

	case "latest":
		switch {
		case !req.Installed:
			resp.Action = "install"
			resp.Commands = req.mutation(spec, req.installCommand(spec))
			resp.UndoCommand = spec.remove + " " + req.Package
		case req.AvailableVersion != "" && req.InstalledVersion != req.AvailableVersion:
			resp.Action = "upgrade"
			resp.Commands = req.mutation(spec, spec.upgrade+" "+req.Package)
		default:
			resp.Action = "noop"
		}
	}

	resp.Output = resp.summary()
	return resp
}

// installCommand builds the install command, pinning the version with the
// manager's syntax when one is requested.
func (r *planRequest) installCommand(spec managerSpec) string {
	target := r.Package
	if r.Version != "" {
		target = r.Package + spec.versionSep + r.Version
	}

	parts := []string{spec.install}
	parts = append(parts, r.Options...)
	parts = append(parts, target)
	return strings.Join(parts, " ")
}

// mutation prepends the cache refresh when the request asks for it.
func (r *planRequest) mutation(spec managerSpec, cmd string) []string {
	if r.UpdateCache {
		return []string{spec.refresh, cmd}
	}
	return []string{cmd}
}

func (r *planResponse) summary() string {
	if r.Action == "noop" {
		return fmt.Sprintf("%s already in desired state", r.Package)
	}
	return fmt.Sprintf("%s %s via %s: %s",
		r.Action, r.Package, r.Manager, r.Commands[len(r.Commands)-1])
}
