package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func decodePlan(t *testing.T, input string) planResponse {
	t.Helper()

	var resp planResponse
	if err := json.Unmarshal(plan([]byte(input)), &resp); err != nil {
		t.Fatalf("plan returned invalid JSON: %v", err)
	}
	return resp
}

// TestPlanInstallsMissingPackage checks the full plan for a package that is
// not installed yet.
func TestPlanInstallsMissingPackage(t *testing.T) {
	resp := decodePlan(t, `{"package":"nginx","state":"present","manager":"apt"}`)

	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Action != "install" {
		t.Errorf("expected action install, got %s", resp.Action)
	}
	if len(resp.Commands) != 1 || resp.Commands[0] != "apt-get install -y nginx" {
		t.Errorf("unexpected commands: %v", resp.Commands)
	}
	if resp.CheckCommand != "dpkg-query -W -f='${Version}' nginx" {
		t.Errorf("unexpected check command: %s", resp.CheckCommand)
	}
	if resp.UndoCommand != "apt-get remove -y nginx" {
		t.Errorf("unexpected undo command: %s", resp.UndoCommand)
	}
	if !strings.Contains(resp.Output, "install nginx via apt") {
		t.Errorf("unexpected output: %s", resp.Output)
	}
}

// TestPlanPinnedVersionUsesManagerSyntax checks the version separator per
// package manager.
func TestPlanPinnedVersionUsesManagerSyntax(t *testing.T) {
	tests := []struct {
		manager string
		want    string
	}{
		{"apt", "apt-get install -y nginx=1.24.0"},
		{"dnf", "dnf install -y nginx-1.24.0"},
		{"yum", "yum install -y nginx-1.24.0"},
		{"zypper", "zypper install -y nginx=1.24.0"},
	}

	for _, tt := range tests {
		t.Run(tt.manager, func(t *testing.T) {
			req := planRequest{
				Package: "nginx",
				State:   "present",
				Version: "1.24.0",
				Manager: tt.manager,
			}
			resp := buildPlan(&req)

			if len(resp.Commands) != 1 || resp.Commands[0] != tt.want {
				t.Errorf("expected [%s], got %v", tt.want, resp.Commands)
			}
		})
	}
}

// TestPlanUpgradesOnVersionDrift checks that an installed package with the
// wrong version gets a pinned upgrade.
func TestPlanUpgradesOnVersionDrift(t *testing.T) {
	req := planRequest{
		Package:          "nginx",
		State:            "present",
		Version:          "1.24.0",
		Manager:          "apt",
		Installed:        true,
		InstalledVersion: "1.18.0",
	}
	resp := buildPlan(&req)

	if resp.Action != "upgrade" {
		t.Errorf("expected action upgrade, got %s", resp.Action)
	}
	if len(resp.Commands) != 1 || resp.Commands[0] != "apt-get install -y nginx=1.24.0" {
		t.Errorf("unexpected commands: %v", resp.Commands)
	}
	if resp.UndoCommand != "" {
		t.Errorf("upgrade should not have an undo command, got %s", resp.UndoCommand)
	}
}

func TestPlanAlreadyInstalledIsNoop(t *testing.T) {
	req := planRequest{
		Package:          "nginx",
		State:            "present",
		Manager:          "apt",
		Installed:        true,
		InstalledVersion: "1.18.0",
	}
	resp := buildPlan(&req)

	if resp.Action != "noop" {
		t.Errorf("expected action noop, got %s", resp.Action)
	}
	if len(resp.Commands) != 0 {
		t.Errorf("noop should have no commands, got %v", resp.Commands)
	}
	if !strings.Contains(resp.Output, "already in desired state") {
		t.Errorf("unexpected output: %s", resp.Output)
	}
}

func TestPlanRemovesInstalledPackage(t *testing.T) {
	req := planRequest{
		Package:   "nginx",
		State:     "absent",
		Manager:   "dnf",
		Installed: true,
	}
	resp := buildPlan(&req)

	if resp.Action != "remove" {
		t.Errorf("expected action remove, got %s", resp.Action)
	}
	if len(resp.Commands) != 1 || resp.Commands[0] != "dnf remove -y nginx" {
		t.Errorf("unexpected commands: %v", resp.Commands)
	}

	req.Installed = false
	if resp := buildPlan(&req); resp.Action != "noop" {
		t.Errorf("expected noop for absent package, got %s", resp.Action)
	}
}

// TestPlanLatestUpgradesWhenBehind checks the latest state against the
// repository version.
func TestPlanLatestUpgradesWhenBehind(t *testing.T) {
	req := planRequest{
		Package:          "nginx",
		State:            "latest",
		Manager:          "apt",
		Installed:        true,
		InstalledVersion: "1.18.0",
		AvailableVersion: "1.24.0",
	}
	resp := buildPlan(&req)

	if resp.Action != "upgrade" {
		t.Errorf("expected action upgrade, got %s", resp.Action)
	}
	if len(resp.Commands) != 1 || resp.Commands[0] != "apt-get install -y --only-upgrade nginx" {
		t.Errorf("unexpected commands: %v", resp.Commands)
	}

	// Without a known repository version there is nothing to compare against.
	req.AvailableVersion = ""
	if resp := buildPlan(&req); resp.Action != "noop" {
		t.Errorf("expected noop without available version, got %s", resp.Action)
	}
}

func TestPlanUpdateCachePrependsRefresh(t *testing.T) {
	req := planRequest{
		Package:     "nginx",
		State:       "present",
		Manager:     "zypper",
		UpdateCache: true,
	}
	resp := buildPlan(&req)

	want := []string{"zypper refresh", "zypper install -y nginx"}
	if len(resp.Commands) != 2 || resp.Commands[0] != want[0] || resp.Commands[1] != want[1] {
		t.Errorf("expected %v, got %v", want, resp.Commands)
	}
}

func TestPlanAppendsManagerOptions(t *testing.T) {
	req := planRequest{
		Package: "nginx",
		State:   "present",
		Manager: "apt",
		Options: []string{"--no-install-recommends"},
	}
	resp := buildPlan(&req)

	want := "apt-get install -y --no-install-recommends nginx"
	if len(resp.Commands) != 1 || resp.Commands[0] != want {
		t.Errorf("expected [%s], got %v", want, resp.Commands)
	}
}

func TestPlanDefaultsStateToPresent(t *testing.T) {
	resp := decodePlan(t, `{"package":"curl","manager":"apt"}`)

	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Action != "install" {
		t.Errorf("expected action install, got %s", resp.Action)
	}
}

// TestPlanRejectsInvalidInput checks that validation failures surface through
// the error field instead of crashing the module.
func TestPlanRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "missing package",
			input: `{"manager":"apt"}`,
			want:  "package name is required",
		},
		{
			name:  "invalid state",
			input: `{"package":"nginx","manager":"apt","state":"pinned"}`,
			want:  "invalid state: pinned",
		},
		{
			name:  "missing manager",
			input: `{"package":"nginx"}`,
			want:  "package manager is required",
		},
		{
			name:  "unknown manager",
			input: `{"package":"nginx","manager":"brew"}`,
			want:  "invalid package manager: brew",
		},
		{
			name:  "version with absent",
			input: `{"package":"nginx","manager":"apt","state":"absent","version":"1.0"}`,
			want:  "version cannot be specified when state is absent",
		},
		{
			name:  "malformed json",
			input: `{"package":`,
			want:  "invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decodePlan(t, tt.input)

			if resp.Error == "" {
				t.Fatal("expected an error, got none")
			}
			if !strings.Contains(resp.Error, tt.want) {
				t.Errorf("expected error containing %q, got %q", tt.want, resp.Error)
			}
			if resp.Output != resp.Error {
				t.Errorf("output should carry the error, got %q", resp.Output)
			}
			if len(resp.Commands) != 0 {
				t.Errorf("invalid request should produce no commands, got %v", resp.Commands)
			}
		})
	}
}
