package policy

import (
	"time"
)

// GetBuiltinPolicies returns the policy set every engine starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		stepTimeoutPolicy(),
		retryBoundsPolicy(),
		remoteGroupPolicy(),
		destructiveCommandsPolicy(),
	}
}

// stepTimeoutPolicy warns about steps that run without a timeout.
func stepTimeoutPolicy() Policy {
	return Policy{
		Name:        "step-timeout-required",
		Description: "Warns when a step does not bound its attempts with a timeout",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"timeouts", "reliability"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package taskforge.policies.timeouts

import rego.v1

deny contains violation if {
	input.playbook
	some stage in input.playbook.stages
	some step in stage.steps

	# A zero timeout means the attempt can run forever
	object.get(step, "timeout", 0) == 0

	violation := {
		"message": sprintf("step '%s' in stage '%s' does not set a timeout", [step.target, stage.name]),
		"severity": "warning",
		"step": step.target,
		"stage": stage.name,
		"remediation": "set a timeout so a hung step cannot stall the run",
	}
}`,
	}
}

// retryBoundsPolicy blocks steps with excessive or negative retry counts.
func retryBoundsPolicy() Policy {
	return Policy{
		Name:        "no-unbounded-retries",
		Description: "Blocks steps that retry more than the allowed maximum",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"retries", "reliability"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package taskforge.policies.retries

import rego.v1

max_retry_count := 10

deny contains violation if {
	input.playbook
	some stage in input.playbook.stages
	some step in stage.steps

	retries := object.get(step, "retry_count", 0)
	retries > max_retry_count

	violation := {
		"message": sprintf("step '%s' in stage '%s' retries %d times, maximum is %d", [step.target, stage.name, retries, max_retry_count]),
		"severity": "error",
		"step": step.target,
		"stage": stage.name,
	}
}

deny contains violation if {
	input.playbook
	some stage in input.playbook.stages
	some step in stage.steps

	object.get(step, "retry_count", 0) < 0

	violation := {
		"message": sprintf("step '%s' in stage '%s' has a negative retry count", [step.target, stage.name]),
		"severity": "error",
		"step": step.target,
		"stage": stage.name,
	}
}`,
	}
}

// remoteGroupPolicy requires remote steps to declare a parallel group.
func remoteGroupPolicy() Policy {
	return Policy{
		Name:        "remote-requires-group",
		Description: "Requires remote steps to declare a parallel group so host fan-out stays bounded",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"remote", "concurrency"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package taskforge.policies.remote

import rego.v1

deny contains violation if {
	input.playbook
	some stage in input.playbook.stages
	some step in stage.steps

	startswith(step.target, "remote.")
	object.get(step, "parallel_group", "") == ""

	violation := {
		"message": sprintf("remote step '%s' in stage '%s' must declare a parallel group", [step.target, stage.name]),
		"severity": "error",
		"step": step.target,
		"stage": stage.name,
		"remediation": "assign the step to a parallel group so the concurrency limit applies",
	}
}`,
	}
}

// destructiveCommandsPolicy blocks commands that would destroy the host.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "no-destructive-commands",
		Description: "Blocks shell commands that would wipe the root filesystem or raw block devices",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"commands", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package taskforge.policies.commands

import rego.v1

command_targets := ["exec", "remote.exec"]

destructive_patterns := [
	"rm\\s+-[a-zA-Z]*r[a-zA-Z]*\\s+/\\s*$",
	"mkfs\\.",
	"dd\\s+.*of=/dev/[a-z]",
]

deny contains violation if {
	input.playbook
	some stage in input.playbook.stages
	some step in stage.steps

	step.target in command_targets
	command := object.get(step, ["parameters", "command"], "")

	some pattern in destructive_patterns
	regex.match(pattern, command)

	violation := {
		"message": sprintf("step '%s' in stage '%s' runs a destructive command", [step.target, stage.name]),
		"severity": "critical",
		"step": step.target,
		"stage": stage.name,
	}
}`,
	}
}
