// Package policy gates playbook admission with Open Policy Agent.
//
// Every playbook is evaluated against a set of Rego policies before its run
// starts. A violation at error or critical severity denies admission; info
// and warning violations are reported but do not block. Policies compile
// once into prepared deny queries, so each evaluation only supplies a new
// input document.
//
// The engine ships with four built-in policies:
//
//	step-timeout-required    warns when a step does not set a timeout
//	no-unbounded-retries     blocks steps exceeding the retry maximum
//	remote-requires-group    remote steps must declare a parallel group
//	no-destructive-commands  blocks commands that would destroy the host
//
// Admission looks like:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//	result, err := eng.EvaluatePlaybook(ctx, playbook, &policy.Context{
//		User:        "deployer",
//		Environment: "production",
//		Operation:   "admit",
//	})
//	if err != nil {
//		return err
//	}
//	for _, v := range result.Violations {
//		fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	}
//	if !result.Allowed {
//		return errors.New("denied by policy")
//	}
//
// Custom policies load from .rego files or directories via
// Engine.LoadPolicies, and Loader.Watch re-loads them when the files
// change. A custom policy declares deny rules over an input document
// holding the playbook and the evaluation context:
//
//	package custom.policies.stages
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.playbook
//	    some stage in input.playbook.stages
//	    some step in stage.steps
//
//	    input.context.environment == "production"
//	    object.get(step, "parallel_group", "") == ""
//
//	    violation := {
//	        "message": sprintf("step '%s' must declare a parallel group", [step.target]),
//	        "severity": "error",
//	        "step": step.target,
//	        "stage": stage.name,
//	    }
//	}
//
// A violation's severity is one of info, warning, error, or critical;
// omitting it falls back to the severity declared on the policy itself.
package policy
