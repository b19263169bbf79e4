// Package engine provides the orchestration core of TaskForge: module
// resolution, step dispatch, scheduling, success evaluation, and rollback.
//
// # Overview
//
// TaskForge executes playbooks: named stages of steps, each step dispatched
// to a registered handler. A run moves through four phases:
//
//  1. Resolve - Order automation modules by dependency (ResolveLoadOrder)
//  2. Dispatch - Freeze the target-to-handler table (BuildDispatchTable)
//  3. Schedule - Execute stages, batches, retries, timeouts (Scheduler)
//  4. Evaluate - Judge the run and unwind on halt (EvaluateSuccess, RollbackCoordinator)
//
// # Core Domain Types
//
// The package defines the types that describe a run:
//
//   - ModuleDescriptor: A named automation module with dependencies
//   - LoadOrderResult: Topological order, depths, cycles, and missing deps
//   - PlaybookDefinition: Stages of steps with playbook-level variables
//   - StepDefinition: One step with timeout, retry, and grouping policy
//   - StepResult: The outcome of a step's final attempt, earlier attempts in History
//   - OrchestrationResult: The complete record of a run
//   - SuccessCriteria: The declarative verdict rules for a finished run
//
// # Step Handlers
//
// Steps execute through the StepHandler interface:
//
//	type StepHandler interface {
//	    Execute(ctx context.Context, inv StepInvocation) (*StepOutput, error)
//	}
//
// Handlers are registered in a HandlerRegistry under their target names.
// BuildDispatchTable resolves every target a playbook references before
// execution begins, so an unknown target is a load-time error, never a
// mid-run surprise.
//
// # Scheduling
//
// The Scheduler owns all cross-cutting execution policy. Stages run strictly
// in order. Within a stage, steps sharing a parallel group run concurrently
// under the worker bound; ungrouped steps run alone. Retries are immediate
// and per-step; timeouts cancel the attempt's context and classify the
// failure as transient. A non-tolerated failure halts the run after its
// batch siblings finish.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Conflict: Contention that may clear on retry
//   - Permanent: Non-recoverable errors
//
// Use the helper functions to inspect failures:
//
//	if engine.IsTimeout(err) {
//	    // The attempt hit its deadline
//	}
//
// # Example Usage
//
// Basic flow for executing a playbook:
//
//	// 1. Resolve module load order
//	order := engine.ResolveLoadOrder(registry.Descriptors())
//	if err := order.Err(); err != nil {
//	    return err
//	}
//
//	// 2. Freeze the dispatch table
//	table, err := engine.BuildDispatchTable(handlers, playbook)
//
//	// 3. Execute
//	sched := engine.NewScheduler(table,
//	    engine.WithMaxConcurrency(4),
//	    engine.WithCriteria(criteria),
//	)
//	result, err := sched.Execute(ctx, playbook, vars)
//
//	// 4. Check the verdict
//	if result.OverallSuccess {
//	    // Run met its criteria
//	}
//
// # Thread Safety
//
// Registries are safe for concurrent use. A Scheduler may run multiple
// playbooks concurrently; each Execute call owns its accumulator and shares
// nothing with other runs.
package engine
