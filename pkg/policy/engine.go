package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Engine compiles Rego policies and evaluates playbooks against them
// before a run is admitted.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	builtins []Policy
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluatePlaybook evaluates all enabled policies against a playbook.
// A nil evaluation context defaults to an "admit" operation.
func (e *Engine) EvaluatePlaybook(ctx context.Context, playbook *engine.PlaybookDefinition, evalCtx *Context) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if evalCtx == nil {
		evalCtx = &Context{Operation: "admit"}
	}
	if evalCtx.Timestamp.IsZero() {
		evalCtx.Timestamp = startTime
	}

	input := &Input{
		Playbook: playbook,
		Context:  evalCtx,
	}

	var allViolations []Violation
	var warnings []string
	evaluatedPolicies := make([]string, 0, len(e.policies))

	for _, name := range e.sortedPolicyNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		evaluatedPolicies = append(evaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			// A policy that cannot be evaluated is reported, not enforced.
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("playbook", playbook.Name).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s could not be evaluated: %v", cp.policy.Name, err))
			continue
		}
		allViolations = append(allViolations, violations...)
	}

	// Warnings and info findings do not block admission
	allowed := true
	for i := range allViolations {
		if allViolations[i].Severity == SeverityError || allViolations[i].Severity == SeverityCritical {
			allowed = false
			break
		}
	}

	duration := time.Since(startTime)
	e.logger.Debug().
		Str("playbook", playbook.Name).
		Int("violations", len(allViolations)).
		Bool("allowed", allowed).
		Dur("duration", duration).
		Msg("Playbook policy evaluation completed")

	return &Result{
		Allowed:           allowed,
		Violations:        allViolations,
		Warnings:          warnings,
		EvaluatedPolicies: evaluatedPolicies,
		EvaluatedAt:       startTime,
		Duration:          duration,
	}, nil
}

// LoadPolicies reads and compiles policy files from the given paths,
// adding them to the engine. Compilation is all-or-nothing: one bad file
// leaves the already loaded set untouched.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	staged := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := e.compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Policy failed to compile")
			return fmt.Errorf("compile policy %s: %w", policies[i].Name, err)
		}
		staged = append(staged, cp)
	}

	for _, cp := range staged {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies compiled and loaded")

	return nil
}

// sortedPolicyNames returns policy names in a stable order. Callers must
// hold at least a read lock.
func (e *Engine) sortedPolicyNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evaluatePolicy evaluates a single compiled policy against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation

	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// regoPackage finds the package declaration in Rego source, falling back
// to the default namespace when none is declared.
func regoPackage(src string) string {
	for _, line := range strings.Split(src, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "package ")
		if !ok {
			continue
		}
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0]
		}
	}
	return "taskforge.policies"
}

// createViolation creates a Violation from a single deny result.
func (e *Engine) createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		str := func(key string) string {
			s, _ := v[key].(string)
			return s
		}
		violation.Message = str("message")
		// Severity on the violation wins over the policy's own.
		if sev := str("severity"); sev != "" {
			violation.Severity = Severity(sev)
		}
		violation.Step = str("step")
		violation.Stage = str("stage")
		violation.Remediation = str("remediation")
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compilePolicy prepares a policy's deny query for reuse; evaluation
// later only supplies the input document.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	query := fmt.Sprintf("data.%s.deny", regoPackage(policy.Rego))
	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare query %s: %w", query, err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", query).
		Msg("Policy compiled")

	return &compiledPolicy{policy: policy, query: prepared}, nil
}

// loadBuiltinPolicies compiles and installs the built-in set. Callers
// must hold the write lock.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtins {
		cp, err := e.compilePolicy(ctx, &e.builtins[i])
		if err != nil {
			return fmt.Errorf("compile built-in policy %s: %w", e.builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(e.builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy looks up a loaded policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	cp, ok := e.policies[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns every loaded policy in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedPolicyNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops all loaded policies and restores the built-ins.
// Custom policies must be loaded again afterwards.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)

	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy marks a policy active so evaluation includes it again.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy keeps a policy loaded but excluded from evaluation.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
