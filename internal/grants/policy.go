package grants

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/covault/covault/pkg/schema"
)

// PolicyEngine evaluates optional CEL conditions attached to grants.
// Thread-safe: compiled programs are cached and reused across goroutines.
type PolicyEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewPolicyEngine creates a CEL engine with a sandboxed environment. The
// environment exposes the variables available to a grant condition:
//   - agent:     map(string, dyn) — requesting agent (id, type)
//   - request:   map(string, dyn) — request context (tool, origin, purpose)
//   - credential: map(string, dyn) — credential metadata (namespace, name, tier, category)
//   - now:       timestamp of the check
func NewPolicyEngine() (*PolicyEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("agent", mapType),
		cel.Variable("request", mapType),
		cel.Variable("credential", mapType),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &PolicyEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile validates a policy expression without evaluating it. Called at
// grant creation so malformed conditions are rejected up front.
func (e *PolicyEngine) Compile(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.getOrCompile(expression)
	return err
}

// Allow evaluates a policy expression against the check context. An empty
// expression allows. Non-boolean results and evaluation errors deny:
// policy failures are never an open door.
func (e *PolicyEngine) Allow(expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(policyActivation(vars))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeAccessDenied,
			"policy evaluation failed: %s", err.Error()).WithCause(err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeAccessDenied,
			"policy must evaluate to a boolean, got %T", out.Value())
	}
	return allowed, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *PolicyEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// policyActivation fills missing variables with empty maps to prevent CEL
// runtime nil-ref errors.
func policyActivation(vars map[string]any) map[string]any {
	activation := make(map[string]any, 4)
	for _, key := range []string{"agent", "request", "credential"} {
		if v, ok := vars[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if v, ok := vars["now"]; ok {
		activation["now"] = v
	}
	return activation
}
