package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/appstage/pkg/engine"
)

// Engine evaluates install policies written in Rego. It implements
// engine.InstallPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	paths    []string
	toggled  map[string]bool
	store    storage.Store
	loader   *Loader
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.InstallPolicy = (*Engine)(nil)

// NewEngine creates a policy engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		toggled:  make(map[string]bool),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	policies, err := e.compileAll(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = policies

	e.logger.Debug().Int("count", len(policies)).Msg("Built-in policies loaded")
	return e, nil
}

// EvaluateInstall implements engine.InstallPolicy. Blocking violations are
// returned as *engine.PolicyError.
func (e *Engine) EvaluateInstall(ctx context.Context, input *engine.PolicyInput) error {
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("code", w.Code).
			Str("app_id", input.Candidate.AppID).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}
	return &engine.PolicyError{Violations: result.Violations}
}

// Evaluate runs every enabled policy against input, in name order.
func (e *Engine) Evaluate(ctx context.Context, input *engine.PolicyInput) (*PolicyResult, error) {
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", name, err)
		}

		for _, v := range violations {
			if Severity(v.Severity).Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("mode", input.Mode).
		Str("app_id", input.Candidate.AppID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Install policy evaluated")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *engine.PolicyInput) ([]engine.PolicyViolation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []engine.PolicyViolation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	v := engine.PolicyViolation{
		Code:     policy.Name,
		Severity: string(policy.Severity),
	}

	switch d := result.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if code, ok := d["code"].(string); ok && code != "" {
			v.Code = code
		}
		if sev, ok := d["severity"].(string); ok && sev != "" {
			v.Severity = sev
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compile parses and prepares the deny query of a policy.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := module.Package.Path.String()
	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAll compiles the built-in policies followed by custom. A custom
// policy replaces a built-in policy of the same name.
func (e *Engine) compileAll(ctx context.Context, custom []Policy) (map[string]*compiledPolicy, error) {
	all := append(GetBuiltinPolicies(), custom...)
	out := make(map[string]*compiledPolicy, len(all))

	for i := range all {
		p := all[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		out[p.Name] = cp
	}
	return out, nil
}

// LoadPolicies loads .rego, .json and .yaml policies from paths. They are
// kept alongside the built-in policies and reloaded by ReloadPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.apply(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Strs("paths", paths).
		Msg("Policies loaded successfully")
	return nil
}

// apply swaps in custom policies. Nothing changes if any fails to compile.
func (e *Engine) apply(ctx context.Context, custom []Policy) error {
	compiled, err := e.compileAll(ctx, custom)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// EnablePolicy and DisablePolicy outlive reloads.
	for name, enabled := range e.toggled {
		if cp, ok := compiled[name]; ok {
			cp.policy.Enabled = enabled
		}
	}
	e.policies = compiled
	return nil
}

// ReloadPolicies reloads custom policies from the paths given to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	e.loader.ClearCache()
	if len(paths) == 0 {
		return e.apply(ctx, nil)
	}
	return e.LoadPolicies(ctx, paths)
}

// Watch reloads custom policies whenever a file under the loaded paths
// changes, until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	if len(paths) == 0 {
		return fmt.Errorf("no policy paths loaded")
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.apply(ctx, policies)
	})
}

// Close stops watching policy paths.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.toggled[name] = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
