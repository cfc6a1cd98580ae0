package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies over one run's input.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, policy := range GetBuiltinPolicies() {
		p := policy
		if err := e.compileAndStorePolicy(&p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// AddPolicy compiles and registers a policy, replacing any existing policy
// of the same name.
func (e *Engine) AddPolicy(policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(&policy)
}

// compileAndStorePolicy parses the policy module and stores it. Callers
// hold the write lock except during construction.
func (e *Engine) compileAndStorePolicy(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", policy.Name, err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}
	return nil
}

// Evaluate runs every enabled policy against the input and partitions the
// findings into blocking violations and advisory warnings.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var violations []Violation
	var warnings []Violation

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, v := range found {
			switch v.Severity {
			case SeverityError, SeverityCritical:
				violations = append(violations, v)
			default:
				warnings = append(warnings, v)
			}
		}
	}

	e.logger.Debug().
		Int("violations", len(violations)).
		Int("warnings", len(warnings)).
		Dur("duration", time.Since(startTime)).
		Msg("Policy evaluation completed")

	return &Result{
		Allowed:     len(violations) == 0,
		Violations:  violations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
	}, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
		rego.Store(e.store),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range denySet {
				entry, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				violations = append(violations, e.toViolation(cp.policy, entry))
			}
		}
	}

	return violations, nil
}

// toViolation maps one deny entry to a Violation, defaulting the severity
// to the policy's own.
func (e *Engine) toViolation(policy *Policy, entry map[string]interface{}) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	if msg, ok := entry["message"].(string); ok {
		violation.Message = msg
	}
	if pkg, ok := entry["package"].(string); ok {
		violation.Package = pkg
	}
	if sev, ok := entry["severity"].(string); ok {
		violation.Severity = Severity(sev)
	}

	return violation
}

// extractPackageName extracts the package declaration from Rego source.
func extractPackageName(regoSource string) string {
	for _, line := range strings.Split(regoSource, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "package "))
		}
	}
	return "envmatrix.policies"
}
