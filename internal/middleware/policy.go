package middleware

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/aixgo-dev/orchestra/agent"
)

// DefaultPolicyPackage is the rego package queried by Policy.
const DefaultPolicyPackage = "orchestra"

// DefaultPolicy allows everything except destructive shell commands.
const DefaultPolicy = `
package orchestra

default decision = "allow"

decision = "deny" {
	contains(lower(input.content), "rm -rf /")
}

reason = "destructive shell command" {
	decision == "deny"
}
`

// Policy evaluates an OPA decision for each invocation. The policy package
// must define "decision" as "allow" or "deny" and may define "reason".
// Anything else denies.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy compiles a rego module exposing data.<pkg>.decision.
func NewPolicy(ctx context.Context, pkg, module string) (*Policy, error) {
	if pkg == "" {
		pkg = DefaultPolicyPackage
	}
	r := rego.New(
		rego.Query("data."+pkg),
		rego.Module(pkg+".rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Policy{query: query}, nil
}

// NewPolicyFromFile compiles the rego module at path.
func NewPolicyFromFile(ctx context.Context, pkg, path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewPolicy(ctx, pkg, string(data))
}

// Name implements Interceptor.
func (p *Policy) Name() string { return "policy" }

// Decide evaluates the policy for inv.
func (p *Policy) Decide(ctx context.Context, inv *agent.Invocation) (decision, reason string, err error) {
	input := map[string]any{
		"agent":      inv.Agent,
		"session_id": inv.SessionID,
		"run_id":     inv.RunID,
		"node_id":    inv.NodeID,
		"content":    inv.Input,
		"answer":     inv.Answer,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", "policy package is undefined", nil
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return "", "unexpected policy result type", nil
	}
	decision, _ = doc["decision"].(string)
	reason, _ = doc["reason"].(string)
	return decision, reason, nil
}

// Intercept implements Interceptor.
func (p *Policy) Intercept(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error) {
	decision, reason, err := p.Decide(ctx, inv)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SecurityViolation{Interceptor: p.Name(), Reason: err.Error()}
	}
	if decision != "allow" {
		if reason == "" {
			reason = fmt.Sprintf("policy decision %q", decision)
		}
		return nil, &SecurityViolation{Interceptor: p.Name(), Reason: reason}
	}
	return next(ctx, inv)
}
