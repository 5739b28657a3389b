// Package policy evaluates which gated actions require human approval.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// Engine is the OPA policy engine for gate decisions.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given rego content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.gate_policy.decision"),
		rego.Module("gate_policy.rego", policyContent),
		rego.SetRegoVersion(ast.RegoV1),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the rego module from path, falling back to
// DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the gate policy for one action.
// Input keys: action_name, args, actor_id.
// Returns the decision (allow, require_approval, block) and an optional reason.
func (e *Engine) Evaluate(ctx context.Context, input any) (domain.PolicyDecision, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy module is expected to define a default; fail open to
		// the approval path rather than silently allowing.
		return domain.PolicyDecisionRequireApproval, "no policy decision", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		switch d := domain.PolicyDecision(s); d {
		case domain.PolicyDecisionAllow, domain.PolicyDecisionRequireApproval, domain.PolicyDecisionBlock:
			return d, "", nil
		}
		return "", "", fmt.Errorf("policy returned unknown decision %q", s)
	}

	return domain.PolicyDecisionRequireApproval, "unexpected return type", nil
}

// DefaultPolicy is the default gate policy: side-effecting actions go through
// human approval unless explicitly allowed or blocked.
const DefaultPolicy = `
package gate_policy

default decision := "require_approval"

# Read-only lookups run without approval
decision := "allow" if {
	startswith(input.action_name, "deals.get")
}

decision := "allow" if {
	startswith(input.action_name, "deals.list")
}

# Destructive operations are never executable through the gate
decision := "block" if {
	input.action_name == "dangerous.command"
}
`
