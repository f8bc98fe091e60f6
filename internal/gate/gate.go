// Package gate implements the mid-attempt gate contract: evaluate the gates
// configured on a work item at a trigger point and return continue, block, or
// require_approval. Provider internals stay behind the Evaluator interface;
// selection is a config enum, not inheritance.
package gate

import (
	"context"
	"fmt"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/workitem"
)

// Action is the outcome of a gate evaluation.
type Action string

const (
	ActionContinue        Action = "continue"
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
)

// Trigger points at which gates run.
const (
	TriggerPreAttempt  = "pre_attempt"
	TriggerToolCall    = "tool_call"
	TriggerPostAttempt = "post_attempt"
)

// Result carries the action, the reason for any non-continue outcome, and a
// possibly modified evaluation context (gates may rewrite arguments).
type Result struct {
	Action   Action
	Reason   string
	Modified map[string]string
}

// Evaluator is the gate provider contract.
type Evaluator interface {
	Evaluate(ctx context.Context, gates []workitem.Gate, trigger string, gctx map[string]string) (Result, error)
	Version() string
}

// Provider names accepted in configuration.
const (
	ProviderAllowAll = "allow_all"
	ProviderPolicy   = "policy"
)

// NewEvaluator resolves a provider by name. policyPath is only read for the
// policy provider.
func NewEvaluator(provider, policyPath string) (Evaluator, error) {
	switch provider {
	case ProviderAllowAll, "":
		return AllowAll{}, nil
	case ProviderPolicy:
		p, err := LoadPolicy(policyPath)
		if err != nil {
			return nil, err
		}
		return NewLivePolicy(p), nil
	default:
		return nil, fmt.Errorf("unknown gate provider %q", provider)
	}
}

// AllowAll passes every gate. Used in development and in tests that exercise
// the lifecycle without policy content.
type AllowAll struct{}

func (AllowAll) Evaluate(ctx context.Context, gates []workitem.Gate, trigger string, gctx map[string]string) (Result, error) {
	return Result{Action: ActionContinue, Modified: gctx}, nil
}

func (AllowAll) Version() string { return "allow-all" }

// Audited wraps an Evaluator so every block and require_approval decision
// lands in the audit log.
type Audited struct {
	Inner Evaluator
}

func (a Audited) Evaluate(ctx context.Context, gates []workitem.Gate, trigger string, gctx map[string]string) (Result, error) {
	res, err := a.Inner.Evaluate(ctx, gates, trigger, gctx)
	if err != nil {
		return res, err
	}
	switch res.Action {
	case ActionBlock:
		audit.Record(ctx, "deny", "gate.block", res.Reason, trigger)
	case ActionRequireApproval:
		audit.Record(ctx, "deny", "gate.require_approval", res.Reason, trigger)
	}
	return res, nil
}

func (a Audited) Version() string { return a.Inner.Version() }
