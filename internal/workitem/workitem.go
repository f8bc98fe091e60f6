// Package workitem models the unit of governed work. Items reference each
// other by stable id only (parent, depends_on, follow_up_of), never by
// embedded structural reference, so persistence never reasons about cycles.
package workitem

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Type classifies a work item.
type Type string

const (
	TypeTask    Type = "task"
	TypeProject Type = "project"
	TypeGoal    Type = "goal"
)

// Status is the runtime state of a work item. Terminal on done/failed;
// goals may cycle back to pending on schedule.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusHealthy          Status = "healthy"
	StatusDone             Status = "done"
	StatusFailed           Status = "failed"
	StatusStuck            Status = "stuck"
	StatusBlocked          Status = "blocked"
	StatusPaused           Status = "paused"
	StatusAwaitingGuidance Status = "awaiting_planner_guidance"
)

// Terminal reports whether a status ends the lifecycle for non-goal items.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusStuck, StatusBlocked:
		return true
	}
	return false
}

// OnStuck names the failure policy applied when verification fails.
type OnStuck string

const (
	OnStuckRetry          OnStuck = "retry"
	OnStuckConsultPlanner OnStuck = "consult_planner"
)

// Budget holds resource ceilings. A zero ceiling means unlimited for that
// counter.
type Budget struct {
	MaxTokens          int     `json:"max_tokens,omitempty"`
	MaxCostUSD         float64 `json:"max_cost_usd,omitempty"`
	MaxWallTimeSeconds int     `json:"max_wall_time_seconds,omitempty"`
	MaxAttempts        int     `json:"max_attempts,omitempty"`
	MaxPlannerCalls    int     `json:"max_planner_calls,omitempty"`
}

// BudgetUsed tracks consumed counters against a Budget.
type BudgetUsed struct {
	Tokens          int     `json:"tokens"`
	CostUSD         float64 `json:"cost_usd"`
	WallTimeSeconds int     `json:"wall_time_seconds"`
	Attempts        int     `json:"attempts"`
	PlannerCalls    int     `json:"planner_calls"`
	SubRuns         int     `json:"sub_runs"`
}

// Exceeds reports whether any tracked counter has reached its ceiling.
// Reaching the ceiling exactly counts as exhausted (>=, not >).
func (u BudgetUsed) Exceeds(b Budget) bool {
	if b.MaxTokens > 0 && u.Tokens >= b.MaxTokens {
		return true
	}
	if b.MaxCostUSD > 0 && u.CostUSD >= b.MaxCostUSD {
		return true
	}
	if b.MaxWallTimeSeconds > 0 && u.WallTimeSeconds >= b.MaxWallTimeSeconds {
		return true
	}
	if b.MaxAttempts > 0 && u.Attempts >= b.MaxAttempts {
		return true
	}
	if b.MaxPlannerCalls > 0 && u.PlannerCalls >= b.MaxPlannerCalls {
		return true
	}
	return false
}

// Merge aggregates a child's consumption into the receiver. Every counter
// field is summed, including attempt and sub-run counts, so parent items
// reflect total descendant consumption.
func (u *BudgetUsed) Merge(child BudgetUsed) {
	u.Tokens += child.Tokens
	u.CostUSD += child.CostUSD
	u.WallTimeSeconds += child.WallTimeSeconds
	u.Attempts += child.Attempts
	u.PlannerCalls += child.PlannerCalls
	u.SubRuns += child.SubRuns + 1
}

// Gate names a gate check and the trigger point it runs at.
type Gate struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Config  string `json:"config,omitempty"`
}

// Check is one deterministic verification check run against produced
// artifacts, never against claims from the attempt itself.
type Check struct {
	Name    string `json:"name"`
	Command string `json:"command,omitempty"`
	Expect  string `json:"expect,omitempty"`
}

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// SpawnPolicy defines the class of tasks a goal is allowed to spawn under a
// standing approval.
type SpawnPolicy struct {
	Type     Type     `json:"type"`
	Skills   []string `json:"skills,omitempty"`
	Gates    []Gate   `json:"gates,omitempty"`
	Budget   Budget   `json:"budget"`
	Schedule string   `json:"schedule,omitempty"`
}

// WorkItem is the unit of governed work.
//
// The immutable fields participate in the plan hash and are bound by the
// approval token; the runtime fields are excluded so that status churn never
// invalidates an approval.
type WorkItem struct {
	// Immutable, approval-bound.
	ID             string            `json:"id"`
	Type           Type              `json:"type"`
	Budget         Budget            `json:"budget"`
	Briefing       string            `json:"briefing"`
	Skills         []string          `json:"skills,omitempty"`
	Gates          []Gate            `json:"gates,omitempty"`
	Escalation     map[string]string `json:"escalation,omitempty"`
	Checks         []Check           `json:"checks,omitempty"`
	Schedule       string            `json:"schedule,omitempty"`
	OnStuck        OnStuck           `json:"on_stuck,omitempty"`
	Resources      []string          `json:"resources,omitempty"`
	Parent         string            `json:"parent,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	Tasks          []string          `json:"tasks,omitempty"`
	FollowUpOf     string            `json:"follow_up_of,omitempty"`
	SpawnPolicy    *SpawnPolicy      `json:"spawn_policy,omitempty"`
	MaxReplanDepth int               `json:"max_replan_depth,omitempty"`

	// Mutable, runtime-only. Excluded from the plan hash.
	Status              Status        `json:"status"`
	Attempts            int           `json:"attempts"`
	BudgetUsed          BudgetUsed    `json:"budget_used"`
	VerificationResults []CheckResult `json:"verification_results,omitempty"`
	ApprovalTokenID     string        `json:"approval_token_id,omitempty"`
	ReplanDepth         int           `json:"replan_depth"`
	ScopeID             string        `json:"scope_id"`
}

// planProjection is the fixed projection hashed for approval binding. Field
// set changes here are breaking: they invalidate every outstanding token.
func (w WorkItem) planProjection() map[string]any {
	p := map[string]any{
		"id":       w.ID,
		"type":     string(w.Type),
		"budget":   w.Budget,
		"briefing": w.Briefing,
	}
	if len(w.Skills) > 0 {
		p["skills"] = w.Skills
	}
	if len(w.Gates) > 0 {
		p["gates"] = w.Gates
	}
	if len(w.Escalation) > 0 {
		p["escalation"] = w.Escalation
	}
	if len(w.Checks) > 0 {
		p["checks"] = w.Checks
	}
	if w.Schedule != "" {
		p["schedule"] = w.Schedule
	}
	if w.OnStuck != "" {
		p["on_stuck"] = string(w.OnStuck)
	}
	if len(w.Resources) > 0 {
		p["resources"] = w.Resources
	}
	if w.Parent != "" {
		p["parent"] = w.Parent
	}
	if len(w.DependsOn) > 0 {
		p["depends_on"] = w.DependsOn
	}
	if len(w.Tasks) > 0 {
		p["tasks"] = w.Tasks
	}
	if w.FollowUpOf != "" {
		p["follow_up_of"] = w.FollowUpOf
	}
	if w.SpawnPolicy != nil {
		p["spawn_policy"] = w.SpawnPolicy
	}
	if w.MaxReplanDepth > 0 {
		p["max_replan_depth"] = w.MaxReplanDepth
	}
	return p
}

// PlanHash computes the canonical hash binding an approval to exact content:
// JSON of only the immutable projection, sorted keys, no insignificant
// whitespace, SHA-256 hex.
func (w WorkItem) PlanHash() (string, error) {
	return canonicalHash(w.planProjection())
}

// SpawnPolicyHash hashes the spawn policy of a goal for standing-token
// binding. Errors if the item carries no spawn policy.
func (w WorkItem) SpawnPolicyHash() (string, error) {
	if w.SpawnPolicy == nil {
		return "", fmt.Errorf("work item %s has no spawn policy", w.ID)
	}
	return canonicalHash(map[string]any{
		"work_item_id": w.ID,
		"spawn_policy": w.SpawnPolicy,
	})
}

// MatchesSpawnPolicy reports whether a spawned task falls inside the class a
// goal's spawn policy authorizes.
func (w WorkItem) MatchesSpawnPolicy(spawned WorkItem) bool {
	if w.SpawnPolicy == nil {
		return false
	}
	if spawned.Parent != w.ID {
		return false
	}
	if spawned.Type != w.SpawnPolicy.Type {
		return false
	}
	allowed := make(map[string]struct{}, len(w.SpawnPolicy.Skills))
	for _, s := range w.SpawnPolicy.Skills {
		allowed[s] = struct{}{}
	}
	for _, s := range spawned.Skills {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// canonicalHash marshals v to JSON (map keys sorted by encoding/json) and
// returns the SHA-256 hex digest.
func canonicalHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Validate enforces structural invariants before an item is persisted.
func (w WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("work item id required")
	}
	switch w.Type {
	case TypeTask, TypeProject, TypeGoal:
	default:
		return fmt.Errorf("unknown work item type %q", w.Type)
	}
	if w.Briefing == "" {
		return fmt.Errorf("work item %s: briefing required", w.ID)
	}
	if w.ScopeID == "" {
		return fmt.Errorf("work item %s: scope_id required", w.ID)
	}
	if w.Type == TypeGoal && w.Schedule != "" && w.SpawnPolicy == nil {
		return fmt.Errorf("work item %s: scheduled goal requires a spawn policy", w.ID)
	}
	for _, dep := range w.DependsOn {
		if dep == w.ID {
			return fmt.Errorf("work item %s: depends on itself", w.ID)
		}
	}
	return nil
}
