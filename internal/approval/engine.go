package approval

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/workitem"
	"github.com/google/uuid"
)

// Scope classifies what a token authorizes.
const (
	ScopeSingle   = "single"   // one specific work item
	ScopeStanding = "standing" // a class of goal-spawned tasks
)

// Verdicts.
const (
	VerdictApproved = "approved"
	VerdictDenied   = "denied"
)

const (
	// conditionSpawnPolicyHash binds a standing token to a specific class of
	// future spawned tasks.
	conditionSpawnPolicyHash = "spawn_policy_hash"

	defaultTokenTTL = 24 * time.Hour
)

// Decision is the approval request input: who decided what, for how long,
// and how many executions the token covers.
type Decision struct {
	Verdict       string
	Scope         string
	MaxExecutions int
	TTL           time.Duration
}

// Engine issues, verifies (consuming) and checks (non-consuming) approval
// tokens. All token state lives in the store; the engine is stateless.
type Engine struct {
	store  *persistence.Store
	signer Signer
}

func NewEngine(store *persistence.Store, signer Signer) *Engine {
	return &Engine{store: store, signer: signer}
}

// signedPayload is every security-relevant field of a token. Omitting any
// field here would let it be altered undetected, so the full set is signed.
type signedPayload struct {
	TokenID       string            `json:"token_id"`
	WorkItemID    string            `json:"work_item_id"`
	PlanHash      string            `json:"plan_hash"`
	Scope         string            `json:"scope"`
	Verdict       string            `json:"verdict"`
	Nonce         string            `json:"nonce"`
	IssuedAt      int64             `json:"issued_at"`
	ExpiresAt     int64             `json:"expires_at"`
	MaxExecutions int               `json:"max_executions"`
	Conditions    map[string]string `json:"conditions,omitempty"`
}

func canonicalSigningBytes(t persistence.TokenRecord) ([]byte, error) {
	b, err := json.Marshal(signedPayload{
		TokenID:       t.TokenID,
		WorkItemID:    t.WorkItemID,
		PlanHash:      t.PlanHash,
		Scope:         t.Scope,
		Verdict:       t.Verdict,
		Nonce:         t.Nonce,
		IssuedAt:      t.IssuedAt.Unix(),
		ExpiresAt:     t.ExpiresAt.Unix(),
		MaxExecutions: t.MaxExecutions,
		Conditions:    t.Conditions,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize token payload: %w", err)
	}
	return b, nil
}

// Issue computes the canonical plan hash, generates a fresh token-identity
// nonce, signs the full canonical payload and persists the token with
// executions_used = 0. For standing scope the work item must be a goal with
// a spawn policy; its hash is bound into conditions.
func (e *Engine) Issue(ctx context.Context, w workitem.WorkItem, d Decision) (*persistence.TokenRecord, error) {
	if d.Verdict != VerdictApproved && d.Verdict != VerdictDenied {
		return nil, fmt.Errorf("unknown verdict %q", d.Verdict)
	}
	if d.Scope != ScopeSingle && d.Scope != ScopeStanding {
		return nil, fmt.Errorf("unknown token scope %q", d.Scope)
	}
	if d.MaxExecutions <= 0 {
		d.MaxExecutions = 1
	}
	if d.TTL <= 0 {
		d.TTL = defaultTokenTTL
	}

	planHash, err := w.PlanHash()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	t := persistence.TokenRecord{
		TokenID:         uuid.NewString(),
		WorkItemID:      w.ID,
		PlanHash:        planHash,
		Scope:           d.Scope,
		Verdict:         d.Verdict,
		Nonce:           uuid.NewString(),
		IssuedAt:        now,
		ExpiresAt:       now.Add(d.TTL),
		MaxExecutions:   d.MaxExecutions,
		ExecutionNonces: []string{},
	}

	if d.Scope == ScopeStanding {
		if w.Type != workitem.TypeGoal {
			return nil, fmt.Errorf("standing token requires a goal, got %s", w.Type)
		}
		spawnHash, err := w.SpawnPolicyHash()
		if err != nil {
			return nil, err
		}
		t.Conditions = map[string]string{conditionSpawnPolicyHash: spawnHash}
	}

	payload, err := canonicalSigningBytes(t)
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	t.Signature = base64.StdEncoding.EncodeToString(sig)

	if err := e.store.SaveToken(ctx, t); err != nil {
		return nil, err
	}
	audit.Record(ctx, "allow", "approval.issue", d.Verdict, t.TokenID)
	return &t, nil
}

// validate runs the shared non-consuming validations: signature, verdict,
// expiry and plan-hash (or standing-token spawn binding). Returns the
// binding hash used for execution nonces.
func (e *Engine) validate(t *persistence.TokenRecord, w workitem.WorkItem, spawned *workitem.WorkItem) (bindingHash string, reason string, ok bool) {
	payload, err := canonicalSigningBytes(*t)
	if err != nil {
		return "", "canonicalize: " + err.Error(), false
	}
	sig, err := base64.StdEncoding.DecodeString(t.Signature)
	if err != nil {
		return "", "malformed signature encoding", false
	}
	if !ed25519.Verify(e.signer.Public(), payload, sig) {
		return "", "signature invalid", false
	}
	if t.Verdict != VerdictApproved {
		return "", "verdict is " + t.Verdict, false
	}
	if time.Now().UTC().After(t.ExpiresAt) {
		return "", "token expired", false
	}

	planHash, err := w.PlanHash()
	if err != nil {
		return "", "plan hash: " + err.Error(), false
	}

	switch t.Scope {
	case ScopeSingle:
		if spawned != nil {
			return "", "single-scope token cannot authorize spawned tasks", false
		}
		if t.WorkItemID != w.ID {
			return "", "token bound to different work item", false
		}
		if t.PlanHash != planHash {
			return "", "plan hash mismatch", false
		}
		return planHash, "", true

	case ScopeStanding:
		if spawned == nil {
			return "", "standing token requires a spawned task", false
		}
		// Both the parent-goal hash and the spawn binding must hold.
		if t.WorkItemID != w.ID {
			return "", "token bound to different goal", false
		}
		if t.PlanHash != planHash {
			return "", "goal plan hash mismatch", false
		}
		if spawned.Parent != t.WorkItemID {
			return "", "spawned task parent is not the approved goal", false
		}
		spawnHash, err := w.SpawnPolicyHash()
		if err != nil {
			return "", "spawn policy hash: " + err.Error(), false
		}
		if t.Conditions[conditionSpawnPolicyHash] != spawnHash {
			return "", "spawn policy hash mismatch", false
		}
		if !w.MatchesSpawnPolicy(*spawned) {
			return "", "spawned task outside spawn policy", false
		}
		return spawnHash, "", true

	default:
		return "", "unknown token scope " + t.Scope, false
	}
}

// Verify is the consuming decision point. On success it generates one fresh
// execution nonce, records it in the exec nonce domain keyed by
// token_id:plan_or_spawn_hash:nonce, and increments executions_used —
// exactly one nonce per call, regardless of token type. spawned is non-nil
// only for standing tokens.
func (e *Engine) Verify(ctx context.Context, tokenID string, w workitem.WorkItem, spawned *workitem.WorkItem) (bool, string, error) {
	t, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, persistence.ErrTokenNotFound) {
			audit.Record(ctx, "deny", "approval.verify", "token not found", tokenID)
			return false, "token not found", nil
		}
		return false, "", err
	}

	bindingHash, reason, ok := e.validate(t, w, spawned)
	if !ok {
		audit.Record(ctx, "deny", "approval.verify", reason, tokenID)
		return false, reason, nil
	}
	if t.ExecutionsUsed >= t.MaxExecutions {
		audit.Record(ctx, "deny", "approval.verify", "executions exhausted", tokenID)
		return false, "executions exhausted", nil
	}

	executionNonce := uuid.NewString()
	binding := fmt.Sprintf("%s:%s:%s", t.TokenID, bindingHash, executionNonce)
	if err := e.store.ConsumeTokenExecution(ctx, t.TokenID, binding, executionNonce); err != nil {
		switch {
		case errors.Is(err, persistence.ErrNonceReplayed):
			audit.Record(ctx, "deny", "approval.verify", "execution nonce replayed", tokenID)
			return false, "execution nonce replayed", nil
		case errors.Is(err, persistence.ErrTokenExhausted):
			audit.Record(ctx, "deny", "approval.verify", "executions exhausted", tokenID)
			return false, "executions exhausted", nil
		default:
			return false, "", err
		}
	}

	audit.Record(ctx, "allow", "approval.verify", "execution authorized", tokenID)
	return true, "", nil
}

// Authorize is the dispatch-time decision: the first execution under a token
// goes through the consuming Verify, every later dispatch of the same item
// rides the non-consuming Check. Redeliveries and crash resumes therefore
// never burn executions. For standing tokens w may be a spawned task; its
// first dispatch consumes one execution against the parent goal's policy.
func (e *Engine) Authorize(ctx context.Context, tokenID string, w workitem.WorkItem) (bool, string, error) {
	t, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, persistence.ErrTokenNotFound) {
			audit.Record(ctx, "deny", "approval.authorize", "token not found", tokenID)
			return false, "token not found", nil
		}
		return false, "", err
	}

	if t.Scope == ScopeStanding && w.ID != t.WorkItemID {
		if w.Attempts > 0 {
			return e.Check(ctx, tokenID, w)
		}
		parent, err := e.store.GetWorkItem(ctx, t.WorkItemID)
		if err != nil {
			if errors.Is(err, persistence.ErrWorkItemNotFound) {
				audit.Record(ctx, "deny", "approval.authorize", "approved goal missing", tokenID)
				return false, "approved goal missing", nil
			}
			return false, "", err
		}
		return e.Verify(ctx, tokenID, *parent, &w)
	}

	if t.ExecutionsUsed == 0 {
		return e.Verify(ctx, tokenID, w, nil)
	}
	return e.Check(ctx, tokenID, w)
}

// Check is the non-consuming entry-gate validation, run at every execution
// attempt including retries after redelivery. It never touches the nonce
// store, and additionally requires the token to have been through Verify at
// least once (1 <= executions_used <= max_executions) — so infrastructure
// retries cannot burn executions, and an unverified token cannot execute.
func (e *Engine) Check(ctx context.Context, tokenID string, w workitem.WorkItem) (bool, string, error) {
	t, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, persistence.ErrTokenNotFound) {
			audit.Record(ctx, "deny", "approval.check", "token not found", tokenID)
			return false, "token not found", nil
		}
		return false, "", err
	}

	var spawned *workitem.WorkItem
	bound := w
	if t.Scope == ScopeStanding && w.ID != t.WorkItemID {
		// Entry check for a spawned task: validate against the parent goal.
		parent, err := e.store.GetWorkItem(ctx, t.WorkItemID)
		if err != nil {
			if errors.Is(err, persistence.ErrWorkItemNotFound) {
				audit.Record(ctx, "deny", "approval.check", "approved goal missing", tokenID)
				return false, "approved goal missing", nil
			}
			return false, "", err
		}
		spawned = &w
		bound = *parent
	}

	_, reason, ok := e.validate(t, bound, spawned)
	if !ok {
		audit.Record(ctx, "deny", "approval.check", reason, tokenID)
		return false, reason, nil
	}
	if t.ExecutionsUsed < 1 {
		audit.Record(ctx, "deny", "approval.check", "token never verified", tokenID)
		return false, "token never verified", nil
	}
	if t.ExecutionsUsed > t.MaxExecutions {
		audit.Record(ctx, "deny", "approval.check", "executions exceeded", tokenID)
		return false, "executions exceeded", nil
	}

	audit.Record(ctx, "allow", "approval.check", "entry gate passed", tokenID)
	return true, "", nil
}
