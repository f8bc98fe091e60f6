// Package lifecycle drives the work-item execution state machine: entry
// approval check, bounded attempt loop with gate trigger points, deterministic
// verification, consult-planner suspension, and the replan cascade. Every
// state the machine needs to resume after a crash is persisted before the
// operation depending on it completes.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-warden/internal/approval"
	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/gate"
	"github.com/basket/go-warden/internal/message"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/routing"
	"github.com/basket/go-warden/internal/shared"
	"github.com/basket/go-warden/internal/workitem"
)

const (
	// defaultConsultTimeout bounds the wait for planner_guidance. Timing out
	// is a normal, retryable outcome, not a failure.
	defaultConsultTimeout = 90 * time.Second

	// defaultMaxReplanDepth bounds the replan cascade when the work item does
	// not set its own.
	defaultMaxReplanDepth = 2

	// defaultMaxAttempts applies when the budget leaves max_attempts
	// unlimited; the attempt loop must always terminate.
	defaultMaxAttempts = 3
)

// Config wires the lifecycle engine's collaborators.
type Config struct {
	Store     *persistence.Store
	Approvals *approval.Engine
	Router    *routing.Router
	Gates     gate.Evaluator
	Attempts  AttemptRunner
	Verifier  VerificationRunner
	Mailbox   *GuidanceMailbox
	Bus       *bus.Bus
	Logger    *slog.Logger

	ConsultTimeout time.Duration

	// PlannerBudget is the planner's own allocation. Consults and replan
	// generation charge here, never the work item's budget, so a stuck item
	// cannot starve its own recovery.
	PlannerBudget workitem.Budget
}

// Engine executes work items through the full recovery cascade:
// retry -> consult-planner -> re-plan -> human escalation.
type Engine struct {
	store     *persistence.Store
	approvals *approval.Engine
	router    *routing.Router
	gates     gate.Evaluator
	attempts  AttemptRunner
	verifier  VerificationRunner
	mailbox   *GuidanceMailbox
	eventBus  *bus.Bus
	logger    *slog.Logger

	consultTimeout time.Duration

	plannerMu     sync.Mutex
	plannerBudget workitem.Budget
	plannerUsed   workitem.BudgetUsed
}

func NewEngine(cfg Config) *Engine {
	if cfg.ConsultTimeout <= 0 {
		cfg.ConsultTimeout = defaultConsultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = NewGuidanceMailbox()
	}
	return &Engine{
		store:          cfg.Store,
		approvals:      cfg.Approvals,
		router:         cfg.Router,
		gates:          cfg.Gates,
		attempts:       cfg.Attempts,
		verifier:       cfg.Verifier,
		mailbox:        cfg.Mailbox,
		eventBus:       cfg.Bus,
		logger:         cfg.Logger,
		consultTimeout: cfg.ConsultTimeout,
		plannerBudget:  cfg.PlannerBudget,
	}
}

// Mailbox exposes the guidance mailbox so the coordinator can deliver
// planner_guidance messages.
func (e *Engine) Mailbox() *GuidanceMailbox { return e.mailbox }

// chargePlanner consumes one planner call from the planner's allocation.
// Returns false when the planner budget is exhausted.
func (e *Engine) chargePlanner() bool {
	e.plannerMu.Lock()
	defer e.plannerMu.Unlock()
	if e.plannerUsed.Exceeds(e.plannerBudget) {
		return false
	}
	e.plannerUsed.PlannerCalls++
	return true
}

// Execute runs one work item to a terminal or suspended outcome. workspace is
// the isolated directory prepared by the coordinator for this item's attempts.
func (e *Engine) Execute(ctx context.Context, workItemID, workspace string) error {
	w, err := e.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return err
	}
	ctx = shared.WithWorkItemID(shared.WithScopeID(ctx, w.ScopeID), w.ID)
	log := e.logger.With("work_item", w.ID, "scope_id", w.ScopeID, "trace_id", shared.TraceID(ctx))

	// Step 0: the single non-bypassable gate. No code path may begin attempt
	// work before this check passes.
	ok, reason, err := e.approvals.Check(ctx, w.ApprovalTokenID, *w)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("approval check failed, blocking", "reason", reason)
		if _, err := e.store.TransitionWorkItem(ctx, w.ID,
			[]workitem.Status{workitem.StatusPending, workitem.StatusRunning}, workitem.StatusBlocked); err != nil {
			return err
		}
		e.publishItemEvent(bus.TopicItemBlocked, *w, workitem.StatusBlocked)
		return e.emitStatus(ctx, *w, "blocked", reason, message.ErrApprovalDenied, false, w.Attempts)
	}

	guidance, err := e.hydrateFollowUp(ctx, w)
	if err != nil {
		return err
	}

	maxAttempts := w.Budget.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for {
		if w.BudgetUsed.Exceeds(w.Budget) || w.BudgetUsed.Attempts >= maxAttempts {
			return e.replanOrEscalate(ctx, w, guidance)
		}

		if _, err := e.store.TransitionWorkItem(ctx, w.ID,
			[]workitem.Status{workitem.StatusPending, workitem.StatusAwaitingGuidance}, workitem.StatusRunning); err != nil {
			return err
		}

		gctx := map[string]string{
			"work_item_id": w.ID,
			"scope_id":     w.ScopeID,
			"workspace":    workspace,
		}
		res, err := e.gates.Evaluate(ctx, w.Gates, gate.TriggerPreAttempt, gctx)
		if err != nil {
			return fmt.Errorf("evaluate pre-attempt gates: %w", err)
		}
		if res.Action != gate.ActionContinue {
			log.Warn("pre-attempt gate stopped execution", "action", res.Action, "reason", res.Reason)
			if _, err := e.store.TransitionWorkItem(ctx, w.ID,
				[]workitem.Status{workitem.StatusRunning}, workitem.StatusBlocked); err != nil {
				return err
			}
			e.publishItemEvent(bus.TopicItemBlocked, *w, workitem.StatusBlocked)
			// require_approval parks the item for a fresh human decision; a
			// plain block is a policy denial.
			errCode := message.ErrGateBlocked
			detail := res.Reason
			if res.Action == gate.ActionRequireApproval {
				errCode = message.ErrApprovalDenied
				detail = "approval required: " + res.Reason
			}
			return e.emitStatus(ctx, *w, "blocked", detail, errCode, false, w.Attempts)
		}

		attemptStart := time.Now()
		w.Attempts++
		w.BudgetUsed.Attempts++
		attempt := w.Attempts
		log.Info("attempt starting", "attempt", attempt)

		result, attemptErr := e.attempts.Run(shared.WithAttempt(ctx, attempt), AttemptRequest{
			Item:      *w,
			Briefing:  w.Briefing,
			Guidance:  guidance,
			Workspace: workspace,
			Attempt:   attempt,
		})
		// Merge is for descendant aggregation; an attempt's own usage adds in
		// place without counting as a sub-run.
		w.BudgetUsed.Tokens += result.Usage.Tokens
		w.BudgetUsed.CostUSD += result.Usage.CostUSD
		w.BudgetUsed.WallTimeSeconds += int(time.Since(attemptStart).Seconds())
		if err := e.store.UpdateWorkItemRuntime(ctx, *w); err != nil {
			return err
		}

		if attemptErr != nil {
			log.Warn("attempt failed", "attempt", attempt, "error", attemptErr)
			guidance = e.afterFailure(ctx, w, &guidance,
				failure{code: message.ErrToolFailure, detail: attemptErr.Error(), retryable: true, attempt: attempt})
			continue
		}

		report, err := e.verifier.RunChecks(ctx, w.Checks, result.Artifacts)
		if err != nil {
			log.Warn("verification runner failed", "attempt", attempt, "error", err)
			guidance = e.afterFailure(ctx, w, &guidance,
				failure{code: message.ErrToolFailure, detail: err.Error(), retryable: true, attempt: attempt})
			continue
		}
		w.VerificationResults = report.Results
		if err := e.store.UpdateWorkItemRuntime(ctx, *w); err != nil {
			return err
		}

		if report.AllPassed {
			if _, err := e.store.TransitionWorkItem(ctx, w.ID,
				[]workitem.Status{workitem.StatusRunning}, workitem.StatusDone); err != nil {
				return err
			}
			log.Info("work item done", "attempts", w.Attempts)
			e.publishItemEvent(bus.TopicItemDone, *w, workitem.StatusDone)
			return e.emitStatus(ctx, *w, "done", "", "", false, attempt)
		}

		detail := verificationDetail(report)
		log.Warn("verification failed", "attempt", attempt, "detail", detail)
		guidance = e.afterFailure(ctx, w, &guidance,
			failure{code: message.ErrVerificationFailed, detail: detail, retryable: true, attempt: attempt})
	}
}

type failure struct {
	code      string
	detail    string
	retryable bool
	attempt   int
}

// afterFailure applies the item's on_stuck policy to one failed attempt and
// returns the guidance accumulated so far.
func (e *Engine) afterFailure(ctx context.Context, w *workitem.WorkItem, guidance *[]string, f failure) []string {
	if w.OnStuck != workitem.OnStuckConsultPlanner {
		return *guidance
	}
	advice, ok := e.consult(ctx, w, f)
	if ok {
		*guidance = append(*guidance, advice)
	}
	return *guidance
}

// consult suspends the item as durable state, asks the planner, and waits.
// Planner calls charge the planner's allocation, never the work item's.
func (e *Engine) consult(ctx context.Context, w *workitem.WorkItem, f failure) (string, bool) {
	if !e.chargePlanner() {
		e.logger.Warn("planner budget exhausted, skipping consult", "work_item", w.ID)
		audit.Record(ctx, "deny", "lifecycle.consult", "planner budget exhausted", w.ID)
		return "", false
	}

	if _, err := e.store.TransitionWorkItem(ctx, w.ID,
		[]workitem.Status{workitem.StatusRunning}, workitem.StatusAwaitingGuidance); err != nil {
		e.logger.Error("suspend for consult failed", "work_item", w.ID, "error", err)
		return "", false
	}

	msg := message.New(message.SenderExecutor, message.KindConsultPlanner, w.ScopeID, shared.TraceID(ctx))
	msg.WorkItemID = w.ID
	msg.Content = fmt.Sprintf("attempt %d failed: %s", f.attempt, f.detail)
	msg.ErrorCode = f.code
	msg.Retryable = f.retryable
	msg.OriginAgent = string(message.SenderExecutor)
	msg.AttemptNumber = f.attempt
	msg.Payload.Data = map[string]any{
		"briefing":             w.Briefing,
		"verification_results": w.VerificationResults,
		"budget_used":          w.BudgetUsed,
	}
	if err := e.router.Dispatch(ctx, msg); err != nil {
		e.logger.Error("consult dispatch failed", "work_item", w.ID, "error", err)
	}

	reply, ok := e.mailbox.Await(ctx, w.ID, e.consultTimeout)
	if _, err := e.store.TransitionWorkItem(ctx, w.ID,
		[]workitem.Status{workitem.StatusAwaitingGuidance}, workitem.StatusRunning); err != nil {
		e.logger.Error("resume after consult failed", "work_item", w.ID, "error", err)
	}
	if !ok {
		e.logger.Info("consult timed out", "work_item", w.ID, "timeout", e.consultTimeout)
		audit.Record(ctx, "allow", "lifecycle.consult", "timeout, continuing under retry budget", w.ID)
		// The timeout is recorded as a retryable error so observers see why
		// the next attempt runs unguided.
		if err := e.emitStatus(ctx, *w, "retrying",
			fmt.Sprintf("consult timed out after %s", e.consultTimeout), message.ErrTimeout, true, f.attempt); err != nil {
			e.logger.Error("emit consult timeout status failed", "work_item", w.ID, "error", err)
		}
		return "", false
	}
	audit.Record(ctx, "allow", "lifecycle.consult", "guidance received", w.ID)
	return reply.Content, true
}

// replanOrEscalate runs once attempts and consults are exhausted. A
// replan_request must be attempted before any terminal stuck state; terminal
// stuck/blocked is the only point where the system surfaces to a human.
func (e *Engine) replanOrEscalate(ctx context.Context, w *workitem.WorkItem, guidance []string) error {
	maxDepth := w.MaxReplanDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxReplanDepth
	}

	if w.ReplanDepth < maxDepth && e.chargePlanner() {
		msg := message.New(message.SenderExecutor, message.KindReplanRequest, w.ScopeID, shared.TraceID(ctx))
		msg.WorkItemID = w.ID
		msg.Content = "attempts and consults exhausted, requesting revised plan"
		msg.ErrorCode = message.ErrBudgetExceeded
		msg.Retryable = true
		msg.OriginAgent = string(message.SenderExecutor)
		msg.AttemptNumber = w.Attempts
		msg.Payload.Data = map[string]any{
			"briefing":             w.Briefing,
			"attempts":             w.Attempts,
			"budget_used":          w.BudgetUsed,
			"verification_results": w.VerificationResults,
			"guidance":             guidance,
			"replan_depth":         w.ReplanDepth,
		}
		if err := e.router.Dispatch(ctx, msg); err != nil {
			return fmt.Errorf("dispatch replan request: %w", err)
		}
		audit.Record(ctx, "allow", "lifecycle.replan", "replan requested", w.ID)

		// The revised plan re-enters the approval flow as a fresh work item;
		// this one ends failed, superseded by its successor.
		if _, err := e.store.TransitionWorkItem(ctx, w.ID,
			[]workitem.Status{workitem.StatusRunning, workitem.StatusPending}, workitem.StatusFailed); err != nil {
			return err
		}
		return e.emitStatus(ctx, *w, "failed", "superseded by replan", message.ErrBudgetExceeded, false, w.Attempts)
	}

	// Every automated rung is exhausted. Surface to a human.
	if _, err := e.store.TransitionWorkItem(ctx, w.ID,
		[]workitem.Status{workitem.StatusRunning, workitem.StatusPending}, workitem.StatusStuck); err != nil {
		return err
	}
	audit.Record(ctx, "deny", "lifecycle.escalate", "cascade exhausted", w.ID)
	e.publishItemEvent(bus.TopicItemStuck, *w, workitem.StatusStuck)
	e.publishItemEvent(bus.TopicItemEscalated, *w, workitem.StatusStuck)
	e.logger.Error("work item stuck after full cascade", "work_item", w.ID, "attempts", w.Attempts, "replan_depth", w.ReplanDepth)
	return e.emitStatus(ctx, *w, "stuck", "recovery cascade exhausted", message.ErrBudgetExceeded, false, w.Attempts)
}

// hydrateFollowUp seeds the first attempt with the predecessor's outcome when
// the item follows up on earlier work.
func (e *Engine) hydrateFollowUp(ctx context.Context, w *workitem.WorkItem) ([]string, error) {
	if w.FollowUpOf == "" {
		return nil, nil
	}
	prior, err := e.store.GetWorkItem(ctx, w.FollowUpOf)
	if err != nil {
		return nil, fmt.Errorf("hydrate follow_up_of %s: %w", w.FollowUpOf, err)
	}
	guidance := []string{fmt.Sprintf("follow-up of %s (%s): %s", prior.ID, prior.Status, prior.Briefing)}
	for _, r := range prior.VerificationResults {
		if r.Detail != "" {
			guidance = append(guidance, fmt.Sprintf("prior check %s: %s", r.Name, r.Detail))
		}
	}
	return guidance, nil
}

func (e *Engine) emitStatus(ctx context.Context, w workitem.WorkItem, status, detail, errorCode string, retryable bool, attempt int) error {
	msg := message.New(message.SenderExecutor, message.KindExecutionStatus, w.ScopeID, shared.TraceID(ctx))
	msg.WorkItemID = w.ID
	msg.Payload.Status = &message.StatusPayload{WorkItemID: w.ID, Status: status, Detail: detail}
	if errorCode != "" {
		msg.ErrorCode = errorCode
		msg.Retryable = retryable
		msg.OriginAgent = string(message.SenderExecutor)
		msg.AttemptNumber = attempt
	}
	return e.router.Dispatch(ctx, msg)
}

func (e *Engine) publishItemEvent(topic string, w workitem.WorkItem, status workitem.Status) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(topic, bus.ItemStateChangedEvent{
		WorkItemID: w.ID,
		ScopeID:    w.ScopeID,
		NewStatus:  string(status),
	})
}

func verificationDetail(report VerificationReport) string {
	for _, r := range report.Results {
		if !r.Passed {
			if r.Detail != "" {
				return fmt.Sprintf("check %s failed: %s", r.Name, r.Detail)
			}
			return fmt.Sprintf("check %s failed", r.Name)
		}
	}
	return "verification failed"
}
