package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-warden/internal/approval"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/gate"
	"github.com/basket/go-warden/internal/lifecycle"
	"github.com/basket/go-warden/internal/message"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/routing"
	"github.com/basket/go-warden/internal/shared"
	"github.com/basket/go-warden/internal/workitem"
)

type fakePlanner struct {
	mu     sync.Mutex
	handle func(msg message.Message) ([]message.Message, error)
	seen   []message.Message
}

func (p *fakePlanner) Handle(ctx context.Context, msg message.Message) ([]message.Message, error) {
	p.mu.Lock()
	p.seen = append(p.seen, msg)
	p.mu.Unlock()
	if p.handle == nil {
		return nil, nil
	}
	return p.handle(msg)
}

// stubRunner produces a fixed artifact set; passVerifier accepts anything.
// Together they let dispatch-path tests drive an item to done without
// exercising the lifecycle's own attempt logic.
type stubRunner struct{ artifacts map[string]string }

func (r stubRunner) Run(ctx context.Context, req lifecycle.AttemptRequest) (lifecycle.AttemptResult, error) {
	return lifecycle.AttemptResult{Artifacts: r.artifacts}, nil
}

type passVerifier struct{}

func (passVerifier) RunChecks(ctx context.Context, checks []workitem.Check, artifacts map[string]string) (lifecycle.VerificationReport, error) {
	return lifecycle.VerificationReport{AllPassed: true}, nil
}

func newTestCoordinator(t *testing.T, planner Planner) (*Coordinator, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gowarden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	signer, err := approval.NewLocalSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	approvals := approval.NewEngine(store, signer)

	router := routing.NewRouter(store)
	engine := lifecycle.NewEngine(lifecycle.Config{
		Store:     store,
		Approvals: approvals,
		Router:    router,
		Gates:     gate.AllowAll{},
		Attempts:  stubRunner{},
		Verifier:  passVerifier{},
	})
	c := New(Config{
		Store:         store,
		Lifecycle:     engine,
		Approvals:     approvals,
		Router:        router,
		Planner:       planner,
		Bus:           bus.New(),
		WorkspaceRoot: t.TempDir(),
	})
	return c, store
}

func lease(t *testing.T, store *persistence.Store, queue string) *persistence.Delivery {
	t.Helper()
	d, err := store.Lease(context.Background(), queue, time.Minute)
	if err != nil {
		t.Fatalf("lease %s: %v", queue, err)
	}
	return d
}

func TestHandleRouterMessage_UserMessageBecomesPlanRequest(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	in := message.New(message.SenderUser, message.KindUserMessage, "scope-a", shared.NewTraceID())
	in.Content = "summarize the quarter"
	if err := c.handleRouterMessage(ctx, &persistence.Delivery{Queue: routing.QueueRouter, Message: in}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	d := lease(t, store, routing.QueuePlanner)
	if d == nil {
		t.Fatal("expected a plan_request on the planner queue")
	}
	out := d.Message
	if out.Kind != message.KindPlanRequest || out.Content != in.Content {
		t.Errorf("unexpected message %+v", out)
	}
	if out.TraceID != in.TraceID {
		t.Errorf("expected trace carried, got %s", out.TraceID)
	}
	if out.Taint != message.TaintUntrusted {
		t.Errorf("expected user content marked untrusted, got %s", out.Taint)
	}
}

func TestPersistPlannedItems_StoresValidItems(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	msg := message.New(message.SenderPlanner, message.KindPlanResult, "scope-a", "trace-1")
	msg.Payload.Data = map[string]any{
		"work_items": []any{
			map[string]any{"id": "item-1", "type": "task", "briefing": "draft the summary"},
			map[string]any{"id": "item-2", "type": "task", "briefing": "review it", "depends_on": []any{"item-1"}},
		},
	}
	if err := c.persistPlannedItems(ctx, msg); err != nil {
		t.Fatalf("persist: %v", err)
	}

	w, err := store.GetWorkItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("get item-1: %v", err)
	}
	if w.Status != workitem.StatusPending || w.ScopeID != "scope-a" {
		t.Errorf("expected pending item in the message scope, got %+v", w)
	}
	second, err := store.GetWorkItem(ctx, "item-2")
	if err != nil {
		t.Fatalf("get item-2: %v", err)
	}
	if len(second.DependsOn) != 1 || second.DependsOn[0] != "item-1" {
		t.Errorf("expected dependency preserved, got %+v", second.DependsOn)
	}
}

func TestPersistPlannedItems_ReplanInheritsDepth(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	prior := workitem.WorkItem{ID: "item-old", Type: workitem.TypeTask, Briefing: "first try", ScopeID: "scope-a"}
	if err := store.PutWorkItem(ctx, prior); err != nil {
		t.Fatalf("put prior: %v", err)
	}
	stored, err := store.GetWorkItem(ctx, prior.ID)
	if err != nil {
		t.Fatalf("reload prior: %v", err)
	}
	stored.ReplanDepth = 1
	if err := store.UpdateWorkItemRuntime(ctx, *stored); err != nil {
		t.Fatalf("set depth: %v", err)
	}

	msg := message.New(message.SenderPlanner, message.KindPlanResult, "scope-a", "trace-1")
	msg.Payload.Data = map[string]any{
		"replan_of": "item-old",
		"work_items": []any{
			map[string]any{"id": "item-new", "type": "task", "briefing": "second try"},
		},
	}
	if err := c.persistPlannedItems(ctx, msg); err != nil {
		t.Fatalf("persist: %v", err)
	}

	w, err := store.GetWorkItem(ctx, "item-new")
	if err != nil {
		t.Fatalf("get item-new: %v", err)
	}
	if w.ReplanDepth != 2 {
		t.Errorf("expected depth inherited plus one, got %d", w.ReplanDepth)
	}
	if w.FollowUpOf != "item-old" {
		t.Errorf("expected follow_up_of set, got %q", w.FollowUpOf)
	}
}

func TestPersistPlannedItems_RejectsMalformedItem(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, nil)

	msg := message.New(message.SenderPlanner, message.KindPlanResult, "scope-a", "trace-1")
	msg.Payload.Data = map[string]any{
		"work_items": []any{
			map[string]any{"id": "item-1", "type": "task"}, // no briefing
		},
	}
	if err := c.persistPlannedItems(ctx, msg); err == nil {
		t.Fatal("expected malformed planner output to be rejected")
	}

	// A plan_result without items is not an error.
	empty := message.New(message.SenderPlanner, message.KindPlanResult, "scope-a", "trace-2")
	if err := c.persistPlannedItems(ctx, empty); err != nil {
		t.Errorf("expected empty plan_result to be a no-op, got %v", err)
	}
}

func TestHandlePlannerMessage_RoutesPlannerOutput(t *testing.T) {
	ctx := context.Background()
	planner := &fakePlanner{handle: func(msg message.Message) ([]message.Message, error) {
		reply := msg.Derive(message.SenderPlanner, message.KindPlanResult)
		return []message.Message{reply}, nil
	}}
	c, store := newTestCoordinator(t, planner)

	in := message.New(message.SenderRouter, message.KindPlanRequest, "scope-a", "trace-1")
	if err := c.handlePlannerMessage(ctx, &persistence.Delivery{Queue: routing.QueuePlanner, Message: in}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	d := lease(t, store, routing.QueueRouter)
	if d == nil || d.Message.Kind != message.KindPlanResult {
		t.Fatalf("expected plan_result routed to the router queue, got %+v", d)
	}
}

func TestHandlePlannerMessage_NoPlannerIsAnError(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	in := message.New(message.SenderRouter, message.KindPlanRequest, "scope-a", "trace-1")
	if err := c.handlePlannerMessage(context.Background(), &persistence.Delivery{Queue: routing.QueuePlanner, Message: in}); err == nil {
		t.Fatal("expected missing planner collaborator to error")
	}
}

func TestHandleExecutorMessage_GuidanceWakesWaitingConsult(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, nil)

	got := make(chan message.Message, 1)
	go func() {
		reply, ok := c.lifecycle.Mailbox().Await(context.Background(), "item-1", 5*time.Second)
		if ok {
			got <- reply
		}
		close(got)
	}()

	guidance := message.New(message.SenderPlanner, message.KindPlannerGuidance, "scope-a", "trace-1")
	guidance.WorkItemID = "item-1"
	guidance.Content = "rename the artifact"

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := c.handleExecutorMessage(ctx, &persistence.Delivery{Queue: routing.QueueExecutor, Message: guidance})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		select {
		case reply, ok := <-got:
			if !ok || reply.Content != "rename the artifact" {
				t.Fatalf("expected guidance delivered, got %+v", reply)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("guidance never reached the waiting consult")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleExecutorMessage_GuidanceWithoutWaiterResumesItem(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	w := workitem.WorkItem{ID: "item-1", Type: workitem.TypeTask, Briefing: "draft it", ScopeID: "scope-a"}
	if err := store.PutWorkItem(ctx, w); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, step := range []workitem.Status{workitem.StatusRunning, workitem.StatusAwaitingGuidance} {
		from := workitem.StatusPending
		if step == workitem.StatusAwaitingGuidance {
			from = workitem.StatusRunning
		}
		if _, err := store.TransitionWorkItem(ctx, w.ID, []workitem.Status{from}, step); err != nil {
			t.Fatalf("advance to %s: %v", step, err)
		}
	}

	guidance := message.New(message.SenderPlanner, message.KindPlannerGuidance, "scope-a", "trace-1")
	guidance.WorkItemID = w.ID
	if err := c.handleExecutorMessage(ctx, &persistence.Delivery{Queue: routing.QueueExecutor, Message: guidance}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != workitem.StatusPending {
		t.Errorf("expected orphaned consult returned to pending, got %s", got.Status)
	}
}

func TestHandleStatusMessage_PublishesOnBus(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, nil)

	sub := c.eventBus.Subscribe("status.")
	defer c.eventBus.Unsubscribe(sub)

	msg := message.New(message.SenderExecutor, message.KindExecutionStatus, "scope-a", "trace-1")
	msg.WorkItemID = "item-1"
	msg.Payload.Status = &message.StatusPayload{WorkItemID: "item-1", Status: "done"}
	if err := c.handleStatusMessage(ctx, &persistence.Delivery{Queue: routing.QueueStatus, Message: msg}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "status.done" {
			t.Errorf("expected status.done topic, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a bus event")
	}
}

func TestHandleDelivery_SideEffectsHappenOnce(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	msg := message.New(message.SenderUser, message.KindUserMessage, "scope-a", "trace-1")
	if _, err := store.Enqueue(ctx, routing.QueueRouter, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var calls int
	handler := func(context.Context, *persistence.Delivery) error {
		calls++
		return nil
	}

	d := lease(t, store, routing.QueueRouter)
	if d == nil {
		t.Fatal("expected a delivery")
	}
	c.handleDelivery(ctx, "warden-router", d, handler)

	// Simulate redelivery after a crash between mark-processed and ack.
	if n, err := store.RecoverLeased(ctx); err != nil || n != 0 {
		t.Fatalf("expected acked message gone, recovered %d err %v", n, err)
	}
	if _, err := store.Enqueue(ctx, routing.QueueRouter, msg); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if d = lease(t, store, routing.QueueRouter); d != nil {
		c.handleDelivery(ctx, "warden-router", d, handler)
	}

	if calls != 1 {
		t.Errorf("expected handler side effects exactly once, got %d calls", calls)
	}
}

func TestHandleDelivery_HandlerErrorNacks(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	msg := message.New(message.SenderUser, message.KindUserMessage, "scope-a", "trace-1")
	if _, err := store.Enqueue(ctx, routing.QueueRouter, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := lease(t, store, routing.QueueRouter)
	if d == nil {
		t.Fatal("expected a delivery")
	}

	c.handleDelivery(ctx, "warden-router", d, func(context.Context, *persistence.Delivery) error {
		return fmt.Errorf("transient failure")
	})

	var state string
	var retries int
	err := store.DB().QueryRow(`
		SELECT state, retry_count FROM queue_messages WHERE message_id = ?;
	`, msg.MessageID).Scan(&state, &retries)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state != "queued" || retries != 1 {
		t.Errorf("expected requeue with one retry, got state=%s retries=%d", state, retries)
	}
}

func TestDependenciesDone(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	dep := workitem.WorkItem{ID: "dep-1", Type: workitem.TypeTask, Briefing: "prerequisite", ScopeID: "scope-a"}
	if err := store.PutWorkItem(ctx, dep); err != nil {
		t.Fatalf("put dep: %v", err)
	}
	w := &workitem.WorkItem{ID: "item-1", DependsOn: []string{"dep-1"}}

	ready, err := c.dependenciesDone(ctx, w)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ready {
		t.Error("expected pending dependency to hold the item back")
	}

	for _, step := range []workitem.Status{workitem.StatusRunning, workitem.StatusDone} {
		from := workitem.StatusPending
		if step == workitem.StatusDone {
			from = workitem.StatusRunning
		}
		if _, err := store.TransitionWorkItem(ctx, dep.ID, []workitem.Status{from}, step); err != nil {
			t.Fatalf("advance dep: %v", err)
		}
	}
	ready, err = c.dependenciesDone(ctx, w)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ready {
		t.Error("expected completed dependency to release the item")
	}

	missing := &workitem.WorkItem{ID: "item-2", DependsOn: []string{"ghost"}}
	if _, err := c.dependenciesDone(ctx, missing); err == nil {
		t.Error("expected unknown dependency to error")
	}
}

func TestLockResources_SerializesOverlappingSets(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	unlock := c.lockResources([]string{"calendar", "inbox"})

	acquired := make(chan struct{})
	go func() {
		u := c.lockResources([]string{"inbox"})
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping resource set acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock never released")
	}

	// Disjoint sets do not contend.
	u1 := c.lockResources([]string{"calendar"})
	u2 := c.lockResources([]string{"drive"})
	u2()
	u1()

	c.lockResources(nil)()
}

func TestDispatchPending_SkipsUnapprovedItems(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	w := workitem.WorkItem{ID: "item-1", Type: workitem.TypeTask, Briefing: "draft it", ScopeID: "scope-a"}
	if err := store.PutWorkItem(ctx, w); err != nil {
		t.Fatalf("put: %v", err)
	}

	// However many scans run, an item without a token never starts and never
	// leaves pending: it waits for a human decision, it does not rot.
	for i := 0; i < 5; i++ {
		c.dispatchPending(ctx)
	}
	c.wg.Wait()

	got, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != workitem.StatusPending || got.ApprovalTokenID != "" {
		t.Errorf("expected unapproved item left pending without a token, got status=%s token=%q", got.Status, got.ApprovalTokenID)
	}
}

func TestDispatchPending_ApprovedItemRunsToDone(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	w := workitem.WorkItem{ID: "item-1", Type: workitem.TypeTask, Briefing: "draft it", ScopeID: "scope-a"}
	if err := store.PutWorkItem(ctx, w); err != nil {
		t.Fatalf("put: %v", err)
	}
	tok, err := c.approvals.Issue(ctx, w, approval.Decision{
		Verdict: approval.VerdictApproved,
		Scope:   approval.ScopeSingle,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	stored, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	stored.ApprovalTokenID = tok.TokenID
	if err := store.UpdateWorkItemRuntime(ctx, *stored); err != nil {
		t.Fatalf("bind token: %v", err)
	}

	c.dispatchPending(ctx)
	c.wg.Wait()

	final, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("reload after run: %v", err)
	}
	if final.Status != workitem.StatusDone {
		t.Fatalf("expected approved item executed to done, got %s", final.Status)
	}

	// Dispatch consumed exactly one execution through the token.
	rec, err := store.GetToken(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if rec.ExecutionsUsed != 1 {
		t.Errorf("expected one execution consumed, got %d", rec.ExecutionsUsed)
	}
}

func TestDispatchPending_DeniedTokenBlocksItem(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t, nil)

	w := workitem.WorkItem{ID: "item-1", Type: workitem.TypeTask, Briefing: "draft it", ScopeID: "scope-a"}
	if err := store.PutWorkItem(ctx, w); err != nil {
		t.Fatalf("put: %v", err)
	}
	tok, err := c.approvals.Issue(ctx, w, approval.Decision{
		Verdict: approval.VerdictDenied,
		Scope:   approval.ScopeSingle,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	stored, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	stored.ApprovalTokenID = tok.TokenID
	if err := store.UpdateWorkItemRuntime(ctx, *stored); err != nil {
		t.Fatalf("bind token: %v", err)
	}

	c.dispatchPending(ctx)
	c.wg.Wait()

	final, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("reload after dispatch: %v", err)
	}
	if final.Status != workitem.StatusBlocked {
		t.Fatalf("expected denied item blocked, got %s", final.Status)
	}
	rec, err := store.GetToken(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if rec.ExecutionsUsed != 0 {
		t.Errorf("expected no execution consumed on denial, got %d", rec.ExecutionsUsed)
	}
}

func TestMarkInflight(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	if !c.markInflight("item-1") {
		t.Fatal("expected first mark to succeed")
	}
	if c.markInflight("item-1") {
		t.Error("expected duplicate mark to fail while running")
	}
	c.clearInflight("item-1")
	if !c.markInflight("item-1") {
		t.Error("expected mark to succeed after clear")
	}
}
