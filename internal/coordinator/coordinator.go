// Package coordinator runs the consumer loops that drive the runtime: one
// loop per queue leasing messages from the durable store, plus a dispatch
// loop that executes approved pending work items under per-scope and global
// concurrency caps. Consumers check the idempotency ledger before any side
// effect; the store guarantees delivery, the ledger turns it into
// effectively-once effects.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-warden/internal/approval"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/lifecycle"
	"github.com/basket/go-warden/internal/message"
	otelw "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/routing"
	"github.com/basket/go-warden/internal/shared"
	"github.com/basket/go-warden/internal/workitem"
)

const (
	defaultLeaseDuration     = 30 * time.Second
	defaultPollInterval      = 250 * time.Millisecond
	defaultDispatchInterval  = time.Second
	defaultGlobalConcurrency = 4
	defaultScopeConcurrency  = 2
)

// Planner is the black-box planning collaborator. It consumes plan_request,
// research_request, consult_planner and replan_request messages and produces
// planner_guidance / plan_result / research_result messages, which the
// coordinator dispatches back through the routing table.
type Planner interface {
	Handle(ctx context.Context, msg message.Message) ([]message.Message, error)
}

// Config wires the coordinator.
type Config struct {
	Store     *persistence.Store
	Lifecycle *lifecycle.Engine
	Approvals *approval.Engine
	Router    *routing.Router
	Planner   Planner
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelw.Metrics

	WorkspaceRoot     string
	LeaseDuration     time.Duration
	PollInterval      time.Duration
	DispatchInterval  time.Duration
	GlobalConcurrency int
	ScopeConcurrency  int
}

// Coordinator owns the consumer loops and the work-item dispatch loop.
type Coordinator struct {
	store     *persistence.Store
	lifecycle *lifecycle.Engine
	approvals *approval.Engine
	router    *routing.Router
	planner   Planner
	eventBus  *bus.Bus
	logger    *slog.Logger
	metrics   *otelw.Metrics

	workspaceRoot    string
	leaseDuration    time.Duration
	pollInterval     time.Duration
	dispatchInterval time.Duration

	globalSem chan struct{}
	scopeCap  int
	scopeMu   sync.Mutex
	scopeSems map[string]chan struct{}

	resourceMu    sync.Mutex
	resourceLocks map[string]*sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Coordinator {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaultDispatchInterval
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = defaultGlobalConcurrency
	}
	if cfg.ScopeConcurrency <= 0 {
		cfg.ScopeConcurrency = defaultScopeConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		store:            cfg.Store,
		lifecycle:        cfg.Lifecycle,
		approvals:        cfg.Approvals,
		router:           cfg.Router,
		planner:          cfg.Planner,
		eventBus:         cfg.Bus,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		workspaceRoot:    cfg.WorkspaceRoot,
		leaseDuration:    cfg.LeaseDuration,
		pollInterval:     cfg.PollInterval,
		dispatchInterval: cfg.DispatchInterval,
		globalSem:        make(chan struct{}, cfg.GlobalConcurrency),
		scopeCap:         cfg.ScopeConcurrency,
		scopeSems:        make(map[string]chan struct{}),
		resourceLocks:    make(map[string]*sync.Mutex),
		inflight:         make(map[string]struct{}),
	}
}

// Start launches every loop. Call Stop to drain.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	loops := []struct {
		queue   string
		handler func(context.Context, *persistence.Delivery) error
	}{
		{routing.QueueRouter, c.handleRouterMessage},
		{routing.QueuePlanner, c.handlePlannerMessage},
		{routing.QueueExecutor, c.handleExecutorMessage},
		{routing.QueueStatus, c.handleStatusMessage},
	}
	for _, l := range loops {
		c.wg.Add(1)
		go c.consumeLoop(ctx, l.queue, l.handler)
	}

	c.wg.Add(1)
	go c.dispatchLoop(ctx)

	c.wg.Add(1)
	go c.leaseRecoveryLoop(ctx)

	c.logger.Info("coordinator started",
		"lease_duration", c.leaseDuration,
		"global_concurrency", cap(c.globalSem),
		"scope_concurrency", c.scopeCap,
	)
}

// Stop cancels every loop and waits for in-flight work to settle.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

// consumeLoop is one consumer for one queue: lease, heartbeat, ledger check,
// side effects, mark processed, ack. Errors nack; the store decides between
// requeue-with-backoff and dead-letter.
func (c *Coordinator) consumeLoop(ctx context.Context, queue string, handler func(context.Context, *persistence.Delivery) error) {
	defer c.wg.Done()
	consumer := "warden-" + queue

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := c.store.Lease(ctx, queue, c.leaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("lease failed", "queue", queue, "error", err)
			c.sleep(ctx, c.pollInterval)
			continue
		}
		if delivery == nil {
			c.sleep(ctx, c.pollInterval)
			continue
		}
		if c.metrics != nil {
			c.metrics.MessagesLeased.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
		}
		c.handleDelivery(ctx, consumer, delivery, handler)
	}
}

func (c *Coordinator) handleDelivery(ctx context.Context, consumer string, d *persistence.Delivery, handler func(context.Context, *persistence.Delivery) error) {
	msg := d.Message
	ctx = shared.WithConsumer(shared.WithScopeID(shared.WithTraceID(ctx, msg.TraceID), msg.ScopeID), consumer)
	log := c.logger.With("queue", d.Queue, "message_id", msg.MessageID, "trace_id", msg.TraceID, "kind", msg.Kind)

	// Heartbeat at under one third of the lease duration; a missed heartbeat
	// is treated as a crash and the message becomes eligible for redelivery.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go c.heartbeatLoop(hbCtx, d)
	defer stopHeartbeat()

	processed, err := c.store.HasProcessed(ctx, consumer, msg.MessageID)
	if err != nil {
		log.Error("ledger check failed", "error", err)
		c.nack(ctx, d, err)
		return
	}
	if !processed {
		if err := handler(ctx, d); err != nil {
			log.Warn("handler failed", "error", err)
			c.nack(ctx, d, err)
			return
		}
		if err := c.store.MarkProcessed(ctx, consumer, msg.MessageID); err != nil {
			log.Error("mark processed failed", "error", err)
			c.nack(ctx, d, err)
			return
		}
		// Side effects for this message are done exactly once; the msg nonce
		// domain records the fact independently of delivery state.
		if err := c.store.RecordNonce(ctx, persistence.NonceDomainMsg, consumer+":"+msg.MessageID); err != nil &&
			!errors.Is(err, persistence.ErrNonceReplayed) {
			log.Warn("record message nonce failed", "error", err)
		}
	} else {
		log.Info("duplicate delivery, side effects skipped")
	}

	stopHeartbeat()
	if err := c.store.Ack(ctx, d.Queue, msg.MessageID, d.LeaseOwner); err != nil {
		// The lease may have lapsed while we worked; the ledger makes the
		// inevitable redelivery harmless.
		log.Warn("ack failed", "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.MessagesAcked.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", d.Queue)))
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, d *persistence.Delivery) {
	interval := c.leaseDuration / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := c.store.Heartbeat(ctx, d.Queue, d.Message.MessageID, d.LeaseOwner, c.leaseDuration)
			if err != nil || !ok {
				return
			}
		}
	}
}

func (c *Coordinator) nack(ctx context.Context, d *persistence.Delivery, cause error) {
	decision, err := c.store.Nack(ctx, d.Queue, d.Message.MessageID, d.LeaseOwner, cause.Error())
	if err != nil {
		c.logger.Error("nack failed", "queue", d.Queue, "message_id", d.Message.MessageID, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.MessagesNacked.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", d.Queue)))
		if decision.Outcome == persistence.NackOutcomeDeadLetter {
			c.metrics.DeadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", d.Queue)))
		}
	}
}

// handleRouterMessage turns user input into planning work and persists
// planner-produced work items.
func (c *Coordinator) handleRouterMessage(ctx context.Context, d *persistence.Delivery) error {
	msg := d.Message
	switch msg.Kind {
	case message.KindUserMessage:
		req := msg.Derive(message.SenderRouter, message.KindPlanRequest)
		req.Content = msg.Content
		req.Taint = message.TaintUntrusted
		return c.router.Dispatch(ctx, req)

	case message.KindPlanResult:
		return c.persistPlannedItems(ctx, msg)

	case message.KindResearchResult:
		// Research output feeds straight back into planning.
		if c.planner == nil {
			return nil
		}
		out, err := c.planner.Handle(ctx, msg)
		if err != nil {
			return fmt.Errorf("planner research follow-up: %w", err)
		}
		return c.dispatchAll(ctx, out)

	default:
		c.logger.Warn("router consumer ignoring message", "kind", msg.Kind)
		return nil
	}
}

// persistPlannedItems validates and stores the work items carried by a
// plan_result. A replanned item inherits the predecessor's replan depth plus
// one: the cascade shares one counter per root item.
func (c *Coordinator) persistPlannedItems(ctx context.Context, msg message.Message) error {
	raws, ok := msg.Payload.Data["work_items"].([]any)
	if !ok || len(raws) == 0 {
		return nil
	}
	replanOf, _ := msg.Payload.Data["replan_of"].(string)

	for _, raw := range raws {
		w, err := decodeWorkItem(raw)
		if err != nil {
			return err
		}
		if w.ScopeID == "" {
			w.ScopeID = msg.ScopeID
		}
		if replanOf != "" {
			prior, err := c.store.GetWorkItem(ctx, replanOf)
			if err != nil {
				return fmt.Errorf("load replanned predecessor: %w", err)
			}
			w.ReplanDepth = prior.ReplanDepth + 1
			if w.FollowUpOf == "" {
				w.FollowUpOf = prior.ID
			}
		}
		if err := c.store.PutWorkItem(ctx, w); err != nil {
			return err
		}
		c.logger.Info("work item persisted", "work_item", w.ID, "type", w.Type, "replan_depth", w.ReplanDepth)
	}
	return nil
}

func decodeWorkItem(raw any) (workitem.WorkItem, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return workitem.WorkItem{}, fmt.Errorf("encode work item payload: %w", err)
	}
	return workitem.DecodeDefinition(string(encoded))
}

// handlePlannerMessage hands planning work to the black-box collaborator and
// routes whatever it produces.
func (c *Coordinator) handlePlannerMessage(ctx context.Context, d *persistence.Delivery) error {
	if c.planner == nil {
		return fmt.Errorf("no planner collaborator configured")
	}
	out, err := c.planner.Handle(ctx, d.Message)
	if err != nil {
		return fmt.Errorf("planner handle %s: %w", d.Message.Kind, err)
	}
	return c.dispatchAll(ctx, out)
}

// handleExecutorMessage resumes suspended lifecycles: planner_guidance wakes
// the waiting consult.
func (c *Coordinator) handleExecutorMessage(ctx context.Context, d *persistence.Delivery) error {
	msg := d.Message
	if msg.Kind != message.KindPlannerGuidance {
		c.logger.Warn("executor consumer ignoring message", "kind", msg.Kind)
		return nil
	}
	if c.lifecycle.Mailbox().Deliver(msg) {
		return nil
	}
	// Nothing waiting in this process: the item crashed mid-consult or runs
	// elsewhere. Its persisted awaiting state resumes through dispatch; the
	// guidance is preserved as the item's next attempt input.
	_, err := c.store.TransitionWorkItem(ctx, msg.WorkItemID,
		[]workitem.Status{workitem.StatusAwaitingGuidance}, workitem.StatusPending)
	return err
}

// handleStatusMessage is the status sink: execution_status and system events
// go out on the in-process bus for presentation surfaces. The runtime itself
// never renders UI.
func (c *Coordinator) handleStatusMessage(ctx context.Context, d *persistence.Delivery) error {
	msg := d.Message
	if c.eventBus == nil {
		return nil
	}
	topic := "status." + string(msg.Kind)
	if msg.Payload.Status != nil {
		topic = "status." + msg.Payload.Status.Status
	}
	c.eventBus.Publish(topic, msg)
	return nil
}

func (c *Coordinator) dispatchAll(ctx context.Context, msgs []message.Message) error {
	for _, m := range msgs {
		if err := c.router.Dispatch(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// dispatchLoop scans for pending work items whose dependencies are satisfied
// and executes them under the concurrency caps.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatchPending(ctx)
		}
	}
}

func (c *Coordinator) dispatchPending(ctx context.Context) {
	ids, err := c.store.ListWorkItemsByStatus(ctx, workitem.StatusPending, 50)
	if err != nil {
		c.logger.Error("list pending work items failed", "error", err)
		return
	}
	for _, id := range ids {
		w, err := c.store.GetWorkItem(ctx, id)
		if err != nil {
			c.logger.Error("load pending work item failed", "work_item", id, "error", err)
			continue
		}
		if w.ApprovalTokenID == "" {
			continue // Not yet approved; the entry gate would block anyway.
		}
		ready, err := c.dependenciesDone(ctx, w)
		if err != nil {
			c.logger.Error("dependency check failed", "work_item", id, "error", err)
			continue
		}
		if !ready {
			continue
		}
		if !c.markInflight(id) {
			continue
		}
		c.wg.Add(1)
		go c.runWorkItem(ctx, w)
	}
}

func (c *Coordinator) dependenciesDone(ctx context.Context, w *workitem.WorkItem) (bool, error) {
	for _, dep := range w.DependsOn {
		d, err := c.store.GetWorkItem(ctx, dep)
		if err != nil {
			return false, err
		}
		if d.Status != workitem.StatusDone && d.Status != workitem.StatusHealthy {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) markInflight(id string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, running := c.inflight[id]; running {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) clearInflight(id string) {
	c.inflightMu.Lock()
	delete(c.inflight, id)
	c.inflightMu.Unlock()
}

// runWorkItem executes one work item end to end: caps, resource locks,
// isolated workspace, lifecycle, then workspace reconciliation.
func (c *Coordinator) runWorkItem(ctx context.Context, w *workitem.WorkItem) {
	defer c.wg.Done()
	defer c.clearInflight(w.ID)

	select {
	case c.globalSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-c.globalSem }()

	scopeSem := c.scopeSem(w.ScopeID)
	select {
	case scopeSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-scopeSem }()

	// Items touching the same mutable resources serialize regardless of the
	// dependency graph. Locks are taken in sorted order.
	unlock := c.lockResources(w.Resources)
	defer unlock()

	if c.metrics != nil {
		c.metrics.ActiveExecutions.Add(ctx, 1)
		defer c.metrics.ActiveExecutions.Add(ctx, -1)
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	// The consuming authorization happens exactly here, once per dispatch
	// decision. Everything downstream (including the lifecycle's entry check)
	// is non-consuming, so infrastructure retries cannot burn executions.
	ok, reason, err := c.approvals.Authorize(ctx, w.ApprovalTokenID, *w)
	if err != nil {
		c.logger.Error("authorization failed", "work_item", w.ID, "error", err)
		return
	}
	if !ok {
		c.logger.Warn("execution not authorized, blocking item", "work_item", w.ID, "reason", reason)
		if _, terr := c.store.TransitionWorkItem(ctx, w.ID,
			[]workitem.Status{workitem.StatusPending}, workitem.StatusBlocked); terr != nil {
			c.logger.Error("block unauthorized item failed", "work_item", w.ID, "error", terr)
		}
		if c.eventBus != nil {
			c.eventBus.Publish(bus.TopicItemBlocked, bus.ItemStateChangedEvent{
				WorkItemID: w.ID,
				ScopeID:    w.ScopeID,
				NewStatus:  string(workitem.StatusBlocked),
			})
		}
		return
	}

	workspace, err := prepareWorkspace(c.workspaceRoot, w.ScopeID, w.ID)
	if err != nil {
		c.logger.Error("workspace preparation failed", "work_item", w.ID, "error", err)
		return
	}

	if err := c.lifecycle.Execute(ctx, w.ID, workspace); err != nil {
		c.logger.Error("lifecycle execution failed", "work_item", w.ID, "error", err)
		return
	}

	final, err := c.store.GetWorkItem(ctx, w.ID)
	if err != nil {
		c.logger.Error("reload after execution failed", "work_item", w.ID, "error", err)
		return
	}
	if final.Status != workitem.StatusDone {
		return
	}
	if err := mergeWorkspace(workspace, sharedWorkspace(c.workspaceRoot, w.ScopeID)); err != nil {
		var conflict ErrMergeConflict
		if errors.As(err, &conflict) {
			c.logger.Warn("workspace merge conflict, blocking item", "work_item", w.ID, "path", conflict.Path)
			if c.metrics != nil {
				c.metrics.WorkspaceConflict.Add(ctx, 1)
			}
			if _, terr := c.store.TransitionWorkItem(ctx, w.ID,
				[]workitem.Status{workitem.StatusDone}, workitem.StatusBlocked); terr != nil {
				c.logger.Error("block on merge conflict failed", "work_item", w.ID, "error", terr)
			}
			return
		}
		c.logger.Error("workspace merge failed", "work_item", w.ID, "error", err)
	}
}

func (c *Coordinator) scopeSem(scopeID string) chan struct{} {
	c.scopeMu.Lock()
	defer c.scopeMu.Unlock()
	sem, ok := c.scopeSems[scopeID]
	if !ok {
		sem = make(chan struct{}, c.scopeCap)
		c.scopeSems[scopeID] = sem
	}
	return sem
}

func (c *Coordinator) lockResources(resources []string) func() {
	if len(resources) == 0 {
		return func() {}
	}
	names := append([]string(nil), resources...)
	sort.Strings(names)

	var locked []*sync.Mutex
	for _, name := range names {
		c.resourceMu.Lock()
		lock, ok := c.resourceLocks[name]
		if !ok {
			lock = &sync.Mutex{}
			c.resourceLocks[name] = lock
		}
		c.resourceMu.Unlock()
		lock.Lock()
		locked = append(locked, lock)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// leaseRecoveryLoop periodically returns expired leases to queued.
func (c *Coordinator) leaseRecoveryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.leaseDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.RequeueExpiredLeases(ctx)
			if err != nil {
				c.logger.Error("requeue expired leases failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Warn("requeued expired leases", "count", n)
				if c.metrics != nil {
					c.metrics.LeaseRecoveries.Add(ctx, n)
				}
			}
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
