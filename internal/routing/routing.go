// Package routing maps (sender, message kind) to a destination queue. The
// table is deterministic: no discretion, no fallback heuristics.
package routing

import (
	"context"
	"fmt"

	"github.com/basket/go-warden/internal/message"
	"github.com/basket/go-warden/internal/persistence"
)

// Queue names.
const (
	QueueRouter   = "router"
	QueuePlanner  = "planner"
	QueueExecutor = "executor"
	QueueStatus   = "status"
)

type routeKey struct {
	Sender message.Sender
	Kind   message.Kind
}

// table is the full routing table. A planner plan_result always goes to the
// router queue; a runtime-issued consult_planner always goes to the planner
// queue.
var table = map[routeKey]string{
	{message.SenderUser, message.KindUserMessage}: QueueRouter,

	{message.SenderRouter, message.KindPlanRequest}:     QueuePlanner,
	{message.SenderRouter, message.KindResearchRequest}: QueuePlanner,
	{message.SenderRouter, message.KindSystemEvent}:     QueueStatus,

	{message.SenderPlanner, message.KindPlanResult}:      QueueRouter,
	{message.SenderPlanner, message.KindResearchResult}:  QueueRouter,
	{message.SenderPlanner, message.KindPlannerGuidance}: QueueExecutor,

	{message.SenderExecutor, message.KindExecutionStatus}: QueueStatus,
	{message.SenderExecutor, message.KindConsultPlanner}:  QueuePlanner,
	{message.SenderExecutor, message.KindReplanRequest}:   QueuePlanner,

	{message.SenderSystem, message.KindSystemEvent}:     QueueStatus,
	{message.SenderSystem, message.KindPlanRequest}:     QueuePlanner,
	{message.SenderSystem, message.KindConsultPlanner}:  QueuePlanner,
	{message.SenderSystem, message.KindReplanRequest}:   QueuePlanner,
	{message.SenderSystem, message.KindExecutionStatus}: QueueStatus,
}

// Resolve returns the destination queue for a (sender, kind) pair.
func Resolve(sender message.Sender, kind message.Kind) (string, error) {
	queue, ok := table[routeKey{sender, kind}]
	if !ok {
		return "", fmt.Errorf("no route for sender %q kind %q", sender, kind)
	}
	return queue, nil
}

// Router dispatches messages onto the durable queue named by the table.
type Router struct {
	store *persistence.Store
}

func NewRouter(store *persistence.Store) *Router {
	return &Router{store: store}
}

// Dispatch resolves the destination and enqueues. The message's trace_id
// travels unchanged; callers derive messages with Message.Derive so a causal
// chain stays reconstructable end to end.
func (r *Router) Dispatch(ctx context.Context, msg message.Message) error {
	queue, err := Resolve(msg.Sender, msg.Kind)
	if err != nil {
		return err
	}
	if _, err := r.store.Enqueue(ctx, queue, msg); err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", msg.Kind, queue, err)
	}
	return nil
}
