package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/basket/go-warden/internal/message"
	"github.com/basket/go-warden/internal/workitem"
)

// AttemptRequest is the input handed to the attempt executor collaborator.
// It crosses a process boundary as JSON.
type AttemptRequest struct {
	Item      workitem.WorkItem `json:"item"`
	Briefing  string            `json:"briefing"`
	Guidance  []string          `json:"guidance,omitempty"`
	Workspace string            `json:"workspace"`
	Attempt   int               `json:"attempt"`
}

// AttemptResult is what one attempt produced. Usage is merged into the work
// item's consumed budget; Artifacts are the only inputs verification sees.
type AttemptResult struct {
	Output     string              `json:"output,omitempty"`
	ToolLedger []string            `json:"tool_ledger,omitempty"`
	Artifacts  map[string]string   `json:"artifacts,omitempty"`
	Usage      workitem.BudgetUsed `json:"usage"`
}

// AttemptRunner is the external attempt-execution collaborator (the executor
// agent). The runtime treats it as a black box returning structured output.
type AttemptRunner interface {
	Run(ctx context.Context, req AttemptRequest) (AttemptResult, error)
}

// VerificationReport is the outcome of running a work item's checks.
type VerificationReport struct {
	AllPassed bool
	Results   []workitem.CheckResult
}

// VerificationRunner runs deterministic checks against produced artifacts
// only, never against claims from the attempt itself, and executes outside
// the attempt's own environment.
type VerificationRunner interface {
	RunChecks(ctx context.Context, checks []workitem.Check, artifacts map[string]string) (VerificationReport, error)
}

// GuidanceMailbox hands planner_guidance messages to a lifecycle waiting on a
// consult. Suspension itself is durable (status awaiting_planner_guidance +
// the consult_planner queue message); the mailbox only provides low-latency
// wakeup within one process. After a crash the guidance message is simply
// redelivered and the item resumes from its persisted state.
type GuidanceMailbox struct {
	mu    sync.Mutex
	boxes map[string]chan message.Message
}

func NewGuidanceMailbox() *GuidanceMailbox {
	return &GuidanceMailbox{boxes: make(map[string]chan message.Message)}
}

// Deliver routes a planner_guidance message to a waiting lifecycle. Returns
// false when nothing is waiting for the work item in this process.
func (m *GuidanceMailbox) Deliver(msg message.Message) bool {
	m.mu.Lock()
	ch, ok := m.boxes[msg.WorkItemID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// Await blocks until guidance arrives for the work item or the timeout
// elapses. A timeout is a normal, retryable outcome.
func (m *GuidanceMailbox) Await(ctx context.Context, workItemID string, timeout time.Duration) (message.Message, bool) {
	ch := make(chan message.Message, 1)
	m.mu.Lock()
	m.boxes[workItemID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.boxes, workItemID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, true
	case <-timer.C:
		return message.Message{}, false
	case <-ctx.Done():
		return message.Message{}, false
	}
}
