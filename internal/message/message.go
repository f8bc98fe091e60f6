// Package message defines the unit of inter-agent communication and the
// normalized error taxonomy carried on every non-success outcome.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Sender identifies which agent role produced a message.
type Sender string

const (
	SenderUser     Sender = "user"
	SenderRouter   Sender = "router"
	SenderPlanner  Sender = "planner"
	SenderExecutor Sender = "executor"
	SenderSystem   Sender = "system"
)

// Kind classifies a message. Routing is a pure function of (sender, kind).
type Kind string

const (
	KindUserMessage     Kind = "user_message"
	KindPlanRequest     Kind = "plan_request"
	KindPlanResult      Kind = "plan_result"
	KindResearchRequest Kind = "research_request"
	KindResearchResult  Kind = "research_result"
	KindExecutionStatus Kind = "execution_status"
	KindConsultPlanner  Kind = "consult_planner"
	KindPlannerGuidance Kind = "planner_guidance"
	KindReplanRequest   Kind = "replan_request"
	KindSystemEvent     Kind = "system_event"
)

// Taint is the trust classification inherited from the originating input.
type Taint string

const (
	TaintTrusted   Taint = "trusted"
	TaintUntrusted Taint = "untrusted"
)

// Error taxonomy codes. Every error-bearing message carries exactly one.
const (
	ErrToolFailure        = "tool_failure"
	ErrBudgetExceeded     = "budget_exceeded"
	ErrGateBlocked        = "gate_blocked"
	ErrApprovalDenied     = "approval_denied"
	ErrVerificationFailed = "verification_failed"
	ErrTimeout            = "timeout"
)

// Statuses reported via execution_status messages that require error headers.
var errorBearingStatuses = map[string]struct{}{
	"failed":              {},
	"stuck":               {},
	"blocked":             {},
	"verification_failed": {},
}

// StatusPayload reports a work-item status transition.
type StatusPayload struct {
	WorkItemID string `json:"work_item_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorPayload carries a structured failure report.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// Payload is exactly one of Status, Error, or an opaque map.
type Payload struct {
	Status *StatusPayload `json:"status,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Message is the unit of inter-agent communication. MessageID is the
// idempotency key, unique within a queue. TraceID is propagated unchanged
// across every derived message in a causal chain.
type Message struct {
	MessageID string `json:"message_id"`
	TraceID   string `json:"trace_id"`
	Content   string `json:"content,omitempty"`
	Sender    Sender `json:"sender"`
	Kind      Kind   `json:"kind"`
	ScopeID   string `json:"scope_id"`
	Taint     Taint  `json:"taint,omitempty"`

	TaskID          string `json:"task_id,omitempty"`
	ParentTaskID    string `json:"parent_task_id,omitempty"`
	WorkItemID      string `json:"work_item_id,omitempty"`
	ApprovalTokenID string `json:"approval_token_id,omitempty"`

	Payload Payload `json:"payload,omitempty"`

	// Normalized error headers. Required whenever the message reports a
	// non-success outcome.
	ErrorCode     string `json:"error_code,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
	OriginAgent   string `json:"origin_agent,omitempty"`
	AttemptNumber int    `json:"attempt_number,omitempty"`
}

// New constructs a message with a fresh message_id.
func New(sender Sender, kind Kind, scopeID, traceID string) Message {
	return Message{
		MessageID: uuid.NewString(),
		TraceID:   traceID,
		Sender:    sender,
		Kind:      kind,
		ScopeID:   scopeID,
		Taint:     TaintTrusted,
	}
}

// Derive constructs a message in the same causal chain: trace_id, scope_id
// and taint carry over unchanged.
func (m Message) Derive(sender Sender, kind Kind) Message {
	out := New(sender, kind, m.ScopeID, m.TraceID)
	out.Taint = m.Taint
	out.TaskID = m.TaskID
	out.ParentTaskID = m.ParentTaskID
	out.WorkItemID = m.WorkItemID
	return out
}

// Validate enforces structural invariants before a message is accepted onto
// a queue.
func (m Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message_id required")
	}
	if m.TraceID == "" {
		return fmt.Errorf("trace_id required")
	}
	if m.ScopeID == "" {
		return fmt.Errorf("scope_id required")
	}
	switch m.Kind {
	case KindUserMessage, KindPlanRequest, KindPlanResult, KindResearchRequest,
		KindResearchResult, KindExecutionStatus, KindConsultPlanner,
		KindPlannerGuidance, KindReplanRequest, KindSystemEvent:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	switch m.Sender {
	case SenderUser, SenderRouter, SenderPlanner, SenderExecutor, SenderSystem:
	default:
		return fmt.Errorf("unknown sender %q", m.Sender)
	}
	if m.Kind == KindExecutionStatus && m.Payload.Status != nil {
		if _, bad := errorBearingStatuses[m.Payload.Status.Status]; bad && m.ErrorCode == "" {
			return fmt.Errorf("execution_status %q requires error_code", m.Payload.Status.Status)
		}
	}
	if m.ErrorCode != "" {
		switch m.ErrorCode {
		case ErrToolFailure, ErrBudgetExceeded, ErrGateBlocked, ErrApprovalDenied,
			ErrVerificationFailed, ErrTimeout:
		default:
			return fmt.Errorf("unknown error_code %q", m.ErrorCode)
		}
		if m.OriginAgent == "" {
			return fmt.Errorf("error_code %q requires origin_agent", m.ErrorCode)
		}
	}
	return nil
}

// Encode serializes the message for queue storage.
func (m Message) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(b), nil
}

// Decode deserializes a message from queue storage.
func Decode(raw string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
