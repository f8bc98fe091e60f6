// Package runner provides the default collaborator implementations: external
// planner and executor processes spoken to over stdin/stdout JSON, and a
// deterministic artifact verifier. The runtime never interprets what a
// collaborator does internally; it only trusts the structured output.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/basket/go-warden/internal/lifecycle"
	"github.com/basket/go-warden/internal/message"
)

// CommandPlanner invokes an external planner process per message. The message
// is written to stdin as JSON; the process replies with a JSON document
// carrying the messages to dispatch.
type CommandPlanner struct {
	argv   []string
	logger *slog.Logger
}

func NewCommandPlanner(argv []string, logger *slog.Logger) (*CommandPlanner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("planner command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPlanner{argv: argv, logger: logger}, nil
}

type plannerReply struct {
	Messages []message.Message `json:"messages"`
}

func (p *CommandPlanner) Handle(ctx context.Context, msg message.Message) ([]message.Message, error) {
	out, err := runJSON(ctx, p.argv, msg)
	if err != nil {
		return nil, fmt.Errorf("planner process: %w", err)
	}
	var reply plannerReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return nil, fmt.Errorf("decode planner reply: %w", err)
	}
	// A planner that emits a malformed message would poison downstream
	// queues; reject the whole reply instead.
	for i := range reply.Messages {
		if err := reply.Messages[i].Validate(); err != nil {
			return nil, fmt.Errorf("planner reply message %d: %w", i, err)
		}
	}
	p.logger.Debug("planner replied", "in_kind", string(msg.Kind), "out_count", len(reply.Messages))
	return reply.Messages, nil
}

// CommandRunner invokes an external executor process per attempt. The attempt
// request is written to stdin as JSON; the process replies with the attempt
// result.
type CommandRunner struct {
	argv []string
}

func NewCommandRunner(argv []string) (*CommandRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("executor command is empty")
	}
	return &CommandRunner{argv: argv}, nil
}

func (r *CommandRunner) Run(ctx context.Context, req lifecycle.AttemptRequest) (lifecycle.AttemptResult, error) {
	out, err := runJSON(ctx, r.argv, req)
	if err != nil {
		return lifecycle.AttemptResult{}, fmt.Errorf("executor process: %w", err)
	}
	var result lifecycle.AttemptResult
	if err := json.Unmarshal(out, &result); err != nil {
		return lifecycle.AttemptResult{}, fmt.Errorf("decode attempt result: %w", err)
	}
	return result, nil
}

// runJSON runs argv with the JSON encoding of in on stdin and returns stdout.
// Stderr is folded into the error so collaborator failures stay diagnosable.
func runJSON(ctx context.Context, argv []string, in any) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
