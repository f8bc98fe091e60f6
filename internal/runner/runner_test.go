package runner_test

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/go-warden/internal/lifecycle"
	"github.com/basket/go-warden/internal/message"
	"github.com/basket/go-warden/internal/runner"
	"github.com/basket/go-warden/internal/workitem"
)

func TestNewCommandPlanner_RequiresCommand(t *testing.T) {
	if _, err := runner.NewCommandPlanner(nil, nil); err == nil {
		t.Fatal("expected empty planner command to be rejected")
	}
}

func TestNewCommandRunner_RequiresCommand(t *testing.T) {
	if _, err := runner.NewCommandRunner(nil); err == nil {
		t.Fatal("expected empty executor command to be rejected")
	}
}

func TestCommandPlanner_ValidReply(t *testing.T) {
	// Echo a fixed, well-formed reply regardless of input.
	p, err := runner.NewCommandPlanner([]string{"sh", "-c", `cat > /dev/null; echo '{
		"messages": [{
			"message_id": "m-1",
			"trace_id": "t-1",
			"scope_id": "scope-a",
			"sender": "planner",
			"kind": "plan_result"
		}]
	}'`}, nil)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}

	msg := plannerInput()
	out, err := p.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(out) != 1 || out[0].Kind != "plan_result" {
		t.Fatalf("unexpected reply: %+v", out)
	}
}

func TestCommandPlanner_RejectsMalformedMessages(t *testing.T) {
	// Reply carries a message without a scope; the whole reply is rejected.
	p, err := runner.NewCommandPlanner([]string{"sh", "-c", `cat > /dev/null; echo '{
		"messages": [{
			"message_id": "m-1",
			"trace_id": "t-1",
			"sender": "planner",
			"kind": "plan_result"
		}]
	}'`}, nil)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}

	_, err = p.Handle(context.Background(), plannerInput())
	if err == nil {
		t.Fatal("expected malformed planner reply to be rejected")
	}
	if !strings.Contains(err.Error(), "planner reply message 0") {
		t.Errorf("expected reply validation error, got: %v", err)
	}
}

func TestCommandPlanner_SurfacesStderr(t *testing.T) {
	p, err := runner.NewCommandPlanner([]string{"sh", "-c", `echo "planner exploded" >&2; exit 3`}, nil)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}

	_, err = p.Handle(context.Background(), plannerInput())
	if err == nil {
		t.Fatal("expected failing planner process to error")
	}
	if !strings.Contains(err.Error(), "planner exploded") {
		t.Errorf("expected stderr in error, got: %v", err)
	}
}

func TestCommandRunner_DecodesAttemptResult(t *testing.T) {
	r, err := runner.NewCommandRunner([]string{"sh", "-c", `cat > /dev/null; echo '{
		"output": "done",
		"artifacts": {"report.md": "weekly summary"},
		"usage": {"tokens": 120, "cost_usd": 0.01}
	}'`})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	result, err := r.Run(context.Background(), lifecycle.AttemptRequest{Briefing: "write it", Attempt: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Output != "done" {
		t.Errorf("expected output decoded, got %q", result.Output)
	}
	if result.Artifacts["report.md"] != "weekly summary" {
		t.Errorf("expected artifacts decoded, got %+v", result.Artifacts)
	}
	if result.Usage.Tokens != 120 {
		t.Errorf("expected usage decoded, got %+v", result.Usage)
	}
}

func TestCommandRunner_GarbageOutputIsAnError(t *testing.T) {
	r, err := runner.NewCommandRunner([]string{"sh", "-c", `cat > /dev/null; echo "not json"`})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if _, err := r.Run(context.Background(), lifecycle.AttemptRequest{}); err == nil {
		t.Fatal("expected undecodable executor output to error")
	}
}

func TestArtifactVerifier_Checks(t *testing.T) {
	artifacts := map[string]string{
		"report.md": "Q3 revenue grew 4%",
	}
	tests := []struct {
		name   string
		check  workitem.Check
		passed bool
	}{
		{"exists passes", workitem.Check{Name: "artifact_exists", Command: "report.md"}, true},
		{"exists fails on missing", workitem.Check{Name: "artifact_exists", Command: "absent.md"}, false},
		{"equals passes", workitem.Check{Name: "artifact_equals", Command: "report.md", Expect: "Q3 revenue grew 4%"}, true},
		{"equals fails on mismatch", workitem.Check{Name: "artifact_equals", Command: "report.md", Expect: "something else"}, false},
		{"contains passes", workitem.Check{Name: "artifact_contains", Command: "report.md", Expect: "revenue"}, true},
		{"contains fails", workitem.Check{Name: "artifact_contains", Command: "report.md", Expect: "losses"}, false},
		{"command exit zero passes", workitem.Check{Name: "command", Command: "true"}, true},
		{"command exit nonzero fails", workitem.Check{Name: "command", Command: "false"}, false},
		{"command expect in output", workitem.Check{Name: "command", Command: "echo all good", Expect: "all good"}, true},
		{"command expect missing", workitem.Check{Name: "command", Command: "echo nope", Expect: "all good"}, false},
		{"empty command fails", workitem.Check{Name: "command"}, false},
		{"unknown check fails closed", workitem.Check{Name: "vibe_check"}, false},
	}

	v := runner.ArtifactVerifier{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := v.RunChecks(context.Background(), []workitem.Check{tt.check}, artifacts)
			if err != nil {
				t.Fatalf("run checks: %v", err)
			}
			if len(report.Results) != 1 {
				t.Fatalf("expected one result, got %d", len(report.Results))
			}
			if report.Results[0].Passed != tt.passed {
				t.Errorf("expected passed=%v, got %+v", tt.passed, report.Results[0])
			}
			if report.AllPassed != tt.passed {
				t.Errorf("expected AllPassed=%v, got %v", tt.passed, report.AllPassed)
			}
		})
	}
}

func TestArtifactVerifier_AllPassedIsConjunction(t *testing.T) {
	v := runner.ArtifactVerifier{}
	checks := []workitem.Check{
		{Name: "artifact_exists", Command: "a"},
		{Name: "artifact_exists", Command: "missing"},
	}
	report, err := v.RunChecks(context.Background(), checks, map[string]string{"a": "x"})
	if err != nil {
		t.Fatalf("run checks: %v", err)
	}
	if report.AllPassed {
		t.Error("expected one failing check to fail the report")
	}
	if len(report.Results) != 2 {
		t.Errorf("expected every check reported, got %d", len(report.Results))
	}
}

func plannerInput() message.Message {
	return message.New(message.SenderRouter, message.KindPlanRequest, "scope-a", "trace-1")
}
