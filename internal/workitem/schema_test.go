package workitem_test

import (
	"strings"
	"testing"

	"github.com/basket/go-warden/internal/workitem"
)

func TestDecodeDefinition_Valid(t *testing.T) {
	raw := `{
		"id": "task-1",
		"type": "task",
		"briefing": "draft the announcement",
		"scope_id": "scope-a",
		"skills": ["writing"],
		"on_stuck": "consult_planner",
		"budget": {"max_attempts": 3, "max_tokens": 10000}
	}`

	w, err := workitem.DecodeDefinition(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.ID != "task-1" || w.Type != workitem.TypeTask {
		t.Errorf("unexpected decode result: %+v", w)
	}
	if w.Status != workitem.StatusPending {
		t.Errorf("expected decoded item to start pending, got %s", w.Status)
	}
	if w.Budget.MaxAttempts != 3 || w.Budget.MaxTokens != 10000 {
		t.Errorf("budget did not decode: %+v", w.Budget)
	}
	if w.OnStuck != workitem.OnStuckConsultPlanner {
		t.Errorf("on_stuck did not decode: %q", w.OnStuck)
	}
}

func TestDecodeDefinition_RejectsMalformedPlannerOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"id": "x"`},
		{"missing briefing", `{"id": "x", "type": "task", "scope_id": "s"}`},
		{"empty id", `{"id": "", "type": "task", "briefing": "b", "scope_id": "s"}`},
		{"unknown type", `{"id": "x", "type": "chore", "briefing": "b", "scope_id": "s"}`},
		{"unknown on_stuck", `{"id": "x", "type": "task", "briefing": "b", "scope_id": "s", "on_stuck": "panic"}`},
		{"negative budget", `{"id": "x", "type": "task", "briefing": "b", "scope_id": "s", "budget": {"max_attempts": -1}}`},
		{"skills not strings", `{"id": "x", "type": "task", "briefing": "b", "scope_id": "s", "skills": [1, 2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := workitem.DecodeDefinition(tt.raw); err == nil {
				t.Errorf("expected decode to reject %s", tt.name)
			}
		})
	}
}

func TestValidateDefinition_ErrorNamesSchema(t *testing.T) {
	err := workitem.ValidateDefinition(`{"id": "x", "type": "task", "scope_id": "s"}`)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "schema validation") {
		t.Errorf("expected schema validation error, got: %v", err)
	}
}
