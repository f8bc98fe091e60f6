package workitem

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// definitionSchema constrains planner-produced work-item definitions before
// they are persisted. Planner output is untrusted structured text; the schema
// rejects malformed definitions before Validate sees them.
const definitionSchema = `{
	"type": "object",
	"required": ["id", "type", "briefing", "scope_id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"enum": ["task", "project", "goal"]},
		"briefing": {"type": "string", "minLength": 1},
		"scope_id": {"type": "string", "minLength": 1},
		"budget": {
			"type": "object",
			"properties": {
				"max_tokens": {"type": "integer", "minimum": 0},
				"max_cost_usd": {"type": "number", "minimum": 0},
				"max_wall_time_seconds": {"type": "integer", "minimum": 0},
				"max_attempts": {"type": "integer", "minimum": 0},
				"max_planner_calls": {"type": "integer", "minimum": 0}
			}
		},
		"skills": {"type": "array", "items": {"type": "string"}},
		"depends_on": {"type": "array", "items": {"type": "string"}},
		"tasks": {"type": "array", "items": {"type": "string"}},
		"on_stuck": {"enum": ["retry", "consult_planner"]},
		"parent": {"type": "string"},
		"follow_up_of": {"type": "string"},
		"schedule": {"type": "string"},
		"max_replan_depth": {"type": "integer", "minimum": 0}
	}
}`

var compiledDefinitionSchema = mustCompileSchema(definitionSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal work item schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workitem.json", doc); err != nil {
		panic(fmt.Sprintf("add work item schema resource: %v", err))
	}
	schema, err := c.Compile("workitem.json")
	if err != nil {
		panic(fmt.Sprintf("compile work item schema: %v", err))
	}
	return schema
}

// DecodeDefinition validates a raw planner-produced definition against the
// schema and decodes it. Runtime fields start at their zero values.
func DecodeDefinition(raw string) (WorkItem, error) {
	if err := ValidateDefinition(raw); err != nil {
		return WorkItem{}, err
	}
	var w WorkItem
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return WorkItem{}, fmt.Errorf("decode work item definition: %w", err)
	}
	if w.Status == "" {
		w.Status = StatusPending
	}
	return w, nil
}

// ValidateDefinition checks a raw planner-produced definition against the
// work-item schema. Call this before Decode on any plan_result payload.
func ValidateDefinition(raw string) error {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid work item JSON: %w", err)
	}
	if err := compiledDefinitionSchema.Validate(parsed); err != nil {
		return fmt.Errorf("work item schema validation: %w", err)
	}
	return nil
}
