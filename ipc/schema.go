package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskDataSchemaDoc validates the `data` payload of an outbound task frame
// against its documented shape before it is ever put on the wire, catching a
// malformed dispatch at the broker instead of at the worker.
const taskDataSchemaDoc = `{
  "type": "object",
  "required": ["scope", "context", "output", "deadline_ms"],
  "properties": {
    "scope": { "type": "array", "items": { "type": "string" } },
    "context": {
      "type": "object",
      "required": ["repo_root", "commit", "branch"],
      "properties": {
        "repo_root": { "type": "string" },
        "commit": { "type": "string" },
        "branch": { "type": "string" }
      }
    },
    "output": { "type": "string" },
    "config": { "type": "object" },
    "deadline_ms": { "type": "integer", "minimum": 1 }
  }
}`

// responseDataSchemaDoc validates an inbound task-response frame's data.
const responseDataSchemaDoc = `{
  "type": "object",
  "required": ["status", "kpis"],
  "properties": {
    "status": { "enum": ["done", "failed", "timeout", "cancelled"] },
    "results": { "type": "object" },
    "error": { "type": "string" },
    "kpis": {
      "type": "object",
      "required": ["latency_ms", "tokens", "findings"],
      "properties": {
        "latency_ms": { "type": "integer" },
        "tokens": { "type": "integer" },
        "findings": { "type": "integer" }
      }
    }
  }
}`

// Validator validates a frame's raw `data` payload for a given frame type.
type Validator struct {
	task     *jsonschema.Schema
	response *jsonschema.Schema
}

// NewValidator compiles the task/response data schemas. It panics on a
// compile failure since the schema documents above are constants owned by
// this package; a failure here is a programming error, not a runtime one.
func NewValidator() *Validator {
	return &Validator{
		task:     mustCompile("task.json", taskDataSchemaDoc),
		response: mustCompile("response.json", responseDataSchemaDoc),
	}
}

func mustCompile(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, mustUnmarshal(doc)); err != nil {
		panic(fmt.Sprintf("ipc: compile schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("ipc: compile schema %s: %v", name, err))
	}
	return sch
}

func mustUnmarshal(doc string) any {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic(err)
	}
	return v
}

// ValidateTaskData validates a dispatched task frame's data bytes.
func (v *Validator) ValidateTaskData(ctx context.Context, data json.RawMessage) error {
	return validateAgainst(v.task, data)
}

// ValidateResponseData validates a collected response frame's data bytes.
func (v *Validator) ValidateResponseData(ctx context.Context, data json.RawMessage) error {
	return validateAgainst(v.response, data)
}

func validateAgainst(sch *jsonschema.Schema, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		msg := err.Error()
		// jsonschema errors are multi-line and verbose; keep only the
		// first line for a frame-level rejection reason.
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		return fmt.Errorf("schema validation: %s", msg)
	}
	return nil
}
