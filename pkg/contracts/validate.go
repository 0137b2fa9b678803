package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// taskSchemaJSON is the intake contract: producers must supply at least
// task_id, type, description, and priority.
const taskSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["task_id", "type", "description", "priority"],
	"properties": {
		"task_id":     {"type": "string", "minLength": 1},
		"type":        {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"priority":    {"type": "integer"},
		"metadata":    {"type": "object"}
	}
}`

var taskSchema = mustCompileTaskSchema()

func mustCompileTaskSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://stevedore.schemas.local/task.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(taskSchemaJSON)); err != nil {
		panic(fmt.Sprintf("contracts: task schema load failed: %v", err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("contracts: task schema compile failed: %v", err))
	}
	return compiled
}

// ValidateTask checks a raw task payload against the intake schema and
// decodes it. A validation failure means the payload is malformed at the
// producer, not a transport fault.
func ValidateTask(payload []byte) (*Task, error) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("contracts: task payload is not valid JSON: %w", err)
	}
	if err := taskSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("contracts: task payload rejected: %w", err)
	}
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("contracts: task payload decode failed: %w", err)
	}
	return &t, nil
}
