package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/forkline/automation/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://forkline.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "trigger", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "enabled": { "type": "boolean" },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["manual", "scheduled", "event", "webhook"] },
        "configuration": {}
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "type": { "type": "string", "enum": ["string", "number", "boolean", "object", "array"] },
          "default": {}
        },
        "additionalProperties": false
      }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": { "type": "string", "enum": ["action", "condition", "parallel", "human_task", "delay"] },
        "configuration": {},
        "next_steps": {
          "type": "array",
          "items": { "type": "string" }
        },
        "error_handling": { "$ref": "#/$defs/error_handling" }
      },
      "additionalProperties": false
    },
    "error_handling": {
      "type": "object",
      "properties": {
        "retry_count": { "type": "integer", "minimum": 0 },
        "retry_delay": { "type": "string", "pattern": "^[0-9]+(ns|us|ms|s|m|h)$" },
        "on_error": { "type": "string", "enum": ["fail", "continue", "retry"] }
      },
      "additionalProperties": false
    }
  }
}`

// DefinitionValidator validates workflow definitions against the embedded
// JSON Schema (Draft 2020-12). Safe for concurrent use.
type DefinitionValidator struct {
	compiled *jsonschema.Schema
}

// NewDefinitionValidator compiles the embedded definition schema.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://forkline.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile("https://forkline.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &DefinitionValidator{compiled: compiled}, nil
}

// validateStructural checks the definition against the JSON Schema plus the
// structural properties JSON Schema cannot express (duplicate step IDs).
func (v *DefinitionValidator) validateStructural(def *schema.WorkflowDefinition) *Result {
	result := &Result{}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", "failed to serialize workflow definition")
		return result
	}

	if err := v.compiled.Validate(doc); err != nil {
		result.AddError("/", err.Error())
		return result
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if _, exists := seen[step.ID]; exists {
			result.AddError(fmt.Sprintf("steps[%d].id", i), fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = struct{}{}
	}

	return result
}

// toJSONValue round-trips a value through JSON so the validator sees the
// same shapes it would see at the API boundary.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
}
