package approval

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const stateSchemaURL = "https://gatekeeper.schemas.local/approval/state.schema.json"

// stateSchema describes the on-disk record. Unknown fields are allowed so a
// newer 1.x writer stays readable.
const stateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "kind", "execution_id", "status", "created_at",
               "plan_hash", "skills_lock_sha256", "mode", "plan"],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "kind": {"enum": ["skill_gate", "approval_required_batch", "confidence_regression"]},
    "execution_id": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,128}$"},
    "status": {"enum": ["AWAITING_APPROVAL", "REJECTED"]},
    "created_at": {"type": "string"},
    "plan_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "skills_lock_sha256": {"type": "string"},
    "mode": {"enum": ["phased", "legacy"]},
    "plan": {
      "type": "object",
      "required": ["command", "steps"],
      "properties": {
        "command": {"type": "string"},
        "steps": {"type": ["array", "null"], "items": {"$ref": "#/$defs/step"}}
      }
    },
    "steps": {"type": ["array", "null"], "items": {"$ref": "#/$defs/step"}},
    "skills_checked": {"$ref": "#/$defs/strings"},
    "skills_gate_reasons": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["code"],
        "properties": {"code": {"type": "string"}}
      }
    },
    "pending_step_ids": {"$ref": "#/$defs/strings"},
    "phases_planned": {"$ref": "#/$defs/strings"},
    "phases_executed": {"$ref": "#/$defs/strings"},
    "resolved_capabilities": {"$ref": "#/$defs/strings"},
    "batch": {"$ref": "#/$defs/strings"},
    "acknowledged_regressions": {"$ref": "#/$defs/strings"},
    "prestates": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "required": ["fingerprint"],
        "properties": {"fingerprint": {"type": "string"}}
      }
    },
    "rejection_reason": {"type": "string"}
  },
  "$defs": {
    "strings": {"type": ["array", "null"], "items": {"type": "string"}},
    "step": {
      "type": "object",
      "required": ["id", "tool"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "tool": {"type": "string"},
        "params": {"type": ["object", "null"]}
      }
    }
  }
}`

func compileStateSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(stateSchemaURL, strings.NewReader(stateSchema)); err != nil {
		return nil, fmt.Errorf("approval schema load failed: %w", err)
	}
	s, err := c.Compile(stateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("approval schema compile failed: %w", err)
	}
	return s, nil
}
