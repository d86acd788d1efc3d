package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const documentSchemaURL = "z_memory.schema.json"

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["created", "identity", "exchanges", "observations", "learned"],
  "properties": {
    "created": {"type": "string"},
    "identity": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "creator": {"type": "string"},
        "role": {"type": "string"}
      }
    },
    "exchanges": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["time", "operator_request", "responder_reply"],
        "properties": {
          "time": {"type": "string"},
          "operator_request": {"type": "string"},
          "responder_reply": {"type": "string"}
        }
      }
    },
    "observations": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["time", "source", "content"],
        "properties": {
          "time": {"type": "string"},
          "source": {"type": "string"},
          "content": {"type": "string"}
        }
      }
    },
    "learned": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "required": ["value", "learned_at"],
        "properties": {
          "value": {"type": "string"},
          "learned_at": {"type": "string"}
        }
      }
    },
    "preferences": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

func compileDocumentSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
		return nil, err
	}
	return c.Compile(documentSchemaURL)
}

// validateDocument checks raw JSON against the document schema before it is
// decoded into typed structs.
func validateDocument(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
