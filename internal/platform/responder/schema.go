package responder

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// replySchema is the contract for /chat and /chat/quantity bodies.
const replySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "type": {"type": "string"},
    "message": {"type": ["string", "null"]},
    "reply": {"type": ["string", "null"]},
    "medicine": {"type": ["string", "null"]},
    "agents": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "trace": {"type": "array", "items": {"type": "string"}},
    "recommendations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "id": {"type": ["string", "integer"]},
          "name": {"type": "string", "minLength": 1},
          "reason": {"type": ["string", "null"]},
          "price": {"type": ["number", "string"]},
          "stock": {"type": "integer"}
        }
      }
    },
    "data": {
      "type": ["object", "null"],
      "properties": {
        "product": {"type": "string"},
        "quantity": {"type": "number", "minimum": 0},
        "total_price": {"type": ["number", "string"]}
      }
    }
  },
  "anyOf": [
    {"required": ["message"]},
    {"required": ["reply"]},
    {"required": ["type"]}
  ]
}`

// Validator checks reply bodies against the reply contract before they are
// decoded into variants.
type Validator struct {
	schema *gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(replySchema))
	if err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidReply, strings.Join(msgs, "; "))
	}
	return nil
}
