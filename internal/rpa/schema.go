package rpa

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// resultSchema is the contract for a worker's terminal stdout document.
// Progress events on stderr are deliberately not schema-checked.
const resultSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["success", "screenshots", "steps"],
  "properties": {
    "success": {"type": "boolean"},
    "error": {"type": ["string", "null"]},
    "screenshots": {
      "type": "array",
      "items": {"type": "string"}
    },
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action", "status"],
        "properties": {
          "action": {"type": "string"},
          "status": {"enum": ["ok", "error"]},
          "message": {"type": "string"}
        }
      }
    }
  }
}`

var (
	resultSchemaOnce     sync.Once
	compiledResultSchema *gojsonschema.Schema
	resultSchemaErr      error
)

// validateResultDocument checks a candidate terminal document against the
// result schema and returns a field-level error summary on mismatch.
func validateResultDocument(doc []byte) error {
	resultSchemaOnce.Do(func() {
		compiledResultSchema, resultSchemaErr = gojsonschema.NewSchema(
			gojsonschema.NewStringLoader(resultSchema))
	})
	if resultSchemaErr != nil {
		return fmt.Errorf("failed to compile result schema: %w", resultSchemaErr)
	}

	outcome, err := compiledResultSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("result document is not valid JSON: %w", err)
	}
	if !outcome.Valid() {
		var fields []string
		for _, desc := range outcome.Errors() {
			fields = append(fields, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("result document failed schema validation: %s", strings.Join(fields, "; "))
	}
	return nil
}
