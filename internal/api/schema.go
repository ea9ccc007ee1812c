package api

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"submission-orchestrator/internal/models"
)

// createSchema checks the shape of POST /submissions bodies. Value rules
// (digit counts, URL form) are left to the coordinator so they come back as
// per-field errors with stable names.
const createSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["serviceTarget", "identityFields"],
  "additionalProperties": false,
  "properties": {
    "kind": {"type": "string"},
    "serviceTarget": {"type": "string"},
    "payloadRef": {"type": "string"},
    "authProvider": {"type": "string"},
    "identityFields": {
      "type": "object",
      "required": ["name", "residentIdFront", "residentIdBack", "phone"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "residentIdFront": {"type": "string"},
        "residentIdBack": {"type": "string"},
        "phone": {"type": "string"}
      }
    }
  }
}`

func compileCreateSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("create.json", strings.NewReader(createSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("create.json")
}

// schemaFieldErrors flattens a schema failure into per-field errors.
func schemaFieldErrors(err error) []models.FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []models.FieldError{{Field: "body", Message: err.Error()}}
	}
	var out []models.FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.ReplaceAll(strings.TrimPrefix(e.InstanceLocation, "/"), "/", ".")
			if field == "" {
				field = "body"
			}
			out = append(out, models.FieldError{Field: field, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
