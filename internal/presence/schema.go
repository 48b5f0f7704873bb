package presence

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const updateSchemaURL = "relaydoc://presence-update.json"

const updateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["clientId", "clock"],
    "properties": {
      "clientId": {"type": "string", "minLength": 1, "maxLength": 128},
      "clock": {"type": "integer", "minimum": 0},
      "state": {
        "oneOf": [
          {"type": "null"},
          {
            "type": "object",
            "properties": {
              "name": {"type": "string", "maxLength": 256},
              "color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"},
              "cursor": {"$ref": "#/$defs/position"},
              "selection": {
                "type": "object",
                "required": ["anchor", "head"],
                "properties": {
                  "anchor": {"$ref": "#/$defs/position"},
                  "head": {"$ref": "#/$defs/position"}
                }
              }
            }
          }
        ]
      }
    }
  },
  "$defs": {
    "position": {
      "type": "object",
      "required": ["line", "column"],
      "properties": {
        "line": {"type": "integer", "minimum": 0},
        "column": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func updateValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(updateSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(updateSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(updateSchemaURL)
	})
	return compiledSchema, schemaErr
}

func validateUpdate(raw []byte) error {
	schema, err := updateValidator()
	if err != nil {
		return fmt.Errorf("presence schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return nil
}
