package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Creation payloads are the only records that carry a full entity draft, so
// they are schema-checked at enqueue time; a malformed draft fails the user
// action instead of sitting poisoned in the queue until the next drain.
const createPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "lines"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"lines": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "productId", "quantity", "sourceLocationId", "destLocationId"],
				"properties": {
					"name": {"type": "string"},
					"productId": {"type": "integer", "minimum": 1},
					"quantity": {"type": "number", "minimum": 0},
					"sourceLocationId": {"type": "integer", "minimum": 1},
					"destLocationId": {"type": "integer", "minimum": 1}
				}
			}
		}
	}
}`

var (
	createSchemaOnce sync.Once
	createSchema     *jsonschema.Schema
	createSchemaErr  error
)

func compiledCreateSchema() (*jsonschema.Schema, error) {
	createSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createPayloadSchema))
		if err != nil {
			createSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("transfer-create.json", doc); err != nil {
			createSchemaErr = err
			return
		}
		createSchema, createSchemaErr = compiler.Compile("transfer-create.json")
	})
	return createSchema, createSchemaErr
}

// ValidateCreatePayload checks a creation payload against the transfer draft
// schema.
func ValidateCreatePayload(payload map[string]any) error {
	schema, err := compiledCreateSchema()
	if err != nil {
		return fmt.Errorf("compile create schema: %w", err)
	}
	if payload == nil {
		return fmt.Errorf("%w: empty creation payload", ErrInvalidPayload)
	}
	// Round-trip through JSON so Go-typed values (int, custom structs) are
	// normalized to the representation the schema validator expects.
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
