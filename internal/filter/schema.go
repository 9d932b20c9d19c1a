package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrConfigurationInvalid is returned for filter documents with unknown predicate names or
// badly typed values, and for other call-time configuration errors.
var ErrConfigurationInvalid = errors.New("configuration invalid")

// SchemaURL identifies the filter schema so other schemas can reference it.
const SchemaURL = "https://alfresco-sync.local/schemas/filter.json"

// SchemaJSON describes a filter document.
const SchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "types":      {"type": "array", "items": {"type": "string", "minLength": 1}},
    "sites":      {"type": "array", "items": {"type": "string", "minLength": 1}},
    "mimetypes":  {"type": "array", "items": {"type": "string", "minLength": 1}},
    "aspects":    {"type": "array", "items": {"type": "string", "minLength": 1}},
    "properties": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// AddSchema registers the filter schema with c so it can be referenced by SchemaURL.
func AddSchema(c *jsonschema.Compiler) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(SchemaJSON))
	if err != nil {
		return fmt.Errorf("failed to decode filter schema: %w", err)
	}
	return c.AddResource(SchemaURL, doc)
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if schemaErr = AddSchema(c); schemaErr != nil {
			return
		}
		schema, schemaErr = c.Compile(SchemaURL)
	})
	return schema, schemaErr
}

// Parse validates a JSON filter document and builds a Specification from it.
// An empty document is a pass-through filter.
func Parse(data []byte) (Specification, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Specification{}, nil
	}
	sch, err := compiledSchema()
	if err != nil {
		return Specification{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Specification{}, fmt.Errorf("%w: filter is not valid JSON: %v", ErrConfigurationInvalid, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Specification{}, fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	var p Predicates
	if err := json.Unmarshal(data, &p); err != nil {
		return Specification{}, fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	return New(p), nil
}

// Validate checks p the same way Parse checks a document.
func Validate(p Predicates) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode filter: %w", err)
	}
	_, err = Parse(data)
	return err
}
