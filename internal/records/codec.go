package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"sitepush/internal/domain"
)

const (
	deltaSchemaURL      = "https://sitepush.local/schemas/delta.json"
	collectionSchemaURL = "https://sitepush.local/schemas/collection.json"
)

const deltaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "added":   {"type": ["array", "null"], "items": {"$ref": "#/$defs/record"}},
    "updated": {"type": ["array", "null"], "items": {"$ref": "#/$defs/record"}},
    "deleted": {"type": ["array", "null"], "items": {"$ref": "#/$defs/id"}}
  },
  "$defs": {
    "id": {"type": ["string", "number"]},
    "record": {
      "type": "object",
      "required": ["id"],
      "properties": {"id": {"$ref": "#/$defs/id"}}
    }
  }
}`

const collectionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {"type": "object"}
}`

type schemaSet struct {
	delta      *jsonschema.Schema
	collection *jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	for url, src := range map[string]string{
		deltaSchemaURL:      deltaSchema,
		collectionSchemaURL: collectionSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return schemaSet{}, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return schemaSet{}, fmt.Errorf("add schema %s: %w", url, err)
		}
	}
	delta, err := c.Compile(deltaSchemaURL)
	if err != nil {
		return schemaSet{}, fmt.Errorf("compile delta schema: %w", err)
	}
	collection, err := c.Compile(collectionSchemaURL)
	if err != nil {
		return schemaSet{}, fmt.Errorf("compile collection schema: %w", err)
	}
	return schemaSet{delta: delta, collection: collection}, nil
})

// DecodeDelta validates and decodes a client delta. Added and updated records
// must carry a string or numeric id.
func DecodeDelta(data []byte) (Delta, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Delta{}, &domain.ValidationError{Field: "body", Reason: "delta body is required"}
	}
	schemas, err := loadSchemas()
	if err != nil {
		return Delta{}, err
	}
	if err := validate(schemas.delta, data); err != nil {
		return Delta{}, &domain.ValidationError{Reason: err.Error()}
	}
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return Delta{}, &domain.ValidationError{Reason: err.Error()}
	}
	return d, nil
}

// DecodeCollection decodes a stored collection document.
func DecodeCollection(data []byte) ([]Record, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	if err := validate(schemas.collection, data); err != nil {
		return nil, fmt.Errorf("malformed collection: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("malformed collection: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

// EncodeCollection renders records as a two-space indented JSON array.
func EncodeCollection(recs []Record) ([]byte, error) {
	if recs == nil {
		recs = []Record{}
	}
	return json.MarshalIndent(recs, "", "  ")
}

func validate(schema *jsonschema.Schema, data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return errors.New(strings.ReplaceAll(strings.TrimSpace(err.Error()), "\n", "; "))
	}
	return nil
}
