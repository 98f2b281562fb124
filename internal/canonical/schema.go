package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mediagen/internal/domain"
)

const schemaURL = "mediagen://canonical-webhook.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "oneOf": [
    {
      "required": ["items"],
      "not": {"required": ["error"]},
      "properties": {
        "items": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/item"}}
      }
    },
    {
      "required": ["error"],
      "not": {"required": ["items"]},
      "properties": {
        "error": {"$ref": "#/$defs/report"}
      }
    }
  ],
  "$defs": {
    "item": {
      "type": "object",
      "required": ["index"],
      "properties": {
        "index": {"type": "integer", "minimum": 0},
        "url": {"type": "string", "minLength": 1},
        "seed": {"type": "integer"},
        "cost": {"type": "number"},
        "contentType": {"type": "string"},
        "metadata": {"type": "object"},
        "error": {"$ref": "#/$defs/itemError"}
      },
      "anyOf": [{"required": ["url"]}, {"required": ["error"]}]
    },
    "itemError": {
      "type": "object",
      "required": ["message"],
      "properties": {"code": {"type": "string"}, "message": {"type": "string"}}
    },
    "report": {
      "type": "object",
      "required": ["message"],
      "properties": {"code": {"type": "string"}, "message": {"type": "string"}}
    }
  }
}`

// Validator checks raw webhook bodies against the canonical schema.
type Validator struct {
	schema  *jsonschema.Schema
	printer *message.Printer
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("canonical: parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("canonical: add schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("canonical: compile schema: %w", err)
	}
	return &Validator{schema: schema, printer: message.NewPrinter(language.English)}, nil
}

// MustValidator is NewValidator for package-level wiring; the schema is a constant.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Decode validates raw and decodes it. A non-empty issue list means the body
// does not match either canonical shape; the returned payload is then nil.
func (v *Validator) Decode(raw []byte) (*Payload, []domain.ValidationIssue) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, []domain.ValidationIssue{{Path: "", Keyword: "json", Message: err.Error()}}
	}
	if err := v.schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, v.issues(verr)
		}
		return nil, []domain.ValidationIssue{{Path: "", Message: err.Error()}}
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, []domain.ValidationIssue{{Path: "", Keyword: "json", Message: err.Error()}}
	}
	return &payload, nil
}

func (v *Validator) issues(root *jsonschema.ValidationError) []domain.ValidationIssue {
	var out []domain.ValidationIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, domain.ValidationIssue{
				Path:    "/" + strings.Join(e.InstanceLocation, "/"),
				Keyword: strings.Join(e.ErrorKind.KeywordPath(), "/"),
				Message: e.ErrorKind.LocalizedString(v.printer),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(root)
	return out
}
