package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "https://careline.internal/schemas/scheduling-webhook.json"

// schedulingSchema describes the structure of a scheduling webhook body:
// a FHIR Bundle carrying the patient plus the voice platform's call event.
const schedulingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["resourceType", "entry", "event"],
  "properties": {
    "resourceType": {"const": "Bundle"},
    "type": {"type": "string"},
    "entry": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["resource"],
        "properties": {
          "resource": {
            "type": "object",
            "required": ["resourceType"],
            "properties": {"resourceType": {"type": "string", "minLength": 1}}
          }
        }
      }
    },
    "event": {
      "type": "object",
      "required": ["event", "call_id"],
      "properties": {
        "event": {"type": "string", "minLength": 1},
        "call_id": {"type": "string", "minLength": 1, "maxLength": 255},
        "to_number": {"type": "string"},
        "from_number": {"type": "string"},
        "transfer_attempted": {"type": "boolean"},
        "scheduled_callback_time": {
          "anyOf": [
            {"type": "string", "format": "date-time"},
            {"type": "null"}
          ]
        },
        "summary": {"type": ["string", "null"]}
      }
    }
  }
}`

// ErrValidation matches every *ValidationError
var ErrValidation = errors.New("invalid_payload")

// FieldError is one structural problem in a payload
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports a structurally invalid webhook payload
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}

// Validator checks payloads against the compiled scheduling schema
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the scheduling schema
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schedulingSchema))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Validate returns a *ValidationError when body is not JSON or does not match the schema
func (v *Validator) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return invalid("", "body is not valid JSON")
	}
	err = v.schema.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return invalid("", err.Error())
	}
	return &ValidationError{Fields: fieldErrors(ve)}
}

// fieldErrors flattens the schema error tree into one entry per failing location
func fieldErrors(ve *jsonschema.ValidationError) []FieldError {
	seen := map[string]bool{}
	var out []FieldError
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		field := strings.TrimPrefix(unit.InstanceLocation, "/")
		msg := unit.Error.String()
		key := field + "\x00" + msg
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, FieldError{Field: field, Message: msg})
	}
	if len(out) == 0 {
		out = append(out, FieldError{Message: ve.Error()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
