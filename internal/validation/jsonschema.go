package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/formbridge/pkg/schema"
)

const formSchemaURL = "https://formbridge.dev/schemas/form.json"

// formSchemaJSON is the JSON Schema for FormDefinition validation.
const formSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://formbridge.dev/schemas/form.json",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "$ref": "#/$defs/ident" },
    "title": { "type": "string" },
    "fields": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/field" }
    },
    "actions": {
      "type": "array",
      "items": { "$ref": "#/$defs/action" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "ident": {
      "type": "string",
      "pattern": "^[A-Za-z0-9_-]+$"
    },
    "string_map": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "field": {
      "type": "object",
      "required": ["key", "name"],
      "properties": {
        "key": { "$ref": "#/$defs/ident" },
        "name": { "$ref": "#/$defs/ident" },
        "label": { "type": "string" },
        "type": { "type": "string" },
        "required": { "type": "boolean" },
        "choices": { "$ref": "#/$defs/string_map" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["type", "name"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "name": { "$ref": "#/$defs/ident" },
        "conditional": { "type": "string" },
        "condition": { "type": "string" },
        "mapping": { "$ref": "#/$defs/string_map" },
        "transforms": { "$ref": "#/$defs/string_map" },
        "settings": { "type": "object" },
        "on_error": { "enum": ["fail", "ignore"] }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	formSchema *jsonschema.Schema

	// mu guards the cache of compiled settings schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the form schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(formSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal form schema: %w", err)
	}
	if err := c.AddResource(formSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add form schema resource: %w", err)
	}
	formSchema, err := c.Compile(formSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile form schema: %w", err)
	}

	return &JSONSchemaValidator{
		formSchema: formSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates the structure of a FormDefinition.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.FormDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "form definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize form definition").WithCause(err)
	}
	if err := v.formSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateSettings validates action settings against the action's settings
// schema. Absent settings validate as an empty object.
func (v *JSONSchemaValidator) ValidateSettings(settings map[string]any, settingsSchema []byte) error {
	if len(settingsSchema) == 0 {
		return nil
	}
	if settings == nil {
		settings = map[string]any{}
	}

	compiled, err := v.getOrCompile(settingsSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid settings schema").WithCause(err)
	}

	doc, err := toJSONValue(settings)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize settings").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("formbridge://settings-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into an Error whose
// details list every violation with its instance location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
