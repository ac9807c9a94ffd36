package validation

import (
	"github.com/rendis/formbridge/internal/expressions"
	"github.com/rendis/formbridge/pkg/schema"
)

// FormValidator runs the two-stage validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (names, action types, settings, expressions, tag references)
type FormValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	cel        *expressions.CELEngine
	expr       *expressions.ExprEngine
}

// NewFormValidator creates a FormValidator.
// lookup may be nil to skip action type and settings checks.
func NewFormValidator(lookup ActionLookup) (*FormValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &FormValidator{
		jsonSchema: jsv,
		actions:    lookup,
		cel:        celEngine,
		expr:       expressions.NewExprEngine(),
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (fv *FormValidator) Validate(def *schema.FormDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "form definition is nil")
		return r
	}

	result := validateStructural(fv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	sc := &semanticChecker{
		def:      def,
		lookup:   fv.actions,
		settings: fv.jsonSchema,
		cel:      fv.cel,
		expr:     fv.expr,
	}
	result.Merge(sc.run())
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (fv *FormValidator) ValidateDefinition(def *schema.FormDefinition) error {
	return fv.Validate(def).ToError()
}

// ValidateSettings delegates to the underlying JSONSchemaValidator.
func (fv *FormValidator) ValidateSettings(settings map[string]any, settingsSchema []byte) error {
	return fv.jsonSchema.ValidateSettings(settings, settingsSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.FormDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	se, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, se.Message)
	return result
}

var _ Validator = (*FormValidator)(nil)
