package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/formbridge/internal/expressions"
	"github.com/rendis/formbridge/internal/tags"
	"github.com/rendis/formbridge/pkg/schema"
)

var knownFieldTypes = map[schema.FieldType]bool{
	schema.FieldText: true, schema.FieldTextarea: true, schema.FieldEmail: true,
	schema.FieldNumber: true, schema.FieldSelect: true, schema.FieldCheckbox: true,
	schema.FieldTrueFalse: true, schema.FieldDate: true, schema.FieldHidden: true,
	schema.FieldFile: true, schema.FieldImage: true,
}

type semanticChecker struct {
	def      *schema.FormDefinition
	lookup   ActionLookup
	settings *JSONSchemaValidator
	cel      *expressions.CELEngine
	expr     *expressions.ExprEngine
	result   *schema.ValidationResult

	// position of each action by name
	positions map[string]int
}

// run checks what JSON Schema cannot: unique keys and names,
// registered action types, settings against each action's schema,
// compilable expressions, and tag references.
func (c *semanticChecker) run() *schema.ValidationResult {
	c.result = &schema.ValidationResult{}
	c.checkFields()

	c.positions = make(map[string]int, len(c.def.Actions))
	for i, a := range c.def.Actions {
		path := schema.ActionPath(i, "name")
		if _, dup := c.positions[a.Name]; dup {
			c.result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate action name %q", a.Name))
			continue
		}
		c.positions[a.Name] = i
	}

	for i := range c.def.Actions {
		c.checkAction(i, &c.def.Actions[i])
	}
	return c.result
}

func (c *semanticChecker) checkFields() {
	keys := make(map[string]bool, len(c.def.Fields))
	names := make(map[string]bool, len(c.def.Fields))
	for i, f := range c.def.Fields {
		if keys[f.Key] {
			c.result.AddError(schema.FieldPath(i, "key"), schema.ErrCodeValidation, fmt.Sprintf("duplicate field key %q", f.Key))
		}
		keys[f.Key] = true
		if names[f.Name] {
			c.result.AddWarning(schema.FieldPath(i, "name"), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate field name %q; lookups by name use the first", f.Name))
		}
		names[f.Name] = true
		if f.Type != "" && !knownFieldTypes[f.Type] {
			c.result.AddWarning(schema.FieldPath(i, "type"), schema.ErrCodeValidation,
				fmt.Sprintf("field type %q is treated as text", f.Type))
		}
	}
}

func (c *semanticChecker) checkAction(i int, a *schema.ActionDefinition) {
	if c.lookup != nil {
		action, err := c.lookup.Get(a.Type)
		if err != nil {
			c.result.AddError(schema.ActionPath(i, "type"), schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action type %q not registered", a.Type))
		} else if err := c.settings.ValidateSettings(a.Settings, action.Schema().SettingsSchema); err != nil {
			c.addSchemaError(schema.ActionPath(i, "settings"), err)
		}
	}

	if a.Condition != "" {
		if err := c.cel.Check(a.Condition); err != nil {
			c.result.AddError(schema.ActionPath(i, "condition"), schema.ErrCodeValidation, err.Error())
		}
	}

	for _, field := range sortedKeys(a.Transforms) {
		tpath := schema.ActionPath(i, "transforms", field)
		if _, ok := a.Mapping[field]; !ok {
			c.result.AddWarning(tpath, schema.ErrCodeValidation,
				fmt.Sprintf("transform for %q has no mapping and never runs", field))
		}
		if err := c.expr.Check(a.Transforms[field]); err != nil {
			c.result.AddError(tpath, schema.ErrCodeValidation, err.Error())
		}
	}

	c.checkTags(i, schema.ActionPath(i, "conditional"), a.Conditional)
	for _, field := range sortedKeys(a.Mapping) {
		c.checkTags(i, schema.ActionPath(i, "mapping", field), a.Mapping[field])
	}
	for _, key := range sortedKeys(a.Settings) {
		for _, s := range a.ListSetting(key) {
			spath := schema.ActionPath(i, "settings", key)
			c.checkTags(i, spath, s)
			if strings.HasSuffix(key, "_ref") {
				c.checkActionRef(i, spath, s)
			}
		}
	}
}

// checkTags reports tags that can never resolve for the action at pos.
func (c *semanticChecker) checkTags(pos int, path, raw string) {
	for _, t := range tags.Find(raw) {
		switch t.Kind {
		case tags.KindField:
			if _, ok := c.def.Field(t.Field); !ok {
				c.result.AddWarning(path, schema.ErrCodeTag,
					fmt.Sprintf("%s references unknown field %q and is left as is", t.Raw, t.Field))
			}
		case tags.KindAction:
			c.checkActionRef(pos, path, t.Action)
		}
	}
}

// checkActionRef reports references to the action itself or to actions
// that run after it. Values that are not action names are literals.
func (c *semanticChecker) checkActionRef(pos int, path, name string) {
	if ref, ok := c.positions[strings.TrimSpace(name)]; ok && ref >= pos {
		c.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("action %q does not run before %q", name, c.def.Actions[pos].Name))
	}
}

func (c *semanticChecker) addSchemaError(path string, err error) {
	se, ok := err.(*schema.Error)
	if !ok {
		c.result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, v := range violations {
			c.result.AddError(path, schema.ErrCodeValidation, v)
		}
		return
	}
	c.result.AddError(path, schema.ErrCodeValidation, se.Message)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
