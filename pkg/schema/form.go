package schema

// FormDefinition is the JSON/YAML-serializable description of a front-end
// form: the fields it renders and the actions run when it is submitted.
type FormDefinition struct {
	Name    string             `json:"name" yaml:"name"`
	Title   string             `json:"title,omitempty" yaml:"title,omitempty"`
	Fields  []FieldDefinition  `json:"fields" yaml:"fields"`
	Actions []ActionDefinition `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// FieldDefinition describes one rendered form field.
type FieldDefinition struct {
	Key      string            `json:"key" yaml:"key"`                   // unique field key, e.g. "field_5f3a1c"
	Name     string            `json:"name" yaml:"name"`                 // machine name, e.g. "first_name"
	Label    string            `json:"label,omitempty" yaml:"label,omitempty"`
	Type     FieldType         `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool              `json:"required,omitempty" yaml:"required,omitempty"`
	Choices  map[string]string `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// FieldType enumerates the form field kinds the bridge cares about.
type FieldType string

const (
	FieldText      FieldType = "text"
	FieldTextarea  FieldType = "textarea"
	FieldEmail     FieldType = "email"
	FieldNumber    FieldType = "number"
	FieldSelect    FieldType = "select"
	FieldCheckbox  FieldType = "checkbox"
	FieldTrueFalse FieldType = "true_false"
	FieldDate      FieldType = "date_picker"
	FieldHidden    FieldType = "hidden"
	FieldFile      FieldType = "file"
	FieldImage     FieldType = "image"
)

// IsFile reports whether submitted values of this type are attachment references.
func (t FieldType) IsFile() bool {
	return t == FieldFile || t == FieldImage
}

// ActionDefinition configures one form action.
type ActionDefinition struct {
	Type        string            `json:"type" yaml:"type"`                                   // registered action type, e.g. "civicrm.contact"
	Name        string            `json:"name" yaml:"name"`                                   // unique within the form; key in the output store
	Conditional string            `json:"conditional,omitempty" yaml:"conditional,omitempty"` // tag or literal; empty result skips the action
	Condition   string            `json:"condition,omitempty" yaml:"condition,omitempty"`     // CEL expression
	Mapping     map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`         // CRM field -> literal or tag
	Transforms  map[string]string `json:"transforms,omitempty" yaml:"transforms,omitempty"`   // CRM field -> expr expression
	Settings    map[string]any    `json:"settings,omitempty" yaml:"settings,omitempty"`
	OnError     string            `json:"on_error,omitempty" yaml:"on_error,omitempty"` // fail | ignore (default: fail)
}

// On-error strategies for an action.
const (
	OnErrorFail   = "fail"
	OnErrorIgnore = "ignore"
)

// Field returns the field definition whose key or name matches selector.
// Keys take precedence over names.
func (f *FormDefinition) Field(selector string) (*FieldDefinition, bool) {
	if f == nil || selector == "" {
		return nil, false
	}
	for i := range f.Fields {
		if f.Fields[i].Key == selector {
			return &f.Fields[i], true
		}
	}
	for i := range f.Fields {
		if f.Fields[i].Name == selector {
			return &f.Fields[i], true
		}
	}
	return nil, false
}

// Action returns the action definition with the given name.
func (f *FormDefinition) Action(name string) (*ActionDefinition, bool) {
	if f == nil {
		return nil, false
	}
	for i := range f.Actions {
		if f.Actions[i].Name == name {
			return &f.Actions[i], true
		}
	}
	return nil, false
}

// ActionsBefore returns the actions configured ahead of the named action,
// in order. Only these can feed values into it.
func (f *FormDefinition) ActionsBefore(name string) []ActionDefinition {
	if f == nil {
		return nil
	}
	var out []ActionDefinition
	for _, a := range f.Actions {
		if a.Name == name {
			break
		}
		out = append(out, a)
	}
	return out
}

// Setting returns a string setting or def when absent.
func (a *ActionDefinition) Setting(key, def string) string {
	if a == nil || a.Settings == nil {
		return def
	}
	s, ok := a.Settings[key].(string)
	if !ok || s == "" {
		return def
	}
	return s
}

// BoolSetting returns a boolean setting or def when absent.
func (a *ActionDefinition) BoolSetting(key string, def bool) bool {
	if a == nil || a.Settings == nil {
		return def
	}
	switch v := a.Settings[key].(type) {
	case bool:
		return v
	case string:
		return v == "1" || v == "true"
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return def
	}
}

// ListSetting returns a string-list setting. A single string is returned as
// a one-element list.
func (a *ActionDefinition) ListSetting(key string) []string {
	if a == nil || a.Settings == nil {
		return nil
	}
	switch v := a.Settings[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
