// Package formui builds the configuration field arrays an action exposes to
// form authors: tabs, mapping selectors and conditional-visibility fields.
package formui

// Field types understood by the form builder.
const (
	TypeTab       = "tab"
	TypeAccordion = "accordion"
	TypeMessage   = "message"
	TypeSelect    = "select"
	TypeText      = "text"
	TypeTrueFalse = "true_false"
	TypeHidden    = "hidden"
)

// Field is one configuration UI field.
type Field struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	Type         string   `json:"type"`
	Instructions string   `json:"instructions,omitempty"`
	Choices      []Choice `json:"choices,omitempty"`
	Default      any      `json:"default_value,omitempty"`
	Required     bool     `json:"required,omitempty"`
	Multiple     bool     `json:"multiple,omitempty"`
	AllowNull    bool     `json:"allow_null,omitempty"`
	AllowCustom  bool     `json:"allow_custom,omitempty"`
	Placement    string   `json:"placement,omitempty"` // tabs: top | left
	Open         bool     `json:"open,omitempty"`      // accordions
	Endpoint     bool     `json:"endpoint,omitempty"`  // closes the running tab or accordion group
	Conditional  [][]Rule `json:"conditional_logic,omitempty"`
	Group        string   `json:"group,omitempty"` // custom field group a mapping belongs to
}

// Choice is one select option.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Rule shows a field only when another field matches. Rules in one inner
// slice are ANDed; the outer slices are ORed.
type Rule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // ==, !=, ==empty, !=empty
	Value    string `json:"value,omitempty"`
}

// ShowIf returns a copy of f shown only when the field with key other
// matches operator and value. Repeated calls AND the rules together.
func (f Field) ShowIf(other, operator, value string) Field {
	rule := Rule{Field: other, Operator: operator, Value: value}
	if len(f.Conditional) == 0 {
		f.Conditional = [][]Rule{{rule}}
		return f
	}
	groups := make([][]Rule, len(f.Conditional))
	for i, g := range f.Conditional {
		groups[i] = append(append([]Rule(nil), g...), rule)
	}
	f.Conditional = groups
	return f
}

// Choice looks up the label of value.
func (f Field) Choice(value string) (string, bool) {
	for _, c := range f.Choices {
		if c.Value == value {
			return c.Label, true
		}
	}
	return "", false
}
