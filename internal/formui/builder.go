package formui

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/tags"
	"github.com/rendis/formbridge/pkg/schema"
)

// Builder creates the configuration fields of one action type. Every key
// it produces is namespaced as field_<prefix>_<name>.
type Builder struct {
	prefix string
}

// NewBuilder creates a Builder for an action type, e.g. "civicrm.contact".
func NewBuilder(actionType string) *Builder {
	prefix := strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(strings.ToLower(actionType))
	return &Builder{prefix: prefix}
}

// Key returns the namespaced key for name.
func (b *Builder) Key(name string) string {
	return "field_" + b.prefix + "_" + name
}

// Tab opens a tab.
func (b *Builder) Tab(name, label string) Field {
	return Field{Key: b.Key("tab_" + name), Name: "tab_" + name, Label: label, Type: TypeTab, Placement: "top"}
}

// Accordion opens a collapsible group.
func (b *Builder) Accordion(name, label string, open bool) Field {
	return Field{Key: b.Key("accordion_" + name), Name: "accordion_" + name, Label: label, Type: TypeAccordion, Open: open}
}

// AccordionEnd closes the accordion group opened before it.
func (b *Builder) AccordionEnd(name string) Field {
	return Field{Key: b.Key("accordion_" + name + "_end"), Name: "accordion_" + name + "_end", Type: TypeAccordion, Endpoint: true}
}

// Message is a read-only block of text.
func (b *Builder) Message(name, label, text string) Field {
	return Field{Key: b.Key("message_" + name), Name: "message_" + name, Label: label, Type: TypeMessage, Instructions: text}
}

// Text is a free text setting.
func (b *Builder) Text(name, label, instructions string) Field {
	return Field{Key: b.Key(name), Name: name, Label: label, Type: TypeText, Instructions: instructions}
}

// Toggle is a true/false setting.
func (b *Builder) Toggle(name, label string, def bool) Field {
	return Field{Key: b.Key(name), Name: name, Label: label, Type: TypeTrueFalse, Default: def}
}

// Select is a fixed-choice setting.
func (b *Builder) Select(name, label string, choices []Choice) Field {
	return Field{Key: b.Key(name), Name: name, Label: label, Type: TypeSelect, Choices: choices, AllowNull: true}
}

// MappingSelect binds a CRM attribute to a static value or a form field.
// Choices are the form's fields as {field:<key>} tags; custom values are
// allowed so a literal can be typed in.
func (b *Builder) MappingSelect(name, label string, form *schema.FormDefinition) Field {
	return Field{
		Key:         b.Key("map_" + name),
		Name:        name,
		Label:       label,
		Type:        TypeSelect,
		Choices:     FieldChoices(form, nil),
		AllowNull:   true,
		AllowCustom: true,
	}
}

// MappingFields builds one MappingSelect per CRM field. Core fields come
// first; custom fields carry their group name. File fields only offer the
// form's file fields.
func (b *Builder) MappingFields(fields []crm.FieldInfo, form *schema.FormDefinition) []Field {
	var core, custom []Field
	for _, info := range fields {
		f := b.MappingSelect(info.Name, b.Label(info), form)
		if info.Required {
			f.Instructions = "Required by the CRM."
		}
		if info.IsFile() {
			f.Choices = FieldChoices(form, func(fd schema.FieldDefinition) bool { return fd.Type.IsFile() })
			f.AllowCustom = false
		}
		if info.IsCustom() {
			f.Group = info.CustomGroup
			custom = append(custom, f)
			continue
		}
		core = append(core, f)
	}
	return append(core, custom...)
}

// ConditionalField is the gate setting: a field tag or literal whose empty
// result skips the action.
func (b *Builder) ConditionalField(form *schema.FormDefinition) Field {
	return Field{
		Key:          b.Key("conditional"),
		Name:         "conditional",
		Label:        "Conditional On",
		Type:         TypeSelect,
		Instructions: "The action only runs when this value is not empty.",
		Choices:      FieldChoices(form, nil),
		AllowNull:    true,
		AllowCustom:  true,
	}
}

// ActionRefField lets the author pick an earlier action of actionType whose
// output (usually its ID) feeds this action. current is the name of the
// action being configured; only actions before it are offered.
func (b *Builder) ActionRefField(name, label, actionType string, form *schema.FormDefinition, current string) Field {
	var choices []Choice
	for _, a := range form.ActionsBefore(current) {
		if actionType != "" && a.Type != actionType {
			continue
		}
		choices = append(choices, Choice{Value: a.Name, Label: a.Name})
	}
	return Field{
		Key:       b.Key(name),
		Name:      name,
		Label:     label,
		Type:      TypeSelect,
		Choices:   choices,
		AllowNull: true,
	}
}

// NonceField is the hidden field carrying the form nonce.
func (b *Builder) NonceField(nonce string) Field {
	return Field{Key: b.Key("nonce"), Name: "_nonce", Type: TypeHidden, Default: nonce}
}

// Label returns the CRM title of a field, or a humanised form of its name.
func (b *Builder) Label(info crm.FieldInfo) string {
	if info.Title != "" {
		return info.Title
	}
	return b.Humanize(info.Name)
}

// Humanize turns an API name such as "Intake.referral_source" into
// "Referral Source".
func (b *Builder) Humanize(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	return cases.Title(language.English).String(name)
}

// FieldChoices lists form fields as {field:<key>} choices, optionally
// filtered.
func FieldChoices(form *schema.FormDefinition, keep func(schema.FieldDefinition) bool) []Choice {
	if form == nil {
		return nil
	}
	choices := make([]Choice, 0, len(form.Fields))
	for _, fd := range form.Fields {
		if keep != nil && !keep(fd) {
			continue
		}
		label := fd.Label
		if label == "" {
			label = fd.Name
		}
		choices = append(choices, Choice{Value: tags.FieldTag(fd.Key), Label: label})
	}
	return choices
}
