// Package crm talks to CiviCRM. Actions depend on the Client interface only.
package crm

import (
	"context"
	"strings"
)

// Record is one CRM entity row as returned by the API.
type Record map[string]any

// Client is the subset of the CiviCRM API the form actions use.
type Client interface {
	Get(ctx context.Context, entity string, id int64) (Record, error)
	Find(ctx context.Context, entity string, where []Condition, limit int) ([]Record, error)
	Create(ctx context.Context, entity string, values Record) (Record, error)
	Update(ctx context.Context, entity string, id int64, values Record) (Record, error)
	Fields(ctx context.Context, entity string) ([]FieldInfo, error)
	Attach(ctx context.Context, att Attachment) (Record, error)
}

// Condition is one APIv4 where clause: field, operator, value.
type Condition struct {
	Field string
	Op    string
	Value any
}

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: "=", Value: value}
}

// In builds an IN condition.
func In(field string, values ...any) Condition {
	return Condition{Field: field, Op: "IN", Value: values}
}

func (c Condition) clause() []any {
	return []any{c.Field, c.Op, c.Value}
}

// FieldInfo describes one entity field as reported by getFields.
type FieldInfo struct {
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	DataType    string            `json:"data_type,omitempty"`  // String, Integer, Date, File, ...
	InputType   string            `json:"input_type,omitempty"` // Text, Select, File, ...
	Required    bool              `json:"required,omitempty"`
	CustomGroup string            `json:"custom_group,omitempty"` // non-empty for custom fields
	CustomID    int64             `json:"custom_field_id,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// IsCustom reports whether the field belongs to a custom field group.
func (f FieldInfo) IsCustom() bool {
	return f.CustomGroup != "" || IsCustomFieldName(f.Name)
}

// IsFile reports whether the field stores a file.
func (f FieldInfo) IsFile() bool {
	return f.DataType == "File" || f.InputType == "File"
}

// Attachment is a file to attach to an entity, either to a custom file
// field (FieldName "custom_N") or to the entity itself.
type Attachment struct {
	EntityTable string // e.g. "civicrm_contact", "civicrm_activity"
	EntityID    int64
	FieldName   string // custom_N for custom file fields, empty otherwise
	Name        string
	MimeType    string
	Description string
	Content     []byte
}

// EntityTable returns the SQL table name CiviCRM uses for an entity.
func EntityTable(entity string) string {
	var b strings.Builder
	b.WriteString("civicrm")
	for _, r := range entity {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsCustomFieldName reports whether name is an APIv3-style "custom_N" key.
func IsCustomFieldName(name string) bool {
	rest, ok := strings.CutPrefix(name, "custom_")
	if !ok || rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
