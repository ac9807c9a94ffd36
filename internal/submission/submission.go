// Package submission holds the values posted by one front-end form.
package submission

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/rendis/formbridge/pkg/schema"
)

// Submission is one posted form. Values are keyed by field key or field name.
type Submission struct {
	ID          string                 `json:"id"`
	Form        *schema.FormDefinition `json:"-"`
	FormName    string                 `json:"form"`
	Values      map[string]any         `json:"values"`
	Nonce       string                 `json:"nonce,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// New binds posted values to a form definition.
func New(id string, form *schema.FormDefinition, values map[string]any) *Submission {
	if values == nil {
		values = map[string]any{}
	}
	s := &Submission{
		ID:          id,
		Form:        form,
		Values:      values,
		SubmittedAt: time.Now().UTC(),
	}
	if form != nil {
		s.FormName = form.Name
	}
	return s
}

// Field returns the definition of the field matching selector.
func (s *Submission) Field(selector string) (*schema.FieldDefinition, bool) {
	if s == nil {
		return nil, false
	}
	return s.Form.Field(selector)
}

// Value returns the submitted value for a field. The selector may be the
// field key or the field name; values posted under either are found.
func (s *Submission) Value(selector string) (any, bool) {
	if s == nil || selector == "" {
		return nil, false
	}
	if v, ok := s.Values[selector]; ok {
		return v, true
	}
	fd, ok := s.Field(selector)
	if !ok {
		return nil, false
	}
	if v, ok := s.Values[fd.Key]; ok {
		return v, true
	}
	if v, ok := s.Values[fd.Name]; ok {
		return v, true
	}
	return nil, false
}

// ByName returns the submitted values keyed by field name. Unknown keys are
// kept as posted.
func (s *Submission) ByName() map[string]any {
	out := make(map[string]any, len(s.Values))
	for k, v := range s.Values {
		if fd, ok := s.Field(k); ok && fd.Name != "" {
			out[fd.Name] = v
			continue
		}
		out[k] = v
	}
	return out
}

// MissingRequired returns the names of required fields with an empty value.
func (s *Submission) MissingRequired() []string {
	if s == nil || s.Form == nil {
		return nil
	}
	var missing []string
	for _, fd := range s.Form.Fields {
		if !fd.Required {
			continue
		}
		v, _ := s.Value(fd.Key)
		if !Present(v) {
			missing = append(missing, fd.Name)
		}
	}
	return missing
}

// Empty reports whether v is empty the way the form host judges it: nil,
// "", "0", false, numeric zero, and empty slices or maps.
func Empty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == "" || val == "0"
	case bool:
		return !val
	case int:
		return val == 0
	case int64:
		return val == 0
	case float64:
		return val == 0
	case json.Number:
		return val == "" || val == "0"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Present reports whether v carries a meaningful value. The literal string
// "0" counts as present.
func Present(v any) bool {
	if s, ok := v.(string); ok && s == "0" {
		return true
	}
	return !Empty(v)
}

// String renders a scalar submitted value as text. Slices are not flattened.
func String(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Int64 converts a submitted or CRM-returned ID into an integer.
func Int64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		return int64(val), val == float64(int64(val))
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
