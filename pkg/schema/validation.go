package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationSeverity tells whether an issue rejects the form or is only logged.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a form definition. Path points
// into the definition, e.g. "fields[2].key" or "actions[1].mapping.email".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ActionIndex returns the index of the action the issue belongs to.
func (i ValidationIssue) ActionIndex() (int, bool) {
	return indexUnder(i.Path, "actions")
}

// FieldPath locates a field declaration, optionally one of its attributes.
func FieldPath(i int, attr ...string) string {
	return indexedPath("fields", i, attr)
}

// ActionPath locates an action definition. Further segments are joined
// with dots, so ActionPath(0, "settings", "to") is "actions[0].settings.to".
func ActionPath(i int, attr ...string) string {
	return indexedPath("actions", i, attr)
}

func indexedPath(list string, i int, attr []string) string {
	p := list + "[" + strconv.Itoa(i) + "]"
	if len(attr) > 0 {
		p += "." + strings.Join(attr, ".")
	}
	return p
}

func indexUnder(path, list string) (int, bool) {
	rest, ok := strings.CutPrefix(path, list+"[")
	if !ok {
		return 0, false
	}
	end := strings.IndexByte(rest, ']')
	if end <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ValidationResult collects the issues of one form definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the form can be loaded. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends the issues of other, which may be nil.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a loadable form, otherwise a VALIDATION error
// carrying every issue in its details. A single error keeps its path.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	if len(r.Errors) == 1 {
		msg = r.Errors[0].Message
		if p := r.Errors[0].Path; p != "" && p != "/" {
			msg = p + ": " + msg
		}
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
