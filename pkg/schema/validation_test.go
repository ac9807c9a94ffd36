package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("actions[0].type", ErrCodeValidation, "action type not registered")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "actions[0].type", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("actions[1].mapping.subject", ErrCodeTag, "tag references unknown field")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("actions[0]", ErrCodeConflict, "err2")
	r2.AddWarning("actions[1]", ErrCodeTag, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")

	var single *Error
	require.True(t, errors.As(r.ToError(), &single))
	assert.Equal(t, "err1", single.Message)
	assert.Equal(t, 1, single.Details["error_count"])

	keyed := &ValidationResult{}
	keyed.AddError(FieldPath(3, "key"), ErrCodeValidation, `duplicate field key "email"`)
	assert.Equal(t, `[VALIDATION] fields[3].key: duplicate field key "email"`, keyed.ToError().Error())

	r.AddError("/", ErrCodeValidation, "err2")
	var multi *Error
	require.True(t, errors.As(r.ToError(), &multi))
	assert.Contains(t, multi.Message, "2 errors")
}

func TestError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorf(ErrCodeCRM, "create %s failed", "Contact").WithAction("contact").WithCause(cause)

	assert.Equal(t, "[CRM_ERROR] action contact: create Contact failed", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[NOT_FOUND] missing", NewError(ErrCodeNotFound, "missing").Error())
}

func TestHasCode(t *testing.T) {
	inner := NewError(ErrCodeTag, "bad tag")
	wrapped := fmt.Errorf("resolve: %w", inner)

	assert.True(t, HasCode(wrapped, ErrCodeTag))
	assert.False(t, HasCode(wrapped, ErrCodeCRM))
	assert.False(t, HasCode(nil, ErrCodeTag))
}

func TestFormPaths(t *testing.T) {
	assert.Equal(t, "fields[2]", FieldPath(2))
	assert.Equal(t, "fields[0].name", FieldPath(0, "name"))
	assert.Equal(t, "actions[1]", ActionPath(1))
	assert.Equal(t, "actions[1].type", ActionPath(1, "type"))
	assert.Equal(t, "actions[4].settings.to_ref", ActionPath(4, "settings", "to_ref"))
}

func TestValidationIssue_ActionIndex(t *testing.T) {
	tests := []struct {
		path string
		idx  int
		ok   bool
	}{
		{ActionPath(3, "mapping", "email"), 3, true},
		{ActionPath(12), 12, true},
		{FieldPath(1, "key"), 0, false},
		{"actions[].name", 0, false},
		{"actions[x].name", 0, false},
		{"/", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			idx, ok := ValidationIssue{Path: tt.path}.ActionIndex()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.idx, idx)
		})
	}
}
