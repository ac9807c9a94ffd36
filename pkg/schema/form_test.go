package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testForm() *FormDefinition {
	return &FormDefinition{
		Name: "intake",
		Fields: []FieldDefinition{
			{Key: "field_first", Name: "first_name", Type: FieldText},
			{Key: "field_upload", Name: "upload", Type: FieldFile},
			{Key: "first_name", Name: "shadowed", Type: FieldText},
		},
		Actions: []ActionDefinition{
			{Type: "civicrm.contact", Name: "contact"},
			{Type: "civicrm.case", Name: "case"},
			{Type: "civicrm.activity", Name: "activity"},
		},
	}
}

func TestFormDefinition_FieldKeyBeforeName(t *testing.T) {
	f := testForm()

	fd, ok := f.Field("first_name")
	require.True(t, ok)
	assert.Equal(t, "shadowed", fd.Name, "a key match wins over a name match")

	fd, ok = f.Field("upload")
	require.True(t, ok)
	assert.True(t, fd.Type.IsFile())

	_, ok = f.Field("")
	assert.False(t, ok)
	_, ok = f.Field("nope")
	assert.False(t, ok)
}

func TestFormDefinition_ActionsBefore(t *testing.T) {
	f := testForm()

	before := f.ActionsBefore("activity")
	require.Len(t, before, 2)
	assert.Equal(t, "contact", before[0].Name)
	assert.Equal(t, "case", before[1].Name)
	assert.Empty(t, f.ActionsBefore("contact"))

	a, ok := f.Action("case")
	require.True(t, ok)
	assert.Equal(t, "civicrm.case", a.Type)
}

func TestActionDefinition_Settings(t *testing.T) {
	a := &ActionDefinition{Settings: map[string]any{
		"case_type": "housing",
		"skip":      "1",
		"contacts":  []any{"contact", "", "partner"},
		"email":     true,
	}}

	assert.Equal(t, "housing", a.Setting("case_type", ""))
	assert.Equal(t, "Open", a.Setting("status", "Open"))
	assert.True(t, a.BoolSetting("skip", false))
	assert.True(t, a.BoolSetting("email", false))
	assert.False(t, a.BoolSetting("missing", false))
	assert.Equal(t, []string{"contact", "partner"}, a.ListSetting("contacts"))
	assert.Equal(t, []string{"housing"}, a.ListSetting("case_type"))

	var nilDef *ActionDefinition
	assert.Equal(t, "x", nilDef.Setting("a", "x"))
}
