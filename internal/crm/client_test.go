package crm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/formbridge/pkg/schema"
)

func TestEntityTable(t *testing.T) {
	assert.Equal(t, "civicrm_contact", EntityTable("Contact"))
	assert.Equal(t, "civicrm_activity", EntityTable("Activity"))
	assert.Equal(t, "civicrm_entity_tag", EntityTable("EntityTag"))
}

func TestIsCustomFieldName(t *testing.T) {
	assert.True(t, IsCustomFieldName("custom_12"))
	assert.False(t, IsCustomFieldName("custom_"))
	assert.False(t, IsCustomFieldName("custom_x1"))
	assert.False(t, IsCustomFieldName("first_name"))

	assert.True(t, FieldInfo{Name: "Housing.tenure", CustomGroup: "Housing"}.IsCustom())
	assert.True(t, FieldInfo{Name: "custom_4"}.IsCustom())
	assert.True(t, FieldInfo{DataType: "File"}.IsFile())
	assert.False(t, FieldInfo{DataType: "String"}.IsFile())
}

func TestMemoryClient_CRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()

	rec, err := m.Create(ctx, "Contact", Record{"first_name": "Ada"})
	require.NoError(t, err)
	id := rec["id"].(int64)

	_, err = m.Update(ctx, "Contact", id, Record{"last_name": "Lovelace"})
	require.NoError(t, err)

	got, err := m.Get(ctx, "Contact", id)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["first_name"])
	assert.Equal(t, "Lovelace", got["last_name"])

	got["first_name"] = "mutated"
	again, _ := m.Get(ctx, "Contact", id)
	assert.Equal(t, "Ada", again["first_name"])

	_, err = m.Get(ctx, "Contact", 999)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = m.Update(ctx, "Contact", 999, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMemoryClient_Find(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	m.Seed("Case", Record{"id": 10, "case_type_id": "housing", "contact_id": float64(3), "status_id": "Open"})
	m.Seed("Case", Record{"case_type_id": "housing", "contact_id": int64(4), "status_id": "Closed"})
	m.Seed("Case", Record{"case_type_id": "legal", "contact_id": 3, "status_id": "Open"})

	found, err := m.Find(ctx, "Case", []Condition{Eq("contact_id", int64(3)), Eq("case_type_id", "housing")}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(10), found[0]["id"])

	found, err = m.Find(ctx, "Case", []Condition{In("status_id", "Open", "Pending")}, 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = m.Find(ctx, "Case", []Condition{{Field: "status_id", Op: "!=", Value: "Open"}}, 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = m.Find(ctx, "Case", []Condition{{Field: "x", Op: "LIKE", Value: "a"}}, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.Len(t, m.Records("Case"), 3)
}

func TestMemoryClient_FindMultiValued(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	m.Seed("Case", Record{"contact_id": []any{int64(3), int64(5)}})
	m.Seed("Case", Record{"contact_id": []int64{6}})

	found, err := m.Find(ctx, "Case", []Condition{In("contact_id", int64(5), int64(9))}, 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = m.Find(ctx, "Case", []Condition{Eq("contact_id", 6)}, 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = m.Find(ctx, "Case", []Condition{{Field: "contact_id", Op: "!=", Value: int64(3)}}, 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestMemoryClient_FieldsAndAttach(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	m.SetFields("Contact", []FieldInfo{{Name: "first_name", DataType: "String"}})

	fields, err := m.Fields(ctx, "Contact")
	require.NoError(t, err)
	assert.Len(t, fields, 1)

	_, err = m.Attach(ctx, Attachment{Name: "a.pdf"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeAttachment))

	rec, err := m.Attach(ctx, Attachment{EntityTable: "civicrm_contact", EntityID: 1, Name: "a.pdf", Content: []byte("%PDF")})
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", rec["name"])
	require.Len(t, m.Attachments(), 1)
	assert.Equal(t, []byte("%PDF"), m.Attachments()[0].Content)
}
