package mapping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/formbridge/internal/attachments"
	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/expressions"
	"github.com/rendis/formbridge/internal/outputs"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/internal/tags"
	"github.com/rendis/formbridge/pkg/schema"
)

var contactFields = []crm.FieldInfo{
	{Name: "first_name", Title: "First Name", DataType: "String"},
	{Name: "last_name", Title: "Last Name", DataType: "String"},
	{Name: "is_deceased", Title: "Deceased", DataType: "Boolean"},
	{Name: "Intake.Referral_Source", Title: "Referral Source", DataType: "String", CustomGroup: "Intake", CustomID: 7},
	{Name: "Intake.ID_Scan", Title: "ID Scan", DataType: "File", InputType: "File", CustomGroup: "Intake", CustomID: 9},
	{Name: "Health.Allergies", Title: "Allergies", DataType: "Memo", CustomGroup: "Health", CustomID: 3},
}

func intakeForm() *schema.FormDefinition {
	return &schema.FormDefinition{
		Name: "intake",
		Fields: []schema.FieldDefinition{
			{Key: "field_first", Name: "first_name"},
			{Key: "field_last", Name: "last_name"},
			{Key: "field_source", Name: "source"},
			{Key: "field_scan", Name: "scan", Type: schema.FieldFile},
			{Key: "field_docs", Name: "docs", Type: schema.FieldFile},
		},
		Actions: []schema.ActionDefinition{{Type: "civicrm.contact", Name: "contact"}},
	}
}

func newResolver(values map[string]any) *tags.Resolver {
	return tags.NewResolver(submission.New("s1", intakeForm(), values), outputs.NewStore(expressions.NewGoJQEngine()))
}

func newMapper(t *testing.T) (*Mapper, *crm.MemoryClient, string) {
	t.Helper()
	client := crm.NewMemoryClient()
	client.SetFields("Contact", contactFields)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.png"), []byte("\x89PNG\r\n\x1a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cv.pdf"), []byte("%PDF-1.4"), 0o644))
	files, err := attachments.NewDirStore(dir, 0)
	require.NoError(t, err)

	return NewMapper(client, files, nil, nil), client, dir
}

func TestMapper_Map(t *testing.T) {
	m, _, _ := newMapper(t)
	r := newResolver(map[string]any{
		"field_first":  "ada",
		"field_last":   "",
		"field_source": "Flyer",
		"field_scan":   "scan.png",
	})

	res, err := m.Map(context.Background(), "Contact", map[string]string{
		"first_name":   "{field:field_first}",
		"last_name":    "{field:field_last}",
		"is_deceased":  "0",
		"contact_type": "Individual",
		"custom_7":     "{field:source}",
		"custom_9":     "{field:scan}",
	}, map[string]string{
		"first_name": "upper(value)",
	}, r)
	require.NoError(t, err)

	assert.Equal(t, crm.Record{
		"first_name":             "ADA",
		"is_deceased":            "0",
		"contact_type":           "Individual",
		"Intake.Referral_Source": "Flyer",
	}, res.Values)
	assert.Equal(t, []string{"Intake.Referral_Source"}, res.Custom)
	assert.Equal(t, []PendingFile{{Field: "custom_9", Ref: "scan.png"}}, res.Files)
}

func TestMapper_MapFileFromFormField(t *testing.T) {
	m, _, _ := newMapper(t)
	r := newResolver(map[string]any{"field_docs": []any{"cv.pdf", "scan.png"}})

	res, err := m.Map(context.Background(), "Contact", map[string]string{
		"attachments": "{field:docs}",
	}, nil, r)
	require.NoError(t, err)

	assert.Empty(t, res.Values)
	assert.Equal(t, []PendingFile{{Ref: "cv.pdf"}, {Ref: "scan.png"}}, res.Files)
}

func TestMapper_TransformCanFillEmptyValue(t *testing.T) {
	m, _, _ := newMapper(t)
	r := newResolver(nil)

	res, err := m.Map(context.Background(), "Contact", map[string]string{
		"last_name": "{field:field_last}",
	}, map[string]string{
		"last_name": `value ?? "Unknown"`,
	}, r)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", res.Values["last_name"])
}

func TestMapper_TransformError(t *testing.T) {
	m, _, _ := newMapper(t)
	_, err := m.Map(context.Background(), "Contact", map[string]string{
		"first_name": "x",
	}, map[string]string{"first_name": "value +"}, newResolver(nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeMapping))
}

func TestMapper_AttachFiles(t *testing.T) {
	m, client, dir := newMapper(t)

	recs, err := m.AttachFiles(context.Background(), "Contact", 12, []PendingFile{
		{Field: "custom_9", Ref: "scan.png"},
		{Ref: "cv.pdf"},
	}, true)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	atts := client.Attachments()
	require.Len(t, atts, 2)
	assert.Equal(t, "civicrm_contact", atts[0].EntityTable)
	assert.Equal(t, int64(12), atts[0].EntityID)
	assert.Equal(t, "custom_9", atts[0].FieldName)
	assert.Equal(t, "image/png", atts[0].MimeType)
	assert.Equal(t, "", atts[1].FieldName)
	assert.Equal(t, "application/pdf", atts[1].MimeType)

	_, err = os.Stat(filepath.Join(dir, "scan.png"))
	assert.True(t, os.IsNotExist(err), "local copy removed")
}

func TestMapper_AttachFilesMissing(t *testing.T) {
	m, _, _ := newMapper(t)
	_, err := m.AttachFiles(context.Background(), "Contact", 12, []PendingFile{{Ref: "nope.pdf"}}, false)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	noStore := NewMapper(crm.NewMemoryClient(), nil, nil, nil)
	_, err = noStore.AttachFiles(context.Background(), "Contact", 12, []PendingFile{{Ref: "cv.pdf"}}, false)
	assert.True(t, schema.HasCode(err, schema.ErrCodeAttachment))

	recs, err := noStore.AttachFiles(context.Background(), "Contact", 12, nil, false)
	assert.NoError(t, err)
	assert.Nil(t, recs)
}

func TestMapper_CustomGroups(t *testing.T) {
	m, _, _ := newMapper(t)

	groups, err := m.CustomGroups(context.Background(), "Contact")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Health", groups[0].Name)
	assert.Len(t, groups[0].Fields, 1)
	assert.Equal(t, "Intake", groups[1].Name)
	assert.Len(t, groups[1].Fields, 2)
}

type countingClient struct {
	crm.Client
	calls int
	err   error
}

func (c *countingClient) Fields(ctx context.Context, entity string) ([]crm.FieldInfo, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.Client.Fields(ctx, entity)
}

func TestMapper_FieldsCached(t *testing.T) {
	mem := crm.NewMemoryClient()
	mem.SetFields("Contact", contactFields)
	cc := &countingClient{Client: mem}
	m := NewMapper(cc, nil, nil, nil)

	for i := 0; i < 3; i++ {
		fields, err := m.Fields(context.Background(), "Contact")
		require.NoError(t, err)
		assert.Len(t, fields, len(contactFields))
	}
	assert.Equal(t, 1, cc.calls)
}

func TestMapper_FieldsError(t *testing.T) {
	boom := schema.NewError(schema.ErrCodeCRM, "down")
	m := NewMapper(&countingClient{Client: crm.NewMemoryClient(), err: boom}, nil, nil, nil)

	_, err := m.Map(context.Background(), "Contact", map[string]string{"a": "b"}, nil, newResolver(nil))
	assert.True(t, errors.Is(err, boom))
}
