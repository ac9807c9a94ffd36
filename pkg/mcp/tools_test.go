package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/formbridge/internal/actions"
	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/engine"
	"github.com/rendis/formbridge/internal/forms"
	"github.com/rendis/formbridge/internal/nonce"
	"github.com/rendis/formbridge/internal/store"
	"github.com/rendis/formbridge/pkg/schema"
)

type fixture struct {
	client *crm.MemoryClient
	store  *store.LibSQLStore
	srv    *Server
}

func volunteerForm() *schema.FormDefinition {
	return &schema.FormDefinition{
		Name:  "volunteer",
		Title: "Volunteer sign-up",
		Fields: []schema.FieldDefinition{
			{Key: "field_first", Name: "first_name", Type: schema.FieldText, Required: true},
			{Key: "field_last", Name: "last_name", Type: schema.FieldText},
			{Key: "field_email", Name: "email", Type: schema.FieldEmail},
		},
		Actions: []schema.ActionDefinition{{
			Type: "civicrm.contact",
			Name: "volunteer",
			Mapping: map[string]string{
				"first_name": "{field:first_name}",
				"last_name":  "{field:last_name}",
			},
		}},
	}
}

func newFixture(t *testing.T, withNonces bool) *fixture {
	t.Helper()
	client := crm.NewMemoryClient()
	client.SetFields("Contact", []crm.FieldInfo{
		{Name: "first_name", Title: "First Name"},
		{Name: "last_name", Title: "Last Name"},
	})

	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Deps{Client: client}))

	catalog := forms.NewCatalog(nil, nil)
	require.NoError(t, catalog.Add(volunteerForm(), "test"))

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cfg := engine.Config{Registry: reg, Store: s}
	if withNonces {
		cfg.Nonces = nonce.NewIssuer([]byte("test-secret"), time.Hour)
	}
	proc, err := engine.NewProcessor(cfg)
	require.NoError(t, err)

	srv := NewServer(ServerDeps{
		Forms:     catalog,
		Submitter: proc,
		Store:     s,
		Registry:  reg,
	})
	return &fixture{client: client, store: s, srv: srv}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func TestActionsTool(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleActions(context.Background(), buildRequest("formbridge.actions", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Actions []actions.ActionInfo `json:"actions"`
	}
	unmarshalResult(t, result, &resp)
	types := make([]string, 0, len(resp.Actions))
	for _, a := range resp.Actions {
		types = append(types, a.Type)
	}
	assert.Equal(t, []string{"civicrm.activity", "civicrm.case", "civicrm.contact"}, types)
}

func TestFieldsTool(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleFields(context.Background(), buildRequest("formbridge.fields", map[string]any{
		"form":   "volunteer",
		"action": "volunteer",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp struct {
		Type   string            `json:"type"`
		Fields []json.RawMessage `json:"fields"`
	}
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "civicrm.contact", resp.Type)
	assert.NotEmpty(t, resp.Fields)
}

func TestFieldsToolErrors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing form", map[string]any{"action": "volunteer"}},
		{"unknown form", map[string]any{"form": "nope", "action": "volunteer"}},
		{"unknown action", map[string]any{"form": "volunteer", "action": "nope"}},
		{"neither action nor type", map[string]any{"form": "volunteer"}},
		{"unregistered type", map[string]any{"form": "volunteer", "type": "civicrm.grant"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.srv.handleFields(ctx, buildRequest("formbridge.fields", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestFieldsToolNewActionType(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleFields(context.Background(), buildRequest("formbridge.fields", map[string]any{
		"form": "volunteer",
		"type": "civicrm.case",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
}

func TestSubmitTool(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	result, err := f.srv.handleSubmit(ctx, buildRequest("formbridge.submit", map[string]any{
		"form":    "volunteer",
		"values":  map[string]any{"field_first": "Grace", "field_last": "Hopper"},
		"user_id": "3",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res engine.Result
	unmarshalResult(t, result, &res)
	assert.Equal(t, schema.SubmissionCompleted, res.Status)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, schema.ActionCompleted, res.Actions[0].Status)

	contacts := f.client.Records("Contact")
	require.Len(t, contacts, 1)
	assert.Equal(t, "Grace", contacts[0]["first_name"])

	sub, err := f.store.GetSubmission(ctx, res.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubmissionCompleted, sub.Status)
	assert.Equal(t, "3", sub.UserID)
}

func TestSubmitToolRequiredFieldMissing(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleSubmit(context.Background(), buildRequest("formbridge.submit", map[string]any{
		"form":   "volunteer",
		"values": map[string]any{"field_last": "Hopper"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var res engine.Result
	unmarshalResult(t, result, &res)
	assert.Equal(t, schema.SubmissionFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeValidation, res.Error.Code)
	assert.Empty(t, f.client.Records("Contact"))
}

func TestSubmitToolMissingValues(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleSubmit(context.Background(), buildRequest("formbridge.submit", map[string]any{
		"form": "volunteer",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "values is required")
}

func TestNonceAndSubmit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	result, err := f.srv.handleSubmit(ctx, buildRequest("formbridge.submit", map[string]any{
		"form":    "volunteer",
		"values":  map[string]any{"field_first": "Grace"},
		"user_id": "3",
		"nonce":   "bogus",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "submission rejected")

	result, err = f.srv.handleNonce(ctx, buildRequest("formbridge.nonce", map[string]any{
		"form":    "volunteer",
		"user_id": "3",
	}))
	require.NoError(t, err)
	var issued struct {
		Nonce string `json:"nonce"`
	}
	unmarshalResult(t, result, &issued)
	require.NotEmpty(t, issued.Nonce)

	result, err = f.srv.handleSubmit(ctx, buildRequest("formbridge.submit", map[string]any{
		"form":    "volunteer",
		"values":  map[string]any{"field_first": "Grace"},
		"user_id": "3",
		"nonce":   issued.Nonce,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, extractText(t, result))
}

func TestQueryForms(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleQuery(context.Background(), buildRequest("formbridge.query", map[string]any{
		"resource": "forms",
	}))
	require.NoError(t, err)

	var resp struct {
		Forms []formSummary `json:"forms"`
	}
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Forms, 1)
	assert.Equal(t, formSummary{Name: "volunteer", Title: "Volunteer sign-up", Fields: 3, Actions: 1}, resp.Forms[0])
}

func TestQuerySubmissionsAndResults(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for _, first := range []string{"Grace", "Ada"} {
		result, err := f.srv.handleSubmit(ctx, buildRequest("formbridge.submit", map[string]any{
			"form":   "volunteer",
			"values": map[string]any{"field_first": first},
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
	}

	result, err := f.srv.handleQuery(ctx, buildRequest("formbridge.query", map[string]any{
		"resource": "submissions",
		"filter":   map[string]any{"form": "volunteer", "status": "completed", "limit": float64(10)},
	}))
	require.NoError(t, err)
	var list struct {
		Submissions []store.Submission `json:"submissions"`
	}
	unmarshalResult(t, result, &list)
	require.Len(t, list.Submissions, 2)
	id := list.Submissions[0].ID

	result, err = f.srv.handleQuery(ctx, buildRequest("formbridge.query", map[string]any{
		"resource": "submissions",
		"filter":   map[string]any{"id": id},
	}))
	require.NoError(t, err)
	var one struct {
		Submission store.Submission     `json:"submission"`
		Actions    []store.ActionResult `json:"actions"`
	}
	unmarshalResult(t, result, &one)
	assert.Equal(t, id, one.Submission.ID)
	require.Len(t, one.Actions, 1)
	assert.Equal(t, "volunteer", one.Actions[0].ActionName)

	result, err = f.srv.handleQuery(ctx, buildRequest("formbridge.query", map[string]any{
		"resource": "actions",
		"filter":   map[string]any{"submission_id": id},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = f.srv.handleQuery(ctx, buildRequest("formbridge.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"submission_id": id},
	}))
	require.NoError(t, err)
	var evs struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &evs)
	require.NotEmpty(t, evs.Events)
	assert.Equal(t, schema.EventSubmissionReceived, evs.Events[0].Type)

	result, err = f.srv.handleQuery(ctx, buildRequest("formbridge.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventSubmissionCompleted},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &evs)
	assert.Len(t, evs.Events, 2)
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing resource", map[string]any{}},
		{"unknown resource", map[string]any{"resource": "templates"}},
		{"actions without submission", map[string]any{"resource": "actions"}},
		{"events without filter", map[string]any{"resource": "events"}},
		{"unknown submission", map[string]any{"resource": "submissions", "filter": map[string]any{"id": "missing"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.srv.handleQuery(ctx, buildRequest("formbridge.query", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestQueryWithoutStore(t *testing.T) {
	s := NewServer(ServerDeps{})
	result, err := s.handleQuery(context.Background(), buildRequest("formbridge.query", map[string]any{
		"resource": "submissions",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"a": float64(5), "b": 7, "c": "9", "d": "x"}
	assert.Equal(t, 5, extractInt(filter, "a", 0))
	assert.Equal(t, 7, extractInt(filter, "b", 0))
	assert.Equal(t, 9, extractInt(filter, "c", 0))
	assert.Equal(t, 1, extractInt(filter, "d", 1))
	assert.Equal(t, 2, extractInt(nil, "a", 2))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
