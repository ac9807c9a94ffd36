package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/formbridge/pkg/schema"
)

type capturedRequest struct {
	Path    string
	Auth    string
	SiteKey string
	Params  map[string]any
	Form    map[string]string
}

func newCRMServer(t *testing.T, handler func(w http.ResponseWriter, req capturedRequest)) (*RESTClient, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		req := capturedRequest{
			Path:    r.URL.Path,
			Auth:    r.Header.Get("X-Civi-Auth"),
			SiteKey: r.Header.Get("X-Civi-Key"),
			Form:    map[string]string{},
		}
		for k := range r.PostForm {
			req.Form[k] = r.PostForm.Get(k)
		}
		if raw := r.PostForm.Get("params"); raw != "" {
			require.NoError(t, json.Unmarshal([]byte(raw), &req.Params))
		}
		mu.Lock()
		captured = append(captured, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, req)
	}))
	t.Cleanup(srv.Close)

	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL + "/", APIKey: "secret", SiteKey: "site"})
	require.NoError(t, err)
	return c, &captured
}

func TestNewRESTClient_Validation(t *testing.T) {
	_, err := NewRESTClient(RESTConfig{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = NewRESTClient(RESTConfig{BaseURL: "not a url"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRESTClient_Create(t *testing.T) {
	c, captured := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		_, _ = w.Write([]byte(`{"values":[{"id":17,"first_name":"Ada"}],"count":1}`))
	})

	rec, err := c.Create(context.Background(), "Contact", Record{"first_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, float64(17), rec["id"])

	require.Len(t, *captured, 1)
	got := (*captured)[0]
	assert.Equal(t, "/civicrm/ajax/api4/Contact/create", got.Path)
	assert.Equal(t, "Bearer secret", got.Auth)
	assert.Equal(t, "site", got.SiteKey)
	assert.Equal(t, map[string]any{"first_name": "Ada"}, got.Params["values"])
}

func TestRESTClient_GetAndFind(t *testing.T) {
	c, captured := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		if req.Params["limit"] == float64(1) {
			_, _ = w.Write([]byte(`{"values":[],"count":0}`))
			return
		}
		_, _ = w.Write([]byte(`{"values":[{"id":1},{"id":2}],"count":2}`))
	})

	_, err := c.Get(context.Background(), "Case", 5)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	recs, err := c.Find(context.Background(), "Case", []Condition{Eq("contact_id", 3), In("status_id", "Open")}, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	where := (*captured)[1].Params["where"].([]any)
	assert.Equal(t, []any{"contact_id", "=", float64(3)}, where[0])
	assert.Equal(t, []any{"status_id", "IN", []any{"Open"}}, where[1])
}

func TestRESTClient_Update(t *testing.T) {
	c, captured := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		_, _ = w.Write([]byte(`{"values":[{"id":4,"last_name":"Byron"}]}`))
	})

	rec, err := c.Update(context.Background(), "Contact", 4, Record{"last_name": "Byron"})
	require.NoError(t, err)
	assert.Equal(t, "Byron", rec["last_name"])
	assert.Equal(t, "/civicrm/ajax/api4/Contact/update", (*captured)[0].Path)
	assert.NotNil(t, (*captured)[0].Params["where"])
}

func TestRESTClient_APIError(t *testing.T) {
	c, _ := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error_code":0,"error_message":"Mandatory values missing: contact_type"}`))
	})

	_, err := c.Create(context.Background(), "Contact", Record{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCRM))
	assert.Contains(t, err.Error(), "contact_type")
}

func TestRESTClient_BadJSON(t *testing.T) {
	c, _ := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		_, _ = w.Write([]byte(`<html>login</html>`))
	})

	_, err := c.Find(context.Background(), "Contact", nil, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCRM))
}

func TestRESTClient_Fields(t *testing.T) {
	c, captured := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		_, _ = w.Write([]byte(`{"values":[
			{"name":"first_name","title":"First Name","data_type":"String","input_type":"Text"},
			{"name":"Housing.lease","title":"Lease","data_type":"File","input_type":"File","custom_field_id":7,"custom_group":"Housing"},
			{"name":"prefix_id","data_type":"Integer","options":{"1":"Mrs.","2":"Ms."}}
		]}`))
	})

	fields, err := c.Fields(context.Background(), "Contact")
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "First Name", fields[0].Title)
	assert.True(t, fields[1].IsCustom())
	assert.True(t, fields[1].IsFile())
	assert.Equal(t, int64(7), fields[1].CustomID)
	assert.Equal(t, "Ms.", fields[2].Options["2"])
	assert.Equal(t, "/civicrm/ajax/api4/Contact/getFields", (*captured)[0].Path)
	assert.Equal(t, "create", (*captured)[0].Params["action"])
}

func TestRESTClient_Attach(t *testing.T) {
	c, captured := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		_, _ = w.Write([]byte(`{"is_error":0,"id":31,"values":{"31":{"id":"31","name":"lease.pdf"}}}`))
	})

	rec, err := c.Attach(context.Background(), Attachment{
		EntityTable: "civicrm_contact",
		EntityID:    4,
		FieldName:   "custom_7",
		Name:        "lease.pdf",
		MimeType:    "application/pdf",
		Content:     []byte{0x25, 0x50, 0x00, 0xff},
	})
	require.NoError(t, err)
	assert.Equal(t, "lease.pdf", rec["name"])

	got := (*captured)[0]
	assert.Equal(t, "/civicrm/ajax/rest", got.Path)
	assert.Equal(t, "Attachment", got.Form["entity"])
	assert.Equal(t, "create", got.Form["action"])
	assert.Equal(t, string([]byte{0x25, 0x50, 0x00, 0xff}), got.Form["content"])

	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.Form["json"]), &params))
	assert.Equal(t, "custom_7", params["field_name"])
	assert.Equal(t, float64(4), params["entity_id"])
}

func TestRESTClient_AttachError(t *testing.T) {
	c, _ := newCRMServer(t, func(w http.ResponseWriter, req capturedRequest) {
		_, _ = w.Write([]byte(`{"is_error":1,"error_message":"Invalid field_name"}`))
	})

	_, err := c.Attach(context.Background(), Attachment{EntityID: 1, Name: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeAttachment))
}
