package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/formbridge/pkg/schema"
)

// RESTConfig configures the CiviCRM REST client.
type RESTConfig struct {
	BaseURL         string // site root, e.g. https://example.org
	APIKey          string // sent as X-Civi-Auth: Bearer <key>
	SiteKey         string // optional X-Civi-Key
	Timeout         time.Duration
	MaxResponseBody int64
	HTTPClient      *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultCRMTimeout      = 30 * time.Second
)

// RESTClient implements Client over the CiviCRM APIv4 REST endpoint, with
// APIv3 Attachment.create for file uploads (APIv4 has no upload action).
type RESTClient struct {
	base    *url.URL
	apiKey  string
	siteKey string
	maxBody int64
	http    *http.Client
}

// NewRESTClient validates cfg and returns a client.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "crm base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid crm base url %q", cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultCRMTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBody := cfg.MaxResponseBody
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBody
	}
	return &RESTClient{
		base:    base,
		apiKey:  cfg.APIKey,
		siteKey: cfg.SiteKey,
		maxBody: maxBody,
		http:    client,
	}, nil
}

// apiv4Response is the envelope APIv4 returns.
type apiv4Response struct {
	Values       []Record `json:"values"`
	Count        int      `json:"count"`
	ErrorCode    any      `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// Get fetches one entity by ID.
func (c *RESTClient) Get(ctx context.Context, entity string, id int64) (Record, error) {
	recs, err := c.Find(ctx, entity, []Condition{Eq("id", id)}, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", entity, id)
	}
	return recs[0], nil
}

// Find runs an APIv4 get with where clauses.
func (c *RESTClient) Find(ctx context.Context, entity string, where []Condition, limit int) ([]Record, error) {
	params := map[string]any{"where": clauses(where)}
	if limit > 0 {
		params["limit"] = limit
	}
	resp, err := c.call4(ctx, entity, "get", params)
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Create creates an entity and returns the stored record.
func (c *RESTClient) Create(ctx context.Context, entity string, values Record) (Record, error) {
	resp, err := c.call4(ctx, entity, "create", map[string]any{"values": values})
	if err != nil {
		return nil, err
	}
	if len(resp.Values) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeCRM, "%s create returned no values", entity)
	}
	return resp.Values[0], nil
}

// Update updates one entity by ID and returns the stored record.
func (c *RESTClient) Update(ctx context.Context, entity string, id int64, values Record) (Record, error) {
	resp, err := c.call4(ctx, entity, "update", map[string]any{
		"values": values,
		"where":  clauses([]Condition{Eq("id", id)}),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Values) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", entity, id)
	}
	return resp.Values[0], nil
}

// Fields lists the fields available when creating an entity, custom fields included.
func (c *RESTClient) Fields(ctx context.Context, entity string) ([]FieldInfo, error) {
	resp, err := c.call4(ctx, entity, "getFields", map[string]any{
		"action":      "create",
		"loadOptions": true,
		"select": []string{
			"name", "title", "data_type", "input_type", "required",
			"custom_field_id", "custom_group", "options",
		},
	})
	if err != nil {
		return nil, err
	}
	fields := make([]FieldInfo, 0, len(resp.Values))
	for _, v := range resp.Values {
		fields = append(fields, fieldInfoFromRecord(v))
	}
	return fields, nil
}

// Attach uploads a file through APIv3 Attachment.create.
func (c *RESTClient) Attach(ctx context.Context, att Attachment) (Record, error) {
	params := map[string]any{
		"entity_table": att.EntityTable,
		"entity_id":    att.EntityID,
		"name":         att.Name,
		"mime_type":    att.MimeType,
	}
	if att.FieldName != "" {
		params["field_name"] = att.FieldName
	}
	if att.Description != "" {
		params["description"] = att.Description
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAttachment, "encode attachment params").WithCause(err)
	}
	form := url.Values{}
	form.Set("entity", "Attachment")
	form.Set("action", "create")
	form.Set("json", string(payload))
	// Raw bytes travel as their own form value; JSON strings cannot carry binary.
	form.Set("content", string(att.Content))

	body, status, err := c.post(ctx, c.base.JoinPath("civicrm", "ajax", "rest").String(), form)
	if err != nil {
		return nil, err
	}

	var resp struct {
		IsError      int               `json:"is_error"`
		ErrorMessage string            `json:"error_message"`
		ID           any               `json:"id"`
		Values       map[string]Record `json:"values"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment,
			"decode attachment response (HTTP %d): %s", status, err.Error()).WithCause(err)
	}
	if resp.IsError != 0 || status >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment, "attachment create failed: %s", resp.ErrorMessage).
			WithDetails(map[string]any{"status": status})
	}
	for _, rec := range resp.Values {
		return rec, nil
	}
	return Record{"id": resp.ID}, nil
}

// call4 posts one APIv4 request.
func (c *RESTClient) call4(ctx context.Context, entity, action string, params map[string]any) (*apiv4Response, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCRM, "encode %s.%s params", entity, action).WithCause(err)
	}
	form := url.Values{}
	form.Set("params", string(payload))

	endpoint := c.base.JoinPath("civicrm", "ajax", "api4", entity, action).String()
	body, status, err := c.post(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}

	var resp apiv4Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCRM,
			"decode %s.%s response (HTTP %d): %s", entity, action, status, err.Error()).WithCause(err)
	}
	if status >= 400 || resp.ErrorMessage != "" {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, schema.NewErrorf(schema.ErrCodeCRM, "%s.%s failed: %s", entity, action, msg).
			WithDetails(map[string]any{"status": status, "error_code": resp.ErrorCode})
	}
	return &resp, nil
}

func (c *RESTClient) post(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, schema.NewError(schema.ErrCodeCRM, "build crm request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.apiKey != "" {
		req.Header.Set("X-Civi-Auth", "Bearer "+c.apiKey)
	}
	if c.siteKey != "" {
		req.Header.Set("X-Civi-Key", c.siteKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeCRM, "crm request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, resp.StatusCode, schema.NewError(schema.ErrCodeCRM, "read crm response").WithCause(err)
	}
	return body, resp.StatusCode, nil
}

func clauses(where []Condition) [][]any {
	out := make([][]any, 0, len(where))
	for _, w := range where {
		out = append(out, w.clause())
	}
	return out
}

func fieldInfoFromRecord(v Record) FieldInfo {
	fi := FieldInfo{
		Name:      stringOf(v["name"]),
		Title:     stringOf(v["title"]),
		DataType:  stringOf(v["data_type"]),
		InputType: stringOf(v["input_type"]),
	}
	if b, ok := v["required"].(bool); ok {
		fi.Required = b
	}
	if id, ok := v["custom_field_id"].(float64); ok {
		fi.CustomID = int64(id)
	}
	fi.CustomGroup = stringOf(v["custom_group"])
	if opts, ok := v["options"].(map[string]any); ok {
		fi.Options = make(map[string]string, len(opts))
		for k, label := range opts {
			fi.Options[k] = stringOf(label)
		}
	}
	return fi
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

var _ Client = (*RESTClient)(nil)
