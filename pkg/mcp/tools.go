package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/formbridge/internal/store"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/schema"
)

// handleActions lists the registered action types.
func (s *Server) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("no action registry configured"), nil
	}
	return marshalResult(map[string]any{"actions": s.registry.List()})
}

// handleFields renders the configuration UI fields of one action.
func (s *Server) handleFields(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	form, errResult := s.lookupForm(req)
	if errResult != nil {
		return errResult, nil
	}
	if s.registry == nil {
		return mcp.NewToolResultError("no action registry configured"), nil
	}

	def, err := actionForFields(form, req.GetString("action", ""), req.GetString("type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action, err := s.registry.Get(def.Type)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	fields, err := action.ConfigFields(ctx, form, def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("render fields: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"form":   form.Name,
		"action": def.Name,
		"type":   def.Type,
		"fields": fields,
	})
}

// actionForFields picks the configured action by name, or a blank
// definition of actionType for an action not yet added to the form.
func actionForFields(form *schema.FormDefinition, name, actionType string) (*schema.ActionDefinition, error) {
	if name != "" {
		def, ok := form.Action(name)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "form %q has no action %q", form.Name, name)
		}
		return def, nil
	}
	if actionType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "either action or type is required")
	}
	return &schema.ActionDefinition{Type: actionType, Name: actionType}, nil
}

// handleNonce issues a nonce for a form submission.
func (s *Server) handleNonce(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	form, errResult := s.lookupForm(req)
	if errResult != nil {
		return errResult, nil
	}
	if s.submitter == nil {
		return mcp.NewToolResultError("no submission processor configured"), nil
	}
	return marshalResult(map[string]any{
		"form":  form.Name,
		"nonce": s.submitter.Nonce(form.Name, req.GetString("user_id", "")),
	})
}

// handleSubmit runs a submission through the form's actions.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	form, errResult := s.lookupForm(req)
	if errResult != nil {
		return errResult, nil
	}
	if s.submitter == nil {
		return mcp.NewToolResultError("no submission processor configured"), nil
	}
	values := mcp.ParseStringMap(req, "values", nil)
	if values == nil {
		return mcp.NewToolResultError("values is required"), nil
	}

	sub := submission.New("", form, values)
	sub.UserID = req.GetString("user_id", "")
	sub.Nonce = req.GetString("nonce", "")

	res, err := s.submitter.Process(ctx, form, sub)
	if err != nil && res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission rejected: %v", err)), nil
	}
	result, marshalErr := marshalResult(res)
	if marshalErr != nil {
		return nil, marshalErr
	}
	result.IsError = err != nil
	return result, nil
}

// handleQuery lists forms, submissions, action results or events.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	if resource == "forms" {
		return s.queryForms()
	}
	if s.store == nil {
		return mcp.NewToolResultError("submission log is disabled"), nil
	}

	switch resource {
	case "submissions":
		return s.querySubmissions(ctx, filter)
	case "actions":
		return s.queryActionResults(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

type formSummary struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Fields  int    `json:"fields"`
	Actions int    `json:"actions"`
}

func (s *Server) queryForms() (*mcp.CallToolResult, error) {
	if s.forms == nil {
		return marshalResult(map[string]any{"forms": []formSummary{}})
	}
	out := make([]formSummary, 0)
	for _, name := range s.forms.Names() {
		f, err := s.forms.Get(name)
		if err != nil {
			continue
		}
		out = append(out, formSummary{Name: f.Name, Title: f.Title, Fields: len(f.Fields), Actions: len(f.Actions)})
	}
	return marshalResult(map[string]any{"forms": out})
}

func (s *Server) querySubmissions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if id, ok := filter["id"].(string); ok && id != "" {
		sub, err := s.store.GetSubmission(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		results, err := s.store.ListActionResults(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"submission": sub, "actions": results})
	}

	sf := store.SubmissionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if form, ok := filter["form"].(string); ok {
		sf.FormName = form
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ss := schema.SubmissionStatus(status)
		sf.Status = &ss
	}
	if userID, ok := filter["user_id"].(string); ok {
		sf.UserID = userID
	}
	if t, ok := extractTime(filter, "since"); ok {
		sf.Since = &t
	}

	subs, err := s.store.ListSubmissions(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"submissions": subs})
}

func (s *Server) queryActionResults(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	id, _ := filter["submission_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("action query requires 'submission_id' in filter"), nil
	}
	results, err := s.store.ListActionResults(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"actions": results})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if subID, ok := filter["submission_id"].(string); ok {
		ef.SubmissionID = subID
	}
	if action, ok := filter["action"].(string); ok {
		ef.ActionName = action
	}
	if t, ok := extractTime(filter, "since"); ok {
		ef.Since = &t
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.SubmissionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'submission_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.SubmissionID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

func (s *Server) lookupForm(req mcp.CallToolRequest) (*schema.FormDefinition, *mcp.CallToolResult) {
	name, err := req.RequireString("form")
	if err != nil {
		return nil, mcp.NewToolResultError("form is required")
	}
	if s.forms == nil {
		return nil, mcp.NewToolResultError("no forms loaded")
	}
	form, err := s.forms.Get(name)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return form, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractTime(filter map[string]any, key string) (time.Time, bool) {
	raw, ok := filter[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
