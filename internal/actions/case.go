package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/formui"
	"github.com/rendis/formbridge/pkg/schema"
)

// --- civicrm.case ---

const caseSettingsSchema = `{
	"type": "object",
	"required": ["client_ref", "case_type"],
	"properties": {
		"client_ref": {"type": ["string", "array"], "items": {"type": "string"}, "minLength": 1},
		"creator_ref": {"type": ["string", "array"], "items": {"type": "string"}},
		"case_type": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"skip_if_open": {"type": ["boolean", "string"]},
		"delete_uploads": {"type": ["boolean", "string"]}
	}
}`

// CaseAction opens a Case for contacts produced by earlier actions.
type CaseAction struct {
	Base
}

// NewCaseAction creates the civicrm.case action.
func NewCaseAction(deps Deps) *CaseAction {
	return &CaseAction{Base: newBase("civicrm.case", "Case", deps)}
}

func (a *CaseAction) Schema() ActionSchema {
	return ActionSchema{
		Entity:         "Case",
		Description:    "Open a CiviCRM case for contacts created by earlier actions",
		SettingsSchema: json.RawMessage(caseSettingsSchema),
	}
}

func (a *CaseAction) ConfigFields(ctx context.Context, form *schema.FormDefinition, def *schema.ActionDefinition) ([]formui.Field, error) {
	ui := a.UI()

	clients := ui.ActionRefField("client_ref", "Case client", "civicrm.contact", form, def.Name)
	clients.Required = true
	clients.Multiple = true

	skip := ui.Toggle("skip_if_open", "Skip when the client has an open case of this type", false)

	fields := a.ActionTab(form)
	fields = append(fields,
		clients,
		ui.ActionRefField("creator_ref", "Case creator", "civicrm.contact", form, def.Name),
		ui.Text("case_type", "Case type", "Case type name."),
		ui.Text("status", "Status", "Case status name. Defaults to Open."),
		skip,
		ui.Message("skip_if_open_help", "", "When an open case exists its ID is passed on to later actions.").
			ShowIf(skip.Key, "==", "1"),
	)

	mapped, err := a.MappingTab(ctx, form, "Case", "Case")
	if err != nil {
		return nil, err
	}
	fields = append(fields, mapped...)
	fields = append(fields, ui.Tab("attachments", "Attachments"))
	fields = append(fields, a.AttachmentFields()...)
	return fields, nil
}

func (a *CaseAction) Validate(ctx context.Context, in ActionInput) error {
	if in.Definition.Setting("case_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "civicrm.case requires 'case_type'")
	}
	clients, err := a.RefIDs(ctx, in, "client_ref")
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "civicrm.case: no client contact was resolved")
	}
	return nil
}

func (a *CaseAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	def := in.Definition
	caseType := def.Setting("case_type", "")
	status := def.Setting("status", "Open")

	clients, err := a.RefIDs(ctx, in, "client_ref")
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "civicrm.case: no client contact was resolved")
	}

	if def.BoolSetting("skip_if_open", false) {
		open, err := a.client.Find(ctx, "Case", []crm.Condition{
			crm.In("contact_id", idList(clients)...),
			crm.Eq("case_type_id:name", caseType),
			crm.Eq("status_id:name", "Open"),
			crm.Eq("is_deleted", false),
		}, 1)
		if err != nil {
			return nil, err
		}
		if len(open) > 0 {
			a.log(ctx).Info("client already has an open case", "case_id", open[0]["id"], "case_type", caseType)
			return a.Output("Case", open[0], map[string]any{
				"existing":    true,
				"contact_ids": idList(clients),
			}), nil
		}
	}

	res, err := a.MapEntity(ctx, in, "Case", def.Mapping)
	if err != nil {
		return nil, err
	}
	res.Values["contact_id"] = idList(clients)
	res.Values["case_type_id:name"] = caseType
	res.Values["status_id:name"] = status
	if _, ok := res.Values["subject"]; !ok {
		res.Values["subject"] = caseType
	}

	creator, ok, err := a.RefID(ctx, in, "creator_ref")
	if err != nil {
		return nil, err
	}
	if !ok {
		creator = clients[0]
	}
	res.Values["creator_id"] = creator

	rec, err := a.Save(ctx, in, "Case", res, 0)
	if err != nil {
		return nil, err
	}
	return a.Output("Case", rec, map[string]any{
		"existing":    false,
		"contact_ids": idList(clients),
	}), nil
}

var _ Action = (*CaseAction)(nil)
