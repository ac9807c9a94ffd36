package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/formbridge/internal/formui"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/schema"
)

// --- civicrm.activity ---

const activitySettingsSchema = `{
	"type": "object",
	"required": ["activity_type"],
	"properties": {
		"activity_type": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"source_ref": {"type": ["string", "array"], "items": {"type": "string"}},
		"target_ref": {"type": ["string", "array"], "items": {"type": "string"}},
		"assignee_ref": {"type": ["string", "array"], "items": {"type": "string"}},
		"case_ref": {"type": ["string", "array"], "items": {"type": "string"}},
		"delete_uploads": {"type": ["boolean", "string"]}
	}
}`

// ActivityAction records an Activity linking contacts (and optionally a
// case) from earlier actions. Mapped file fields are attached to it.
type ActivityAction struct {
	Base
}

// NewActivityAction creates the civicrm.activity action.
func NewActivityAction(deps Deps) *ActivityAction {
	return &ActivityAction{Base: newBase("civicrm.activity", "Activity", deps)}
}

func (a *ActivityAction) Schema() ActionSchema {
	return ActionSchema{
		Entity:         "Activity",
		Description:    "Record a CiviCRM activity with source, target and assignee contacts",
		SettingsSchema: json.RawMessage(activitySettingsSchema),
	}
}

func (a *ActivityAction) ConfigFields(ctx context.Context, form *schema.FormDefinition, def *schema.ActionDefinition) ([]formui.Field, error) {
	ui := a.UI()

	targets := ui.ActionRefField("target_ref", "With contacts", "civicrm.contact", form, def.Name)
	targets.Multiple = true
	assignees := ui.ActionRefField("assignee_ref", "Assigned to", "civicrm.contact", form, def.Name)
	assignees.Multiple = true

	fields := a.ActionTab(form)
	fields = append(fields,
		ui.Text("activity_type", "Activity type", "Activity type name, e.g. Meeting."),
		ui.Text("status", "Status", "Activity status name. Defaults to Completed."),
		ui.ActionRefField("source_ref", "Added by", "civicrm.contact", form, def.Name),
		targets,
		assignees,
		ui.ActionRefField("case_ref", "File on case", "civicrm.case", form, def.Name),
	)

	mapped, err := a.MappingTab(ctx, form, "Activity", "Activity")
	if err != nil {
		return nil, err
	}
	fields = append(fields, mapped...)
	fields = append(fields, ui.Tab("attachments", "Attachments"))
	fields = append(fields, a.AttachmentFields()...)
	return fields, nil
}

func (a *ActivityAction) Validate(ctx context.Context, in ActionInput) error {
	if in.Definition.Setting("activity_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "civicrm.activity requires 'activity_type'")
	}
	_, ok, err := a.RefID(ctx, in, "source_ref")
	if err != nil {
		return err
	}
	if _, isUser := submitterContact(in); !ok && !isUser {
		return schema.NewError(schema.ErrCodeValidation, "civicrm.activity: no source contact was resolved")
	}
	return nil
}

func (a *ActivityAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	def := in.Definition

	res, err := a.MapEntity(ctx, in, "Activity", def.Mapping)
	if err != nil {
		return nil, err
	}
	res.Values["activity_type_id:name"] = def.Setting("activity_type", "")
	res.Values["status_id:name"] = def.Setting("status", "Completed")

	source, ok, err := a.RefID(ctx, in, "source_ref")
	if err != nil {
		return nil, err
	}
	if ok {
		res.Values["source_contact_id"] = source
	} else if id, isUser := submitterContact(in); isUser {
		res.Values["source_contact_id"] = id
	}

	extra := map[string]any{}
	for key, field := range map[string]string{"target_ref": "target_contact_id", "assignee_ref": "assignee_contact_id"} {
		ids, err := a.RefIDs(ctx, in, key)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			res.Values[field] = idList(ids)
			extra[field] = idList(ids)
		}
	}

	caseID, ok, err := a.RefID(ctx, in, "case_ref")
	if err != nil {
		return nil, err
	}
	if ok {
		res.Values["case_id"] = caseID
		extra["case_id"] = caseID
	}

	rec, err := a.Save(ctx, in, "Activity", res, 0)
	if err != nil {
		return nil, err
	}
	return a.Output("Activity", rec, extra), nil
}

// submitterContact is the contact ID of the logged-in submitter, if any.
func submitterContact(in ActionInput) (int64, bool) {
	if in.Submission == nil || in.Submission.UserID == "" {
		return 0, false
	}
	return submission.Int64(in.Submission.UserID)
}

var _ Action = (*ActivityAction)(nil)
