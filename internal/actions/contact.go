package actions

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/formui"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/schema"
)

// --- civicrm.contact ---

var contactTypes = []string{"Individual", "Organization", "Household"}

const contactSettingsSchema = `{
	"type": "object",
	"properties": {
		"contact_type": {"enum": ["Individual", "Organization", "Household"]},
		"contact_sub_type": {"type": "string"},
		"update_ref": {"type": ["string", "array"], "items": {"type": "string"}},
		"dedupe_by_email": {"type": ["boolean", "string"]},
		"email": {"type": "string"},
		"email_location": {"type": "string"},
		"phone": {"type": "string"},
		"phone_location": {"type": "string"},
		"phone_type": {"type": "string"},
		"delete_uploads": {"type": ["boolean", "string"]}
	}
}`

// ContactAction creates a Contact, or updates one an earlier action or a
// submitted value identifies, and records its primary email and phone.
type ContactAction struct {
	Base
}

// NewContactAction creates the civicrm.contact action.
func NewContactAction(deps Deps) *ContactAction {
	return &ContactAction{Base: newBase("civicrm.contact", "Contact", deps)}
}

func (a *ContactAction) Schema() ActionSchema {
	return ActionSchema{
		Entity:         "Contact",
		Description:    "Create or update a CiviCRM contact with an optional primary email and phone",
		SettingsSchema: json.RawMessage(contactSettingsSchema),
	}
}

func (a *ContactAction) ConfigFields(ctx context.Context, form *schema.FormDefinition, def *schema.ActionDefinition) ([]formui.Field, error) {
	ui := a.UI()
	typeChoices := make([]formui.Choice, len(contactTypes))
	for i, t := range contactTypes {
		typeChoices[i] = formui.Choice{Value: t, Label: t}
	}

	fields := a.ActionTab(form)
	fields = append(fields,
		ui.Select("contact_type", "Contact Type", typeChoices),
		ui.ActionRefField("update_ref", "Update contact from action", a.Type(), form, def.Name),
		ui.Toggle("dedupe_by_email", "Update existing contact with the same email", false),
	)

	mapped, err := a.MappingTab(ctx, form, "Contact", "Contact")
	if err != nil {
		return nil, err
	}
	fields = append(fields, mapped...)

	email := ui.MappingSelect("email", "Email", form)
	phone := ui.MappingSelect("phone", "Phone", form)
	fields = append(fields,
		ui.Tab("communication", "Email & Phone"),
		email,
		ui.Text("email_location", "Email location", "Location type name, e.g. Home or Work.").
			ShowIf(email.Key, "!=empty", ""),
		phone,
		ui.Text("phone_location", "Phone location", "Location type name, e.g. Home or Work.").
			ShowIf(phone.Key, "!=empty", ""),
		ui.Text("phone_type", "Phone type", "Phone type name, e.g. Phone or Mobile.").
			ShowIf(phone.Key, "!=empty", ""),
		ui.Tab("attachments", "Attachments"),
	)
	fields = append(fields, a.AttachmentFields()...)
	return fields, nil
}

func (a *ContactAction) Validate(_ context.Context, in ActionInput) error {
	def := in.Definition
	if t := def.Setting("contact_type", "Individual"); !slices.Contains(contactTypes, t) {
		return schema.NewErrorf(schema.ErrCodeValidation, "civicrm.contact: unknown contact_type %q", t)
	}
	if len(def.Mapping) == 0 && def.Setting("email", "") == "" && def.Setting("phone", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "civicrm.contact requires a mapping, an email or a phone")
	}
	return nil
}

func (a *ContactAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	def := in.Definition

	res, err := a.MapEntity(ctx, in, "Contact", def.Mapping)
	if err != nil {
		return nil, err
	}
	mapped := len(res.Values) + len(res.Files)
	if t := def.Setting("contact_type", ""); t != "" {
		if _, ok := res.Values["contact_type"]; !ok {
			res.Values["contact_type"] = t
		}
	}
	if sub := def.Setting("contact_sub_type", ""); sub != "" {
		res.Values["contact_sub_type"] = []any{sub}
	}

	email, err := a.ResolveSetting(ctx, in, "email", "")
	if err != nil {
		return nil, err
	}
	phone, err := a.ResolveSetting(ctx, in, "phone", "")
	if err != nil {
		return nil, err
	}

	id, _, err := a.RefID(ctx, in, "update_ref")
	if err != nil {
		return nil, err
	}
	if id == 0 && email != "" && def.BoolSetting("dedupe_by_email", false) {
		id, err = a.contactByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
	}

	if id == 0 && mapped == 0 && email == "" && phone == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "civicrm.contact: every mapped value is empty")
	}
	// An update keeps the stored type unless one is configured or mapped.
	if _, ok := res.Values["contact_type"]; !ok && id == 0 {
		res.Values["contact_type"] = "Individual"
	}

	rec, err := a.Save(ctx, in, "Contact", res, id)
	if err != nil {
		return nil, err
	}
	contactID, _ := submission.Int64(rec["id"])

	extra := map[string]any{
		"contact_type": contactTypeOf(res.Values, rec),
		"created":      id == 0,
	}
	if email != "" {
		emailID, err := a.ensureDetail(ctx, "Email", "email", email, contactID, map[string]any{
			"location_type_id:name": def.Setting("email_location", "Home"),
		})
		if err != nil {
			return nil, err
		}
		extra["email"] = email
		extra["email_id"] = emailID
	}
	if phone != "" {
		phoneID, err := a.ensureDetail(ctx, "Phone", "phone", phone, contactID, map[string]any{
			"location_type_id:name": def.Setting("phone_location", "Home"),
			"phone_type_id:name":    def.Setting("phone_type", "Phone"),
		})
		if err != nil {
			return nil, err
		}
		extra["phone"] = phone
		extra["phone_id"] = phoneID
	}

	return a.Output("Contact", rec, extra), nil
}

func contactTypeOf(values, rec map[string]any) any {
	if t, ok := values["contact_type"]; ok {
		return t
	}
	return rec["contact_type"]
}

func (a *ContactAction) contactByEmail(ctx context.Context, email string) (int64, error) {
	found, err := a.client.Find(ctx, "Email", []crm.Condition{crm.Eq("email", email)}, 1)
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, nil
	}
	id, _ := submission.Int64(found[0]["contact_id"])
	return id, nil
}

// ensureDetail makes sure contactID has a row in entity (Email, Phone) with
// field = value. An existing row is reused.
func (a *ContactAction) ensureDetail(ctx context.Context, entity, field, value string, contactID int64, extra map[string]any) (int64, error) {
	found, err := a.client.Find(ctx, entity, []crm.Condition{
		crm.Eq("contact_id", contactID),
		crm.Eq(field, value),
	}, 1)
	if err != nil {
		return 0, err
	}
	if len(found) > 0 {
		id, _ := submission.Int64(found[0]["id"])
		return id, nil
	}

	values := crm.Record{"contact_id": contactID, field: value, "is_primary": true}
	for k, v := range extra {
		values[k] = v
	}
	rec, err := a.client.Create(ctx, entity, values)
	if err != nil {
		return 0, err
	}
	id, _ := submission.Int64(rec["id"])
	return id, nil
}

var _ Action = (*ContactAction)(nil)
