package actions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/formui"
	"github.com/rendis/formbridge/internal/logging"
	"github.com/rendis/formbridge/internal/mapping"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/schema"
)

// Base holds what every CiviCRM action shares: the configuration UI
// scaffolding, entity mapping, references to earlier actions and the
// shape of the output.
type Base struct {
	typ    string
	entity string
	client crm.Client
	mapper *mapping.Mapper
	logger *slog.Logger
	ui     *formui.Builder
}

func newBase(typ, entity string, deps Deps) Base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mapper := deps.Mapper
	if mapper == nil {
		mapper = mapping.NewMapper(deps.Client, nil, nil, logger)
	}
	return Base{
		typ:    typ,
		entity: entity,
		client: deps.Client,
		mapper: mapper,
		logger: logger,
		ui:     formui.NewBuilder(typ),
	}
}

// Type returns the action type name.
func (b *Base) Type() string { return b.typ }

// Entity returns the CRM entity the action writes.
func (b *Base) Entity() string { return b.entity }

// UI returns the builder for the action's configuration fields.
func (b *Base) UI() *formui.Builder { return b.ui }

func (b *Base) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, b.logger)
}

// ActionTab is the first tab of every action: the conditional gate.
func (b *Base) ActionTab(form *schema.FormDefinition) []formui.Field {
	return []formui.Field{
		b.ui.Tab("action", "Action"),
		b.ui.ConditionalField(form),
	}
}

// MappingTab builds one mapping selector per CRM field of entity. Custom
// fields are grouped in one accordion per custom field group.
func (b *Base) MappingTab(ctx context.Context, form *schema.FormDefinition, entity, label string) ([]formui.Field, error) {
	fields, err := b.mapper.Fields(ctx, entity)
	if err != nil {
		return nil, err
	}
	groups, err := b.mapper.CustomGroups(ctx, entity)
	if err != nil {
		return nil, err
	}

	var core []crm.FieldInfo
	for _, f := range fields {
		if !f.IsCustom() {
			core = append(core, f)
		}
	}

	out := []formui.Field{b.ui.Tab(slug(entity), label)}
	out = append(out, b.ui.MappingFields(core, form)...)
	for _, g := range groups {
		name := slug(entity + "_" + g.Name)
		out = append(out, b.ui.Accordion(name, g.Name, false))
		out = append(out, b.ui.MappingFields(g.Fields, form)...)
		out = append(out, b.ui.AccordionEnd(name))
	}
	return out, nil
}

// AttachmentFields are the settings shared by actions that accept files.
func (b *Base) AttachmentFields() []formui.Field {
	return []formui.Field{
		b.ui.Toggle("delete_uploads", "Delete local uploads", false),
	}
}

// MapEntity maps the action's configured mapping onto entity.
func (b *Base) MapEntity(ctx context.Context, in ActionInput, entity string, fieldMap map[string]string) (*mapping.Result, error) {
	return b.mapper.Map(ctx, entity, fieldMap, in.Definition.Transforms, in.Resolver)
}

// Save creates entity from res, or updates record id when id > 0, and then
// uploads any pending files against it.
func (b *Base) Save(ctx context.Context, in ActionInput, entity string, res *mapping.Result, id int64) (crm.Record, error) {
	var (
		rec crm.Record
		err error
	)
	if id > 0 {
		rec, err = b.client.Update(ctx, entity, id, res.Values)
	} else {
		rec, err = b.client.Create(ctx, entity, res.Values)
	}
	if err != nil {
		return nil, err
	}

	newID, ok := submission.Int64(rec["id"])
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCRM, "%s saved without an id", entity)
	}
	b.log(ctx).Debug("entity saved", "entity", entity, "id", newID, "updated", id > 0)

	if len(res.Files) > 0 {
		atts, err := b.mapper.AttachFiles(ctx, entity, newID, res.Files, in.Definition.BoolSetting("delete_uploads", false))
		if err != nil {
			return rec, err
		}
		ids := make([]any, 0, len(atts))
		for _, a := range atts {
			ids = append(ids, a["id"])
		}
		rec["attachment_ids"] = ids
	}
	return rec, nil
}

// RefIDs resolves a reference setting into entity IDs. Each entry is the
// name of an earlier action, whose output id is used, or a literal or tag
// resolving to one or more IDs. Actions that were skipped contribute
// nothing.
func (b *Base) RefIDs(ctx context.Context, in ActionInput, key string) ([]int64, error) {
	var ids []int64
	for _, ref := range in.Definition.ListSetting(key) {
		ref = strings.TrimSpace(ref)
		if in.Submission != nil && in.Submission.Form != nil {
			if _, isAction := in.Submission.Form.Action(ref); isAction {
				if id, ok := in.Outputs().ID(ref); ok {
					ids = append(ids, id)
				}
				continue
			}
		}
		v, err := in.Resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		ids = appendIDs(ids, v)
	}
	return dedupe(ids), nil
}

// RefID is RefIDs for settings that name a single entity.
func (b *Base) RefID(ctx context.Context, in ActionInput, key string) (int64, bool, error) {
	ids, err := b.RefIDs(ctx, in, key)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], true, nil
}

// ResolveSetting resolves a string setting (literal or tag) to text.
func (b *Base) ResolveSetting(ctx context.Context, in ActionInput, key, def string) (string, error) {
	raw := in.Definition.Setting(key, def)
	if raw == "" {
		return "", nil
	}
	s, err := in.Resolver.ResolveString(ctx, raw)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// Output builds the action output from the saved record plus extra keys.
func (b *Base) Output(entity string, rec crm.Record, extra map[string]any) *ActionOutput {
	data := make(map[string]any, len(rec)+len(extra)+1)
	for k, v := range rec {
		data[k] = v
	}
	data["entity"] = entity
	for k, v := range extra {
		data[k] = v
	}
	return &ActionOutput{Data: data}
}

func appendIDs(ids []int64, v any) []int64 {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			ids = appendIDs(ids, item)
		}
	case []string:
		for _, item := range val {
			ids = appendIDs(ids, item)
		}
	case string:
		for _, part := range strings.Split(val, ",") {
			if id, ok := submission.Int64(strings.TrimSpace(part)); ok && id > 0 {
				ids = append(ids, id)
			}
		}
	default:
		if id, ok := submission.Int64(v); ok && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// idList converts IDs for CRM payloads.
func idList(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
