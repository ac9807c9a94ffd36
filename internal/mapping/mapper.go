package mapping

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/formbridge/internal/attachments"
	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/expressions"
	"github.com/rendis/formbridge/internal/logging"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/internal/tags"
	"github.com/rendis/formbridge/pkg/schema"
)

// Result is one mapped entity payload.
type Result struct {
	// Values is the payload for Create/Update, custom fields included
	// under their API names.
	Values crm.Record
	// Custom lists the payload keys that are custom fields.
	Custom []string
	// Files are attachment references to upload once the entity exists.
	Files []PendingFile
}

// PendingFile is an attachment reference waiting for an entity ID.
type PendingFile struct {
	// Field is the custom_N field the file belongs to; empty attaches the
	// file to the entity itself.
	Field string
	Ref   string
}

// Group is one custom field group of an entity.
type Group struct {
	Name   string
	Fields []crm.FieldInfo
}

// entityFields is the cached getFields answer for one entity.
type entityFields struct {
	list     []crm.FieldInfo
	byName   map[string]crm.FieldInfo
	byCustom map[int64]crm.FieldInfo
}

// Mapper resolves mappings against CRM field metadata.
// Thread-safe: field metadata is fetched once per entity and cached.
type Mapper struct {
	client     crm.Client
	files      attachments.Store
	transforms *expressions.ExprEngine
	logger     *slog.Logger

	mu     sync.RWMutex
	fields map[string]*entityFields
}

// NewMapper creates a Mapper. files may be nil when no form uploads files.
func NewMapper(client crm.Client, files attachments.Store, transforms *expressions.ExprEngine, logger *slog.Logger) *Mapper {
	if transforms == nil {
		transforms = expressions.NewExprEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		client:     client,
		files:      files,
		transforms: transforms,
		logger:     logger,
		fields:     make(map[string]*entityFields),
	}
}

// Map resolves mapping (CRM field -> raw value) for entity. Each value is
// resolved through r, passed through its transform if one is configured,
// and dropped when empty. File values become PendingFiles.
func (m *Mapper) Map(ctx context.Context, entity string, mapping, transforms map[string]string, r *tags.Resolver) (*Result, error) {
	meta, err := m.entityFields(ctx, entity)
	if err != nil {
		return nil, err
	}

	res := &Result{Values: crm.Record{}}
	var env map[string]any

	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := mapping[name]
		value, err := r.Resolve(ctx, raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeMapping, "%s.%s: %s", entity, name, err.Error()).WithCause(err)
		}

		if expression := strings.TrimSpace(transforms[name]); expression != "" {
			if env == nil {
				env = r.Env()
			}
			value, err = m.transforms.Transform(ctx, expression, value, env)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeMapping,
					"%s.%s: transform failed: %s", entity, name, err.Error()).WithCause(err)
			}
		}

		if !submission.Present(value) {
			continue
		}

		info, known := meta.lookup(name)
		apiName := name
		if known {
			apiName = info.Name
		}

		if isFileValue(info, known, raw, r) {
			fieldName := ""
			if known && info.IsCustom() {
				fieldName = customKey(info, name)
			}
			for _, ref := range fileRefs(value) {
				res.Files = append(res.Files, PendingFile{Field: fieldName, Ref: ref})
			}
			continue
		}

		res.Values[apiName] = value
		if crm.IsCustomFieldName(name) || (known && info.IsCustom()) {
			res.Custom = append(res.Custom, apiName)
		}
	}

	return res, nil
}

// AttachFiles uploads pending files to the entity with the given ID. When
// deleteLocal is set, each uploaded file is removed from the attachment
// store afterwards.
func (m *Mapper) AttachFiles(ctx context.Context, entity string, id int64, files []PendingFile, deleteLocal bool) ([]crm.Record, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if m.files == nil {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment,
			"%s %d has %d file(s) to attach but no attachment store is configured", entity, id, len(files))
	}

	table := crm.EntityTable(entity)
	out := make([]crm.Record, 0, len(files))
	for _, pf := range files {
		f, err := m.files.Open(ctx, pf.Ref)
		if err != nil {
			return out, err
		}
		rec, err := m.client.Attach(ctx, crm.Attachment{
			EntityTable: table,
			EntityID:    id,
			FieldName:   pf.Field,
			Name:        f.Name,
			MimeType:    f.MimeType,
			Content:     f.Content,
		})
		if err != nil {
			return out, err
		}
		out = append(out, rec)

		if deleteLocal {
			if err := m.files.Delete(ctx, pf.Ref); err != nil {
				logging.LogWith(ctx, m.logger).Warn("attachment uploaded but local copy not removed",
					"ref", pf.Ref, "error", err)
			}
		}
	}
	return out, nil
}

// Fields returns the CRM fields of entity in API order.
func (m *Mapper) Fields(ctx context.Context, entity string) ([]crm.FieldInfo, error) {
	meta, err := m.entityFields(ctx, entity)
	if err != nil {
		return nil, err
	}
	return append([]crm.FieldInfo(nil), meta.list...), nil
}

// CustomGroups returns the custom field groups of entity, sorted by name.
func (m *Mapper) CustomGroups(ctx context.Context, entity string) ([]Group, error) {
	meta, err := m.entityFields(ctx, entity)
	if err != nil {
		return nil, err
	}

	idx := map[string]int{}
	var groups []Group
	for _, f := range meta.list {
		if !f.IsCustom() {
			continue
		}
		name := f.CustomGroup
		if name == "" {
			name = "custom"
		}
		i, ok := idx[name]
		if !ok {
			i = len(groups)
			idx[name] = i
			groups = append(groups, Group{Name: name})
		}
		groups[i].Fields = append(groups[i].Fields, f)
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].Name < groups[b].Name })
	return groups, nil
}

func (m *Mapper) entityFields(ctx context.Context, entity string) (*entityFields, error) {
	m.mu.RLock()
	if ef, ok := m.fields[entity]; ok {
		m.mu.RUnlock()
		return ef, nil
	}
	m.mu.RUnlock()

	list, err := m.client.Fields(ctx, entity)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ef, ok := m.fields[entity]; ok {
		return ef, nil
	}

	ef := &entityFields{
		list:     list,
		byName:   make(map[string]crm.FieldInfo, len(list)),
		byCustom: make(map[int64]crm.FieldInfo),
	}
	for _, f := range list {
		ef.byName[f.Name] = f
		if f.CustomID > 0 {
			ef.byCustom[f.CustomID] = f
		}
	}
	m.fields[entity] = ef
	return ef, nil
}

// lookup finds a field by API name or by its custom_N alias.
func (ef *entityFields) lookup(name string) (crm.FieldInfo, bool) {
	if f, ok := ef.byName[name]; ok {
		return f, true
	}
	if id, ok := customID(name); ok {
		f, ok := ef.byCustom[id]
		return f, ok
	}
	return crm.FieldInfo{}, false
}

func customID(name string) (int64, bool) {
	if !crm.IsCustomFieldName(name) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, "custom_"), 10, 64)
	return id, err == nil
}

// customKey is the custom_N name file uploads are attached under.
func customKey(info crm.FieldInfo, mapped string) string {
	if info.CustomID > 0 {
		return "custom_" + strconv.FormatInt(info.CustomID, 10)
	}
	return mapped
}

func isFileValue(info crm.FieldInfo, known bool, raw string, r *tags.Resolver) bool {
	if known && info.IsFile() {
		return true
	}
	if fd, ok := r.FieldFor(strings.TrimSpace(raw)); ok {
		return fd.Type.IsFile()
	}
	return false
}

// fileRefs flattens a file field value into attachment references.
func fileRefs(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := submission.String(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := submission.String(v); s != "" {
			return []string{s}
		}
		return nil
	}
}
