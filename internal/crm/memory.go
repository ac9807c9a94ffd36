package crm

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/formbridge/pkg/schema"
)

// MemoryClient is an in-memory Client for dry runs and tests.
type MemoryClient struct {
	mu          sync.Mutex
	nextID      int64
	records     map[string]map[int64]Record
	fields      map[string][]FieldInfo
	attachments []Attachment
}

// NewMemoryClient creates an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		records: make(map[string]map[int64]Record),
		fields:  make(map[string][]FieldInfo),
	}
}

// SetFields declares the fields reported for an entity.
func (m *MemoryClient) SetFields(entity string, fields []FieldInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[entity] = fields
}

// Seed stores a record with a caller-chosen ID.
func (m *MemoryClient) Seed(entity string, rec Record) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := toID(rec["id"])
	if !ok {
		m.nextID++
		id = m.nextID
	}
	if id > m.nextID {
		m.nextID = id
	}
	m.table(entity)[id] = withID(rec, id)
	return id
}

// Records returns a copy of every stored record of an entity, ordered by ID.
func (m *MemoryClient) Records(entity string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(entity)
}

// Attachments returns every uploaded attachment.
func (m *MemoryClient) Attachments() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attachment, len(m.attachments))
	copy(out, m.attachments)
	return out
}

func (m *MemoryClient) Get(_ context.Context, entity string, id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.table(entity)[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", entity, id)
	}
	return copyRecord(rec), nil
}

func (m *MemoryClient) Find(_ context.Context, entity string, where []Condition, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.sorted(entity) {
		match := true
		for _, w := range where {
			ok, err := matches(rec, w)
			if err != nil {
				return nil, err
			}
			if !ok {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryClient) Create(_ context.Context, entity string, values Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec := withID(values, m.nextID)
	m.table(entity)[m.nextID] = rec
	return copyRecord(rec), nil
}

func (m *MemoryClient) Update(_ context.Context, entity string, id int64, values Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.table(entity)[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", entity, id)
	}
	for k, v := range values {
		rec[k] = v
	}
	rec["id"] = id
	return copyRecord(rec), nil
}

func (m *MemoryClient) Fields(_ context.Context, entity string) ([]FieldInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields := m.fields[entity]
	out := make([]FieldInfo, len(fields))
	copy(out, fields)
	return out, nil
}

func (m *MemoryClient) Attach(_ context.Context, att Attachment) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att.EntityID == 0 {
		return nil, schema.NewError(schema.ErrCodeAttachment, "attachment needs an entity id")
	}
	m.attachments = append(m.attachments, att)
	m.nextID++
	rec := Record{
		"id":           m.nextID,
		"name":         att.Name,
		"mime_type":    att.MimeType,
		"entity_table": att.EntityTable,
		"entity_id":    att.EntityID,
	}
	m.table("File")[m.nextID] = rec
	return copyRecord(rec), nil
}

func (m *MemoryClient) table(entity string) map[int64]Record {
	t, ok := m.records[entity]
	if !ok {
		t = make(map[int64]Record)
		m.records[entity] = t
	}
	return t
}

func (m *MemoryClient) sorted(entity string) []Record {
	t := m.table(entity)
	ids := make([]int64, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRecord(t[id]))
	}
	return out
}

// matches applies one condition. A multi-valued field (e.g. the client
// contact_id list of a Case) matches when any of its elements does.
func matches(rec Record, w Condition) (bool, error) {
	var want []string
	switch w.Op {
	case "=", "!=":
		want = []string{fmt.Sprint(normalizeID(w.Value))}
	case "IN":
		vals, ok := w.Value.([]any)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "IN condition on %q needs a list", w.Field)
		}
		for _, v := range vals {
			want = append(want, fmt.Sprint(normalizeID(v)))
		}
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unsupported operator %q", w.Op)
	}

	hit := false
	for _, got := range fieldValues(rec[w.Field]) {
		if slices.Contains(want, got) {
			hit = true
			break
		}
	}
	if w.Op == "!=" {
		return !hit, nil
	}
	return hit, nil
}

func fieldValues(v any) []string {
	switch vals := v.(type) {
	case []any:
		out := make([]string, len(vals))
		for i, item := range vals {
			out[i] = fmt.Sprint(normalizeID(item))
		}
		return out
	case []int64:
		out := make([]string, len(vals))
		for i, item := range vals {
			out[i] = fmt.Sprint(item)
		}
		return out
	default:
		return []string{fmt.Sprint(normalizeID(v))}
	}
}

// normalizeID makes int, int64 and whole float64 compare equal.
func normalizeID(v any) any {
	if id, ok := toID(v); ok {
		return id
	}
	return v
}

func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func withID(values Record, id int64) Record {
	rec := copyRecord(values)
	rec["id"] = id
	return rec
}

func copyRecord(r Record) Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

var _ Client = (*MemoryClient)(nil)
