// Package outputs keeps what each form action produced during one submission
// so later actions can reference it by action name.
package outputs

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/schema"
)

// Querier runs a jq-style query against one action's output.
// Satisfied by expressions.GoJQEngine.
type Querier interface {
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Store is the request-local map of action name -> output.
//   - Outputs are frozen on insert (deep-copied) and copied again on read.
//   - Each action name is written once; action names are unique per form.
type Store struct {
	mu      sync.RWMutex
	outputs map[string]map[string]any
	order   []string
	querier Querier
}

// NewStore creates an empty Store. querier may be nil, in which case
// Query always fails.
func NewStore(querier Querier) *Store {
	return &Store{
		outputs: make(map[string]map[string]any),
		querier: querier,
	}
}

// Set registers the output of a completed action. A second Set for the
// same name is rejected.
func (s *Store) Set(name string, output map[string]any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outputs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output for action %q already registered; action names must be unique", name)
	}

	s.outputs[name] = deepCopyMap(output)
	if s.outputs[name] == nil {
		s.outputs[name] = map[string]any{}
	}
	s.order = append(s.order, name)
	return nil
}

// SetJSON registers an action output given as raw JSON.
func (s *Store) SetJSON(name string, raw json.RawMessage) error {
	var parsed map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"cannot parse output of action %q: %s", name, err.Error()).WithCause(err)
		}
	}
	return s.Set(name, parsed)
}

// Get returns a copy of the output of the named action.
func (s *Store) Get(name string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.outputs[name]
	if !ok {
		return nil, false
	}
	return deepCopyMap(out), true
}

// Has reports whether the named action produced output.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.outputs[name]
	return ok
}

// Lookup resolves a dot-delimited path inside the named action's output.
// An empty path returns the whole output.
func (s *Store) Lookup(name, path string) (any, error) {
	out, ok := s.Get(name)
	if !ok {
		return nil, s.missingErr(name)
	}
	if path == "" {
		return out, nil
	}
	if v, ok := out[path]; ok {
		return v, nil
	}
	return traversePath(out, path, name)
}

// Query runs a jq query against the named action's output.
func (s *Store) Query(ctx context.Context, name, query string) (any, error) {
	out, ok := s.Get(name)
	if !ok {
		return nil, s.missingErr(name)
	}
	if s.querier == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTag,
			"cannot query output of action %q: no query engine configured", name)
	}
	return s.querier.Evaluate(ctx, query, out)
}

// ID returns the entity ID an action produced, the foreign key later
// actions need.
func (s *Store) ID(name string) (int64, bool) {
	out, ok := s.Get(name)
	if !ok {
		return 0, false
	}
	return submission.Int64(out["id"])
}

// Names returns action names in the order their outputs were stored.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Snapshot returns a deep copy of all outputs keyed by action name.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		snap[k] = deepCopyMap(v)
	}
	return snap
}

func (s *Store) missingErr(name string) *schema.Error {
	available := s.Names()
	return schema.NewErrorf(schema.ErrCodeNotFound,
		"no output for action %q; available: [%s]", name, strings.Join(available, ", ")).
		WithDetails(map[string]any{"action": name, "available_actions": available})
}

// traversePath navigates into nested maps and slices using a dot-delimited path.
// Numeric segments index into slices.
func traversePath(root any, path, action string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTag,
				"empty segment in path %q at position %d", path, i)
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeNotFound,
					"field %q not found in output of action %q; available: [%s]", seg, action, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"path": path, "available_fields": keys})
			}
			current = val
		case []any:
			idx, ok := submission.Int64(seg)
			if !ok || idx < 0 || int(idx) >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound,
					"index %q out of range in output of action %q", seg, action)
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeTag,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, path, current)
		}
	}

	return current, nil
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices; scalars are values.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
