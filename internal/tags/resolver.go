package tags

import (
	"context"
	"strings"

	"github.com/rendis/formbridge/internal/expressions"
	"github.com/rendis/formbridge/internal/outputs"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/schema"
)

// Resolver turns raw setting values into concrete values for one submission.
//
// A raw value is either a literal (returned as-is), a whole tag (returns the
// referenced value with its type intact, so multi-value fields stay slices),
// or text with embedded tags (each tag replaced by its string form).
// Tags that refer to something the form does not define are left verbatim,
// which is what the form host does with text it cannot substitute.
type Resolver struct {
	sub     *submission.Submission
	outputs *outputs.Store
}

// NewResolver creates a Resolver over a submission and the outputs of the
// actions that ran before the current one.
func NewResolver(sub *submission.Submission, out *outputs.Store) *Resolver {
	if out == nil {
		out = outputs.NewStore(nil)
	}
	return &Resolver{sub: sub, outputs: out}
}

// Outputs returns the action output store the resolver reads from.
func (r *Resolver) Outputs() *outputs.Store { return r.outputs }

// Submission returns the submission the resolver reads from.
func (r *Resolver) Submission() *submission.Submission { return r.sub }

// Env returns the expression environment for the submission: submitted
// values by field name, earlier action outputs and form metadata.
func (r *Resolver) Env() map[string]any {
	var fields map[string]any
	form := map[string]any{}
	if r.sub != nil {
		fields = r.sub.ByName()
		form["submission_id"] = r.sub.ID
		form["name"] = r.sub.FormName
		form["user_id"] = r.sub.UserID
		if r.sub.Form != nil {
			form["title"] = r.sub.Form.Title
		}
	}
	return expressions.Data(fields, r.outputs.Snapshot(), form)
}

// Resolve resolves one raw value.
func (r *Resolver) Resolve(ctx context.Context, raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	if tag, ok := Parse(raw); ok {
		v, resolved, err := r.resolveTag(ctx, tag)
		if err != nil {
			return nil, err
		}
		if !resolved {
			return raw, nil
		}
		return v, nil
	}

	if !HasTags(raw) {
		return raw, nil
	}
	out, _, err := r.interpolate(ctx, raw)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// interpolate replaces every embedded tag in one pass over raw, so text a
// substituted value brings in is never scanned for tags. It also reports
// how many tags were left verbatim.
func (r *Resolver) interpolate(ctx context.Context, raw string) (string, int, error) {
	var firstErr error
	unresolved := 0
	out := anyTagRe.ReplaceAllStringFunc(raw, func(match string) string {
		if firstErr != nil {
			return match
		}
		m := anyTagRe.FindStringSubmatch(match)
		tag, ok := build(m[0], m[1], m[2])
		if !ok {
			return match
		}
		v, resolved, err := r.resolveTag(ctx, tag)
		if err != nil {
			firstErr = err
			return match
		}
		if !resolved {
			unresolved++
			return match
		}
		return flatten(v)
	})
	if firstErr != nil {
		return "", 0, firstErr
	}
	return out, unresolved, nil
}

// ResolveString resolves raw and renders the result as text.
func (r *Resolver) ResolveString(ctx context.Context, raw string) (string, error) {
	v, err := r.Resolve(ctx, raw)
	if err != nil {
		return "", err
	}
	return flatten(v), nil
}

// FieldValue reads the submitted value behind a whole {field:<id>} tag.
// It fails when tag is not a field tag or names a field the form lacks.
func (r *Resolver) FieldValue(tag string) (any, bool) {
	id, ok := FieldIDFromTag(tag)
	if !ok {
		return nil, false
	}
	if _, known := r.sub.Field(id); !known {
		return nil, false
	}
	return r.sub.Value(id)
}

// FieldFor returns the form field behind a whole {field:<id>} tag.
func (r *Resolver) FieldFor(raw string) (*schema.FieldDefinition, bool) {
	id, ok := FieldIDFromTag(raw)
	if !ok {
		return nil, false
	}
	return r.sub.Field(id)
}

// ConditionalCheck evaluates an action's conditional gate. An empty gate
// always passes. A gate passes only when it resolves to a non-empty value
// and every tag in it was substituted.
func (r *Resolver) ConditionalCheck(ctx context.Context, raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}

	if tag, ok := Parse(raw); ok {
		v, resolved, err := r.resolveTag(ctx, tag)
		if err != nil || !resolved {
			return false
		}
		return !submission.Empty(v)
	}

	s, unresolved, err := r.interpolate(ctx, raw)
	if err != nil || unresolved > 0 {
		return false
	}
	return !submission.Empty(s)
}

// resolveTag returns the tag's value and whether the tag could be
// substituted at all.
func (r *Resolver) resolveTag(ctx context.Context, tag Tag) (any, bool, error) {
	switch tag.Kind {
	case KindField:
		if _, known := r.sub.Field(tag.Field); !known {
			return nil, false, nil
		}
		v, _ := r.sub.Value(tag.Field)
		return v, true, nil

	case KindAction:
		if r.sub != nil && r.sub.Form != nil {
			if _, defined := r.sub.Form.Action(tag.Action); !defined {
				return nil, false, nil
			}
		}
		// Actions that were skipped or have not run yet yield an empty value.
		if !r.outputs.Has(tag.Action) {
			return nil, true, nil
		}
		if strings.HasPrefix(tag.Path, ".") {
			v, err := r.outputs.Query(ctx, tag.Action, tag.Path)
			if err != nil {
				return nil, false, schema.NewErrorf(schema.ErrCodeTag,
					"cannot resolve %s: %s", tag.Raw, err.Error()).WithCause(err)
			}
			return v, true, nil
		}
		v, err := r.outputs.Lookup(tag.Action, tag.Path)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				return nil, true, nil
			}
			return nil, false, schema.NewErrorf(schema.ErrCodeTag,
				"cannot resolve %s: %s", tag.Raw, err.Error()).WithCause(err)
		}
		return v, true, nil
	}
	return nil, false, nil
}

// flatten renders a resolved value as text; lists are comma-joined.
func flatten(v any) string {
	switch val := v.(type) {
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, submission.String(item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	default:
		return submission.String(v)
	}
}
