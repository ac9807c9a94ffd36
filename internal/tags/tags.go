// Package tags parses and resolves the placeholder tokens a form author puts
// in action settings: {field:<id>} for submitted values and
// {action:<name>:<path>} for outputs of earlier actions.
package tags

import (
	"regexp"
	"strings"
)

// Kind identifies what a tag refers to.
type Kind int

const (
	KindField Kind = iota + 1
	KindAction
)

// Tag is one parsed placeholder.
type Tag struct {
	Kind   Kind
	Raw    string // the full token including braces
	Field  string // KindField: field key or name
	Action string // KindAction: action name
	Path   string // KindAction: output path, "id" when omitted
}

const defaultActionPath = "id"

var (
	fieldTagRe   = regexp.MustCompile(`^\{field:([A-Za-z0-9_-]+)\}$`)
	anyTagRe     = regexp.MustCompile(`\{(field|action):([^{}]+)\}`)
	actionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// FieldIDFromTag extracts the field identifier from a whole {field:<id>}
// token. Any other string, including one that merely contains a field tag,
// fails.
func FieldIDFromTag(tag string) (string, bool) {
	m := fieldTagRe.FindStringSubmatch(strings.TrimSpace(tag))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FieldTag builds the {field:<id>} token for a field identifier.
func FieldTag(id string) string {
	return "{field:" + id + "}"
}

// ActionTag builds the {action:<name>:<path>} token.
func ActionTag(name, path string) string {
	if path == "" {
		return "{action:" + name + "}"
	}
	return "{action:" + name + ":" + path + "}"
}

// Parse parses s as a single whole tag.
func Parse(s string) (Tag, bool) {
	s = strings.TrimSpace(s)
	m := anyTagRe.FindStringSubmatchIndex(s)
	if m == nil || m[0] != 0 || m[1] != len(s) {
		return Tag{}, false
	}
	return build(s, s[m[2]:m[3]], s[m[4]:m[5]])
}

// Find returns every well-formed tag embedded in s, in order.
func Find(s string) []Tag {
	var out []Tag
	for _, m := range anyTagRe.FindAllStringSubmatch(s, -1) {
		if t, ok := build(m[0], m[1], m[2]); ok {
			out = append(out, t)
		}
	}
	return out
}

// HasTags reports whether s contains any tag.
func HasTags(s string) bool {
	return len(Find(s)) > 0
}

func build(raw, kind, body string) (Tag, bool) {
	switch kind {
	case "field":
		id, ok := FieldIDFromTag(raw)
		if !ok {
			return Tag{}, false
		}
		return Tag{Kind: KindField, Raw: raw, Field: id}, true
	case "action":
		name, path, _ := strings.Cut(body, ":")
		name = strings.TrimSpace(name)
		path = strings.TrimSpace(path)
		if !actionNameRe.MatchString(name) {
			return Tag{}, false
		}
		if path == "" {
			path = defaultActionPath
		}
		return Tag{Kind: KindAction, Raw: raw, Action: name, Path: path}, true
	}
	return Tag{}, false
}
