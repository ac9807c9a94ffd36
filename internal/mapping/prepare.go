// Package mapping turns an action's field mapping into the values sent to
// the CRM.
package mapping

import "github.com/rendis/formbridge/internal/submission"

// PrepareData copies the configured names out of source, keeping only
// present values. The literal "0" is a value, not an empty field.
func PrepareData(source map[string]any, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		v, ok := source[name]
		if !ok || !submission.Present(v) {
			continue
		}
		out[name] = v
	}
	return out
}
