package validation

import (
	"github.com/rendis/formbridge/internal/actions"
	"github.com/rendis/formbridge/pkg/schema"
)

// Validator checks form definitions before they are served.
// Uses JSON Schema Draft 2020-12 for structure and action settings.
type Validator interface {
	ValidateDefinition(def *schema.FormDefinition) error
	ValidateSettings(settings map[string]any, settingsSchema []byte) error
}

// ActionLookup resolves registered action types. Satisfied by
// *actions.Registry.
type ActionLookup interface {
	Get(actionType string) (actions.Action, error)
}
