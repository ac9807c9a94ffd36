package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/formbridge/internal/formui"
	"github.com/rendis/formbridge/internal/outputs"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/internal/tags"
	"github.com/rendis/formbridge/pkg/schema"
)

// Action is one form action type. The processor runs a configured instance
// of it for every submission of a form that lists it.
type Action interface {
	Type() string
	Schema() ActionSchema
	ConfigFields(ctx context.Context, form *schema.FormDefinition, def *schema.ActionDefinition) ([]formui.Field, error)
	Validate(ctx context.Context, input ActionInput) error
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
}

// ActionRegistry manages the lookup of available action types.
type ActionRegistry interface {
	Register(action Action) error
	Get(actionType string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes an action type. SettingsSchema is a JSON Schema
// for ActionDefinition.Settings.
type ActionSchema struct {
	Entity         string          `json:"entity"`
	Description    string          `json:"description,omitempty"`
	SettingsSchema json.RawMessage `json:"settings_schema,omitempty"`
}

// ActionInput is what an action sees when it runs.
type ActionInput struct {
	Definition *schema.ActionDefinition
	Submission *submission.Submission
	Resolver   *tags.Resolver
}

// Outputs returns the outputs of the actions that already ran.
func (in ActionInput) Outputs() *outputs.Store {
	return in.Resolver.Outputs()
}

// ActionOutput is what an action produced. Data is stored under the
// action's name and must carry the entity "id" when one was written.
type ActionOutput struct {
	Data map[string]any `json:"data"`
}

// ID returns the entity ID in the output.
func (o *ActionOutput) ID() (int64, bool) {
	if o == nil {
		return 0, false
	}
	return submission.Int64(o.Data["id"])
}

// ActionInfo is a summary of a registered action type for listing.
type ActionInfo struct {
	Type        string `json:"type"`
	Entity      string `json:"entity"`
	Description string `json:"description,omitempty"`
}
