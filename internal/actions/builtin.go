package actions

import (
	"log/slog"

	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/mapping"
)

// Deps are the collaborators shared by the CiviCRM actions.
type Deps struct {
	Client crm.Client
	Mapper *mapping.Mapper
	Logger *slog.Logger
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	all := []Action{
		NewContactAction(deps),
		NewCaseAction(deps),
		NewActivityAction(deps),
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
