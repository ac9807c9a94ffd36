// Package forms loads form definitions from YAML or JSON files and keeps
// the validated set in memory.
package forms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/formbridge/pkg/schema"
)

// DefinitionValidator checks a definition. Satisfied by
// *validation.FormValidator.
type DefinitionValidator interface {
	Validate(def *schema.FormDefinition) *schema.ValidationResult
}

// Catalog is the set of served forms, keyed by name.
type Catalog struct {
	mu        sync.RWMutex
	forms     map[string]*schema.FormDefinition
	sources   map[string]string
	validator DefinitionValidator
	logger    *slog.Logger
}

// NewCatalog creates an empty catalog. validator may be nil to accept
// definitions unchecked.
func NewCatalog(validator DefinitionValidator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		forms:     make(map[string]*schema.FormDefinition),
		sources:   make(map[string]string),
		validator: validator,
		logger:    logger,
	}
}

// Add validates def and adds it. A second form with the same name is a
// CONFLICT.
func (c *Catalog) Add(def *schema.FormDefinition, source string) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "form definition is nil")
	}
	if c.validator != nil {
		res := c.validator.Validate(def)
		for _, w := range res.Warnings {
			attrs := []any{"form", def.Name, "path", w.Path, "message", w.Message}
			if idx, ok := w.ActionIndex(); ok && idx < len(def.Actions) {
				attrs = append(attrs, "action", def.Actions[idx].Name)
			}
			c.logger.Warn("form definition warning", attrs...)
		}
		if err := res.ToError(); err != nil {
			if se, ok := err.(*schema.Error); ok {
				se.Message = fmt.Sprintf("form %q: %s", def.Name, se.Message)
			}
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, dup := c.sources[def.Name]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "form %q in %s is already defined in %s", def.Name, source, prev)
	}
	c.forms[def.Name] = def
	c.sources[def.Name] = source
	return nil
}

// Get returns the named form.
func (c *Catalog) Get(name string) (*schema.FormDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.forms[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "form %q not found", name)
	}
	return def, nil
}

// Names returns the form names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.forms))
	for n := range c.forms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of forms.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.forms)
}

// LoadDir adds every *.yaml, *.yml and *.json file in dir. Files that fail
// to parse or validate are reported and skipped. A missing directory loads
// nothing.
func (c *Catalog) LoadDir(dir string) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("forms: scan %q: %w", dir, err)}
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || Format(e.Name()) == "" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.Add(def, path); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("form loaded", "form", def.Name, "path", path, "actions", len(def.Actions))
	}
	return errs
}

// Format returns "yaml" or "json" for a supported file name, "" otherwise.
func Format(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}

// LoadFile reads one definition file.
func LoadFile(path string) (*schema.FormDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("forms: read %q: %w", path, err)
	}
	def, err := Parse(data, Format(path))
	if err != nil {
		return nil, fmt.Errorf("forms: parse %q: %w", path, err)
	}
	return def, nil
}

// Parse decodes a definition in the given format ("yaml" or "json").
// Unknown keys are rejected in both formats.
func Parse(data []byte, format string) (*schema.FormDefinition, error) {
	var def schema.FormDefinition
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, err
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&def); err != nil {
			return nil, err
		}
		normalizeNumbers(def.Actions)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return &def, nil
}

// normalizeNumbers turns json.Number settings into int64 or float64 so
// JSON and YAML definitions carry the same value types.
func normalizeNumbers(acts []schema.ActionDefinition) {
	for i := range acts {
		for k, v := range acts[i].Settings {
			acts[i].Settings[k] = normalizeNumber(v)
		}
	}
}

func normalizeNumber(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i := range val {
			val[i] = normalizeNumber(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = normalizeNumber(val[k])
		}
		return val
	default:
		return v
	}
}
