// Package registry holds the static catalog of known flags: their names,
// declared types, and default values. The catalog is configuration, not user
// data; it is populated once during process start and frozen before any
// traffic is served, so reads need no locking.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/flaggate/flaggate/internal/core"
)

var (
	ErrDuplicateFlag = errors.New("flag already registered")
	ErrUnknownFlag   = errors.New("unknown flag")
	ErrFrozen        = errors.New("registry is frozen")
)

// Definition describes one registered flag.
type Definition struct {
	Name        string
	Type        core.FlagType
	Default     core.Value
	Description string
}

// Registry is the read-only flag catalog. Register all flags, then call
// Freeze; registration after Freeze fails.
type Registry struct {
	defs   map[string]Definition
	frozen bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a flag definition. The default value must match the declared
// type; mismatches are rejected the same way management writes are.
func (r *Registry) Register(name string, flagType core.FlagType, defaultValue core.Value, description string) error {
	if r.frozen {
		return fmt.Errorf("register %q: %w", name, ErrFrozen)
	}
	if name == "" {
		return errors.New("flag name is required")
	}
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateFlag)
	}
	if err := defaultValue.Validate(flagType); err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}

	r.defs[name] = Definition{
		Name:        name,
		Type:        flagType,
		Default:     defaultValue,
		Description: description,
	}

	return nil
}

// Freeze marks the registry read-only. Safe for concurrent reads afterwards.
func (r *Registry) Freeze() {
	r.frozen = true
}

// GetType returns the declared type of a registered flag.
func (r *Registry) GetType(name string) (core.FlagType, error) {
	def, ok := r.defs[name]
	if !ok {
		return "", fmt.Errorf("flag %q: %w", name, ErrUnknownFlag)
	}

	return def.Type, nil
}

// GetDefault returns the default value of a registered flag.
func (r *Registry) GetDefault(name string) (core.Value, error) {
	def, ok := r.defs[name]
	if !ok {
		return core.Value{}, fmt.Errorf("flag %q: %w", name, ErrUnknownFlag)
	}

	return def.Default, nil
}

// Lookup returns the full definition for a registered flag.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Known returns all definitions sorted by name.
func (r *Registry) Known() []Definition {
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs
}
