package config

import (
	"fmt"
	"sort"
	"strings"
)

// ModelRegistry resolves client-facing model aliases to their provider
// bindings. It is immutable after construction.
type ModelRegistry struct {
	byAlias  map[string]ModelEntry
	defaults map[Kind]string
}

// NewModelRegistry builds a registry from the configured model entries.
// Alias collisions are construction errors; [Validate] reports them earlier
// with file positions, this guards programmatic construction.
func NewModelRegistry(entries []ModelEntry) (*ModelRegistry, error) {
	r := &ModelRegistry{
		byAlias:  make(map[string]ModelEntry, len(entries)),
		defaults: make(map[Kind]string),
	}
	for _, m := range entries {
		if m.Kind == "" {
			m.Kind = KindText
		}
		if _, dup := r.byAlias[m.Alias]; dup {
			return nil, fmt.Errorf("config: model alias %q registered twice", m.Alias)
		}
		r.byAlias[m.Alias] = m
		if m.Default {
			if prev, ok := r.defaults[m.Kind]; ok {
				return nil, fmt.Errorf("config: aliases %q and %q both marked default for kind %s", prev, m.Alias, m.Kind)
			}
			r.defaults[m.Kind] = m.Alias
		}
	}
	// A single alias of a kind serves as its implicit default.
	perKind := make(map[Kind][]string)
	for alias, m := range r.byAlias {
		perKind[m.Kind] = append(perKind[m.Kind], alias)
	}
	for kind, aliases := range perKind {
		if _, ok := r.defaults[kind]; !ok && len(aliases) == 1 {
			r.defaults[kind] = aliases[0]
		}
	}
	return r, nil
}

// Resolve returns the model entry registered under alias. An unknown alias
// is a configuration error whose message lists the registered aliases of the
// requested kind so clients can correct their request.
func (r *ModelRegistry) Resolve(kind Kind, alias string) (ModelEntry, error) {
	m, ok := r.byAlias[alias]
	if !ok {
		return ModelEntry{}, fmt.Errorf("config: unknown model %q; available %s models: %s",
			alias, kind, strings.Join(r.Aliases(kind), ", "))
	}
	if m.Kind != kind {
		return ModelEntry{}, fmt.Errorf("config: model %q has kind %s, not %s; available %s models: %s",
			alias, m.Kind, kind, kind, strings.Join(r.Aliases(kind), ", "))
	}
	return m, nil
}

// Default returns the default model entry for kind, or false when no alias
// of that kind is registered or none is marked default among several.
func (r *ModelRegistry) Default(kind Kind) (ModelEntry, bool) {
	alias, ok := r.defaults[kind]
	if !ok {
		return ModelEntry{}, false
	}
	return r.byAlias[alias], true
}

// ResolveOrDefault resolves alias, falling back to the kind's default when
// alias is empty.
func (r *ModelRegistry) ResolveOrDefault(kind Kind, alias string) (ModelEntry, error) {
	if alias == "" {
		m, ok := r.Default(kind)
		if !ok {
			return ModelEntry{}, fmt.Errorf("config: no default %s model configured; available: %s",
				kind, strings.Join(r.Aliases(kind), ", "))
		}
		return m, nil
	}
	return r.Resolve(kind, alias)
}

// Aliases returns the sorted aliases registered for kind.
func (r *ModelRegistry) Aliases(kind Kind) []string {
	var out []string
	for alias, m := range r.byAlias {
		if m.Kind == kind {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// Fallbacks returns the resolved fallback chain for alias, skipping entries
// that no longer resolve. The chain excludes alias itself.
func (r *ModelRegistry) Fallbacks(alias string) []ModelEntry {
	m, ok := r.byAlias[alias]
	if !ok {
		return nil
	}
	out := make([]ModelEntry, 0, len(m.Fallbacks))
	for _, fb := range m.Fallbacks {
		if fbm, ok := r.byAlias[fb]; ok && fbm.Kind == m.Kind {
			out = append(out, fbm)
		}
	}
	return out
}
