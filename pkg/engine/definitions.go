package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/polisai/skirmish/pkg/domain"
)

// DefinitionStore holds the global-scope pipeline definitions: name → ordered stage names.
// Registering an existing name shadows it rather than dropping it. Each batch
// carries a token, and disposing a batch removes only its own layers, so the
// definition it shadowed becomes visible again.
type DefinitionStore struct {
	entries   map[string][]definition
	nextToken uint64
}

type definition struct {
	stages []string
	token  uint64
}

// NewDefinitionStore creates an empty store.
func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{entries: make(map[string][]definition)}
}

// Register stores every definition in defs on top of any existing layer for the
// same name. The returned disposer removes this batch's layers and reports
// whether anything was removed; calling it again is a no-op.
func (s *DefinitionStore) Register(defs map[string][]string) func() bool {
	s.nextToken++
	token := s.nextToken
	names := make([]string, 0, len(defs))
	for name, stages := range defs {
		s.entries[name] = append(s.entries[name], definition{stages: slices.Clone(stages), token: token})
		names = append(names, name)
	}

	disposed := false
	return func() bool {
		if disposed {
			return false
		}
		disposed = true
		removed := false
		for _, name := range names {
			layers := s.entries[name]
			kept := slices.DeleteFunc(layers, func(d definition) bool { return d.token == token })
			if len(kept) == len(layers) {
				continue
			}
			removed = true
			if len(kept) == 0 {
				delete(s.entries, name)
			} else {
				s.entries[name] = kept
			}
		}
		return removed
	}
}

// Lookup returns the global definition for name from its newest layer.
func (s *DefinitionStore) Lookup(name string) ([]string, bool) {
	layers := s.entries[name]
	if len(layers) == 0 {
		return nil, false
	}
	return slices.Clone(layers[len(layers)-1].stages), true
}

// Names returns every globally defined pipeline name in lexical order.
func (s *DefinitionStore) Names() []string {
	return slices.Sorted(maps.Keys(s.entries))
}

// OverrideSet is a partial pipeline definition table for one scope.
type OverrideSet map[string][]string

// OverrideResolver picks the effective stage list for a pipeline name.
// Precedence is skill, then member, then the global store; the highest-ranked
// non-empty override wins and lists are never merged across scopes.
type OverrideResolver struct {
	store  *DefinitionStore
	skill  OverrideSet
	member OverrideSet
}

// NewOverrideResolver resolves against store for the global scope.
func NewOverrideResolver(store *DefinitionStore) *OverrideResolver {
	return &OverrideResolver{store: store}
}

// Set replaces the whole override table of scope.
func (r *OverrideResolver) Set(scope domain.Scope, overrides OverrideSet) error {
	copied := make(OverrideSet, len(overrides))
	for name, stages := range overrides {
		copied[name] = slices.Clone(stages)
	}
	switch scope {
	case domain.ScopeSkill:
		r.skill = copied
	case domain.ScopeMember:
		r.member = copied
	default:
		return fmt.Errorf("%w: %q cannot hold overrides", domain.ErrUnknownScope, scope)
	}
	return nil
}

// Clear drops the override table of scope and reports whether one was set.
func (r *OverrideResolver) Clear(scope domain.Scope) (bool, error) {
	switch scope {
	case domain.ScopeSkill:
		had := r.skill != nil
		r.skill = nil
		return had, nil
	case domain.ScopeMember:
		had := r.member != nil
		r.member = nil
		return had, nil
	default:
		return false, fmt.Errorf("%w: %q cannot hold overrides", domain.ErrUnknownScope, scope)
	}
}

// Resolve returns the effective stage list for name and the scope it came from.
func (r *OverrideResolver) Resolve(name string) ([]string, domain.Scope, error) {
	lookups := []struct {
		scope domain.Scope
		set   OverrideSet
	}{
		{scope: domain.ScopeSkill, set: r.skill},
		{scope: domain.ScopeMember, set: r.member},
	}
	for _, lookup := range lookups {
		if stages := lookup.set[name]; len(stages) > 0 {
			return slices.Clone(stages), lookup.scope, nil
		}
	}

	if stages, ok := r.store.Lookup(name); ok {
		return stages, domain.ScopeGlobal, nil
	}

	return nil, "", &domain.ResolutionError{Pipeline: name}
}

// Names returns every pipeline name known to any scope in lexical order.
func (r *OverrideResolver) Names() []string {
	seen := make(map[string]struct{})
	for _, name := range r.store.Names() {
		seen[name] = struct{}{}
	}
	for _, set := range []OverrideSet{r.skill, r.member} {
		for name, stages := range set {
			if len(stages) > 0 {
				seen[name] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}
