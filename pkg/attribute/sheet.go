// Package attribute provides an in-memory attribute sheet: base stat values
// plus modifiers tagged with the effect that produced them.
package attribute

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/polisai/skirmish/pkg/domain"
)

// Modifier is one adjustment applied to an attribute path.
type Modifier struct {
	ID    string              `json:"id"`
	Path  string              `json:"path"`
	Kind  domain.ModifierKind `json:"kind"`
	Value float64             `json:"value"`
	Meta  domain.SourceMeta   `json:"meta"`

	seq uint64
}

// Sheet resolves attribute values as
//
//	(base + sum(add)) * product(multiply)
//
// unless an override is present, in which case the most recent override wins.
// It implements domain.AttributeService and is safe for concurrent use.
type Sheet struct {
	mu        sync.RWMutex
	base      map[string]float64
	modifiers map[string]*Modifier
	byPath    map[string][]*Modifier
	seq       uint64
}

var _ domain.AttributeService = (*Sheet)(nil)

// NewSheet creates a sheet seeded with base values.
func NewSheet(base map[string]float64) *Sheet {
	s := &Sheet{
		base:      make(map[string]float64, len(base)),
		modifiers: make(map[string]*Modifier),
		byPath:    make(map[string][]*Modifier),
	}
	maps.Copy(s.base, base)
	return s
}

// SetBase sets the unmodified value of path.
func (s *Sheet) SetBase(path string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base[path] = value
}

// Base returns the unmodified value of path.
func (s *Sheet) Base(path string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.base[path]
	return v, ok
}

// GetValue returns the resolved value of path. Unknown paths resolve to zero
// plus whatever modifiers target them.
func (s *Sheet) GetValue(path string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolve(path)
}

func (s *Sheet) resolve(path string) float64 {
	value := s.base[path]
	multiplier := 1.0
	var override *Modifier
	for _, mod := range s.byPath[path] {
		switch mod.Kind {
		case domain.ModifierAdd:
			value += mod.Value
		case domain.ModifierMultiply:
			multiplier *= mod.Value
		case domain.ModifierOverride:
			if override == nil || mod.seq > override.seq {
				override = mod
			}
		}
	}
	if override != nil {
		return override.Value
	}
	return value * multiplier
}

// AddModifier records a modifier and returns its id. Unknown kinds are
// rejected with an empty id.
func (s *Sheet) AddModifier(path string, kind domain.ModifierKind, value float64, meta domain.SourceMeta) string {
	switch kind {
	case domain.ModifierAdd, domain.ModifierMultiply, domain.ModifierOverride:
	default:
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	mod := &Modifier{
		ID:    uuid.NewString(),
		Path:  path,
		Kind:  kind,
		Value: value,
		Meta:  meta,
		seq:   s.seq,
	}
	s.modifiers[mod.ID] = mod
	s.byPath[path] = append(s.byPath[path], mod)
	return mod.ID
}

// RemoveModifier deletes one modifier and reports whether it existed.
func (s *Sheet) RemoveModifier(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mod, ok := s.modifiers[id]
	if !ok {
		return false
	}
	s.remove(mod)
	return true
}

// RemoveBySource deletes every modifier whose meta names source and returns the count.
func (s *Sheet) RemoveBySource(source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, mod := range s.modifiers {
		if mod.Meta.Source == source {
			s.remove(mod)
			removed++
		}
	}
	return removed
}

func (s *Sheet) remove(mod *Modifier) {
	delete(s.modifiers, mod.ID)
	list := slices.DeleteFunc(s.byPath[mod.Path], func(m *Modifier) bool { return m.ID == mod.ID })
	if len(list) == 0 {
		delete(s.byPath, mod.Path)
		return
	}
	s.byPath[mod.Path] = list
}

// Modifiers returns the modifiers on path in insertion order.
func (s *Sheet) Modifiers(path string) []Modifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Modifier, 0, len(s.byPath[path]))
	for _, mod := range s.byPath[path] {
		out = append(out, *mod)
	}
	return out
}

// Snapshot resolves every path that has a base value or a modifier.
func (s *Sheet) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make(map[string]struct{}, len(s.base)+len(s.byPath))
	for path := range s.base {
		paths[path] = struct{}{}
	}
	for path := range s.byPath {
		paths[path] = struct{}{}
	}
	out := make(map[string]float64, len(paths))
	for path := range paths {
		out[path] = s.resolve(path)
	}
	return out
}

// Paths lists every known path in sorted order.
func (s *Sheet) Paths() []string {
	snapshot := s.Snapshot()
	paths := make([]string, 0, len(snapshot))
	for path := range snapshot {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
