package engine

import (
	"fmt"
	"slices"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
)

// StageRegistry is the immutable stage pool of one entity archetype.
// Stages are registered once at construction; Extend derives a new registry
// rather than mutating the receiver.
type StageRegistry struct {
	stages map[string]runtime.Stage
}

// NewStageRegistry validates and indexes the given stages.
func NewStageRegistry(stages ...runtime.Stage) (*StageRegistry, error) {
	r := &StageRegistry{stages: make(map[string]runtime.Stage, len(stages))}
	if err := r.add(stages); err != nil {
		return nil, err
	}
	return r, nil
}

// MustStageRegistry is NewStageRegistry for statically authored pools.
func MustStageRegistry(stages ...runtime.Stage) *StageRegistry {
	r, err := NewStageRegistry(stages...)
	if err != nil {
		panic(err)
	}
	return r
}

// Extend returns a registry holding the receiver's stages plus extra.
// A name already present in the receiver is rejected.
func (r *StageRegistry) Extend(extra ...runtime.Stage) (*StageRegistry, error) {
	next := &StageRegistry{stages: make(map[string]runtime.Stage, len(r.stages)+len(extra))}
	for name, stage := range r.stages {
		next.stages[name] = stage
	}
	if err := next.add(extra); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *StageRegistry) add(stages []runtime.Stage) error {
	for _, stage := range stages {
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
		}
		if _, exists := r.stages[stage.Name]; exists {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateStageName, stage.Name)
		}
		r.stages[stage.Name] = stage
	}
	return nil
}

// Get returns the stage registered under name.
func (r *StageRegistry) Get(name string) (runtime.Stage, bool) {
	if r == nil {
		return runtime.Stage{}, false
	}
	stage, ok := r.stages[name]
	return stage, ok
}

// Names returns every registered stage name in lexical order.
func (r *StageRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len reports the number of registered stages.
func (r *StageRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.stages)
}
