package engine

import (
	"github.com/polisai/skirmish/pkg/domain"
)

// PlanStep is one step a run of the pipeline would execute.
type PlanStep struct {
	Stage     string `json:"stage" yaml:"stage"`
	DynamicID string `json:"dynamicId,omitempty" yaml:"dynamicId,omitempty"`
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	HasInput  bool   `json:"hasInputContract,omitempty" yaml:"hasInputContract,omitempty"`
	HasOutput bool   `json:"hasOutputContract,omitempty" yaml:"hasOutputContract,omitempty"`
}

// Plan is the dry-run view of a pipeline: where its definition came from and the
// expanded step order, without executing any stage.
type Plan struct {
	Pipeline string       `json:"pipeline" yaml:"pipeline"`
	Scope    domain.Scope `json:"scope" yaml:"scope"`
	Base     []string     `json:"base" yaml:"base"`
	Steps    []PlanStep   `json:"steps" yaml:"steps"`
	// Orphans are anchors with dynamic entries that the base sequence never reaches.
	Orphans []string `json:"orphans,omitempty" yaml:"orphans,omitempty"`
}

// Plan resolves and expands pipeline exactly as Run would, and reports the result.
// It does not touch the chain cache.
func (m *Manager) Plan(pipeline string) (*Plan, error) {
	base, scope, err := m.resolver.Resolve(pipeline)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Pipeline: pipeline,
		Scope:    scope,
		Base:     base,
		Steps:    make([]PlanStep, 0, len(base)),
		Orphans:  m.dynamic.orphans(pipeline, base),
	}
	for _, name := range base {
		stage, ok := m.stages.Get(name)
		if !ok {
			return nil, &domain.ResolutionError{Pipeline: pipeline, Stage: name}
		}
		plan.Steps = append(plan.Steps, PlanStep{
			Stage:     name,
			HasInput:  stage.Input != nil,
			HasOutput: stage.Output != nil,
		})
		for _, entry := range m.dynamic.anchored(pipeline, name) {
			plan.Steps = append(plan.Steps, PlanStep{
				Stage:     name,
				DynamicID: entry.ID,
				Source:    entry.Source,
				Priority:  entry.Priority,
			})
		}
	}
	return plan, nil
}
