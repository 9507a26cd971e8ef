package config

import (
	"context"
	"fmt"

	"github.com/polisai/skirmish/pkg/engine"
	"github.com/polisai/skirmish/pkg/engine/contract"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/polisai/skirmish/pkg/policy"
	"github.com/polisai/skirmish/pkg/script"
)

// BuildOptions carries what authored stages and buffs need at compile time.
type BuildOptions struct {
	Script          script.Options
	PolicyCacheSize int
}

// BuildStages compiles authored stages. They are meant to extend an
// archetype's registry before the Manager is created.
func BuildStages(ctx context.Context, specs []StageSpec, opts BuildOptions) ([]runtime.Stage, error) {
	stages := make([]runtime.Stage, 0, len(specs))
	for _, spec := range specs {
		stage, err := buildStage(ctx, spec, opts)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", spec.Name, err)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func buildStage(ctx context.Context, spec StageSpec, opts BuildOptions) (runtime.Stage, error) {
	input, err := contract.ParseFields(spec.Input, spec.Strict)
	if err != nil {
		return runtime.Stage{}, fmt.Errorf("input contract: %w", err)
	}
	output, err := contract.ParseFields(spec.Output, spec.Strict)
	if err != nil {
		return runtime.Stage{}, fmt.Errorf("output contract: %w", err)
	}

	switch spec.Kind {
	case StageKindLua:
		return script.NewStage(spec.Name, spec.Source, input, output, opts.Script)
	case StageKindRego:
		eng, err := policy.NewEngine(ctx, policy.EngineOptions{
			Entrypoint:      spec.Entrypoint,
			Modules:         map[string]string{spec.Name + ".rego": spec.Source},
			CacheMaxEntries: opts.PolicyCacheSize,
			Logger:          opts.Script.Logger,
		})
		if err != nil {
			return runtime.Stage{}, err
		}
		return policy.NewStage(spec.Name, eng, policy.StageOptions{
			Input:   input,
			Output:  output,
			Enforce: spec.Enforce,
		}), nil
	default:
		return runtime.Stage{}, fmt.Errorf("unknown stage kind %q", spec.Kind)
	}
}

// BuildBuffs compiles buff handlers into dynamic stages ready for insertion.
func BuildBuffs(specs []BuffSpec, opts BuildOptions) ([]engine.DynamicStage, error) {
	buffs := make([]engine.DynamicStage, 0, len(specs))
	for _, spec := range specs {
		stage := engine.DynamicStage{
			Pipeline:    spec.Pipeline,
			Anchor:      spec.Anchor,
			ID:          spec.ID,
			Source:      spec.Source,
			Priority:    spec.Priority,
			MergeParams: spec.Merge,
		}
		if spec.Lua != "" {
			name := spec.ID
			if name == "" {
				name = spec.Source
			}
			handler, err := script.NewHandler(name, spec.Lua, opts.Script)
			if err != nil {
				return nil, fmt.Errorf("buff %s: %w", name, err)
			}
			stage.Handler = handler
		}
		buffs = append(buffs, stage)
	}
	return buffs, nil
}
