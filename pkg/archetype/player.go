// Package archetype holds the stage pools and default pipeline definitions of
// the entity archetypes shipped with skirmish.
package archetype

import (
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine"
	"github.com/polisai/skirmish/pkg/engine/contract"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/polisai/skirmish/pkg/metrics"
	"github.com/polisai/skirmish/pkg/policy"
	"github.com/polisai/skirmish/pkg/script"
)

// Pipeline names registered by DefaultPipelines.
const (
	PipelineSkillCost  = "skill.cost.calculate"
	PipelineCastCheck  = "skill.cast.check"
	PipelineDamage     = "skill.damage.resolve"
	PipelineStatusTick = "status.tick"
)

// IntentKindDamage is the kind of intent pushed by damage.apply and status.dot.
const IntentKindDamage = "damage"

// DefaultCritMultiplier applies when a crit lands without critMultiplier.
const DefaultCritMultiplier = 1.5

//go:embed cast_gate.rego
var castGateModule string

// Deps are the collaborators the player stages read and write.
type Deps struct {
	Attributes domain.AttributeService
	Intents    domain.IntentSink
	// PolicyCacheSize sizes the cast gate decision cache. Zero uses the default.
	PolicyCacheSize int
	Logger          *slog.Logger
}

// DefaultPipelines returns the player's global pipeline definitions.
func DefaultPipelines() map[string][]string {
	return map[string][]string{
		PipelineSkillCost:  {"hpCost", "mpCost"},
		PipelineCastCheck:  {"hpCost", "mpCost", "cast.gate"},
		PipelineDamage:     {"damage.base", "damage.crit", "damage.mitigate", "damage.apply"},
		PipelineStatusTick: {"status.dot"},
	}
}

// PlayerStages builds the player stage pool.
func PlayerStages(ctx context.Context, deps Deps) ([]runtime.Stage, error) {
	if deps.Attributes == nil || deps.Intents == nil {
		return nil, fmt.Errorf("player stages require attributes and an intent sink")
	}
	gate, err := castGate(ctx, deps)
	if err != nil {
		return nil, err
	}
	return []runtime.Stage{
		mpCost(),
		hpCost(),
		gate,
		damageBase(deps.Attributes),
		damageCrit(),
		damageMitigate(deps.Attributes),
		damageApply(deps.Intents),
		statusDot(deps.Intents),
	}, nil
}

// NewPlayer builds a Manager with the player pool, any extra authored stages,
// and the default pipelines registered.
func NewPlayer(ctx context.Context, deps Deps, cfg engine.Config, extra ...runtime.Stage) (*engine.Manager, error) {
	stages, err := PlayerStages(ctx, deps)
	if err != nil {
		return nil, err
	}
	registry, err := engine.NewStageRegistry(append(stages, extra...)...)
	if err != nil {
		return nil, err
	}
	cfg.Stages = registry
	if cfg.Logger == nil {
		cfg.Logger = deps.Logger
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NoopRecorder{}
	}
	m := engine.NewManager(cfg)
	m.RegisterPipelines(DefaultPipelines())
	return m, nil
}

func mpCost() runtime.Stage {
	return runtime.Stage{
		Name: "mpCost",
		Input: contract.Object(
			contract.Required("baseMp", contract.Number()),
			contract.OptionalField("costMultiplier", contract.Number()),
		),
		Output: contract.Object(contract.Required("mpCost", contract.Number())),
		Transform: func(_ context.Context, _ runtime.Values, in any) (any, error) {
			obj, _ := runtime.AsValues(in)
			cost := obj["baseMp"].(float64)
			if mult, ok := obj["costMultiplier"].(float64); ok {
				cost *= mult
			}
			return map[string]any{"mpCost": math.Max(0, math.Round(cost))}, nil
		},
	}
}

func hpCost() runtime.Stage {
	return runtime.Stage{
		Name:   "hpCost",
		Input:  contract.Object(contract.OptionalField("baseHp", contract.Number())),
		Output: contract.Object(contract.Required("hpCost", contract.Number())),
		Transform: func(_ context.Context, _ runtime.Values, in any) (any, error) {
			obj, _ := runtime.AsValues(in)
			cost, _ := obj["baseHp"].(float64)
			return map[string]any{"hpCost": math.Max(0, cost)}, nil
		},
	}
}

func castGate(ctx context.Context, deps Deps) (runtime.Stage, error) {
	eng, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      "skirmish/cast/decision",
		Modules:         map[string]string{"cast_gate.rego": castGateModule},
		CacheMaxEntries: deps.PolicyCacheSize,
		Logger:          deps.Logger,
	})
	if err != nil {
		return runtime.Stage{}, fmt.Errorf("cast.gate: %w", err)
	}
	return policy.NewStage("cast.gate", eng, policy.StageOptions{
		Input: contract.Object(contract.Required("mpCost", contract.Number())),
		Output: contract.Object(
			contract.Required("allowed", contract.Bool()),
			contract.Required("reasons", contract.ListOf(contract.String())),
		),
		Context: func(vars runtime.Values) map[string]any {
			caster := entity(vars, "caster")
			return map[string]any{
				"mp": deps.Attributes.GetValue(caster + ".mp"),
				"hp": deps.Attributes.GetValue(caster + ".hp"),
			}
		},
	}), nil
}

func damageBase(attrs domain.AttributeService) runtime.Stage {
	return runtime.Stage{
		Name: "damage.base",
		Input: contract.Object(
			contract.Required("power", contract.Number()),
			contract.OptionalField("scaling", contract.Number()),
		),
		Output: contract.Object(contract.Required("damage", contract.Number())),
		Transform: func(_ context.Context, vars runtime.Values, in any) (any, error) {
			obj, _ := runtime.AsValues(in)
			scaling := 1.0
			if s, ok := obj["scaling"].(float64); ok {
				scaling = s
			}
			atk := attrs.GetValue(entity(vars, "caster") + ".atk")
			return map[string]any{"damage": obj["power"].(float64) + atk*scaling}, nil
		},
	}
}

func damageCrit() runtime.Stage {
	return runtime.Stage{
		Name: "damage.crit",
		Input: contract.Object(
			contract.Required("damage", contract.Number()),
			contract.OptionalField("critChance", contract.Number()),
			contract.OptionalField("critMultiplier", contract.Number()),
			contract.OptionalField("critRoll", contract.Number()),
		),
		Output: contract.Object(
			contract.Required("damage", contract.Number()),
			contract.Required("crit", contract.Bool()),
		),
		Transform: func(_ context.Context, vars runtime.Values, in any) (any, error) {
			obj, _ := runtime.AsValues(in)
			damage := obj["damage"].(float64)
			chance, _ := obj["critChance"].(float64)
			roll, ok := obj["critRoll"].(float64)
			if !ok {
				roll = deterministicRoll(vars)
			}
			if roll >= chance {
				return map[string]any{"damage": damage, "crit": false}, nil
			}
			mult := DefaultCritMultiplier
			if m, ok := obj["critMultiplier"].(float64); ok {
				mult = m
			}
			return map[string]any{"damage": damage * mult, "crit": true}, nil
		},
	}
}

func damageMitigate(attrs domain.AttributeService) runtime.Stage {
	return runtime.Stage{
		Name:   "damage.mitigate",
		Input:  contract.Object(contract.Required("damage", contract.Number())),
		Output: contract.Object(contract.Required("damage", contract.Number())),
		Transform: func(_ context.Context, vars runtime.Values, in any) (any, error) {
			obj, _ := runtime.AsValues(in)
			def := math.Max(0, attrs.GetValue(entity(vars, "target")+".def"))
			mitigated := obj["damage"].(float64) * 100 / (100 + def)
			return map[string]any{"damage": math.Round(mitigated)}, nil
		},
	}
}

func damageApply(sink domain.IntentSink) runtime.Stage {
	return runtime.Stage{
		Name: "damage.apply",
		Input: contract.Object(
			contract.Required("damage", contract.Number()),
			contract.OptionalField("crit", contract.Bool()),
		),
		Output: contract.Object(contract.Required("intentId", contract.String())),
		Transform: func(_ context.Context, vars runtime.Values, in any) (any, error) {
			obj, _ := runtime.AsValues(in)
			crit, _ := obj["crit"].(bool)
			id := uuid.NewString()
			sink.Push(domain.Intent{
				ID:     id,
				Kind:   IntentKindDamage,
				Source: entity(vars, "caster"),
				Target: entity(vars, "target"),
				Payload: map[string]any{
					"amount": obj["damage"],
					"crit":   crit,
				},
			})
			return map[string]any{"intentId": id}, nil
		},
	}
}

func statusDot(sink domain.IntentSink) runtime.Stage {
	return runtime.Stage{
		Name: "status.dot",
		Input: contract.Object(
			contract.Required("dotDamage", contract.Number()),
			contract.OptionalField("stacks", contract.Integer()),
		),
		Output: contract.Object(contract.Required("tickDamage", contract.Number())),
		Transform: func(_ context.Context, vars runtime.Values, in any) (any, error) {
			obj, _ := runtime.AsValues(in)
			stacks := int64(1)
			if s, ok := obj["stacks"].(int64); ok {
				stacks = s
			}
			tick := obj["dotDamage"].(float64) * float64(stacks)
			if tick <= 0 {
				return map[string]any{"tickDamage": 0.0}, nil
			}
			sink.Push(domain.Intent{
				ID:      uuid.NewString(),
				Kind:    IntentKindDamage,
				Source:  "status.dot",
				Target:  entity(vars, "target"),
				Payload: map[string]any{"amount": tick, "periodic": true},
			})
			return map[string]any{"tickDamage": tick}, nil
		},
	}
}

// entity reads an entity name from vars, defaulting to the role name itself.
func entity(vars runtime.Values, role string) string {
	if name, ok := vars[role].(string); ok && name != "" {
		return name
	}
	return role
}

// deterministicRoll maps the run's seed to [0, 1).
func deterministicRoll(vars runtime.Values) float64 {
	h := fnv.New64a()
	_, _ = fmt.Fprint(h, vars[script.SeedVar], "|", vars["caster"], "|", vars["target"])
	return float64(h.Sum64()>>11) / float64(1<<53)
}
