package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDefinitions = `
pipelines:
  skill.cost.calculate: [mpCost]
  skill.cast.check: [mpCost, cast.gate]
overrides:
  skill:
    skill.cost.calculate: [mpCost, focusCost]
stages:
  - name: focusCost
    kind: lua
    source: "{ mpCost = input.mpCost - 1 }"
    input:
      mpCost: number
    output:
      mpCost: number
  - name: cast.gate
    kind: rego
    entrypoint: skirmish/gate/decision
    enforce: true
    source: |
      package skirmish.gate
      default allow := false
      allow if input.input.mpCost <= input.vars.mp
      decision := {"allow": allow}
buffs:
  - id: focus
    source: buff.focus
    pipeline: skill.cost.calculate
    anchor: mpCost
    priority: 5
    merge:
      focused: true
`

func TestParseYAMLDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(yamlDefinitions), ".yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"mpCost", "cast.gate"}, defs.Pipelines["skill.cast.check"])
	assert.Equal(t, []string{"mpCost", "focusCost"}, defs.Overrides.Skill["skill.cost.calculate"])
	require.Len(t, defs.Stages, 2)
	assert.Equal(t, StageKindRego, defs.Stages[1].Kind)
	assert.True(t, defs.Stages[1].Enforce)
	require.Len(t, defs.Buffs, 1)
	assert.Equal(t, 5, defs.Buffs[0].Priority)
	assert.Equal(t, map[string]any{"focused": true}, defs.Buffs[0].Merge)
}

func TestParseJSONDefinitions(t *testing.T) {
	data := `{"pipelines":{"status.tick":["status.dot"]},"buffs":[{"pipeline":"status.tick","anchor":"status.dot","merge":{"stacks":2}}]}`
	defs, err := ParseDefinitions([]byte(data), ".json")
	require.NoError(t, err)
	assert.Equal(t, []string{"status.dot"}, defs.Pipelines["status.tick"])
	assert.Equal(t, DefaultBuffSource, defs.Buffs[0].Source)
}

func TestParseCUEDefinitions(t *testing.T) {
	data := `
pipelines: {
	"skill.damage.resolve": ["damage.base", "damage.apply"]
}
overrides: member: {
	"skill.damage.resolve": ["damage.base"]
}
buffs: [{
	id:       "rage"
	source:   "buff.rage"
	pipeline: "skill.damage.resolve"
	anchor:   "damage.base"
	lua:      "{ damage = input.damage * 2 }"
}]
`
	defs, err := ParseDefinitions([]byte(data), ".cue")
	require.NoError(t, err)
	assert.Equal(t, []string{"damage.base", "damage.apply"}, defs.Pipelines["skill.damage.resolve"])
	assert.Equal(t, []string{"damage.base"}, defs.Overrides.Member["skill.damage.resolve"])
	require.Len(t, defs.Buffs, 1)
	assert.Equal(t, "{ damage = input.damage * 2 }", defs.Buffs[0].Lua)
}

func TestParseDefinitionsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "pipelinez: {}",
		"bad kind":       "stages: [{name: s, kind: python, source: x}]",
		"no source":      "stages: [{name: s, kind: lua}]",
		"duplicate":      "stages: [{name: s, kind: lua, source: x}, {name: s, kind: lua, source: y}]",
		"empty stage":    "pipelines: {p: [\"\"]}",
		"buff no anchor": "buffs: [{pipeline: p, merge: {a: 1}}]",
		"buff no effect": "buffs: [{pipeline: p, anchor: a}]",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(data), ".yaml")
			require.ErrorIs(t, err, domain.ErrInvalidDefinition)
		})
	}

	_, err := ParseDefinitions([]byte("x"), ".toml")
	require.ErrorIs(t, err, domain.ErrInvalidDefinition)
}

func TestLoadDefinitionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defs.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDefinitions), 0o644))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.Len(t, defs.Pipelines, 2)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBuildStages(t *testing.T) {
	defs, err := ParseDefinitions([]byte(yamlDefinitions), ".yaml")
	require.NoError(t, err)

	stages, err := BuildStages(context.Background(), defs.Stages, BuildOptions{Script: quietScriptOptions()})
	require.NoError(t, err)
	require.Len(t, stages, 2)

	focus := stages[0]
	assert.Equal(t, "focusCost", focus.Name)
	_, err = focus.Input.Validate(map[string]any{"mpCost": "ten"})
	require.ErrorIs(t, err, domain.ErrContractViolation)

	out, err := focus.Transform(context.Background(), runtime.Values{}, map[string]any{"mpCost": 10})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mpCost": float64(9)}, out)

	gate := stages[1]
	_, err = gate.Transform(context.Background(), runtime.Values{"mp": 3}, map[string]any{"mpCost": 10})
	require.Error(t, err)
}

func TestBuildStagesRejectsBadContract(t *testing.T) {
	_, err := BuildStages(context.Background(), []StageSpec{{
		Name:   "s",
		Kind:   StageKindLua,
		Source: "{}",
		Input:  map[string]string{"x": "complex"},
	}}, BuildOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidDefinition)
}
