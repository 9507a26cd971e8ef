package config

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/polisai/skirmish/pkg/metrics"
	"github.com/polisai/skirmish/pkg/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quietScriptOptions() script.Options {
	return script.Options{Logger: quietLogger()}
}

type reloadRecorder struct {
	metrics.NoopRecorder
	ok, failed int
}

func (r *reloadRecorder) IncConfigReload(success bool) {
	if success {
		r.ok++
		return
	}
	r.failed++
}

func newApplyManager() *engine.Manager {
	cost := runtime.Func("mpCost", func(context.Context, runtime.Values, any) (any, error) {
		return map[string]any{"mpCost": 10}, nil
	})
	double := runtime.Func("double", func(_ context.Context, _ runtime.Values, in any) (any, error) {
		obj, _ := runtime.AsValues(in)
		return map[string]any{"mpCost": obj["mpCost"].(int) * 2}, nil
	})
	return engine.NewManager(engine.Config{
		Stages: engine.MustStageRegistry(cost, double),
		Logger: quietLogger(),
	})
}

func snapshotOf(t *testing.T, generation int64, data string) *Snapshot {
	t.Helper()
	defs, err := ParseDefinitions([]byte(data), ".yaml")
	require.NoError(t, err)
	return &Snapshot{Generation: generation, Definitions: defs}
}

func TestApplyRegistersEverything(t *testing.T) {
	m := newApplyManager()
	rec := &reloadRecorder{}
	applier := NewApplier(m, BuildOptions{Script: quietScriptOptions()}, rec, quietLogger())

	err := applier.Apply(snapshotOf(t, 1, `
pipelines:
  skill.cost.calculate: [mpCost]
overrides:
  member:
    skill.cost.calculate: [mpCost, double]
buffs:
  - id: focus
    source: buff.focus
    pipeline: skill.cost.calculate
    anchor: double
    lua: "{ mpCost = input.mpCost - 5 }"
`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), applier.Generation())
	assert.Equal(t, 1, rec.ok)

	base, scope, err := m.Resolve("skill.cost.calculate")
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeMember, scope)
	assert.Equal(t, []string{"mpCost", "double"}, base)

	res, err := m.Run(context.Background(), "skill.cost.calculate", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(15), res.Variables["mpCost"])

	infos := m.ListDynamicStageInfo(domain.StageFilter{Source: "buff.focus"})
	require.Len(t, infos, 1)
	assert.True(t, infos[0].HasHandler)
}

func TestApplyReplacesPreviousSnapshot(t *testing.T) {
	m := newApplyManager()
	applier := NewApplier(m, BuildOptions{Script: quietScriptOptions()}, nil, quietLogger())

	require.NoError(t, applier.Apply(snapshotOf(t, 1, `
pipelines:
  old.pipeline: [mpCost]
overrides:
  skill:
    old.pipeline: [double]
buffs:
  - id: stale
    pipeline: old.pipeline
    anchor: mpCost
    merge: {stale: true}
`)))
	require.NoError(t, applier.Apply(snapshotOf(t, 2, `
pipelines:
  new.pipeline: [mpCost]
`)))

	_, _, err := m.Resolve("old.pipeline")
	require.ErrorIs(t, err, domain.ErrPipelineNotFound)
	assert.Empty(t, m.ListDynamicStageInfo(domain.StageFilter{}))
	assert.Equal(t, []string{"new.pipeline"}, m.Pipelines())
	assert.Equal(t, int64(2), applier.Generation())

	applier.Reset()
	assert.Empty(t, m.Pipelines())
}

func TestApplyRestoresBuiltInDefinitionOnReload(t *testing.T) {
	m := newApplyManager()
	m.RegisterPipelines(map[string][]string{"skill.cost.calculate": {"mpCost"}})
	applier := NewApplier(m, BuildOptions{Script: quietScriptOptions()}, nil, quietLogger())

	require.NoError(t, applier.Apply(snapshotOf(t, 1, `
pipelines:
  skill.cost.calculate: [mpCost, double]
`)))
	result, err := m.Run(context.Background(), "skill.cost.calculate", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, result.Variables["mpCost"])

	require.NoError(t, applier.Apply(snapshotOf(t, 2, `
pipelines:
  other: [mpCost]
`)))
	base, _, err := m.Resolve("skill.cost.calculate")
	require.NoError(t, err)
	assert.Equal(t, []string{"mpCost"}, base)

	result, err = m.Run(context.Background(), "skill.cost.calculate", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Variables["mpCost"])
	assert.Equal(t, []string{"other", "skill.cost.calculate"}, m.Pipelines())

	applier.Reset()
	assert.Equal(t, []string{"skill.cost.calculate"}, m.Pipelines())
}

func TestApplyKeepsPreviousOnCompileError(t *testing.T) {
	m := newApplyManager()
	rec := &reloadRecorder{}
	applier := NewApplier(m, BuildOptions{Script: quietScriptOptions()}, rec, quietLogger())

	require.NoError(t, applier.Apply(snapshotOf(t, 1, "pipelines: {p: [mpCost]}")))
	err := applier.Apply(snapshotOf(t, 2, `
pipelines:
  q: [mpCost]
buffs:
  - pipeline: q
    anchor: mpCost
    lua: "return {"
`))
	require.ErrorIs(t, err, domain.ErrInvalidDefinition)
	assert.Equal(t, []string{"p"}, m.Pipelines())
	assert.Equal(t, int64(1), applier.Generation())
	assert.Equal(t, 1, rec.ok)
	assert.Equal(t, 1, rec.failed)
}

func TestApplyNilSnapshot(t *testing.T) {
	applier := NewApplier(newApplyManager(), BuildOptions{}, nil, nil)
	require.NoError(t, applier.Apply(nil))
	assert.Zero(t, applier.Generation())
}
