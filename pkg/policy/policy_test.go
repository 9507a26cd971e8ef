package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const castModule = `package skirmish.cast

default allow := false

allow if {
	input.input.mp >= input.input.mpCost
	not input.vars.silenced
}

reasons contains "insufficient mana" if input.input.mp < input.input.mpCost

reasons contains "silenced" if input.vars.silenced

decision := {"allow": allow, "reasons": reasons, "margin": input.input.mp - input.input.mpCost}
`

func newCastEngine(t *testing.T, cacheSize int) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint:      "skirmish/cast/decision",
		Modules:         map[string]string{"cast.rego": castModule},
		CacheMaxEntries: cacheSize,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return engine
}

func TestEngineEvaluateAllow(t *testing.T) {
	engine := newCastEngine(t, 0)

	dec, cached, err := engine.Evaluate(context.Background(), "", map[string]any{
		"input": map[string]any{"mp": 30, "mpCost": 10},
		"vars":  map[string]any{},
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reasons)
	assert.Equal(t, float64(20), dec.Outputs["margin"])
}

func TestEngineEvaluateDenyReasonsSorted(t *testing.T) {
	engine := newCastEngine(t, 0)

	dec, _, err := engine.Evaluate(context.Background(), "", map[string]any{
		"input": map[string]any{"mp": 5, "mpCost": 10},
		"vars":  map[string]any{"silenced": true},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, []string{"insufficient mana", "silenced"}, dec.Reasons)
}

func TestEngineCachesDecisions(t *testing.T) {
	engine := newCastEngine(t, 0)
	input := map[string]any{"input": map[string]any{"mp": 30, "mpCost": 10}, "vars": map[string]any{}}

	_, cached, err := engine.Evaluate(context.Background(), "", input)
	require.NoError(t, err)
	assert.False(t, cached)

	dec, cached, err := engine.Evaluate(context.Background(), "", input)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, engine.CacheLen())

	engine.FlushCache()
	assert.Equal(t, 0, engine.CacheLen())
}

func TestEngineCacheDisabled(t *testing.T) {
	engine := newCastEngine(t, -1)
	input := map[string]any{"input": map[string]any{"mp": 30, "mpCost": 10}, "vars": map[string]any{}}
	for range 2 {
		_, cached, err := engine.Evaluate(context.Background(), "", input)
		require.NoError(t, err)
		assert.False(t, cached)
	}
	assert.Equal(t, 0, engine.CacheLen())
}

func TestDecisionCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := newDecisionCache(2)
	cache.Add("a", Decision{Allowed: true})
	cache.Add("b", Decision{})
	_, ok := cache.Get("a")
	require.True(t, ok)
	cache.Add("c", Decision{})

	_, ok = cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestUndefinedDecisionDenies(t *testing.T) {
	engine := newCastEngine(t, 0)
	dec, _, err := engine.Evaluate(context.Background(), "skirmish/cast/missing", map[string]any{})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, []string{"decision undefined"}, dec.Reasons)
}

func TestNewEngineRejectsBadModules(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidDefinition)

	_, err = NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"bad.rego": "package x\n allow if {"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidDefinition)
}

func TestStageReportsDecision(t *testing.T) {
	stage := NewStage("cast.gate", newCastEngine(t, 0), StageOptions{})
	require.NoError(t, stage.Validate())

	out, err := stage.Transform(context.Background(), runtime.Values{"silenced": true}, runtime.Values{"mp": 50, "mpCost": 10})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"allowed": false,
		"reasons": []any{"silenced"},
		"margin":  float64(40),
	}, out)
}

func TestEnforcingStageAborts(t *testing.T) {
	stage := NewStage("cast.gate", newCastEngine(t, 0), StageOptions{Enforce: true})

	_, err := stage.Transform(context.Background(), runtime.Values{}, map[string]any{"mp": 1, "mpCost": 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDenied))
	assert.Contains(t, err.Error(), "insufficient mana")

	out, err := stage.Transform(context.Background(), runtime.Values{}, map[string]any{"mp": 10, "mpCost": 10})
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["allowed"])
}

func TestStageContextDocument(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "skirmish/ctx/decision",
		Modules: map[string]string{"ctx.rego": `package skirmish.ctx

decision := {"allow": input.context.mp >= input.input.mpCost}
`},
	})
	require.NoError(t, err)

	stage := NewStage("gate", engine, StageOptions{
		Context: func(vars runtime.Values) map[string]any {
			return map[string]any{"mp": vars["mp"]}
		},
	})
	out, err := stage.Transform(context.Background(), runtime.Values{"mp": 12}, map[string]any{"mpCost": 10})
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["allowed"])
}
