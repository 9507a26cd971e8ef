package engine

import (
	"context"
	"testing"
	"time"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	metrics.NoopRecorder
	hits, misses  int
	invalidations map[metrics.InvalidationCause]int
	outcomes      map[metrics.RunOutcome]int
	dynamic       int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		invalidations: map[metrics.InvalidationCause]int{},
		outcomes:      map[metrics.RunOutcome]int{},
	}
}

func (r *countingRecorder) IncChainCache(hit bool) {
	if hit {
		r.hits++
		return
	}
	r.misses++
}

func (r *countingRecorder) IncCacheInvalidation(cause metrics.InvalidationCause) {
	r.invalidations[cause]++
}

func (r *countingRecorder) IncRunOutcome(_ string, outcome metrics.RunOutcome) {
	r.outcomes[outcome]++
}

func (r *countingRecorder) SetDynamicStages(n int) { r.dynamic = n }

func (r *countingRecorder) ObserveRunDuration(string, time.Duration) {}

func TestManagerReportsCacheAndOutcomes(t *testing.T) {
	rec := newCountingRecorder()
	m := NewManager(Config{
		Stages:   MustStageRegistry(constStage("s", map[string]any{"v": 1})),
		Logger:   silentLogger(),
		Recorder: rec,
	})
	m.RegisterPipelines(map[string][]string{"p": {"s"}})

	for range 3 {
		_, err := m.Run(context.Background(), "p", nil, nil)
		require.NoError(t, err)
	}
	_, err := m.Run(context.Background(), "missing", nil, nil)
	require.Error(t, err)

	assert.Equal(t, 1, rec.misses)
	assert.Equal(t, 2, rec.hits)
	assert.Equal(t, 3, rec.outcomes[metrics.RunSuccess])
	assert.Equal(t, 1, rec.outcomes[metrics.RunNotFound])

	dispose, err := m.InsertDynamicStage(DynamicStage{Pipeline: "p", Anchor: "s", ID: "d", MergeParams: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.dynamic)
	dispose()
	assert.Equal(t, 0, rec.dynamic)

	require.NoError(t, m.SetScopeOverride(domain.ScopeSkill, OverrideSet{"p": {"s"}}))
	assert.Equal(t, 1, rec.invalidations[metrics.CauseDefinitions])
	assert.Equal(t, 2, rec.invalidations[metrics.CauseDynamic])
	assert.Equal(t, 1, rec.invalidations[metrics.CauseOverrides])
}
