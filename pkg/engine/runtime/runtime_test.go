package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeAccumulator(t *testing.T) {
	acc := Values{"a": 1}

	next := MergeAccumulator(acc, map[string]any{"b": 2})
	assert.Equal(t, Values{"a": 1, "b": 2}, next)
	assert.Equal(t, Values{"a": 1}, acc, "previous accumulator must not change")

	assert.Equal(t, 7.0, MergeAccumulator(acc, 7.0))
	assert.Equal(t, Values{"x": true}, MergeAccumulator("scalar", map[string]any{"x": true}))
	assert.Equal(t, acc, MergeAccumulator(acc, nil))

	var empty map[string]any
	assert.Equal(t, Values{"a": 1}, MergeAccumulator(acc, empty))
}

func TestSnapshotCopiesTopLevel(t *testing.T) {
	nested := map[string]any{"hp": 1}
	src := Values{"unit": nested, "n": 1}
	snap := Snapshot(src).(Values)
	src["n"] = 2
	assert.Equal(t, 1, snap["n"])
	nested["hp"] = 9
	assert.Equal(t, 9, snap["unit"].(map[string]any)["hp"])
	assert.Equal(t, "x", Snapshot("x"))
}

func TestStageValidate(t *testing.T) {
	assert.Error(t, Stage{}.Validate())
	assert.Error(t, Stage{Name: "s"}.Validate())
	assert.NoError(t, Func("s", func(_ context.Context, _ Values, in any) (any, error) { return in, nil }).Validate())
}
