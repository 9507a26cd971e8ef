package engine

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"pgregory.net/rapid"
)

func TestResolutionPrecedenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(Config{Logger: silentLogger()})
		hasSkill := rapid.Bool().Draw(t, "skill")
		hasMember := rapid.Bool().Draw(t, "member")
		hasGlobal := rapid.Bool().Draw(t, "global")

		if hasGlobal {
			m.RegisterPipelines(map[string][]string{"p": {"g"}})
		}
		if hasMember {
			if err := m.SetScopeOverride(domain.ScopeMember, OverrideSet{"p": {"m"}}); err != nil {
				t.Fatal(err)
			}
		}
		if hasSkill {
			if err := m.SetScopeOverride(domain.ScopeSkill, OverrideSet{"p": {"s"}}); err != nil {
				t.Fatal(err)
			}
		}

		base, scope, err := m.Resolve("p")
		switch {
		case hasSkill:
			if err != nil || scope != domain.ScopeSkill || !slices.Equal(base, []string{"s"}) {
				t.Fatalf("expected skill scope, got %v %v %v", base, scope, err)
			}
		case hasMember:
			if err != nil || scope != domain.ScopeMember || !slices.Equal(base, []string{"m"}) {
				t.Fatalf("expected member scope, got %v %v %v", base, scope, err)
			}
		case hasGlobal:
			if err != nil || scope != domain.ScopeGlobal || !slices.Equal(base, []string{"g"}) {
				t.Fatalf("expected global scope, got %v %v %v", base, scope, err)
			}
		default:
			if err == nil {
				t.Fatalf("expected pipeline not found, got %v", base)
			}
		}
	})
}

// dynamicOp is one mutation of the dynamic index drawn by the state machine test.
type dynamicOp struct {
	kind     string
	id       string
	source   string
	priority int
}

func TestDynamicIndexMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(Config{Stages: MustStageRegistry(constStage("s", nil)), Logger: silentLogger()})
		m.RegisterPipelines(map[string][]string{"p": {"s"}})

		type modelEntry struct {
			source   string
			priority int
			seq      int
		}
		model := map[string]modelEntry{}
		seq := 0

		ids := rapid.SampledFrom([]string{"a", "b", "c", "d"})
		sources := rapid.SampledFrom([]string{"buffX", "buffY"})
		ops := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) dynamicOp {
			return dynamicOp{
				kind:     rapid.SampledFrom([]string{"insert", "insert", "removeID", "removeSource"}).Draw(t, "kind"),
				id:       ids.Draw(t, "id"),
				source:   sources.Draw(t, "source"),
				priority: rapid.IntRange(-2, 2).Draw(t, "priority"),
			}
		}), 1, 30).Draw(t, "ops")

		for _, op := range ops {
			switch op.kind {
			case "insert":
				_, err := m.InsertDynamicStage(DynamicStage{
					Pipeline: "p", Anchor: "s", ID: op.id, Source: op.source, Priority: op.priority,
					MergeParams: map[string]any{op.id: op.priority},
				})
				if err != nil {
					t.Fatal(err)
				}
				seq++
				model[op.id] = modelEntry{source: op.source, priority: op.priority, seq: seq}
			case "removeID":
				_, had := model[op.id]
				if got := m.RemoveStageByID(op.id); got != had {
					t.Fatalf("RemoveStageByID(%s) = %v, model says %v", op.id, got, had)
				}
				delete(model, op.id)
			case "removeSource":
				want := 0
				for id, entry := range model {
					if entry.source == op.source {
						delete(model, id)
						want++
					}
				}
				if got := m.RemoveStagesBySource(op.source); got != want {
					t.Fatalf("RemoveStagesBySource(%s) = %d, want %d", op.source, got, want)
				}
			}
		}

		wantIDs := make([]string, 0, len(model))
		for id := range model {
			wantIDs = append(wantIDs, id)
		}
		slices.SortFunc(wantIDs, func(a, b string) int {
			if model[a].priority != model[b].priority {
				return model[a].priority - model[b].priority
			}
			return model[a].seq - model[b].seq
		})

		infos := m.ListDynamicStageInfo(domain.StageFilter{})
		gotIDs := make([]string, len(infos))
		for i, info := range infos {
			gotIDs[i] = info.ID
		}
		if !slices.Equal(gotIDs, wantIDs) {
			t.Fatalf("listed %v, model %v", gotIDs, wantIDs)
		}

		result, err := m.Run(context.Background(), "p", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Trace) != 1+len(wantIDs) {
			t.Fatalf("trace %v does not match %d dynamic entries", result.Trace, len(wantIDs))
		}
		for i, id := range wantIDs {
			if got := result.Trace[i+1].DynamicID; got != id {
				t.Fatalf("step %d ran %s, want %s", i+1, got, id)
			}
		}
	})
}

func TestCallerVarsNeverMutatedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "stages")
		stages := make([]runtime.Stage, n)
		names := make([]string, n)
		for i := range n {
			name := fmt.Sprintf("s%d", i)
			key := rapid.SampledFrom([]string{"hp", "mp", "dmg"}).Draw(t, "key")
			stages[i] = constStage(name, map[string]any{key: i})
			names[i] = name
		}
		m := NewManager(Config{Stages: MustStageRegistry(stages...), Logger: silentLogger()})
		m.RegisterPipelines(map[string][]string{"p": names})

		vars := map[string]any{"hp": -1}
		if _, err := m.Run(context.Background(), "p", vars, map[string]any{"mp": -1}); err != nil {
			t.Fatal(err)
		}
		if len(vars) != 1 || vars["hp"] != -1 {
			t.Fatalf("caller vars mutated: %v", vars)
		}
	})
}
