package engine

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
)

// DynamicStage describes a runtime-inserted step anchored after a base stage.
type DynamicStage struct {
	Pipeline string
	Anchor   string
	// ID identifies the entry across all pipelines. A random id is generated when empty.
	ID     string
	Source string
	// Priority orders entries at the same anchor, lowest first.
	Priority int
	Handler  runtime.DynamicHandler
	// MergeParams are merged after the anchor when there is no handler, and
	// overlaid on the handler's object output when there is one.
	MergeParams map[string]any
}

type dynamicEntry struct {
	DynamicStage
	sequence uint64
}

func (e *dynamicEntry) info() domain.DynamicStageInfo {
	return domain.DynamicStageInfo{
		ID:          e.ID,
		Source:      e.Source,
		Pipeline:    e.Pipeline,
		Anchor:      e.Anchor,
		Priority:    e.Priority,
		Sequence:    e.sequence,
		HasHandler:  e.Handler != nil,
		MergeParams: maps.Clone(e.MergeParams),
	}
}

type anchorKey struct {
	pipeline string
	anchor   string
}

// DynamicIndex keeps dynamic entries grouped by (pipeline, anchor), each group
// ordered by priority ascending with insertion sequence as the tie-breaker.
type DynamicIndex struct {
	byAnchor map[anchorKey][]*dynamicEntry
	byID     map[string]*dynamicEntry
	nextSeq  uint64
}

// NewDynamicIndex creates an empty index.
func NewDynamicIndex() *DynamicIndex {
	return &DynamicIndex{
		byAnchor: make(map[anchorKey][]*dynamicEntry),
		byID:     make(map[string]*dynamicEntry),
	}
}

// Insert adds stage, replacing any entry with the same id. It returns the id and
// insertion sequence of the stored entry and whether an entry was replaced.
func (d *DynamicIndex) Insert(stage DynamicStage) (string, uint64, bool, error) {
	if stage.Pipeline == "" || stage.Anchor == "" {
		return "", 0, false, fmt.Errorf("%w: dynamic stage needs a pipeline and an anchor", domain.ErrInvalidDefinition)
	}
	if stage.Handler == nil && len(stage.MergeParams) == 0 {
		return "", 0, false, fmt.Errorf("%w: dynamic stage %q has neither handler nor merge params", domain.ErrInvalidDefinition, stage.ID)
	}
	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	stage.MergeParams = maps.Clone(stage.MergeParams)

	replaced := d.RemoveByID(stage.ID)

	d.nextSeq++
	entry := &dynamicEntry{DynamicStage: stage, sequence: d.nextSeq}
	key := anchorKey{pipeline: stage.Pipeline, anchor: stage.Anchor}
	group := append(d.byAnchor[key], entry)
	slices.SortStableFunc(group, compareEntries)
	d.byAnchor[key] = group
	d.byID[stage.ID] = entry

	return stage.ID, entry.sequence, replaced, nil
}

func compareEntries(a, b *dynamicEntry) int {
	return cmp.Or(
		cmp.Compare(a.Priority, b.Priority),
		cmp.Compare(a.sequence, b.sequence),
	)
}

// RemoveByID deletes the entry with id and reports whether it existed.
func (d *DynamicIndex) RemoveByID(id string) bool {
	entry, ok := d.byID[id]
	if !ok {
		return false
	}
	d.remove(entry)
	return true
}

// removeIfCurrent deletes id only while it still refers to the insertion with sequence.
func (d *DynamicIndex) removeIfCurrent(id string, sequence uint64) bool {
	entry, ok := d.byID[id]
	if !ok || entry.sequence != sequence {
		return false
	}
	d.remove(entry)
	return true
}

func (d *DynamicIndex) remove(entry *dynamicEntry) {
	delete(d.byID, entry.ID)
	key := anchorKey{pipeline: entry.Pipeline, anchor: entry.Anchor}
	group := slices.DeleteFunc(d.byAnchor[key], func(e *dynamicEntry) bool { return e == entry })
	if len(group) == 0 {
		delete(d.byAnchor, key)
		return
	}
	d.byAnchor[key] = group
}

// RemoveBySource deletes every entry inserted by source, across all pipelines
// and anchors, and returns how many were removed.
func (d *DynamicIndex) RemoveBySource(source string) int {
	var doomed []*dynamicEntry
	for _, entry := range d.byID {
		if entry.Source == source {
			doomed = append(doomed, entry)
		}
	}
	for _, entry := range doomed {
		d.remove(entry)
	}
	return len(doomed)
}

// List returns the entries matching filter, sorted by pipeline, anchor, then policy order.
func (d *DynamicIndex) List(filter domain.StageFilter) []domain.DynamicStageInfo {
	out := make([]domain.DynamicStageInfo, 0, len(d.byID))
	for _, entry := range d.byID {
		info := entry.info()
		if filter.Matches(info) {
			out = append(out, info)
		}
	}
	slices.SortFunc(out, func(a, b domain.DynamicStageInfo) int {
		return cmp.Or(
			cmp.Compare(a.Pipeline, b.Pipeline),
			cmp.Compare(a.Anchor, b.Anchor),
			cmp.Compare(a.Priority, b.Priority),
			cmp.Compare(a.Sequence, b.Sequence),
		)
	})
	return out
}

// Len reports the number of entries.
func (d *DynamicIndex) Len() int {
	return len(d.byID)
}

// anchored returns a copy of the ordered entries attached to anchor in pipeline.
func (d *DynamicIndex) anchored(pipeline, anchor string) []dynamicEntry {
	group := d.byAnchor[anchorKey{pipeline: pipeline, anchor: anchor}]
	if len(group) == 0 {
		return nil
	}
	out := make([]dynamicEntry, len(group))
	for i, entry := range group {
		out[i] = *entry
	}
	return out
}

// orphans returns the anchors of pipeline that do not occur in base.
func (d *DynamicIndex) orphans(pipeline string, base []string) []string {
	var missing []string
	for key := range d.byAnchor {
		if key.pipeline == pipeline && !slices.Contains(base, key.anchor) {
			missing = append(missing, key.anchor)
		}
	}
	slices.Sort(missing)
	return missing
}
