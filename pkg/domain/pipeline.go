package domain

import (
	"fmt"
	"strings"
)

// Scope is a priority level at which a pipeline's stage list can be replaced wholesale.
type Scope string

const (
	// ScopeSkill overrides apply to the skill currently being resolved and win over everything.
	ScopeSkill Scope = "skill"
	// ScopeMember overrides apply to one roster member (e.g. a boss variant).
	ScopeMember Scope = "member"
	// ScopeGlobal is the definition store itself.
	ScopeGlobal Scope = "global"
)

// ParseScope converts a user supplied scope name.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case ScopeSkill:
		return ScopeSkill, nil
	case ScopeMember:
		return ScopeMember, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, raw)
	}
}

// DynamicStageInfo is the read-only view of one dynamically inserted stage.
type DynamicStageInfo struct {
	ID          string         `json:"id" yaml:"id"`
	Source      string         `json:"source" yaml:"source"`
	Pipeline    string         `json:"pipeline" yaml:"pipeline"`
	Anchor      string         `json:"anchor" yaml:"anchor"`
	Priority    int            `json:"priority" yaml:"priority"`
	Sequence    uint64         `json:"sequence" yaml:"sequence"`
	HasHandler  bool           `json:"hasHandler" yaml:"hasHandler"`
	MergeParams map[string]any `json:"mergeParams,omitempty" yaml:"mergeParams,omitempty"`
}

// StageFilter narrows ListDynamicStageInfo. Empty fields match everything.
type StageFilter struct {
	Pipeline string
	Anchor   string
	Source   string
	ID       string
}

// Matches reports whether info satisfies every non-empty field of the filter.
func (f StageFilter) Matches(info DynamicStageInfo) bool {
	if f.Pipeline != "" && f.Pipeline != info.Pipeline {
		return false
	}
	if f.Anchor != "" && f.Anchor != info.Anchor {
		return false
	}
	if f.Source != "" && f.Source != info.Source {
		return false
	}
	if f.ID != "" && f.ID != info.ID {
		return false
	}
	return true
}

// TraceEntry records one executed step of a pipeline run.
type TraceEntry struct {
	Stage     string `json:"stage"`
	DynamicID string `json:"dynamicId,omitempty"`
	Source    string `json:"source,omitempty"`
}

// EventPipelineRun is the scheduled event type that re-runs a pipeline on a later frame.
const EventPipelineRun = "pipeline.run"

// ScheduledEvent is a timed entry handed to the external frame scheduler.
type ScheduledEvent struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	ExecuteFrame int64          `json:"executeFrame"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Scheduler is the frame-driven event queue collaborator.
type Scheduler interface {
	// CurrentFrame returns the frame currently being processed.
	CurrentFrame() int64
	// Insert queues an event for redelivery on its ExecuteFrame.
	Insert(event ScheduledEvent) error
}

// Intent is a deferred side-effect request committed once per frame by an external resolver.
type Intent struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Source  string         `json:"source,omitempty"`
	Target  string         `json:"target,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// IntentSink accepts intents produced by stages.
type IntentSink interface {
	Push(intent Intent)
}

// ModifierKind selects how an attribute modifier combines with the base value.
type ModifierKind string

const (
	ModifierAdd      ModifierKind = "add"
	ModifierMultiply ModifierKind = "multiply"
	ModifierOverride ModifierKind = "override"
)

// SourceMeta identifies the effect that produced an attribute modifier.
type SourceMeta struct {
	Source string         `json:"source"`
	Stage  string         `json:"stage,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// AttributeService is the attribute/stat collaborator read and written by stage implementations.
type AttributeService interface {
	GetValue(path string) float64
	AddModifier(path string, kind ModifierKind, value float64, meta SourceMeta) string
}
