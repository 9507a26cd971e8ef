package config

import (
	"fmt"
	"strings"

	"github.com/polisai/skirmish/pkg/domain"
)

// DefaultBuffSource tags buffs that do not name a source.
const DefaultBuffSource = "definitions"

// FinalizationError wraps errors found while validating definitions.
type FinalizationError struct {
	Reason error
}

func (e FinalizationError) Error() string {
	return fmt.Sprintf("definitions invalid: %v", e.Reason)
}

func (e FinalizationError) Unwrap() error {
	return e.Reason
}

// Finalize trims names, fills defaults and rejects inconsistent definitions.
func (d *Definitions) Finalize() error {
	if d == nil {
		return nil
	}
	invalid := func(format string, args ...any) error {
		return FinalizationError{Reason: fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidDefinition}, args...)...)}
	}

	for name, stages := range d.Pipelines {
		if strings.TrimSpace(name) == "" {
			return invalid("pipeline with empty name")
		}
		for i, stage := range stages {
			if strings.TrimSpace(stage) == "" {
				return invalid("pipeline %s: stage %d has empty name", name, i)
			}
		}
	}

	seen := make(map[string]struct{}, len(d.Stages))
	for i := range d.Stages {
		spec := &d.Stages[i]
		spec.Name = strings.TrimSpace(spec.Name)
		spec.Kind = strings.ToLower(strings.TrimSpace(spec.Kind))
		if spec.Name == "" {
			return invalid("stage %d has empty name", i)
		}
		if _, dup := seen[spec.Name]; dup {
			return invalid("stage %s declared twice", spec.Name)
		}
		seen[spec.Name] = struct{}{}
		switch spec.Kind {
		case StageKindLua, StageKindRego:
		default:
			return invalid("stage %s: unknown kind %q", spec.Name, spec.Kind)
		}
		if strings.TrimSpace(spec.Source) == "" {
			return invalid("stage %s: source is required", spec.Name)
		}
	}

	ids := make(map[string]struct{}, len(d.Buffs))
	for i := range d.Buffs {
		buff := &d.Buffs[i]
		buff.ID = strings.TrimSpace(buff.ID)
		buff.Source = strings.TrimSpace(buff.Source)
		if buff.Source == "" {
			buff.Source = DefaultBuffSource
		}
		if buff.Pipeline == "" || buff.Anchor == "" {
			return invalid("buff %d: pipeline and anchor are required", i)
		}
		if buff.Lua == "" && len(buff.Merge) == 0 {
			return invalid("buff %d: lua or merge is required", i)
		}
		if buff.ID == "" {
			continue
		}
		if _, dup := ids[buff.ID]; dup {
			return invalid("buff %s declared twice", buff.ID)
		}
		ids[buff.ID] = struct{}{}
	}
	return nil
}
