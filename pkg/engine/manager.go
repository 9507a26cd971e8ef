package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/polisai/skirmish/pkg/metrics"
	"github.com/polisai/skirmish/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds dependencies for creating a Manager.
type Config struct {
	// Stages is the entity archetype's stage pool. Nil means an empty pool.
	Stages *StageRegistry
	Logger *slog.Logger
	// Recorder receives Prometheus-style counters. Defaults to metrics.NoopRecorder.
	Recorder metrics.Recorder
	// Scheduler is the frame-keyed event queue used by SchedulePipeline. Optional.
	Scheduler domain.Scheduler
}

// Manager is the pipeline manager of a single entity. It owns the definition
// store, override tables, dynamic index and chain cache, and exposes them only
// through its methods.
//
// A Manager is not safe for concurrent use. Stages may call back into the same
// Manager (skill scripts do), so it takes no locks; drive it from one goroutine.
type Manager struct {
	stages    *StageRegistry
	store     *DefinitionStore
	resolver  *OverrideResolver
	dynamic   *DynamicIndex
	cache     map[string]*Chain
	exec      *executor
	scheduler domain.Scheduler
	recorder  metrics.Recorder
	logger    *slog.Logger
}

// NewManager creates a manager with no pipelines registered.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	stages := cfg.Stages
	if stages == nil {
		stages = &StageRegistry{stages: map[string]runtime.Stage{}}
	}

	store := NewDefinitionStore()
	return &Manager{
		stages:    stages,
		store:     store,
		resolver:  NewOverrideResolver(store),
		dynamic:   NewDynamicIndex(),
		cache:     make(map[string]*Chain),
		exec:      &executor{logger: logger},
		scheduler: cfg.Scheduler,
		recorder:  recorder,
		logger:    logger,
	}
}

// Run resolves pipeline and executes it against a shallow copy of vars merged with params.
// vars is never mutated. Errors abort the remaining stages; fields merged before the
// failure are discarded with the working copy.
func (m *Manager) Run(ctx context.Context, pipeline string, vars, params map[string]any) (*RunResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("pipeline.name", pipeline)),
	)
	defer span.End()

	start := time.Now()
	result, err := m.run(ctx, span, pipeline, vars, params)
	m.recorder.ObserveRunDuration(pipeline, time.Since(start))
	m.recorder.IncRunOutcome(pipeline, runOutcome(err))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Debug("pipeline run failed", "pipeline", pipeline, "error", err)
		return nil, err
	}
	return result, nil
}

func (m *Manager) run(ctx context.Context, span trace.Span, pipeline string, vars, params map[string]any) (*RunResult, error) {
	chain, hit, err := m.chainFor(pipeline)
	if err != nil {
		return nil, err
	}
	telemetry.RecordChainEvent(span, hit, chain.Len())
	return chain.Run(ctx, vars, params)
}

func runOutcome(err error) metrics.RunOutcome {
	switch {
	case err == nil:
		return metrics.RunSuccess
	case errors.Is(err, domain.ErrPipelineNotFound), errors.Is(err, domain.ErrStageNotFound):
		return metrics.RunNotFound
	case errors.Is(err, domain.ErrContractViolation):
		return metrics.RunContractViolation
	default:
		return metrics.RunFailed
	}
}

// RunStage executes a single registered stage with its contracts and returns the
// validated output. The transform sees vars directly, so writes it makes are
// visible to the caller; nothing else is merged.
func (m *Manager) RunStage(ctx context.Context, stage string, vars map[string]any, input any) (any, error) {
	def, ok := m.stages.Get(stage)
	if !ok {
		return nil, &domain.ResolutionError{Stage: stage}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return m.exec.runStage(ctx, def, runtime.Values(vars), input)
}

// SchedulePipeline asks the scheduler to run pipeline delayFrames from now and
// returns the event id. The pipeline is not resolved until the event fires.
func (m *Manager) SchedulePipeline(_ context.Context, pipeline string, delayFrames int64, params map[string]any) (string, error) {
	if m.scheduler == nil {
		return "", domain.ErrSchedulerMissing
	}
	if delayFrames < 0 {
		return "", fmt.Errorf("%w: negative frame delay %d", domain.ErrInvalidDefinition, delayFrames)
	}

	event := domain.ScheduledEvent{
		ID:           uuid.NewString(),
		Type:         domain.EventPipelineRun,
		ExecuteFrame: m.scheduler.CurrentFrame() + delayFrames,
		Payload: map[string]any{
			"pipeline": pipeline,
			"params":   maps.Clone(params),
		},
	}
	if err := m.scheduler.Insert(event); err != nil {
		return "", fmt.Errorf("schedule %s: %w", pipeline, err)
	}

	m.logger.Debug("pipeline scheduled",
		"pipeline", pipeline,
		"event_id", event.ID,
		"execute_frame", event.ExecuteFrame,
	)
	return event.ID, nil
}

// RegisterPipelines adds global definitions, shadowing existing names, and returns
// an idempotent disposer that removes this call's definitions and restores
// whatever they shadowed.
func (m *Manager) RegisterPipelines(defs map[string][]string) func() {
	if len(defs) == 0 {
		return func() {}
	}
	dispose := m.store.Register(defs)
	m.invalidate(metrics.CauseDefinitions)

	return func() {
		if dispose() {
			m.invalidate(metrics.CauseDefinitions)
		}
	}
}

// SetScopeOverride replaces the override table of scope (skill or member).
func (m *Manager) SetScopeOverride(scope domain.Scope, overrides OverrideSet) error {
	if err := m.resolver.Set(scope, overrides); err != nil {
		return err
	}
	m.invalidate(metrics.CauseOverrides)
	return nil
}

// ClearScopeOverride drops the override table of scope.
func (m *Manager) ClearScopeOverride(scope domain.Scope) error {
	had, err := m.resolver.Clear(scope)
	if err != nil {
		return err
	}
	if had {
		m.invalidate(metrics.CauseOverrides)
	}
	return nil
}

// InsertDynamicStage adds or replaces a dynamic entry and returns an idempotent
// disposer. The disposer only removes this insertion: once the id has been
// re-inserted it does nothing.
func (m *Manager) InsertDynamicStage(stage DynamicStage) (func(), error) {
	id, sequence, replaced, err := m.dynamic.Insert(stage)
	if err != nil {
		return nil, err
	}
	m.invalidate(metrics.CauseDynamic)

	attrs := []any{
		"pipeline", stage.Pipeline,
		"anchor", stage.Anchor,
		"dynamic_id", id,
		"source", stage.Source,
	}
	if replaced {
		m.logger.Debug("dynamic stage replaced", attrs...)
	}
	if base, _, err := m.resolver.Resolve(stage.Pipeline); err != nil || !slices.Contains(base, stage.Anchor) {
		m.logger.Warn("dynamic stage anchor not in resolved sequence", attrs...)
	}

	return func() {
		if m.dynamic.removeIfCurrent(id, sequence) {
			m.invalidate(metrics.CauseDynamic)
		}
	}, nil
}

// RemoveStageByID removes one dynamic entry and reports whether it existed.
func (m *Manager) RemoveStageByID(id string) bool {
	if !m.dynamic.RemoveByID(id) {
		return false
	}
	m.invalidate(metrics.CauseDynamic)
	return true
}

// RemoveStagesBySource removes every dynamic entry inserted by source and returns the count.
func (m *Manager) RemoveStagesBySource(source string) int {
	removed := m.dynamic.RemoveBySource(source)
	if removed > 0 {
		m.invalidate(metrics.CauseDynamic)
		m.logger.Debug("dynamic stages removed", "source", source, "count", removed)
	}
	return removed
}

// ListDynamicStageInfo returns a read-only view of the dynamic entries matching filter.
func (m *Manager) ListDynamicStageInfo(filter domain.StageFilter) []domain.DynamicStageInfo {
	return m.dynamic.List(filter)
}

// Resolve returns the effective base sequence of pipeline and the scope that supplied it.
func (m *Manager) Resolve(pipeline string) ([]string, domain.Scope, error) {
	return m.resolver.Resolve(pipeline)
}

// Pipelines returns every pipeline name resolvable in any scope.
func (m *Manager) Pipelines() []string {
	return m.resolver.Names()
}

// Stages returns the manager's stage registry.
func (m *Manager) Stages() *StageRegistry {
	return m.stages
}

// CacheSize reports the number of compiled chains currently cached.
func (m *Manager) CacheSize() int {
	return len(m.cache)
}

// invalidate clears the whole chain cache. Every mutation of definitions,
// overrides or dynamic entries goes through here.
func (m *Manager) invalidate(cause metrics.InvalidationCause) {
	clear(m.cache)
	m.recorder.IncCacheInvalidation(cause)
	if cause == metrics.CauseDynamic {
		m.recorder.SetDynamicStages(m.dynamic.Len())
	}
}
