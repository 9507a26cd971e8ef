package engine

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/polisai/skirmish/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "skirmish.pipeline"

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	// Variables is the working context: a shallow copy of the caller's vars with
	// params and every object-shaped output merged in.
	Variables runtime.Values
	// StageOutputs maps each base stage name to the accumulator recorded after it
	// and its dynamic entries ran.
	StageOutputs map[string]any
	// Trace lists executed steps in order.
	Trace []domain.TraceEntry
}

// executor runs compiled steps. It holds no per-run state.
type executor struct {
	logger *slog.Logger
}

func (e *executor) execute(ctx context.Context, pipeline string, steps []chainStep, vars, params map[string]any) (*RunResult, error) {
	working := runtime.Values(vars).Clone()
	working.Merge(params)

	var acc any = runtime.Values{}
	if params != nil {
		acc = runtime.Values(params).Clone()
	}

	result := &RunResult{
		Variables:    working,
		StageOutputs: make(map[string]any, len(steps)),
		Trace:        make([]domain.TraceEntry, 0, len(steps)),
	}

	for _, step := range steps {
		next, err := e.runStep(ctx, pipeline, step.stage, working, acc)
		if err != nil {
			return nil, err
		}
		acc = next
		result.StageOutputs[step.stage.Name] = runtime.Snapshot(acc)
		result.Trace = append(result.Trace, domain.TraceEntry{Stage: step.stage.Name})

		for i := range step.dynamic {
			entry := &step.dynamic[i]
			next, merged, err := e.runDynamic(ctx, pipeline, entry, working, acc)
			if err != nil {
				return nil, err
			}
			result.Trace = append(result.Trace, domain.TraceEntry{
				Stage:     entry.Anchor,
				DynamicID: entry.ID,
				Source:    entry.Source,
			})
			if merged {
				acc = next
				result.StageOutputs[entry.Anchor] = runtime.Snapshot(acc)
			}
		}
	}

	return result, nil
}

func (e *executor) runStep(ctx context.Context, pipeline string, stage runtime.Stage, working runtime.Values, acc any) (any, error) {
	out, err := e.invoke(ctx, pipeline, stage, working, acc)
	if err != nil {
		return nil, err
	}
	return mergeOutput(working, acc, out), nil
}

// runStage executes one stage outside any pipeline and returns its validated output.
func (e *executor) runStage(ctx context.Context, stage runtime.Stage, vars runtime.Values, input any) (any, error) {
	return e.invoke(ctx, "", stage, vars, input)
}

func (e *executor) invoke(ctx context.Context, pipeline string, stage runtime.Stage, vars runtime.Values, input any) (any, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.name", pipeline),
			attribute.String("stage.name", stage.Name),
			attribute.Bool("stage.dynamic", false),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := invokeStage(ctx, pipeline, stage, vars, input)
	e.finishStep(ctx, span, telemetry.StageMetrics{
		Pipeline: pipeline,
		Stage:    stage.Name,
		Outcome:  classifyError(err),
		Duration: time.Since(start),
	}, err)
	return out, err
}

func (e *executor) runDynamic(ctx context.Context, pipeline string, entry *dynamicEntry, working runtime.Values, acc any) (any, bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.name", pipeline),
			attribute.String("stage.name", entry.Anchor),
			attribute.Bool("stage.dynamic", true),
			attribute.String("dynamic.id", entry.ID),
			attribute.String("dynamic.source", entry.Source),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := invokeDynamic(ctx, pipeline, entry, working, acc)
	e.finishStep(ctx, span, telemetry.StageMetrics{
		Pipeline:  pipeline,
		Stage:     entry.Anchor,
		DynamicID: entry.ID,
		Outcome:   classifyError(err),
		Duration:  time.Since(start),
	}, err)
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return acc, false, nil
	}

	return mergeOutput(working, acc, out), true, nil
}

func (e *executor) finishStep(ctx context.Context, span trace.Span, metrics telemetry.StageMetrics, err error) {
	span.SetAttributes(attribute.String("stage.outcome", string(metrics.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("stage failed",
			"pipeline", metrics.Pipeline,
			"stage", metrics.Stage,
			"dynamic_id", metrics.DynamicID,
			"error", err,
		)
	}
	telemetry.RecordStageMetrics(ctx, metrics)
}

// invokeStage validates input, calls the transform and validates its output.
// The returned value is the validated output.
func invokeStage(ctx context.Context, pipeline string, stage runtime.Stage, vars runtime.Values, input any) (any, error) {
	if stage.Input != nil {
		validated, err := stage.Input.Validate(input)
		if err != nil {
			return nil, &domain.ContractError{Pipeline: pipeline, Stage: stage.Name, Phase: domain.PhaseInput, Err: err}
		}
		input = validated
	}

	out, err := stage.Transform(ctx, vars, input)
	if err != nil {
		return nil, &domain.StageError{Pipeline: pipeline, Stage: stage.Name, Err: err}
	}

	if stage.Output != nil {
		validated, err := stage.Output.Validate(out)
		if err != nil {
			return nil, &domain.ContractError{Pipeline: pipeline, Stage: stage.Name, Phase: domain.PhaseOutput, Err: err}
		}
		out = validated
	}

	return out, nil
}

// invokeDynamic returns the object to merge for entry, or nil when there is nothing to merge.
func invokeDynamic(ctx context.Context, pipeline string, entry *dynamicEntry, vars runtime.Values, acc any) (any, error) {
	if entry.Handler == nil {
		return maps.Clone(entry.MergeParams), nil
	}

	out, err := entry.Handler(ctx, vars, acc)
	if err != nil {
		return nil, &domain.HandlerError{Pipeline: pipeline, Anchor: entry.Anchor, ID: entry.ID, Err: err}
	}

	obj, ok := runtime.AsValues(out)
	if !ok {
		if len(entry.MergeParams) == 0 {
			return nil, nil
		}
		return maps.Clone(entry.MergeParams), nil
	}
	if len(entry.MergeParams) == 0 {
		return obj, nil
	}
	overlaid := obj.Clone()
	overlaid.Merge(entry.MergeParams)
	return overlaid, nil
}

// mergeOutput merges object-shaped output into the working context and returns the next accumulator.
func mergeOutput(working runtime.Values, acc any, out any) any {
	if obj, ok := runtime.AsValues(out); ok {
		working.Merge(obj)
	}
	return runtime.MergeAccumulator(acc, out)
}

func classifyError(err error) runtime.StageOutcome {
	switch err.(type) {
	case nil:
		return runtime.OutcomeSuccess
	case *domain.ContractError:
		return runtime.OutcomeContractViolation
	default:
		return runtime.OutcomeFailure
	}
}
