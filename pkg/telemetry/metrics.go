package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/skirmish/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	stageExecutionCounter   metric.Int64Counter
	stageViolationCounter   metric.Int64Counter
	dynamicExecutionCounter metric.Int64Counter
	stageLatencyHistogram   metric.Float64Histogram
)

// StageMetrics captures the fields needed to record one executed pipeline step.
type StageMetrics struct {
	Pipeline string
	Stage    string
	// DynamicID is set when the step was a dynamic stage anchored at Stage.
	DynamicID string
	Outcome   runtime.StageOutcome
	Duration  time.Duration
}

// RecordStageMetrics emits counters and histograms that describe stage execution behaviour.
func RecordStageMetrics(ctx context.Context, metrics StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.name", metrics.Pipeline),
		attribute.String("stage.name", metrics.Stage),
		attribute.Bool("stage.dynamic", metrics.DynamicID != ""),
		attribute.String("stage.outcome", string(metrics.Outcome)),
	}

	stageExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stageLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.DynamicID != "" {
		dynamicExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == runtime.OutcomeContractViolation {
		stageViolationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("skirmish.pipeline")

		stageExecutionCounter, metricsInitErr = meter.Int64Counter(
			"skirmish.stage.executions_total",
			metric.WithDescription("Pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageViolationCounter, metricsInitErr = meter.Int64Counter(
			"skirmish.stage.contract_violations_total",
			metric.WithDescription("Input or output contract violations raised by stages"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		dynamicExecutionCounter, metricsInitErr = meter.Int64Counter(
			"skirmish.stage.dynamic_executions_total",
			metric.WithDescription("Dynamic stage handler invocations"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"skirmish.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordChainEvent attaches a coarse-grained chain cache event to the provided span.
func RecordChainEvent(span trace.Span, cacheHit bool, length int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.Bool("chain.cache_hit", cacheHit),
		attribute.Int("chain.length", length),
	)

	if !cacheHit {
		span.AddEvent("chain.compiled", trace.WithAttributes(attribute.Int("chain.length", length)))
	}
}
