package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicyDecision annotates the provided span with a policy gate outcome.
func RecordPolicyDecision(span trace.Span, query string, allowed bool, reasons []string, cached bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.query", query),
		attribute.Bool("policy.allowed", allowed),
		attribute.Bool("policy.cache_hit", cached),
	)

	if len(reasons) > 0 {
		span.SetAttributes(attribute.StringSlice("policy.reasons", reasons))
	}

	if !allowed {
		span.AddEvent("policy.denied")
	}
}
