package policy

import (
	"context"

	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/polisai/skirmish/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// StageOptions configures a Rego-backed stage.
type StageOptions struct {
	// Entrypoint overrides the engine's default decision path.
	Entrypoint string
	Input      runtime.Contract
	Output     runtime.Contract
	// Enforce turns a deny into a DeniedError that aborts the run. Otherwise the
	// decision is returned as output and later stages decide what to do.
	Enforce bool
	// Context, when set, adds a "context" document to the decision input.
	Context func(vars runtime.Values) map[string]any
}

// NewStage builds a stage that evaluates a decision with input bound to
// {"input": <accumulator>, "vars": <execution context>, "context": ...}. The output is the
// decision's extra fields plus "allowed" and "reasons".
func NewStage(name string, engine *Engine, opts StageOptions) runtime.Stage {
	entry := opts.Entrypoint
	if entry == "" {
		entry = engine.Entrypoint()
	}
	return runtime.Stage{
		Name:   name,
		Input:  opts.Input,
		Output: opts.Output,
		Transform: func(ctx context.Context, vars runtime.Values, in any) (any, error) {
			payload := map[string]any{
				"input": plain(in),
				"vars":  map[string]any(vars),
			}
			if opts.Context != nil {
				payload["context"] = opts.Context(vars)
			}
			dec, cached, err := engine.Evaluate(ctx, entry, payload)
			if err != nil {
				return nil, err
			}
			telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), entry, dec.Allowed, dec.Reasons, cached)
			if opts.Enforce && !dec.Allowed {
				return nil, &DeniedError{Stage: name, Reasons: dec.Reasons}
			}

			out := dec.Outputs
			out["allowed"] = dec.Allowed
			reasons := make([]any, len(dec.Reasons))
			for i, r := range dec.Reasons {
				reasons[i] = r
			}
			out["reasons"] = reasons
			return out, nil
		},
	}
}

func plain(value any) any {
	if obj, ok := runtime.AsValues(value); ok {
		return map[string]any(obj)
	}
	return value
}
