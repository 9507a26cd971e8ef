// Package runtime defines the core contracts shared by the pipeline engine and stage
// implementations, keeping combat logic decoupled from execution mechanics.
package runtime

import (
	"context"
	"errors"
	"maps"
)

// Values is an open, object-shaped bag of fields. The execution context and every
// object-shaped stage output are Values.
type Values map[string]any

// Clone returns a shallow copy. Nested maps and slices are shared.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	maps.Copy(out, v)
	return out
}

// Merge copies every field of src into v, overwriting existing keys. It never removes fields.
func (v Values) Merge(src map[string]any) {
	maps.Copy(v, src)
}

// AsValues reports whether value is object-shaped and returns it as Values without copying.
// A nil map is an empty object.
func AsValues(value any) (Values, bool) {
	switch typed := value.(type) {
	case Values:
		return typed, true
	case map[string]any:
		return Values(typed), true
	default:
		return nil, false
	}
}

// MergeAccumulator returns the accumulator that follows acc once out has been produced.
// Object outputs are shallow-merged over a copy of an object accumulator; any other
// combination replaces the accumulator outright. A nil output leaves acc unchanged.
func MergeAccumulator(acc any, out any) any {
	if out == nil {
		return acc
	}
	outValues, ok := AsValues(out)
	if !ok {
		return out
	}
	accValues, ok := AsValues(acc)
	if !ok {
		return outValues.Clone()
	}
	next := accValues.Clone()
	next.Merge(outValues)
	return next
}

// Snapshot copies the top level of object-shaped values so later merges cannot alter it.
func Snapshot(value any) any {
	if values, ok := AsValues(value); ok {
		return values.Clone()
	}
	return value
}

// Contract validates a value flowing into or out of a stage and returns the value the
// stage should see. Implementations may normalise (e.g. int to float64).
type Contract interface {
	Validate(value any) (any, error)
}

// ContractFunc adapts a plain function to Contract.
type ContractFunc func(value any) (any, error)

// Validate calls f.
func (f ContractFunc) Validate(value any) (any, error) {
	return f(value)
}

// TransformFunc is a stage body. vars is the run's working context and may be written
// directly; the returned value is validated, merged into vars and threaded to the next stage.
type TransformFunc func(ctx context.Context, vars Values, input any) (any, error)

// DynamicHandler is invoked after its anchor stage with the current accumulator.
// Object-shaped returns are merged like stage output; anything else is ignored.
type DynamicHandler func(ctx context.Context, vars Values, input any) (any, error)

// Stage is an immutable, named, contract-validated computation step.
type Stage struct {
	Name      string
	Input     Contract
	Output    Contract
	Transform TransformFunc
}

// Validate checks that the stage can be registered.
func (s Stage) Validate() error {
	if s.Name == "" {
		return errors.New("stage name is required")
	}
	if s.Transform == nil {
		return errors.New("stage " + s.Name + ": transform is required")
	}
	return nil
}

// StageOutcome classifies how a stage step ended.
type StageOutcome string

const (
	// OutcomeSuccess indicates the stage ran and its output was merged.
	OutcomeSuccess StageOutcome = "success"
	// OutcomeContractViolation indicates an input or output contract rejected a value.
	OutcomeContractViolation StageOutcome = "contract_violation"
	// OutcomeFailure indicates the transform or dynamic handler returned an error.
	OutcomeFailure StageOutcome = "failure"
)

// Func builds a contract-less stage from a transform.
func Func(name string, transform TransformFunc) Stage {
	return Stage{Name: name, Transform: transform}
}
