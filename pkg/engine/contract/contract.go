// Package contract provides the typed validators used as stage input and output
// contracts. Validators normalise as they check: every numeric kind becomes
// float64 under Number, integral values become int64 under Integer, and object
// contracts return a fresh map so callers never alias the validated input.
package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
)

// ValidationError describes the first value that failed a contract.
type ValidationError struct {
	// Path locates the value, e.g. "cost.mp" or "targets[2]". Empty for the root.
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Is matches domain.ErrContractViolation.
func (e *ValidationError) Is(target error) bool {
	return target == domain.ErrContractViolation
}

func failf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// prefix re-roots a nested validation error under segment.
func prefix(err error, segment string) error {
	verr, ok := err.(*ValidationError)
	if !ok {
		return &ValidationError{Path: segment, Message: err.Error()}
	}
	path := segment
	if verr.Path != "" {
		if strings.HasPrefix(verr.Path, "[") {
			path += verr.Path
		} else {
			path += "." + verr.Path
		}
	}
	return &ValidationError{Path: path, Message: verr.Message}
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case map[string]any, runtime.Values:
		return "object"
	case []any:
		return "list"
	}
	if _, ok := toFloat(value); ok {
		return "number"
	}
	return fmt.Sprintf("%T", value)
}

type kindContract struct {
	name     string
	validate func(any) (any, error)
}

func (k kindContract) Validate(value any) (any, error) { return k.validate(value) }
func (k kindContract) String() string                 { return k.name }

// Number accepts any finite numeric kind and normalises it to float64.
func Number() runtime.Contract {
	return kindContract{name: "number", validate: func(value any) (any, error) {
		f, ok := toFloat(value)
		if !ok {
			return nil, failf("expected number, got %s", describe(value))
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, failf("expected finite number, got %v", f)
		}
		return f, nil
	}}
}

// Integer accepts integral numbers and normalises them to int64.
func Integer() runtime.Contract {
	return kindContract{name: "integer", validate: func(value any) (any, error) {
		i, ok, err := toInt64(value)
		if !ok {
			return nil, failf("expected integer, got %s", describe(value))
		}
		if err != nil {
			return nil, err
		}
		return i, nil
	}}
}

// String accepts strings.
func String() runtime.Contract {
	return kindContract{name: "string", validate: func(value any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, failf("expected string, got %s", describe(value))
		}
		return s, nil
	}}
}

// Bool accepts booleans.
func Bool() runtime.Contract {
	return kindContract{name: "bool", validate: func(value any) (any, error) {
		b, ok := value.(bool)
		if !ok {
			return nil, failf("expected bool, got %s", describe(value))
		}
		return b, nil
	}}
}

// Any accepts every value, including nil.
func Any() runtime.Contract {
	return kindContract{name: "any", validate: func(value any) (any, error) { return value, nil }}
}

// Enum accepts one of the listed strings.
func Enum(values ...string) runtime.Contract {
	allowed := slices.Clone(values)
	return kindContract{name: "enum(" + strings.Join(allowed, "|") + ")", validate: func(value any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, failf("expected one of %v, got %s", allowed, describe(value))
		}
		if !slices.Contains(allowed, s) {
			return nil, failf("expected one of %v, got %q", allowed, s)
		}
		return s, nil
	}}
}

// ListOf accepts a list whose every element satisfies elem. The result is a new slice.
func ListOf(elem runtime.Contract) runtime.Contract {
	return kindContract{name: "list", validate: func(value any) (any, error) {
		items, ok := value.([]any)
		if !ok {
			return nil, failf("expected list, got %s", describe(value))
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := elem.Validate(item)
			if err != nil {
				return nil, prefix(err, "["+strconv.Itoa(i)+"]")
			}
			out[i] = v
		}
		return out, nil
	}}
}

// Optional accepts nil or a value satisfying inner.
func Optional(inner runtime.Contract) runtime.Contract {
	return optionalContract{inner: inner}
}

type optionalContract struct{ inner runtime.Contract }

func (o optionalContract) Validate(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	return o.inner.Validate(value)
}

// toInt64 converts integral values without a float64 round trip. ok is false
// for non-numeric values; err reports numbers int64 cannot hold exactly.
func toInt64(value any) (int64, bool, error) {
	switch n := value.(type) {
	case int:
		return int64(n), true, nil
	case int8:
		return int64(n), true, nil
	case int16:
		return int64(n), true, nil
	case int32:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), true, nil
	case uint16:
		return int64(n), true, nil
	case uint32:
		return int64(n), true, nil
	case uint64:
		return uintToInt64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false, nil
		}
		return floatToInt64(f)
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	default:
		return 0, false, nil
	}
}

func uintToInt64(n uint64) (int64, bool, error) {
	if n > math.MaxInt64 {
		return 0, true, failf("integer %d out of int64 range", n)
	}
	return int64(n), true, nil
}

func floatToInt64(f float64) (int64, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, true, failf("expected integer, got %v", f)
	}
	// 2^63 is the first float64 above math.MaxInt64.
	if f < math.MinInt64 || f >= 1<<63 {
		return 0, true, failf("integer %v out of int64 range", f)
	}
	return int64(f), true, nil
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
