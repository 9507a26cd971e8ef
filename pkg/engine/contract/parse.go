package contract

import (
	"fmt"
	"slices"
	"strings"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
)

// Parse builds a contract from a field-spec string as written in definition files:
// number, integer, string, bool, object, list, any, list<elem> or enum(a|b).
// A trailing "?" makes the value optional.
func Parse(spec string) (runtime.Contract, error) {
	spec = strings.TrimSpace(spec)
	if inner, ok := strings.CutSuffix(spec, "?"); ok {
		c, err := Parse(inner)
		if err != nil {
			return nil, err
		}
		return Optional(c), nil
	}

	switch spec {
	case "number":
		return Number(), nil
	case "integer", "int":
		return Integer(), nil
	case "string":
		return String(), nil
	case "bool", "boolean":
		return Bool(), nil
	case "object":
		return AnyObject(), nil
	case "list":
		return ListOf(Any()), nil
	case "any":
		return Any(), nil
	}

	if elem, ok := strings.CutPrefix(spec, "list<"); ok {
		elem, ok = strings.CutSuffix(elem, ">")
		if !ok {
			return nil, fmt.Errorf("%w: unterminated list spec %q", domain.ErrInvalidDefinition, spec)
		}
		c, err := Parse(elem)
		if err != nil {
			return nil, err
		}
		return ListOf(c), nil
	}

	if body, ok := strings.CutPrefix(spec, "enum("); ok {
		body, ok = strings.CutSuffix(body, ")")
		if !ok || body == "" {
			return nil, fmt.Errorf("%w: malformed enum spec %q", domain.ErrInvalidDefinition, spec)
		}
		return Enum(strings.Split(body, "|")...), nil
	}

	return nil, fmt.Errorf("%w: unknown field type %q", domain.ErrInvalidDefinition, spec)
}

// ParseFields builds an object contract from a field name to field-spec map.
// Fields are declared in name order. A nil or empty map yields nil, meaning no contract.
func ParseFields(fields map[string]string, strict bool) (runtime.Contract, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	declared := make([]Field, 0, len(names))
	for _, name := range names {
		spec := strings.TrimSpace(fields[name])
		optional := strings.HasSuffix(spec, "?")
		c, err := Parse(strings.TrimSuffix(spec, "?"))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		declared = append(declared, Field{Name: name, Contract: c, Optional: optional})
	}

	obj := Object(declared...)
	if strict {
		obj = obj.Strict()
	}
	return obj, nil
}
