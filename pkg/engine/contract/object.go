package contract

import (
	"slices"

	"github.com/polisai/skirmish/pkg/engine/runtime"
)

// Field declares one named member of an object contract.
type Field struct {
	Name     string
	Contract runtime.Contract
	// Optional fields may be absent or nil.
	Optional bool
}

// Required declares a field that must be present and non-nil.
func Required(name string, c runtime.Contract) Field {
	return Field{Name: name, Contract: c}
}

// OptionalField declares a field that may be absent.
func OptionalField(name string, c runtime.Contract) Field {
	return Field{Name: name, Contract: c, Optional: true}
}

// ObjectContract validates object-shaped values field by field.
// Keys without a declared field pass through unchanged unless the contract is strict.
type ObjectContract struct {
	fields []Field
	strict bool
}

// Object builds an object contract from fields in declaration order.
func Object(fields ...Field) *ObjectContract {
	return &ObjectContract{fields: slices.Clone(fields)}
}

// Strict returns a copy of o that rejects undeclared keys.
func (o *ObjectContract) Strict() *ObjectContract {
	return &ObjectContract{fields: o.fields, strict: true}
}

// Fields returns the declared fields.
func (o *ObjectContract) Fields() []Field {
	return slices.Clone(o.fields)
}

// Validate implements runtime.Contract. The result is always a new map.
func (o *ObjectContract) Validate(value any) (any, error) {
	obj, ok := runtime.AsValues(value)
	if !ok {
		return nil, failf("expected object, got %s", describe(value))
	}

	out := make(map[string]any, len(obj))
	declared := make(map[string]struct{}, len(o.fields))
	for _, field := range o.fields {
		declared[field.Name] = struct{}{}
		raw, present := obj[field.Name]
		if !present || raw == nil {
			if field.Optional {
				if present {
					out[field.Name] = nil
				}
				continue
			}
			return nil, &ValidationError{Path: field.Name, Message: "required field missing"}
		}
		if field.Contract == nil {
			out[field.Name] = raw
			continue
		}
		normalised, err := field.Contract.Validate(raw)
		if err != nil {
			return nil, prefix(err, field.Name)
		}
		out[field.Name] = normalised
	}

	keys := make([]string, 0, len(obj))
	for key := range obj {
		if _, ok := declared[key]; !ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		if o.strict {
			return nil, &ValidationError{Path: key, Message: "unexpected field"}
		}
		out[key] = obj[key]
	}
	return out, nil
}

// AnyObject accepts any object-shaped value and copies its top level.
func AnyObject() *ObjectContract {
	return Object()
}
