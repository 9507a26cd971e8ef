package contract

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNumberNormalisesToFloat(t *testing.T) {
	got, err := Number().Validate(7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)

	_, err = Number().Validate("7")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expected number, got string", verr.Message)
}

func TestIntegerRejectsFractions(t *testing.T) {
	got, err := Integer().Validate(3.0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	_, err = Integer().Validate(3.5)
	require.Error(t, err)
}

func TestIntegerKeepsLargeValuesExact(t *testing.T) {
	got, err := Integer().Validate(int64(1<<53 + 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<53+1), got)

	got, err = Integer().Validate(json.Number("9007199254740993"))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), got)

	got, err = Integer().Validate(uint64(math.MaxInt64))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got)

	got, err = Integer().Validate(json.Number("1e3"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got)
}

func TestIntegerRejectsOutOfRange(t *testing.T) {
	for name, value := range map[string]any{
		"huge float":   1e300,
		"two pow 63":   float64(1 << 63),
		"max uint64":   uint64(math.MaxUint64),
		"nan":          math.NaN(),
		"json too big": json.Number("1e19"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Integer().Validate(value)
			require.ErrorIs(t, err, domain.ErrContractViolation)
		})
	}

	got, err := Integer().Validate(float64(math.MinInt64))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), got)
}

func TestObjectRequiredAndOptionalFields(t *testing.T) {
	c := Object(
		Required("hpCost", Number()),
		OptionalField("note", String()),
	)

	got, err := c.Validate(map[string]any{"hpCost": 10, "extra": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hpCost": 10.0, "extra": true}, got)

	_, err = c.Validate(map[string]any{"note": "x"})
	require.EqualError(t, err, "hpCost: required field missing")

	_, err = c.Validate([]any{1})
	require.EqualError(t, err, "expected object, got list")
}

func TestObjectStrictRejectsUnknownKeys(t *testing.T) {
	c := Object(Required("a", Number())).Strict()
	_, err := c.Validate(map[string]any{"a": 1, "b": 2})
	require.EqualError(t, err, "b: unexpected field")
}

func TestObjectDoesNotAliasInput(t *testing.T) {
	in := map[string]any{"a": 1.0}
	out, err := Object().Validate(in)
	require.NoError(t, err)
	out.(map[string]any)["a"] = 2.0
	assert.Equal(t, 1.0, in["a"])
}

func TestNestedPaths(t *testing.T) {
	c := Object(Required("targets", ListOf(Object(Required("hp", Number())))))
	_, err := c.Validate(map[string]any{
		"targets": []any{
			map[string]any{"hp": 1},
			map[string]any{"hp": "full"},
		},
	})
	require.EqualError(t, err, "targets[1].hp: expected number, got string")
}

func TestEnumAndOptional(t *testing.T) {
	c := Optional(Enum("fire", "ice"))
	got, err := c.Validate(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = c.Validate("poison")
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	cases := map[string]struct {
		value any
		ok    bool
	}{
		"number":       {value: 1, ok: true},
		"string?":      {value: nil, ok: true},
		"integer":      {value: 1.5, ok: false},
		"bool":         {value: true, ok: true},
		"object":       {value: map[string]any{}, ok: true},
		"list":         {value: []any{1, "a"}, ok: true},
		"list<number>": {value: []any{1, "a"}, ok: false},
		"enum(hp|mp)":  {value: "mp", ok: true},
		"any":          {value: struct{}{}, ok: true},
	}
	for spec, tc := range cases {
		t.Run(spec, func(t *testing.T) {
			c, err := Parse(spec)
			require.NoError(t, err)
			_, err = c.Validate(tc.value)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	_, err := Parse("vector3")
	require.True(t, errors.Is(err, domain.ErrInvalidDefinition))
}

func TestParseFields(t *testing.T) {
	c, err := ParseFields(map[string]string{"mp": "number", "tag": "string?"}, false)
	require.NoError(t, err)
	got, err := c.Validate(map[string]any{"mp": 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mp": 5.0}, got)

	none, err := ParseFields(nil, false)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseFields(map[string]string{"x": "nope"}, false)
	require.ErrorIs(t, err, domain.ErrInvalidDefinition)
}

func TestNumberAcceptsEveryInteger(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int64Range(-1<<52, 1<<52).Draw(t, "n")
		got, err := Number().Validate(n)
		if err != nil {
			t.Fatalf("validate %d: %v", n, err)
		}
		if got.(float64) != float64(n) {
			t.Fatalf("expected %v, got %v", float64(n), got)
		}
		back, err := Integer().Validate(got)
		if err != nil || back.(int64) != n {
			t.Fatalf("integer round trip of %d gave %v, %v", n, back, err)
		}
	})
}
