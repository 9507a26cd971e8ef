package script

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/polisai/skirmish/pkg/engine/runtime"
	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth bounds nesting when converting Go values to Lua, so a
// self-referencing map or slice cannot recurse forever.
const maxConvertDepth = 64

// toLValue converts a Go value to Lua. Numbers become LNumber, maps with string
// keys become hash tables and slices become 1-based arrays. Values with no Lua
// form, and anything nested deeper than maxConvertDepth, become nil.
func toLValue(L *lua.LState, v any) lua.LValue {
	return convertValue(L, v, 0)
}

func convertValue(L *lua.LState, v any, depth int) lua.LValue {
	if depth > maxConvertDepth {
		dropped(v, "nesting too deep")
		return lua.LNil
	}
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(float64(x))
	case int8:
		return lua.LNumber(float64(x))
	case int16:
		return lua.LNumber(float64(x))
	case int32:
		return lua.LNumber(float64(x))
	case int64:
		return lua.LNumber(float64(x))
	case uint:
		return lua.LNumber(float64(x))
	case uint8:
		return lua.LNumber(float64(x))
	case uint16:
		return lua.LNumber(float64(x))
	case uint32:
		return lua.LNumber(float64(x))
	case uint64:
		return lua.LNumber(float64(x))
	case float32:
		return lua.LNumber(float64(x))
	case float64:
		return lua.LNumber(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return lua.LString(x.String())
		}
		return lua.LNumber(f)
	case runtime.Values:
		return mapToTable(L, x, depth)
	case map[string]any:
		return mapToTable(L, x, depth)
	case map[string]string:
		tbl := L.CreateTable(0, len(x))
		for k, item := range x {
			tbl.RawSetString(k, lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for i, item := range x {
			tbl.RawSetInt(i+1, convertValue(L, item, depth+1))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(x), 0)
		for i, item := range x {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case []float64:
		tbl := L.CreateTable(len(x), 0)
		for i, item := range x {
			tbl.RawSetInt(i+1, lua.LNumber(item))
		}
		return tbl
	case []map[string]any:
		tbl := L.CreateTable(len(x), 0)
		for i, item := range x {
			tbl.RawSetInt(i+1, mapToTable(L, item, depth+1))
		}
		return tbl
	default:
		return reflectToLValue(L, v, depth)
	}
}

func mapToTable(L *lua.LState, m map[string]any, depth int) *lua.LTable {
	tbl := L.CreateTable(0, len(m))
	for k, item := range m {
		tbl.RawSetString(k, convertValue(L, item, depth+1))
	}
	return tbl
}

// reflectToLValue handles named scalar types and slices, arrays, pointers and
// string-keyed maps of any element type.
func reflectToLValue(L *lua.LState, v any, depth int) lua.LValue {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return lua.LString(rv.String())
	case reflect.Bool:
		return lua.LBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return lua.LNil
		}
		return convertValue(L, rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return lua.LNil
		}
		tbl := L.CreateTable(rv.Len(), 0)
		for i := range rv.Len() {
			tbl.RawSetInt(i+1, convertValue(L, rv.Index(i).Interface(), depth+1))
		}
		return tbl
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			dropped(v, "map key is not a string")
			return lua.LNil
		}
		tbl := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			tbl.RawSetString(iter.Key().String(), convertValue(L, iter.Value().Interface(), depth+1))
		}
		return tbl
	default:
		dropped(v, "no lua representation")
		return lua.LNil
	}
}

func dropped(v any, reason string) {
	slog.Default().Debug("lua conversion dropped value", "type", fmt.Sprintf("%T", v), "reason", reason)
}

// fromLValue converts a Lua value to Go. Numbers become float64. A table whose
// keys are exactly 1..n becomes []any; any other non-empty table becomes a map,
// and an empty table is an empty map.
func fromLValue(v lua.LValue) any {
	switch v.Type() {
	case lua.LTNil:
		return nil
	case lua.LTBool:
		return lua.LVAsBool(v)
	case lua.LTNumber:
		return float64(v.(lua.LNumber))
	case lua.LTString:
		return v.String()
	case lua.LTTable:
		return tableToGo(v.(*lua.LTable))
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable) any {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if count == 0 {
		return map[string]any{}
	}
	if n == count {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, fromLValue(t.RawGetInt(i)))
		}
		return arr
	}
	obj := make(map[string]any, count)
	t.ForEach(func(k, val lua.LValue) {
		obj[k.String()] = fromLValue(val)
	})
	return obj
}
