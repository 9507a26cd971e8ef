package script

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/polisai/skirmish/pkg/domain"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// DefaultTimeout bounds one Lua call when Options.Timeout is zero.
const DefaultTimeout = 250 * time.Millisecond

// ErrTimeout is returned when a script exceeds its deadline.
var ErrTimeout = errors.New("lua script timed out")

// chunk is a compiled Lua source ready to be instantiated in a fresh state.
type chunk struct {
	name  string
	proto *lua.FunctionProto
}

// compile parses source once. A source without a return statement that parses
// as a single expression is treated as one, so "input.mp * 2" is a valid body.
func compile(name, source string) (*chunk, error) {
	if !strings.Contains(source, "return") {
		if c, err := compileRaw(name, "return ("+source+")"); err == nil {
			return c, nil
		}
	}
	return compileRaw(name, source)
}

func compileRaw(name, source string) (*chunk, error) {
	stmts, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("%w: lua %s: %v", domain.ErrInvalidDefinition, name, err)
	}
	proto, err := lua.Compile(stmts, name)
	if err != nil {
		return nil, fmt.Errorf("%w: lua %s: %v", domain.ErrInvalidDefinition, name, err)
	}
	return &chunk{name: name, proto: proto}, nil
}

func newSandboxState(name, seedKey string) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		RegistrySize:     256,
		RegistryMaxSize:  4096,
		RegistryGrowStep: 32,
	})
	openLib := func(libName string, f lua.LGFunction) {
		L.Push(L.NewFunction(f))
		L.Push(lua.LString(libName))
		L.Call(1, 0)
	}
	openLib(lua.BaseLibName, lua.OpenBase)
	openLib(lua.StringLibName, lua.OpenString)
	openLib(lua.TabLibName, lua.OpenTable)
	openLib(lua.MathLibName, lua.OpenMath)

	// base opens these; the sandbox has no filesystem access.
	for _, unsafe := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(unsafe, lua.LNil)
	}

	installDeterministicRandom(L, deterministicSeed(name, seedKey))
	return L
}

func deterministicSeed(name, key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func installDeterministicRandom(L *lua.LState, seed int64) {
	mathTbl, ok := L.GetGlobal("math").(*lua.LTable)
	if !ok || mathTbl == nil {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	mathTbl.RawSetString("random", L.NewFunction(func(L *lua.LState) int {
		switch L.GetTop() {
		case 0:
			L.Push(lua.LNumber(rng.Float64()))
			return 1
		case 1:
			upper := L.CheckInt(1)
			if upper < 1 {
				L.ArgError(1, "interval is empty")
				return 0
			}
			L.Push(lua.LNumber(rng.Intn(upper) + 1))
			return 1
		default:
			lower := L.CheckInt(1)
			upper := L.CheckInt(2)
			if upper < lower {
				L.ArgError(2, "interval is empty")
				return 0
			}
			L.Push(lua.LNumber(rng.Intn(upper-lower+1) + lower))
			return 1
		}
	}))
	mathTbl.RawSetString("randomseed", L.NewFunction(func(*lua.LState) int { return 0 }))
}

// call instantiates c in a fresh sandbox, sets globals, lets bind register host
// functions, and returns the chunk's first return value converted to Go.
// hostErr reports the Go error behind a failing host function, if any, so it
// survives the trip through Lua's error handling.
func call(ctx context.Context, c *chunk, seedKey string, timeout time.Duration, globals map[string]any, bind func(L *lua.LState, hostErr *error)) (any, error) {
	L := newSandboxState(c.name, seedKey)
	defer L.Close()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	L.SetContext(ctx)

	for name, value := range globals {
		L.SetGlobal(name, toLValue(L, value))
	}

	var hostErr error
	if bind != nil {
		bind(L, &hostErr)
	}

	L.Push(L.NewFunctionFromProto(c.proto))
	if err := L.PCall(0, 1, nil); err != nil {
		if hostErr != nil {
			return nil, fmt.Errorf("lua %s: %w", c.name, hostErr)
		}
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("lua %s: %w", c.name, ErrTimeout)
		}
		return nil, fmt.Errorf("lua %s: %w", c.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return fromLValue(ret), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadline") || strings.Contains(msg, "context canceled")
}
