package script

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	lua "github.com/yuin/gopher-lua"
)

// SeedVar is the variable whose value, when present, is mixed into the
// deterministic random seed of every Lua call in a run.
const SeedVar = "rngSeed"

// Options configures Lua stages and handlers.
type Options struct {
	Timeout    time.Duration
	Attributes domain.AttributeService
	Intents    domain.IntentSink
	Logger     *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// NewStage compiles source into a stage body. The chunk sees the globals vars
// and input and its return value becomes the stage output. Writes to vars
// inside Lua are not reflected back; stages communicate through their output.
func NewStage(name, source string, input, output runtime.Contract, opts Options) (runtime.Stage, error) {
	c, err := compile(name, source)
	if err != nil {
		return runtime.Stage{}, err
	}
	return runtime.Stage{
		Name:   name,
		Input:  input,
		Output: output,
		Transform: func(ctx context.Context, vars runtime.Values, in any) (any, error) {
			return invoke(ctx, c, name, opts, vars, in)
		},
	}, nil
}

// NewHandler compiles source into a dynamic stage handler. input is the
// accumulator left by the anchor stage.
func NewHandler(name, source string, opts Options) (runtime.DynamicHandler, error) {
	c, err := compile(name, source)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, vars runtime.Values, in any) (any, error) {
		return invoke(ctx, c, name, opts, vars, in)
	}, nil
}

func invoke(ctx context.Context, c *chunk, owner string, opts Options, vars runtime.Values, in any) (any, error) {
	globals := map[string]any{"vars": vars, "input": in}
	return call(ctx, c, fmt.Sprint(vars[SeedVar]), opts.Timeout, globals, func(L *lua.LState, hostErr *error) {
		bindStageAPI(L, owner, opts, hostErr)
	})
}

// bindStageAPI installs log, attr, modify and emit.
func bindStageAPI(L *lua.LState, owner string, opts Options, hostErr *error) {
	logger := opts.logger()
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logger.Debug("lua log", "chunk", owner, "message", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("attr", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		if opts.Attributes == nil {
			*hostErr = fmt.Errorf("attr(%q): no attribute service configured", path)
			L.RaiseError("%v", *hostErr)
			return 0
		}
		L.Push(lua.LNumber(opts.Attributes.GetValue(path)))
		return 1
	}))

	L.SetGlobal("modify", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		kind := domain.ModifierKind(L.CheckString(2))
		value := float64(L.CheckNumber(3))
		source := L.OptString(4, owner)
		if opts.Attributes == nil {
			*hostErr = fmt.Errorf("modify(%q): no attribute service configured", path)
			L.RaiseError("%v", *hostErr)
			return 0
		}
		id := opts.Attributes.AddModifier(path, kind, value, domain.SourceMeta{Source: source, Stage: owner})
		L.Push(lua.LString(id))
		return 1
	}))

	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		kind := L.CheckString(1)
		target := L.OptString(2, "")
		var payload map[string]any
		if tbl, ok := L.Get(3).(*lua.LTable); ok {
			payload, _ = tableToGo(tbl).(map[string]any)
		}
		if opts.Intents == nil {
			*hostErr = fmt.Errorf("emit(%q): no intent sink configured", kind)
			L.RaiseError("%v", *hostErr)
			return 0
		}
		id := uuid.NewString()
		opts.Intents.Push(domain.Intent{ID: id, Kind: kind, Source: owner, Target: target, Payload: payload})
		L.Push(lua.LString(id))
		return 1
	}))
}
