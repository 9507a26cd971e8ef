package script

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/skirmish/pkg/engine"
	lua "github.com/yuin/gopher-lua"
)

// Caller is the part of the pipeline manager a skill script can drive.
// *engine.Manager satisfies it.
type Caller interface {
	Run(ctx context.Context, pipeline string, vars, params map[string]any) (*engine.RunResult, error)
	RunStage(ctx context.Context, stage string, vars map[string]any, input any) (any, error)
	SchedulePipeline(ctx context.Context, pipeline string, delayFrames int64, params map[string]any) (string, error)
}

// Host compiles and executes skill scripts against a Caller.
type Host struct {
	caller  Caller
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	chunks map[string]*chunk
}

// NewHost returns a Host bound to caller. A zero timeout uses DefaultTimeout.
func NewHost(caller Caller, timeout time.Duration, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{caller: caller, timeout: timeout, logger: logger, chunks: make(map[string]*chunk)}
}

// Compile parses source and keeps it under name for later Exec calls.
func (h *Host) Compile(name, source string) error {
	c, err := compile(name, source)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.chunks[name] = c
	h.mu.Unlock()
	return nil
}

// Exec runs the script registered as name with vars bound as a global and
// returns whatever the script returns.
//
// Inside the script:
//
//	run(pipeline, vars, params)  -> {vars = ..., outputs = ..., trace = {...}}
//	run_stage(stage, vars, input) -> output
//	schedule(pipeline, frames, params) -> event id
//	log(message)
func (h *Host) Exec(ctx context.Context, name string, vars map[string]any) (any, error) {
	h.mu.Lock()
	c, ok := h.chunks[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("script %q not compiled", name)
	}
	return h.exec(ctx, c, vars)
}

// ExecSource compiles and runs source in one step.
func (h *Host) ExecSource(ctx context.Context, name, source string, vars map[string]any) (any, error) {
	c, err := compile(name, source)
	if err != nil {
		return nil, err
	}
	return h.exec(ctx, c, vars)
}

func (h *Host) exec(ctx context.Context, c *chunk, vars map[string]any) (any, error) {
	globals := map[string]any{"vars": vars}
	return call(ctx, c, fmt.Sprint(vars[SeedVar]), h.timeout, globals, func(L *lua.LState, hostErr *error) {
		h.bind(ctx, L, c.name, hostErr)
	})
}

func (h *Host) bind(ctx context.Context, L *lua.LState, name string, hostErr *error) {
	fail := func(L *lua.LState, err error) int {
		*hostErr = err
		L.RaiseError("%v", err)
		return 0
	}

	L.SetGlobal("run", L.NewFunction(func(L *lua.LState) int {
		pipeline := L.CheckString(1)
		res, err := h.caller.Run(ctx, pipeline, optTable(L, 2), optTable(L, 3))
		if err != nil {
			return fail(L, err)
		}
		trace := make([]any, 0, len(res.Trace))
		for _, entry := range res.Trace {
			step := map[string]any{"stage": entry.Stage}
			if entry.DynamicID != "" {
				step["dynamic_id"] = entry.DynamicID
				step["source"] = entry.Source
			}
			trace = append(trace, step)
		}
		L.Push(toLValue(L, map[string]any{
			"vars":    map[string]any(res.Variables),
			"outputs": res.StageOutputs,
			"trace":   trace,
		}))
		return 1
	}))

	L.SetGlobal("run_stage", L.NewFunction(func(L *lua.LState) int {
		stage := L.CheckString(1)
		out, err := h.caller.RunStage(ctx, stage, optTable(L, 2), fromLValue(L.Get(3)))
		if err != nil {
			return fail(L, err)
		}
		L.Push(toLValue(L, out))
		return 1
	}))

	L.SetGlobal("schedule", L.NewFunction(func(L *lua.LState) int {
		pipeline := L.CheckString(1)
		frames := L.CheckInt64(2)
		id, err := h.caller.SchedulePipeline(ctx, pipeline, frames, optTable(L, 3))
		if err != nil {
			return fail(L, err)
		}
		L.Push(lua.LString(id))
		return 1
	}))

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		h.logger.Info("skill script", "script", name, "message", L.CheckString(1))
		return 0
	}))
}

// optTable reads argument n as an object. Missing or non-table arguments are nil.
func optTable(L *lua.LState, n int) map[string]any {
	tbl, ok := L.Get(n).(*lua.LTable)
	if !ok {
		return nil
	}
	obj, _ := tableToGo(tbl).(map[string]any)
	return obj
}
