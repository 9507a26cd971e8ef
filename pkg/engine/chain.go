package engine

import (
	"context"
	"strings"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine/runtime"
)

// Chain is a compiled, reusable execution closure for one resolved stage sequence.
// Dynamic entries are captured at compile time; the manager drops every cached
// chain whenever the dynamic index changes, so a cached chain is never stale.
type Chain struct {
	pipeline string
	base     []string
	length   int
	run      func(ctx context.Context, vars, params map[string]any) (*RunResult, error)
}

type chainStep struct {
	stage   runtime.Stage
	dynamic []dynamicEntry
}

// Pipeline returns the pipeline name the chain was compiled for.
func (c *Chain) Pipeline() string { return c.pipeline }

// Len reports the number of executed steps, dynamic entries included.
func (c *Chain) Len() int { return c.length }

// Run executes the chain against vars and params.
func (c *Chain) Run(ctx context.Context, vars, params map[string]any) (*RunResult, error) {
	return c.run(ctx, vars, params)
}

// chainKey builds the cache key of a resolved base sequence.
func chainKey(pipeline string, base []string) string {
	return pipeline + "::" + strings.Join(base, "|")
}

// compile resolves every stage of base and captures the dynamic entries anchored
// to each. It never executes anything.
func (m *Manager) compile(pipeline string, base []string) (*Chain, error) {
	steps := make([]chainStep, 0, len(base))
	length := 0
	for _, name := range base {
		stage, ok := m.stages.Get(name)
		if !ok {
			return nil, &domain.ResolutionError{Pipeline: pipeline, Stage: name}
		}
		step := chainStep{stage: stage, dynamic: m.dynamic.anchored(pipeline, name)}
		length += 1 + len(step.dynamic)
		steps = append(steps, step)
	}

	for _, anchor := range m.dynamic.orphans(pipeline, base) {
		m.logger.Warn("dynamic stages anchored outside resolved sequence will not run",
			"pipeline", pipeline,
			"anchor", anchor,
		)
	}

	exec := m.exec
	return &Chain{
		pipeline: pipeline,
		base:     base,
		length:   length,
		run: func(ctx context.Context, vars, params map[string]any) (*RunResult, error) {
			return exec.execute(ctx, pipeline, steps, vars, params)
		},
	}, nil
}

// chainFor returns the cached chain for pipeline, compiling it on a miss.
func (m *Manager) chainFor(pipeline string) (*Chain, bool, error) {
	base, _, err := m.resolver.Resolve(pipeline)
	if err != nil {
		return nil, false, err
	}

	key := chainKey(pipeline, base)
	if chain, ok := m.cache[key]; ok {
		m.recorder.IncChainCache(true)
		return chain, true, nil
	}
	m.recorder.IncChainCache(false)

	chain, err := m.compile(pipeline, base)
	if err != nil {
		return nil, false, err
	}
	m.cache[key] = chain
	return chain, false, nil
}
