package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/polisai/skirmish/pkg/domain"
)

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the default decision path, e.g. "skirmish/cast/decision".
	Entrypoint string
	// Modules maps module file names to Rego source.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache. Zero selects the default size;
	// negative disables caching.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates decisions against a fixed set of Rego modules.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache
	logger        *slog.Logger

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const (
	defaultEntrypoint    = "skirmish/decision"
	defaultCacheCapacity = 1024
)

// NewEngine parses every module and prepares the default entrypoint so syntax
// and compile errors surface at load time.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, fmt.Errorf("%w: policy engine requires at least one rego module", domain.ErrInvalidDefinition)
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsed := make(map[string]*ast.Module, len(moduleOrder))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("%w: parse rego module %q: %v", domain.ErrInvalidDefinition, name, err)
		}
		parsed[name] = module
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsed,
		entrypoint:    entry,
		cache:         cache,
		logger:        logger,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}
	if _, err := engine.preparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: compile rego modules: %v", domain.ErrInvalidDefinition, err)
	}
	return engine, nil
}

// Entrypoint returns the default decision path.
func (e *Engine) Entrypoint() string { return e.entrypoint }

// Evaluate runs the decision at entry (or the default entrypoint) against input.
// cached reports whether the decision came from the cache. An undefined
// decision denies.
func (e *Engine) Evaluate(ctx context.Context, entry string, input map[string]any) (dec Decision, cached bool, err error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		entry = e.entrypoint
	}

	key, cacheable := e.cacheKey(entry, input)
	if cacheable {
		if hit, ok := e.cache.Get(key); ok {
			return cloneDecision(hit), true, nil
		}
	}

	prepared, err := e.preparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, false, fmt.Errorf("prepare query %s: %w", entry, err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, false, fmt.Errorf("opa decision %s: %w", entry, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("policy decision undefined", "entrypoint", entry)
		dec = Decision{Reasons: []string{"decision undefined"}, Outputs: map[string]any{}}
	} else {
		payload, ok := results[0].Expressions[0].Value.(map[string]any)
		if !ok {
			return Decision{}, false, fmt.Errorf("opa decision %s: unexpected result type %T", entry, results[0].Expressions[0].Value)
		}
		dec, err = parseDecision(payload)
		if err != nil {
			return Decision{}, false, fmt.Errorf("opa decision %s: %w", entry, err)
		}
	}

	if cacheable {
		e.cache.Add(key, cloneDecision(dec))
	}
	return dec, false, nil
}

// FlushCache clears cached decisions.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// CacheLen returns the number of cached decisions.
func (e *Engine) CacheLen() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Len()
}

func (e *Engine) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey hashes the entrypoint and the canonical JSON of input. Inputs that
// cannot be marshalled are not cached.
func (e *Engine) cacheKey(entry string, input map[string]any) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	writeCacheKeyField(h, entry)
	writeCacheKeyField(h, string(encoded))
	return hex.EncodeToString(h.Sum(nil)), true
}

func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

func parseDecision(payload map[string]any) (Decision, error) {
	dec := Decision{Outputs: map[string]any{}}
	switch allow := payload["allow"].(type) {
	case nil:
	case bool:
		dec.Allowed = allow
	default:
		return Decision{}, fmt.Errorf("allow must be bool, got %T", allow)
	}

	switch reasons := payload["reasons"].(type) {
	case nil:
	case []any:
		for _, raw := range reasons {
			text, ok := raw.(string)
			if !ok {
				return Decision{}, errors.New("reasons must be strings")
			}
			dec.Reasons = append(dec.Reasons, text)
		}
		sort.Strings(dec.Reasons)
	default:
		return Decision{}, fmt.Errorf("reasons must be a list, got %T", reasons)
	}

	for key, value := range payload {
		if key == "allow" || key == "reasons" {
			continue
		}
		dec.Outputs[key] = normalize(value)
	}
	return dec, nil
}

// normalize converts json.Number values produced by OPA into float64.
func normalize(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = normalize(v)
		}
		return out
	default:
		return value
	}
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
