package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/polisai/skirmish/pkg/archetype"
	"github.com/polisai/skirmish/pkg/attribute"
	"github.com/polisai/skirmish/pkg/config"
	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine"
	"github.com/polisai/skirmish/pkg/engine/runtime"
	"github.com/polisai/skirmish/pkg/frame"
	"github.com/polisai/skirmish/pkg/logging"
	"github.com/polisai/skirmish/pkg/metrics"
	"github.com/polisai/skirmish/pkg/script"
	"github.com/polisai/skirmish/pkg/telemetry"
	prom "github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// defaultAttributes seeds the sheet for the two entities the default vars name.
var defaultAttributes = map[string]float64{
	"hero.hp":  100,
	"hero.mp":  40,
	"hero.atk": 20,
	"hero.def": 10,
	"boss.hp":  500,
	"boss.mp":  0,
	"boss.atk": 35,
	"boss.def": 100,
}

// defaultVars names the caster and target the player stages read attributes for.
var defaultVars = map[string]any{"caster": "hero", "target": "boss"}

// app is one fully wired player: its manager plus the collaborators its stages use.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	recorder  *metrics.PrometheusRecorder
	sheet     *attribute.Sheet
	intents   *frame.IntentBuffer
	queue     *frame.EventQueue
	manager   *engine.Manager
	applier   *config.Applier
	buildOpts config.BuildOptions
	snapshot  *config.Snapshot
	shutdown  func(context.Context) error
}

func newApp(ctx context.Context, opts *rootOptions, logOutput io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.definitions != "" {
		cfg.Definitions.File = opts.definitions
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.pretty {
		cfg.Logging.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: logOutput,
	})

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	base, err := baseAttributes(opts.attrs)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewPrometheusRecorder(prom.NewRegistry()),
		sheet:    attribute.NewSheet(base),
		intents:  frame.NewIntentBuffer(),
		queue:    frame.NewEventQueue(),
		shutdown: shutdown,
	}
	a.buildOpts = config.BuildOptions{
		Script: script.Options{
			Timeout:    cfg.Script.Timeout,
			Attributes: a.sheet,
			Intents:    a.intents,
			Logger:     logger,
		},
		PolicyCacheSize: cfg.Policy.CacheSize,
	}

	var authored []runtime.Stage
	if path := cfg.Definitions.File; path != "" {
		defs, err := config.LoadDefinitions(path)
		if err != nil {
			return nil, err
		}
		authored, err = config.BuildStages(ctx, defs.Stages, a.buildOpts)
		if err != nil {
			return nil, err
		}
		a.snapshot = &config.Snapshot{Generation: 1, LoadedAt: time.Now(), Path: path, Definitions: defs}
	}

	a.manager, err = archetype.NewPlayer(ctx, archetype.Deps{
		Attributes:      a.sheet,
		Intents:         a.intents,
		PolicyCacheSize: cfg.Policy.CacheSize,
		Logger:          logger,
	}, engine.Config{
		Logger:    logger,
		Recorder:  a.recorder,
		Scheduler: a.queue,
	}, authored...)
	if err != nil {
		return nil, err
	}

	a.applier = config.NewApplier(a.manager, a.buildOpts, a.recorder, logger)
	if err := a.applier.Apply(a.snapshot); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.shutdown == nil {
		return
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

// newLoop builds a frame loop over the app's queue and intent buffer. Damage
// intents are committed to the sheet; every resolved intent is passed to sink.
func (a *app) newLoop(vars map[string]any, snapshots <-chan *config.Snapshot, sink func([]domain.Intent)) (*frame.Loop, error) {
	cfg := frame.LoopConfig{
		Runner:  a.manager,
		Queue:   a.queue,
		Intents: a.intents,
		Resolver: frame.ResolverFunc(func(_ context.Context, frameNo int64, intents []domain.Intent) error {
			applyDamage(a.sheet, frameNo, intents)
			if sink != nil {
				sink(intents)
			}
			return nil
		}),
		Vars: func(frameNo int64) map[string]any {
			out := mergeVars(vars)
			out["frame"] = frameNo
			return out
		},
		Recorder: a.recorder,
		Logger:   a.logger,
	}
	if snapshots != nil {
		cfg.Snapshots = snapshots
		cfg.Applier = a.applier
	}
	return frame.NewLoop(cfg)
}

// applyDamage commits damage intents as negative hp modifiers on their target.
func applyDamage(sheet *attribute.Sheet, frameNo int64, intents []domain.Intent) {
	for _, intent := range intents {
		if intent.Kind != archetype.IntentKindDamage || intent.Target == "" {
			continue
		}
		amount, ok := intent.Payload["amount"].(float64)
		if !ok || amount <= 0 {
			continue
		}
		sheet.AddModifier(intent.Target+".hp", domain.ModifierAdd, -amount, domain.SourceMeta{
			Source: intent.Source,
			Stage:  intent.Kind,
			Extra:  map[string]any{"frame": frameNo, "intent": intent.ID},
		})
	}
}

func baseAttributes(overrides map[string]string) (map[string]float64, error) {
	base := maps.Clone(defaultAttributes)
	for path, raw := range overrides {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", path, err)
		}
		base[path] = value
	}
	return base, nil
}

// mergeVars layers user vars over the default caster and target.
func mergeVars(user map[string]any) map[string]any {
	out := maps.Clone(defaultVars)
	maps.Copy(out, user)
	return out
}

// parseObject decodes a JSON object flag. An empty flag yields nil.
func parseObject(flag, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return out, nil
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
