package frame

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/skirmish/pkg/config"
	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine"
	"github.com/polisai/skirmish/pkg/metrics"
)

// Runner executes pipelines. *engine.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, pipeline string, vars, params map[string]any) (*engine.RunResult, error)
}

// Resolver commits a frame's intents.
type Resolver interface {
	Resolve(ctx context.Context, frame int64, intents []domain.Intent) error
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, frame int64, intents []domain.Intent) error

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, frame int64, intents []domain.Intent) error {
	return f(ctx, frame, intents)
}

// SnapshotApplier installs a definitions snapshot. *config.Applier satisfies it.
type SnapshotApplier interface {
	Apply(snapshot *config.Snapshot) error
}

// EventHandler handles scheduled events of a type other than pipeline.run.
type EventHandler func(ctx context.Context, event domain.ScheduledEvent) error

// LoopConfig wires a Loop.
type LoopConfig struct {
	Runner   Runner
	Queue    *EventQueue
	Intents  *IntentBuffer
	Resolver Resolver
	// Vars supplies the execution context for scheduled runs. Optional.
	Vars func(frame int64) map[string]any
	// Snapshots and Applier enable hot reload between frames. Optional.
	Snapshots <-chan *config.Snapshot
	Applier   SnapshotApplier
	Handlers  map[string]EventHandler
	Recorder  metrics.Recorder
	Logger    *slog.Logger
}

// Report summarises one frame.
type Report struct {
	Frame    int64 `json:"frame"`
	Events   int   `json:"events"`
	Failed   int   `json:"failed"`
	Intents  int   `json:"intents"`
	Reloaded bool  `json:"reloaded"`
}

// Loop advances frames. It is the only goroutine that touches the Manager.
type Loop struct {
	cfg LoopConfig
}

// NewLoop validates cfg and fills defaults.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("frame loop requires a runner")
	}
	if cfg.Queue == nil {
		cfg.Queue = NewEventQueue()
	}
	if cfg.Intents == nil {
		cfg.Intents = NewIntentBuffer()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NoopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Snapshots != nil && cfg.Applier == nil {
		return nil, fmt.Errorf("frame loop has snapshots but no applier")
	}
	return &Loop{cfg: cfg}, nil
}

// Queue returns the loop's event queue.
func (l *Loop) Queue() *EventQueue { return l.cfg.Queue }

// Intents returns the loop's intent buffer.
func (l *Loop) Intents() *IntentBuffer { return l.cfg.Intents }

// Step applies the newest pending snapshot, advances one frame, fires due
// events and hands the frame's intents to the resolver. A failing scheduled
// run is logged and counted; a resolver error is returned.
func (l *Loop) Step(ctx context.Context) (Report, error) {
	report := Report{Reloaded: l.applyPending()}
	report.Frame = l.cfg.Queue.Advance()

	for _, event := range l.cfg.Queue.PopDue() {
		report.Events++
		if err := l.fire(ctx, report.Frame, event); err != nil {
			report.Failed++
			l.cfg.Logger.Warn("scheduled event failed",
				"frame", report.Frame,
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
		}
	}

	intents := l.cfg.Intents.Drain()
	report.Intents = len(intents)
	l.cfg.Recorder.ObserveFrameIntents(len(intents))
	if l.cfg.Resolver != nil && len(intents) > 0 {
		if err := l.cfg.Resolver.Resolve(ctx, report.Frame, intents); err != nil {
			return report, fmt.Errorf("frame %d: resolve intents: %w", report.Frame, err)
		}
	}
	return report, nil
}

// Run steps frames times, waiting tick between frames when tick is positive.
// It stops early when ctx is cancelled.
func (l *Loop) Run(ctx context.Context, frames int, tick time.Duration, onFrame func(Report)) error {
	var ticker *time.Ticker
	if tick > 0 {
		ticker = time.NewTicker(tick)
		defer ticker.Stop()
	}
	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := l.Step(ctx)
		if onFrame != nil {
			onFrame(report)
		}
		if err != nil {
			return err
		}
		if ticker != nil && i < frames-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

func (l *Loop) applyPending() bool {
	if l.cfg.Snapshots == nil {
		return false
	}
	var latest *config.Snapshot
drain:
	for {
		select {
		case snap, ok := <-l.cfg.Snapshots:
			if !ok {
				l.cfg.Snapshots = nil
				break drain
			}
			latest = snap
		default:
			break drain
		}
	}
	if latest == nil {
		return false
	}
	if err := l.cfg.Applier.Apply(latest); err != nil {
		l.cfg.Logger.Error("definitions apply failed", "generation", latest.Generation, "error", err)
		return false
	}
	return true
}

func (l *Loop) fire(ctx context.Context, frame int64, event domain.ScheduledEvent) error {
	if event.Type != domain.EventPipelineRun {
		handler, ok := l.cfg.Handlers[event.Type]
		if !ok {
			return fmt.Errorf("no handler for event type %q", event.Type)
		}
		return handler(ctx, event)
	}

	pipeline, _ := event.Payload["pipeline"].(string)
	if pipeline == "" {
		return fmt.Errorf("%w: event %s has no pipeline", domain.ErrInvalidDefinition, event.ID)
	}
	params, _ := event.Payload["params"].(map[string]any)

	var vars map[string]any
	if l.cfg.Vars != nil {
		vars = l.cfg.Vars(frame)
	}
	_, err := l.cfg.Runner.Run(ctx, pipeline, vars, params)
	return err
}
