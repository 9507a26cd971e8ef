package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/polisai/skirmish/pkg/config"
	"github.com/polisai/skirmish/pkg/domain"
	"github.com/polisai/skirmish/pkg/engine"
	"github.com/polisai/skirmish/pkg/frame"
	"github.com/polisai/skirmish/pkg/script"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 5 * time.Second

type runOutput struct {
	Pipeline     string              `json:"pipeline" yaml:"pipeline"`
	Variables    map[string]any      `json:"variables" yaml:"variables"`
	StageOutputs map[string]any      `json:"stageOutputs" yaml:"stageOutputs"`
	Trace        []domain.TraceEntry `json:"trace" yaml:"trace"`
	Intents      []domain.Intent     `json:"intents" yaml:"intents"`
	Scheduled    int                 `json:"scheduled" yaml:"scheduled"`
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var varsFlag, paramsFlag string

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run one pipeline and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseObject("vars", varsFlag)
			if err != nil {
				return err
			}
			params, err := parseObject("params", paramsFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			result, err := a.manager.Run(ctx, args[0], mergeVars(vars), params)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), root.format, runOutput{
				Pipeline:     args[0],
				Variables:    result.Variables,
				StageOutputs: result.StageOutputs,
				Trace:        result.Trace,
				Intents:      nonNilIntents(a.intents.Drain()),
				Scheduled:    a.queue.Len(),
			})
		},
	}
	cmd.Flags().StringVar(&varsFlag, "vars", "", "Execution context as a JSON object")
	cmd.Flags().StringVar(&paramsFlag, "params", "", "Pipeline params as a JSON object")
	return cmd
}

type scriptOutput struct {
	Result     any                `json:"result" yaml:"result"`
	Intents    []domain.Intent    `json:"intents" yaml:"intents"`
	Frames     []frame.Report     `json:"frames,omitempty" yaml:"frames,omitempty"`
	Pending    int                `json:"pending" yaml:"pending"`
	Attributes map[string]float64 `json:"attributes" yaml:"attributes"`
}

func newScriptCmd(root *rootOptions) *cobra.Command {
	var varsFlag string
	var frames int

	cmd := &cobra.Command{
		Use:   "script <file.lua>",
		Short: "Execute a Lua skill script against the player pipelines",
		Long: `Execute a Lua skill script. The script sees run(pipeline, vars, params),
run_stage(stage, vars, input), schedule(pipeline, frames, params) and log(msg).
With --frames the frame loop advances afterwards so scheduled runs fire and
damage intents are committed to the attribute sheet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseObject("vars", varsFlag)
			if err != nil {
				return err
			}
			//nolint:gosec // Script path is supplied by the operator
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read script %s: %w", args[0], err)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			host := script.NewHost(a.manager, a.cfg.Script.Timeout, a.logger)
			result, err := host.ExecSource(ctx, filepath.Base(args[0]), string(source), mergeVars(vars))
			if err != nil {
				return err
			}

			out := scriptOutput{Result: result, Intents: []domain.Intent{}}
			collect := func(intents []domain.Intent) { out.Intents = append(out.Intents, intents...) }
			// Intents pushed by the script itself belong to frame 0.
			immediate := a.intents.Drain()
			applyDamage(a.sheet, a.queue.CurrentFrame(), immediate)
			collect(immediate)

			if frames > 0 {
				loop, err := a.newLoop(vars, nil, collect)
				if err != nil {
					return err
				}
				if err := loop.Run(ctx, frames, 0, func(r frame.Report) { out.Frames = append(out.Frames, r) }); err != nil {
					return err
				}
			}
			out.Pending = a.queue.Len()
			out.Attributes = a.sheet.Snapshot()
			return writeOutput(cmd.OutOrStdout(), root.format, out)
		},
	}
	cmd.Flags().StringVar(&varsFlag, "vars", "", "Globals visible to the script as vars")
	cmd.Flags().IntVar(&frames, "frames", 0, "Frames to advance after the script returns")
	return cmd
}

type pipelineInfo struct {
	Name  string       `json:"name" yaml:"name"`
	Scope domain.Scope `json:"scope" yaml:"scope"`
	Base  []string     `json:"base" yaml:"base"`
}

type stagesOutput struct {
	Pipelines []pipelineInfo            `json:"pipelines" yaml:"pipelines"`
	Stages    []string                  `json:"stages" yaml:"stages"`
	Dynamic   []domain.DynamicStageInfo `json:"dynamic" yaml:"dynamic"`
}

func newStagesCmd(root *rootOptions) *cobra.Command {
	var filter domain.StageFilter

	cmd := &cobra.Command{
		Use:   "stages [pipeline...]",
		Short: "List pipelines, registered stages and dynamic stages",
		Long: `Without arguments, list every resolvable pipeline with its winning scope,
the stage registry, and the dynamic stages matching the filter flags.
With pipeline names, print the expanded execution plan of each.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if len(args) > 0 {
				plans := make([]*engine.Plan, 0, len(args))
				for _, name := range args {
					plan, err := a.manager.Plan(name)
					if err != nil {
						return err
					}
					plans = append(plans, plan)
				}
				return writeOutput(cmd.OutOrStdout(), root.format, plans)
			}

			out := stagesOutput{
				Stages:  a.manager.Stages().Names(),
				Dynamic: a.manager.ListDynamicStageInfo(filter),
			}
			for _, name := range a.manager.Pipelines() {
				base, scope, err := a.manager.Resolve(name)
				if err != nil {
					return err
				}
				out.Pipelines = append(out.Pipelines, pipelineInfo{Name: name, Scope: scope, Base: base})
			}
			return writeOutput(cmd.OutOrStdout(), root.format, out)
		},
	}
	cmd.Flags().StringVar(&filter.Pipeline, "pipeline", "", "Only dynamic stages in this pipeline")
	cmd.Flags().StringVar(&filter.Anchor, "anchor", "", "Only dynamic stages at this anchor")
	cmd.Flags().StringVar(&filter.Source, "source", "", "Only dynamic stages from this source")
	return cmd
}

type simulateOutput struct {
	Frames     []frame.Report     `json:"frames" yaml:"frames"`
	Generation int64              `json:"generation" yaml:"generation"`
	Pending    int                `json:"pending" yaml:"pending"`
	Attributes map[string]float64 `json:"attributes" yaml:"attributes"`
}

type castSpec struct {
	pipeline string
	delay    int64
}

// parseCast reads "pipeline" or "pipeline@delay".
func parseCast(raw string) (castSpec, error) {
	name, delayRaw, found := strings.Cut(raw, "@")
	if name == "" {
		return castSpec{}, fmt.Errorf("--cast %q: pipeline name is required", raw)
	}
	spec := castSpec{pipeline: name}
	if found {
		delay, err := strconv.ParseInt(delayRaw, 10, 64)
		if err != nil || delay < 0 {
			return castSpec{}, fmt.Errorf("--cast %q: delay must be a non-negative integer", raw)
		}
		spec.delay = delay
	}
	return spec, nil
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	var (
		varsFlag    string
		paramsFlag  string
		casts       []string
		frames      int
		tick        time.Duration
		metricsAddr string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the frame loop with scheduled pipeline runs",
		Long: `Schedule the --cast pipelines and advance the frame loop. Damage intents
are committed to the attribute sheet at the end of each frame. With --watch
the definitions file is reloaded between frames whenever it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vars, err := parseObject("vars", varsFlag)
			if err != nil {
				return err
			}
			params, err := parseObject("params", paramsFlag)
			if err != nil {
				return err
			}
			specs := make([]castSpec, 0, len(casts))
			for _, raw := range casts {
				spec, err := parseCast(raw)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if !cmd.Flags().Changed("frames") {
				frames = a.cfg.Simulation.Frames
			}
			if !cmd.Flags().Changed("tick") {
				tick = a.cfg.Simulation.FrameDuration
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.cfg.Metrics.Address
			}
			if !cmd.Flags().Changed("watch") {
				watch = a.cfg.Definitions.Watch
			}

			var snapshots <-chan *config.Snapshot
			if watch && a.cfg.Definitions.File != "" {
				provider, err := config.NewFileProvider(a.cfg.Definitions.File, config.ProviderOptions{
					Logger:   a.logger,
					Recorder: a.recorder,
				})
				if err != nil {
					return err
				}
				defer func() { _ = provider.Close() }()
				snapshots = provider.Subscribe()
			}

			if metricsAddr != "" {
				_, stopMetrics, err := serveMetrics(metricsAddr, a)
				if err != nil {
					return err
				}
				defer stopMetrics()
			}

			for _, spec := range specs {
				if _, err := a.manager.SchedulePipeline(ctx, spec.pipeline, spec.delay, params); err != nil {
					return err
				}
			}

			loop, err := a.newLoop(vars, snapshots, nil)
			if err != nil {
				return err
			}
			out := simulateOutput{Frames: []frame.Report{}}
			err = loop.Run(ctx, frames, tick, func(r frame.Report) {
				a.logger.Debug("frame complete",
					"frame", r.Frame,
					"events", r.Events,
					"failed", r.Failed,
					"intents", r.Intents,
				)
				out.Frames = append(out.Frames, r)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			out.Generation = a.applier.Generation()
			out.Pending = a.queue.Len()
			out.Attributes = a.sheet.Snapshot()
			return writeOutput(cmd.OutOrStdout(), root.format, out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&varsFlag, "vars", "", "Execution context for scheduled runs as a JSON object")
	flags.StringVar(&paramsFlag, "params", "", "Params for every --cast as a JSON object")
	flags.StringArrayVar(&casts, "cast", nil, "Pipeline to schedule, optionally with a frame delay (pipeline@delay)")
	flags.IntVar(&frames, "frames", 0, "Frames to simulate (defaults to simulation.frames)")
	flags.DurationVar(&tick, "tick", 0, "Wall-clock time per frame (defaults to simulation.frame_duration)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVar(&watch, "watch", false, "Reload the definitions file when it changes")
	return cmd
}

// serveMetrics exposes the app's Prometheus registry on addr and returns the
// bound address and a stop function.
func serveMetrics(addr string, a *app) (string, func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(a.recorder.Handler(), "skirmish.metrics"))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("serving metrics", "addr", lis.Addr().String())
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	return lis.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}, nil
}

func nonNilIntents(intents []domain.Intent) []domain.Intent {
	if intents == nil {
		return []domain.Intent{}
	}
	return intents
}
