// Command skirmish runs combat pipelines for a player archetype, executes Lua
// skill scripts against them, and drives a frame-by-frame simulation.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/polisai/skirmish/pkg/domain"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// Process exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitNotFound   = 3
	exitContract   = 4
	exitStageError = 5
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath  string
	definitions string
	logLevel    string
	pretty      bool
	format      string
	attrs       map[string]string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrConfigInvalid), errors.Is(err, domain.ErrInvalidDefinition):
		return exitConfig
	case errors.Is(err, domain.ErrPipelineNotFound), errors.Is(err, domain.ErrStageNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrContractViolation):
		return exitContract
	case errors.Is(err, domain.ErrDynamicStage):
		return exitStageError
	default:
		return exitFailure
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "skirmish",
		Short: "Combat pipeline engine for skill and damage calculations",
		Long: `skirmish runs named combat pipelines (skill cost, cast checks, damage
resolution, status ticks) through a per-entity stage manager.

Pipelines, scope overrides, buffs and authored Lua or Rego stages can be
loaded from a definitions file (YAML, JSON or CUE) and hot-reloaded while a
simulation runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	flags.StringVarP(&opts.definitions, "definitions", "d", "", "Path to definitions file (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human-readable logs instead of JSON")
	flags.StringVarP(&opts.format, "output", "o", "json", "Output format (json, yaml)")
	flags.StringToStringVar(&opts.attrs, "attr", nil, "Base attribute override, e.g. --attr hero.mp=80")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newScriptCmd(opts),
		newStagesCmd(opts),
		newSimulateCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the skirmish version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "skirmish %s\n", version)
		},
	}
}
