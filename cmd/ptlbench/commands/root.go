package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/piwi3910/ptlbench/internal/config"
)

// Globals are the persistent flags shared by every subcommand.
type Globals struct {
	ConfigPath  string
	Debug       bool
	LogLevel    string
	Output      string
	Format      string
	Compression string
	MetricsAddr string
}

// NewRootCmd builds the ptlbench command tree.
func NewRootCmd(version string) *cobra.Command {
	g := &Globals{}

	root := &cobra.Command{
		Use:   "ptlbench",
		Short: "Portals-style network interface microbenchmarks",
		Long: `ptlbench measures one-sided put/get latency, bandwidth and message rate
between two participants, together with the memory and setup effects that
shape them.

Configuration is read from ptlbench.yaml (or --config), overridden by
PTLBENCH_* environment variables and finally by flags:
  PTLBENCH_BENCH_WINDOW=32 ptlbench bench --type bandwidth`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(g.Debug)
		},
	}

	fs := root.PersistentFlags()
	fs.StringVar(&g.ConfigPath, "config", "", "Path to configuration file")
	fs.BoolVar(&g.Debug, "debug", false, "Enable debug logging to the console")
	fs.StringVar(&g.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVarP(&g.Output, "output", "o", "", "Result file (default stdout); .zst and .lz4 compress")
	fs.StringVar(&g.Format, "format", "", "Result format: tsv or csv")
	fs.StringVar(&g.Compression, "compress", "", "Result compression: none, zstd or lz4")
	fs.StringVar(&g.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics and health on this address")

	root.AddCommand(NewBenchCmd(g))
	root.AddCommand(NewMemoryCmd(g))
	root.AddCommand(NewMEWindowCmd(g))
	root.AddCommand(NewComponentsCmd(g))
	root.AddCommand(NewPingPongCmd(g))
	root.AddCommand(NewConfigCmd(g))

	return root
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// bindings maps a command's flag names to configuration keys.
type bindings map[string]string

// overrides returns the configuration keys of the flags the user changed.
func (b bindings) overrides(fs *pflag.FlagSet) map[string]interface{} {
	set := make(map[string]interface{})

	fs.Visit(func(f *pflag.Flag) {
		key, ok := b[f.Name]
		if !ok {
			return
		}

		if sv, ok := f.Value.(pflag.SliceValue); ok {
			set[key] = sv.GetSlice()
			return
		}

		set[key] = f.Value.String()
	})

	return set
}

// load reads the configuration with the command's changed flags applied.
func (g *Globals) load(cmd *cobra.Command, b bindings) (*config.Config, error) {
	set := b.overrides(cmd.Flags())
	if g.Format != "" {
		set["output.format"] = g.Format
	}
	if g.Compression != "" {
		set["output.compression"] = g.Compression
	}

	cfg, err := config.Load(g.ConfigPath, config.Options{
		LogLevel:    g.LogLevel,
		MetricsAddr: g.MetricsAddr,
		Output:      g.Output,
		Set:         set,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if !g.Debug {
		level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
		if err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	return cfg, nil
}
