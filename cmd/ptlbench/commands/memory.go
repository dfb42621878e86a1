package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/memeffect"
	"github.com/piwi3910/ptlbench/internal/report"
)

// NewMemoryCmd creates the memory residency command.
func NewMemoryCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Measure the effect of page and cache residency on one operation",
		Long: `Time single operations against pages that are hot or cold on either
side, with the CPU cache hot or flushed before each operation.`,
		Example: `  ptlbench memory --local cold --remote hot --cache cold
  ptlbench memory --op get --discipline counting --iterations 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemory(cmd, g)
		},
	}

	fs := cmd.Flags()
	fs.String("op", "put", "Operation: put or get")
	fs.String("discipline", "full", "Completion discipline: counting or full")
	fs.Bool("matching", false, "Use match entries instead of list entries")
	fs.Int("iterations", 10, "Operations, each on a fresh page")
	fs.Int("msg-size", memeffect.DefaultMsgSize, "Message size in bytes, at most one page")
	fs.Int("cache-size", memeffect.DefaultCacheSize, "Bytes walked to flush the cache")
	fs.String("local", "cold", "Initiator page state: hot or cold")
	fs.String("remote", "cold", "Target page state: hot or cold")
	fs.String("cache", "cold", "Cache state: hot or cold")
	fs.Uint64("seed", 0, "Seed for in-page offsets; 0 seeds from the clock")

	return cmd
}

var memoryBindings = bindings{
	"op":         "memory.operation",
	"discipline": "memory.discipline",
	"matching":   "memory.matching",
	"iterations": "memory.iterations",
	"msg-size":   "memory.msg_size",
	"cache-size": "memory.cache_size",
	"local":      "memory.local",
	"remote":     "memory.remote",
	"cache":      "memory.cache",
	"seed":       "memory.seed",
}

func runMemory(cmd *cobra.Command, g *Globals) error {
	cfg, err := g.load(cmd, memoryBindings)
	if err != nil {
		return err
	}

	mc, err := cfg.Memory.Resolve()
	if err != nil {
		return err
	}

	w := newWorld(cfg)

	out, err := openResults(cmd.OutOrStdout(), cfg, cfg.Output.Path, "memory", w.runID)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("run_id", w.runID).
		Str("variant", mc.Variant()).
		Stringer("cache", mc.Cache).
		Logger()

	var result memeffect.Result

	err = w.pair(cmd.Context(), cfg.Memory.Matching, out, func(ctx context.Context, bc bench.Context) error {
		r, err := memeffect.Run(ctx, bc, mc)
		if bc.Comm.Rank() == 0 {
			result = r
		}

		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Memory experiment failed")
		return errors.Join(err, out.Close())
	}

	logger.Info().
		Int("invalidations", result.Invalidations).
		Int64("faults", w.ranks[0].space.Stats().Faults+w.ranks[1].space.Stats().Faults).
		Object("summary", report.Summarize(result.Sample)).
		Msg("Memory experiment complete")

	return out.Close()
}
