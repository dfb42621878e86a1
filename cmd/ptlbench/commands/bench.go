package commands

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/report"
)

// NewBenchCmd creates the bench command.
func NewBenchCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the put/get latency, bandwidth or message rate loop",
		Long: `Run the benchmark loop between two participants.

Set --msg-size for a single point, or --msg-size 0 with --min-size and
--max-size for a doubling sweep. Rows are (index, message size, metric).`,
		Example: `  ptlbench bench --type latency --discipline counting --msg-size 64
  ptlbench bench --type bandwidth --msg-size 0 --min-size 1 --max-size 16 --window 32
  ptlbench bench --op get --memory fault -o get-fault.tsv.zst`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, g)
		},
	}

	fs := cmd.Flags()
	fs.String("op", "put", "Operation: put or get")
	fs.String("type", "latency", "Benchmark type: latency, bandwidth or msgrate")
	fs.String("discipline", "counting", "Completion discipline: counting or full")
	fs.Bool("matching", false, "Use match entries instead of list entries")
	fs.Int("iterations", 10, "Measured iterations per point")
	fs.Int("warmup", 10, "Warmup iterations per point")
	fs.Int("window", 64, "Operations per bandwidth or message rate iteration")
	fs.Uint64("msg-size", 1024, "Fixed message size in bytes; 0 sweeps min..max")
	fs.Uint64("min-size", 1, "Smallest message size of a sweep")
	fs.Uint64("max-size", 4<<20, "Largest message size of a sweep")
	fs.String("memory", "pinned", "Memory mode: pinned, fault or iovec")
	fs.Int("iovecs", 4, "Segments per buffer in iovec mode")
	fs.String("registration", "per-sweep", "Region registration: per-sweep or reuse")
	fs.Uint64("match-key", 0xDEADBEEF, "Match key for match entries")

	return cmd
}

var benchBindings = bindings{
	"op":           "bench.operation",
	"type":         "bench.type",
	"discipline":   "bench.discipline",
	"matching":     "bench.matching",
	"iterations":   "bench.iterations",
	"warmup":       "bench.warmup",
	"window":       "bench.window",
	"msg-size":     "bench.msg_size",
	"min-size":     "bench.min_msg_size",
	"max-size":     "bench.max_msg_size",
	"memory":       "bench.memory_mode",
	"iovecs":       "bench.iovecs",
	"registration": "bench.registration",
	"match-key":    "bench.match_key",
}

func runBench(cmd *cobra.Command, g *Globals) error {
	cfg, err := g.load(cmd, benchBindings)
	if err != nil {
		return err
	}

	bc, err := cfg.Bench.Resolve()
	if err != nil {
		return err
	}

	w := newWorld(cfg)

	out, err := openResults(cmd.OutOrStdout(), cfg, cfg.Output.Path, "bench", w.runID)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("run_id", w.runID).
		Stringer("op", bc.Operation).
		Stringer("type", bc.Type).
		Stringer("discipline", bc.Discipline).
		Stringer("memory", bc.Memory).
		Logger()

	logger.Info().Msg("Starting benchmark")

	var (
		mu     sync.Mutex
		points []bench.Point
	)

	err = w.pair(cmd.Context(), bc.Matching, out, func(ctx context.Context, ctxb bench.Context) error {
		p, err := bench.Run(ctx, ctxb, bc)
		if ctxb.Comm.Rank() == 0 {
			mu.Lock()
			points = p
			mu.Unlock()
		}

		return err
	})

	for _, p := range points {
		logger.Info().
			Uint64("size", p.Size).
			Object("summary", report.Summarize(p.Sample)).
			Msg("Point measured")
	}

	if err != nil {
		logger.Error().Err(err).Int("points", len(points)).Msg("Benchmark failed")
		return errors.Join(err, out.Close())
	}

	logger.Info().Int("points", len(points)).Int("rows", out.Rows()).Msg("Benchmark complete")

	return out.Close()
}
