package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/mewindow"
)

// NewMEWindowCmd creates the match entry window command.
func NewMEWindowCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mewindow",
		Short: "Stress a window of match entries linked per iteration",
		Long: `The target links a window of match entries and signals readiness over a
command channel; the initiator times the wait, the window of operations and
their completions. Persistent mode links the window once per message size.`,
		Example: `  ptlbench mewindow --window 64 --max-size 65536
  ptlbench mewindow --mode persistent --keys fixed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMEWindow(cmd, g)
		},
	}

	fs := cmd.Flags()
	fs.String("op", "put", "Operation: put or get")
	fs.String("discipline", "full", "Completion discipline: counting or full")
	fs.String("mode", "use_once", "Entry lifetime: use_once or persistent")
	fs.Int("iterations", 1, "Measured windows per message size")
	fs.Int("warmup", 0, "Warmup windows per message size")
	fs.Int("window", 64, "Entries and operations per window")
	fs.Uint64("min-size", 1, "Smallest message size")
	fs.Uint64("max-size", 4<<20, "Largest message size")
	fs.String("keys", "slot", "Key derivation: slot (one key per entry) or fixed")
	fs.Uint64("key-base", 1, "First slot key, or the fixed key")

	return cmd
}

var mewindowBindings = bindings{
	"op":         "mewindow.operation",
	"discipline": "mewindow.discipline",
	"mode":       "mewindow.mode",
	"iterations": "mewindow.iterations",
	"warmup":     "mewindow.warmup",
	"window":     "mewindow.window",
	"min-size":   "mewindow.min_msg_size",
	"max-size":   "mewindow.max_msg_size",
	"keys":       "mewindow.keys",
	"key-base":   "mewindow.key_base",
}

func runMEWindow(cmd *cobra.Command, g *Globals) error {
	cfg, err := g.load(cmd, mewindowBindings)
	if err != nil {
		return err
	}

	wc, err := cfg.MEWindow.Resolve()
	if err != nil {
		return err
	}

	w := newWorld(cfg)

	out, err := openResults(cmd.OutOrStdout(), cfg, cfg.Output.Path, "mewindow", w.runID)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("run_id", w.runID).
		Stringer("mode", wc.Mode).
		Int("window", wc.Window).
		Logger()

	var rows []mewindow.Row

	// Match entries are the point of the experiment.
	err = w.pair(cmd.Context(), true, out, func(ctx context.Context, bc bench.Context) error {
		r, err := mewindow.Run(ctx, bc, wc)
		if bc.Comm.Rank() == 0 {
			rows = r
		}

		return err
	})
	if err != nil {
		logger.Error().Err(err).Int("rows", len(rows)).Msg("Window stress failed")
		return errors.Join(err, out.Close())
	}

	for _, r := range rows {
		logger.Debug().
			Uint64("size", r.Size).
			Float64("bandwidth", r.Bandwidth).
			Float64("latency", r.Latency).
			Msg("Window measured")
	}

	logger.Info().Int("rows", len(rows)).Msg("Window stress complete")

	return out.Close()
}
