package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/pingpong"
	"github.com/piwi3910/ptlbench/internal/report"
)

// NewPingPongCmd creates the ping-pong command.
func NewPingPongCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pingpong",
		Short: "Measure counter-signalled round trips",
		Long: `Rank 0 puts and waits for its counter; rank 1 answers each arrival. With
--triggered the answers are armed up front as triggered puts and the time to
arm each one is reported as setup_time.`,
		Example: `  ptlbench pingpong --iterations 1000 --msg-size 8
  ptlbench pingpong --triggered`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPingPong(cmd, g)
		},
	}

	fs := cmd.Flags()
	fs.Bool("matching", false, "Use match entries instead of list entries")
	fs.Int("iterations", 5000, "Measured round trips")
	fs.Int("warmup", 100, "Untimed round trips")
	fs.Int("msg-size", 512, "Message size in bytes")
	fs.Bool("triggered", false, "Answer with pre-armed triggered puts")

	return cmd
}

var pingpongBindings = bindings{
	"matching":   "pingpong.matching",
	"iterations": "pingpong.iterations",
	"warmup":     "pingpong.warmup",
	"msg-size":   "pingpong.msg_size",
	"triggered":  "pingpong.triggered",
}

func runPingPong(cmd *cobra.Command, g *Globals) error {
	cfg, err := g.load(cmd, pingpongBindings)
	if err != nil {
		return err
	}

	pc, err := cfg.PingPong.Resolve()
	if err != nil {
		return err
	}

	w := newWorld(cfg)

	out, err := openResults(cmd.OutOrStdout(), cfg, cfg.Output.Path, "pingpong", w.runID)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("run_id", w.runID).
		Bool("triggered", pc.Triggered).
		Int("msg_size", pc.MsgSize).
		Logger()

	var rows []pingpong.Row

	err = w.pair(cmd.Context(), cfg.PingPong.Matching, out, func(ctx context.Context, bc bench.Context) error {
		r, err := pingpong.Run(ctx, bc, pc)
		if bc.Comm.Rank() == 0 {
			rows = r
		}

		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Ping-pong failed")
		return errors.Join(err, out.Close())
	}

	rtt := make([]time.Duration, len(rows))
	for i, r := range rows {
		rtt[i] = r.RTT
	}

	logger.Info().Object("rtt", report.Summarize(rtt)).Msg("Ping-pong complete")

	return out.Close()
}
