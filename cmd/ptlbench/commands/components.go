package commands

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ptlbench/internal/components"
	"github.com/piwi3910/ptlbench/internal/config"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/report"
)

// NewComponentsCmd creates the component setup latency command.
func NewComponentsCmd(g *Globals) *cobra.Command {
	var limits bool

	cmd := &cobra.Command{
		Use:   "components",
		Short: "Time the setup of individual interface resources",
		Long: `Time descriptor binds, entry links and triggered put arming on a single
participant. Each component gets its own section; with --output each section
goes to its own file (out.tsv becomes out-LE.tsv, out-MD-buffer.tsv, ...).

Components: MD-buffer, MD-size-max, LE, LE-size-max, triggered-put.`,
		Example: `  ptlbench components --iterations 100
  ptlbench components --only LE,triggered-put -o setup.tsv
  ptlbench components --limits`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComponents(cmd, g, limits)
		},
	}

	fs := cmd.Flags()
	fs.BoolVarP(&limits, "limits", "l", false, "Print the negotiated interface limits and exit")
	fs.Bool("matching", false, "Open a matching interface")
	fs.Int("iterations", 10, "Timed creations per component")
	fs.Int("warmup", 10, "Untimed creations per component")
	fs.Int("buffer-size", 64<<20, "Bytes backing the buffer components")
	fs.StringSlice("only", nil, "Run only these components")

	return cmd
}

var componentsBindings = bindings{
	"matching":    "components.matching",
	"iterations":  "components.iterations",
	"warmup":      "components.warmup",
	"buffer-size": "components.buffer_size",
	"only":        "components.only",
}

func runComponents(cmd *cobra.Command, g *Globals, limits bool) error {
	cfg, err := g.load(cmd, componentsBindings)
	if err != nil {
		return err
	}

	cc, err := cfg.Components.Resolve()
	if err != nil {
		return err
	}

	w := newWorld(cfg)

	if limits {
		return w.single(cmd.Context(), cfg.Components.Matching, func(ep *endpoint.Endpoint, _ *mem.Space) error {
			return components.WriteLimits(cmd.OutOrStdout(), ep.Limits())
		})
	}

	logger := log.With().Str("run_id", w.runID).Logger()

	var (
		opened []*results
		shared *results
	)

	closeAll := func() error {
		var errs []error
		for _, r := range opened {
			errs = append(errs, r.Close())
		}

		return errors.Join(errs...)
	}

	sinks := func(name string) (report.Sink, error) {
		if cfg.Output.Path == "" {
			if shared == nil {
				r, err := openResults(cmd.OutOrStdout(), cfg, "", "components", w.runID)
				if err != nil {
					return nil, err
				}

				shared = r
				opened = append(opened, r)
			}

			return shared, shared.Comment("component %s", name)
		}

		r, err := openResults(cmd.OutOrStdout(), cfg, sectionPath(cfg.Output.Path, name), "components "+name, w.runID)
		if err != nil {
			return nil, err
		}

		opened = append(opened, r)

		return r, nil
	}

	var times map[string][]time.Duration

	err = w.single(cmd.Context(), cfg.Components.Matching, func(ep *endpoint.Endpoint, space *mem.Space) error {
		var err error
		times, err = components.Run(ep, space, cc, sinks)

		return err
	})

	for _, name := range components.Names {
		d, ok := times[name]
		if !ok {
			continue
		}

		logger.Info().
			Str("resource", name).
			Str("output", outputFor(cfg.Output, name)).
			Object("summary", report.Summarize(d)).
			Msg("Component timed")
	}

	if err != nil {
		logger.Error().Err(err).Msg("Component timing failed")
		return errors.Join(err, closeAll())
	}

	return closeAll()
}

// outputFor reports where a component's section is written.
func outputFor(out config.OutputConfig, name string) string {
	if out.Path == "" {
		return "stdout"
	}

	return sectionPath(out.Path, name)
}
