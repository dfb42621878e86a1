package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/config"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/health"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/metrics"
	"github.com/piwi3910/ptlbench/internal/report"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

type participant struct {
	space    *mem.Space
	backend  *portals.SimulatedBackend
	comm     bootstrap.Comm
	recorder *metrics.Recorder
}

// world is the in-process fabric and its two participants.
type world struct {
	cfg     *config.Config
	runID   string
	fabric  *portals.SimulatedFabric
	ranks   [bootstrap.WorldSize]participant
	checker *health.Checker
}

func newWorld(cfg *config.Config) *world {
	w := &world{
		cfg:     cfg,
		runID:   uuid.New().String(),
		fabric:  portals.NewSimulatedFabric(),
		checker: health.NewChecker(),
	}

	c0, c1 := bootstrap.NewPair()
	for i, comm := range []bootstrap.Comm{c0, c1} {
		space := mem.NewSpace(cfg.Fabric.MemOptions())
		w.ranks[i] = participant{
			space:    space,
			backend:  w.fabric.Attach(space),
			comm:     comm,
			recorder: metrics.NewRecorder(i),
		}
		w.checker.Track(fmt.Sprintf("rank%d", i), w.ranks[i].recorder)
	}

	w.checker.Register("fabric", w.fabricCheck)

	return w
}

func (w *world) fabricCheck(ctx context.Context) health.Check {
	m := w.ranks[0].backend.GetMetrics()
	if failures, _ := m["failures"].(int64); failures > 0 {
		return health.Check{Status: health.StatusDegraded, Message: fmt.Sprintf("%d failed deliveries", failures)}
	}

	return health.Check{Status: health.StatusHealthy}
}

func (w *world) endpointOptions(matching bool) endpoint.Options {
	return endpoint.Options{Matching: matching, EQDepth: w.cfg.Fabric.EQDepth}
}

// serve runs body with the metrics endpoint up when one is configured.
func (w *world) serve(ctx context.Context, body func(ctx context.Context) error) error {
	defer w.fabric.Shutdown()

	if w.cfg.Metrics.Addr == "" {
		err := body(ctx)
		metrics.SetFabricMetrics(w.ranks[0].backend.GetMetrics())

		return err
	}

	srv, err := metrics.Listen(w.cfg.Metrics.Addr, w.checker)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	serveCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	g.Go(func() error {
		defer stop()

		err := body(gctx)
		metrics.SetFabricMetrics(w.ranks[0].backend.GetMetrics())

		return err
	})

	return g.Wait()
}

// pair runs fn on both participants, each with its own endpoint. Only rank 0
// writes to sink.
func (w *world) pair(ctx context.Context, matching bool, sink report.Sink, fn func(ctx context.Context, bc bench.Context) error) error {
	return w.serve(ctx, func(ctx context.Context) error {
		return bench.RunPair(ctx, w.fabric, func(ctx context.Context, rank int) error {
			p := w.ranks[rank]

			return bench.WithEndpoint(ctx, p.backend, p.comm, w.endpointOptions(matching), func(ep *endpoint.Endpoint) error {
				bc := bench.Context{
					Comm:     p.comm,
					Endpoint: ep,
					Space:    p.space,
					Recorder: p.recorder,
				}
				if rank == 0 {
					bc.Sink = sink
				}

				log.Debug().
					Str("run_id", w.runID).
					Int("rank", rank).
					Stringer("id", ep.ID()).
					Msg("Participant ready")

				return fn(ctx, bc)
			})
		})
	})
}

// single runs fn on rank 0 alone.
func (w *world) single(ctx context.Context, matching bool, fn func(ep *endpoint.Endpoint, space *mem.Space) error) error {
	return w.serve(ctx, func(ctx context.Context) error {
		p := w.ranks[0]

		ep, err := endpoint.Open(p.backend, w.endpointOptions(matching))
		if err != nil {
			return err
		}

		if err := fn(ep, p.space); err != nil {
			return err
		}

		return ep.Close()
	})
}
