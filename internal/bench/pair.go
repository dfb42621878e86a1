package bench

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Stopper releases every wait blocked on a fabric.
type Stopper interface {
	Shutdown()
}

// RunPair runs fn for both ranks concurrently and returns the first failure.
// The failing rank shuts the fabric down so its peer is not left blocked in a
// wait that can never complete.
func RunPair(ctx context.Context, fabric Stopper, fn func(ctx context.Context, rank int) error) error {
	var (
		once  sync.Once
		first error
	)

	g, gctx := errgroup.WithContext(ctx)

	for rank := 0; rank < bootstrap.WorldSize; rank++ {
		g.Go(func() error {
			err := fn(gctx, rank)
			if err != nil {
				once.Do(func() {
					first = err
					fabric.Shutdown()
				})
			}

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return first
	}

	return nil
}

// WithEndpoint opens an endpoint on backend, exchanges addresses with the
// peer over comm and runs fn. The endpoint is closed only if fn succeeds:
// after a failure its resources may still be referenced by operations that
// were never drained.
func WithEndpoint(ctx context.Context, backend portals.Backend, comm bootstrap.Comm, opts endpoint.Options, fn func(ep *endpoint.Endpoint) error) error {
	ep, err := endpoint.Open(backend, opts)
	if err != nil {
		return err
	}

	if err := endpoint.Exchange(ctx, comm, ep); err != nil {
		return err
	}

	if err := fn(ep); err != nil {
		log.Debug().Stringer("id", ep.ID()).Msg("Skipping endpoint teardown after failed run")
		return err
	}

	return ep.Close()
}
