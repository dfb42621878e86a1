// Package pingpong measures counter-signalled round trips between the two
// participants.
//
// Each side links a list entry whose counter counts arriving puts. Rank 0
// puts and waits for its counter to reach the iteration number; rank 1 waits
// for its own counter and puts back. In triggered mode rank 1 arms every
// reply up front as a triggered put at thresholds 1..N, so replies leave
// without host involvement, and reports how long arming each one took.
package pingpong

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Config selects the experiment.
type Config struct {
	Iterations int
	Warmup     int
	MsgSize    int
	Triggered  bool
}

// DefaultConfig mirrors the long-running defaults of the suite.
func DefaultConfig() Config {
	return Config{
		Iterations: 5000,
		Warmup:     100,
		MsgSize:    512,
	}
}

// Validate checks cfg.
func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return ptlerr.Config("iterations", "must be positive, got %d", c.Iterations)
	}

	if c.Warmup < 0 {
		return ptlerr.Config("warmup", "must not be negative, got %d", c.Warmup)
	}

	if c.MsgSize <= 0 {
		return ptlerr.Config("msg_size", "must be positive, got %d", c.MsgSize)
	}

	return nil
}

func (c Config) function() string {
	if c.Triggered {
		return "triggered_put"
	}

	return "put"
}

// Row is one measured round trip. Setup is only set in triggered mode.
type Row struct {
	RTT   time.Duration
	Setup time.Duration
}

type pinger struct {
	bc      bench.Context
	cfg     Config
	counter *completion.Counter
	buf     *mem.Buffer
	table   *endpoint.TableIndex
	entry   *region.Region
	md      *region.Region
	remote  region.Remote
}

// Run executes cfg on the calling participant. Only rank 0 returns rows.
func Run(ctx context.Context, bc bench.Context, cfg Config) ([]Row, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if bc.Comm.Size() != bootstrap.WorldSize {
		return nil, ptlerr.Config("world_size", "need exactly %d participants, got %d", bootstrap.WorldSize, bc.Comm.Size())
	}

	logger := log.With().
		Str("component", "pingpong").
		Int("rank", bc.Comm.Rank()).
		Bool("triggered", cfg.Triggered).
		Logger()

	p := &pinger{bc: bc, cfg: cfg}

	rows, err := p.run(ctx)
	if err != nil {
		bc.Telemetry().Failed(err)
		logger.Error().Err(err).Msg("Ping-pong run failed")

		return nil, err
	}

	logger.Debug().Int("rows", len(rows)).Msg("Ping-pong complete")

	return rows, nil
}

func (p *pinger) setup() error {
	ep := p.bc.Endpoint

	peer, err := ep.Peer()
	if err != nil {
		return err
	}

	p.counter = completion.NewCounter(ep.Backend(), ep.CT())
	if err := p.counter.Reset(); err != nil {
		return err
	}

	if p.table, err = ep.AllocTable(ep.EQ(), endpoint.DataIndex); err != nil {
		return err
	}

	if p.buf, err = p.bc.Space.Alloc(p.cfg.MsgSize, mem.ModePinned); err != nil {
		return ptlerr.Config("memory_mode", "pinned allocation failed: %v", err)
	}

	p.entry, err = region.RegisterTarget(p.table, region.TargetOptions{
		Buffers: []*mem.Buffer{p.buf},
		Key:     region.DefaultKey,
		Counter: ep.CT(),
	})
	if err != nil {
		return err
	}

	// Replies are unacknowledged, so the descriptor never reports into the
	// counter it shares with the entry.
	acks := completion.NewCountingChannel(p.counter)
	if p.md, err = region.RegisterInitiator(ep, p.buf, acks); err != nil {
		return err
	}

	p.remote = region.Remote{Peer: peer, Index: endpoint.DataIndex, Key: region.DefaultKey}

	return nil
}

func (p *pinger) teardown() error {
	if err := p.md.Unregister(); err != nil {
		return err
	}

	if err := p.entry.Unregister(); err != nil {
		return err
	}

	if err := p.buf.Free(); err != nil {
		return err
	}

	return p.table.Free()
}

// wait blocks until n puts have landed and checks none failed.
func (p *pinger) wait(n int) error {
	res, err := p.counter.WaitUntil(uint64(n))
	if err != nil {
		return err
	}

	if res.Failure > 0 {
		return &ptlerr.CompletionFailure{Counting: true, Failures: res.Failure}
	}

	if res.Success != uint64(n) {
		return fmt.Errorf("counter at %d after round trip %d", res.Success, n)
	}

	return nil
}

func (p *pinger) put() error {
	return p.md.Put(p.remote, 0, 0, uint64(p.cfg.MsgSize), portals.AckReqNone)
}

func (p *pinger) run(ctx context.Context) ([]Row, error) {
	if err := p.setup(); err != nil {
		return nil, err
	}

	total := p.cfg.Warmup + p.cfg.Iterations
	rank := p.bc.Comm.Rank()

	var setup []time.Duration
	if rank == 1 && p.cfg.Triggered {
		setup = make([]time.Duration, total)

		for i := 1; i <= total; i++ {
			t0 := time.Now()
			err := p.md.TriggeredPut(p.remote, 0, 0, uint64(p.cfg.MsgSize), portals.AckReqNone, p.counter.Handle(), uint64(i))
			setup[i-1] = time.Since(t0)

			if err != nil {
				return nil, err
			}
		}
	}

	if err := p.bc.Comm.Barrier(ctx); err != nil {
		return nil, err
	}

	rtt := make([]time.Duration, total)

	for i := 1; i <= total; i++ {
		switch {
		case rank == 0:
			t0 := time.Now()

			if err := p.put(); err != nil {
				return nil, err
			}

			if err := p.wait(i); err != nil {
				return nil, err
			}

			rtt[i-1] = time.Since(t0)
			p.bc.Telemetry().Issued(bench.Put, 1)
		case !p.cfg.Triggered:
			if err := p.wait(i); err != nil {
				return nil, err
			}

			if err := p.put(); err != nil {
				return nil, err
			}
		}
	}

	if rank == 1 && p.cfg.Triggered {
		// The last reply fired once the counter reached total.
		if err := p.wait(total); err != nil {
			return nil, err
		}
	}

	if err := p.bc.Comm.Barrier(ctx); err != nil {
		return nil, err
	}

	var rows []Row

	if p.cfg.Triggered {
		if rank == 1 {
			words := make([]uint64, total)
			for i, d := range setup {
				words[i] = uint64(d.Nanoseconds())
			}

			if err := p.bc.Comm.Send(ctx, words); err != nil {
				return nil, err
			}
		} else {
			words, err := p.bc.Comm.Recv(ctx)
			if err != nil {
				return nil, err
			}

			if len(words) != total {
				return nil, fmt.Errorf("received %d setup times, want %d", len(words), total)
			}

			setup = make([]time.Duration, total)
			for i, w := range words {
				setup[i] = time.Duration(w)
			}
		}
	}

	if rank == 0 {
		rows = p.rows(rtt, setup)
		if err := p.report(rows); err != nil {
			return rows, err
		}
	}

	if err := p.bc.Comm.Barrier(ctx); err != nil {
		return nil, err
	}

	return rows, p.teardown()
}

func (p *pinger) rows(rtt, setup []time.Duration) []Row {
	rows := make([]Row, 0, p.cfg.Iterations)

	for i := p.cfg.Warmup; i < len(rtt); i++ {
		row := Row{RTT: rtt[i]}
		if setup != nil {
			row.Setup = setup[i]
		}
		rows = append(rows, row)
	}

	return rows
}

func (p *pinger) report(rows []Row) error {
	sink := p.bc.Output()

	columns := []string{"n", "func", "msg_size", "rtt"}
	if p.cfg.Triggered {
		columns = append(columns, "setup_time")
	}

	if err := sink.Header(columns...); err != nil {
		return err
	}

	for n, row := range rows {
		values := []interface{}{n, p.cfg.function(), p.cfg.MsgSize, bench.LatencyMicros(row.RTT)}
		if p.cfg.Triggered {
			values = append(values, bench.LatencyMicros(row.Setup))
		}

		if err := sink.Row(values...); err != nil {
			return err
		}
	}

	return nil
}
