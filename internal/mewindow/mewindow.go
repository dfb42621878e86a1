// Package mewindow stresses match-list insertion by linking a window of
// match entries on every iteration and comparing use-once entries with
// persistent ones.
//
// In UseOnce mode the target links window use-once entries per iteration,
// each with its own key, then tells the initiator it is ready over the
// command channel. The initiator times the wait for readiness, the window of
// operations and their completions. Persistent mode links the window once
// per sweep point so only the readiness handshake and the transfers remain
// on the critical path.
package mewindow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/region"
)

// Mode selects the entry lifetime.
type Mode int

const (
	UseOnce Mode = iota
	Persistent
)

func (m Mode) String() string {
	if m == Persistent {
		return "persistent"
	}

	return "use_once"
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "use_once", "useonce", "none":
		return UseOnce, nil
	case "persistent":
		return Persistent, nil
	default:
		return 0, ptlerr.Config("mode", "unknown entry mode %q", s)
	}
}

// Config selects the experiment.
type Config struct {
	Operation  bench.Operation
	Discipline completion.Discipline
	Mode       Mode
	Iterations int
	Warmup     int
	Window     int
	MinMsgSize uint64
	MaxMsgSize uint64

	// Keys derives the key of each window slot. Nil gives every slot its
	// own key starting at 1.
	Keys region.KeyFunc
}

// DefaultConfig returns a single-iteration use-once sweep from 1 byte to
// 4 MiB with a window of 64.
func DefaultConfig() Config {
	return Config{
		Operation:  bench.Put,
		Discipline: completion.FullEvent,
		Iterations: 1,
		Window:     64,
		MinMsgSize: 1,
		MaxMsgSize: 4 << 20,
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

	if c.Window <= 0 {
		return ptlerr.Config("window", "must be positive, got %d", c.Window)
	}

	_, err := bench.Sizes(c.MinMsgSize, c.MaxMsgSize)

	return err
}

func (c Config) keys() region.KeyFunc {
	if c.Keys == nil {
		return region.SlotKey(1)
	}

	return c.Keys
}

// Row is one measured iteration.
type Row struct {
	Size      uint64
	Elapsed   time.Duration
	Bandwidth float64
	Latency   float64
}

// Run executes cfg on the calling participant. Only rank 0 returns rows.
func Run(ctx context.Context, bc bench.Context, cfg Config) ([]Row, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if bc.Comm.Size() != bootstrap.WorldSize {
		return nil, ptlerr.Config("world_size", "need exactly %d participants, got %d", bootstrap.WorldSize, bc.Comm.Size())
	}

	if !bc.Endpoint.Matching() {
		return nil, ptlerr.Config("matching", "match entry windows require a matching interface")
	}

	sizes, err := bench.Sizes(cfg.MinMsgSize, cfg.MaxMsgSize)
	if err != nil {
		return nil, err
	}

	s := &session{
		bc:      bc,
		cfg:     cfg,
		machine: bench.NewMachine(),
		rec:     bc.Telemetry(),
		log: log.With().
			Str("component", "mewindow").
			Int("rank", bc.Comm.Rank()).
			Stringer("mode", cfg.Mode).
			Int("window", cfg.Window).
			Logger(),
	}
	s.machine.OnTransition(s.rec.Transitioned)

	var rows []Row

	cmd, err := bench.OpenCommandChannel(bc.Endpoint, bc.Space, endpoint.CommandIndex)
	if err != nil {
		return nil, err
	}
	s.cmd = cmd

	if bc.Comm.Rank() == 0 {
		rows, err = s.initiate(ctx, sizes)
	} else {
		err = s.serve(ctx, sizes)
	}

	if err != nil {
		s.machine.Fail()
		s.rec.Failed(err)
		s.log.Error().Err(err).Msg("Match entry window run failed")

		return rows, err
	}

	if err := s.cmd.Close(); err != nil {
		return rows, err
	}

	return rows, s.machine.To(bench.Done)
}

type session struct {
	bc      bench.Context
	cfg     Config
	machine *bench.Machine
	rec     bench.Recorder
	log     zerolog.Logger
	cmd     *bench.CommandChannel
}

func (s *session) advance(states ...bench.State) error {
	for _, st := range states {
		if err := s.machine.To(st); err != nil {
			return err
		}
	}

	return nil
}

func (s *session) initiate(ctx context.Context, sizes []uint64) ([]Row, error) {
	ep := s.bc.Endpoint

	ch, err := completion.New(ep, s.cfg.Discipline)
	if err != nil {
		return nil, err
	}

	if s.cfg.Window > ch.Capacity() {
		return nil, ptlerr.Config("window", "%d exceeds completion capacity %d", s.cfg.Window, ch.Capacity())
	}

	peer, err := ep.Peer()
	if err != nil {
		return nil, err
	}

	sink := s.bc.Output()
	if err := sink.Header("func", "window_size", "msg_size", "bandwidth", "latency"); err != nil {
		return nil, err
	}

	issue := s.cfg.Operation.Issuer(ch.Ack())
	keys := s.cfg.keys()

	var rows []Row

	for i, size := range sizes {
		if i > 0 {
			if err := s.machine.To(bench.Setup); err != nil {
				return rows, err
			}
		}

		buf, err := s.bc.Space.Alloc(int(size)*s.cfg.Window, mem.ModePinned)
		if err != nil {
			return rows, ptlerr.Config("memory_mode", "pinned allocation failed: %v", err)
		}

		md, err := region.RegisterInitiator(ep, buf, ch)
		if err != nil {
			return rows, err
		}

		if err := s.bc.Comm.Barrier(ctx); err != nil {
			return rows, err
		}

		// window runs one iteration and returns its duration.
		window := func() (time.Duration, error) {
			t0 := time.Now()

			if _, _, err := s.cmd.Receive(); err != nil {
				return 0, err
			}

			for w := 0; w < s.cfg.Window; w++ {
				remote := region.Remote{Peer: peer, Index: endpoint.DataIndex, Key: keys(w)}
				if err := issue(md, remote, uint64(w)*size, 0, size); err != nil {
					return 0, err
				}
			}
			s.rec.Issued(s.cfg.Operation, s.cfg.Window)

			if err := ch.Drain(s.cfg.Window); err != nil {
				return 0, err
			}
			s.rec.Drained(s.cfg.Discipline, s.cfg.Window)

			elapsed := time.Since(t0)

			return elapsed, md.Settle(s.cfg.Window)
		}

		if err := s.machine.To(bench.Warmup); err != nil {
			return rows, err
		}

		for w := 0; w < s.cfg.Warmup; w++ {
			if _, err := window(); err != nil {
				return rows, err
			}
		}

		if err := s.machine.To(bench.Measuring); err != nil {
			return rows, err
		}

		sample := make(bench.Sample, s.cfg.Iterations)
		for n := range sample {
			if sample[n], err = window(); err != nil {
				return rows, err
			}
		}

		if err := s.advance(bench.Draining, bench.Reporting); err != nil {
			return rows, err
		}

		for _, d := range sample {
			row := Row{
				Size:      size,
				Elapsed:   d,
				Bandwidth: bench.BandwidthMBs(size, s.cfg.Window, d),
				Latency:   bench.LatencyMicros(d) / float64(s.cfg.Window),
			}

			if err := sink.Row(s.cfg.Operation.String(), s.cfg.Window, size, row.Bandwidth, row.Latency); err != nil {
				return rows, err
			}

			rows = append(rows, row)
		}
		s.rec.Sampled(bench.Bandwidth, size, sample)

		if err := s.machine.To(bench.Teardown); err != nil {
			return rows, err
		}

		if err := s.bc.Comm.Barrier(ctx); err != nil {
			return rows, err
		}

		if err := ch.Reset(); err != nil {
			return rows, err
		}

		if err := md.Unregister(); err != nil {
			return rows, err
		}

		if err := buf.Free(); err != nil {
			return rows, err
		}

		s.log.Debug().Uint64("msg_size", size).Msg("Sweep point complete")
	}

	return rows, nil
}

func (s *session) serve(ctx context.Context, sizes []uint64) error {
	ep := s.bc.Endpoint

	table, err := ep.AllocTable(ep.EQ(), endpoint.DataIndex)
	if err != nil {
		return err
	}

	landed := completion.NewCounter(ep.Backend(), ep.CT())
	keys := s.cfg.keys()
	total := s.cfg.Warmup + s.cfg.Iterations

	for i, size := range sizes {
		if i > 0 {
			if err := s.machine.To(bench.Setup); err != nil {
				return err
			}
		}

		bufs := make([]*mem.Buffer, s.cfg.Window)
		for w := range bufs {
			if bufs[w], err = s.bc.Space.Alloc(int(size), mem.ModePinned); err != nil {
				return ptlerr.Config("memory_mode", "pinned allocation failed: %v", err)
			}
		}

		link := func() ([]*region.Region, error) {
			regs := make([]*region.Region, 0, len(bufs))
			for w, b := range bufs {
				reg, err := region.RegisterTarget(table, region.TargetOptions{
					Buffers: []*mem.Buffer{b},
					Key:     keys(w),
					UseOnce: s.cfg.Mode == UseOnce,
					Counter: landed.Handle(),
				})
				if err != nil {
					return regs, err
				}
				regs = append(regs, reg)
			}

			return regs, nil
		}

		unlink := func(regs []*region.Region) error {
			for _, reg := range regs {
				if err := reg.Unregister(); err != nil {
					return err
				}
			}

			return nil
		}

		var regs []*region.Region
		if s.cfg.Mode == Persistent {
			if regs, err = link(); err != nil {
				return err
			}
		}

		if err := s.bc.Comm.Barrier(ctx); err != nil {
			return err
		}

		for n := 0; n < total; n++ {
			if s.cfg.Mode == UseOnce {
				if regs, err = link(); err != nil {
					return err
				}
			}

			if err := s.cmd.Send(uint64(n)); err != nil {
				return err
			}

			res, err := landed.WaitUntil(uint64((n + 1) * s.cfg.Window))
			if err != nil {
				return err
			}

			if res.Failure > 0 {
				return &ptlerr.CompletionFailure{Counting: true, Failures: res.Failure}
			}

			if s.cfg.Mode == UseOnce {
				// Every entry was consumed by its operation; this only
				// retires the handles.
				if err := unlink(regs); err != nil {
					return err
				}
				regs = nil
			}
		}

		if err := s.machine.To(bench.Teardown); err != nil {
			return err
		}

		if err := s.bc.Comm.Barrier(ctx); err != nil {
			return err
		}

		if err := unlink(regs); err != nil {
			return err
		}

		if err := landed.Reset(); err != nil {
			return err
		}

		for _, b := range bufs {
			if err := b.Free(); err != nil {
				return err
			}
		}
	}

	if err := table.Free(); err != nil {
		return fmt.Errorf("failed to free data table: %w", err)
	}

	return nil
}
