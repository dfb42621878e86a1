package bench

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/report"
)

// helloCommand opens the offset exchange in fault mode.
const helloCommand = 'i'

// Run executes cfg on the calling participant. Rank 0 returns one Point per
// completed sweep point, including when a later point fails; rank 1 returns
// none.
func Run(ctx context.Context, bc Context, cfg Config) ([]Point, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if bc.Comm.Size() != bootstrap.WorldSize {
		return nil, ptlerr.Config("world_size", "need exactly %d participants, got %d", bootstrap.WorldSize, bc.Comm.Size())
	}

	if bc.Endpoint.Matching() != cfg.Matching {
		return nil, ptlerr.Config("matching", "endpoint matching is %t, run requires %t", bc.Endpoint.Matching(), cfg.Matching)
	}

	sizes, err := cfg.Sizes()
	if err != nil {
		return nil, err
	}

	p := newParticipant(bc, cfg)

	var points []Point

	switch bc.Comm.Rank() {
	case 0:
		points, err = (&initiator{participant: p}).run(ctx, sizes)
	case 1:
		err = (&target{participant: p}).run(ctx, sizes)
	default:
		err = ptlerr.Config("rank", "unexpected rank %d", bc.Comm.Rank())
	}

	if err != nil {
		p.machine.Fail()
		p.rec.Failed(err)
		p.log.Error().Err(err).Msg("Benchmark run failed")

		return points, err
	}

	return points, nil
}

type participant struct {
	bc      Context
	cfg     Config
	machine *Machine
	rec     Recorder
	log     zerolog.Logger
	cmd     *CommandChannel
	bufs    []*mem.Buffer
	region  *region.Region
}

func newParticipant(bc Context, cfg Config) participant {
	p := participant{
		bc:      bc,
		cfg:     cfg,
		machine: NewMachine(),
		rec:     bc.Telemetry(),
		log: log.With().
			Str("component", "bench").
			Int("rank", bc.Comm.Rank()).
			Stringer("op", cfg.Operation).
			Stringer("type", cfg.Type).
			Logger(),
	}

	p.machine.OnTransition(p.rec.Transitioned)
	p.machine.OnTransition(func(from, to State) {
		p.log.Trace().Stringer("from", from).Stringer("to", to).Msg("State transition")
	})

	return p
}

// alloc allocates the buffers backing a region of size bytes.
func (p *participant) alloc(size uint64) error {
	space := p.bc.Space

	switch p.cfg.Memory {
	case Pinned:
		b, err := space.Alloc(int(size), mem.ModePinned)
		if err != nil {
			return ptlerr.Config("memory_mode", "pinned allocation of %d bytes failed: %v", size, err)
		}
		p.bufs = []*mem.Buffer{b}
	case Fault:
		b, err := space.Alloc(int(size), mem.ModeTouched)
		if err != nil {
			return err
		}
		p.bufs = []*mem.Buffer{b}
	case Iovec:
		n := p.cfg.Iovecs
		seg := (size + uint64(n) - 1) / uint64(n)
		if seg == 0 {
			seg = 1
		}
		for i := 0; i < n; i++ {
			b, err := space.Alloc(int(seg), mem.ModePinned)
			if err != nil {
				return ptlerr.Config("memory_mode", "pinned segment allocation failed: %v", err)
			}
			p.bufs = append(p.bufs, b)
		}
	}

	return nil
}

// release unregisters the region and frees its buffers.
func (p *participant) release() error {
	var errs []error

	if p.region != nil {
		if err := p.region.Unregister(); err != nil {
			return err
		}
		p.region = nil
	}

	for _, b := range p.bufs {
		errs = append(errs, b.Free())
	}
	p.bufs = nil

	return errors.Join(errs...)
}

// openCommands opens the command channel in fault mode. Both ranks leave only
// once the peer's inbox is linked, so the first Send cannot race it.
func (p *participant) openCommands(ctx context.Context) error {
	if p.cfg.Memory != Fault {
		return nil
	}

	cmd, err := OpenCommandChannel(p.bc.Endpoint, p.bc.Space, endpoint.CommandIndex)
	if err != nil {
		return err
	}

	p.cmd = cmd

	return p.bc.Comm.Barrier(ctx)
}

func (p *participant) closeCommands() error {
	if p.cmd == nil {
		return nil
	}

	err := p.cmd.Close()
	p.cmd = nil

	return err
}

type initiator struct {
	participant
	ch        completion.Channel
	issue     IssueFunc
	remote    region.Remote
	local     uint64
	remoteOff uint64
	pending   int
}

func (r *initiator) run(ctx context.Context, sizes []uint64) ([]Point, error) {
	ep := r.bc.Endpoint

	ch, err := completion.New(ep, r.cfg.Discipline)
	if err != nil {
		return nil, err
	}

	if r.cfg.Type == Bandwidth && r.cfg.Window > ch.Capacity() {
		return nil, ptlerr.Config("window", "%d exceeds completion capacity %d", r.cfg.Window, ch.Capacity())
	}

	peer, err := ep.Peer()
	if err != nil {
		return nil, err
	}

	r.ch = ch
	r.issue = r.cfg.Operation.Issuer(ch.Ack())
	r.remote = region.Remote{Peer: peer, Index: endpoint.DataIndex, Key: r.cfg.MatchKey}

	if err := r.openCommands(ctx); err != nil {
		return nil, err
	}

	if err := r.bc.Output().Header("ID", "msg_size", r.cfg.Type.Metric()); err != nil {
		return nil, err
	}

	if r.cfg.Registration == Reuse {
		if err := r.register(r.cfg.BufferSize()); err != nil {
			return nil, err
		}
	}

	r.log.Info().
		Stringer("discipline", r.cfg.Discipline).
		Stringer("memory", r.cfg.Memory).
		Int("iterations", r.cfg.Iterations).
		Int("warmup", r.cfg.Warmup).
		Int("window", r.cfg.window()).
		Int("sweep_points", len(sizes)).
		Msg("Starting benchmark")

	points := make([]Point, 0, len(sizes))

	for i, size := range sizes {
		if i > 0 {
			if err := r.machine.To(Setup); err != nil {
				return points, err
			}
		}

		point, err := r.point(ctx, size)
		if err != nil {
			return points, err
		}

		points = append(points, point)
	}

	if err := r.release(); err != nil {
		return points, err
	}

	if err := r.closeCommands(); err != nil {
		return points, err
	}

	return points, r.machine.To(Done)
}

func (r *initiator) register(size uint64) error {
	if err := r.alloc(size); err != nil {
		return err
	}

	var err error

	switch r.cfg.Memory {
	case Pinned:
		r.region, err = region.RegisterInitiator(r.bc.Endpoint, r.bufs[0], r.ch)
		r.local = 0
	case Fault:
		r.region, err = region.RegisterInitiatorUnbounded(r.bc.Endpoint, r.ch)
		r.local = r.bufs[0].Addr()
	case Iovec:
		r.region, err = region.RegisterInitiatorIovec(r.bc.Endpoint, r.bufs, r.ch)
		r.local = 0
	}

	return err
}

func (r *initiator) point(ctx context.Context, size uint64) (Point, error) {
	// Setup
	if r.cfg.Registration == PerSweep {
		if err := r.register(size); err != nil {
			return Point{}, err
		}
	}

	if r.cmd != nil {
		if err := r.cmd.Send(helloCommand); err != nil {
			return Point{}, err
		}

		addr, _, err := r.cmd.Receive()
		if err != nil {
			return Point{}, err
		}

		r.remoteOff = addr
	}

	if err := r.bc.Comm.Barrier(ctx); err != nil {
		return Point{}, err
	}

	if err := r.machine.To(Warmup); err != nil {
		return Point{}, err
	}

	if err := r.warmup(size); err != nil {
		return Point{}, err
	}

	if err := r.machine.To(Measuring); err != nil {
		return Point{}, err
	}

	sample, err := r.measure(size)
	if err != nil {
		return Point{}, err
	}

	if err := r.machine.To(Draining); err != nil {
		return Point{}, err
	}

	if err := r.drain(r.pending); err != nil {
		return Point{}, err
	}

	if err := r.machine.To(Reporting); err != nil {
		return Point{}, err
	}

	point := Point{
		Size:    size,
		Window:  r.cfg.window(),
		Sample:  sample,
		Metrics: sample.Metrics(r.cfg.Type, size, r.cfg.window()),
	}

	if err := r.report(point); err != nil {
		return Point{}, err
	}

	if err := r.machine.To(Teardown); err != nil {
		return Point{}, err
	}

	if err := r.bc.Comm.Barrier(ctx); err != nil {
		return Point{}, err
	}

	if err := r.ch.Reset(); err != nil {
		return Point{}, err
	}

	if r.cfg.Registration == PerSweep {
		if err := r.release(); err != nil {
			return Point{}, err
		}
	}

	return point, nil
}

func (r *initiator) issueOne(size uint64) error {
	if err := r.issue(r.region, r.remote, r.local, r.remoteOff, size); err != nil {
		return err
	}

	r.pending++
	r.rec.Issued(r.cfg.Operation, 1)

	return nil
}

func (r *initiator) drain(n int) error {
	if n <= 0 {
		return nil
	}

	if err := r.ch.Drain(n); err != nil {
		return err
	}

	r.pending -= n
	r.rec.Drained(r.cfg.Discipline, n)

	return r.region.Settle(n)
}

// warmup drains every operation in latency mode. Windowed modes drain once
// at the end of the batch, or earlier if the channel would overflow.
func (r *initiator) warmup(size uint64) error {
	if r.cfg.Type == Latency {
		for i := 0; i < r.cfg.Warmup; i++ {
			if err := r.issueOne(size); err != nil {
				return err
			}

			if err := r.drain(1); err != nil {
				return err
			}
		}

		return nil
	}

	capacity := r.ch.Capacity()
	total := r.cfg.Warmup * r.cfg.window()

	for i := 0; i < total; i++ {
		if r.pending == capacity {
			if err := r.drain(r.pending); err != nil {
				return err
			}
		}

		if err := r.issueOne(size); err != nil {
			return err
		}
	}

	return r.drain(r.pending)
}

func (r *initiator) measure(size uint64) (Sample, error) {
	sample := make(Sample, r.cfg.Iterations)

	switch r.cfg.Type {
	case Latency:
		for i := range sample {
			t0 := time.Now()

			if err := r.issueOne(size); err != nil {
				return nil, err
			}

			if err := r.drain(1); err != nil {
				return nil, err
			}

			sample[i] = time.Since(t0)
		}
	case Bandwidth:
		for i := range sample {
			t0 := time.Now()

			for w := 0; w < r.cfg.Window; w++ {
				if err := r.issueOne(size); err != nil {
					return nil, err
				}
			}

			if err := r.drain(r.cfg.Window); err != nil {
				return nil, err
			}

			sample[i] = time.Since(t0)
		}
	case MsgRate:
		// Only the issue is timed. Completions wait for Draining unless the
		// channel would overflow, in which case they are drained untimed.
		capacity := r.ch.Capacity()

		for i := range sample {
			if r.pending == capacity {
				if err := r.drain(r.pending); err != nil {
					return nil, err
				}
			}

			t0 := time.Now()

			if err := r.issueOne(size); err != nil {
				return nil, err
			}

			sample[i] = time.Since(t0)
		}
	}

	return sample, nil
}

func (r *initiator) report(point Point) error {
	sink := r.bc.Output()

	for i, v := range point.Metrics {
		if err := sink.Row(i, point.Size, v); err != nil {
			return err
		}
	}

	r.rec.Sampled(r.cfg.Type, point.Size, point.Sample)

	r.log.Debug().
		Uint64("msg_size", point.Size).
		Object("summary", report.Summarize(point.Sample)).
		Msg("Sweep point complete")

	return nil
}

type target struct {
	participant
	table *endpoint.TableIndex
}

func (t *target) run(ctx context.Context, sizes []uint64) error {
	ep := t.bc.Endpoint

	table, err := ep.AllocTable(ep.EQ(), endpoint.DataIndex)
	if err != nil {
		return err
	}

	t.table = table

	if err := t.openCommands(ctx); err != nil {
		return err
	}

	if t.cfg.Registration == Reuse {
		if err := t.register(t.cfg.BufferSize()); err != nil {
			return err
		}
	}

	for i, size := range sizes {
		if i > 0 {
			if err := t.machine.To(Setup); err != nil {
				return err
			}
		}

		if err := t.point(ctx, size); err != nil {
			return err
		}
	}

	if err := t.release(); err != nil {
		return err
	}

	if err := t.closeCommands(); err != nil {
		return err
	}

	if err := t.table.Free(); err != nil {
		return err
	}

	return t.machine.To(Done)
}

// register links the target entry and blocks until the link is confirmed.
func (t *target) register(size uint64) error {
	if err := t.alloc(size); err != nil {
		return err
	}

	opts := region.TargetOptions{Key: t.cfg.MatchKey}
	if t.cfg.Memory != Fault {
		opts.Buffers = t.bufs
	}

	reg, err := region.RegisterTarget(t.table, opts)
	if err != nil {
		return err
	}

	t.region = reg

	return nil
}

func (t *target) point(ctx context.Context, size uint64) error {
	if t.cfg.Registration == PerSweep {
		if err := t.register(size); err != nil {
			return err
		}
	}

	if t.cmd != nil {
		if _, _, err := t.cmd.Receive(); err != nil {
			return err
		}

		if err := t.cmd.Send(t.bufs[0].Addr()); err != nil {
			return err
		}
	}

	if err := t.bc.Comm.Barrier(ctx); err != nil {
		return err
	}

	if err := t.machine.To(Teardown); err != nil {
		return err
	}

	// The initiator has drained every operation addressing the entry once it
	// reaches this barrier.
	if err := t.bc.Comm.Barrier(ctx); err != nil {
		return err
	}

	if t.cfg.Registration == PerSweep {
		return t.release()
	}

	return nil
}
