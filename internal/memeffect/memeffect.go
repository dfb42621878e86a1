// Package memeffect measures how page residency and CPU cache state affect
// the latency of a single small operation.
//
// The two axes are independent. Page state is chosen separately for the
// initiator's local pages and the target's remote pages: Cold pages are
// freshly mapped and never touched, Hot pages are faulted in before the run.
// Cache state decides whether a dependent write chain over a scratch buffer
// larger than the last-level cache runs before every timed operation.
package memeffect

import (
	"context"
	"fmt"
	"math/rand/v2"
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

const (
	// DefaultCacheSize exceeds the last-level cache of the machines the
	// suite targets.
	DefaultCacheSize = 8 << 20
	DefaultMsgSize   = 512
)

// State is the residency of pages or of the CPU cache.
type State int

const (
	Cold State = iota
	Hot
)

func (s State) String() string {
	if s == Hot {
		return "hot"
	}

	return "cold"
}

// ParseState parses a state name for the given configuration field.
func ParseState(field, s string) (State, error) {
	switch strings.ToLower(s) {
	case "cold":
		return Cold, nil
	case "hot", "warm":
		return Hot, nil
	default:
		return 0, ptlerr.Config(field, "unknown state %q", s)
	}
}

func (s State) pageMode() mem.Mode {
	if s == Hot {
		return mem.ModeTouched
	}

	return mem.ModeCold
}

// Config selects the experiment.
type Config struct {
	Operation  bench.Operation
	Discipline completion.Discipline
	Iterations int
	MsgSize    int
	CacheSize  int
	Local      State
	Remote     State
	Cache      State

	// Seed picks the in-page offsets. Zero seeds from the clock.
	Seed uint64
}

// DefaultConfig returns the cold/cold, cold-cache experiment.
func DefaultConfig() Config {
	return Config{
		Operation:  bench.Put,
		Discipline: completion.FullEvent,
		Iterations: 10,
		MsgSize:    DefaultMsgSize,
		CacheSize:  DefaultCacheSize,
	}
}

// Validate checks cfg against the participant's page size.
func (c Config) Validate(pageSize int) error {
	if c.Iterations <= 0 {
		return ptlerr.Config("iterations", "must be positive, got %d", c.Iterations)
	}

	if c.MsgSize <= 0 || c.MsgSize > pageSize {
		return ptlerr.Config("msg_size", "must be in [1, %d], got %d", pageSize, c.MsgSize)
	}

	if c.Cache == Cold && c.CacheSize < wordSize {
		return ptlerr.Config("cache_size", "must be at least %d bytes, got %d", wordSize, c.CacheSize)
	}

	return nil
}

// Variant names the page-state combination, local side first.
func (c Config) Variant() string {
	return c.Local.String() + "_" + c.Remote.String()
}

// Result is what the initiator measured.
type Result struct {
	Sample        bench.Sample
	Invalidations int
}

// Run executes cfg on the calling participant. Only rank 0 returns a
// populated Result.
func Run(ctx context.Context, bc bench.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(bc.Space.PageSize()); err != nil {
		return Result{}, err
	}

	if bc.Comm.Size() != bootstrap.WorldSize {
		return Result{}, ptlerr.Config("world_size", "need exactly %d participants, got %d", bootstrap.WorldSize, bc.Comm.Size())
	}

	h := &harness{
		bc:      bc,
		cfg:     cfg,
		machine: bench.NewMachine(),
		rec:     bc.Telemetry(),
		log: log.With().
			Str("component", "memeffect").
			Int("rank", bc.Comm.Rank()).
			Str("variant", cfg.Variant()).
			Stringer("cache", cfg.Cache).
			Logger(),
	}
	h.machine.OnTransition(h.rec.Transitioned)

	var (
		res Result
		err error
	)

	if bc.Comm.Rank() == 0 {
		res, err = h.initiate(ctx)
	} else {
		err = h.serve(ctx)
	}

	if err != nil {
		h.machine.Fail()
		h.rec.Failed(err)
		h.log.Error().Err(err).Msg("Memory effect run failed")
	}

	return res, err
}

type harness struct {
	bc      bench.Context
	cfg     Config
	machine *bench.Machine
	rec     bench.Recorder
	log     zerolog.Logger
	pages   []*mem.Buffer
}

func (h *harness) allocPages(state State) error {
	for i := 0; i < h.cfg.Iterations; i++ {
		p, err := h.bc.Space.AllocPages(1, state.pageMode())
		if err != nil {
			return ptlerr.Config("page_state", "page allocation failed: %v", err)
		}

		h.pages = append(h.pages, p)
	}

	return nil
}

func (h *harness) freePages() error {
	var err error

	for _, p := range h.pages {
		if ferr := p.Free(); ferr != nil && err == nil {
			err = ferr
		}
	}

	h.pages = nil

	return err
}

func (h *harness) initiate(ctx context.Context) (Result, error) {
	ep := h.bc.Endpoint

	ch, err := completion.New(ep, h.cfg.Discipline)
	if err != nil {
		return Result{}, err
	}

	peer, err := ep.Peer()
	if err != nil {
		return Result{}, err
	}

	if err := h.allocPages(h.cfg.Local); err != nil {
		return Result{}, err
	}

	addrs, err := h.bc.Comm.Recv(ctx)
	if err != nil {
		return Result{}, err
	}

	if len(addrs) != h.cfg.Iterations {
		return Result{}, fmt.Errorf("received %d remote page addresses, want %d", len(addrs), h.cfg.Iterations)
	}

	var scratch *Scratch
	if h.cfg.Cache == Cold {
		scratch = NewScratch(h.cfg.CacheSize)
	}

	if err := h.bc.Comm.Barrier(ctx); err != nil {
		return Result{}, err
	}

	// Nothing warms up: a warmup would fault in the pages under test.
	if err := h.machine.To(bench.Warmup); err != nil {
		return Result{}, err
	}

	if err := h.machine.To(bench.Measuring); err != nil {
		return Result{}, err
	}

	seed := h.cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	issue := h.cfg.Operation.Issuer(ch.Ack())
	remote := region.Remote{Peer: peer, Index: endpoint.DataIndex}
	slots := (h.bc.Space.PageSize()-h.cfg.MsgSize)/wordSize + 1
	size := uint64(h.cfg.MsgSize)

	sample := make(bench.Sample, h.cfg.Iterations)

	for i := range sample {
		offset := uint64(rng.IntN(slots) * wordSize)

		// The local page is registered on its own so that the descriptor
		// covers exactly the page under test.
		reg, err := region.RegisterInitiator(ep, h.pages[i], ch)
		if err != nil {
			return Result{}, err
		}

		if scratch != nil {
			scratch.Invalidate()
		}

		t0 := time.Now()

		if err := issue(reg, remote, offset, addrs[i]+offset, size); err != nil {
			return Result{}, err
		}

		if err := ch.Drain(1); err != nil {
			return Result{}, err
		}

		sample[i] = time.Since(t0)

		h.rec.Issued(h.cfg.Operation, 1)
		h.rec.Drained(h.cfg.Discipline, 1)

		if err := reg.Settle(1); err != nil {
			return Result{}, err
		}

		if err := reg.Unregister(); err != nil {
			return Result{}, err
		}
	}

	if err := h.machine.To(bench.Draining); err != nil {
		return Result{}, err
	}

	if err := h.machine.To(bench.Reporting); err != nil {
		return Result{}, err
	}

	if err := h.report(sample); err != nil {
		return Result{}, err
	}

	if err := h.machine.To(bench.Teardown); err != nil {
		return Result{}, err
	}

	if err := h.bc.Comm.Barrier(ctx); err != nil {
		return Result{}, err
	}

	if err := ch.Reset(); err != nil {
		return Result{}, err
	}

	if err := h.freePages(); err != nil {
		return Result{}, err
	}

	res := Result{Sample: sample}
	if scratch != nil {
		res.Invalidations = scratch.Passes()
	}

	return res, h.machine.To(bench.Done)
}

func (h *harness) report(sample bench.Sample) error {
	sink := h.bc.Output()

	if err := sink.Header("ID", "pages", "cache", "latency"); err != nil {
		return err
	}

	for i, d := range sample {
		if err := sink.Row(i, h.cfg.Variant(), h.cfg.Cache.String(), bench.LatencyMicros(d)); err != nil {
			return err
		}
	}

	h.rec.Sampled(bench.Latency, uint64(h.cfg.MsgSize), sample)

	return nil
}

func (h *harness) serve(ctx context.Context) error {
	ep := h.bc.Endpoint

	table, err := ep.AllocTable(ep.EQ(), endpoint.DataIndex)
	if err != nil {
		return err
	}

	if err := h.allocPages(h.cfg.Remote); err != nil {
		return err
	}

	// Initiator offsets are absolute addresses in this participant's space.
	reg, err := region.RegisterTargetAnonymous(table)
	if err != nil {
		return err
	}

	addrs := make([]uint64, len(h.pages))
	for i, p := range h.pages {
		addrs[i] = p.Addr()
	}

	if err := h.bc.Comm.Send(ctx, addrs); err != nil {
		return err
	}

	if err := h.bc.Comm.Barrier(ctx); err != nil {
		return err
	}

	if err := h.machine.To(bench.Teardown); err != nil {
		return err
	}

	if err := h.bc.Comm.Barrier(ctx); err != nil {
		return err
	}

	if err := reg.Unregister(); err != nil {
		return err
	}

	if err := h.freePages(); err != nil {
		return err
	}

	if err := table.Free(); err != nil {
		return err
	}

	return h.machine.To(bench.Done)
}
