// Package components times the setup cost of individual network interface
// resources on a single participant: descriptor binds, entry links and
// triggered put arming.
package components

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/report"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Component names, in run order.
const (
	MDBuffer     = "MD-buffer"
	MDUnbounded  = "MD-size-max"
	LEBuffer     = "LE"
	LEUnbounded  = "LE-size-max"
	TriggeredPut = "triggered-put"
)

// Names lists every component in run order.
var Names = []string{MDBuffer, MDUnbounded, LEBuffer, LEUnbounded, TriggeredPut}

const (
	linkEQDepth   = 16
	triggeredSize = 1024
)

// ErrUnknownComponent is returned when a requested component does not exist.
var ErrUnknownComponent = errors.New("unknown component")

// Config selects what is timed.
type Config struct {
	Iterations int
	Warmup     int

	// BufferSize backs the MD-buffer and LE components.
	BufferSize int

	// Only restricts the run to the named components. Empty runs all.
	Only []string
}

// DefaultConfig times every component ten times after ten warmup rounds.
func DefaultConfig() Config {
	return Config{
		Iterations: 10,
		Warmup:     10,
		BufferSize: 64 << 20,
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

	if c.BufferSize <= 0 {
		return ptlerr.Config("buffer_size", "must be positive, got %d", c.BufferSize)
	}

	for _, name := range c.Only {
		if _, ok := timers[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownComponent, name)
		}
	}

	return nil
}

func (c Config) selected() []string {
	if len(c.Only) == 0 {
		return Names
	}

	want := make(map[string]bool, len(c.Only))
	for _, n := range c.Only {
		want[n] = true
	}

	var out []string
	for _, n := range Names {
		if want[n] {
			out = append(out, n)
		}
	}

	return out
}

// SinkFunc returns the sink a component's section is written to.
type SinkFunc func(component string) (report.Sink, error)

// timer runs one component: setup prepares shared state, step times one
// creation and undoes it.
type timer func(r *runner) (step func() (time.Duration, error), cleanup func() error, err error)

var timers = map[string]timer{
	MDBuffer:     mdBuffer,
	MDUnbounded:  mdUnbounded,
	LEBuffer:     leBuffer,
	LEUnbounded:  leUnbounded,
	TriggeredPut: triggeredPut,
}

type runner struct {
	ep    *endpoint.Endpoint
	space *mem.Space
	cfg   Config
	ch    completion.Channel
}

// Run times the selected components on ep, writing one section per
// component. Results are returned keyed by component name.
func Run(ep *endpoint.Endpoint, space *mem.Space, cfg Config, sinks SinkFunc) (map[string][]time.Duration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &runner{
		ep:    ep,
		space: space,
		cfg:   cfg,
		ch:    completion.NewCountingChannel(completion.NewCounter(ep.Backend(), ep.CT())),
	}

	logger := log.With().Str("component", "components").Stringer("id", ep.ID()).Logger()

	results := make(map[string][]time.Duration)

	for _, name := range cfg.selected() {
		times, err := r.time(timers[name])
		if err != nil {
			logger.Error().Err(err).Str("resource", name).Msg("Component timing failed")
			return results, fmt.Errorf("%s: %w", name, err)
		}

		results[name] = times

		sink, err := sinks(name)
		if err != nil {
			return results, err
		}

		if err := sink.Header("Iteration", "Time"); err != nil {
			return results, err
		}

		for i, d := range times {
			if err := sink.Row(i, float64(d.Nanoseconds())); err != nil {
				return results, err
			}
		}

		logger.Debug().Str("resource", name).Int("iterations", len(times)).Msg("Component timed")
	}

	return results, nil
}

func (r *runner) time(t timer) (times []time.Duration, err error) {
	step, cleanup, err := t(r)
	if err != nil {
		return nil, err
	}

	defer func() {
		err = errors.Join(err, cleanup())
	}()

	for i := 0; i < r.cfg.Warmup+r.cfg.Iterations; i++ {
		d, err := step()
		if err != nil {
			return nil, err
		}

		if i >= r.cfg.Warmup {
			times = append(times, d)
		}
	}

	return times, nil
}

func mdBuffer(r *runner) (func() (time.Duration, error), func() error, error) {
	buf, err := r.space.Alloc(r.cfg.BufferSize, mem.ModePinned)
	if err != nil {
		return nil, nil, err
	}

	step := func() (time.Duration, error) {
		t0 := time.Now()
		md, err := region.RegisterInitiator(r.ep, buf, r.ch)
		d := time.Since(t0)
		if err != nil {
			return 0, err
		}

		return d, md.Unregister()
	}

	return step, buf.Free, nil
}

func mdUnbounded(r *runner) (func() (time.Duration, error), func() error, error) {
	step := func() (time.Duration, error) {
		t0 := time.Now()
		md, err := region.RegisterInitiatorUnbounded(r.ep, r.ch)
		d := time.Since(t0)
		if err != nil {
			return 0, err
		}

		return d, md.Unregister()
	}

	return step, func() error { return nil }, nil
}

// linkTable allocates a dedicated queue and data table for link timing.
func (r *runner) linkTable() (*endpoint.TableIndex, func() error, error) {
	eq, err := r.ep.AllocEQ(linkEQDepth)
	if err != nil {
		return nil, nil, err
	}

	table, err := r.ep.AllocTable(eq, endpoint.DataIndex)
	if err != nil {
		return nil, nil, errors.Join(err, r.ep.FreeEQ(eq))
	}

	return table, func() error { return errors.Join(table.Free(), r.ep.FreeEQ(eq)) }, nil
}

func linkStep(table *endpoint.TableIndex, opts region.TargetOptions) func() (time.Duration, error) {
	return func() (time.Duration, error) {
		t0 := time.Now()
		reg, err := region.RegisterTarget(table, opts)
		d := time.Since(t0)
		if err != nil {
			return 0, err
		}

		return d, reg.Unregister()
	}
}

func leBuffer(r *runner) (func() (time.Duration, error), func() error, error) {
	buf, err := r.space.Alloc(r.cfg.BufferSize, mem.ModePinned)
	if err != nil {
		return nil, nil, err
	}

	table, free, err := r.linkTable()
	if err != nil {
		return nil, nil, errors.Join(err, buf.Free())
	}

	step := linkStep(table, region.TargetOptions{Buffers: []*mem.Buffer{buf}, Key: region.DefaultKey})

	return step, func() error { return errors.Join(free(), buf.Free()) }, nil
}

func leUnbounded(r *runner) (func() (time.Duration, error), func() error, error) {
	table, free, err := r.linkTable()
	if err != nil {
		return nil, nil, err
	}

	return linkStep(table, region.TargetOptions{Key: region.DefaultKey}), free, nil
}

// triggeredPut arms a put on a counter that never fires and cancels it.
func triggeredPut(r *runner) (func() (time.Duration, error), func() error, error) {
	table, free, err := r.linkTable()
	if err != nil {
		return nil, nil, err
	}

	entry, err := region.RegisterTargetAnonymous(table)
	if err != nil {
		return nil, nil, errors.Join(err, free())
	}

	trigger, err := r.ep.AllocCT()
	if err != nil {
		return nil, nil, errors.Join(err, entry.Unregister(), free())
	}

	md, err := region.RegisterInitiatorUnbounded(r.ep, r.ch)
	if err != nil {
		return nil, nil, errors.Join(err, r.ep.FreeCT(trigger), entry.Unregister(), free())
	}

	remote := region.Remote{Peer: r.ep.ID(), Index: table.Index(), Key: region.DefaultKey}

	step := func() (time.Duration, error) {
		t0 := time.Now()
		err := md.TriggeredPut(remote, 0, 0, triggeredSize, portals.AckReqCT, trigger, 1)
		d := time.Since(t0)
		if err != nil {
			return 0, err
		}

		return d, md.CancelTriggered(trigger, 1)
	}

	cleanup := func() error {
		return errors.Join(md.Unregister(), r.ep.FreeCT(trigger), entry.Unregister(), free())
	}

	return step, cleanup, nil
}
