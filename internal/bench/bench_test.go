package bench

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/report"
	"github.com/piwi3910/ptlbench/internal/testutil"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

type runOpts struct {
	eqDepth  int
	recorder Recorder

	// targetDelay holds rank 1 back before it starts its run.
	targetDelay time.Duration
}

// runPair runs cfg on both ranks of w, collecting rank 0's rows in a Table.
func runPair(t *testing.T, w *testutil.World, cfg Config, o runOpts) (*report.Table, []Point, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	table := &report.Table{}

	var points []Point

	err := RunPair(ctx, w.Fabric, func(ctx context.Context, rank int) error {
		p := w.Ranks[rank]
		opts := endpoint.Options{Matching: cfg.Matching, EQDepth: o.eqDepth}

		return WithEndpoint(ctx, p.Backend, p.Comm, opts, func(ep *endpoint.Endpoint) error {
			bc := Context{Comm: p.Comm, Endpoint: ep, Space: p.Space}
			if rank == 0 {
				bc.Sink = table
				bc.Recorder = o.recorder
			}

			if rank == 1 && o.targetDelay > 0 {
				time.Sleep(o.targetDelay)
			}

			pts, err := Run(ctx, bc, cfg)
			if rank == 0 {
				points = pts
			}

			return err
		})
	})

	return table, points, err
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.Iterations = 10
	cfg.Warmup = 5
	cfg.MsgSize = 64

	return cfg
}

func TestScenarioLatency(t *testing.T) {
	w := testutil.NewWorld(t)

	cfg := baseConfig()
	table, points, err := runPair(t, w, cfg, runOpts{})
	require.NoError(t, err)

	assert.Equal(t, []string{"ID", "msg_size", "latency"}, table.Columns)
	require.Equal(t, 10, table.Len())

	for i, row := range table.Rows {
		assert.Equal(t, i, row[0])
		assert.Equal(t, uint64(64), row[1])
		assert.GreaterOrEqual(t, row[2].(float64), 0.0)
	}

	require.Len(t, points, 1)
	assert.Len(t, points[0].Sample, 10)
	for i, d := range points[0].Sample {
		assert.InDelta(t, LatencyMicros(d), table.Rows[i][2].(float64), 1e-9)
	}
}

func TestScenarioBandwidth(t *testing.T) {
	w := testutil.NewWorld(t)

	cfg := baseConfig()
	cfg.Type = Bandwidth
	cfg.Window = 8
	cfg.MsgSize = 1024

	table, points, err := runPair(t, w, cfg, runOpts{})
	require.NoError(t, err)

	assert.Equal(t, "bandwidth", table.Columns[2])
	require.Len(t, points, 1)
	require.Equal(t, cfg.Iterations, table.Len())

	for i, d := range points[0].Sample {
		want := (1024 * 8 * 1e-6) / (float64(d.Nanoseconds()) * 1e-9)
		got := table.Rows[i][2].(float64)

		assert.InEpsilon(t, want, got, 1e-9)
		assert.Greater(t, got, 0.0)
	}
}

func TestScenarioCompletionFailureAbortsBeforeReporting(t *testing.T) {
	var puts atomic.Int64

	// Fail the third measured operation of the second sweep point: 15 ops in
	// the first point, then 5 warmup and 2 measured.
	fault := portals.WithFaults(func(op portals.Op, _ portals.ProcessID, index uint32) portals.NIFailType {
		if op != portals.OpPut || index != endpoint.DataIndex {
			return portals.NIOK
		}

		if puts.Add(1) == 15+5+3 {
			return portals.NIDropped
		}

		return portals.NIOK
	})

	for _, d := range []completion.Discipline{completion.Counting, completion.FullEvent} {
		t.Run(d.String(), func(t *testing.T) {
			puts.Store(0)
			w := testutil.NewWorld(t, fault)

			cfg := baseConfig()
			cfg.Discipline = d
			cfg.MsgSize = 0
			cfg.MinMsgSize = 8
			cfg.MaxMsgSize = 32

			table, points, err := runPair(t, w, cfg, runOpts{})

			cf := testutil.RequireCompletionFailure(t, err)
			assert.Equal(t, d == completion.Counting, cf.Counting)

			// Only the first sweep point was reported.
			require.Len(t, points, 1)
			assert.Equal(t, 10, table.Len())
			for _, row := range table.Rows {
				assert.Equal(t, uint64(8), row[1])
			}
		})
	}
}

func TestSweepCoverage(t *testing.T) {
	sizes, err := Sizes(1, 16)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 4, 8, 16}, sizes)

	sizes, err = Sizes(3, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, sizes)

	_, err = Sizes(0, 16)
	testutil.RequireConfigurationError(t, err, "min_msg_size")

	_, err = Sizes(32, 16)
	testutil.RequireConfigurationError(t, err, "min_msg_size")

	w := testutil.NewWorld(t)

	cfg := baseConfig()
	cfg.Iterations = 2
	cfg.MsgSize = 0
	cfg.MinMsgSize = 1
	cfg.MaxMsgSize = 16

	table, points, err := runPair(t, w, cfg, runOpts{})
	require.NoError(t, err)
	require.Len(t, points, 5)
	assert.Equal(t, 10, table.Len())

	var seen []uint64
	for _, p := range points {
		seen = append(seen, p.Size)
	}
	assert.Equal(t, []uint64{1, 2, 4, 8, 16}, seen)
	assert.True(t, sort.SliceIsSorted(table.Rows, func(i, j int) bool {
		return table.Rows[i][1].(uint64) < table.Rows[j][1].(uint64)
	}))
}

func TestArithmetic(t *testing.T) {
	assert.InDelta(t, 8192.0, BandwidthMBs(1024, 8, time.Microsecond), 1e-9)
	assert.InDelta(t, 1.0, BandwidthMBs(1_000_000, 1, time.Second), 1e-12)
	assert.InDelta(t, 1.5, LatencyMicros(1500*time.Nanosecond), 1e-12)
	assert.False(t, BandwidthMBs(1, 1, 0) <= 0)

	s := Sample{time.Microsecond, 2 * time.Microsecond}
	assert.Equal(t, []float64{1, 2}, s.Metrics(Latency, 64, 1))
	assert.Equal(t, []float64{1, 2}, s.Metrics(MsgRate, 64, 1))
	assert.InDeltaSlice(t, []float64{64, 32}, s.Metrics(Bandwidth, 64, 1), 1e-9)
}

func TestTeardownAcrossModes(t *testing.T) {
	ops := []Operation{Put, Get}
	types := []Type{Latency, Bandwidth, MsgRate}
	disciplines := []completion.Discipline{completion.Counting, completion.FullEvent}
	memory := []MemoryMode{Pinned, Fault, Iovec}

	for _, op := range ops {
		for _, typ := range types {
			for _, d := range disciplines {
				for _, m := range memory {
					for _, matching := range []bool{false, true} {
						name := op.String() + "/" + typ.String() + "/" + d.String() + "/" + m.String()
						if matching {
							name += "/matching"
						}

						t.Run(name, func(t *testing.T) {
							w := testutil.NewWorld(t)

							cfg := baseConfig()
							cfg.Operation = op
							cfg.Type = typ
							cfg.Discipline = d
							cfg.Memory = m
							cfg.Matching = matching
							cfg.Iterations = 3
							cfg.Warmup = 2
							cfg.Window = 4
							cfg.MsgSize = 0
							cfg.MinMsgSize = 512
							cfg.MaxMsgSize = 1024
							if matching {
								cfg.Registration = Reuse
							}

							// WithEndpoint closes both endpoints, which fails
							// while anything derived from them is live.
							table, points, err := runPair(t, w, cfg, runOpts{})
							require.NoError(t, err)
							assert.Len(t, points, 2)
							assert.Equal(t, 6, table.Len())

							for i := range w.Ranks {
								assert.Zero(t, w.Ranks[i].Space.Live(), "rank %d leaked buffers", i)
							}
						})
					}
				}
			}
		}
	}
}

func TestGetReadsTargetBuffer(t *testing.T) {
	w := testutil.NewWorld(t)

	cfg := baseConfig()
	cfg.Operation = Get
	cfg.Memory = Fault

	_, _, err := runPair(t, w, cfg, runOpts{})
	require.NoError(t, err)

	stats := w.Ranks[1].Space.Stats()
	assert.GreaterOrEqual(t, stats.Resolves, int64(cfg.Iterations+cfg.Warmup))
}

func TestMsgRateChunksByCapacity(t *testing.T) {
	w := testutil.NewWorld(t)
	rec := &countingRecorder{}

	cfg := baseConfig()
	cfg.Type = MsgRate
	cfg.Discipline = completion.FullEvent
	cfg.Iterations = 40
	cfg.Warmup = 20

	_, _, err := runPair(t, w, cfg, runOpts{eqDepth: 16, recorder: rec})
	require.NoError(t, err)

	assert.Equal(t, int64(60), rec.issued.Load())
	assert.Equal(t, int64(60), rec.drained.Load())
}

func TestBandwidthWindowExceedsCapacity(t *testing.T) {
	w := testutil.NewWorld(t)

	cfg := baseConfig()
	cfg.Type = Bandwidth
	cfg.Discipline = completion.FullEvent
	cfg.Window = 32

	_, _, err := runPair(t, w, cfg, runOpts{eqDepth: 16})
	testutil.RequireConfigurationError(t, err, "window")
}

func TestIssueFollowsLink(t *testing.T) {
	var (
		mu  sync.Mutex
		ops []portals.Op
	)

	record := portals.WithFaults(func(op portals.Op, _ portals.ProcessID, index uint32) portals.NIFailType {
		if index == endpoint.DataIndex {
			mu.Lock()
			ops = append(ops, op)
			mu.Unlock()
		}
		return portals.NIOK
	})

	w := testutil.NewWorld(t, record)

	cfg := baseConfig()
	cfg.MsgSize = 0
	cfg.MinMsgSize = 64
	cfg.MaxMsgSize = 128

	_, _, err := runPair(t, w, cfg, runOpts{})
	require.NoError(t, err)

	// Each sweep point links a fresh entry before any operation addresses it.
	perPoint := 1 + cfg.Warmup + cfg.Iterations
	require.Len(t, ops, 2*perPoint)
	for p := 0; p < 2; p++ {
		assert.Equal(t, portals.OpLink, ops[p*perPoint])
		for _, op := range ops[p*perPoint+1 : (p+1)*perPoint] {
			assert.Equal(t, portals.OpPut, op)
		}
	}
}

func TestStateSequence(t *testing.T) {
	w := testutil.NewWorld(t)
	rec := &countingRecorder{}

	cfg := baseConfig()
	cfg.MsgSize = 0
	cfg.MinMsgSize = 1
	cfg.MaxMsgSize = 2

	_, _, err := runPair(t, w, cfg, runOpts{recorder: rec})
	require.NoError(t, err)

	point := []State{Warmup, Measuring, Draining, Reporting, Teardown}
	want := append(append(append([]State{}, point...), Setup), point...)
	want = append(want, Done)

	assert.Equal(t, want, rec.states())
}

func TestPinnedFasterThanFault(t *testing.T) {
	probe := mem.NewSpace(mem.Options{})
	buf, err := probe.AllocPages(1, mem.ModePinned)
	require.NoError(t, err)
	pinned := buf.Pinned()
	require.NoError(t, buf.Free())

	if !pinned {
		t.Skip("mlock not permitted in this environment")
	}

	median := func(m MemoryMode) time.Duration {
		w := testutil.NewWorldWithMemory(t, mem.Options{TranslationPenalty: 200 * time.Microsecond})

		cfg := baseConfig()
		cfg.Memory = m
		cfg.Iterations = 9

		_, points, err := runPair(t, w, cfg, runOpts{})
		require.NoError(t, err)

		s := append(Sample(nil), points[0].Sample...)
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

		return s[len(s)/2]
	}

	pinnedLatency := median(Pinned)
	faultLatency := median(Fault)

	assert.Greater(t, faultLatency, pinnedLatency+200*time.Microsecond)
}

func TestRunRejectsMismatchedEndpoint(t *testing.T) {
	w := testutil.NewWorld(t)
	ep0, _ := w.OpenPair(t, endpoint.Options{Matching: false})

	cfg := baseConfig()
	cfg.Matching = true

	_, err := Run(context.Background(), Context{Comm: w.Ranks[0].Comm, Endpoint: ep0, Space: w.Ranks[0].Space}, cfg)
	testutil.RequireConfigurationError(t, err, "matching")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{name: "iterations", edit: func(c *Config) { c.Iterations = 0 }, field: "iterations"},
		{name: "warmup", edit: func(c *Config) { c.Warmup = -1 }, field: "warmup"},
		{name: "window", edit: func(c *Config) { c.Type = Bandwidth; c.Window = 0 }, field: "window"},
		{name: "iovecs", edit: func(c *Config) { c.Memory = Iovec; c.Iovecs = 0 }, field: "iovecs"},
		{name: "sweep", edit: func(c *Config) { c.MsgSize = 0; c.MinMsgSize = 64; c.MaxMsgSize = 8 }, field: "min_msg_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			testutil.RequireConfigurationError(t, cfg.Validate(), tt.field)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestParsers(t *testing.T) {
	op, err := ParseOperation("GET")
	require.NoError(t, err)
	assert.Equal(t, Get, op)

	typ, err := ParseType("msgrate")
	require.NoError(t, err)
	assert.Equal(t, MsgRate, typ)
	assert.Equal(t, "latency", typ.Metric())

	m, err := ParseMemoryMode("iovec")
	require.NoError(t, err)
	assert.Equal(t, Iovec, m)

	r, err := ParseRegistration("reuse")
	require.NoError(t, err)
	assert.Equal(t, Reuse, r)

	_, err = ParseOperation("atomic")
	testutil.RequireConfigurationError(t, err, "operation")
	_, err = ParseType("jitter")
	testutil.RequireConfigurationError(t, err, "type")
	_, err = ParseMemoryMode("huge")
	testutil.RequireConfigurationError(t, err, "memory_mode")
}

type countingRecorder struct {
	issued  atomic.Int64
	drained atomic.Int64
	mu      sync.Mutex
	seq     []State
}

func (r *countingRecorder) Issued(_ Operation, n int)               { r.issued.Add(int64(n)) }
func (r *countingRecorder) Drained(_ completion.Discipline, n int) { r.drained.Add(int64(n)) }
func (r *countingRecorder) Sampled(Type, uint64, Sample)           {}
func (r *countingRecorder) Failed(error)                           {}

func (r *countingRecorder) Transitioned(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq = append(r.seq, to)
}

func (r *countingRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]State(nil), r.seq...)
}

func TestFaultModeWaitsForLateTarget(t *testing.T) {
	for _, op := range []Operation{Put, Get} {
		t.Run(op.String(), func(t *testing.T) {
			w := testutil.NewWorld(t)

			cfg := baseConfig()
			cfg.Operation = op
			cfg.Memory = Fault
			cfg.MsgSize = 0
			cfg.MinMsgSize = 8
			cfg.MaxMsgSize = 32

			table, points, err := runPair(t, w, cfg, runOpts{targetDelay: 20 * time.Millisecond})
			require.NoError(t, err)

			assert.Len(t, points, 3)
			assert.Equal(t, 3*cfg.Iterations, table.Len())
		})
	}
}
