package memeffect

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/report"
	"github.com/piwi3910/ptlbench/internal/testutil"
)

func run(t *testing.T, w *testutil.World, cfg Config, matching bool) (*report.Table, Result) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	table := &report.Table{}

	var res Result

	err := bench.RunPair(ctx, w.Fabric, func(ctx context.Context, rank int) error {
		p := w.Ranks[rank]

		return bench.WithEndpoint(ctx, p.Backend, p.Comm, endpoint.Options{Matching: matching}, func(ep *endpoint.Endpoint) error {
			bc := bench.Context{Comm: p.Comm, Endpoint: ep, Space: p.Space}
			if rank == 0 {
				bc.Sink = table
			}

			r, err := Run(ctx, bc, cfg)
			if rank == 0 {
				res = r
			}

			return err
		})
	})
	require.NoError(t, err)

	return table, res
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Iterations = 6
	cfg.CacheSize = 64 << 10
	cfg.Seed = 42

	return cfg
}

func TestAxesAreIndependent(t *testing.T) {
	states := []State{Cold, Hot}

	for _, local := range states {
		for _, remote := range states {
			for _, cache := range states {
				name := local.String() + "_" + remote.String() + "/cache_" + cache.String()

				t.Run(name, func(t *testing.T) {
					w := testutil.NewWorld(t)

					cfg := smallConfig()
					cfg.Local = local
					cfg.Remote = remote
					cfg.Cache = cache

					table, res := run(t, w, cfg, false)

					require.Len(t, res.Sample, cfg.Iterations)
					assert.Equal(t, cfg.Iterations, table.Len())
					assert.Equal(t, []string{"ID", "pages", "cache", "latency"}, table.Columns)
					assert.Equal(t, cfg.Variant(), table.Rows[0][1])

					wantFaults := func(s State) int64 {
						if s == Cold {
							return int64(cfg.Iterations)
						}
						return 0
					}
					assert.Equal(t, wantFaults(local), w.Ranks[0].Space.Stats().Faults, "local faults")
					assert.Equal(t, wantFaults(remote), w.Ranks[1].Space.Stats().Faults, "remote faults")

					if cache == Cold {
						assert.Equal(t, cfg.Iterations, res.Invalidations)
					} else {
						assert.Zero(t, res.Invalidations)
					}

					assert.Zero(t, w.Ranks[0].Space.Live())
					assert.Zero(t, w.Ranks[1].Space.Live())
				})
			}
		}
	}
}

func TestColdPagesAreSlower(t *testing.T) {
	const penalty = 300 * time.Microsecond

	median := func(local, remote State) time.Duration {
		w := testutil.NewWorldWithMemory(t, mem.Options{FaultPenalty: penalty})

		cfg := smallConfig()
		cfg.Iterations = 7
		cfg.Local = local
		cfg.Remote = remote
		cfg.Cache = Hot

		_, res := run(t, w, cfg, false)

		s := append(bench.Sample(nil), res.Sample...)
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

		return s[len(s)/2]
	}

	hot := median(Hot, Hot)
	assert.Greater(t, median(Cold, Hot), hot+penalty/2)
	assert.Greater(t, median(Hot, Cold), hot+penalty/2)
	assert.Greater(t, median(Cold, Cold), hot+penalty)
}

func TestGetAndCounting(t *testing.T) {
	w := testutil.NewWorld(t)

	cfg := smallConfig()
	cfg.Operation = bench.Get
	cfg.Discipline = completion.Counting
	cfg.Remote = Hot

	_, res := run(t, w, cfg, true)
	assert.Len(t, res.Sample, cfg.Iterations)
	assert.Equal(t, int64(cfg.Iterations), w.Ranks[0].Space.Stats().Faults)
}

func TestValidate(t *testing.T) {
	const page = 4096

	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{name: "iterations", edit: func(c *Config) { c.Iterations = 0 }, field: "iterations"},
		{name: "message larger than page", edit: func(c *Config) { c.MsgSize = page + 1 }, field: "msg_size"},
		{name: "empty message", edit: func(c *Config) { c.MsgSize = 0 }, field: "msg_size"},
		{name: "cache", edit: func(c *Config) { c.CacheSize = 0 }, field: "cache_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			testutil.RequireConfigurationError(t, cfg.Validate(page), tt.field)
		})
	}

	cfg := DefaultConfig()
	cfg.Cache = Hot
	cfg.CacheSize = 0
	assert.NoError(t, cfg.Validate(page))
}

func TestParseState(t *testing.T) {
	s, err := ParseState("local", "HOT")
	require.NoError(t, err)
	assert.Equal(t, Hot, s)

	s, err = ParseState("local", "warm")
	require.NoError(t, err)
	assert.Equal(t, Hot, s)

	_, err = ParseState("remote", "lukewarm")
	testutil.RequireConfigurationError(t, err, "remote")
}

func TestScratch(t *testing.T) {
	s := NewScratch(1 << 10)
	assert.Equal(t, 1<<10, s.Len())

	s.Invalidate()
	s.Invalidate()
	assert.Equal(t, 2, s.Passes())

	for _, w := range s.words {
		assert.Equal(t, uint32(1), w)
	}

	empty := NewScratch(0)
	empty.Invalidate()
	assert.Zero(t, empty.Passes())
}
