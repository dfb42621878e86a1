package components

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/report"
	"github.com/piwi3910/ptlbench/internal/testutil"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

func tables() (map[string]*report.Table, SinkFunc) {
	out := make(map[string]*report.Table)

	return out, func(name string) (report.Sink, error) {
		t := &report.Table{}
		out[name] = t
		return t, nil
	}
}

func TestRunAllComponents(t *testing.T) {
	for _, matching := range []bool{false, true} {
		t.Run(map[bool]string{false: "list", true: "match"}[matching], func(t *testing.T) {
			w := testutil.NewWorld(t)
			p := w.Ranks[0]

			ep, err := endpoint.Open(p.Backend, endpoint.Options{Matching: matching})
			require.NoError(t, err)

			cfg := Config{Iterations: 4, Warmup: 2, BufferSize: 1 << 16}
			out, sinks := tables()

			results, err := Run(ep, p.Space, cfg, sinks)
			require.NoError(t, err)

			for _, name := range Names {
				require.Contains(t, results, name)
				assert.Len(t, results[name], cfg.Iterations, name)

				table := out[name]
				require.NotNil(t, table, name)
				assert.Equal(t, []string{"Iteration", "Time"}, table.Columns)
				assert.Equal(t, cfg.Iterations, table.Len())
			}

			// Nothing armed survives the cancellations.
			metrics := p.Backend.GetMetrics()
			assert.EqualValues(t, cfg.Warmup+cfg.Iterations, metrics["triggered_puts"])
			assert.EqualValues(t, 0, metrics["triggered_fired"])

			testutil.AssertNoLiveResources(t, ep)
			assert.Zero(t, p.Space.Live())
			require.NoError(t, ep.Close())
		})
	}
}

func TestRunSubset(t *testing.T) {
	w := testutil.NewWorld(t)
	p := w.Ranks[0]

	ep, err := endpoint.Open(p.Backend, endpoint.Options{})
	require.NoError(t, err)
	defer ep.Close()

	cfg := DefaultConfig()
	cfg.Iterations = 2
	cfg.Warmup = 0
	cfg.Only = []string{TriggeredPut, MDUnbounded}

	out, sinks := tables()
	results, err := Run(ep, p.Space, cfg, sinks)
	require.NoError(t, err)

	assert.Len(t, results, 2)
	assert.Len(t, out, 2)
	assert.Contains(t, out, TriggeredPut)
	assert.Contains(t, out, MDUnbounded)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Only = []string{"EQ"}
	assert.True(t, errors.Is(cfg.Validate(), ErrUnknownComponent))

	cfg = DefaultConfig()
	cfg.Iterations = 0
	testutil.RequireConfigurationError(t, cfg.Validate(), "iterations")

	cfg = DefaultConfig()
	cfg.BufferSize = 0
	testutil.RequireConfigurationError(t, cfg.Validate(), "buffer_size")
}

func TestSinkErrorStopsRun(t *testing.T) {
	w := testutil.NewWorld(t)
	p := w.Ranks[0]

	ep, err := endpoint.Open(p.Backend, endpoint.Options{})
	require.NoError(t, err)

	boom := errors.New("disk full")
	cfg := Config{Iterations: 1, BufferSize: 4096, Only: []string{MDUnbounded}}

	_, err = Run(ep, p.Space, cfg, func(string) (report.Sink, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	testutil.AssertNoLiveResources(t, ep)
}

func TestWriteLimits(t *testing.T) {
	l := portals.Limits{MaxEntries: 7, MaxIovecs: 3, MaxMsgSize: 1 << 30}

	var buf bytes.Buffer
	require.NoError(t, WriteLimits(&buf, l))

	assert.Contains(t, buf.String(), "max_entries: 7\n")
	assert.Contains(t, buf.String(), "max_msg_size: 1073741824\n")

	var back map[string]uint64
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Len(t, back, 10)
	assert.Equal(t, uint64(3), back["max_iovecs"])
}
