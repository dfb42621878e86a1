package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// DefaultMatchBits is the match key used by fixtures.
const DefaultMatchBits uint64 = 0xDEADBEEF

// World is a simulated fabric with two participants.
type World struct {
	Fabric *portals.SimulatedFabric
	Ranks  [2]*Participant
}

// NewWorld builds a fabric with two participants using default memory
// options. The fabric is shut down when the test ends.
func NewWorld(t testing.TB, opts ...portals.FabricOption) *World {
	t.Helper()

	return NewWorldWithMemory(t, mem.Options{}, opts...)
}

// NewWorldWithMemory is NewWorld with explicit memory options for both
// participants.
func NewWorldWithMemory(t testing.TB, memOpts mem.Options, opts ...portals.FabricOption) *World {
	t.Helper()

	fabric := portals.NewSimulatedFabric(opts...)
	c0, c1 := bootstrap.NewPair()

	w := &World{Fabric: fabric}
	for i, comm := range []bootstrap.Comm{c0, c1} {
		space := mem.NewSpace(memOpts)
		w.Ranks[i] = &Participant{
			Space:   space,
			Backend: fabric.Attach(space),
			Comm:    comm,
		}
	}

	t.Cleanup(fabric.Shutdown)

	return w
}

// OpenPair opens an endpoint on each participant and records each as the
// other's peer.
func (w *World) OpenPair(t testing.TB, opts endpoint.Options) (*endpoint.Endpoint, *endpoint.Endpoint) {
	t.Helper()

	ep0, err := endpoint.Open(w.Ranks[0].Backend, opts)
	require.NoError(t, err)

	ep1, err := endpoint.Open(w.Ranks[1].Backend, opts)
	require.NoError(t, err)

	require.NoError(t, ep0.SetPeer(ep1.ID()))
	require.NoError(t, ep1.SetPeer(ep0.ID()))

	return ep0, ep1
}

// Buffer allocates a buffer in the participant's space and frees it when the
// test ends unless the test already did.
func (p *Participant) Buffer(t testing.TB, size int, mode mem.Mode) *mem.Buffer {
	t.Helper()

	buf, err := p.Space.Alloc(size, mode)
	require.NoError(t, err)

	t.Cleanup(func() { _ = buf.Free() })

	return buf
}
