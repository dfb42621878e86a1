package endpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/testutil"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

func TestOpenRequestsMaxLimits(t *testing.T) {
	w := testutil.NewWorld(t, portals.WithLimits(portals.Limits{MaxEQs: 8, MaxCTs: 8, MaxPTIndex: 3}))

	ep, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{Matching: true})
	require.NoError(t, err)

	assert.Equal(t, 8, ep.Limits().MaxEQs)
	assert.Equal(t, 3, ep.Limits().MaxPTIndex)
	assert.True(t, ep.Matching())
	assert.Equal(t, endpoint.DefaultEQDepth, ep.EQDepth())
	assert.Equal(t, w.Ranks[0].Backend.ID(), ep.ID())
	assert.NotEqual(t, portals.EQNone, ep.EQ())
	assert.NotEqual(t, portals.CTNone, ep.CT())

	require.NoError(t, ep.Close())
}

func TestOpenFailureIsTransportCallError(t *testing.T) {
	w := testutil.NewWorld(t, portals.WithLimits(portals.Limits{MaxEQs: 0, MaxCTs: 1}))

	_, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{})
	testutil.RequireTransportCall(t, err, "PtlEQAlloc")

	ep, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{EQDepth: -1})
	assert.Nil(t, ep)
	testutil.RequireConfigurationError(t, err, "eq_depth")
}

func TestCloseRefusesLiveResources(t *testing.T) {
	w := testutil.NewWorld(t)

	ep, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{})
	require.NoError(t, err)

	table, err := ep.AllocTable(ep.EQ(), endpoint.DataIndex)
	require.NoError(t, err)

	ct, err := ep.AllocCT()
	require.NoError(t, err)

	err = ep.Close()
	require.ErrorIs(t, err, endpoint.ErrLiveResources)
	assert.Contains(t, err.Error(), "ct=1")
	assert.Contains(t, err.Error(), "table=1")

	require.NoError(t, ep.FreeCT(ct))
	require.NoError(t, table.Free())
	assert.ErrorIs(t, table.Free(), endpoint.ErrTableFreed)

	testutil.AssertNoLiveResources(t, ep)
	require.NoError(t, ep.Close())
	assert.ErrorIs(t, ep.Close(), endpoint.ErrClosed)
}

func TestClosedEndpointRefusesAllocation(t *testing.T) {
	w := testutil.NewWorld(t)

	ep, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{})
	require.NoError(t, err)
	require.NoError(t, ep.Close())

	_, err = ep.AllocTable(ep.EQ(), endpoint.DataIndex)
	assert.ErrorIs(t, err, endpoint.ErrClosed)

	_, err = ep.AllocEQ(16)
	assert.ErrorIs(t, err, endpoint.ErrClosed)

	_, err = ep.AllocCT()
	assert.ErrorIs(t, err, endpoint.ErrClosed)

	testutil.AssertNoLiveResources(t, ep)
}

func TestTableIndexAllocation(t *testing.T) {
	w := testutil.NewWorld(t)

	ep, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{})
	require.NoError(t, err)

	data, err := ep.AllocTable(ep.EQ(), endpoint.DataIndex)
	require.NoError(t, err)
	assert.Equal(t, endpoint.DataIndex, data.Index())
	assert.Equal(t, ep.EQ(), data.EQ())

	_, err = ep.AllocTable(ep.EQ(), endpoint.DataIndex)
	testutil.RequireTransportCall(t, err, "PtlPTAlloc")

	eq, err := ep.AllocEQ(16)
	require.NoError(t, err)

	cmd, err := ep.AllocTable(eq, endpoint.CommandIndex)
	require.NoError(t, err)
	assert.Equal(t, endpoint.CommandIndex, cmd.Index())

	require.NoError(t, cmd.Free())
	require.NoError(t, data.Free())
	require.NoError(t, ep.FreeEQ(eq))
	require.NoError(t, ep.Close())
}

func TestExchange(t *testing.T) {
	w := testutil.NewWorld(t)

	ep0, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{})
	require.NoError(t, err)
	ep1, err := endpoint.Open(w.Ranks[1].Backend, endpoint.Options{})
	require.NoError(t, err)

	_, err = ep0.Peer()
	assert.ErrorIs(t, err, endpoint.ErrNoPeer)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return endpoint.Exchange(ctx, w.Ranks[0].Comm, ep0) })
	g.Go(func() error { return endpoint.Exchange(ctx, w.Ranks[1].Comm, ep1) })
	require.NoError(t, g.Wait())

	peer0, err := ep0.Peer()
	require.NoError(t, err)
	assert.Equal(t, ep1.ID(), peer0)

	peer1, err := ep1.Peer()
	require.NoError(t, err)
	assert.Equal(t, ep0.ID(), peer1)

	assert.ErrorIs(t, ep0.SetPeer(ep1.ID()), endpoint.ErrPeerAlreadySet)
}

type wideComm struct {
	bootstrap.Comm
}

func (wideComm) Size() int { return 3 }

func TestExchangeRejectsWorldSize(t *testing.T) {
	w := testutil.NewWorld(t)

	ep, err := endpoint.Open(w.Ranks[0].Backend, endpoint.Options{})
	require.NoError(t, err)

	err = endpoint.Exchange(context.Background(), wideComm{w.Ranks[0].Comm}, ep)
	testutil.RequireConfigurationError(t, err, "world_size")
}
