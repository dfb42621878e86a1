package region_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/testutil"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

type pair struct {
	world     *testutil.World
	init, tgt *endpoint.Endpoint
	table     *endpoint.TableIndex
	ch        completion.Channel
}

func newPair(t *testing.T, matching bool, d completion.Discipline, opts ...portals.FabricOption) *pair {
	t.Helper()

	w := testutil.NewWorld(t, opts...)
	ep0, ep1 := w.OpenPair(t, endpoint.Options{Matching: matching, EQDepth: 64})

	table, err := ep1.AllocTable(ep1.EQ(), endpoint.DataIndex)
	require.NoError(t, err)

	ch, err := completion.New(ep0, d)
	require.NoError(t, err)

	return &pair{world: w, init: ep0, tgt: ep1, table: table, ch: ch}
}

func (p *pair) remote(t *testing.T, key uint64) region.Remote {
	t.Helper()

	peer, err := p.init.Peer()
	require.NoError(t, err)

	return region.Remote{Peer: peer, Index: endpoint.DataIndex, Key: key}
}

func TestPutLandsInTargetList(t *testing.T) {
	for _, d := range []completion.Discipline{completion.Counting, completion.FullEvent} {
		t.Run(d.String(), func(t *testing.T) {
			p := newPair(t, false, d)

			tbuf := p.world.Ranks[1].Buffer(t, 4096, mem.ModeTouched)
			target, err := region.RegisterTargetList(p.table, tbuf)
			require.NoError(t, err)
			assert.Equal(t, region.TargetList, target.Role())
			assert.False(t, target.LinkedAt().IsZero())

			ibuf := p.world.Ranks[0].Buffer(t, 4096, mem.ModeTouched)
			copy(ibuf.Bytes(), "portals")

			init, err := region.RegisterInitiator(p.init, ibuf, p.ch)
			require.NoError(t, err)
			assert.Equal(t, region.Initiator, init.Role())

			require.NoError(t, init.Put(p.remote(t, region.DefaultKey), 0, 16, 7, p.ch.Ack()))
			assert.Equal(t, 1, init.InFlight())

			require.NoError(t, p.ch.Drain(1))
			require.NoError(t, init.Settle(1))
			assert.Equal(t, []byte("portals"), tbuf.Bytes()[16:23])

			require.NoError(t, init.Unregister())
			require.NoError(t, target.Unregister())
			require.NoError(t, p.table.Free())

			testutil.AssertNoLiveResources(t, p.init)
			testutil.AssertNoLiveResources(t, p.tgt)
		})
	}
}

func TestUnregisterRefusesInFlight(t *testing.T) {
	p := newPair(t, false, completion.Counting)

	tbuf := p.world.Ranks[1].Buffer(t, 4096, mem.ModeTouched)
	_, err := region.RegisterTargetList(p.table, tbuf)
	require.NoError(t, err)

	ibuf := p.world.Ranks[0].Buffer(t, 4096, mem.ModeTouched)
	init, err := region.RegisterInitiator(p.init, ibuf, p.ch)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, init.Put(p.remote(t, 0), 0, 0, 8, p.ch.Ack()))
	}

	assert.ErrorIs(t, init.Unregister(), region.ErrInFlight)

	require.NoError(t, p.ch.Drain(3))
	require.NoError(t, init.Settle(3))
	require.NoError(t, init.Unregister())

	assert.ErrorIs(t, init.Unregister(), region.ErrReleased)
	assert.ErrorIs(t, init.Put(p.remote(t, 0), 0, 0, 8, p.ch.Ack()), region.ErrReleased)
}

func TestSettleUnderflow(t *testing.T) {
	p := newPair(t, false, completion.Counting)

	ibuf := p.world.Ranks[0].Buffer(t, 64, mem.ModeTouched)
	init, err := region.RegisterInitiator(p.init, ibuf, p.ch)
	require.NoError(t, err)

	assert.ErrorIs(t, init.Settle(1), region.ErrSettleUnderflow)
	assert.Zero(t, init.InFlight())
}

func TestTargetCannotIssue(t *testing.T) {
	p := newPair(t, false, completion.Counting)

	target, err := region.RegisterTargetAnonymous(p.table)
	require.NoError(t, err)
	assert.Equal(t, region.TargetAnonymousList, target.Role())
	assert.Equal(t, uint64(region.Unbounded), target.Len())

	assert.ErrorIs(t, target.Put(p.remote(t, 0), 0, 0, 8, portals.AckReqCT), region.ErrNotInitiator)
	assert.ErrorIs(t, target.Get(p.remote(t, 0), 0, 0, 8), region.ErrNotInitiator)
}

func TestLinkFailure(t *testing.T) {
	p := newPair(t, true, completion.Counting, portals.WithFaults(func(op portals.Op, _ portals.ProcessID, _ uint32) portals.NIFailType {
		if op == portals.OpLink {
			return portals.NIDropped
		}
		return portals.NIOK
	}))

	tbuf := p.world.Ranks[1].Buffer(t, 4096, mem.ModeTouched)
	_, err := region.RegisterTargetPersistent(p.table, tbuf, testutil.DefaultMatchBits)

	var lf *ptlerr.LinkFailure
	require.ErrorAs(t, err, &lf)
	assert.Equal(t, portals.EventLink, lf.Kind)
	assert.Equal(t, portals.NIDropped, lf.FailType)

	assert.Zero(t, p.tgt.Live()[endpoint.ResourceME])
}

func TestRegisterTargetNeedsLinkQueue(t *testing.T) {
	w := testutil.NewWorld(t)
	ep, _ := w.OpenPair(t, endpoint.Options{})

	table, err := ep.AllocTable(portals.EQNone, endpoint.DataIndex)
	require.NoError(t, err)

	_, err = region.RegisterTargetAnonymous(table)
	assert.ErrorIs(t, err, region.ErrNoLinkQueue)
}

func TestUseOnceConsumedByFirstMatch(t *testing.T) {
	p := newPair(t, true, completion.FullEvent)

	counter, err := p.tgt.AllocCT()
	require.NoError(t, err)

	tbuf := p.world.Ranks[1].Buffer(t, 64, mem.ModeTouched)
	target, err := region.RegisterTargetUseOnce(p.table, tbuf, 42, counter)
	require.NoError(t, err)
	assert.Equal(t, region.TargetUseOnceMatch, target.Role())
	assert.Equal(t, uint64(42), target.Key())

	ibuf := p.world.Ranks[0].Buffer(t, 64, mem.ModeTouched)
	init, err := region.RegisterInitiator(p.init, ibuf, p.ch)
	require.NoError(t, err)

	require.NoError(t, init.Put(p.remote(t, 42), 0, 0, 8, p.ch.Ack()))
	require.NoError(t, p.ch.Drain(1))

	res, err := completion.NewCounter(p.tgt.Backend(), counter).Poll()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Success)

	// The entry is gone; a second put finds nothing to match.
	require.NoError(t, init.Put(p.remote(t, 42), 0, 0, 8, p.ch.Ack()))
	cf := testutil.RequireCompletionFailure(t, p.ch.Drain(1))
	assert.Equal(t, portals.NINoMatch, cf.FailType)
	require.NoError(t, init.Settle(2))

	require.NoError(t, target.Unregister())
	assert.Zero(t, p.tgt.Live()[endpoint.ResourceME])
	require.NoError(t, p.tgt.FreeCT(counter))
}

func TestUseOnceRequiresMatching(t *testing.T) {
	p := newPair(t, false, completion.Counting)

	tbuf := p.world.Ranks[1].Buffer(t, 64, mem.ModeTouched)
	_, err := region.RegisterTargetUseOnce(p.table, tbuf, 1, portals.CTNone)
	testutil.RequireConfigurationError(t, err, "use_once")
}

func TestPersistentMatchSelectsByKey(t *testing.T) {
	p := newPair(t, true, completion.FullEvent)

	a := p.world.Ranks[1].Buffer(t, 64, mem.ModeTouched)
	b := p.world.Ranks[1].Buffer(t, 64, mem.ModeTouched)

	_, err := region.RegisterTargetPersistent(p.table, a, 1)
	require.NoError(t, err)
	_, err = region.RegisterTargetPersistent(p.table, b, 2)
	require.NoError(t, err)

	ibuf := p.world.Ranks[0].Buffer(t, 64, mem.ModeTouched)
	copy(ibuf.Bytes(), "KEYTWO!!")

	init, err := region.RegisterInitiator(p.init, ibuf, p.ch)
	require.NoError(t, err)

	require.NoError(t, init.Put(p.remote(t, 2), 0, 0, 8, p.ch.Ack()))
	require.NoError(t, p.ch.Drain(1))

	assert.Equal(t, []byte("KEYTWO!!"), b.Bytes()[:8])
	assert.Equal(t, bytes.Repeat([]byte{mem.FillByte}, 8), a.Bytes()[:8])
}

func TestAnonymousUnbounded(t *testing.T) {
	p := newPair(t, true, completion.Counting)

	target, err := region.RegisterTargetAnonymous(p.table)
	require.NoError(t, err)
	assert.Equal(t, region.TargetAnonymousMatch, target.Role())

	// Neither buffer is registered; offsets are absolute addresses.
	tbuf := p.world.Ranks[1].Buffer(t, 4096, mem.ModeTouched)
	ibuf := p.world.Ranks[0].Buffer(t, 4096, mem.ModeTouched)
	copy(ibuf.Bytes()[100:], "anywhere")

	init, err := region.RegisterInitiatorUnbounded(p.init, p.ch)
	require.NoError(t, err)
	assert.Equal(t, uint64(region.Unbounded), init.Len())

	require.NoError(t, init.Put(p.remote(t, 0xABCD), ibuf.Addr()+100, tbuf.Addr()+200, 8, p.ch.Ack()))
	require.NoError(t, p.ch.Drain(1))
	assert.Equal(t, []byte("anywhere"), tbuf.Bytes()[200:208])

	copy(tbuf.Bytes()[300:], "comeback")
	require.NoError(t, init.Get(p.remote(t, 0), ibuf.Addr()+400, tbuf.Addr()+300, 8))
	require.NoError(t, p.ch.Drain(1))
	assert.Equal(t, []byte("comeback"), ibuf.Bytes()[400:408])

	require.NoError(t, init.Settle(2))
	require.NoError(t, init.Unregister())
	require.NoError(t, target.Unregister())
}

func TestIovecRegions(t *testing.T) {
	p := newPair(t, false, completion.Counting)

	t0 := p.world.Ranks[1].Buffer(t, 4, mem.ModeTouched)
	t1 := p.world.Ranks[1].Buffer(t, 4, mem.ModeTouched)
	target, err := region.RegisterTarget(p.table, region.TargetOptions{Buffers: []*mem.Buffer{t0, t1}})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), target.Len())

	i0 := p.world.Ranks[0].Buffer(t, 2, mem.ModeTouched)
	i1 := p.world.Ranks[0].Buffer(t, 6, mem.ModeTouched)
	copy(i0.Bytes(), "ab")
	copy(i1.Bytes(), "cdefgh")

	init, err := region.RegisterInitiatorIovec(p.init, []*mem.Buffer{i0, i1}, p.ch)
	require.NoError(t, err)
	assert.Len(t, init.Buffers(), 2)

	require.NoError(t, init.Put(p.remote(t, 0), 0, 0, 8, p.ch.Ack()))
	require.NoError(t, p.ch.Drain(1))

	assert.Equal(t, []byte("abcd"), t0.Bytes()[:4])
	assert.Equal(t, []byte("efgh"), t1.Bytes()[:4])

	_, err = region.RegisterInitiatorIovec(p.init, nil, p.ch)
	testutil.RequireConfigurationError(t, err, "iovecs")
}

func TestKeyFuncs(t *testing.T) {
	fixed := region.FixedKey(region.DefaultKey)
	assert.Equal(t, region.DefaultKey, fixed(0))
	assert.Equal(t, region.DefaultKey, fixed(99))

	slot := region.SlotKey(1)
	assert.Equal(t, uint64(1), slot(0))
	assert.Equal(t, uint64(8), slot(7))
}

func TestTriggeredPutFiresAndCancels(t *testing.T) {
	p := newPair(t, false, completion.Counting)

	tbuf := p.world.Ranks[1].Buffer(t, 64, mem.ModeTouched)
	target, err := region.RegisterTargetList(p.table, tbuf)
	require.NoError(t, err)

	ibuf := p.world.Ranks[0].Buffer(t, 64, mem.ModeTouched)
	copy(ibuf.Bytes(), "armed")

	init, err := region.RegisterInitiator(p.init, ibuf, p.ch)
	require.NoError(t, err)

	trigger, err := p.init.AllocCT()
	require.NoError(t, err)

	require.NoError(t, init.TriggeredPut(p.remote(t, region.DefaultKey), 0, 0, 5, portals.AckReqCT, trigger, 1))
	assert.Equal(t, 1, init.InFlight())
	assert.Equal(t, byte(mem.FillByte), tbuf.Bytes()[0], "armed put must not land before the trigger fires")

	require.NoError(t, p.init.Backend().CTInc(trigger, portals.CTEvent{Success: 1}))
	require.NoError(t, p.ch.Drain(1))
	require.NoError(t, init.Settle(1))
	assert.Equal(t, []byte("armed"), tbuf.Bytes()[:5])

	// Armed at a threshold that is never reached, then cancelled.
	require.NoError(t, init.TriggeredPut(p.remote(t, region.DefaultKey), 0, 0, 5, portals.AckReqCT, trigger, 100))
	require.ErrorIs(t, init.Unregister(), region.ErrInFlight)
	require.NoError(t, init.CancelTriggered(trigger, 1))

	require.NoError(t, init.Unregister())
	require.NoError(t, target.Unregister())
	require.NoError(t, p.table.Free())
	require.NoError(t, p.init.FreeCT(trigger))

	testutil.AssertNoLiveResources(t, p.init)
}
