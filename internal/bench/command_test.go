package bench

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/testutil"
)

func TestCommandChannelExchange(t *testing.T) {
	for _, matching := range []bool{false, true} {
		t.Run(map[bool]string{false: "list", true: "match"}[matching], func(t *testing.T) {
			w := testutil.NewWorld(t)
			ep0, ep1 := w.OpenPair(t, endpoint.Options{Matching: matching})

			c0, err := OpenCommandChannel(ep0, w.Ranks[0].Space, endpoint.CommandIndex)
			require.NoError(t, err)
			c1, err := OpenCommandChannel(ep1, w.Ranks[1].Space, endpoint.CommandIndex)
			require.NoError(t, err)

			err = RunPair(context.Background(), w.Fabric, func(_ context.Context, rank int) error {
				if rank == 0 {
					if err := c0.Send(helloCommand); err != nil {
						return err
					}

					v, from, err := c0.Receive()
					if err != nil {
						return err
					}

					assert.Equal(t, uint64(0xCAFEF00D), v)
					assert.Equal(t, ep1.ID(), from)

					return nil
				}

				v, from, err := c1.Receive()
				if err != nil {
					return err
				}

				assert.Equal(t, uint64(helloCommand), v)
				assert.Equal(t, ep0.ID(), from)

				return c1.Send(0xCAFEF00D)
			})
			require.NoError(t, err)

			require.NoError(t, c0.Close())
			require.NoError(t, c1.Close())

			testutil.AssertNoLiveResources(t, ep0)
			testutil.AssertNoLiveResources(t, ep1)
			assert.Zero(t, w.Ranks[0].Space.Live())
		})
	}
}

func TestCommandChannelRejectsDataIndex(t *testing.T) {
	w := testutil.NewWorld(t)
	ep0, _ := w.OpenPair(t, endpoint.Options{})

	c, err := OpenCommandChannel(ep0, w.Ranks[0].Space, endpoint.DataIndex)
	assert.Nil(t, c)
	require.ErrorIs(t, err, endpoint.ErrSharedTableIndex)
	testutil.AssertNoLiveResources(t, ep0)
}

func TestCommandChannelSendsRepeatedly(t *testing.T) {
	w := testutil.NewWorld(t)
	ep0, ep1 := w.OpenPair(t, endpoint.Options{})

	c0, err := OpenCommandChannel(ep0, w.Ranks[0].Space, endpoint.CommandIndex)
	require.NoError(t, err)
	defer c0.Close()
	c1, err := OpenCommandChannel(ep1, w.Ranks[1].Space, endpoint.CommandIndex)
	require.NoError(t, err)
	defer c1.Close()

	// Each send resets the acknowledgment counter, so a long run of sends
	// never sees a stale count.
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, c0.Send(i))

		v, _, err := c1.Receive()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}
