package mem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

func TestAllocIsPageAligned(t *testing.T) {
	space := NewSpace(Options{})

	for _, size := range []int{0, 1, 100, space.PageSize(), space.PageSize() + 1} {
		buf, err := space.Alloc(size, ModeTouched)
		require.NoError(t, err)

		assert.Zero(t, buf.Addr()%uint64(space.PageSize()), "size %d", size)
		assert.Equal(t, size, buf.Len())
		assert.Zero(t, buf.Mapped()%space.PageSize())
		assert.GreaterOrEqual(t, buf.Mapped(), size)

		require.NoError(t, buf.Free())
	}

	assert.Zero(t, space.Live())
}

func TestAllocModes(t *testing.T) {
	space := NewSpace(Options{})

	pinned, err := space.AllocPages(2, ModePinned)
	require.NoError(t, err)
	defer pinned.Free()

	for _, c := range pinned.Bytes() {
		require.Equal(t, byte(FillByte), c)
	}
	assert.Equal(t, 2, pinned.Resident())

	cold, err := space.AllocPages(4, ModeCold)
	require.NoError(t, err)
	defer cold.Free()

	assert.Zero(t, cold.Resident())
	assert.False(t, cold.Pinned())
	assert.Equal(t, ModeCold, cold.Mode())
}

func TestResolveTracksResidency(t *testing.T) {
	space := NewSpace(Options{})

	buf, err := space.AllocPages(4, ModeCold)
	require.NoError(t, err)
	defer buf.Free()

	page := uint64(space.PageSize())

	b, err := space.Resolve(buf.Addr()+page, 2*page)
	require.NoError(t, err)
	assert.Len(t, b, int(2*page))
	assert.Equal(t, 2, buf.Resident())

	_, err = space.Resolve(buf.Addr()+page, 8)
	require.NoError(t, err)

	stats := space.Stats()
	assert.Equal(t, int64(2), stats.Resolves)
	assert.Equal(t, int64(2), stats.Faults)
	assert.Equal(t, int64(2), stats.Translations)
}

func TestResolveWritesThrough(t *testing.T) {
	space := NewSpace(Options{})

	buf, err := space.Alloc(64, ModeTouched)
	require.NoError(t, err)
	defer buf.Free()

	b, err := space.Resolve(buf.Addr()+10, 4)
	require.NoError(t, err)
	copy(b, "abcd")

	assert.Equal(t, "abcd", string(buf.Bytes()[10:14]))
}

func TestResolveUnmapped(t *testing.T) {
	space := NewSpace(Options{})

	buf, err := space.AllocPages(1, ModeTouched)
	require.NoError(t, err)

	_, err = space.Resolve(buf.Addr(), uint64(buf.Mapped())+1)
	assert.ErrorIs(t, err, portals.ErrBadAddress)

	require.NoError(t, buf.Free())

	_, err = space.Resolve(buf.Addr(), 1)
	assert.ErrorIs(t, err, portals.ErrBadAddress)

	assert.ErrorIs(t, buf.Free(), ErrFreed)
}

func TestTranslationPenaltySkipsPinned(t *testing.T) {
	space := NewSpace(Options{TranslationPenalty: 2 * time.Millisecond})

	pinned, err := space.AllocPages(1, ModePinned)
	require.NoError(t, err)
	defer pinned.Free()

	if !pinned.Pinned() {
		t.Skip("mlock not permitted in this environment")
	}

	cold, err := space.AllocPages(1, ModeCold)
	require.NoError(t, err)
	defer cold.Free()

	start := time.Now()
	_, err = space.Resolve(cold.Addr(), 8)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)

	_, err = space.Resolve(pinned.Addr(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), space.Stats().Translations)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "pinned", want: ModePinned},
		{in: "HOT", want: ModeTouched},
		{in: "cold", want: ModeCold},
		{in: "swap", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
