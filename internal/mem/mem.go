// Package mem provides page-aligned buffers and the address space that maps
// their physical addresses back to memory.
//
// Buffers come in three flavours: pinned (locked into physical memory and
// pre-filled), touched (pre-filled, not locked) and cold (freshly mapped and
// never touched). The Space tracks per-page residency and charges a
// configurable cost when the fabric reaches memory that is not pinned, so the
// pinned and fault-prone modes produce different latency distributions.
package mem

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// FillByte is written into every byte of pinned and touched buffers.
const FillByte = 'c'

// Memory errors.
var (
	ErrPinFailed   = errors.New("failed to lock pages into memory")
	ErrFreed       = errors.New("buffer already freed")
	ErrInvalidSize = errors.New("invalid buffer size")
)

// Mode selects how a buffer's pages are prepared at allocation.
type Mode int

const (
	ModePinned Mode = iota
	ModeTouched
	ModeCold
)

func (m Mode) String() string {
	switch m {
	case ModePinned:
		return "pinned"
	case ModeTouched:
		return "touched"
	case ModeCold:
		return "cold"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "pinned":
		return ModePinned, nil
	case "touched", "hot":
		return ModeTouched, nil
	case "cold":
		return ModeCold, nil
	default:
		return 0, fmt.Errorf("unknown memory mode %q", s)
	}
}

// Options configures a Space.
type Options struct {
	// StrictPinning turns a failed mlock into an allocation error instead of
	// a warning.
	StrictPinning bool

	// FaultPenalty is charged once for every non-resident page the fabric
	// touches.
	FaultPenalty time.Duration

	// TranslationPenalty is charged on every fabric access to a buffer that
	// is not pinned.
	TranslationPenalty time.Duration
}

// Stats counts fabric accesses resolved by a Space.
type Stats struct {
	Resolves     int64
	Faults       int64
	Translations int64
}

// Space is the address space of one participant.
type Space struct {
	bufs     []*Buffer
	opts     Options
	stats    Stats
	pageSize int
	mu       sync.Mutex
}

var _ portals.AddressSpace = (*Space)(nil)

// NewSpace creates an empty address space.
func NewSpace(opts Options) *Space {
	return &Space{
		opts:     opts,
		pageSize: pageSize(),
	}
}

// PageSize returns the system page size.
func (s *Space) PageSize() int {
	return s.pageSize
}

// Alloc maps a page-aligned buffer of at least size bytes.
func (s *Space) Alloc(size int, mode Mode) (*Buffer, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}

	mapped := roundUp(max(size, 1), s.pageSize)

	data, err := mapAnon(mapped)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", mapped, err)
	}

	b := &Buffer{
		space:    s,
		data:     data,
		addr:     uint64(uintptr(unsafe.Pointer(&data[0]))),
		size:     size,
		mode:     mode,
		resident: make([]bool, mapped/s.pageSize),
	}

	switch mode {
	case ModePinned:
		if err := lock(data); err != nil {
			if s.opts.StrictPinning {
				_ = unmap(data)
				return nil, fmt.Errorf("%w: %w", ErrPinFailed, err)
			}

			log.Warn().Err(err).Int("bytes", mapped).Msg("Failed to pin buffer, continuing unpinned")
		} else {
			b.pinned = true
		}

		b.Touch()
	case ModeTouched:
		b.Touch()
	case ModeCold:
	default:
		_ = unmap(data)
		return nil, fmt.Errorf("unknown memory mode %d", int(mode))
	}

	s.mu.Lock()
	i := sort.Search(len(s.bufs), func(i int) bool { return s.bufs[i].addr > b.addr })
	s.bufs = append(s.bufs, nil)
	copy(s.bufs[i+1:], s.bufs[i:])
	s.bufs[i] = b
	s.mu.Unlock()

	return b, nil
}

// AllocPages maps n whole pages.
func (s *Space) AllocPages(n int, mode Mode) (*Buffer, error) {
	if n <= 0 {
		return nil, ErrInvalidSize
	}

	return s.Alloc(n*s.pageSize, mode)
}

// Resolve maps [addr, addr+length) to the backing bytes. The range must lie
// inside a single live buffer.
func (s *Space) Resolve(addr, length uint64) ([]byte, error) {
	s.mu.Lock()

	i := sort.Search(len(s.bufs), func(i int) bool {
		return s.bufs[i].addr+uint64(len(s.bufs[i].data)) > addr
	})
	if i == len(s.bufs) || s.bufs[i].addr > addr {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: 0x%x", portals.ErrBadAddress, addr)
	}

	b := s.bufs[i]
	off := addr - b.addr
	if length > uint64(len(b.data))-off {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: 0x%x+%d", portals.ErrBadAddress, addr, length)
	}

	s.stats.Resolves++

	var penalty time.Duration
	if length > 0 {
		first := int(off) / s.pageSize
		last := int(off+length-1) / s.pageSize
		for p := first; p <= last; p++ {
			if !b.resident[p] {
				b.resident[p] = true
				s.stats.Faults++
				penalty += s.opts.FaultPenalty
			}
		}
	}

	if !b.pinned {
		s.stats.Translations++
		penalty += s.opts.TranslationPenalty
	}

	s.mu.Unlock()

	if penalty > 0 {
		time.Sleep(penalty)
	}

	return b.data[off : off+length], nil
}

// Stats returns a snapshot of the access counters.
func (s *Space) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// Live returns the number of buffers not yet freed.
func (s *Space) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.bufs)
}

func (s *Space) remove(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cur := range s.bufs {
		if cur == b {
			s.bufs = append(s.bufs[:i], s.bufs[i+1:]...)
			return
		}
	}
}

// Buffer is a page-aligned anonymous mapping.
type Buffer struct {
	space    *Space
	data     []byte
	resident []bool
	addr     uint64
	size     int
	mode     Mode
	pinned   bool
	freed    bool
}

// Bytes returns the requested size of the mapping.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.size]
}

// Addr returns the physical address of the first byte.
func (b *Buffer) Addr() uint64 {
	return b.addr
}

// Len returns the requested size.
func (b *Buffer) Len() int {
	return b.size
}

// Mapped returns the page-rounded size of the mapping.
func (b *Buffer) Mapped() int {
	return len(b.data)
}

func (b *Buffer) Mode() Mode {
	return b.mode
}

// Pinned reports whether the pages are locked.
func (b *Buffer) Pinned() bool {
	return b.pinned
}

// Touch writes FillByte over the whole mapping, faulting every page in.
func (b *Buffer) Touch() {
	for i := range b.data {
		b.data[i] = FillByte
	}

	b.space.mu.Lock()
	for i := range b.resident {
		b.resident[i] = true
	}
	b.space.mu.Unlock()
}

// Resident returns the number of pages the buffer has faulted in.
func (b *Buffer) Resident() int {
	b.space.mu.Lock()
	defer b.space.mu.Unlock()

	n := 0
	for _, r := range b.resident {
		if r {
			n++
		}
	}

	return n
}

// Free unlocks and unmaps the buffer.
func (b *Buffer) Free() error {
	if b.freed {
		return ErrFreed
	}

	b.freed = true
	b.space.remove(b)

	if b.pinned {
		if err := unlock(b.data); err != nil {
			return fmt.Errorf("failed to unlock buffer: %w", err)
		}
	}

	if err := unmap(b.data); err != nil {
		return fmt.Errorf("failed to unmap buffer: %w", err)
	}

	b.data = nil

	return nil
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
