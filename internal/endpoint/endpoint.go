// Package endpoint owns a participant's network interface and the resources
// derived from it.
//
// An Endpoint is opened with every limit requested at its maximum and a
// default event queue and counter allocated. Resources handed out through the
// endpoint (extra queues and counters, table indices, descriptors and
// entries registered by the region package) are recorded in a ledger, and
// Close refuses to tear the interface down while any of them is live.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// DefaultEQDepth is the depth of the endpoint's default event queue.
const DefaultEQDepth = 4096

// Endpoint errors.
var (
	ErrClosed           = errors.New("endpoint closed")
	ErrLiveResources    = errors.New("endpoint has live resources")
	ErrPeerAlreadySet   = errors.New("peer address already set")
	ErrNoPeer           = errors.New("peer address not set")
	ErrTableFreed       = errors.New("table index already freed")
	ErrSharedTableIndex = errors.New("command channel shares the data table index")
)

// Resource names a kind of handle tracked by the ledger.
type Resource int

const (
	ResourceEQ Resource = iota
	ResourceCT
	ResourceTable
	ResourceMD
	ResourceLE
	ResourceME
)

func (r Resource) String() string {
	switch r {
	case ResourceEQ:
		return "eq"
	case ResourceCT:
		return "ct"
	case ResourceTable:
		return "table"
	case ResourceMD:
		return "md"
	case ResourceLE:
		return "le"
	case ResourceME:
		return "me"
	default:
		return fmt.Sprintf("Resource(%d)", int(r))
	}
}

// Options configures Open.
type Options struct {
	// Matching selects a matching interface (match entries) instead of a
	// non-matching one (list entries).
	Matching bool

	// EQDepth is the depth of the default event queue. Zero means
	// DefaultEQDepth.
	EQDepth int
}

// Endpoint is an initialized network interface.
type Endpoint struct {
	backend  portals.Backend
	live     map[Resource]int
	limits   portals.Limits
	ni       portals.NI
	eq       portals.EQ
	ct       portals.CT
	id       portals.ProcessID
	peer     portals.ProcessID
	eqDepth  int
	mu       sync.Mutex
	matching bool
	hasPeer  bool
	closed   bool
}

// Open initializes a network interface on backend.
func Open(backend portals.Backend, opts Options) (*Endpoint, error) {
	depth := opts.EQDepth
	if depth == 0 {
		depth = DefaultEQDepth
	}

	if depth < 0 {
		return nil, ptlerr.Config("eq_depth", "must be positive, got %d", depth)
	}

	ni, limits, err := backend.NIInit(portals.NIOptions{Matching: opts.Matching}, portals.MaxLimits())
	if err != nil {
		return nil, ptlerr.Call("PtlNIInit", err)
	}

	id, err := backend.GetPhysID(ni)
	if err != nil {
		_ = backend.NIFini(ni)
		return nil, ptlerr.Call("PtlGetPhysId", err)
	}

	eq, err := backend.EQAlloc(ni, depth)
	if err != nil {
		_ = backend.NIFini(ni)
		return nil, ptlerr.Call("PtlEQAlloc", err)
	}

	ct, err := backend.CTAlloc(ni)
	if err != nil {
		_ = backend.EQFree(eq)
		_ = backend.NIFini(ni)

		return nil, ptlerr.Call("PtlCTAlloc", err)
	}

	log.Debug().
		Str("id", id.String()).
		Bool("matching", opts.Matching).
		Int("eq_depth", depth).
		Msg("Network interface initialized")

	return &Endpoint{
		backend:  backend,
		live:     make(map[Resource]int),
		limits:   limits,
		ni:       ni,
		eq:       eq,
		ct:       ct,
		id:       id,
		eqDepth:  depth,
		matching: opts.Matching,
	}, nil
}

func (e *Endpoint) Backend() portals.Backend { return e.backend }
func (e *Endpoint) NI() portals.NI           { return e.ni }
func (e *Endpoint) EQ() portals.EQ           { return e.eq }
func (e *Endpoint) CT() portals.CT           { return e.ct }
func (e *Endpoint) ID() portals.ProcessID    { return e.id }
func (e *Endpoint) Limits() portals.Limits   { return e.limits }
func (e *Endpoint) Matching() bool           { return e.matching }
func (e *Endpoint) EQDepth() int             { return e.eqDepth }

// Peer returns the peer address set by Exchange.
func (e *Endpoint) Peer() (portals.ProcessID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasPeer {
		return portals.ProcessID{}, ErrNoPeer
	}

	return e.peer, nil
}

// SetPeer records the peer address. It may be called once.
func (e *Endpoint) SetPeer(peer portals.ProcessID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasPeer {
		return ErrPeerAlreadySet
	}

	e.peer = peer
	e.hasPeer = true

	return nil
}

func (e *Endpoint) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	return nil
}

// Track records a live resource derived from the endpoint.
func (e *Endpoint) Track(r Resource) {
	e.mu.Lock()
	e.live[r]++
	e.mu.Unlock()
}

// Untrack records the release of a resource recorded with Track.
func (e *Endpoint) Untrack(r Resource) {
	e.mu.Lock()
	if e.live[r] > 0 {
		e.live[r]--
	}
	e.mu.Unlock()
}

// Live returns the number of live resources of each kind.
func (e *Endpoint) Live() map[Resource]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[Resource]int, len(e.live))
	for r, n := range e.live {
		if n > 0 {
			out[r] = n
		}
	}

	return out
}

// AllocEQ allocates an additional event queue.
func (e *Endpoint) AllocEQ(depth int) (portals.EQ, error) {
	if err := e.checkOpen(); err != nil {
		return portals.EQNone, err
	}

	eq, err := e.backend.EQAlloc(e.ni, depth)
	if err != nil {
		return portals.EQNone, ptlerr.Call("PtlEQAlloc", err)
	}

	e.Track(ResourceEQ)

	return eq, nil
}

// FreeEQ frees a queue allocated with AllocEQ.
func (e *Endpoint) FreeEQ(eq portals.EQ) error {
	if err := e.backend.EQFree(eq); err != nil {
		return ptlerr.Call("PtlEQFree", err)
	}

	e.Untrack(ResourceEQ)

	return nil
}

// AllocCT allocates an additional counter.
func (e *Endpoint) AllocCT() (portals.CT, error) {
	if err := e.checkOpen(); err != nil {
		return portals.CTNone, err
	}

	ct, err := e.backend.CTAlloc(e.ni)
	if err != nil {
		return portals.CTNone, ptlerr.Call("PtlCTAlloc", err)
	}

	e.Track(ResourceCT)

	return ct, nil
}

// FreeCT frees a counter allocated with AllocCT.
func (e *Endpoint) FreeCT(ct portals.CT) error {
	if err := e.backend.CTFree(ct); err != nil {
		return ptlerr.Call("PtlCTFree", err)
	}

	e.Untrack(ResourceCT)

	return nil
}

// Close frees the default counter, the default queue and the interface, in
// that order. It fails with ErrLiveResources while anything derived from the
// endpoint is still allocated.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}

	var live []string
	for r, n := range e.live {
		if n > 0 {
			live = append(live, fmt.Sprintf("%s=%d", r, n))
		}
	}
	e.mu.Unlock()

	if len(live) > 0 {
		sort.Strings(live)
		return fmt.Errorf("%w: %s", ErrLiveResources, strings.Join(live, ","))
	}

	if err := e.backend.CTFree(e.ct); err != nil {
		return ptlerr.Call("PtlCTFree", err)
	}

	if err := e.backend.EQFree(e.eq); err != nil {
		return ptlerr.Call("PtlEQFree", err)
	}

	if err := e.backend.NIFini(e.ni); err != nil {
		return ptlerr.Call("PtlNIFini", err)
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	log.Debug().Str("id", e.id.String()).Msg("Network interface finalized")

	return nil
}

// Exchange swaps physical addresses with the other participant and records
// the peer's on ep. Both directions complete before it returns.
func Exchange(ctx context.Context, comm bootstrap.Comm, ep *Endpoint) error {
	if comm.Size() != bootstrap.WorldSize {
		return ptlerr.Config("world_size", "need exactly %d participants, have %d", bootstrap.WorldSize, comm.Size())
	}

	id := ep.ID()
	if err := comm.Send(ctx, []uint64{uint64(id.NID), uint64(id.PID)}); err != nil {
		return fmt.Errorf("failed to send address: %w", err)
	}

	words, err := comm.Recv(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive peer address: %w", err)
	}

	if len(words) != 2 {
		return fmt.Errorf("malformed peer address: %d words", len(words))
	}

	return ep.SetPeer(portals.ProcessID{NID: uint32(words[0]), PID: uint32(words[1])})
}
