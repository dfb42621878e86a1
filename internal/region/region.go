// Package region registers memory with the network interface.
//
// An initiator region is a memory descriptor bound to a completion channel;
// puts and gets are issued through it. A target region is a list entry (or a
// match entry on matching interfaces) linked on a table index; registration
// blocks until the interface confirms the link. A region tracks its in-flight
// operations and refuses to unregister while any remain undrained.
package region

import (
	"errors"
	"fmt"
	"time"

	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Unbounded is the length of a region with no backing buffer. Offsets into it
// are absolute addresses.
const Unbounded uint64 = portals.SizeMax

// DefaultKey is the match key used when none is configured.
const DefaultKey uint64 = 0xDEADBEEF

// Region errors.
var (
	ErrInFlight        = errors.New("region has operations in flight")
	ErrReleased        = errors.New("region already released")
	ErrNotInitiator    = errors.New("operation requires an initiator region")
	ErrSettleUnderflow = errors.New("settled more operations than were issued")
	ErrNoLinkQueue     = errors.New("table index has no event queue for link confirmation")
)

// Role is what a region is registered as.
type Role int

const (
	Initiator Role = iota
	TargetList
	TargetPersistentMatch
	TargetAnonymousList
	TargetAnonymousMatch
	TargetUseOnceMatch
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case TargetList:
		return "target-list"
	case TargetPersistentMatch:
		return "target-persistent-match"
	case TargetAnonymousList:
		return "target-anonymous-list"
	case TargetAnonymousMatch:
		return "target-anonymous-match"
	case TargetUseOnceMatch:
		return "target-use-once-match"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// IsTarget reports whether the role is a list or match entry.
func (r Role) IsTarget() bool {
	return r != Initiator
}

// KeyFunc derives the match key of a slot.
type KeyFunc func(slot int) uint64

// FixedKey uses key for every slot.
func FixedKey(key uint64) KeyFunc {
	return func(int) uint64 { return key }
}

// SlotKey uses base+slot, giving each slot of a window its own key.
func SlotKey(base uint64) KeyFunc {
	return func(slot int) uint64 { return base + uint64(slot) }
}

// Remote addresses a target region on the peer.
type Remote struct {
	Peer  portals.ProcessID
	Index uint32
	Key   uint64
}

// Region is a registered memory region.
type Region struct {
	ep       *endpoint.Endpoint
	table    *endpoint.TableIndex
	bufs     []*mem.Buffer
	linkedAt time.Time
	start    uint64
	length   uint64
	key      uint64
	entry    uintptr
	md       portals.MD
	role     Role
	inflight int
	released bool
}

// RegisterInitiator binds buf as a descriptor reporting into ch.
func RegisterInitiator(ep *endpoint.Endpoint, buf *mem.Buffer, ch completion.Channel) (*Region, error) {
	return bindInitiator(ep, ch, buf.Addr(), uint64(buf.Len()), nil, []*mem.Buffer{buf})
}

// RegisterInitiatorUnbounded binds a descriptor covering the whole address
// space. Local offsets passed to Put and Get are absolute addresses.
func RegisterInitiatorUnbounded(ep *endpoint.Endpoint, ch completion.Channel) (*Region, error) {
	return bindInitiator(ep, ch, 0, Unbounded, nil, nil)
}

// RegisterInitiatorIovec binds bufs as one scatter-gather descriptor.
func RegisterInitiatorIovec(ep *endpoint.Endpoint, bufs []*mem.Buffer, ch completion.Channel) (*Region, error) {
	if len(bufs) == 0 {
		return nil, ptlerr.Config("iovecs", "at least one segment required")
	}

	iov, total := iovecs(bufs)

	return bindInitiator(ep, ch, 0, total, iov, bufs)
}

func bindInitiator(ep *endpoint.Endpoint, ch completion.Channel, start, length uint64, iov []portals.Iovec, bufs []*mem.Buffer) (*Region, error) {
	b := ch.Binding()

	md, err := ep.Backend().MDBind(ep.NI(), portals.MDesc{
		Start:   start,
		Length:  length,
		Iovecs:  iov,
		Options: b.Options,
		EQ:      b.EQ,
		CT:      b.CT,
	})
	if err != nil {
		return nil, ptlerr.Call("PtlMDBind", err)
	}

	ep.Track(endpoint.ResourceMD)

	return &Region{
		ep:     ep,
		bufs:   bufs,
		start:  start,
		length: length,
		md:     md,
		role:   Initiator,
	}, nil
}

func iovecs(bufs []*mem.Buffer) ([]portals.Iovec, uint64) {
	iov := make([]portals.Iovec, len(bufs))

	var total uint64
	for i, b := range bufs {
		iov[i] = portals.Iovec{Start: b.Addr(), Length: uint64(b.Len())}
		total += uint64(b.Len())
	}

	return iov, total
}

// TargetOptions describes a target region.
type TargetOptions struct {
	// Buffers backs the region. None registers an anonymous, unbounded
	// region; more than one registers a scatter-gather entry.
	Buffers []*mem.Buffer

	// Key is the match key on matching interfaces.
	Key uint64

	// UseOnce unlinks the entry after its first match. Matching interfaces
	// only.
	UseOnce bool

	// Counter, when set, is incremented for every operation landing on the
	// entry.
	Counter portals.CT

	// Events keeps per-operation target events on the table's queue.
	Events bool
}

// RegisterTarget links an entry on table and blocks until the link is
// confirmed.
func RegisterTarget(table *endpoint.TableIndex, opts TargetOptions) (*Region, error) {
	ep := table.Endpoint()

	if table.EQ() == portals.EQNone {
		return nil, ErrNoLinkQueue
	}

	if opts.UseOnce && !ep.Matching() {
		return nil, ptlerr.Config("use_once", "use-once entries require a matching interface")
	}

	desc := portals.Entry{
		Options: portals.EntryOpPut | portals.EntryOpGet,
		CT:      opts.Counter,
	}

	if !opts.Events {
		desc.Options |= portals.EntryEventSuccessDisable | portals.EntryEventUnlinkDisable
	}

	if opts.Counter != portals.CTNone {
		desc.Options |= portals.EntryEventCTComm
	}

	switch len(opts.Buffers) {
	case 0:
		desc.Length = Unbounded
	case 1:
		desc.Start = opts.Buffers[0].Addr()
		desc.Length = uint64(opts.Buffers[0].Len())
	default:
		desc.Iovecs, desc.Length = iovecs(opts.Buffers)
	}

	role := targetRole(ep.Matching(), len(opts.Buffers) == 0, opts.UseOnce)

	var (
		h    uintptr
		err  error
		call string
		kind endpoint.Resource
	)

	if ep.Matching() {
		desc.MatchBits = opts.Key
		if role == TargetAnonymousMatch {
			desc.IgnoreBits = ^uint64(0)
		}
		if opts.UseOnce {
			desc.Options |= portals.EntryUseOnce
		}

		var me portals.ME
		me, err = ep.Backend().MEAppend(ep.NI(), table.Index(), desc, 0)
		h, call, kind = uintptr(me), "PtlMEAppend", endpoint.ResourceME
	} else {
		var le portals.LE
		le, err = ep.Backend().LEAppend(ep.NI(), table.Index(), desc, 0)
		h, call, kind = uintptr(le), "PtlLEAppend", endpoint.ResourceLE
	}

	if err != nil {
		return nil, ptlerr.Call(call, err)
	}

	r := &Region{
		ep:     ep,
		table:  table,
		bufs:   opts.Buffers,
		start:  desc.Start,
		length: desc.Length,
		key:    desc.MatchBits,
		entry:  h,
		role:   role,
	}
	ep.Track(kind)

	ev, err := completion.NewQueue(ep.Backend(), table.EQ()).WaitNext()
	if err != nil {
		_ = r.unlink()
		return nil, err
	}

	if ev.Kind != portals.EventLink || ev.NIFail != portals.NIOK {
		_ = r.unlink()
		return nil, &ptlerr.LinkFailure{Kind: ev.Kind, FailType: ev.NIFail}
	}

	r.linkedAt = time.Now()

	return r, nil
}

func targetRole(matching, anonymous, useOnce bool) Role {
	switch {
	case !matching && anonymous:
		return TargetAnonymousList
	case !matching:
		return TargetList
	case useOnce:
		return TargetUseOnceMatch
	case anonymous:
		return TargetAnonymousMatch
	default:
		return TargetPersistentMatch
	}
}

// RegisterTargetList links buf as a persistent entry matching any key.
func RegisterTargetList(table *endpoint.TableIndex, buf *mem.Buffer) (*Region, error) {
	return RegisterTarget(table, TargetOptions{Buffers: []*mem.Buffer{buf}, Key: DefaultKey})
}

// RegisterTargetPersistent links buf as a persistent match entry for key.
func RegisterTargetPersistent(table *endpoint.TableIndex, buf *mem.Buffer, key uint64) (*Region, error) {
	return RegisterTarget(table, TargetOptions{Buffers: []*mem.Buffer{buf}, Key: key})
}

// RegisterTargetAnonymous links an unbounded entry with no backing buffer.
func RegisterTargetAnonymous(table *endpoint.TableIndex) (*Region, error) {
	return RegisterTarget(table, TargetOptions{Key: DefaultKey})
}

// RegisterTargetUseOnce links buf as a match entry consumed by its first
// operation. Counter, if set, counts that operation.
func RegisterTargetUseOnce(table *endpoint.TableIndex, buf *mem.Buffer, key uint64, counter portals.CT) (*Region, error) {
	return RegisterTarget(table, TargetOptions{
		Buffers: []*mem.Buffer{buf},
		Key:     key,
		UseOnce: true,
		Counter: counter,
	})
}

func (r *Region) Role() Role                  { return r.role }
func (r *Region) Addr() uint64                { return r.start }
func (r *Region) Len() uint64                 { return r.length }
func (r *Region) Key() uint64                 { return r.key }
func (r *Region) LinkedAt() time.Time         { return r.linkedAt }
func (r *Region) Table() *endpoint.TableIndex { return r.table }
func (r *Region) InFlight() int               { return r.inflight }

// Buffers returns the buffers backing the region.
func (r *Region) Buffers() []*mem.Buffer {
	return r.bufs
}

// Put issues a put of length bytes from localOffset to remote.
func (r *Region) Put(remote Remote, localOffset, remoteOffset, length uint64, ack portals.AckReq) error {
	if err := r.checkInitiator(); err != nil {
		return err
	}

	err := r.ep.Backend().Put(portals.PutRequest{
		MD:           r.md,
		LocalOffset:  localOffset,
		Length:       length,
		Ack:          ack,
		Target:       remote.Peer,
		PTIndex:      remote.Index,
		MatchBits:    remote.Key,
		RemoteOffset: remoteOffset,
	})
	if err != nil {
		return ptlerr.Call("PtlPut", err)
	}

	if ack != portals.AckReqNone {
		r.inflight++
	}

	return nil
}

// Get issues a get of length bytes from remote into localOffset.
func (r *Region) Get(remote Remote, localOffset, remoteOffset, length uint64) error {
	if err := r.checkInitiator(); err != nil {
		return err
	}

	err := r.ep.Backend().Get(portals.GetRequest{
		MD:           r.md,
		LocalOffset:  localOffset,
		Length:       length,
		Target:       remote.Peer,
		PTIndex:      remote.Index,
		MatchBits:    remote.Key,
		RemoteOffset: remoteOffset,
	})
	if err != nil {
		return ptlerr.Call("PtlGet", err)
	}

	r.inflight++

	return nil
}

// TriggeredPut arms a put that fires once trigger reaches threshold.
func (r *Region) TriggeredPut(remote Remote, localOffset, remoteOffset, length uint64, ack portals.AckReq, trigger portals.CT, threshold uint64) error {
	if err := r.checkInitiator(); err != nil {
		return err
	}

	err := r.ep.Backend().TriggeredPut(portals.PutRequest{
		MD:           r.md,
		LocalOffset:  localOffset,
		Length:       length,
		Ack:          ack,
		Target:       remote.Peer,
		PTIndex:      remote.Index,
		MatchBits:    remote.Key,
		RemoteOffset: remoteOffset,
	}, trigger, threshold)
	if err != nil {
		return ptlerr.Call("PtlTriggeredPut", err)
	}

	if ack != portals.AckReqNone {
		r.inflight++
	}

	return nil
}

// CancelTriggered cancels every put armed on trigger and settles the n of
// them that were armed through this region.
func (r *Region) CancelTriggered(trigger portals.CT, n int) error {
	if err := r.checkInitiator(); err != nil {
		return err
	}

	if err := r.ep.Backend().CTCancelTriggered(trigger); err != nil {
		return ptlerr.Call("PtlCTCancelTriggered", err)
	}

	return r.Settle(n)
}

// Settle records that n operations issued through the region have been
// drained from the completion channel.
func (r *Region) Settle(n int) error {
	if n > r.inflight {
		r.inflight = 0
		return ErrSettleUnderflow
	}

	r.inflight -= n

	return nil
}

func (r *Region) checkInitiator() error {
	if r.released {
		return ErrReleased
	}

	if r.role != Initiator {
		return ErrNotInitiator
	}

	return nil
}

// Unregister releases the descriptor or unlinks the entry. It fails with
// ErrInFlight while issued operations have not been settled.
func (r *Region) Unregister() error {
	if r.released {
		return ErrReleased
	}

	if r.inflight > 0 {
		return fmt.Errorf("%w: %d", ErrInFlight, r.inflight)
	}

	if r.role == Initiator {
		if err := r.ep.Backend().MDRelease(r.md); err != nil {
			return ptlerr.Call("PtlMDRelease", err)
		}

		r.released = true
		r.ep.Untrack(endpoint.ResourceMD)

		return nil
	}

	return r.unlink()
}

func (r *Region) unlink() error {
	call, kind := "PtlLEUnlink", endpoint.ResourceLE
	if r.ep.Matching() {
		call, kind = "PtlMEUnlink", endpoint.ResourceME
	}

	var err error
	if r.ep.Matching() {
		err = r.ep.Backend().MEUnlink(portals.ME(r.entry))
	} else {
		err = r.ep.Backend().LEUnlink(portals.LE(r.entry))
	}

	// Use-once entries and entries whose link failed are already gone.
	if err != nil && !errors.Is(err, portals.ErrEntryUnlinked) {
		return ptlerr.Call(call, err)
	}

	r.released = true
	r.ep.Untrack(kind)

	return nil
}
