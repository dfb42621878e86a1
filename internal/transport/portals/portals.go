// Package portals provides the one-sided network interface abstraction used by
// the benchmark suite.
//
// The Backend interface mirrors the Portals 4 API surface the benchmarks need:
// physically addressed network interfaces, event queues, counting events,
// portal table entries, memory descriptors, list and match entries, put, get
// and triggered put. The package ships one implementation, a simulated fabric
// that lets two participants run inside a single process.
package portals

import (
	"errors"
	"fmt"
	"math"
)

// Portals errors.
var (
	ErrNotInitialized   = errors.New("network interface not initialized")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNoSpace          = errors.New("insufficient resources")
	ErrPTInUse          = errors.New("portal table index in use")
	ErrPTNotAllocated   = errors.New("portal table index not allocated")
	ErrEQEmpty          = errors.New("event queue empty")
	ErrEQDropped        = errors.New("event queue overflowed and dropped events")
	ErrResourcesLive    = errors.New("resources still allocated on network interface")
	ErrEntryUnlinked    = errors.New("entry already unlinked")
	ErrOutOfRange       = errors.New("offset and length exceed descriptor bounds")
	ErrMatchingMismatch = errors.New("entry kind does not match interface matching mode")
	ErrFabricClosed     = errors.New("fabric shut down")
	ErrBadAddress       = errors.New("address not mapped")
)

// SizeMax is the length of an unbounded descriptor or entry. Offsets into an
// unbounded region are absolute addresses.
const SizeMax uint64 = math.MaxUint64

// PTIndexAny asks PTAlloc to choose a free index.
const PTIndexAny = math.MaxUint32

// Handle types for network interface objects. The zero value of each is the
// "none" handle.
type NI uintptr
type EQ uintptr
type CT uintptr
type MD uintptr
type LE uintptr
type ME uintptr

const (
	EQNone EQ = 0
	CTNone CT = 0
)

// ProcessID is a physical process address.
type ProcessID struct {
	NID uint32
	PID uint32
}

func (p ProcessID) String() string {
	return fmt.Sprintf("%d:%d", p.NID, p.PID)
}

// Limits are the resource limits negotiated at NIInit.
type Limits struct {
	MaxEntries           int
	MaxUnexpectedHeaders int
	MaxMDs               int
	MaxEQs               int
	MaxCTs               int
	MaxPTIndex           int
	MaxIovecs            int
	MaxListSize          int
	MaxTriggeredOps      int
	MaxMsgSize           uint64
}

// MaxLimits returns every limit at its maximum representable value.
func MaxLimits() Limits {
	return Limits{
		MaxEntries:           math.MaxInt32,
		MaxUnexpectedHeaders: math.MaxInt32,
		MaxMDs:               math.MaxInt32,
		MaxEQs:               math.MaxInt32,
		MaxCTs:               math.MaxInt32,
		MaxPTIndex:           math.MaxInt32,
		MaxIovecs:            math.MaxInt32,
		MaxListSize:          math.MaxInt32,
		MaxTriggeredOps:      math.MaxInt32,
		MaxMsgSize:           SizeMax,
	}
}

// Clamp returns the element-wise minimum of l and other.
func (l Limits) Clamp(other Limits) Limits {
	return Limits{
		MaxEntries:           min(l.MaxEntries, other.MaxEntries),
		MaxUnexpectedHeaders: min(l.MaxUnexpectedHeaders, other.MaxUnexpectedHeaders),
		MaxMDs:               min(l.MaxMDs, other.MaxMDs),
		MaxEQs:               min(l.MaxEQs, other.MaxEQs),
		MaxCTs:               min(l.MaxCTs, other.MaxCTs),
		MaxPTIndex:           min(l.MaxPTIndex, other.MaxPTIndex),
		MaxIovecs:            min(l.MaxIovecs, other.MaxIovecs),
		MaxListSize:          min(l.MaxListSize, other.MaxListSize),
		MaxTriggeredOps:      min(l.MaxTriggeredOps, other.MaxTriggeredOps),
		MaxMsgSize:           min(l.MaxMsgSize, other.MaxMsgSize),
	}
}

// NIOptions selects the interface flavour. Interfaces are always physically
// addressed.
type NIOptions struct {
	Matching bool
}

// EventKind identifies a full event.
type EventKind int

const (
	EventGet EventKind = iota
	EventPut
	EventAck
	EventReply
	EventSend
	EventLink
	EventAutoUnlink
)

func (k EventKind) String() string {
	switch k {
	case EventGet:
		return "GET"
	case EventPut:
		return "PUT"
	case EventAck:
		return "ACK"
	case EventReply:
		return "REPLY"
	case EventSend:
		return "SEND"
	case EventLink:
		return "LINK"
	case EventAutoUnlink:
		return "AUTO_UNLINK"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// NIFailType is the per-event delivery status.
type NIFailType int

const (
	NIOK NIFailType = iota
	NIUndeliverable
	NIPTDisabled
	NIDropped
	NIPermViolation
	NIOpViolation
	NISegv
	NINoMatch
)

func (f NIFailType) String() string {
	switch f {
	case NIOK:
		return "OK"
	case NIUndeliverable:
		return "UNDELIVERABLE"
	case NIPTDisabled:
		return "PT_DISABLED"
	case NIDropped:
		return "DROPPED"
	case NIPermViolation:
		return "PERM_VIOLATION"
	case NIOpViolation:
		return "OP_VIOLATION"
	case NISegv:
		return "SEGV"
	case NINoMatch:
		return "NO_MATCH"
	default:
		return fmt.Sprintf("NIFailType(%d)", int(f))
	}
}

// Event is a full event delivered to an event queue.
type Event struct {
	Kind         EventKind
	NIFail       NIFailType
	Initiator    ProcessID
	PTIndex      uint32
	MatchBits    uint64
	RLength      uint64
	MLength      uint64
	RemoteOffset uint64
	Start        uint64
	HdrData      uint64
	UserPtr      uintptr
}

// CTEvent is the value of a counting event.
type CTEvent struct {
	Success uint64
	Failure uint64
}

// MDOptions controls which completions a memory descriptor generates.
type MDOptions uint32

const (
	MDEventSuccessDisable MDOptions = 1 << iota
	MDEventSendDisable
	MDEventCTSend
	MDEventCTReply
	MDEventCTAck
	MDVolatile
)

// Iovec is one segment of a scatter-gather descriptor or entry.
type Iovec struct {
	Start  uint64
	Length uint64
}

// MDesc describes a memory descriptor to bind. When Iovecs is non-empty, Start
// and Length are ignored and the segments are concatenated.
type MDesc struct {
	Start   uint64
	Length  uint64
	Iovecs  []Iovec
	Options MDOptions
	EQ      EQ
	CT      CT
}

// EntryOptions controls list and match entry behaviour.
type EntryOptions uint32

const (
	EntryOpPut EntryOptions = 1 << iota
	EntryOpGet
	EntryUseOnce
	EntryEventCTComm
	EntryEventSuccessDisable
	EntryEventLinkDisable
	EntryEventUnlinkDisable
)

// Entry describes a list entry or, on matching interfaces, a match entry.
// MatchBits and IgnoreBits are only consulted for match entries.
type Entry struct {
	Start      uint64
	Length     uint64
	Iovecs     []Iovec
	Options    EntryOptions
	CT         CT
	MatchBits  uint64
	IgnoreBits uint64
}

// AckReq selects the acknowledgment a put requests.
type AckReq int

const (
	AckReqFull AckReq = iota
	AckReqNone
	AckReqCT
)

func (a AckReq) String() string {
	switch a {
	case AckReqFull:
		return "ACK_REQ"
	case AckReqNone:
		return "NO_ACK_REQ"
	case AckReqCT:
		return "CT_ACK_REQ"
	default:
		return fmt.Sprintf("AckReq(%d)", int(a))
	}
}

// PutRequest describes a one-sided put.
type PutRequest struct {
	MD           MD
	LocalOffset  uint64
	Length       uint64
	Ack          AckReq
	Target       ProcessID
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	HdrData      uint64
	UserPtr      uintptr
}

// GetRequest describes a one-sided get.
type GetRequest struct {
	MD           MD
	LocalOffset  uint64
	Length       uint64
	Target       ProcessID
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	UserPtr      uintptr
}

// AddressSpace resolves physical addresses of one process to byte slices.
// Implementations are expected to account for translation cost.
type AddressSpace interface {
	Resolve(addr, length uint64) ([]byte, error)
}

// Backend defines the interface for network interface operations.
type Backend interface {
	// Network interface
	NIInit(opts NIOptions, desired Limits) (NI, Limits, error)
	NIFini(ni NI) error
	GetPhysID(ni NI) (ProcessID, error)

	// Event queues
	EQAlloc(ni NI, count int) (EQ, error)
	EQFree(eq EQ) error
	EQGet(eq EQ) (Event, error)
	EQWait(eq EQ) (Event, error)

	// Counting events
	CTAlloc(ni NI) (CT, error)
	CTFree(ct CT) error
	CTGet(ct CT) (CTEvent, error)
	CTWait(ct CT, test uint64) (CTEvent, error)
	CTSet(ct CT, value CTEvent) error
	CTInc(ct CT, inc CTEvent) error

	// Portal table
	PTAlloc(ni NI, eq EQ, requested uint32) (uint32, error)
	PTFree(ni NI, index uint32) error

	// Memory descriptors
	MDBind(ni NI, md MDesc) (MD, error)
	MDRelease(md MD) error

	// List and match entries
	LEAppend(ni NI, index uint32, le Entry, userPtr uintptr) (LE, error)
	LEUnlink(le LE) error
	MEAppend(ni NI, index uint32, me Entry, userPtr uintptr) (ME, error)
	MEUnlink(me ME) error

	// Data movement
	Put(req PutRequest) error
	Get(req GetRequest) error
	TriggeredPut(req PutRequest, trigger CT, threshold uint64) error
	CTCancelTriggered(ct CT) error

	// Metrics
	GetMetrics() map[string]interface{}
}
