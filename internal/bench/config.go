package bench

import (
	"fmt"
	"math"
	"strings"

	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Operation is the one-sided operation under test.
type Operation int

const (
	Put Operation = iota
	Get
)

func (o Operation) String() string {
	if o == Get {
		return "get"
	}

	return "put"
}

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(s) {
	case "put":
		return Put, nil
	case "get":
		return Get, nil
	default:
		return 0, ptlerr.Config("operation", "unknown operation %q", s)
	}
}

// IssueFunc issues one operation of size bytes through r.
type IssueFunc func(r *region.Region, remote region.Remote, local, remoteOffset, size uint64) error

// Issuer resolves the operation once; callers never re-check it.
func (o Operation) Issuer(ack portals.AckReq) IssueFunc {
	if o == Get {
		return func(r *region.Region, remote region.Remote, local, remoteOffset, size uint64) error {
			return r.Get(remote, local, remoteOffset, size)
		}
	}

	return func(r *region.Region, remote region.Remote, local, remoteOffset, size uint64) error {
		return r.Put(remote, local, remoteOffset, size, ack)
	}
}

// Type is the measurement performed at each sweep point.
type Type int

const (
	// Latency times one operation and its completion.
	Latency Type = iota
	// Bandwidth times a window of operations and their completions.
	Bandwidth
	// MsgRate times the issue of one operation only; completions are drained
	// in bulk after the measured iterations.
	MsgRate
)

func (t Type) String() string {
	switch t {
	case Latency:
		return "latency"
	case Bandwidth:
		return "bandwidth"
	case MsgRate:
		return "msgrate"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Metric is the name of the reported column.
func (t Type) Metric() string {
	if t == Bandwidth {
		return "bandwidth"
	}

	return "latency"
}

// ParseType parses a benchmark type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "latency":
		return Latency, nil
	case "bandwidth", "bw":
		return Bandwidth, nil
	case "msgrate", "message-rate":
		return MsgRate, nil
	default:
		return 0, ptlerr.Config("type", "unknown benchmark type %q", s)
	}
}

// MemoryMode selects how benchmark buffers are allocated and registered.
type MemoryMode int

const (
	// Pinned buffers are locked and registered by address.
	Pinned MemoryMode = iota
	// Fault buffers are not pinned. Both sides register unbounded regions
	// and address the buffers by absolute offset.
	Fault
	// Iovec buffers are scatter-gather lists of pinned segments.
	Iovec
)

func (m MemoryMode) String() string {
	switch m {
	case Pinned:
		return "pinned"
	case Fault:
		return "fault"
	case Iovec:
		return "iovec"
	default:
		return fmt.Sprintf("MemoryMode(%d)", int(m))
	}
}

// ParseMemoryMode parses a memory mode name.
func ParseMemoryMode(s string) (MemoryMode, error) {
	switch strings.ToLower(s) {
	case "pinned":
		return Pinned, nil
	case "fault":
		return Fault, nil
	case "iovec":
		return Iovec, nil
	default:
		return 0, ptlerr.Config("memory_mode", "unknown memory mode %q", s)
	}
}

// Registration selects when regions are registered.
type Registration int

const (
	// PerSweep registers fresh, size-dependent regions at every sweep point.
	PerSweep Registration = iota
	// Reuse registers one region of the largest size for the whole sweep.
	Reuse
)

func (r Registration) String() string {
	if r == Reuse {
		return "reuse"
	}

	return "per-sweep"
}

// ParseRegistration parses a registration policy name.
func ParseRegistration(s string) (Registration, error) {
	switch strings.ToLower(s) {
	case "per-sweep", "persweep", "sweep":
		return PerSweep, nil
	case "reuse":
		return Reuse, nil
	default:
		return 0, ptlerr.Config("registration", "unknown registration policy %q", s)
	}
}

// Config is one benchmark run.
type Config struct {
	Operation    Operation
	Type         Type
	Discipline   completion.Discipline
	Matching     bool
	Iterations   int
	Warmup       int
	Window       int
	MsgSize      uint64
	MinMsgSize   uint64
	MaxMsgSize   uint64
	Memory       MemoryMode
	Iovecs       int
	Registration Registration
	MatchKey     uint64
}

// DefaultConfig mirrors the defaults of the command line.
func DefaultConfig() Config {
	return Config{
		Operation:    Put,
		Type:         Latency,
		Discipline:   completion.Counting,
		Iterations:   10,
		Warmup:       10,
		Window:       64,
		MsgSize:      1024,
		Memory:       Pinned,
		Iovecs:       4,
		Registration: PerSweep,
		MatchKey:     region.DefaultKey,
	}
}

// Validate checks the configuration before any transport resource is
// touched.
func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return ptlerr.Config("iterations", "must be positive, got %d", c.Iterations)
	}

	if c.Warmup < 0 {
		return ptlerr.Config("warmup", "must not be negative, got %d", c.Warmup)
	}

	if c.Type != Latency && c.Window <= 0 {
		return ptlerr.Config("window", "must be positive for %s, got %d", c.Type, c.Window)
	}

	if c.Memory == Iovec && c.Iovecs <= 0 {
		return ptlerr.Config("iovecs", "iovec mode needs at least one segment")
	}

	if _, err := c.Sizes(); err != nil {
		return err
	}

	return nil
}

// window is the number of operations per measured iteration.
func (c Config) window() int {
	if c.Type == Bandwidth {
		return c.Window
	}

	return 1
}

// Sizes returns the message sizes of the sweep.
func (c Config) Sizes() ([]uint64, error) {
	if c.MsgSize != 0 {
		return []uint64{c.MsgSize}, nil
	}

	return Sizes(c.MinMsgSize, c.MaxMsgSize)
}

// BufferSize is the size of the largest message in the sweep.
func (c Config) BufferSize() uint64 {
	if c.MsgSize != 0 {
		return c.MsgSize
	}

	return c.MaxMsgSize
}

// Sizes returns the geometric (×2) sweep from min to max inclusive.
func Sizes(minSize, maxSize uint64) ([]uint64, error) {
	if minSize == 0 {
		return nil, ptlerr.Config("min_msg_size", "must be positive")
	}

	if minSize > maxSize {
		return nil, ptlerr.Config("min_msg_size", "%d exceeds max_msg_size %d", minSize, maxSize)
	}

	var sizes []uint64
	for m := minSize; m <= maxSize; m *= 2 {
		sizes = append(sizes, m)
		if m > math.MaxUint64/2 {
			break
		}
	}

	return sizes, nil
}
