// Package completion implements the two completion disciplines used by the
// benchmark loop.
//
// Counting waits on a single counter against a cumulative threshold: one wait
// per batch, aggregate counts only. The counter must be reset between sweep
// points; a counter that is not reset keeps its old count and every later
// threshold is satisfied early.
//
// FullEvent waits on an event queue once per operation, in issue order.
package completion

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Completion errors.
var (
	ErrStaleEvents     = errors.New("event queue holds undrained events")
	ErrUnexpectedEvent = errors.New("unexpected event kind")
)

// Discipline selects how completions are observed.
type Discipline int

const (
	Counting Discipline = iota
	FullEvent
)

func (d Discipline) String() string {
	switch d {
	case Counting:
		return "counting"
	case FullEvent:
		return "full"
	default:
		return fmt.Sprintf("Discipline(%d)", int(d))
	}
}

// ParseDiscipline parses a discipline name.
func ParseDiscipline(s string) (Discipline, error) {
	switch strings.ToLower(s) {
	case "counting", "ct":
		return Counting, nil
	case "full", "event", "fullevent":
		return FullEvent, nil
	default:
		return 0, ptlerr.Config("discipline", "unknown completion discipline %q", s)
	}
}

// Result is the value of a counter after a wait.
type Result struct {
	Success uint64
	Failure uint64
}

// Counter wraps a counting event.
type Counter struct {
	backend portals.Backend
	ct      portals.CT
}

// NewCounter wraps ct.
func NewCounter(backend portals.Backend, ct portals.CT) *Counter {
	return &Counter{backend: backend, ct: ct}
}

// Handle returns the wrapped counter.
func (c *Counter) Handle() portals.CT {
	return c.ct
}

// WaitUntil blocks until the success count reaches threshold or a failure is
// recorded.
func (c *Counter) WaitUntil(threshold uint64) (Result, error) {
	v, err := c.backend.CTWait(c.ct, threshold)
	if err != nil {
		return Result{}, ptlerr.Call("PtlCTWait", err)
	}

	return Result(v), nil
}

// Poll returns the current value without blocking.
func (c *Counter) Poll() (Result, error) {
	v, err := c.backend.CTGet(c.ct)
	if err != nil {
		return Result{}, ptlerr.Call("PtlCTGet", err)
	}

	return Result(v), nil
}

// Reset sets both fields to zero.
func (c *Counter) Reset() error {
	return ptlerr.Call("PtlCTSet", c.backend.CTSet(c.ct, portals.CTEvent{}))
}

// Queue wraps an event queue.
type Queue struct {
	backend portals.Backend
	eq      portals.EQ
}

// NewQueue wraps eq.
func NewQueue(backend portals.Backend, eq portals.EQ) *Queue {
	return &Queue{backend: backend, eq: eq}
}

// Handle returns the wrapped queue.
func (q *Queue) Handle() portals.EQ {
	return q.eq
}

// WaitNext blocks until the next event in issue order is available.
func (q *Queue) WaitNext() (portals.Event, error) {
	ev, err := q.backend.EQWait(q.eq)
	if err != nil {
		return portals.Event{}, ptlerr.Call("PtlEQWait", err)
	}

	return ev, nil
}

// Poll returns the next event if one is queued.
func (q *Queue) Poll() (portals.Event, bool, error) {
	ev, err := q.backend.EQGet(q.eq)
	if errors.Is(err, portals.ErrEQEmpty) {
		return portals.Event{}, false, nil
	}

	if err != nil {
		return portals.Event{}, false, ptlerr.Call("PtlEQGet", err)
	}

	return ev, true, nil
}

// Binding is what an initiator descriptor needs to report into a channel.
type Binding struct {
	Options portals.MDOptions
	EQ      portals.EQ
	CT      portals.CT
}

// Channel is the completion channel driven by the benchmark loop.
type Channel interface {
	Discipline() Discipline

	// Binding returns the descriptor options and handles for initiator
	// regions reporting into this channel.
	Binding() Binding

	// Ack returns the acknowledgment a put must request to complete on this
	// channel.
	Ack() portals.AckReq

	// Drain blocks until n more operations have completed.
	Drain(n int) error

	// Capacity is the number of operations that may be outstanding before a
	// drain is required.
	Capacity() int

	// Reset prepares the channel for a new sweep point.
	Reset() error
}

// New returns a channel of the given discipline over the endpoint's default
// counter and event queue.
func New(ep *endpoint.Endpoint, d Discipline) (Channel, error) {
	switch d {
	case Counting:
		return NewCountingChannel(NewCounter(ep.Backend(), ep.CT())), nil
	case FullEvent:
		return NewFullChannel(NewQueue(ep.Backend(), ep.EQ()), ep.EQDepth()), nil
	default:
		return nil, ptlerr.Config("discipline", "unknown completion discipline %d", int(d))
	}
}

// NewCountingChannel returns a Counting channel over counter.
func NewCountingChannel(counter *Counter) Channel {
	return &countingChannel{counter: counter}
}

// NewFullChannel returns a FullEvent channel over queue. capacity is the
// queue depth.
func NewFullChannel(queue *Queue, capacity int) Channel {
	return &fullChannel{queue: queue, capacity: capacity}
}

type countingChannel struct {
	counter  *Counter
	expected uint64
}

func (c *countingChannel) Discipline() Discipline { return Counting }

func (c *countingChannel) Binding() Binding {
	return Binding{
		Options: portals.MDEventCTAck | portals.MDEventCTReply | portals.MDEventSuccessDisable,
		CT:      c.counter.Handle(),
	}
}

func (c *countingChannel) Ack() portals.AckReq { return portals.AckReqCT }

func (c *countingChannel) Capacity() int { return math.MaxInt }

func (c *countingChannel) Drain(n int) error {
	if n <= 0 {
		return nil
	}

	c.expected += uint64(n)

	res, err := c.counter.WaitUntil(c.expected)
	if err != nil {
		return err
	}

	if res.Failure > 0 {
		return &ptlerr.CompletionFailure{Counting: true, Failures: res.Failure}
	}

	return nil
}

func (c *countingChannel) Reset() error {
	c.expected = 0
	return c.counter.Reset()
}

type fullChannel struct {
	queue    *Queue
	capacity int
}

func (c *fullChannel) Discipline() Discipline { return FullEvent }

func (c *fullChannel) Binding() Binding {
	return Binding{
		Options: portals.MDEventSendDisable,
		EQ:      c.queue.Handle(),
	}
}

func (c *fullChannel) Ack() portals.AckReq { return portals.AckReqFull }

func (c *fullChannel) Capacity() int { return c.capacity }

func (c *fullChannel) Drain(n int) error {
	for i := 0; i < n; i++ {
		ev, err := c.queue.WaitNext()
		if err != nil {
			return err
		}

		if ev.NIFail != portals.NIOK {
			return &ptlerr.CompletionFailure{Kind: ev.Kind, FailType: ev.NIFail}
		}

		if ev.Kind != portals.EventAck && ev.Kind != portals.EventReply {
			return fmt.Errorf("%w: %s", ErrUnexpectedEvent, ev.Kind)
		}
	}

	return nil
}

// Reset verifies every issued operation was drained.
func (c *fullChannel) Reset() error {
	ev, ok, err := c.queue.Poll()
	if err != nil {
		return err
	}

	if ok {
		return fmt.Errorf("%w: %s", ErrStaleEvents, ev.Kind)
	}

	return nil
}
