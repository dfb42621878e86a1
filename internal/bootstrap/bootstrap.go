// Package bootstrap provides the out-of-band process bootstrap: rank, world
// size, a barrier and point-to-point word exchange between the two
// participants of a run.
package bootstrap

import (
	"context"
	"errors"
)

// WorldSize is the only supported number of participants.
const WorldSize = 2

// Bootstrap errors.
var (
	ErrClosed    = errors.New("bootstrap channel closed")
	ErrWorldSize = errors.New("exactly two participants are required")
)

// Comm is one participant's handle on the bootstrap channel.
type Comm interface {
	Rank() int
	Size() int
	Barrier(ctx context.Context) error
	Send(ctx context.Context, words []uint64) error
	Recv(ctx context.Context) ([]uint64, error)
}

// Peer returns the rank of the other participant.
func Peer(c Comm) (int, error) {
	if c.Size() != WorldSize {
		return 0, ErrWorldSize
	}

	return 1 - c.Rank(), nil
}

// NewPair returns connected in-process Comms for rank 0 and rank 1.
func NewPair() (Comm, Comm) {
	const depth = 16

	a2b := make(chan []uint64, depth)
	b2a := make(chan []uint64, depth)
	barA := make(chan struct{}, 1)
	barB := make(chan struct{}, 1)

	r0 := &pairComm{rank: 0, out: a2b, in: b2a, barOut: barA, barIn: barB}
	r1 := &pairComm{rank: 1, out: b2a, in: a2b, barOut: barB, barIn: barA}

	return r0, r1
}

type pairComm struct {
	out    chan<- []uint64
	in     <-chan []uint64
	barOut chan<- struct{}
	barIn  <-chan struct{}
	rank   int
}

func (c *pairComm) Rank() int {
	return c.rank
}

func (c *pairComm) Size() int {
	return WorldSize
}

// Barrier returns once both participants have entered it.
func (c *pairComm) Barrier(ctx context.Context) error {
	select {
	case c.barOut <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.barIn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pairComm) Send(ctx context.Context, words []uint64) error {
	msg := append([]uint64(nil), words...)

	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pairComm) Recv(ctx context.Context) ([]uint64, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, ErrClosed
		}

		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
