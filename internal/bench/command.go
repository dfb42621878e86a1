package bench

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// CommandEQDepth is the depth of the command channel's event queue.
const CommandEQDepth = 1024

const (
	commandLen = 8
	commandKey = 0
)

// ErrCommandFailed is returned when a command put is not delivered.
var ErrCommandFailed = errors.New("command not delivered")

// CommandChannel carries single pointer-sized values between the two
// participants over the network interface, on a table index of its own.
type CommandChannel struct {
	ep     *endpoint.Endpoint
	eq     portals.EQ
	ct     portals.CT
	table  *endpoint.TableIndex
	inbox  *mem.Buffer
	outbox *mem.Buffer
	entry  *region.Region
	md     *region.Region
	acks   completion.Channel
	queue  *completion.Queue
	index  uint32
}

// OpenCommandChannel allocates the channel's queue, counter, table index and
// 8-byte inbox entry. index must differ from endpoint.DataIndex.
func OpenCommandChannel(ep *endpoint.Endpoint, space *mem.Space, index uint32) (c *CommandChannel, err error) {
	if index == endpoint.DataIndex {
		return nil, endpoint.ErrSharedTableIndex
	}

	c = &CommandChannel{ep: ep, index: index}

	defer func() {
		if err != nil {
			_ = c.Close()
			c = nil
		}
	}()

	if c.eq, err = ep.AllocEQ(CommandEQDepth); err != nil {
		return c, err
	}

	if c.ct, err = ep.AllocCT(); err != nil {
		return c, err
	}

	if c.table, err = ep.AllocTable(c.eq, index); err != nil {
		return c, err
	}

	if c.inbox, err = space.Alloc(commandLen, mem.ModePinned); err != nil {
		return c, fmt.Errorf("failed to allocate command inbox: %w", err)
	}

	if c.outbox, err = space.Alloc(commandLen, mem.ModePinned); err != nil {
		return c, fmt.Errorf("failed to allocate command outbox: %w", err)
	}

	c.entry, err = region.RegisterTarget(c.table, region.TargetOptions{
		Buffers: []*mem.Buffer{c.inbox},
		Key:     commandKey,
		Events:  true,
	})
	if err != nil {
		return c, err
	}

	c.acks = completion.NewCountingChannel(completion.NewCounter(ep.Backend(), c.ct))
	c.queue = completion.NewQueue(ep.Backend(), c.eq)

	if c.md, err = region.RegisterInitiatorUnbounded(ep, c.acks); err != nil {
		return c, err
	}

	return c, nil
}

// Index returns the channel's table index.
func (c *CommandChannel) Index() uint32 {
	return c.index
}

// Send puts value into the peer's inbox and waits for the acknowledgment.
func (c *CommandChannel) Send(value uint64) error {
	peer, err := c.ep.Peer()
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(c.outbox.Bytes(), value)

	remote := region.Remote{Peer: peer, Index: c.index, Key: commandKey}
	if err := c.md.Put(remote, c.outbox.Addr(), 0, commandLen, portals.AckReqCT); err != nil {
		return err
	}

	if err := c.acks.Drain(1); err != nil {
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}

	if err := c.md.Settle(1); err != nil {
		return err
	}

	return c.acks.Reset()
}

// Receive blocks until a value arrives and returns it with its sender.
func (c *CommandChannel) Receive() (uint64, portals.ProcessID, error) {
	ev, err := c.queue.WaitNext()
	if err != nil {
		return 0, portals.ProcessID{}, err
	}

	if ev.NIFail != portals.NIOK {
		return 0, portals.ProcessID{}, fmt.Errorf("%w: %s", ErrCommandFailed, ev.NIFail)
	}

	if ev.Kind != portals.EventPut {
		return 0, portals.ProcessID{}, fmt.Errorf("%w: %s", completion.ErrUnexpectedEvent, ev.Kind)
	}

	return binary.LittleEndian.Uint64(c.inbox.Bytes()), ev.Initiator, nil
}

// Close releases everything the channel allocated, in reverse order. It is
// safe on a partially opened channel.
func (c *CommandChannel) Close() error {
	var errs []error

	if c.md != nil {
		errs = append(errs, c.md.Unregister())
		c.md = nil
	}

	if c.entry != nil {
		errs = append(errs, c.entry.Unregister())
		c.entry = nil
	}

	for _, b := range []*mem.Buffer{c.outbox, c.inbox} {
		if b != nil {
			errs = append(errs, b.Free())
		}
	}
	c.outbox, c.inbox = nil, nil

	if c.table != nil {
		errs = append(errs, c.table.Free())
		c.table = nil
	}

	if c.ct != portals.CTNone {
		errs = append(errs, c.ep.FreeCT(c.ct))
		c.ct = portals.CTNone
	}

	if c.eq != portals.EQNone {
		errs = append(errs, c.ep.FreeEQ(c.eq))
		c.eq = portals.EQNone
	}

	return errors.Join(errs...)
}
