package endpoint

import (
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Well-known table indices.
const (
	DataIndex    uint32 = 0
	CommandIndex uint32 = 1
)

// TableIndex is an allocated portal table entry. Events for entries linked on
// it are delivered to its event queue.
type TableIndex struct {
	ep    *Endpoint
	eq    portals.EQ
	index uint32
	freed bool
}

// AllocTable allocates a table index bound to eq. Pass portals.PTIndexAny to
// let the interface choose.
func (e *Endpoint) AllocTable(eq portals.EQ, index uint32) (*TableIndex, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	got, err := e.backend.PTAlloc(e.ni, eq, index)
	if err != nil {
		return nil, ptlerr.Call("PtlPTAlloc", err)
	}

	e.Track(ResourceTable)

	return &TableIndex{ep: e, eq: eq, index: got}, nil
}

// Index returns the table index.
func (t *TableIndex) Index() uint32 {
	return t.index
}

// EQ returns the event queue bound to the index.
func (t *TableIndex) EQ() portals.EQ {
	return t.eq
}

// Endpoint returns the owning endpoint.
func (t *TableIndex) Endpoint() *Endpoint {
	return t.ep
}

// Free releases the index.
func (t *TableIndex) Free() error {
	if t.freed {
		return ErrTableFreed
	}

	if err := t.ep.backend.PTFree(t.ep.ni, t.index); err != nil {
		return ptlerr.Call("PtlPTFree", err)
	}

	t.freed = true
	t.ep.Untrack(ResourceTable)

	return nil
}
