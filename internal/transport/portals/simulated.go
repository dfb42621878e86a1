package portals

import (
	"sync"
	"sync/atomic"
)

// Op identifies a fabric operation for fault injection.
type Op int

const (
	OpPut Op = iota
	OpGet
	OpLink
)

// FaultFunc decides the delivery status of an operation. Returning NIOK lets
// the operation proceed normally.
type FaultFunc func(op Op, target ProcessID, index uint32) NIFailType

// FabricOption configures a SimulatedFabric.
type FabricOption func(*SimulatedFabric)

// WithFaults installs a fault injector.
func WithFaults(fn FaultFunc) FabricOption {
	return func(f *SimulatedFabric) {
		f.faults = fn
	}
}

// WithLimits caps the limits every interface can negotiate.
func WithLimits(l Limits) FabricOption {
	return func(f *SimulatedFabric) {
		f.limits = l
	}
}

// SimulatedFabric connects SimulatedBackends living in the same process.
// Delivery is synchronous: a put or get is matched, copied and completed on
// both sides before the issuing call returns.
type SimulatedFabric struct {
	nis        map[NI]*simNI
	byAddr     map[niKey]*simNI
	eqs        map[EQ]*simEQ
	cts        map[CT]*simCT
	mds        map[MD]*simMD
	entries    map[uintptr]*simEntry
	retired    map[uintptr]struct{}
	faults     FaultFunc
	cond       *sync.Cond
	metrics    *fabricMetrics
	limits     Limits
	nextHandle uintptr
	nextNID    uint32
	mu         sync.Mutex
	closed     bool
}

type niKey struct {
	id       ProcessID
	matching bool
}

type simNI struct {
	owner    *SimulatedBackend
	pts      map[uint32]*simPT
	limits   Limits
	id       ProcessID
	matching bool
}

type simPT struct {
	entries []*simEntry
	eq      EQ
}

type simEntry struct {
	ni      *simNI
	desc    Entry
	handle  uintptr
	userPtr uintptr
	index   uint32
	match   bool
}

type simEQ struct {
	ni      *simNI
	events  []Event
	size    int
	dropped bool
}

type simCT struct {
	ni        *simNI
	triggered []*triggeredOp
	value     CTEvent
}

type simMD struct {
	ni     *simNI
	desc   MDesc
	length uint64
}

type triggeredOp struct {
	req       PutRequest
	threshold uint64
}

type fabricMetrics struct {
	NIsInitialized  int64
	EQsAllocated    int64
	CTsAllocated    int64
	MDsBound        int64
	EntriesLinked   int64
	Puts            int64
	Gets            int64
	TriggeredPuts   int64
	TriggeredFired  int64
	EventsDelivered int64
	EventsDropped   int64
	Failures        int64
}

// NewSimulatedFabric creates an empty fabric.
func NewSimulatedFabric(opts ...FabricOption) *SimulatedFabric {
	f := &SimulatedFabric{
		nis:     make(map[NI]*simNI),
		byAddr:  make(map[niKey]*simNI),
		eqs:     make(map[EQ]*simEQ),
		cts:     make(map[CT]*simCT),
		mds:     make(map[MD]*simMD),
		entries: make(map[uintptr]*simEntry),
		retired: make(map[uintptr]struct{}),
		metrics: &fabricMetrics{},
		limits: Limits{
			MaxEntries:           1 << 16,
			MaxUnexpectedHeaders: 1 << 12,
			MaxMDs:               1 << 16,
			MaxEQs:               1 << 10,
			MaxCTs:               1 << 10,
			MaxPTIndex:           63,
			MaxIovecs:            1 << 10,
			MaxListSize:          1 << 16,
			MaxTriggeredOps:      1 << 12,
			MaxMsgSize:           1 << 30,
		},
	}
	f.cond = sync.NewCond(&f.mu)

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Attach creates a backend for a new process on the fabric. Addresses used by
// that process's descriptors and entries are resolved through space.
func (f *SimulatedFabric) Attach(space AddressSpace) *SimulatedBackend {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextNID++

	return &SimulatedBackend{
		fabric: f,
		space:  space,
		id:     ProcessID{NID: f.nextNID, PID: 1},
	}
}

// SetFaults replaces the fault injector.
func (f *SimulatedFabric) SetFaults(fn FaultFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = fn
}

// Shutdown wakes every blocked waiter with ErrFabricClosed. Further calls on
// any attached backend fail.
func (f *SimulatedFabric) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.cond.Broadcast()
}

func (f *SimulatedFabric) handle() uintptr {
	f.nextHandle++
	return f.nextHandle
}

// SimulatedBackend is one process's view of a SimulatedFabric.
type SimulatedBackend struct {
	fabric *SimulatedFabric
	space  AddressSpace
	id     ProcessID
}

// ID returns the physical id the backend reports from GetPhysID.
func (b *SimulatedBackend) ID() ProcessID {
	return b.id
}

func (b *SimulatedBackend) lookupNI(ni NI) (*simNI, error) {
	n, ok := b.fabric.nis[ni]
	if !ok || n.owner != b {
		return nil, ErrNotInitialized
	}

	return n, nil
}

func (b *SimulatedBackend) NIInit(opts NIOptions, desired Limits) (NI, Limits, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, Limits{}, ErrFabricClosed
	}

	key := niKey{id: b.id, matching: opts.Matching}
	if _, ok := f.byAddr[key]; ok {
		return 0, Limits{}, ErrInvalidArgument
	}

	n := &simNI{
		owner:    b,
		id:       b.id,
		matching: opts.Matching,
		limits:   desired.Clamp(f.limits),
		pts:      make(map[uint32]*simPT),
	}
	h := NI(f.handle())
	f.nis[h] = n
	f.byAddr[key] = n
	atomic.AddInt64(&f.metrics.NIsInitialized, 1)

	return h, n.limits, nil
}

func (b *SimulatedBackend) NIFini(ni NI) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return err
	}

	if len(n.pts) > 0 {
		return ErrResourcesLive
	}
	for _, eq := range f.eqs {
		if eq.ni == n {
			return ErrResourcesLive
		}
	}
	for _, ct := range f.cts {
		if ct.ni == n {
			return ErrResourcesLive
		}
	}
	for _, md := range f.mds {
		if md.ni == n {
			return ErrResourcesLive
		}
	}

	delete(f.nis, ni)
	delete(f.byAddr, niKey{id: n.id, matching: n.matching})

	return nil
}

func (b *SimulatedBackend) GetPhysID(ni NI) (ProcessID, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return ProcessID{}, err
	}

	return n.id, nil
}

func (b *SimulatedBackend) EQAlloc(ni NI, count int) (EQ, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return EQNone, err
	}

	if count <= 0 {
		return EQNone, ErrInvalidArgument
	}

	if f.countEQs(n) >= n.limits.MaxEQs {
		return EQNone, ErrNoSpace
	}

	h := EQ(f.handle())
	f.eqs[h] = &simEQ{ni: n, size: count}
	atomic.AddInt64(&f.metrics.EQsAllocated, 1)

	return h, nil
}

func (f *SimulatedFabric) countEQs(n *simNI) int {
	count := 0
	for _, eq := range f.eqs {
		if eq.ni == n {
			count++
		}
	}

	return count
}

func (b *SimulatedBackend) EQFree(eq EQ) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.eqs[eq]
	if !ok || q.ni.owner != b {
		return ErrInvalidHandle
	}

	delete(f.eqs, eq)
	f.cond.Broadcast()

	return nil
}

func (b *SimulatedBackend) EQGet(eq EQ) (Event, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.eqs[eq]
	if !ok || q.ni.owner != b {
		return Event{}, ErrInvalidHandle
	}

	return q.pop()
}

func (b *SimulatedBackend) EQWait(eq EQ) (Event, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.closed {
			return Event{}, ErrFabricClosed
		}

		q, ok := f.eqs[eq]
		if !ok || q.ni.owner != b {
			return Event{}, ErrInvalidHandle
		}

		if len(q.events) > 0 || q.dropped {
			return q.pop()
		}

		f.cond.Wait()
	}
}

func (q *simEQ) pop() (Event, error) {
	if q.dropped {
		q.dropped = false
		return Event{}, ErrEQDropped
	}

	if len(q.events) == 0 {
		return Event{}, ErrEQEmpty
	}

	ev := q.events[0]
	q.events = q.events[1:]

	return ev, nil
}

func (f *SimulatedFabric) post(eq EQ, ev Event) {
	q, ok := f.eqs[eq]
	if !ok {
		return
	}

	if len(q.events) >= q.size {
		q.dropped = true
		atomic.AddInt64(&f.metrics.EventsDropped, 1)

		return
	}

	q.events = append(q.events, ev)
	atomic.AddInt64(&f.metrics.EventsDelivered, 1)
}

func (b *SimulatedBackend) CTAlloc(ni NI) (CT, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return CTNone, err
	}

	count := 0
	for _, ct := range f.cts {
		if ct.ni == n {
			count++
		}
	}
	if count >= n.limits.MaxCTs {
		return CTNone, ErrNoSpace
	}

	h := CT(f.handle())
	f.cts[h] = &simCT{ni: n}
	atomic.AddInt64(&f.metrics.CTsAllocated, 1)

	return h, nil
}

func (b *SimulatedBackend) CTFree(ct CT) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cts[ct]
	if !ok || c.ni.owner != b {
		return ErrInvalidHandle
	}

	delete(f.cts, ct)
	f.cond.Broadcast()

	return nil
}

func (b *SimulatedBackend) CTGet(ct CT) (CTEvent, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cts[ct]
	if !ok || c.ni.owner != b {
		return CTEvent{}, ErrInvalidHandle
	}

	return c.value, nil
}

// CTWait blocks until the success count reaches test or any failure has been
// recorded.
func (b *SimulatedBackend) CTWait(ct CT, test uint64) (CTEvent, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.closed {
			return CTEvent{}, ErrFabricClosed
		}

		c, ok := f.cts[ct]
		if !ok || c.ni.owner != b {
			return CTEvent{}, ErrInvalidHandle
		}

		if c.value.Success >= test || c.value.Failure > 0 {
			return c.value, nil
		}

		f.cond.Wait()
	}
}

func (b *SimulatedBackend) CTSet(ct CT, value CTEvent) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cts[ct]
	if !ok || c.ni.owner != b {
		return ErrInvalidHandle
	}

	c.value = value
	f.fireTriggered(c)
	f.cond.Broadcast()

	return nil
}

func (b *SimulatedBackend) CTInc(ct CT, inc CTEvent) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cts[ct]
	if !ok || c.ni.owner != b {
		return ErrInvalidHandle
	}

	c.value.Success += inc.Success
	c.value.Failure += inc.Failure
	f.fireTriggered(c)
	f.cond.Broadcast()

	return nil
}

func (f *SimulatedFabric) count(ct CT, ok bool) {
	c, found := f.cts[ct]
	if !found {
		return
	}

	if ok {
		c.value.Success++
	} else {
		c.value.Failure++
	}

	f.fireTriggered(c)
}

func (f *SimulatedFabric) fireTriggered(c *simCT) {
	for {
		idx := -1
		for i, op := range c.triggered {
			if c.value.Success >= op.threshold {
				idx = i
				break
			}
		}

		if idx < 0 {
			return
		}

		op := c.triggered[idx]
		c.triggered = append(c.triggered[:idx], c.triggered[idx+1:]...)

		md, ok := f.mds[op.req.MD]
		if !ok {
			continue
		}

		atomic.AddInt64(&f.metrics.TriggeredFired, 1)
		f.deliverPut(md, op.req)
	}
}

func (b *SimulatedBackend) PTAlloc(ni NI, eq EQ, requested uint32) (uint32, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return 0, err
	}

	if eq != EQNone {
		q, ok := f.eqs[eq]
		if !ok || q.ni != n {
			return 0, ErrInvalidHandle
		}
	}

	index := requested
	if requested == PTIndexAny {
		index = 0
		for {
			if _, used := n.pts[index]; !used {
				break
			}
			index++
		}
	}

	if int(index) > n.limits.MaxPTIndex {
		return 0, ErrInvalidArgument
	}

	if _, used := n.pts[index]; used {
		return 0, ErrPTInUse
	}

	n.pts[index] = &simPT{eq: eq}

	return index, nil
}

func (b *SimulatedBackend) PTFree(ni NI, index uint32) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return err
	}

	pt, ok := n.pts[index]
	if !ok {
		return ErrPTNotAllocated
	}

	if len(pt.entries) > 0 {
		return ErrPTInUse
	}

	delete(n.pts, index)

	return nil
}

func (b *SimulatedBackend) MDBind(ni NI, md MDesc) (MD, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return 0, err
	}

	if len(md.Iovecs) > n.limits.MaxIovecs {
		return 0, ErrNoSpace
	}

	if md.EQ != EQNone {
		if q, ok := f.eqs[md.EQ]; !ok || q.ni != n {
			return 0, ErrInvalidHandle
		}
	}

	if md.CT != CTNone {
		if c, ok := f.cts[md.CT]; !ok || c.ni != n {
			return 0, ErrInvalidHandle
		}
	}

	count := 0
	for _, m := range f.mds {
		if m.ni == n {
			count++
		}
	}
	if count >= n.limits.MaxMDs {
		return 0, ErrNoSpace
	}

	desc := md
	desc.Iovecs = append([]Iovec(nil), md.Iovecs...)

	h := MD(f.handle())
	f.mds[h] = &simMD{ni: n, desc: desc, length: regionLength(desc.Length, desc.Iovecs)}
	atomic.AddInt64(&f.metrics.MDsBound, 1)

	return h, nil
}

func (b *SimulatedBackend) MDRelease(md MD) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.mds[md]
	if !ok || m.ni.owner != b {
		return ErrInvalidHandle
	}

	delete(f.mds, md)

	return nil
}

func (b *SimulatedBackend) LEAppend(ni NI, index uint32, le Entry, userPtr uintptr) (LE, error) {
	h, err := b.appendEntry(ni, index, le, userPtr, false)
	return LE(h), err
}

func (b *SimulatedBackend) LEUnlink(le LE) error {
	return b.unlinkEntry(uintptr(le), false)
}

func (b *SimulatedBackend) MEAppend(ni NI, index uint32, me Entry, userPtr uintptr) (ME, error) {
	h, err := b.appendEntry(ni, index, me, userPtr, true)
	return ME(h), err
}

func (b *SimulatedBackend) MEUnlink(me ME) error {
	return b.unlinkEntry(uintptr(me), true)
}

func (b *SimulatedBackend) appendEntry(ni NI, index uint32, desc Entry, userPtr uintptr, match bool) (uintptr, error) {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := b.lookupNI(ni)
	if err != nil {
		return 0, err
	}

	if n.matching != match {
		return 0, ErrMatchingMismatch
	}

	pt, ok := n.pts[index]
	if !ok {
		return 0, ErrPTNotAllocated
	}

	if len(pt.entries) >= n.limits.MaxListSize || len(f.entries) >= n.limits.MaxEntries {
		return 0, ErrNoSpace
	}

	if len(desc.Iovecs) > n.limits.MaxIovecs {
		return 0, ErrNoSpace
	}

	if desc.CT != CTNone {
		if c, ok := f.cts[desc.CT]; !ok || c.ni != n {
			return 0, ErrInvalidHandle
		}
	}

	d := desc
	d.Iovecs = append([]Iovec(nil), desc.Iovecs...)

	e := &simEntry{
		ni:      n,
		desc:    d,
		handle:  f.handle(),
		userPtr: userPtr,
		index:   index,
		match:   match,
	}

	status := NIOK
	if f.faults != nil {
		status = f.faults(OpLink, n.id, index)
	}

	if status == NIOK {
		pt.entries = append(pt.entries, e)
		f.entries[e.handle] = e
		atomic.AddInt64(&f.metrics.EntriesLinked, 1)
	} else {
		f.retired[e.handle] = struct{}{}
		atomic.AddInt64(&f.metrics.Failures, 1)
	}

	if pt.eq != EQNone && (d.Options&EntryEventLinkDisable == 0 || status != NIOK) {
		f.post(pt.eq, Event{
			Kind:      EventLink,
			NIFail:    status,
			PTIndex:   index,
			MatchBits: d.MatchBits,
			Start:     d.Start,
			UserPtr:   userPtr,
		})
	}

	f.cond.Broadcast()

	return e.handle, nil
}

func (b *SimulatedBackend) unlinkEntry(h uintptr, match bool) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.retired[h]; ok {
		delete(f.retired, h)
		return ErrEntryUnlinked
	}

	e, ok := f.entries[h]
	if !ok || e.ni.owner != b || e.match != match {
		return ErrInvalidHandle
	}

	f.removeEntry(e)

	return nil
}

func (f *SimulatedFabric) removeEntry(e *simEntry) {
	delete(f.entries, e.handle)

	pt, ok := e.ni.pts[e.index]
	if !ok {
		return
	}

	for i, cur := range pt.entries {
		if cur == e {
			pt.entries = append(pt.entries[:i], pt.entries[i+1:]...)
			return
		}
	}
}

func (b *SimulatedBackend) Put(req PutRequest) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	md, err := b.checkMD(req.MD, req.LocalOffset, req.Length)
	if err != nil {
		return err
	}

	atomic.AddInt64(&f.metrics.Puts, 1)
	f.deliverPut(md, req)
	f.cond.Broadcast()

	return nil
}

func (b *SimulatedBackend) Get(req GetRequest) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	md, err := b.checkMD(req.MD, req.LocalOffset, req.Length)
	if err != nil {
		return err
	}

	atomic.AddInt64(&f.metrics.Gets, 1)
	f.deliverGet(md, req)
	f.cond.Broadcast()

	return nil
}

func (b *SimulatedBackend) TriggeredPut(req PutRequest, trigger CT, threshold uint64) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := b.checkMD(req.MD, req.LocalOffset, req.Length); err != nil {
		return err
	}

	c, ok := f.cts[trigger]
	if !ok || c.ni.owner != b {
		return ErrInvalidHandle
	}

	pending := 0
	for _, ct := range f.cts {
		if ct.ni == c.ni {
			pending += len(ct.triggered)
		}
	}
	if pending >= c.ni.limits.MaxTriggeredOps {
		return ErrNoSpace
	}

	c.triggered = append(c.triggered, &triggeredOp{req: req, threshold: threshold})
	atomic.AddInt64(&f.metrics.TriggeredPuts, 1)
	f.fireTriggered(c)
	f.cond.Broadcast()

	return nil
}

func (b *SimulatedBackend) CTCancelTriggered(ct CT) error {
	f := b.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cts[ct]
	if !ok || c.ni.owner != b {
		return ErrInvalidHandle
	}

	c.triggered = nil

	return nil
}

func (b *SimulatedBackend) checkMD(h MD, offset, length uint64) (*simMD, error) {
	if b.fabric.closed {
		return nil, ErrFabricClosed
	}

	md, ok := b.fabric.mds[h]
	if !ok || md.ni.owner != b {
		return nil, ErrInvalidHandle
	}

	if length > md.ni.limits.MaxMsgSize {
		return nil, ErrInvalidArgument
	}

	if md.length != SizeMax && (offset > md.length || length > md.length-offset) {
		return nil, ErrOutOfRange
	}

	return md, nil
}

func (f *SimulatedFabric) deliverPut(md *simMD, req PutRequest) {
	status := NIOK

	src, err := gather(md.ni.owner.space, md.desc.Start, md.length, md.desc.Iovecs, req.LocalOffset, req.Length)
	if err != nil {
		status = NISegv
	}

	var (
		entry   *simEntry
		pt      *simPT
		mlength uint64
	)
	if status == NIOK {
		entry, pt, mlength, status = f.match(md.ni, req.Target, req.PTIndex, req.MatchBits, EntryOpPut, req.RemoteOffset, req.Length)
	}

	if status == NIOK && f.faults != nil {
		status = f.faults(OpPut, req.Target, req.PTIndex)
	}

	if status == NIOK {
		dst, err := gather(entry.ni.owner.space, entry.desc.Start, entryLength(entry), entry.desc.Iovecs, req.RemoteOffset, mlength)
		if err != nil {
			status = NISegv
		} else {
			scatterCopy(dst, src)
		}
	}

	if status == NIOK {
		f.completeTarget(entry, pt, Event{
			Kind:         EventPut,
			Initiator:    md.ni.id,
			PTIndex:      req.PTIndex,
			MatchBits:    req.MatchBits,
			RLength:      req.Length,
			MLength:      mlength,
			RemoteOffset: req.RemoteOffset,
			HdrData:      req.HdrData,
		})
	} else {
		atomic.AddInt64(&f.metrics.Failures, 1)
	}

	ok := status == NIOK
	opts := md.desc.Options
	initiatorEvent := Event{
		Initiator:    req.Target,
		NIFail:       status,
		PTIndex:      req.PTIndex,
		MatchBits:    req.MatchBits,
		RLength:      req.Length,
		MLength:      mlength,
		RemoteOffset: req.RemoteOffset,
		UserPtr:      req.UserPtr,
	}

	if opts&MDEventSendDisable == 0 && opts&MDEventSuccessDisable == 0 && md.desc.EQ != EQNone {
		ev := initiatorEvent
		ev.Kind = EventSend
		ev.NIFail = NIOK
		f.post(md.desc.EQ, ev)
	}

	if opts&MDEventCTSend != 0 && md.desc.CT != CTNone {
		f.count(md.desc.CT, true)
	}

	switch req.Ack {
	case AckReqFull:
		if opts&MDEventCTAck != 0 && md.desc.CT != CTNone {
			f.count(md.desc.CT, ok)
		}
		if md.desc.EQ != EQNone && (opts&MDEventSuccessDisable == 0 || !ok) {
			ev := initiatorEvent
			ev.Kind = EventAck
			f.post(md.desc.EQ, ev)
		}
	case AckReqCT:
		if opts&MDEventCTAck != 0 && md.desc.CT != CTNone {
			f.count(md.desc.CT, ok)
		}
	case AckReqNone:
	}
}

func (f *SimulatedFabric) deliverGet(md *simMD, req GetRequest) {
	status := NIOK

	dst, err := gather(md.ni.owner.space, md.desc.Start, md.length, md.desc.Iovecs, req.LocalOffset, req.Length)
	if err != nil {
		status = NISegv
	}

	var (
		entry   *simEntry
		pt      *simPT
		mlength uint64
	)
	if status == NIOK {
		entry, pt, mlength, status = f.match(md.ni, req.Target, req.PTIndex, req.MatchBits, EntryOpGet, req.RemoteOffset, req.Length)
	}

	if status == NIOK && f.faults != nil {
		status = f.faults(OpGet, req.Target, req.PTIndex)
	}

	if status == NIOK {
		src, err := gather(entry.ni.owner.space, entry.desc.Start, entryLength(entry), entry.desc.Iovecs, req.RemoteOffset, mlength)
		if err != nil {
			status = NISegv
		} else {
			scatterCopy(dst, src)
		}
	}

	if status == NIOK {
		f.completeTarget(entry, pt, Event{
			Kind:         EventGet,
			Initiator:    md.ni.id,
			PTIndex:      req.PTIndex,
			MatchBits:    req.MatchBits,
			RLength:      req.Length,
			MLength:      mlength,
			RemoteOffset: req.RemoteOffset,
		})
	} else {
		atomic.AddInt64(&f.metrics.Failures, 1)
	}

	ok := status == NIOK
	opts := md.desc.Options

	if opts&MDEventCTReply != 0 && md.desc.CT != CTNone {
		f.count(md.desc.CT, ok)
	}

	if md.desc.EQ != EQNone && (opts&MDEventSuccessDisable == 0 || !ok) {
		f.post(md.desc.EQ, Event{
			Kind:         EventReply,
			NIFail:       status,
			Initiator:    req.Target,
			PTIndex:      req.PTIndex,
			MatchBits:    req.MatchBits,
			RLength:      req.Length,
			MLength:      mlength,
			RemoteOffset: req.RemoteOffset,
			UserPtr:      req.UserPtr,
		})
	}
}

// match walks the priority list of the target index. An entry that matches
// but does not permit the operation yields NIOpViolation if nothing later
// accepts it.
func (f *SimulatedFabric) match(from *simNI, target ProcessID, index uint32, bits uint64, op EntryOptions, offset, length uint64) (*simEntry, *simPT, uint64, NIFailType) {
	tni, ok := f.byAddr[niKey{id: target, matching: from.matching}]
	if !ok {
		return nil, nil, 0, NIUndeliverable
	}

	pt, ok := tni.pts[index]
	if !ok {
		return nil, nil, 0, NIPTDisabled
	}

	violation := false
	for _, e := range pt.entries {
		if e.match && (bits^e.desc.MatchBits)&^e.desc.IgnoreBits != 0 {
			continue
		}

		if e.desc.Options&op == 0 {
			violation = true
			continue
		}

		mlength := length
		if n := entryLength(e); n != SizeMax {
			switch {
			case offset >= n:
				mlength = 0
			case length > n-offset:
				mlength = n - offset
			}
		}

		return e, pt, mlength, NIOK
	}

	if violation {
		return nil, nil, 0, NIOpViolation
	}

	if from.matching {
		return nil, nil, 0, NINoMatch
	}

	return nil, nil, 0, NIDropped
}

func (f *SimulatedFabric) completeTarget(e *simEntry, pt *simPT, ev Event) {
	if e.desc.Options&EntryEventCTComm != 0 && e.desc.CT != CTNone {
		f.count(e.desc.CT, true)
	}

	ev.UserPtr = e.userPtr
	if len(e.desc.Iovecs) == 0 {
		ev.Start = e.desc.Start + ev.RemoteOffset
	}

	if pt.eq != EQNone && e.desc.Options&EntryEventSuccessDisable == 0 {
		f.post(pt.eq, ev)
	}

	if e.desc.Options&EntryUseOnce != 0 {
		f.removeEntry(e)
		f.retired[e.handle] = struct{}{}

		if pt.eq != EQNone && e.desc.Options&EntryEventUnlinkDisable == 0 {
			f.post(pt.eq, Event{
				Kind:      EventAutoUnlink,
				PTIndex:   e.index,
				MatchBits: e.desc.MatchBits,
				Start:     e.desc.Start,
				UserPtr:   e.userPtr,
			})
		}
	}
}

func entryLength(e *simEntry) uint64 {
	return regionLength(e.desc.Length, e.desc.Iovecs)
}

func regionLength(length uint64, iovecs []Iovec) uint64 {
	if len(iovecs) == 0 {
		return length
	}

	var total uint64
	for _, v := range iovecs {
		total += v.Length
	}

	return total
}

// gather resolves the byte ranges backing [offset, offset+n) of a descriptor
// or entry. Unbounded regions treat offset as an absolute address.
func gather(space AddressSpace, start, length uint64, iovecs []Iovec, offset, n uint64) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}

	if space == nil {
		return nil, ErrBadAddress
	}

	if len(iovecs) == 0 {
		addr := start + offset
		if length == SizeMax {
			addr = offset
		}

		b, err := space.Resolve(addr, n)
		if err != nil {
			return nil, err
		}

		return [][]byte{b}, nil
	}

	var out [][]byte
	for _, v := range iovecs {
		if n == 0 {
			break
		}

		if offset >= v.Length {
			offset -= v.Length
			continue
		}

		take := min(v.Length-offset, n)
		b, err := space.Resolve(v.Start+offset, take)
		if err != nil {
			return nil, err
		}

		out = append(out, b)
		n -= take
		offset = 0
	}

	if n > 0 {
		return nil, ErrOutOfRange
	}

	return out, nil
}

// scatterCopy copies src chunks into dst chunks until either runs out.
func scatterCopy(dst, src [][]byte) {
	var di, doff int
	for _, s := range src {
		for len(s) > 0 && di < len(dst) {
			n := copy(dst[di][doff:], s)
			s = s[n:]
			doff += n
			if doff == len(dst[di]) {
				di++
				doff = 0
			}
		}
	}
}

func (b *SimulatedBackend) GetMetrics() map[string]interface{} {
	m := b.fabric.metrics

	return map[string]interface{}{
		"simulated":        true,
		"nis_initialized":  atomic.LoadInt64(&m.NIsInitialized),
		"eqs_allocated":    atomic.LoadInt64(&m.EQsAllocated),
		"cts_allocated":    atomic.LoadInt64(&m.CTsAllocated),
		"mds_bound":        atomic.LoadInt64(&m.MDsBound),
		"entries_linked":   atomic.LoadInt64(&m.EntriesLinked),
		"puts":             atomic.LoadInt64(&m.Puts),
		"gets":             atomic.LoadInt64(&m.Gets),
		"triggered_puts":   atomic.LoadInt64(&m.TriggeredPuts),
		"triggered_fired":  atomic.LoadInt64(&m.TriggeredFired),
		"events_delivered": atomic.LoadInt64(&m.EventsDelivered),
		"events_dropped":   atomic.LoadInt64(&m.EventsDropped),
		"failures":         atomic.LoadInt64(&m.Failures),
	}
}
