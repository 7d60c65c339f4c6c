// Package evq implements the host side of an event queue: a ring of
// fixed-width entries the NIC fills and the host retires.
package evq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

var (
	// ErrTimeout is a retryable outcome of Wait: nothing arrived in time.
	ErrTimeout = errors.New("evq: wait timed out")

	// ErrUnexpectedKind is a protocol violation: a waiter that required a
	// specific kind of event saw another.
	ErrUnexpectedKind = errors.New("evq: unexpected event kind")

	// ErrDropped means the device discarded the entry's payload.
	ErrDropped = errors.New("evq: entry dropped by device")

	// ErrCommandFailed means a synchronous command completed with a
	// non-OK status.
	ErrCommandFailed = errors.New("evq: command failed")

	// ErrNotHead is returned when advancing anything but the head entry,
	// or an entry that is no longer valid (already advanced).
	ErrNotHead = errors.New("evq: entry is not the valid head")
)

// Config describes the memory a queue reads.
type Config struct {
	// Mem holds capacity entries of Width bytes each, 8-byte aligned.
	Mem []byte

	// Width is uapi.EventWidthSingle or uapi.EventWidthDouble.
	Width int

	// HostHead is where the host publishes its head for waiters.
	HostHead ring.HWIndex

	// Waiter blocks until the device signals new entries. Optional; without
	// it Wait polls.
	Waiter Waiter

	Observer interfaces.Observer
}

// Entry refers to a valid slot observed by Peek. It stays meaningful until
// the slot is advanced.
type Entry struct {
	slot    uint32
	kind    uint8
	dropped bool
	raw     []byte
}

// Slot returns the ring slot of the entry.
func (e Entry) Slot() uint32 { return e.slot }

// Kind returns the 7-bit event kind.
func (e Entry) Kind() uint8 { return e.kind }

// Dropped reports whether the device discarded the payload. The entry must
// still be advanced past.
func (e Entry) Dropped() bool { return e.dropped }

// Decode copies the entry out of ring memory. For dropped entries only the
// kind is meaningful.
func (e Entry) Decode() (uapi.Event, error) {
	var ev uapi.Event
	if e.raw == nil {
		return ev, errors.New("evq: zero entry")
	}
	err := uapi.DecodeEvent(e.raw, &ev)
	return ev, err
}

// Queue is the consumer side of one event queue.
//
// Peek may be called from any goroutine. Advance and AdvanceMultiple are
// serialized internally; callers that must peek, decide and then advance
// as one step hold Lock for the duration.
type Queue struct {
	consumer sync.Mutex
	advance  sync.Mutex

	mem      []byte
	width    int
	idx      ring.Index
	head     atomic.Uint32
	hostHead ring.HWIndex
	waiter   Waiter
	obs      interfaces.Observer

	pending    atomic.Int64
	underflows atomic.Uint64
}

// New validates cfg and returns a queue whose head is the published host head.
func New(cfg Config) (*Queue, error) {
	if cfg.Width != uapi.EventWidthSingle && cfg.Width != uapi.EventWidthDouble {
		return nil, fmt.Errorf("evq: entry width %d not supported", cfg.Width)
	}
	if len(cfg.Mem) == 0 || len(cfg.Mem)%cfg.Width != 0 {
		return nil, fmt.Errorf("evq: memory length %d is not a multiple of %d", len(cfg.Mem), cfg.Width)
	}
	if !ring.Aligned(cfg.Mem, 8) {
		return nil, errors.New("evq: memory is not 8-byte aligned")
	}
	if !cfg.HostHead.Valid() {
		return nil, errors.New("evq: missing host head index")
	}
	idx, err := ring.NewIndex(uint32(len(cfg.Mem) / cfg.Width))
	if err != nil {
		return nil, fmt.Errorf("evq: %w", err)
	}
	q := &Queue{
		mem:      cfg.Mem,
		width:    cfg.Width,
		idx:      idx,
		hostHead: cfg.HostHead,
		waiter:   cfg.Waiter,
		obs:      interfaces.OrNop(cfg.Observer),
	}
	q.head.Store(idx.Wrap(cfg.HostHead.LoadRelaxed()))
	return q, nil
}

// Lock takes the consumer lock.
func (q *Queue) Lock() { q.consumer.Lock() }

// Unlock releases the consumer lock.
func (q *Queue) Unlock() { q.consumer.Unlock() }

// Capacity returns the entry count.
func (q *Queue) Capacity() uint32 { return q.idx.Size() }

// Width returns the entry width in bytes.
func (q *Queue) Width() int { return q.width }

// Head returns the slot the next Peek(0) inspects.
func (q *Queue) Head() uint32 { return q.head.Load() }

func (q *Queue) entry(slot uint32) []byte {
	off := int(slot) * q.width
	return q.mem[off : off+q.width]
}

func (q *Queue) control(slot uint32) *atomic.Uint64 {
	return ring.Word64At(q.mem, int(slot)*q.width+q.width-8)
}

// Peek inspects the entry offset positions past the head without changing
// anything. ok is false when that entry has not been written yet.
func (q *Queue) Peek(offset uint32) (e Entry, ok bool) {
	if offset >= q.idx.Size() {
		return Entry{}, false
	}
	slot := q.idx.Add(q.head.Load(), offset)
	w := q.control(slot).Load()
	if !uapi.ControlValid(w) {
		return Entry{}, false
	}
	return Entry{
		slot:    slot,
		kind:    uapi.ControlKind(w),
		dropped: uapi.ControlDropped(w),
		raw:     q.entry(slot),
	}, true
}

// Advance retires the head entry e: clears its validity bit, moves the head
// forward, publishes it, and decrements the pending count.
func (q *Queue) Advance(e Entry) error {
	q.advance.Lock()
	defer q.advance.Unlock()

	head := q.head.Load()
	if e.raw == nil || e.slot != head || !uapi.ControlValid(q.control(head).Load()) {
		return fmt.Errorf("%w: slot %d, head %d", ErrNotHead, e.slot, head)
	}
	q.retireLocked(head, 1)
	q.obs.ObserveEvent(e.kind, e.dropped)
	return nil
}

// AdvanceMultiple retires the n entries at the head. Either all n are
// valid and retired, or nothing changes.
func (q *Queue) AdvanceMultiple(n uint32) error {
	if n == 0 {
		return nil
	}
	if n > q.idx.Size() {
		return fmt.Errorf("evq: cannot advance %d entries on a ring of %d", n, q.idx.Size())
	}

	q.advance.Lock()
	defer q.advance.Unlock()

	head := q.head.Load()
	words := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		w := q.control(q.idx.Add(head, i)).Load()
		if !uapi.ControlValid(w) {
			return fmt.Errorf("%w: slot %d not valid", ErrNotHead, q.idx.Add(head, i))
		}
		words[i] = w
	}
	q.retireLocked(head, n)
	for _, w := range words {
		q.obs.ObserveEvent(uapi.ControlKind(w), uapi.ControlDropped(w))
	}
	return nil
}

// retireLocked clears n control words starting at head before publishing
// the new head, so a slot is never reusable while still marked valid.
func (q *Queue) retireLocked(head, n uint32) {
	for i := uint32(0); i < n; i++ {
		q.control(q.idx.Add(head, i)).Store(0)
	}
	next := q.idx.Add(head, n)
	q.head.Store(next)
	q.hostHead.Publish(next)
	q.subPending(int64(n))
}

// AddPending records n operations whose completions will arrive on this
// queue.
func (q *Queue) AddPending(n int64) {
	q.pending.Add(n)
}

// Pending returns the number of completions believed outstanding.
func (q *Queue) Pending() int64 { return q.pending.Load() }

// PendingUnderflows counts decrements that would have gone below zero.
// Non-zero means some completion arrived that nobody accounted for.
func (q *Queue) PendingUnderflows() uint64 { return q.underflows.Load() }

func (q *Queue) subPending(n int64) {
	for {
		cur := q.pending.Load()
		next := cur - n
		under := next < 0
		if under {
			next = 0
		}
		if q.pending.CompareAndSwap(cur, next) {
			if under {
				q.underflows.Add(1)
			}
			return
		}
	}
}
