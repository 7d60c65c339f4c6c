// Package cmdq implements the host side of a command queue: a ring of
// 64-byte slots the host fills and the NIC drains.
package cmdq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

var (
	// ErrWouldBlock means the queue has no room for the command right now.
	// It is backpressure, not a failure: retry once the device drains.
	ErrWouldBlock = errors.New("cmdq: queue full")

	// ErrTooLarge means the command can never fit, even in an empty queue.
	ErrTooLarge = errors.New("cmdq: command exceeds queue capacity")

	// ErrBadHeader means the descriptor is empty or longer than two slots.
	ErrBadHeader = errors.New("cmdq: header must occupy one or two slots")
)

// IsWouldBlock reports whether err is queue-full backpressure.
func IsWouldBlock(err error) bool { return errors.Is(err, ErrWouldBlock) }

// Config describes the memory a queue drives.
type Config struct {
	// Name labels the queue in logs and metrics ("tx", "rx").
	Name string

	// Mem is the slot array; its length must be a power-of-two multiple of
	// the slot size and it must be 8-byte aligned.
	Mem []byte

	// Head is the device-written consumer index.
	Head ring.HWIndex

	Observer interfaces.Observer
}

// Ticket identifies a submitted command.
type Ticket struct {
	Slot  uint32 // first slot of the command
	Slots uint32 // slot count
}

// Queue is the producer side of one command queue. It is safe for
// concurrent submitters; they serialize on the queue lock.
type Queue struct {
	mu sync.Mutex

	name    string
	mem     []byte
	idx     ring.Index
	head    ring.HWIndex
	obs     interfaces.Observer
	scratch []byte

	tail   uint32 // next slot to fill
	swHead uint32 // last observed device head
	avail  uint32 // (capacity-1) - distance(swHead, tail)
}

// New validates cfg and returns an empty queue whose tail and cached head
// both sit at the device's current head.
func New(cfg Config) (*Queue, error) {
	if len(cfg.Mem) == 0 || len(cfg.Mem)%uapi.SlotSize != 0 {
		return nil, fmt.Errorf("cmdq %s: memory length %d is not a multiple of %d", cfg.Name, len(cfg.Mem), uapi.SlotSize)
	}
	if !ring.Aligned(cfg.Mem, 8) {
		return nil, fmt.Errorf("cmdq %s: memory is not 8-byte aligned", cfg.Name)
	}
	if !cfg.Head.Valid() {
		return nil, fmt.Errorf("cmdq %s: missing head index", cfg.Name)
	}
	idx, err := ring.NewIndex(uint32(len(cfg.Mem) / uapi.SlotSize))
	if err != nil {
		return nil, fmt.Errorf("cmdq %s: %w", cfg.Name, err)
	}

	q := &Queue{
		name:    cfg.Name,
		mem:     cfg.Mem,
		idx:     idx,
		head:    cfg.Head,
		obs:     interfaces.OrNop(cfg.Observer),
		scratch: ring.Scratch(),
	}
	q.resetLocked(cfg.Head.LoadRelaxed())
	return q, nil
}

// Name returns the queue label.
func (q *Queue) Name() string { return q.name }

// Capacity returns the slot count.
func (q *Queue) Capacity() uint32 { return q.idx.Size() }

// Available returns the cached free-slot count without refreshing it.
func (q *Queue) Available() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.avail
}

// Tail returns the next slot the producer will write.
func (q *Queue) Tail() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail
}

// Reset discards producer state and restarts at the device's head. Only
// valid while the device side is quiescent, e.g. after a remap.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked(q.head.LoadRelaxed())
}

func (q *Queue) resetLocked(head uint32) {
	q.tail = q.idx.Wrap(head)
	q.swHead = q.tail
	q.avail = q.idx.Mask()
}

// refreshLocked re-reads the device head. Called only when the cached
// count is insufficient so the shared word is not touched on every call.
func (q *Queue) refreshLocked() {
	q.swHead = q.idx.Wrap(q.head.LoadRelaxed())
	q.avail = q.idx.Free(q.swHead, q.tail)
	q.obs.ObserveHeadRefresh(q.name)
}

// TrySubmit places a command in the queue. header holds the descriptor (one
// or two slots, zero padded); payload, if any, follows it in the next
// slots. TrySubmit never waits: if the command does not fit it returns
// ErrWouldBlock and leaves the queue untouched.
func (q *Queue) TrySubmit(header, payload []byte) (Ticket, error) {
	hs := (len(header) + uapi.SlotSize - 1) / uapi.SlotSize
	if hs < 1 || hs > uapi.MaxHeaderSlots || header[0] == uapi.OpNone {
		return Ticket{}, ErrBadHeader
	}
	n := uint32(uapi.SlotsFor(hs, len(payload)))
	if n > q.idx.Mask() {
		return Ticket{}, fmt.Errorf("%w: %d slots, capacity %d", ErrTooLarge, n, q.idx.Size())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.avail < n {
		q.refreshLocked()
		if q.avail < n {
			q.obs.ObserveWouldBlock(q.name)
			return Ticket{}, ErrWouldBlock
		}
	}

	start := q.tail
	staged := q.placeLocked(start, n, header, payload)

	q.tail = q.idx.Add(start, n)
	q.avail -= n
	q.obs.ObserveSubmit(q.name, n, staged)
	return Ticket{Slot: start, Slots: n}, nil
}
