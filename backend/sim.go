// Package backend provides device implementations the host core can run
// against. Sim is an in-memory loopback fabric: every queue pair gets an
// engine goroutine that drains its command queues and writes events the
// way the NIC does.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-hfi/internal/constants"
	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/logging"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
	"github.com/ehrlich-b/go-hfi/internal/uring"
)

var (
	ErrClosed      = errors.New("sim: device closed")
	ErrUnknownQP   = errors.New("sim: unknown queue pair")
	ErrUnknownConn = errors.New("sim: unknown connection")
	ErrBadConfig   = errors.New("sim: invalid queue pair configuration")
)

// MaxPortals is the size of each queue pair's portal table.
const MaxPortals = 64

// SimConfig tunes the simulated device.
type SimConfig struct {
	// Notifier selects the doorbell kind, see uring.New.
	Notifier string

	// Idle is how long an engine sleeps after a pass that made no progress.
	Idle time.Duration

	// Batch caps the commands one engine pass consumes per queue.
	Batch int

	Logger *logging.Logger
}

// SimStats counts what the fabric did.
type SimStats struct {
	Commands   uint64
	Delivered  uint64
	NAKs       uint64
	Duplicates uint64
	Dropped    uint64
	Control    uint64
	Errors     uint64
}

// Sim implements interfaces.Device in memory.
type Sim struct {
	cfg    SimConfig
	logger *logging.Logger

	mu       sync.Mutex
	closed   bool
	nextQP   uint32
	nextConn uint32
	qps      map[uint32]*simQP
	conns    map[uint32]*simConn
	stats    SimStats

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ interfaces.Device = (*Sim)(nil)

// NewSim creates an empty fabric.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Idle <= 0 {
		cfg.Idle = constants.DeviceIdlePoll
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	if cfg.Notifier == "" {
		cfg.Notifier = uring.KindAuto
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	return &Sim{
		cfg:    cfg,
		logger: logger,
		qps:    make(map[uint32]*simQP),
		conns:  make(map[uint32]*simConn),
		ctx:    ctx,
		cancel: cancel,
		group:  g,
	}
}

// simConn is the receive side of one end of a connection. Its id is what
// the peer puts in the Conn field of commands it sends here.
type simConn struct {
	id   uint32
	qp   uint32
	peer uint32

	delivery   bool
	recvQ      []uint32
	expected   uint32
	nakPending bool
	modulus    uint32
}

type cmdRing struct {
	mem  []byte
	mask uint32
	head uint32
	pub  ring.HWIndex
}

type simQP struct {
	id  uint32
	cfg interfaces.QueuePairConfig

	tx, rx cmdRing

	ev      []byte
	evMask  uint32
	evTail  uint32
	status  []byte
	sendMem []byte
	recvMem []byte

	notifier uring.Notifier
	signal   bool
	enabled  bool
	portals  map[uint32]uapi.PortalEntry

	cancel context.CancelFunc
	done   chan struct{}
}

func (q *simQP) free() {
	for _, m := range [][]byte{q.tx.mem, q.rx.mem, q.ev, q.status, q.sendMem, q.recvMem} {
		ring.Free(m)
	}
}

func (q *simQP) sendBuf(i uint32) ([]byte, bool) {
	return bufferAt(q.sendMem, q.cfg.BufferSize, q.cfg.SendBuffers, i)
}

func (q *simQP) recvBuf(i uint32) ([]byte, bool) {
	return bufferAt(q.recvMem, q.cfg.BufferSize, q.cfg.RecvBuffers, i)
}

func bufferAt(mem []byte, size, count, i uint32) ([]byte, bool) {
	if i >= count {
		return nil, false
	}
	off := int(i) * int(size)
	return mem[off : off+int(size)], true
}

func validate(cfg interfaces.QueuePairConfig) error {
	for _, n := range []uint32{cfg.TxSlots, cfg.RxSlots, cfg.EventSlots} {
		if _, err := ring.NewIndex(n); err != nil {
			return fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
	}
	if cfg.EventWidth != uapi.EventWidthSingle && cfg.EventWidth != uapi.EventWidthDouble {
		return fmt.Errorf("%w: event width %d", ErrBadConfig, cfg.EventWidth)
	}
	if (cfg.SendBuffers > 0 || cfg.RecvBuffers > 0) && cfg.BufferSize == 0 {
		return fmt.Errorf("%w: buffers without a buffer size", ErrBadConfig)
	}
	return nil
}

func allocAll(sizes ...int) ([][]byte, error) {
	out := make([][]byte, len(sizes))
	for i, n := range sizes {
		if n == 0 {
			continue
		}
		m, err := ring.Alloc(n)
		if err != nil {
			for _, prev := range out[:i] {
				ring.Free(prev)
			}
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// AssignQueuePair implements interfaces.Device.
func (s *Sim) AssignQueuePair(cfg interfaces.QueuePairConfig) (uint32, error) {
	if err := validate(cfg); err != nil {
		return 0, err
	}
	if cfg.SendDepth == 0 {
		cfg.SendDepth = constants.DefaultSendDepth
	}

	mem, err := allocAll(
		int(cfg.TxSlots)*uapi.SlotSize,
		int(cfg.RxSlots)*uapi.SlotSize,
		int(cfg.EventSlots*cfg.EventWidth),
		uapi.StatusPageSize,
		int(cfg.SendBuffers*cfg.BufferSize),
		int(cfg.RecvBuffers*cfg.BufferSize),
	)
	if err != nil {
		return 0, err
	}
	n, err := uring.New(s.cfg.Notifier)
	if err != nil {
		for _, m := range mem {
			ring.Free(m)
		}
		return 0, err
	}

	q := &simQP{
		cfg:      cfg,
		tx:       cmdRing{mem: mem[0], mask: cfg.TxSlots - 1, pub: ring.NewHWIndex(mem[3], uapi.StatusTxHead)},
		rx:       cmdRing{mem: mem[1], mask: cfg.RxSlots - 1, pub: ring.NewHWIndex(mem[3], uapi.StatusRxHead)},
		ev:       mem[2],
		evMask:   cfg.EventSlots - 1,
		status:   mem[3],
		sendMem:  mem[4],
		recvMem:  mem[5],
		notifier: n,
		portals:  make(map[uint32]uapi.PortalEntry),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		n.Close()
		q.free()
		return 0, ErrClosed
	}
	s.nextQP++
	q.id = s.nextQP
	s.qps[q.id] = q
	ctx, cancel := context.WithCancel(s.ctx)
	q.cancel = cancel
	s.mu.Unlock()

	s.group.Go(func() error {
		defer close(q.done)
		return s.run(ctx, q)
	})
	s.logger.WithQueuePair(q.id).Debug("queue pair assigned",
		"user", cfg.UserID, "rank", cfg.Rank,
		"tx_slots", cfg.TxSlots, "event_slots", cfg.EventSlots)
	return q.id, nil
}

// ReleaseQueuePair implements interfaces.Device. The engine is stopped
// before the memory goes away; the queue pair's connections go with it.
func (s *Sim) ReleaseQueuePair(id uint32) error {
	s.mu.Lock()
	q, ok := s.qps[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownQP, id)
	}
	delete(s.qps, id)
	for cid, c := range s.conns {
		if c.qp == id {
			delete(s.conns, cid)
		}
	}
	s.mu.Unlock()

	q.cancel()
	<-q.done
	q.notifier.Close()
	q.free()
	s.logger.WithQueuePair(id).Debug("queue pair released")
	return nil
}

func (s *Sim) lookupLocked(id uint32) (*simQP, error) {
	q, ok := s.qps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownQP, id)
	}
	return q, nil
}

// TranslateAddress implements interfaces.Device.
func (s *Sim) TranslateAddress(id uint32, kind interfaces.AddressKind, index uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	switch kind {
	case interfaces.AddrTxQueue:
		return q.tx.mem, nil
	case interfaces.AddrRxQueue:
		return q.rx.mem, nil
	case interfaces.AddrEventQueue:
		return q.ev, nil
	case interfaces.AddrStatusPage:
		return q.status, nil
	case interfaces.AddrSendBuffer:
		if b, ok := q.sendBuf(index); ok {
			return b, nil
		}
	case interfaces.AddrRecvBuffer:
		if b, ok := q.recvBuf(index); ok {
			return b, nil
		}
	default:
		return nil, fmt.Errorf("sim: qp %d: unknown region %d", id, kind)
	}
	return nil, fmt.Errorf("sim: qp %d: %s index %d out of range", id, kind, index)
}

// WaitForEvent implements interfaces.Device.
func (s *Sim) WaitForEvent(id uint32, timeout time.Duration) (interfaces.WaitOutcome, error) {
	s.mu.Lock()
	q, err := s.lookupLocked(id)
	s.mu.Unlock()
	if err != nil {
		return interfaces.WaitTimedOut, err
	}
	return q.notifier.Wait(timeout)
}

// Connect implements interfaces.Device. Delivery starts enabled on both
// ends. qp and peer may be the same queue pair.
func (s *Sim) Connect(qp, peer uint32) (uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookupLocked(qp)
	if err != nil {
		return 0, 0, err
	}
	b, err := s.lookupLocked(peer)
	if err != nil {
		return 0, 0, err
	}
	s.nextConn++
	local := s.nextConn
	s.nextConn++
	remote := s.nextConn
	s.conns[local] = &simConn{id: local, qp: qp, peer: remote, delivery: true, modulus: 2 * b.cfg.SendDepth}
	s.conns[remote] = &simConn{id: remote, qp: peer, peer: local, delivery: true, modulus: 2 * a.cfg.SendDepth}
	s.logger.WithQueuePair(qp).Debug("connected", "local", local, "peer_qp", peer, "remote", remote)
	return local, remote, nil
}

func (s *Sim) connLocked(qp, id uint32) (*simConn, error) {
	c, ok := s.conns[id]
	if !ok || c.qp != qp {
		return nil, fmt.Errorf("%w: %d on qp %d", ErrUnknownConn, id, qp)
	}
	return c, nil
}

// SetDelivery implements interfaces.Device.
func (s *Sim) SetDelivery(qp, conn uint32, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.connLocked(qp, conn)
	if err != nil {
		return err
	}
	c.delivery = enabled
	return nil
}

// RecvPosted implements interfaces.Device.
func (s *Sim) RecvPosted(qp, conn uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.connLocked(qp, conn)
	if err != nil {
		return 0, err
	}
	return uint32(len(c.recvQ)), nil
}

// Stats returns a copy of the fabric counters.
func (s *Sim) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops every engine and frees all queue memory.
func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.group.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, q := range s.qps {
		q.notifier.Close()
		q.free()
		delete(s.qps, id)
	}
	return err
}
