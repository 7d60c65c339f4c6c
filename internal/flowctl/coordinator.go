package flowctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-hfi/internal/cmdq"
	"github.com/ehrlich-b/go-hfi/internal/constants"
	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/logging"
	"github.com/ehrlich-b/go-hfi/internal/retry"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

var (
	ErrUnknownConn    = errors.New("flowctl: unknown connection")
	ErrConnExists     = errors.New("flowctl: connection already open")
	ErrInvalidCommand = errors.New("flowctl: invalid command")

	// ErrCorruptBuffer means a buffered command no longer matches the
	// slot count recorded when it was buffered.
	ErrCorruptBuffer = errors.New("flowctl: buffered command does not match its recorded size")

	// ErrRecvNotReady means the device's receive root stayed empty for
	// the whole bounded spin after a replenish.
	ErrRecvNotReady = errors.New("flowctl: receive queue root still empty")

	// ErrSendFailed wraps a send completion carrying a non-retryable status.
	ErrSendFailed = errors.New("flowctl: send failed")
)

// Submitter places command images on a command queue. *cmdq.Queue
// implements it.
type Submitter interface {
	Submit(ctx context.Context, p retry.Policy, header, payload []byte) (cmdq.Ticket, error)
}

// Delivery is the part of the device a receiver touches when it leaves
// RX_BLOCKED.
type Delivery interface {
	RecvPosted(conn uint32) (uint32, error)
	SetDelivery(conn uint32, enabled bool) error
}

// PendingCounter tracks completions the host expects. *evq.Queue
// implements it.
type PendingCounter interface {
	AddPending(n int64)
}

type nopPending struct{}

func (nopPending) AddPending(int64) {}

// Config wires a Coordinator to one queue pair.
type Config struct {
	TX       Submitter
	Delivery Delivery
	Pending  PendingCounter

	// Depth is the per-connection send ring depth; a power of two.
	Depth uint32

	// SignalInterval requests a completion every N sends.
	SignalInterval uint32

	// DataPolicy governs data and replay submissions, ControlPolicy
	// control messages, RecvPolicy the spin on the receive root.
	DataPolicy    *retry.Policy
	ControlPolicy *retry.Policy
	RecvPolicy    *retry.Policy

	Logger   *logging.Logger
	Observer interfaces.Observer
}

// Command is a data transfer on a connection. The coordinator fills in the
// connection, sequence, slot counts and, for PIO sends, the length.
type Command struct {
	Header  uapi.CommandHeader
	Payload []byte
}

// Coordinator runs flow control for every connection of one queue pair.
type Coordinator struct {
	tx       Submitter
	delivery Delivery
	pending  PendingCounter

	depth    uint32
	interval uint32
	data     retry.Policy
	control  retry.Policy
	recv     retry.Policy

	log *logging.Logger
	obs interfaces.Observer

	mu    sync.RWMutex
	conns map[uint32]*conn

	owed atomic.Bool
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.TX == nil {
		return nil, errors.New("flowctl: nil submitter")
	}
	if cfg.Depth == 0 {
		cfg.Depth = constants.DefaultSendDepth
	}
	if _, err := ring.NewIndex(cfg.Depth); err != nil {
		return nil, fmt.Errorf("flowctl: send depth %d: %w", cfg.Depth, err)
	}
	if cfg.SignalInterval == 0 {
		cfg.SignalInterval = constants.DefaultSignalInterval
	}
	if cfg.SignalInterval > cfg.Depth {
		cfg.SignalInterval = cfg.Depth
	}

	c := &Coordinator{
		tx:       cfg.TX,
		delivery: cfg.Delivery,
		pending:  cfg.Pending,
		depth:    cfg.Depth,
		interval: cfg.SignalInterval,
		data:     retry.Blocking(constants.ControlRetryDelay, constants.ControlRetryMaxDelay, nil),
		control:  retry.Blocking(constants.ControlRetryDelay, constants.ControlRetryMaxDelay, nil),
		recv:     retry.Bounded(constants.RecvRootSpinAttempts, constants.RecvRootSpinDelay, nil),
		log:      cfg.Logger,
		obs:      interfaces.OrNop(cfg.Observer),
		conns:    make(map[uint32]*conn),
	}
	if cfg.DataPolicy != nil {
		c.data = *cfg.DataPolicy
	}
	if cfg.ControlPolicy != nil {
		c.control = *cfg.ControlPolicy
	}
	if cfg.RecvPolicy != nil {
		c.recv = *cfg.RecvPolicy
	}
	c.recv.RetryIf = func(err error) bool { return errors.Is(err, ErrRecvNotReady) }
	if c.pending == nil {
		c.pending = nopPending{}
	}
	if c.log == nil {
		c.log = logging.Default()
	}
	return c, nil
}

// Depth returns the per-connection send ring depth.
func (c *Coordinator) Depth() uint32 { return c.depth }

// Open starts tracking local connection id whose peer end is remote.
func (c *Coordinator) Open(id, remote uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[id]; ok {
		return fmt.Errorf("%w: %d", ErrConnExists, id)
	}
	c.conns[id] = newConn(id, remote, c.depth)
	return nil
}

// Close forgets a connection and any work buffered on it.
func (c *Coordinator) Close(id uint32) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

func (c *Coordinator) lookup(id uint32) (*conn, error) {
	c.mu.RLock()
	cn, ok := c.conns[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConn, id)
	}
	return cn, nil
}

func (c *Coordinator) snapshotConns() []*conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		out = append(out, cn)
	}
	return out
}

// State reports the flow-control state of a connection. A connection that
// is blocked in both directions reports StateTxBlocked.
func (c *Coordinator) State(id uint32) (State, error) {
	cn, err := c.lookup(id)
	if err != nil {
		return StateNormal, err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.stateLocked(), nil
}

// Inspect returns a snapshot of a connection's bookkeeping.
func (c *Coordinator) Inspect(id uint32) (ConnState, error) {
	cn, err := c.lookup(id)
	if err != nil {
		return ConnState{}, err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.snapshotLocked(), nil
}

// Send assigns the next sequence on connection id and submits cmd, or
// buffers it when the connection is TX_BLOCKED. It returns the assigned
// sequence. A connection with Depth sends outstanding returns an error
// wrapping cmdq.ErrWouldBlock.
func (c *Coordinator) Send(ctx context.Context, id uint32, cmd Command) (uint32, error) {
	cn, err := c.lookup(id)
	if err != nil {
		return 0, err
	}

	hdr := cmd.Header
	switch hdr.Opcode {
	case uapi.OpSendPIO:
		hdr.Length = uint32(len(cmd.Payload))
	case uapi.OpSendDMA, uapi.OpRDMAWrite, uapi.OpRDMARead:
		if len(cmd.Payload) != 0 {
			return 0, fmt.Errorf("%w: %s carries no inline payload", ErrInvalidCommand, uapi.OpcodeName(hdr.Opcode))
		}
	default:
		return 0, fmt.Errorf("%w: opcode %s", ErrInvalidCommand, uapi.OpcodeName(hdr.Opcode))
	}
	hs := uapi.HeaderSlotsFor(hdr.Opcode)
	n := uapi.SlotsFor(hs, len(cmd.Payload))
	if n > 0xff {
		return 0, fmt.Errorf("%w: %d byte payload", ErrInvalidCommand, len(cmd.Payload))
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.full() {
		c.obs.ObserveWouldBlock("conn")
		return 0, fmt.Errorf("%w: conn %d has %d sends outstanding", cmdq.ErrWouldBlock, id, cn.outstanding())
	}

	seq := cn.next
	prevSince := cn.sinceSignal
	signal := hdr.Flags&uapi.FlagSignal != 0
	cn.sinceSignal++
	if cn.sinceSignal >= c.interval {
		signal = true
	}
	if signal {
		cn.sinceSignal = 0
	}

	hdr.Flags &^= uapi.FlagRetransmit | uapi.FlagSignal
	flags := slotValid
	if signal {
		hdr.Flags |= uapi.FlagSignal
		flags |= slotSignal
	}
	hdr.Conn = cn.remote
	hdr.Seq = seq
	hdr.Slots = uint8(n)
	hdr.HeaderSlots = uint8(hs)

	sl := cn.slot(seq)
	*sl = sendSlot{
		flags:   flags,
		header:  uapi.Marshal(&hdr),
		payload: append([]byte(nil), cmd.Payload...),
		slots:   uint32(n),
	}
	cn.next = cn.seq.Next(seq)

	if cn.txBlocked {
		cn.extendLocked(seq, seq)
		c.obs.ObserveFlowControl("buffered")
		return seq, nil
	}

	if signal {
		c.pending.AddPending(1)
	}
	if _, err := c.tx.Submit(ctx, c.data, sl.header, sl.payload); err != nil {
		if signal {
			c.pending.AddPending(-1)
		}
		*sl = sendSlot{}
		cn.next = seq
		cn.sinceSignal = prevSince
		return 0, err
	}
	return seq, nil
}

// HandleSendComplete applies the completion of send seq on connection id.
// Successful completions acknowledge cumulatively. A target-not-ready
// status moves the connection to TX_BLOCKED and asks the peer to report
// when it can receive again.
func (c *Coordinator) HandleSendComplete(ctx context.Context, id, seq uint32, status uint8) error {
	cn, err := c.lookup(id)
	if err != nil {
		return err
	}

	cn.mu.Lock()
	switch status {
	case uapi.StatusOK:
		cn.ackThroughLocked(seq)
		cn.mu.Unlock()
		return nil

	case uapi.StatusTargetNotReady:
		if !cn.inFlight(seq) {
			cn.mu.Unlock()
			return nil
		}
		// Everything before the first refused send was delivered, but
		// nothing inside an already recorded range is known to be.
		limit := seq
		if cn.hasRange && cn.before(cn.cidx, seq) {
			limit = cn.cidx
		}
		cn.ackBeforeLocked(limit)

		entering := !cn.txBlocked
		cn.txBlocked = true
		cn.extendLocked(seq, cn.last())
		first, last := cn.cidx, cn.eidx
		cn.mu.Unlock()

		if !entering {
			return nil
		}
		c.obs.ObserveFlowControl("tx_blocked")
		c.log.FlowTransition(id, StateNormal.String(), StateTxBlocked.String())
		c.log.Debug("send refused by receiver", "conn", id, "first", first, "last", last)
		return c.sendControl(ctx, cn, uapi.FCRxExitRequest)

	default:
		cn.ackThroughLocked(seq)
		cn.mu.Unlock()
		return fmt.Errorf("%w: conn %d seq %d: %s", ErrSendFailed, id, seq, uapi.StatusName(status))
	}
}

// Extend records that sends [start, end] on connection id were refused by
// the receiver, merging with any range already recorded. Sequences outside
// the unacknowledged window are ignored.
func (c *Coordinator) Extend(id, start, end uint32) error {
	cn, err := c.lookup(id)
	if err != nil {
		return err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if !cn.inFlight(start) || !cn.inFlight(end) || cn.before(end, start) {
		return nil
	}
	cn.txBlocked = true
	cn.extendLocked(start, end)
	return nil
}

// resume leaves TX_BLOCKED by replaying the recorded range.
func (c *Coordinator) resume(ctx context.Context, cn *conn) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if !cn.txBlocked {
		return nil
	}
	first, last := cn.cidx, cn.eidx
	cn.replayOwed = true
	n, err := c.replayLocked(ctx, cn)
	if n > 0 {
		c.obs.ObserveReplay(n)
	}
	if err != nil {
		if !errors.Is(err, ErrCorruptBuffer) {
			c.owed.Store(true)
		}
		return err
	}
	if n > 0 {
		c.log.Replay(cn.id, first, last, n)
	}
	cn.replayOwed = false
	cn.txBlocked = false
	cn.hasRange = false
	c.obs.ObserveFlowControl("tx_resumed")
	c.log.FlowTransition(cn.id, StateTxBlocked.String(), cn.stateLocked().String())
	return nil
}

// replayLocked resubmits every still-valid send in [cidx, eidx] in order
// with the retransmit flag, requesting a completion for the last one. On a
// submission failure cidx is left at the first send not resubmitted.
func (c *Coordinator) replayLocked(ctx context.Context, cn *conn) (int, error) {
	if !cn.hasRange {
		return 0, nil
	}

	lastValid, found := cn.cidx, false
	for s := cn.cidx; ; s = cn.seq.Next(s) {
		sl := cn.slot(s)
		if sl.has(slotValid) {
			if err := verifyImage(sl); err != nil {
				return 0, fmt.Errorf("conn %d seq %d: %w", cn.id, s, err)
			}
			lastValid, found = s, true
		}
		if s == cn.eidx {
			break
		}
	}
	if !found {
		return 0, nil
	}

	count := 0
	for s := cn.cidx; ; s = cn.seq.Next(s) {
		sl := cn.slot(s)
		if sl.has(slotValid) {
			if s == lastValid {
				sl.flags |= slotSignal
			}
			hdr := cn.replayHdr[:len(sl.header)]
			copy(hdr, sl.header)
			hdr[1] |= uapi.FlagRetransmit
			if sl.has(slotSignal) {
				hdr[1] |= uapi.FlagSignal
				c.pending.AddPending(1)
			}
			if _, err := c.tx.Submit(ctx, c.data, hdr, sl.payload); err != nil {
				if sl.has(slotSignal) {
					c.pending.AddPending(-1)
				}
				cn.cidx = s
				return count, err
			}
			sl.flags &^= slotFCSeen
			count++
		}
		if s == lastValid {
			break
		}
	}
	return count, nil
}

// verifyImage checks a buffered command against the slot count recorded
// when it was buffered.
func verifyImage(sl *sendSlot) error {
	var h uapi.CommandHeader
	if err := uapi.Unmarshal(sl.header, &h); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptBuffer, err)
	}
	inline := 0
	if h.Opcode == uapi.OpSendPIO {
		inline = int(h.Length)
	}
	want := uint32(uapi.SlotsFor(int(h.HeaderSlots), inline))
	if want != sl.slots || uint32(h.Slots) != sl.slots || inline != len(sl.payload) {
		return fmt.Errorf("%w: recorded %d slots, header describes %d", ErrCorruptBuffer, sl.slots, want)
	}
	return nil
}
