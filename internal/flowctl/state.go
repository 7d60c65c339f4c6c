// Package flowctl coordinates receiver-not-ready (RNR) flow control between
// the two ends of a connection: it buffers sends while the peer cannot
// accept them, exchanges pause/resume control messages and replays the
// buffered work in order once the peer recovers.
package flowctl

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// State is the coarse flow-control state of a connection.
type State int

const (
	StateNormal State = iota
	StateTxBlocked
	StateRxBlocked
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateTxBlocked:
		return "tx_blocked"
	case StateRxBlocked:
		return "rx_blocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type slotFlags uint8

const (
	slotValid slotFlags = 1 << iota
	slotSignal
	slotFCSeen
)

// sendSlot is the retained image of one submitted or buffered command.
// header and payload are private copies and never change after Send.
type sendSlot struct {
	flags   slotFlags
	header  []byte
	payload []byte
	slots   uint32
}

func (s *sendSlot) has(f slotFlags) bool { return s.flags&f != 0 }

// conn is the per-connection flow-control record. All fields are guarded
// by mu. Sequence numbers live in a space of twice the send depth so a
// full ring and an empty ring are distinguishable.
//
// ctl orders the pause and resume messages a receiver sends with the state
// changes that produce them; it is taken before mu, never after.
type conn struct {
	ctl sync.Mutex
	mu  sync.Mutex

	id     uint32
	remote uint32

	seq   ring.Index
	depth uint32
	slots []sendSlot

	ack  uint32 // oldest unacknowledged sequence
	next uint32 // next sequence to assign

	txBlocked bool
	rxBlocked bool

	hasRange bool
	cidx     uint32
	eidx     uint32

	recvPosted  uint32
	resumeOwed  bool
	replayOwed  bool
	owedControl []uint8

	sinceSignal uint32
	replayHdr   []byte
}

func newConn(id, remote, depth uint32) *conn {
	return &conn{
		id:        id,
		remote:    remote,
		seq:       ring.MustIndex(2 * depth),
		depth:     depth,
		slots:     make([]sendSlot, depth),
		replayHdr: make([]byte, uapi.MaxHeaderSlots*uapi.SlotSize),
	}
}

func (c *conn) slot(seq uint32) *sendSlot { return &c.slots[seq&(c.depth-1)] }

// outstanding counts sends assigned but not yet acknowledged.
func (c *conn) outstanding() uint32 { return c.seq.Distance(c.ack, c.next) }

func (c *conn) full() bool { return c.outstanding() >= c.depth }

// inFlight reports whether seq is assigned and unacknowledged.
func (c *conn) inFlight(seq uint32) bool {
	return c.seq.Distance(c.ack, seq) < c.outstanding()
}

// before orders two in-flight sequences relative to the ack pointer.
func (c *conn) before(a, b uint32) bool {
	return c.seq.Distance(c.ack, a) < c.seq.Distance(c.ack, b)
}

// last returns the most recently assigned sequence.
func (c *conn) last() uint32 { return c.seq.Add(c.next, c.seq.Mask()) }

// extendLocked merges [start, end] into the recorded range and marks the
// affected slots as seen by flow control. Re-entering never shrinks it.
func (c *conn) extendLocked(start, end uint32) {
	if !c.hasRange {
		c.cidx, c.eidx, c.hasRange = start, end, true
	} else {
		if c.before(start, c.cidx) {
			c.cidx = start
		}
		if c.before(c.eidx, end) {
			c.eidx = end
		}
	}
	for s := start; ; s = c.seq.Next(s) {
		if sl := c.slot(s); sl.has(slotValid) {
			sl.flags |= slotFCSeen
		}
		if s == end {
			break
		}
	}
}

// ackThroughLocked retires every send up to and including seq and trims
// the recorded range accordingly. Stale or out-of-window acks are ignored.
func (c *conn) ackThroughLocked(seq uint32) int {
	if !c.inFlight(seq) {
		return 0
	}
	return c.retireLocked(c.seq.Next(seq))
}

// ackBeforeLocked retires every send strictly before seq.
func (c *conn) ackBeforeLocked(seq uint32) int {
	if !c.inFlight(seq) {
		return 0
	}
	return c.retireLocked(seq)
}

func (c *conn) retireLocked(upTo uint32) int {
	n := 0
	for c.ack != upTo {
		*c.slot(c.ack) = sendSlot{}
		c.ack = c.seq.Next(c.ack)
		n++
	}
	if c.hasRange && !c.inFlight(c.cidx) {
		if c.inFlight(c.eidx) {
			c.cidx = c.ack
		} else {
			c.hasRange = false
		}
	}
	return n
}

func (c *conn) stateLocked() State {
	switch {
	case c.txBlocked:
		return StateTxBlocked
	case c.rxBlocked:
		return StateRxBlocked
	default:
		return StateNormal
	}
}

// oweControlLocked queues a control message for RetryOwed. A pause
// supersedes a resume the peer never received; the resume is owed again
// when the connection next leaves RX_BLOCKED.
func (c *conn) oweControlLocked(fcType uint8) {
	kept := c.owedControl[:0]
	for _, t := range c.owedControl {
		if t == fcType {
			continue
		}
		if fcType == uapi.FCTxEnter && t == uapi.FCResume {
			continue
		}
		kept = append(kept, t)
	}
	c.owedControl = append(kept, fcType)
}

// dropOwedLocked forgets an owed control message that no longer applies:
// a pause still owed when the connection leaves RX_BLOCKED.
func (c *conn) dropOwedLocked(fcType uint8) {
	kept := c.owedControl[:0]
	for _, t := range c.owedControl {
		if t != fcType {
			kept = append(kept, t)
		}
	}
	c.owedControl = kept
}

// ConnState is a point-in-time view of a connection.
type ConnState struct {
	State       State
	TxBlocked   bool
	RxBlocked   bool
	HasRange    bool
	First       uint32
	Last        uint32
	Ack         uint32
	Next        uint32
	Outstanding uint32
	RecvPosted  uint32
	ResumeOwed  bool
}

func (c *conn) snapshotLocked() ConnState {
	return ConnState{
		State:       c.stateLocked(),
		TxBlocked:   c.txBlocked,
		RxBlocked:   c.rxBlocked,
		HasRange:    c.hasRange,
		First:       c.cidx,
		Last:        c.eidx,
		Ack:         c.ack,
		Next:        c.next,
		Outstanding: c.outstanding(),
		RecvPosted:  c.recvPosted,
		ResumeOwed:  c.resumeOwed,
	}
}
