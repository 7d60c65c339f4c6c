package interfaces

import "time"

// AddressKind selects which region TranslateAddress resolves.
type AddressKind int

const (
	AddrTxQueue     AddressKind = iota // TX command queue slots
	AddrRxQueue                        // RX command queue slots
	AddrEventQueue                     // event queue entries
	AddrStatusPage                     // device/host head indices
	AddrSendBuffer                     // bulk send buffer, indexed
	AddrRecvBuffer                     // posted receive buffer, indexed
)

func (k AddressKind) String() string {
	switch k {
	case AddrTxQueue:
		return "tx-queue"
	case AddrRxQueue:
		return "rx-queue"
	case AddrEventQueue:
		return "event-queue"
	case AddrStatusPage:
		return "status-page"
	case AddrSendBuffer:
		return "send-buffer"
	case AddrRecvBuffer:
		return "recv-buffer"
	default:
		return "unknown"
	}
}

// QueuePairConfig is what the device needs to lay out a queue pair.
type QueuePairConfig struct {
	UserID uint32
	Rank   uint32

	TxSlots     uint32
	RxSlots     uint32
	EventSlots  uint32
	EventWidth  uint32
	SendBuffers uint32
	RecvBuffers uint32
	BufferSize  uint32

	// SendDepth is the per-connection sequence window; the device
	// numbers sends modulo twice this.
	SendDepth uint32
}

// WaitOutcome is the result of a bounded wait for device activity.
type WaitOutcome int

const (
	WaitSignaled WaitOutcome = iota
	WaitTimedOut
)

// Device is the NIC as seen by the host core: queue-pair assignment,
// address translation, notification and a few queue-pair state knobs.
// Implementations must be safe for concurrent use.
type Device interface {
	// AssignQueuePair reserves a hardware queue pair and lays out its memory.
	AssignQueuePair(cfg QueuePairConfig) (uint32, error)

	// ReleaseQueuePair resets the hardware side of qp and frees its memory.
	ReleaseQueuePair(qp uint32) error

	// TranslateAddress resolves a region of qp's memory. index selects the
	// buffer for the indexed kinds and is ignored otherwise.
	TranslateAddress(qp uint32, kind AddressKind, index uint32) ([]byte, error)

	// WaitForEvent blocks until the device signals qp or timeout passes.
	WaitForEvent(qp uint32, timeout time.Duration) (WaitOutcome, error)

	// Connect creates a connection between two queue pairs and returns the
	// connection number on each side.
	Connect(qp, peer uint32) (local uint32, remote uint32, err error)

	// SetDelivery enables or disables inbound delivery on a connection.
	SetDelivery(qp, conn uint32, enabled bool) error

	// RecvPosted reports how many receive buffers the device currently holds
	// for conn, the root of its receive queue.
	RecvPosted(qp, conn uint32) (uint32, error)
}
