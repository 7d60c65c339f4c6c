// Package uapi defines the host/NIC shared-memory contract: command slot
// layout, event entry layout, opcodes, event kinds and completion statuses.
package uapi

import "fmt"

// Ring geometry fixed by the hardware contract.
const (
	SlotSize  = 64
	SlotShift = 6

	EventWidthSingle = 64
	EventWidthDouble = 128

	// MaxHeaderSlots bounds the descriptor part of a command.
	MaxHeaderSlots = 2

	// StatusPageSize is the per-queue-pair page holding head indices.
	StatusPageSize = 64
)

// Byte offsets of the 32-bit words in the status page.
const (
	StatusTxHead    = 0 // written by the device
	StatusRxHead    = 4 // written by the device
	StatusEventHead = 8 // written by the host, read by waiters
)

// Command opcodes, header byte 0. OpNone marks a slot the device has not
// been handed.
const (
	OpNone uint8 = iota
	OpSendPIO
	OpSendDMA
	OpRDMAWrite
	OpRDMARead
	OpPortalUpdate
	OpRecvAppend
	OpFlowControl
	OpQueueEnable
)

// Command header flags.
const (
	FlagSignal     uint8 = 1 << 0 // request a completion event
	FlagRetransmit uint8 = 1 << 1 // replayed after flow control
)

// Event kinds, 7 bits.
const (
	EventNone uint8 = iota
	EventCmdComplete
	EventSendComplete
	EventRecv
	EventRDMAComplete
	EventFlowControl
	EventError

	EventKindMask = 0x7f
)

// Completion statuses carried in event byte 0.
const (
	StatusOK uint8 = iota
	StatusTargetNotReady
	StatusProtection
	StatusRemoteError
	StatusInvalidCommand
)

// Flow-control message types, carried in the Imm field of an
// OpFlowControl command and in the FCType byte of EventFlowControl.
const (
	FCRxExitRequest uint8 = iota + 1 // sender hit RNR, asks to be told when ready
	FCTxEnter                        // receiver exhausted, tells sender to pause
	FCResume                         // receiver ready again
)

// Control word layout: the last 8 bytes of every event entry.
const (
	EventValidBit   = 63
	EventDroppedBit = 62
	EventKindShift  = 55
)

// OpcodeName returns a printable name for op.
func OpcodeName(op uint8) string {
	switch op {
	case OpNone:
		return "NONE"
	case OpSendPIO:
		return "SEND_PIO"
	case OpSendDMA:
		return "SEND_DMA"
	case OpRDMAWrite:
		return "RDMA_WRITE"
	case OpRDMARead:
		return "RDMA_READ"
	case OpPortalUpdate:
		return "PORTAL_UPDATE"
	case OpRecvAppend:
		return "RECV_APPEND"
	case OpFlowControl:
		return "FLOW_CONTROL"
	case OpQueueEnable:
		return "QUEUE_ENABLE"
	default:
		return fmt.Sprintf("OP_%d", op)
	}
}

// KindName returns a printable name for an event kind.
func KindName(kind uint8) string {
	switch kind {
	case EventNone:
		return "NONE"
	case EventCmdComplete:
		return "CMD_COMPLETE"
	case EventSendComplete:
		return "SEND_COMPLETE"
	case EventRecv:
		return "RECV"
	case EventRDMAComplete:
		return "RDMA_COMPLETE"
	case EventFlowControl:
		return "FLOW_CONTROL"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND_%d", kind)
	}
}

// StatusName returns a printable name for a completion status.
func StatusName(status uint8) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusTargetNotReady:
		return "TARGET_NOT_READY"
	case StatusProtection:
		return "PROTECTION"
	case StatusRemoteError:
		return "REMOTE_ERROR"
	case StatusInvalidCommand:
		return "INVALID_COMMAND"
	default:
		return fmt.Sprintf("STATUS_%d", status)
	}
}

// FCTypeName returns a printable name for a flow-control message type.
func FCTypeName(t uint8) string {
	switch t {
	case FCRxExitRequest:
		return "RX_EXIT"
	case FCTxEnter:
		return "TX_ENTER"
	case FCResume:
		return "RESUME"
	default:
		return fmt.Sprintf("FC_%d", t)
	}
}
