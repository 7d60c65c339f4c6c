package uapi

import "unsafe"

// CommandHeader occupies slot 0 of every command (64 bytes):
//
//	u8  opcode        OpNone..OpQueueEnable
//	u8  flags         FlagSignal | FlagRetransmit
//	u8  slots         total slots including header
//	u8  header_slots  1 or 2
//	u32 length        payload bytes after the header slots
//	u32 conn          destination connection
//	u32 seq           per-connection submission index
//	u64 addr          DMA or remote address
//	u32 key           memory key or buffer index
//	u32 imm           immediate data / flow-control type
//	u64 cookie        echoed in the completion
//	u64 aux[3]        opcode specific
type CommandHeader struct {
	Opcode      uint8
	Flags       uint8
	Slots       uint8
	HeaderSlots uint8
	Length      uint32
	Conn        uint32
	Seq         uint32
	Addr        uint64
	Key         uint32
	Imm         uint32
	Cookie      uint64
	Aux         [3]uint64
}

var _ [SlotSize]byte = [unsafe.Sizeof(CommandHeader{})]byte{}

// PortalEntry is the second descriptor slot of an OpPortalUpdate command.
type PortalEntry struct {
	Index      uint32
	Flags      uint32
	Base       uint64
	Length     uint64
	MatchBits  uint64
	IgnoreBits uint64
	Reserved   [3]uint64
}

var _ [SlotSize]byte = [unsafe.Sizeof(PortalEntry{})]byte{}

// Portal entry flags.
const (
	PortalEnabled uint32 = 1 << 0
	PortalUseOnce uint32 = 1 << 1
)

// Event is the decoded form of an event entry. The first 56 bytes are the
// body; the last 8 bytes of the entry (at width-8) are the control word.
//
//	u8  status
//	u8  fc_type
//	u16 pad
//	u32 conn
//	u32 seq
//	u32 length
//	u64 cookie
//	u64 data
//	u64 addr
//	u64 reserved[2]
//	... inline payload (double width only, bytes 64..width-8)
//	u64 control       valid:1 dropped:1 kind:7 (bits 63..55)
type Event struct {
	Status   uint8
	FCType   uint8
	Pad      uint16
	Conn     uint32
	Seq      uint32
	Length   uint32
	Cookie   uint64
	Data     uint64
	Addr     uint64
	Reserved [2]uint64

	// Decoded from the control word.
	Kind    uint8
	Dropped bool

	// Inline holds a copy of the inline payload of a double-width entry.
	Inline []byte
}

const eventBodySize = 56

// InlineCapacity returns how many payload bytes an entry of the given
// width carries inline.
func InlineCapacity(width int) int {
	if width <= EventWidthSingle {
		return 0
	}
	return width - 8 - EventWidthSingle
}

// HeaderSlotsFor returns how many descriptor slots op uses.
func HeaderSlotsFor(op uint8) int {
	if op == OpPortalUpdate {
		return 2
	}
	return 1
}

// SlotsFor returns the total number of slots for a command with the given
// header slot count and payload length.
func SlotsFor(headerSlots, payloadLen int) int {
	return headerSlots + (payloadLen+SlotSize-1)>>SlotShift
}

// ControlWord builds the final word of an event entry.
func ControlWord(kind uint8, dropped bool) uint64 {
	w := uint64(1)<<EventValidBit | uint64(kind&EventKindMask)<<EventKindShift
	if dropped {
		w |= 1 << EventDroppedBit
	}
	return w
}

// ControlValid reports the validity bit.
func ControlValid(w uint64) bool { return w&(1<<EventValidBit) != 0 }

// ControlDropped reports the dropped bit.
func ControlDropped(w uint64) bool { return w&(1<<EventDroppedBit) != 0 }

// ControlKind extracts the 7-bit event kind.
func ControlKind(w uint64) uint8 { return uint8(w>>EventKindShift) & EventKindMask }
