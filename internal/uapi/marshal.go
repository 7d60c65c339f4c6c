package uapi

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a buffer is shorter than the
// structure being decoded from it.
var ErrInsufficientData = errors.New("uapi: insufficient data")

// Marshal encodes a wire structure into a freshly allocated buffer.
// Unknown types return nil.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *CommandHeader:
		buf := make([]byte, SlotSize)
		marshalHeader(buf, val)
		return buf
	case *PortalEntry:
		buf := make([]byte, SlotSize)
		marshalPortal(buf, val)
		return buf
	default:
		return nil
	}
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *CommandHeader:
		return unmarshalHeader(data, val)
	case *PortalEntry:
		return unmarshalPortal(data, val)
	case *Event:
		return DecodeEvent(data, val)
	default:
		return errors.New("uapi: unsupported type")
	}
}

// PutHeader encodes h into the first 64 bytes of dst.
func PutHeader(dst []byte, h *CommandHeader) error {
	if len(dst) < SlotSize {
		return ErrInsufficientData
	}
	marshalHeader(dst, h)
	return nil
}

func marshalHeader(buf []byte, h *CommandHeader) {
	buf[0] = h.Opcode
	buf[1] = h.Flags
	buf[2] = h.Slots
	buf[3] = h.HeaderSlots
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	binary.LittleEndian.PutUint32(buf[8:12], h.Conn)
	binary.LittleEndian.PutUint32(buf[12:16], h.Seq)
	binary.LittleEndian.PutUint64(buf[16:24], h.Addr)
	binary.LittleEndian.PutUint32(buf[24:28], h.Key)
	binary.LittleEndian.PutUint32(buf[28:32], h.Imm)
	binary.LittleEndian.PutUint64(buf[32:40], h.Cookie)
	binary.LittleEndian.PutUint64(buf[40:48], h.Aux[0])
	binary.LittleEndian.PutUint64(buf[48:56], h.Aux[1])
	binary.LittleEndian.PutUint64(buf[56:64], h.Aux[2])
}

func unmarshalHeader(data []byte, h *CommandHeader) error {
	if len(data) < SlotSize {
		return ErrInsufficientData
	}
	h.Opcode = data[0]
	h.Flags = data[1]
	h.Slots = data[2]
	h.HeaderSlots = data[3]
	h.Length = binary.LittleEndian.Uint32(data[4:8])
	h.Conn = binary.LittleEndian.Uint32(data[8:12])
	h.Seq = binary.LittleEndian.Uint32(data[12:16])
	h.Addr = binary.LittleEndian.Uint64(data[16:24])
	h.Key = binary.LittleEndian.Uint32(data[24:28])
	h.Imm = binary.LittleEndian.Uint32(data[28:32])
	h.Cookie = binary.LittleEndian.Uint64(data[32:40])
	h.Aux[0] = binary.LittleEndian.Uint64(data[40:48])
	h.Aux[1] = binary.LittleEndian.Uint64(data[48:56])
	h.Aux[2] = binary.LittleEndian.Uint64(data[56:64])
	return nil
}

func marshalPortal(buf []byte, p *PortalEntry) {
	binary.LittleEndian.PutUint32(buf[0:4], p.Index)
	binary.LittleEndian.PutUint32(buf[4:8], p.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], p.Base)
	binary.LittleEndian.PutUint64(buf[16:24], p.Length)
	binary.LittleEndian.PutUint64(buf[24:32], p.MatchBits)
	binary.LittleEndian.PutUint64(buf[32:40], p.IgnoreBits)
	for i := range p.Reserved {
		binary.LittleEndian.PutUint64(buf[40+8*i:48+8*i], p.Reserved[i])
	}
}

func unmarshalPortal(data []byte, p *PortalEntry) error {
	if len(data) < SlotSize {
		return ErrInsufficientData
	}
	p.Index = binary.LittleEndian.Uint32(data[0:4])
	p.Flags = binary.LittleEndian.Uint32(data[4:8])
	p.Base = binary.LittleEndian.Uint64(data[8:16])
	p.Length = binary.LittleEndian.Uint64(data[16:24])
	p.MatchBits = binary.LittleEndian.Uint64(data[24:32])
	p.IgnoreBits = binary.LittleEndian.Uint64(data[32:40])
	for i := range p.Reserved {
		p.Reserved[i] = binary.LittleEndian.Uint64(data[40+8*i : 48+8*i])
	}
	return nil
}

// EncodeEventBody writes everything except the control word into entry.
// The device side publishes the control word separately, after a fence.
// Inline bytes beyond the entry's inline capacity are truncated.
func EncodeEventBody(entry []byte, ev *Event) error {
	if len(entry) < EventWidthSingle {
		return ErrInsufficientData
	}
	entry[0] = ev.Status
	entry[1] = ev.FCType
	binary.LittleEndian.PutUint16(entry[2:4], ev.Pad)
	binary.LittleEndian.PutUint32(entry[4:8], ev.Conn)
	binary.LittleEndian.PutUint32(entry[8:12], ev.Seq)
	binary.LittleEndian.PutUint32(entry[12:16], ev.Length)
	binary.LittleEndian.PutUint64(entry[16:24], ev.Cookie)
	binary.LittleEndian.PutUint64(entry[24:32], ev.Data)
	binary.LittleEndian.PutUint64(entry[32:40], ev.Addr)
	binary.LittleEndian.PutUint64(entry[40:48], ev.Reserved[0])
	binary.LittleEndian.PutUint64(entry[48:56], ev.Reserved[1])
	if n := InlineCapacity(len(entry)); n > 0 && len(ev.Inline) > 0 {
		copy(entry[EventWidthSingle:EventWidthSingle+n], ev.Inline)
	}
	return nil
}

// DecodeEvent decodes a whole entry, control word included. The caller is
// responsible for having observed the validity bit first.
func DecodeEvent(entry []byte, ev *Event) error {
	if len(entry) < EventWidthSingle {
		return ErrInsufficientData
	}
	ev.Status = entry[0]
	ev.FCType = entry[1]
	ev.Pad = binary.LittleEndian.Uint16(entry[2:4])
	ev.Conn = binary.LittleEndian.Uint32(entry[4:8])
	ev.Seq = binary.LittleEndian.Uint32(entry[8:12])
	ev.Length = binary.LittleEndian.Uint32(entry[12:16])
	ev.Cookie = binary.LittleEndian.Uint64(entry[16:24])
	ev.Data = binary.LittleEndian.Uint64(entry[24:32])
	ev.Addr = binary.LittleEndian.Uint64(entry[32:40])
	ev.Reserved[0] = binary.LittleEndian.Uint64(entry[40:48])
	ev.Reserved[1] = binary.LittleEndian.Uint64(entry[48:56])

	w := binary.LittleEndian.Uint64(entry[len(entry)-8:])
	ev.Kind = ControlKind(w)
	ev.Dropped = ControlDropped(w)

	ev.Inline = nil
	if n := InlineCapacity(len(entry)); n > 0 {
		if int(ev.Length) < n {
			n = int(ev.Length)
		}
		ev.Inline = append([]byte(nil), entry[EventWidthSingle:EventWidthSingle+n]...)
	}
	return nil
}
