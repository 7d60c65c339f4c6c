package cmdq

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// placeLocked writes a command of n slots starting at slot start. Every
// slot after the first is written in ascending order, then a fence, then
// slot 0. The device treats a non-zero first word of slot 0 as "command
// ready", so it can never see a half-written multi-slot command.
// Returns how many slots went through the scratch buffer.
func (q *Queue) placeLocked(start, n uint32, header, payload []byte) uint32 {
	var staged uint32
	pos := uint32(1)
	for off := uapi.SlotSize; off < len(header); off += uapi.SlotSize {
		staged += q.writeSlot(q.idx.Add(start, pos), chunk(header, off))
		pos++
	}
	for off := 0; off < len(payload); off += uapi.SlotSize {
		staged += q.writeSlot(q.idx.Add(start, pos), chunk(payload, off))
		pos++
	}
	if n > 1 {
		ring.Sfence()
	}
	staged += q.writeHeader(start, chunk(header, 0))
	return staged
}

func chunk(b []byte, off int) []byte {
	end := off + uapi.SlotSize
	if end > len(b) {
		end = len(b)
	}
	return b[off:end]
}

// stage returns src as a full, 8-byte aligned slot image. Full aligned
// slots are used in place; short or misaligned ones are copied into the
// scratch buffer and zero padded. src is never read past its length.
func (q *Queue) stage(src []byte) ([]byte, uint32) {
	if len(src) == uapi.SlotSize && ring.Aligned(src, 8) {
		return src, 0
	}
	n := copy(q.scratch, src)
	clear(q.scratch[n:])
	return q.scratch, 1
}

// writeSlot copies one slot with 8-byte stores.
func (q *Queue) writeSlot(slot uint32, src []byte) uint32 {
	img, staged := q.stage(src)
	dst := q.mem[int(slot)*uapi.SlotSize : int(slot+1)*uapi.SlotSize]
	for i := 0; i < uapi.SlotSize; i += 8 {
		binary.LittleEndian.PutUint64(dst[i:i+8], binary.LittleEndian.Uint64(img[i:i+8]))
	}
	return staged
}

// writeHeader fills words 1..7 of the header slot and then publishes word
// 0, which carries the opcode, with an atomic store.
func (q *Queue) writeHeader(slot uint32, src []byte) uint32 {
	img, staged := q.stage(src)
	base := int(slot) * uapi.SlotSize
	dst := q.mem[base : base+uapi.SlotSize]
	for i := 8; i < uapi.SlotSize; i += 8 {
		binary.LittleEndian.PutUint64(dst[i:i+8], binary.LittleEndian.Uint64(img[i:i+8]))
	}
	ring.Word64At(q.mem, base).Store(binary.LittleEndian.Uint64(img[0:8]))
	return staged
}
