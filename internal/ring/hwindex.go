package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// HWIndex is an index word that lives in memory shared with the device.
//
// Reads carry no ordering promise relative to the ring contents: a value
// returned by LoadRelaxed may already be stale, and a producer must only use
// it as a lower bound on consumer progress.
type HWIndex struct {
	w *atomic.Uint32
}

// NewHWIndex wraps the 32-bit word at off inside mem.
func NewHWIndex(mem []byte, off int) HWIndex {
	return HWIndex{w: WordAt(mem, off)}
}

// LoadRelaxed reads the current value.
func (h HWIndex) LoadRelaxed() uint32 {
	return h.w.Load()
}

// Publish stores v for observers on the other side of the mapping.
func (h HWIndex) Publish(v uint32) {
	h.w.Store(v)
}

// Valid reports whether the accessor points at memory.
func (h HWIndex) Valid() bool { return h.w != nil }

// WordAt returns an atomic view of the 4-byte word at off. It panics on a
// misaligned or out-of-range offset since either is a mapping bug.
func WordAt(mem []byte, off int) *atomic.Uint32 {
	if off < 0 || off+4 > len(mem) {
		panic(fmt.Sprintf("ring: word offset %d outside %d-byte mapping", off, len(mem)))
	}
	p := unsafe.Pointer(&mem[off])
	if uintptr(p)&3 != 0 {
		panic(fmt.Sprintf("ring: word offset %d is not 4-byte aligned", off))
	}
	return (*atomic.Uint32)(p)
}

// Word64At returns an atomic view of the 8-byte word at off.
func Word64At(mem []byte, off int) *atomic.Uint64 {
	if off < 0 || off+8 > len(mem) {
		panic(fmt.Sprintf("ring: word offset %d outside %d-byte mapping", off, len(mem)))
	}
	p := unsafe.Pointer(&mem[off])
	if uintptr(p)&7 != 0 {
		panic(fmt.Sprintf("ring: word offset %d is not 8-byte aligned", off))
	}
	return (*atomic.Uint64)(p)
}

// Aligned reports whether b starts on an align-byte boundary. An empty
// slice counts as aligned.
func Aligned(b []byte, align uintptr) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))&(align-1) == 0
}
