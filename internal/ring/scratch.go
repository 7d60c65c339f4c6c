package ring

import "unsafe"

// Scratch returns a zeroed 64-byte buffer aligned to 64 bytes, for staging
// partial or misaligned source data before it is copied into a ring with
// word stores.
func Scratch() []byte {
	words := new([16]uint64)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	off := int((64 - uintptr(unsafe.Pointer(&raw[0]))&63) & 63)
	return raw[off : off+64 : off+64]
}
