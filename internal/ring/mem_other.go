//go:build !linux

package ring

import (
	"fmt"
	"unsafe"
)

// Alloc returns n bytes of zeroed memory aligned to 64 bytes.
func Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ring: invalid allocation size %d", n)
	}
	words := make([]uint64, (n+63)/8+8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	off := int((64 - uintptr(unsafe.Pointer(&raw[0]))&63) & 63)
	return raw[off : off+n : off+n], nil
}

// Free is a no-op; the garbage collector owns the memory.
func Free(mem []byte) error { return nil }
