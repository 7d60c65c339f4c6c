//go:build linux

package ring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Alloc returns n bytes of zeroed, page-aligned memory suitable for use as
// a device-shared ring. Release it with Free.
func Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ring: invalid allocation size %d", n)
	}
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap %d bytes: %w", n, err)
	}
	return mem, nil
}

// Free unmaps memory returned by Alloc.
func Free(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
