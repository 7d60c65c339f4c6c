// Package ring provides the modular index arithmetic and shared-memory
// accessors used by the command and event queues.
package ring

import (
	"errors"
	"fmt"
)

// ErrNotPowerOfTwo is returned when a ring is sized with a capacity that
// cannot be masked.
var ErrNotPowerOfTwo = errors.New("ring: capacity must be a non-zero power of two")

// Index describes the geometry of a power-of-two ring. All arithmetic is a
// mask, never a divide. The zero value is not usable; build one with
// NewIndex.
type Index struct {
	size uint32
	mask uint32
}

// NewIndex validates size and returns the ring geometry for it.
func NewIndex(size uint32) (Index, error) {
	if size == 0 || size&(size-1) != 0 {
		return Index{}, fmt.Errorf("%w: %d", ErrNotPowerOfTwo, size)
	}
	return Index{size: size, mask: size - 1}, nil
}

// MustIndex is NewIndex for compile-time constants.
func MustIndex(size uint32) Index {
	x, err := NewIndex(size)
	if err != nil {
		panic(err)
	}
	return x
}

// Size returns the slot count.
func (x Index) Size() uint32 { return x.size }

// Mask returns size-1.
func (x Index) Mask() uint32 { return x.mask }

// Wrap reduces a free-running counter to a slot number.
func (x Index) Wrap(i uint32) uint32 { return i & x.mask }

// Add returns the slot n positions after i.
func (x Index) Add(i, n uint32) uint32 { return (i + n) & x.mask }

// Next returns the slot after i.
func (x Index) Next(i uint32) uint32 { return (i + 1) & x.mask }

// Distance returns how many steps forward it takes to get from `from` to `to`.
func (x Index) Distance(from, to uint32) uint32 { return (to - from) & x.mask }

// Free returns how many slots a producer at tail can still fill before
// catching up with head. One slot always stays empty so that a full ring
// is distinguishable from an empty one.
func (x Index) Free(head, tail uint32) uint32 {
	return x.mask - x.Distance(head, tail)
}

// Within reports whether i lies in the inclusive range [from, to] walking
// forward from `from`.
func (x Index) Within(from, to, i uint32) bool {
	return x.Distance(from, i) <= x.Distance(from, to)
}

// Valid reports whether the Index was constructed.
func (x Index) Valid() bool { return x.size != 0 }

func (x Index) String() string {
	return fmt.Sprintf("ring[%d]", x.size)
}
