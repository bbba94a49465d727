// Package memsupport provides raw, byte-addressable memory primitives for
// the heap: a single contiguous, OS-backed region plus bounds-checked
// fixed-width reads and writes.
//
// Everything above this package talks in terms of Address, never of Go
// pointers or slices, so that the space/mutator/heap layers can be ported
// to other backing stores (a memory-mapped file, a shared-memory segment)
// without touching their logic.
package memsupport

import (
	"fmt"
	"unsafe"
)

// Address is an untyped 64-bit integer identifying a byte location inside
// a Region.
type Address uint64

// Region is a single contiguous block of native memory, word-addressable
// from Base() to Base()+Size().
type Region struct {
	base Address
	buf  []byte
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() Address {
	return r.base
}

// Size returns the number of bytes in the region.
func (r *Region) Size() uintptr {
	return uintptr(len(r.buf))
}

// End returns the address just past the last byte of the region.
func (r *Region) End() Address {
	return r.base + Address(len(r.buf))
}

// Contains reports whether addr lies inside [Base(), End()).
func (r *Region) Contains(addr Address) bool {
	return addr >= r.base && addr < r.End()
}

func (r *Region) checkBounds(addr Address, width uintptr) {
	if addr < r.base || uintptr(addr-r.base)+width > uintptr(len(r.buf)) {
		panic(fmt.Sprintf("memsupport: access at %#x (width %d) out of bounds [%#x, %#x)", addr, width, r.base, r.End()))
	}
}

func (r *Region) ptr(addr Address) unsafe.Pointer {
	return unsafe.Pointer(&r.buf[addr-r.base])
}

// Read8 reads a single byte at addr.
func (r *Region) Read8(addr Address) uint8 {
	r.checkBounds(addr, 1)
	return *(*uint8)(r.ptr(addr))
}

// Write8 writes a single byte at addr.
func (r *Region) Write8(addr Address, v uint8) {
	r.checkBounds(addr, 1)
	*(*uint8)(r.ptr(addr)) = v
}

// Read16 reads a native-endian 16-bit quantity at addr.
func (r *Region) Read16(addr Address) uint16 {
	r.checkBounds(addr, 2)
	return *(*uint16)(r.ptr(addr))
}

// Write16 writes a native-endian 16-bit quantity at addr.
func (r *Region) Write16(addr Address, v uint16) {
	r.checkBounds(addr, 2)
	*(*uint16)(r.ptr(addr)) = v
}

// Read32 reads a native-endian 32-bit quantity at addr.
func (r *Region) Read32(addr Address) uint32 {
	r.checkBounds(addr, 4)
	return *(*uint32)(r.ptr(addr))
}

// Write32 writes a native-endian 32-bit quantity at addr.
func (r *Region) Write32(addr Address, v uint32) {
	r.checkBounds(addr, 4)
	*(*uint32)(r.ptr(addr)) = v
}

// Read64 reads a native-endian 64-bit quantity at addr.
func (r *Region) Read64(addr Address) uint64 {
	r.checkBounds(addr, 8)
	return *(*uint64)(r.ptr(addr))
}

// Write64 writes a native-endian 64-bit quantity at addr.
func (r *Region) Write64(addr Address, v uint64) {
	r.checkBounds(addr, 8)
	*(*uint64)(r.ptr(addr)) = v
}

// Zero clears length bytes starting at addr.
func (r *Region) Zero(addr Address, length uintptr) {
	r.checkBounds(addr, length)
	buf := r.slice(addr, length)
	for i := range buf {
		buf[i] = 0
	}
}

// CopyWithin copies length bytes from src to dst, both within this region.
// The ranges must not overlap.
func (r *Region) CopyWithin(dst, src Address, length uintptr) {
	r.checkBounds(dst, length)
	r.checkBounds(src, length)
	copy(r.slice(dst, length), r.slice(src, length))
}

func (r *Region) slice(addr Address, length uintptr) []byte {
	off := addr - r.base
	return r.buf[off : off+Address(length)]
}

// AlignUp rounds addr up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(addr Address, align uintptr) Address {
	a := Address(align)
	return (addr + a - 1) &^ (a - 1)
}
