//go:build unix

package memsupport

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewRegion reserves a fresh, zeroed, anonymous memory mapping of size
// bytes and returns a Region backed by it.
func NewRegion(size uintptr) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("memsupport: region size must be > 0")
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memsupport: mmap %d bytes: %w", size, err)
	}
	return &Region{
		base: Address(uintptr(unsafe.Pointer(&buf[0]))),
		buf:  buf,
	}, nil
}

// Close releases the underlying mapping. The Region must not be used
// afterwards.
func (r *Region) Close() error {
	if err := unix.Munmap(r.buf); err != nil {
		return fmt.Errorf("memsupport: munmap: %w", err)
	}
	r.buf = nil
	return nil
}
