//go:build !unix

package memsupport

import (
	"fmt"
	"unsafe"
)

// NewRegion reserves size bytes from the Go heap and returns a Region
// backed by it. This fallback is used on platforms without an anonymous
// mmap facility (e.g. windows); the bytes are pinned for the lifetime of
// the Region simply by being referenced from it.
func NewRegion(size uintptr) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("memsupport: region size must be > 0")
	}
	buf := make([]byte, size)
	return &Region{
		base: Address(uintptr(unsafe.Pointer(&buf[0]))),
		buf:  buf,
	}, nil
}

// Close releases the Region's reference to its backing storage.
func (r *Region) Close() error {
	r.buf = nil
	return nil
}
