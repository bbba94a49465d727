// Package mutator implements the per-thread bump-pointer allocator
// described in spec.md §4.2: a Mutator owns one block at a time and
// allocates into it with a cursor/limit pair, falling back to the owning
// heap for new blocks and large-object handling.
package mutator

import (
	"errors"
	"fmt"

	"github.com/muvm/uvm-core/internal/memsupport"
	"github.com/muvm/uvm-core/internal/objmodel"
)

// Address aliases memsupport.Address for callers that only import
// mutator.
type Address = memsupport.Address

// Backend is the subset of *heap.Heap a Mutator needs. It is declared
// here, not in the heap package, so that mutator need not import heap
// (which itself constructs Mutators and would otherwise form an import
// cycle). *heap.Heap satisfies this interface structurally.
type Backend interface {
	// GetBlock retires previous (if hasPrevious) and returns a fresh
	// in-use block's address, triggering a GC cycle and retrying once if
	// the space has no free block.
	GetBlock(previous Address, hasPrevious bool) (Address, error)

	// AllocLarge reserves nBlocks contiguous blocks for a large object,
	// triggering a GC cycle and retrying once on failure.
	AllocLarge(nBlocks int) (Address, error)

	// RegisterObject records a freshly allocated object's header, keyed by
	// its user address, for later marking/sweeping.
	RegisterObject(addr Address, hdr *objmodel.ObjHeader)

	// PollSafepoint blocks the caller on the heap's pause protocol if a GC
	// has been requested.
	PollSafepoint()

	// ReleaseMutator decrements the heap's live-mutator count.
	ReleaseMutator()

	// BlockSize returns the heap's fixed block size.
	BlockSize() uintptr

	// Region returns the raw memory region backing the heap's space.
	Region() *memsupport.Region
}

// ErrObjectTooBig is returned when an allocation cannot fit within a
// single block and the caller did not use the large-object path.
type ErrObjectTooBig struct {
	Size      uintptr
	BlockSize uintptr
}

func (e *ErrObjectTooBig) Error() string {
	return fmt.Sprintf("mutator: object of %d bytes exceeds block size of %d bytes", e.Size, e.BlockSize)
}

// ErrClosed is returned by any operation on a Mutator after Close.
var ErrClosed = errors.New("mutator: use of closed mutator")

// wordSize is the minimum alignment every allocation is rounded up to.
const wordSize = 8

// Mutator is a per-thread bump-pointer allocator over one block at a
// time. The zero value is not usable; construct one with New (normally
// via heap.Heap.MakeMutator).
type Mutator struct {
	backend Backend

	hasBlock     bool
	curBlockAddr Address
	cursor       Address
	limit        Address

	closed bool
}

// New constructs a Mutator bound to backend. It owns no block until its
// first allocation.
func New(backend Backend) *Mutator {
	return &Mutator{backend: backend}
}

// Alloc reserves size bytes aligned to align (rounded up to at least the
// machine word) preceded by a headerSize-byte GC header, per spec.md
// §4.2's alloc algorithm, and returns the user-visible start address.
func (m *Mutator) Alloc(size, align, headerSize uintptr) (Address, error) {
	return m.alloc(size, align, headerSize, nil)
}

// NewFixed allocates an instance of a fixed-size μVM type.
func (m *Mutator) NewFixed(t objmodel.ObjectType) (Address, error) {
	return m.alloc(t.FixedSize(), t.Align(), objmodel.HeaderSize, t.Layout())
}

// NewHybrid allocates an instance of a hybrid μVM type whose
// variable-length suffix holds varLen elements.
func (m *Mutator) NewHybrid(t objmodel.HybridType, varLen uintptr) (Address, error) {
	size := t.FixedSize() + varLen*t.ElemSize()
	return m.alloc(size, t.Align(), objmodel.HeaderSize, t.Layout())
}

func alignWord(align uintptr) uintptr {
	if align < wordSize {
		return wordSize
	}
	return align
}

// alloc implements spec.md §4.2's algorithm verbatim:
//
//	gcStart = alignUp(cursor, align)
//	userStart = alignUp(gcStart + headerSize, align)
//	userEnd = userStart + size
//	if userEnd <= limit: advance cursor, return userStart
//	else if userEnd - gcStart > BLOCK_SIZE: ObjectTooBig
//	else: retire current block, acquire a new one, retry
func (m *Mutator) alloc(size, align, headerSize uintptr, layout objmodel.ObjectLayout) (Address, error) {
	if m.closed {
		return 0, ErrClosed
	}
	align = alignWord(align)
	m.backend.PollSafepoint()

	blockSize := m.backend.BlockSize()
	for {
		gcStart := memsupport.AlignUp(m.cursor, align)
		userStart := memsupport.AlignUp(gcStart+Address(headerSize), align)
		userEnd := userStart + Address(size)

		if m.hasBlock && userEnd <= m.limit {
			m.cursor = userEnd
			hdr := &objmodel.ObjHeader{
				Addr:       userStart,
				Layout:     layout,
				PayloadLen: size,
				BlockSpan:  1,
			}
			m.backend.RegisterObject(userStart, hdr)
			m.backend.Region().Zero(userStart, size)
			return userStart, nil
		}

		if uintptr(userEnd-gcStart) > blockSize {
			return 0, &ErrObjectTooBig{Size: size, BlockSize: blockSize}
		}

		addr, err := m.backend.GetBlock(m.curBlockAddr, m.hasBlock)
		if err != nil {
			return 0, err
		}
		m.curBlockAddr = addr
		m.cursor = addr
		m.limit = addr + Address(blockSize)
		m.hasBlock = true
	}
}

// AllocLarge is the explicit large-object path spec.md §9's open question
// resolves as an opt-in extension: objects that would otherwise fail with
// ErrObjectTooBig can be placed here instead, spanning as many contiguous
// blocks as needed. Alloc/NewFixed/NewHybrid never route here implicitly.
func (m *Mutator) AllocLarge(size, align uintptr, layout objmodel.ObjectLayout) (Address, error) {
	if m.closed {
		return 0, ErrClosed
	}
	align = alignWord(align)
	m.backend.PollSafepoint()

	blockSize := m.backend.BlockSize()
	total := size + objmodel.HeaderSize + align - 1
	nBlocks := int((total + blockSize - 1) / blockSize)
	if nBlocks < 1 {
		nBlocks = 1
	}

	head, err := m.backend.AllocLarge(nBlocks)
	if err != nil {
		return 0, err
	}
	userStart := memsupport.AlignUp(head+Address(objmodel.HeaderSize), align)
	hdr := &objmodel.ObjHeader{
		Addr:       userStart,
		Layout:     layout,
		PayloadLen: size,
		BlockSpan:  nBlocks,
	}
	m.backend.RegisterObject(userStart, hdr)
	m.backend.Region().Zero(userStart, size)
	return userStart, nil
}

// Close releases the mutator. After Close, no further allocations are
// permitted.
func (m *Mutator) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.backend.ReleaseMutator()
}

// CurrentBlock reports the mutator's current block address and whether it
// owns one yet, for diagnostics and tests.
func (m *Mutator) CurrentBlock() (addr Address, ok bool) {
	return m.curBlockAddr, m.hasBlock
}

// Cursor and Limit expose the bump-pointer state for the invariant tests
// in spec.md §8 ("curBlockAddr <= cursor <= limit").
func (m *Mutator) Cursor() Address { return m.cursor }
func (m *Mutator) Limit() Address  { return m.limit }
