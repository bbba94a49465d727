// Package space implements the fixed-size block partition of a heap's
// backing memory region: a Space hands out free blocks on request and
// recycles them when the collector releases them.
//
// Space knows nothing about objects, headers, or marking — that is the
// heap package's job. Space's only contract is the block state machine
// from the specification: free, in-use, full, large.
package space

import (
	"fmt"
	"sort"

	"github.com/muvm/uvm-core/internal/memsupport"
)

// BlockState is one of the four states a block can be in.
type BlockState uint8

const (
	// BlockFree is owned by the Space's free list.
	BlockFree BlockState = iota
	// BlockInUse is owned by exactly one mutator as its current block.
	BlockInUse
	// BlockFull has been retired by a mutator and awaits the next GC cycle.
	BlockFull
	// BlockLarge is the first block of a large object spanning one or more
	// contiguous blocks.
	BlockLarge
	// blockLargeTail marks a continuation block of a large object. It is
	// not externally observable as a distinct state (spec.md names four
	// states); it exists only so Space can tell a span's interior blocks
	// apart from its head when walking block state linearly.
	blockLargeTail
)

func (s BlockState) String() string {
	switch s {
	case BlockFree:
		return "free"
	case BlockInUse:
		return "in-use"
	case BlockFull:
		return "full"
	case BlockLarge:
		return "large"
	case blockLargeTail:
		return "large-tail"
	default:
		return "!invalid"
	}
}

// ErrOutOfMemory is returned by GetBlock/AllocLarge when no free block (or
// contiguous run of blocks) is available.
type ErrOutOfMemory struct {
	Requested uintptr
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("space: out of memory requesting %d bytes", e.Requested)
}

// Space is an ordered sequence of fixed-size blocks over a single
// contiguous memory region.
type Space struct {
	region    *memsupport.Region
	blockSize uintptr
	numBlocks int

	states []BlockState
	spans  []int // for a BlockLarge head block, the number of blocks it spans

	// freeList holds free block indices in ascending order, so GetBlock's
	// tie-break (lowest-address-first) is a simple pop of index 0.
	freeList []int
}

// New partitions region into fixed-size blocks of blockSize bytes, which
// must be a power of two no larger than the region itself.
func New(region *memsupport.Region, blockSize uintptr) (*Space, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("space: block size %d is not a power of two", blockSize)
	}
	if region.Size() < blockSize {
		return nil, fmt.Errorf("space: region of %d bytes is smaller than one block (%d bytes)", region.Size(), blockSize)
	}
	numBlocks := int(region.Size() / blockSize)

	sp := &Space{
		region:    region,
		blockSize: blockSize,
		numBlocks: numBlocks,
		states:    make([]BlockState, numBlocks),
		spans:     make([]int, numBlocks),
		freeList:  make([]int, numBlocks),
	}
	for i := range sp.freeList {
		sp.freeList[i] = i
	}
	return sp, nil
}

// BlockSize returns the fixed size, in bytes, of every block.
func (sp *Space) BlockSize() uintptr {
	return sp.blockSize
}

// NumBlocks returns the total number of blocks in the space.
func (sp *Space) NumBlocks() int {
	return sp.numBlocks
}

// BlockAddress returns the start address of the block with the given index.
func (sp *Space) BlockAddress(idx int) memsupport.Address {
	return sp.region.Base() + memsupport.Address(uintptr(idx)*sp.blockSize)
}

// BlockIndex returns the index of the block containing addr.
func (sp *Space) BlockIndex(addr memsupport.Address) int {
	return int(uintptr(addr-sp.region.Base()) / sp.blockSize)
}

// State returns the current state of the block at idx.
func (sp *Space) State(idx int) BlockState {
	return sp.states[idx]
}

// Region returns the backing memory region.
func (sp *Space) Region() *memsupport.Region {
	return sp.region
}

// popFree removes and returns the lowest free block index, or -1 if none
// is free.
func (sp *Space) popFree() int {
	if len(sp.freeList) == 0 {
		return -1
	}
	idx := sp.freeList[0]
	sp.freeList = sp.freeList[1:]
	return idx
}

func (sp *Space) pushFree(idx int) {
	// Insertion keeps freeList sorted so popFree always yields the
	// lowest-address block, satisfying the deterministic tie-break spec.md
	// §4.1 requires.
	i := sort.SearchInts(sp.freeList, idx)
	sp.freeList = append(sp.freeList, 0)
	copy(sp.freeList[i+1:], sp.freeList[i:])
	sp.freeList[i] = idx
}

// GetBlock retires previous (if hasPrevious) to BlockFull and returns the
// address of a fresh BlockInUse block. The caller (the heap, holding its
// lock) is responsible for running a GC cycle and retrying on
// ErrOutOfMemory.
func (sp *Space) GetBlock(previous memsupport.Address, hasPrevious bool) (memsupport.Address, error) {
	if hasPrevious {
		sp.retire(sp.BlockIndex(previous))
	}
	idx := sp.popFree()
	if idx < 0 {
		return 0, &ErrOutOfMemory{Requested: sp.blockSize}
	}
	sp.states[idx] = BlockInUse
	return sp.BlockAddress(idx), nil
}

func (sp *Space) retire(idx int) {
	if sp.states[idx] == BlockInUse {
		sp.states[idx] = BlockFull
	}
}

// Recycle marks a full block free. It is invoked only by the collector
// during sweep.
func (sp *Space) Recycle(block memsupport.Address) {
	idx := sp.BlockIndex(block)
	if sp.states[idx] != BlockFull {
		panic(fmt.Sprintf("space: recycle called on block %d in state %s", idx, sp.states[idx]))
	}
	sp.states[idx] = BlockFree
	sp.pushFree(idx)
}

// AllocLarge finds nBlocks contiguous free blocks, marks them BlockLarge
// (head) / blockLargeTail (rest), and returns the head block's address.
func (sp *Space) AllocLarge(nBlocks int) (memsupport.Address, error) {
	if nBlocks <= 0 {
		return 0, fmt.Errorf("space: AllocLarge requires nBlocks > 0, got %d", nBlocks)
	}
	run := sp.findFreeRun(nBlocks)
	if run < 0 {
		return 0, &ErrOutOfMemory{Requested: uintptr(nBlocks) * sp.blockSize}
	}
	sp.removeRunFromFreeList(run, nBlocks)
	sp.states[run] = BlockLarge
	sp.spans[run] = nBlocks
	for i := run + 1; i < run+nBlocks; i++ {
		sp.states[i] = blockLargeTail
	}
	return sp.BlockAddress(run), nil
}

// RecycleLarge frees the nBlocks-block span starting at block, which must
// currently be BlockLarge.
func (sp *Space) RecycleLarge(block memsupport.Address, nBlocks int) {
	idx := sp.BlockIndex(block)
	if sp.states[idx] != BlockLarge {
		panic(fmt.Sprintf("space: RecycleLarge called on block %d in state %s", idx, sp.states[idx]))
	}
	for i := idx; i < idx+nBlocks; i++ {
		sp.states[i] = BlockFree
		sp.pushFree(i)
	}
	sp.spans[idx] = 0
}

// LargeSpan returns the number of blocks spanned by the large object whose
// head block is at idx. It panics if idx is not a BlockLarge head.
func (sp *Space) LargeSpan(idx int) int {
	if sp.states[idx] != BlockLarge {
		panic(fmt.Sprintf("space: LargeSpan called on block %d in state %s", idx, sp.states[idx]))
	}
	return sp.spans[idx]
}

// findFreeRun scans the free list for nBlocks contiguous free blocks,
// returning the lowest-address run's starting index, or -1 if none exists.
func (sp *Space) findFreeRun(nBlocks int) int {
	if nBlocks == 1 {
		if len(sp.freeList) == 0 {
			return -1
		}
		return sp.freeList[0]
	}
	free := make(map[int]bool, len(sp.freeList))
	for _, idx := range sp.freeList {
		free[idx] = true
	}
	for start := 0; start+nBlocks <= sp.numBlocks; start++ {
		ok := true
		for i := start; i < start+nBlocks; i++ {
			if !free[i] {
				ok = false
				start = i // skip past the known-occupied block
				break
			}
		}
		if ok {
			return start
		}
	}
	return -1
}

func (sp *Space) removeRunFromFreeList(start, nBlocks int) {
	remove := make(map[int]bool, nBlocks)
	for i := start; i < start+nBlocks; i++ {
		remove[i] = true
	}
	out := sp.freeList[:0]
	for _, idx := range sp.freeList {
		if !remove[idx] {
			out = append(out, idx)
		}
	}
	sp.freeList = out
}

// FreeBlocks reports how many blocks are currently on the free list.
func (sp *Space) FreeBlocks() int {
	return len(sp.freeList)
}
