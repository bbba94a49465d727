// Package heap implements spec.md §4.4's Heap+Collector: the coordinator
// holding the Space, tracking live mutators, orchestrating safepoints via
// a global pause flag and two condition variables, and running a
// dedicated stop-the-world mark/sweep collector goroutine.
package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/inhies/go-bytesize"

	"github.com/muvm/uvm-core/internal/memsupport"
	"github.com/muvm/uvm-core/internal/objmodel"
	"github.com/muvm/uvm-core/internal/space"
	"github.com/muvm/uvm-core/mutator"
)

// Address aliases memsupport.Address for callers that only import heap.
type Address = memsupport.Address

// ErrOutOfMemory is raised when the space has no free block (or
// contiguous run of blocks) left after a GC cycle.
type ErrOutOfMemory struct {
	Requested uintptr
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("heap: out of memory requesting %d bytes after a GC cycle", e.Requested)
}

// noopClient is installed until SetClient is called; it marks no roots,
// so a GC cycle on a fresh heap simply frees everything.
type noopClient struct{}

func (noopClient) MarkExternalRoots(objmodel.ObjectMarker) {}

// Stats is a point-in-time snapshot of heap usage, formatted with
// human-readable byte sizes.
type Stats struct {
	HeapSize   bytesize.ByteSize
	Used       bytesize.ByteSize
	Free       bytesize.ByteSize
	Mallocs    uint64
	TotalAlloc bytesize.ByteSize
}

func (s Stats) String() string {
	return fmt.Sprintf("heap=%s used=%s free=%s mallocs=%d total_alloc=%s",
		s.HeapSize, s.Used, s.Free, s.Mallocs, s.TotalAlloc)
}

// Heap owns the Space, the lock+condvar pause protocol, and a
// background collector goroutine started at construction.
type Heap struct {
	mu         sync.Mutex
	gcCanStart sync.Cond
	gcFinished sync.Cond

	space        *space.Space
	blockObjects [][]*objmodel.ObjHeader

	client objmodel.Client

	liveMutators    int
	mutatorsStopped int
	globalPauseFlag bool

	totalAlloc uint64
	mallocs    uint64

	closing bool
	wg      sync.WaitGroup
}

// New builds a Heap over a freshly reserved memory region of the given
// size, partitioned into blockSize blocks, and starts its collector
// goroutine.
func New(size, blockSize uintptr) (*Heap, error) {
	region, err := memsupport.NewRegion(size)
	if err != nil {
		return nil, err
	}
	sp, err := space.New(region, blockSize)
	if err != nil {
		region.Close()
		return nil, err
	}

	h := &Heap{
		space:        sp,
		blockObjects: make([][]*objmodel.ObjHeader, sp.NumBlocks()),
		client:       noopClient{},
	}
	h.gcCanStart.L = &h.mu
	h.gcFinished.L = &h.mu

	h.wg.Add(1)
	go h.collectorLoop()
	return h, nil
}

// MakeMutator registers and returns a fresh Mutator bound to this heap.
func (h *Heap) MakeMutator() *mutator.Mutator {
	h.mu.Lock()
	h.liveMutators++
	h.mu.Unlock()
	return mutator.New(h)
}

// SetClient installs client as the source of external GC roots. It may
// only be called when no GC cycle is in progress.
func (h *Heap) SetClient(client objmodel.Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.globalPauseFlag {
		return errors.New("heap: cannot set client while a GC cycle is in progress")
	}
	if client == nil {
		client = noopClient{}
	}
	h.client = client
	return nil
}

// TriggerAndWaitForGC implements spec.md §4.4's mutator-initiated pause
// request: it requests a GC cycle, registers the caller as stopped, and
// blocks until the cycle completes. It is exported both for Mutators
// (which call it on OOM, or when they observe a pause already requested)
// and as the "mutatorTriggerAndWaitForGCEnd" convenience named in spec.md
// §6.
func (h *Heap) TriggerAndWaitForGC() {
	h.mu.Lock()
	h.globalPauseFlag = true
	h.mutatorsStopped++
	if h.mutatorsStopped == h.liveMutators {
		h.gcCanStart.Signal()
	}
	for h.globalPauseFlag {
		h.gcFinished.Wait()
	}
	h.mutatorsStopped--
	h.mu.Unlock()
}

// GC forces a collection cycle without requiring a registered mutator to
// call it. It is a convenience for standalone use (tests, CLI demos,
// manual collection) built from the same primitives as
// TriggerAndWaitForGC, but it does not count the caller as a stopped
// mutator since the caller isn't one.
func (h *Heap) GC() {
	h.mu.Lock()
	h.globalPauseFlag = true
	if h.mutatorsStopped == h.liveMutators {
		h.gcCanStart.Signal()
	}
	for h.globalPauseFlag {
		h.gcFinished.Wait()
	}
	h.mu.Unlock()
}

// PollSafepoint blocks the calling mutator on the pause protocol if a GC
// has already been requested by someone else. Called by Mutator before
// every allocation, per spec.md §4.2.
func (h *Heap) PollSafepoint() {
	h.mu.Lock()
	paused := h.globalPauseFlag
	h.mu.Unlock()
	if paused {
		h.TriggerAndWaitForGC()
	}
}

// ReleaseMutator decrements the live-mutator count, called from
// Mutator.Close.
func (h *Heap) ReleaseMutator() {
	h.mu.Lock()
	h.liveMutators--
	if h.globalPauseFlag && h.mutatorsStopped == h.liveMutators {
		h.gcCanStart.Signal()
	}
	h.mu.Unlock()
}

// BlockSize returns the heap's fixed block size.
func (h *Heap) BlockSize() uintptr {
	return h.space.BlockSize()
}

// Region returns the raw memory region backing this heap's space.
func (h *Heap) Region() *memsupport.Region {
	return h.space.Region()
}

// GetBlock satisfies mutator.Backend: retire previous, hand out a fresh
// block, running a GC cycle and retrying once if none is free.
func (h *Heap) GetBlock(previous Address, hasPrevious bool) (Address, error) {
	h.mu.Lock()
	addr, err := h.space.GetBlock(previous, hasPrevious)
	h.mu.Unlock()
	if err == nil {
		return addr, nil
	}
	if !isOutOfMemory(err) {
		return 0, err
	}

	h.TriggerAndWaitForGC()

	h.mu.Lock()
	addr, err = h.space.GetBlock(previous, hasPrevious)
	h.mu.Unlock()
	if err != nil {
		return 0, &ErrOutOfMemory{Requested: h.space.BlockSize()}
	}
	return addr, nil
}

// AllocLarge satisfies mutator.Backend: reserve nBlocks contiguous
// blocks, running a GC cycle and retrying once if none are available.
func (h *Heap) AllocLarge(nBlocks int) (Address, error) {
	h.mu.Lock()
	addr, err := h.space.AllocLarge(nBlocks)
	h.mu.Unlock()
	if err == nil {
		return addr, nil
	}
	if !isOutOfMemory(err) {
		return 0, err
	}

	h.TriggerAndWaitForGC()

	h.mu.Lock()
	addr, err = h.space.AllocLarge(nBlocks)
	h.mu.Unlock()
	if err != nil {
		return 0, &ErrOutOfMemory{Requested: uintptr(nBlocks) * h.space.BlockSize()}
	}
	return addr, nil
}

func isOutOfMemory(err error) bool {
	var oom *space.ErrOutOfMemory
	return errors.As(err, &oom)
}

// RegisterObject satisfies mutator.Backend. It is called without the
// heap's lock held: the caller's exclusive ownership of the block
// containing addr (spec.md §3's Mutator/Block ownership invariant) makes
// this safe, since blockObjects is a fixed-length slice allocated once in
// New and distinct mutators never write the same index concurrently.
func (h *Heap) RegisterObject(addr Address, hdr *objmodel.ObjHeader) {
	idx := h.space.BlockIndex(addr)
	h.blockObjects[idx] = append(h.blockObjects[idx], hdr)

	h.mu.Lock()
	h.mallocs++
	h.totalAlloc += uint64(hdr.PayloadLen)
	h.mu.Unlock()
}

// Stats returns a point-in-time usage snapshot.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	blockSize := h.space.BlockSize()
	total := uintptr(h.space.NumBlocks()) * blockSize
	free := uintptr(h.space.FreeBlocks()) * blockSize
	return Stats{
		HeapSize:   bytesize.New(float64(total)),
		Used:       bytesize.New(float64(total - free)),
		Free:       bytesize.New(float64(free)),
		Mallocs:    h.mallocs,
		TotalAlloc: bytesize.New(float64(h.totalAlloc)),
	}
}

// Close stops the collector goroutine. The heap must not be used
// afterwards.
func (h *Heap) Close() {
	h.mu.Lock()
	h.closing = true
	h.gcCanStart.Broadcast()
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Heap) collectorLoop() {
	defer h.wg.Done()
	h.mu.Lock()
	for {
		for !h.closing && !(h.globalPauseFlag && h.mutatorsStopped == h.liveMutators) {
			h.gcCanStart.Wait()
		}
		if h.closing {
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		blockMarked := h.gcMarkReachable()
		h.gcSweep(blockMarked)

		h.mu.Lock()
		h.globalPauseFlag = false
		h.gcFinished.Broadcast()
	}
}

// gcMarkReachable runs the mark phase of one GC cycle: it calls the
// installed Client without the heap lock held (spec.md §6), then
// transitively scans everything reachable using an explicit work list
// (spec.md §4.3), and returns a per-block "was anything in this block
// marked" table used by the sweep phase.
func (h *Heap) gcMarkReachable() []bool {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()

	h.resetMarks()

	blockMarked := make([]bool, h.space.NumBlocks())
	marker := &objectMarker{heap: h, blockMarked: blockMarked}

	client.MarkExternalRoots(marker)
	marker.drain()

	return blockMarked
}

// resetMarks clears every object's mark bit before a new mark phase
// begins. gcSweep only clears Marked on blocks it actually sweeps
// (BlockFull, BlockLarge); an object allocated into a block that is still
// a mutator's current BlockInUse block would otherwise keep a stale
// Marked==true from a previous cycle forever, causing MarkObjRef to skip
// re-marking its block on a later cycle and gcSweep to recycle it out
// from under a still-reachable object. Resetting here, up front, makes
// every cycle self-contained regardless of which blocks sweep visits.
func (h *Heap) resetMarks() {
	for _, objs := range h.blockObjects {
		for _, obj := range objs {
			obj.Marked = false
		}
	}
}

// gcSweep frees every retired block (BlockFull, BlockLarge) whose
// blockMarked entry is false, per spec.md §4.4 step 3 and the
// block-granularity sweep policy decided in SPEC_FULL.md §4. A block still
// owned by a mutator as its current block (BlockInUse) is never a sweep
// candidate, whether or not anything in it was marked: it isn't retired
// yet, so there is nothing here for sweep to free or leave alone. Mark
// bits are reset up front by resetMarks at the start of the next cycle,
// not here, so this phase only needs to decide what to free.
func (h *Heap) gcSweep(blockMarked []bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for idx := 0; idx < h.space.NumBlocks(); idx++ {
		switch h.space.State(idx) {
		case space.BlockFull:
			if blockMarked[idx] {
				continue
			}
			h.space.Recycle(h.space.BlockAddress(idx))
			h.blockObjects[idx] = nil

		case space.BlockLarge:
			if blockMarked[idx] {
				continue
			}
			span := h.space.LargeSpan(idx)
			h.space.RecycleLarge(h.space.BlockAddress(idx), span)
			h.blockObjects[idx] = nil
		}
	}
}

// findHeader looks up the object header registered at exactly addr within
// the block containing it. blockObjects entries are always appended in
// increasing address order (a block has exactly one owning mutator, whose
// cursor only advances), so this is a binary search.
func (h *Heap) findHeader(addr Address) *objmodel.ObjHeader {
	if addr == 0 {
		return nil
	}
	if uintptr(addr-h.space.Region().Base()) >= h.space.Region().Size() {
		return nil
	}
	idx := h.space.BlockIndex(addr)
	switch h.space.State(idx) {
	case space.BlockFull, space.BlockInUse, space.BlockLarge:
	default:
		return nil
	}
	objs := h.blockObjects[idx]
	i := sort.Search(len(objs), func(i int) bool { return objs[i].Addr >= addr })
	if i < len(objs) && objs[i].Addr == addr {
		return objs[i]
	}
	return nil
}
