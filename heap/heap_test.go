package heap

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/muvm/uvm-core/internal/objmodel"
	"github.com/muvm/uvm-core/internal/space"
)

type fixedType struct {
	size, align uintptr
}

func (t fixedType) FixedSize() uintptr            { return t.size }
func (t fixedType) Align() uintptr                { return t.align }
func (t fixedType) Layout() objmodel.ObjectLayout { return nil }

type hybridType struct {
	fixed, elem, align uintptr
}

func (t hybridType) FixedSize() uintptr            { return t.fixed }
func (t hybridType) Align() uintptr                { return t.align }
func (t hybridType) Layout() objmodel.ObjectLayout { return nil }
func (t hybridType) ElemSize() uintptr             { return t.elem }

// rootsClient is a simple objmodel.Client backed by a mutex-protected set
// of addresses, letting tests change what is reachable between GC cycles.
type rootsClient struct {
	mu    sync.Mutex
	roots map[objmodel.Address]bool
}

func newRootsClient() *rootsClient {
	return &rootsClient{roots: make(map[objmodel.Address]bool)}
}

func (c *rootsClient) set(addrs ...objmodel.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots = make(map[objmodel.Address]bool, len(addrs))
	for _, a := range addrs {
		c.roots[a] = true
	}
}

func (c *rootsClient) MarkExternalRoots(marker objmodel.ObjectMarker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := range c.roots {
		marker.MarkObjRef(addr)
	}
}

// TestSingleMutatorAllocationUnderPressure implements spec.md §8 scenario
// 1: fifteen reachable 128 KiB objects fit as large allocations in a
// 3 MiB heap with 64 KiB blocks; a sixteenth, only-object-8-reachable
// allocation triggers a GC that reclaims the other fourteen, making room.
func TestSingleMutatorAllocationUnderPressure(t *testing.T) {
	// 48 blocks of 64 KiB: fifteen 128 KiB objects consume 45 of them
	// (3 blocks each), leaving only 3 free — not enough for the 1 MiB
	// object's 17 blocks until GC reclaims the fourteen that become
	// unreachable.
	h, err := New(48*(64<<10), 64<<10)
	require.NoError(t, err)
	defer h.Close()

	roots := newRootsClient()
	require.NoError(t, h.SetClient(roots))

	m := h.MakeMutator()
	defer m.Close()

	addrs := make([]objmodel.Address, 15)
	for i := 0; i < 15; i++ {
		addr, err := m.AllocLarge(128<<10, 8, nil)
		require.NoErrorf(t, err, "allocation %d", i)
		addrs[i] = addr
	}
	roots.set(addrs...)

	// Only object 8 remains reachable for the next allocation.
	roots.set(addrs[8])

	big, err := m.AllocLarge(1<<20, 8, nil)
	require.NoError(t, err, "the 1 MiB allocation should succeed after GC reclaims the rest")
	require.NotZero(t, big)

	stats := h.Stats()
	require.Greater(t, stats.Mallocs, uint64(0))
}

// TestOverSizeAllocation implements spec.md §8 scenario 2.
func TestOverSizeAllocation(t *testing.T) {
	h, err := New(1<<20, 64<<10)
	require.NoError(t, err)
	defer h.Close()

	m := h.MakeMutator()
	defer m.Close()

	_, err = m.Alloc(64<<10+1, 8, 8)
	require.Error(t, err)
}

// TestTwoMutatorsCollectorCoordination implements spec.md §8 scenario 3:
// the collector proceeds only once both mutators have reached the
// safepoint, and both observe a completed GC cycle on resume.
func TestTwoMutatorsCollectorCoordination(t *testing.T) {
	h, err := New(2<<20, 64<<10)
	require.NoError(t, err)
	defer h.Close()

	roots := newRootsClient()
	require.NoError(t, h.SetClient(roots))

	m1 := h.MakeMutator()
	defer m1.Close()
	m2 := h.MakeMutator()
	defer m2.Close()

	// Both mutators finish allocating, rendezvous on a barrier so neither
	// races ahead and calls into the pause protocol early via its own
	// safepoint poll, then both explicitly trip the pause together. The
	// collector can only proceed once both have registered as stopped.
	var barrier sync.WaitGroup
	barrier.Add(2)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			if _, err := m1.NewFixed(fixedType{size: 64, align: 8}); err != nil {
				return err
			}
		}
		barrier.Done()
		barrier.Wait()
		h.TriggerAndWaitForGC()
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			if _, err := m2.NewFixed(fixedType{size: 64, align: 8}); err != nil {
				return err
			}
		}
		barrier.Done()
		barrier.Wait()
		h.TriggerAndWaitForGC()
		return nil
	})
	require.NoError(t, g.Wait())

	stats := h.Stats()
	require.GreaterOrEqual(t, stats.Mallocs, uint64(100))
}

func TestHybridAllocationFitsWithinOneBlock(t *testing.T) {
	h, err := New(1<<20, 4<<10)
	require.NoError(t, err)
	defer h.Close()

	m := h.MakeMutator()
	defer m.Close()

	addr, err := m.NewHybrid(hybridType{fixed: 16, elem: 8, align: 8}, 100)
	require.NoError(t, err)
	require.NotZero(t, addr)
}

// TestReachableObjectSurvivesTwoGCCyclesAcrossBlockRetirement guards
// against a stale mark bit letting a reachable object's block get swept
// out from under it. The object is allocated while its block is still
// the mutator's current BlockInUse block, survives a first GC cycle
// while still in that state (so gcSweep never visits it to clear
// Marked), then a second allocation forces the block to retire to
// BlockFull before a second GC cycle runs. If the second cycle's
// MarkObjRef saw a stale Marked==true and skipped re-marking the block,
// gcSweep would recycle the still-reachable block.
func TestReachableObjectSurvivesTwoGCCyclesAcrossBlockRetirement(t *testing.T) {
	h, err := New(16*256, 256)
	require.NoError(t, err)
	defer h.Close()

	roots := newRootsClient()
	require.NoError(t, h.SetClient(roots))

	m := h.MakeMutator()
	defer m.Close()

	keep, err := m.NewFixed(fixedType{size: 16, align: 8})
	require.NoError(t, err)
	roots.set(keep)

	blockIdx := h.space.BlockIndex(keep)
	require.Equal(t, space.BlockInUse, h.space.State(blockIdx), "the kept object's block must still be the mutator's current block")

	// First GC cycle: keep is reachable, and its block is still BlockInUse,
	// so gcSweep has no reason to touch it.
	h.TriggerAndWaitForGC()
	require.NotNil(t, h.findHeader(keep), "object must survive a GC cycle while its block is still in use")

	// Force the block to retire by allocating something that no longer
	// fits in it; the mutator moves on to a fresh block.
	_, err = m.NewFixed(fixedType{size: 230, align: 8})
	require.NoError(t, err)
	require.Equal(t, space.BlockFull, h.space.State(blockIdx), "the kept object's block must have retired to BlockFull")

	// Second GC cycle: keep is still reachable. A stale mark bit from the
	// first cycle must not suppress re-marking this now-retired block.
	h.TriggerAndWaitForGC()
	hdr := h.findHeader(keep)
	require.NotNil(t, hdr, "a reachable object must survive a second GC cycle even after its block retired")
	require.Equal(t, space.BlockFull, h.space.State(blockIdx), "a reachable retired block must not be swept")
}

func TestSetClientRejectedDuringGC(t *testing.T) {
	h, err := New(1<<20, 4<<10)
	require.NoError(t, err)
	defer h.Close()

	h.mu.Lock()
	h.globalPauseFlag = true
	h.mu.Unlock()

	err = h.SetClient(newRootsClient())
	require.Error(t, err)

	h.mu.Lock()
	h.globalPauseFlag = false
	h.gcFinished.Broadcast()
	h.mu.Unlock()
}
