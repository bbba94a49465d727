package mutator

import (
	"testing"

	"github.com/muvm/uvm-core/internal/memsupport"
	"github.com/muvm/uvm-core/internal/objmodel"
)

// fakeBackend is a minimal Backend that hands out blocks from a flat
// region without any GC involvement, for exercising Mutator in
// isolation.
type fakeBackend struct {
	region    *memsupport.Region
	blockSize uintptr
	next      uintptr // next unused block offset
	released  bool
	objects   []*objmodel.ObjHeader
}

func newFakeBackend(t *testing.T, size, blockSize uintptr) *fakeBackend {
	t.Helper()
	region, err := memsupport.NewRegion(size)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	return &fakeBackend{region: region, blockSize: blockSize}
}

func (b *fakeBackend) GetBlock(previous Address, hasPrevious bool) (Address, error) {
	if b.next+b.blockSize > b.region.Size() {
		return 0, &ErrObjectTooBig{Size: b.blockSize, BlockSize: b.blockSize}
	}
	addr := b.region.Base() + Address(b.next)
	b.next += b.blockSize
	return addr, nil
}

func (b *fakeBackend) AllocLarge(nBlocks int) (Address, error) {
	size := uintptr(nBlocks) * b.blockSize
	if b.next+size > b.region.Size() {
		return 0, &ErrObjectTooBig{Size: size, BlockSize: b.blockSize}
	}
	addr := b.region.Base() + Address(b.next)
	b.next += size
	return addr, nil
}

func (b *fakeBackend) RegisterObject(addr Address, hdr *objmodel.ObjHeader) {
	b.objects = append(b.objects, hdr)
}

func (b *fakeBackend) PollSafepoint()        {}
func (b *fakeBackend) ReleaseMutator()       { b.released = true }
func (b *fakeBackend) BlockSize() uintptr    { return b.blockSize }
func (b *fakeBackend) Region() *memsupport.Region { return b.region }

type blob struct {
	size, align uintptr
}

func (t blob) FixedSize() uintptr            { return t.size }
func (t blob) Align() uintptr                { return t.align }
func (t blob) Layout() objmodel.ObjectLayout { return nil }

func TestAllocInvariants(t *testing.T) {
	backend := newFakeBackend(t, 4096, 256)
	m := New(backend)

	for i := 0; i < 20; i++ {
		addr, err := m.Alloc(16, 8, objmodel.HeaderSize)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if uint64(addr)%8 != 0 {
			t.Fatalf("address %#x is not 8-byte aligned", addr)
		}
		block, ok := m.CurrentBlock()
		if !ok {
			t.Fatal("expected a current block after a successful allocation")
		}
		if !(block <= m.Cursor() && m.Cursor() <= m.Limit()) {
			t.Fatalf("invariant violated: block=%#x cursor=%#x limit=%#x", block, m.Cursor(), m.Limit())
		}
		if uint64(m.Limit()-block) != 256 {
			t.Fatalf("expected limit-block == block size 256, got %d", m.Limit()-block)
		}
	}
}

func TestObjectTooBig(t *testing.T) {
	backend := newFakeBackend(t, 4096, 256)
	m := New(backend)

	_, err := m.Alloc(256+1, 8, objmodel.HeaderSize)
	if err == nil {
		t.Fatal("expected ErrObjectTooBig")
	}
	var tooBig *ErrObjectTooBig
	if !asErrObjectTooBig(err, &tooBig) {
		t.Fatalf("expected *ErrObjectTooBig, got %T: %v", err, err)
	}
}

func asErrObjectTooBig(err error, target **ErrObjectTooBig) bool {
	if e, ok := err.(*ErrObjectTooBig); ok {
		*target = e
		return true
	}
	return false
}

func TestNewFixedRegistersHeader(t *testing.T) {
	backend := newFakeBackend(t, 4096, 256)
	m := New(backend)

	addr, err := m.NewFixed(blob{size: 32, align: 16})
	if err != nil {
		t.Fatalf("NewFixed: %v", err)
	}
	if uint64(addr)%16 != 0 {
		t.Fatalf("address %#x is not 16-byte aligned", addr)
	}
	if len(backend.objects) != 1 {
		t.Fatalf("expected exactly one registered object, got %d", len(backend.objects))
	}
	if backend.objects[0].Addr != addr {
		t.Fatalf("registered header address %#x does not match returned address %#x", backend.objects[0].Addr, addr)
	}
	if backend.objects[0].PayloadLen != 32 {
		t.Fatalf("expected payload length 32, got %d", backend.objects[0].PayloadLen)
	}
}

func TestAllocLargeSpansContiguousBlocks(t *testing.T) {
	backend := newFakeBackend(t, 4096, 256)
	m := New(backend)

	addr, err := m.AllocLarge(600, 8, nil)
	if err != nil {
		t.Fatalf("AllocLarge: %v", err)
	}
	if backend.objects[0].BlockSpan != 3 {
		t.Fatalf("expected a 3-block span for 600 bytes + header at 256-byte blocks, got %d", backend.objects[0].BlockSpan)
	}
	if addr == 0 {
		t.Fatal("expected a non-zero address")
	}
}

func TestCloseIsIdempotentAndReleasesMutator(t *testing.T) {
	backend := newFakeBackend(t, 4096, 256)
	m := New(backend)

	m.Close()
	m.Close()
	if !backend.released {
		t.Fatal("expected ReleaseMutator to have been called")
	}

	if _, err := m.Alloc(16, 8, objmodel.HeaderSize); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
