package heap

import "github.com/muvm/uvm-core/internal/objmodel"

// objectMarker implements objmodel.ObjectMarker with an explicit
// work-list (spec.md §4.3 calls out recursion as a stack-overflow risk on
// deep object graphs), and records, per block, whether anything in it
// survived this cycle.
type objectMarker struct {
	heap        *Heap
	blockMarked []bool
	work        []*objmodel.ObjHeader
}

// MarkObjRef marks the object at addr reachable and enqueues it for
// scanning if this is the first time it has been seen this cycle.
func (m *objectMarker) MarkObjRef(addr objmodel.Address) {
	hdr := m.heap.findHeader(addr)
	if hdr == nil || hdr.Marked {
		return
	}
	hdr.Marked = true
	m.markBlocks(hdr)
	m.work = append(m.work, hdr)
}

// markBlocks flags every block spanned by hdr as containing a survivor.
func (m *objectMarker) markBlocks(hdr *objmodel.ObjHeader) {
	idx := m.heap.space.BlockIndex(hdr.Addr)
	for i := 0; i < hdr.BlockSpan; i++ {
		m.blockMarked[idx+i] = true
	}
}

// drain processes the work list to a fixed point, scanning each object's
// pointer fields (unless its layout is pointer-free) and marking whatever
// they reference in turn.
func (m *objectMarker) drain() {
	for len(m.work) > 0 {
		hdr := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]

		if hdr.Layout == nil || hdr.Layout.PointerFree() {
			continue
		}
		hdr.Layout.Scan(m, hdr.Addr, hdr.PayloadLen)
	}
}
