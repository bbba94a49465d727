// Package objmodel holds the small set of types shared between the
// mutator and heap packages: addresses, object headers, and the
// capabilities (ObjectLayout, ObjectMarker, Client) spec.md §4.3/§6
// describe.
//
// It exists purely to avoid an import cycle: heap constructs Mutators
// (and so must know about the mutator package), while a Mutator must call
// back into its owning heap to get blocks and register allocated objects.
// Factoring the shared vocabulary out here lets mutator depend only on
// objmodel, and heap depend on both mutator and objmodel, with no cycle.
package objmodel

import "github.com/muvm/uvm-core/internal/memsupport"

// Address aliases memsupport.Address so callers outside internal/ can use
// it without importing memsupport directly.
type Address = memsupport.Address

// HeaderSize is the GC header's fixed byte length. spec.md §3 calls for a
// "fixed power-of-two number of bytes (the implementation uses 8)".
const HeaderSize uintptr = 8

// ObjectMarker is passed to Client.MarkExternalRoots. It accepts object
// references and enqueues them for tracing.
type ObjectMarker interface {
	// MarkObjRef marks the object at addr reachable, ignoring addr == 0 and
	// addresses that do not correspond to a live object.
	MarkObjRef(addr Address)
}

// ObjectLayout describes how to trace the pointer fields of one μVM type's
// instances. The μVM type system itself is an external collaborator
// (spec.md §1); this is the minimal surface the collector needs from it.
type ObjectLayout interface {
	// PointerFree reports whether instances of this layout can never hold
	// a heap reference, letting the collector skip scanning them.
	PointerFree() bool

	// Scan walks the payloadLen bytes starting at payload, calling
	// marker.MarkObjRef for every field that may hold a heap reference.
	Scan(marker ObjectMarker, payload Address, payloadLen uintptr)
}

// Client is the caller-supplied capability consumed during a GC cycle.
type Client interface {
	// MarkExternalRoots is called exactly once per GC cycle, with the
	// heap's lock not held.
	MarkExternalRoots(marker ObjectMarker)
}

// ObjHeader is the GC metadata kept for one allocated object. Unlike the
// teacher's bit-packed, in-band `gcLayout uintptr`, this core keeps
// headers as ordinary Go values in a side table (see heap.Heap) rather
// than inside the raw memory region — a hosted Go library has no reason
// to pay mmap'd-memory storage costs for metadata a Go struct already
// holds for free. See SPEC_FULL.md §7 for the rationale.
type ObjHeader struct {
	// Addr is the user-visible address returned to the allocator's caller.
	Addr Address
	// Marked is the per-object mark bit, cleared at the start of every GC
	// cycle's mark phase.
	Marked bool
	// Layout traces this object's pointer fields. A nil Layout is treated
	// like a pointer-free one: the collector never scans the object's
	// payload. Conservative scanning is not supported.
	Layout ObjectLayout
	// PayloadLen is the object's payload size in bytes, excluding header
	// and alignment padding.
	PayloadLen uintptr
	// BlockSpan is 1 for a normal allocation, or the number of contiguous
	// blocks occupied by a large object.
	BlockSpan int
}

// ObjectType describes a μVM type sufficient for the mutator's NewFixed
// convenience wrapper. The real type system is out of scope (spec.md §1);
// this is the minimal surface needed to compute an allocation's size.
type ObjectType interface {
	FixedSize() uintptr
	Align() uintptr
	Layout() ObjectLayout
}

// HybridType additionally describes the per-element size of a hybrid
// type's variable-length suffix, for the mutator's NewHybrid wrapper.
type HybridType interface {
	ObjectType
	ElemSize() uintptr
}
