package phi

import (
	"fmt"

	"golang.org/x/tools/container/intsets"
)

// Verify checks the two structural invariants Reduce's output must
// satisfy (spec.md §8): no block contains a φ-instruction, and every
// block reachable from the entry is present with a valid successor list.
// It is not called by Reduce itself; callers that want the extra
// assurance (tests, the reducer CLI) run it explicitly after reducing.
func Verify(fn *Func) error {
	if fn == nil {
		return &InvalidIR{Reason: "nil function"}
	}
	entry := fn.BlockByID(fn.Entry)
	if entry == nil {
		return &InvalidIR{Func: fn.Name, Reason: "entry block not found"}
	}

	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if in.Kind == InstrPhi {
				return &InvalidIR{Func: fn.Name, Reason: fmt.Sprintf("block %q still contains a phi-instruction", b.Name)}
			}
		}
	}

	var visited intsets.Sparse
	var walk func(id BlockID)
	walk = func(id BlockID) {
		if !visited.Insert(int(id)) {
			return
		}
		b := fn.BlockByID(id)
		if b == nil {
			return
		}
		for _, in := range b.Instrs {
			for _, succ := range in.Successors {
				walk(succ)
			}
		}
	}
	walk(fn.Entry)

	for _, b := range fn.Blocks {
		if !visited.Has(int(b.ID)) {
			continue // unreachable blocks are not an error; reduction may leave dead copies
		}
		for _, in := range b.Instrs {
			for _, succ := range in.Successors {
				if fn.BlockByID(succ) == nil {
					return &InvalidIR{Func: fn.Name, Reason: fmt.Sprintf("block %q references non-existent successor #%d", b.Name, succ)}
				}
			}
		}
	}
	return nil
}
