package phi

import "fmt"

// IllegalEntryPhi is returned when Reduce's input has a φ-instruction in
// its entry block, which would have no well-defined predecessor to fork
// on.
type IllegalEntryPhi struct {
	Func string
}

func (e *IllegalEntryPhi) Error() string {
	return fmt.Sprintf("phi: function %q has a phi-instruction in its entry block", e.Func)
}

// InvalidIR is returned for a structurally malformed input: a nil
// function, a dangling entry, or any block without a name.
type InvalidIR struct {
	Func   string
	Reason string
}

func (e *InvalidIR) Error() string {
	return fmt.Sprintf("phi: function %q has invalid IR: %s", e.Func, e.Reason)
}

// Reduce lowers fn into an equivalent φ-free CFG: every φ-bearing block is
// replaced by one fork per predecessor that supplies it a value, and
// every control edge into that block is retargeted to the matching fork.
// Blocks without φ-instructions are copied unchanged. Reduce is a pure
// function: it never mutates fn, has no global state, and is safe to call
// concurrently on distinct inputs.
func Reduce(fn *Func) (*Func, error) {
	if fn == nil {
		return nil, &InvalidIR{Reason: "nil function"}
	}
	entry := fn.BlockByID(fn.Entry)
	if entry == nil {
		return nil, &InvalidIR{Func: fn.Name, Reason: "entry block not found"}
	}
	for _, b := range fn.Blocks {
		if b.Name == "" {
			return nil, &InvalidIR{Func: fn.Name, Reason: fmt.Sprintf("block #%d has no name", b.ID)}
		}
	}
	for _, in := range entry.Instrs {
		if in.Kind == InstrPhi {
			return nil, &IllegalEntryPhi{Func: fn.Name}
		}
	}

	preds, sources := collectPhis(fn)

	type plan struct {
		origin *BasicBlock
		pred   BlockID
		isFork bool
		id     BlockID
		name   string
	}

	var plans []plan
	newIDOfOriginal := make(map[BlockID]BlockID, len(fn.Blocks))
	forkID := make(map[Transition]BlockID)
	nextID := fn.Entry

	for _, b := range fn.Blocks {
		ps := preds[b.ID]
		if len(ps) == 0 {
			id := nextID
			nextID++
			newIDOfOriginal[b.ID] = id
			plans = append(plans, plan{origin: b, id: id, name: b.Name})
			continue
		}
		for i, p := range ps {
			id := nextID
			nextID++
			name := fmt.Sprintf("%s__phi__%d", b.Name, i)
			predBlock := fn.BlockByID(p)
			forkID[Transition{FromID: p, FromName: predBlock.Name, ToID: b.ID, ToName: b.Name}] = id
			plans = append(plans, plan{origin: b, pred: p, isFork: true, id: id, name: name})
		}
	}

	newBlocks := make([]*BasicBlock, len(plans))
	for i, p := range plans {
		var substitution map[ValueID]ValueID
		if p.isFork {
			substitution = sources[p.origin.ID][p.pred]
		}
		var instrs []*Instr
		for _, in := range p.origin.Instrs {
			if in.Kind == InstrPhi {
				continue
			}
			c := in.clone()
			substitute(c, substitution)
			instrs = append(instrs, c)
		}
		newBlocks[i] = &BasicBlock{ID: p.id, Name: p.name, Instrs: instrs}
	}

	// Edge remap: every cloned block's successors are redirected to the
	// fork keyed by (the block's origin, target) if one exists, else to
	// the target's plain copy.
	for i, p := range plans {
		for _, in := range newBlocks[i].Instrs {
			for j, t := range in.Successors {
				target := fn.BlockByID(t)
				if target == nil {
					continue // dangling successor; leave as-is, nothing to remap to
				}
				key := Transition{FromID: p.origin.ID, FromName: p.origin.Name, ToID: t, ToName: target.Name}
				if fid, ok := forkID[key]; ok {
					in.Successors[j] = fid
					continue
				}
				if nid, ok := newIDOfOriginal[t]; ok {
					in.Successors[j] = nid
				}
				// Neither a fork nor a plain copy exists for this edge: the
				// target is φ-bearing but does not list this predecessor in
				// any φ value-map. Well-formed SSA input never hits this
				// case; the successor is left pointing at the original
				// (now-reassigned) ID rather than silently dropped.
			}
		}
	}

	out := &Func{
		Name:        fn.Name,
		Entry:       newIDOfOriginal[fn.Entry],
		Blocks:      newBlocks,
		nextValueID: fn.nextValueID,
		nextBlockID: nextID,
	}
	return out, nil
}

// collectPhis implements step 1, "classify blocks": for every φ-bearing
// block B it returns the ordered, de-duplicated list of predecessors that
// supply it a value (preds[B.ID]), and for each such predecessor the
// substitution map from φ-result to the value that predecessor supplies
// (sources[B.ID][pred]).
//
// A non-existent predecessor referenced by a φ edge (one with no matching
// block in fn) is silently dropped, per spec.md §4.5's failure policy.
func collectPhis(fn *Func) (preds map[BlockID][]BlockID, sources map[BlockID]map[BlockID]map[ValueID]ValueID) {
	preds = make(map[BlockID][]BlockID)
	sources = make(map[BlockID]map[BlockID]map[ValueID]ValueID)

	for _, b := range fn.Blocks {
		for _, in := range b.phis() {
			for _, edge := range in.Phi.Edges {
				if fn.BlockByID(edge.Pred) == nil {
					continue // unreachable/non-existent predecessor: dropped
				}
				if sources[b.ID] == nil {
					sources[b.ID] = make(map[BlockID]map[ValueID]ValueID)
				}
				if sources[b.ID][edge.Pred] == nil {
					sources[b.ID][edge.Pred] = make(map[ValueID]ValueID)
					preds[b.ID] = append(preds[b.ID], edge.Pred)
				}
				sources[b.ID][edge.Pred][in.Result] = edge.Use.Value
			}
		}
	}
	return preds, sources
}

// substitute rewrites every operand of in whose current Value is a key of
// m, in place. It is the uniform operand-remap step applied to every
// instruction kind that carries operands; m is nil for a plain block
// copy, in which case substitute is a no-op.
func substitute(in *Instr, m map[ValueID]ValueID) {
	if m == nil {
		return
	}
	for _, ub := range in.Operands {
		if repl, ok := m[ub.Value]; ok {
			ub.Value = repl
		}
	}
}
