package main

import (
	"encoding/json"
	"fmt"

	"github.com/muvm/uvm-core/phi"
)

// wireFunc is the JSON shape of one function, used both as the reducer's
// input format and its output format.
type wireFunc struct {
	Name   string      `json:"name"`
	Entry  int         `json:"entry"`
	Blocks []wireBlock `json:"blocks"`
}

type wireBlock struct {
	ID     int         `json:"id"`
	Name   string      `json:"name"`
	Instrs []wireInstr `json:"instrs"`
}

type wireInstr struct {
	Kind       string        `json:"kind"`
	Result     int           `json:"result,omitempty"`
	Operands   []int         `json:"operands,omitempty"`
	Successors []int         `json:"successors,omitempty"`
	Phi        []wirePhiEdge `json:"phi,omitempty"`
}

type wirePhiEdge struct {
	Pred  int `json:"pred"`
	Value int `json:"value"`
}

var kindNames = map[string]phi.InstrKind{
	"phi":         phi.InstrPhi,
	"binary":      phi.InstrBinary,
	"compare":     phi.InstrCompare,
	"convert":     phi.InstrConvert,
	"memory":      phi.InstrMemory,
	"call":        phi.InstrCall,
	"atomic":      phi.InstrAtomic,
	"select":      phi.InstrSelect,
	"return":      phi.InstrReturn,
	"throw":       phi.InstrThrow,
	"branch":      phi.InstrBranch,
	"condbranch":  phi.InstrCondBranch,
	"switch":      phi.InstrSwitch,
	"watchpoint":  phi.InstrWatchpoint,
	"other":       phi.InstrOther,
}

var kindStrings = func() map[phi.InstrKind]string {
	m := make(map[phi.InstrKind]string, len(kindNames))
	for s, k := range kindNames {
		m[k] = s
	}
	return m
}()

func decodeWireFunc(data []byte) (wireFunc, error) {
	var wf wireFunc
	if err := json.Unmarshal(data, &wf); err != nil {
		return wireFunc{}, err
	}
	return wf, nil
}

func encodeWireFunc(wf wireFunc) ([]byte, error) {
	return json.MarshalIndent(wf, "", "  ")
}

// toFunc converts the wire format into a *phi.Func, interning block and
// value identities exactly as given (the wire format is assumed to
// already use distinct, stable IDs).
func (wf wireFunc) toFunc() (*phi.Func, error) {
	fn := &phi.Func{
		Name:  wf.Name,
		Entry: phi.BlockID(wf.Entry),
	}
	maxValue := phi.ValueID(0)
	maxBlock := phi.BlockID(0)

	for _, wb := range wf.Blocks {
		b := &phi.BasicBlock{ID: phi.BlockID(wb.ID), Name: wb.Name}
		if b.ID > maxBlock {
			maxBlock = b.ID
		}
		for _, wi := range wb.Instrs {
			kind, ok := kindNames[wi.Kind]
			if !ok {
				return nil, fmt.Errorf("unknown instruction kind %q in block %q", wi.Kind, wb.Name)
			}
			in := &phi.Instr{Kind: kind, Result: phi.ValueID(wi.Result)}
			if in.Result > maxValue {
				maxValue = in.Result
			}
			for _, op := range wi.Operands {
				in.Operands = append(in.Operands, &phi.UseBox{Value: phi.ValueID(op)})
				if v := phi.ValueID(op); v > maxValue {
					maxValue = v
				}
			}
			for _, s := range wi.Successors {
				in.Successors = append(in.Successors, phi.BlockID(s))
			}
			if kind == phi.InstrPhi {
				p := &phi.Phi{}
				for _, e := range wi.Phi {
					p.Edges = append(p.Edges, phi.PhiEdge{
						Pred: phi.BlockID(e.Pred),
						Use:  &phi.UseBox{Value: phi.ValueID(e.Value)},
					})
					if v := phi.ValueID(e.Value); v > maxValue {
						maxValue = v
					}
				}
				in.Phi = p
			}
			b.Instrs = append(b.Instrs, in)
		}
		fn.Blocks = append(fn.Blocks, b)
	}

	return fn, nil
}

// fromFunc converts a *phi.Func back into the wire format for output.
func fromFunc(fn *phi.Func) wireFunc {
	wf := wireFunc{Name: fn.Name, Entry: int(fn.Entry)}
	for _, b := range fn.Blocks {
		wb := wireBlock{ID: int(b.ID), Name: b.Name}
		for _, in := range b.Instrs {
			wi := wireInstr{Kind: kindStrings[in.Kind], Result: int(in.Result)}
			for _, op := range in.Operands {
				wi.Operands = append(wi.Operands, int(op.Value))
			}
			for _, s := range in.Successors {
				wi.Successors = append(wi.Successors, int(s))
			}
			if in.Phi != nil {
				for _, e := range in.Phi.Edges {
					wi.Phi = append(wi.Phi, wirePhiEdge{Pred: int(e.Pred), Value: int(e.Use.Value)})
				}
			}
			wb.Instrs = append(wb.Instrs, wi)
		}
		wf.Blocks = append(wf.Blocks, wb)
	}
	return wf
}
