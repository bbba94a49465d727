// Command uvmgc is a small demonstration driver: it spins up a heap,
// runs several mutators concurrently allocating and churning objects,
// and reports heap statistics, exercising the same coordination protocol
// a real μVM runtime would drive through heap.Heap and mutator.Mutator.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/muvm/uvm-core/config"
	"github.com/muvm/uvm-core/diagnostics"
	"github.com/muvm/uvm-core/heap"
	"github.com/muvm/uvm-core/internal/objmodel"
)

func main() {
	configPath := flag.String("config", "", "YAML heap config file (defaults built in if omitted)")
	mutators := flag.Int("mutators", 4, "number of concurrent mutator goroutines")
	allocsPer := flag.Int("allocs", 2000, "allocations performed by each mutator")
	seed := flag.Int64("seed", 1, "PRNG seed for object sizes and retention")
	flag.Parse()

	cfg := config.DefaultHeapConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := run(cfg, *mutators, *allocsPer, *seed); err != nil {
		diagnostics.Diagnostic{Level: diagnostics.LevelError, Source: "uvmgc", Msg: err.Error()}.WriteTo(diagnostics.Stderr())
		os.Exit(1)
	}
}

func run(cfg config.HeapConfig, numMutators, allocsPer int, seed int64) error {
	h, err := heap.New(uintptr(cfg.HeapSize), uintptr(cfg.BlockSize))
	if err != nil {
		return err
	}
	defer h.Close()

	roots := newRootSet()
	if err := h.SetClient(roots); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < numMutators; i++ {
		i := i
		g.Go(func() error {
			return runMutator(ctx, h, roots, i, allocsPer, seed+int64(i))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stdout := diagnostics.Stdout()
	diagnostics.Diagnostic{Level: diagnostics.LevelInfo, Source: "uvmgc", Msg: h.Stats().String()}.WriteTo(stdout)
	return nil
}

func runMutator(ctx context.Context, h *heap.Heap, roots *rootSet, id, allocsPer int, seed int64) error {
	m := h.MakeMutator()
	defer m.Close()

	rng := rand.New(rand.NewSource(seed))
	ty := fixedType{size: 64, align: 8, layout: pointerFreeLayout{}}

	for i := 0; i < allocsPer; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		addr, err := m.NewFixed(ty)
		if err != nil {
			return fmt.Errorf("mutator %d: %w", id, err)
		}
		if rng.Intn(4) == 0 {
			roots.publish(id, addr)
		}
	}
	return nil
}

// fixedType is a minimal objmodel.ObjectType used by the demo: every
// allocation is a fixed-size, pointer-free blob.
type fixedType struct {
	size, align uintptr
	layout      objmodel.ObjectLayout
}

func (t fixedType) FixedSize() uintptr          { return t.size }
func (t fixedType) Align() uintptr              { return t.align }
func (t fixedType) Layout() objmodel.ObjectLayout { return t.layout }

type pointerFreeLayout struct{}

func (pointerFreeLayout) PointerFree() bool { return true }
func (pointerFreeLayout) Scan(objmodel.ObjectMarker, objmodel.Address, uintptr) {}

// rootSet is the demo's objmodel.Client: each mutator publishes roughly
// one in four allocations, and the last one published per mutator ID is
// kept as a root, simulating a long-lived object each goroutine holds
// onto while the rest of its churn becomes garbage.
type rootSet struct {
	roots chan publishedRoot
	last  map[int]objmodel.Address
}

type publishedRoot struct {
	id   int
	addr objmodel.Address
}

func newRootSet() *rootSet {
	return &rootSet{
		roots: make(chan publishedRoot, 1024),
		last:  make(map[int]objmodel.Address),
	}
}

func (r *rootSet) publish(id int, addr objmodel.Address) {
	select {
	case r.roots <- publishedRoot{id: id, addr: addr}:
	default:
		// Demo-only backpressure: drop the root update rather than block an
		// allocating mutator; the previous root for this ID stays live.
	}
}

func (r *rootSet) drain() {
	for {
		select {
		case p := <-r.roots:
			r.last[p.id] = p.addr
		default:
			return
		}
	}
}

// MarkExternalRoots implements objmodel.Client.
func (r *rootSet) MarkExternalRoots(marker objmodel.ObjectMarker) {
	r.drain()
	for _, addr := range r.last {
		marker.MarkObjRef(addr)
	}
}
