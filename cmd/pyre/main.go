// Pyre CLI - exercises the runtime core with an allocation workload and
// reports collector behavior.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/pyre/manifest"
	"github.com/chazu/pyre/vm"
	"github.com/chazu/pyre/vm/dump"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output (enables GC debug logging)")
	heapSize := flag.Uint64("heap", 0, "Semispace size in bytes (overrides pyre.toml)")
	objects := flag.Int("n", 10000, "Number of instances to allocate in the stress workload")
	collections := flag.Int("gc", 2, "Number of explicit collections to run after the workload")
	snapshot := flag.Bool("snapshot", false, "Write a heap snapshot to the configured database")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pyre [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an allocation stress workload against the Pyre runtime core.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pyre -n 100000 -gc 4       # Heavier workload, four explicit collections\n")
		fmt.Fprintf(os.Stderr, "  pyre -heap 1048576 -v      # Small heap, log every collection\n")
		fmt.Fprintf(os.Stderr, "  pyre -snapshot             # Persist a snapshot per pyre.toml\n")
	}
	flag.Parse()

	// pyre.toml is optional; flags win over it.
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}

	verbosity := 0
	if *verbose || (m != nil && m.Runtime.GCLog) {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	size := uint64(0)
	if m != nil {
		size = m.Runtime.HeapSize
	}
	if *heapSize != 0 {
		size = *heapSize
	}

	runtime, err := vm.NewRuntime(vm.Config{HeapSize: size})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating runtime: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		fmt.Printf("Runtime %s, semispace %d bytes\n", runtime.ID(), runtime.Heap().Space().Size())
	}

	if err := stress(runtime, *objects); err != nil {
		fmt.Fprintf(os.Stderr, "Workload error: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *collections; i++ {
		stats := runtime.CollectGarbage()
		fmt.Printf("gc %d: copied %d objects (%d bytes), reclaimed %d bytes, %d weak refs cleared, took %s\n",
			runtime.GCCount(), stats.ObjectsCopied, stats.BytesCopied,
			stats.Reclaimed(), stats.WeakRefsCleared, stats.Duration)
	}

	if err := runtime.Heap().Verify(); err != nil {
		fmt.Fprintf(os.Stderr, "Heap verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("heap ok: %d/%d bytes used after %d collections\n",
		runtime.Heap().Space().Used(), runtime.Heap().Space().Size(), runtime.GCCount())

	if *snapshot {
		if err := writeSnapshot(runtime, m); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
			os.Exit(1)
		}
	}
}

// stress allocates instances through the layout transition path, keeping a
// sampling of them reachable from the main thread so collections have both
// live and dead objects to deal with.
func stress(r *vm.Runtime, count int) error {
	thread := r.MainThread()
	scope := vm.NewHandleScope(thread)
	defer scope.Close()

	ctor := &vm.CodeStub{
		Names: []string{"x", "y", "z"},
		Code: []vm.Instruction{
			{Op: vm.OpLoadFast, Arg: 0},
			{Op: vm.OpStoreAttr, Arg: 0},
			{Op: vm.OpLoadFast, Arg: 0},
			{Op: vm.OpStoreAttr, Arg: 1},
			{Op: vm.OpLoadFast, Arg: 0},
			{Op: vm.OpStoreAttr, Arg: 2},
			{Op: vm.OpReturn},
		},
	}
	layout := scope.Handle(r.ComputeInitialLayout(ctor, vm.LayoutObject))
	id := r.LayoutIDOf(*layout)

	x := scope.Handle(r.Intern("x"))
	y := scope.Handle(r.Intern("y"))

	for i := 0; i < count; i++ {
		inner := vm.NewHandleScope(thread)
		obj := inner.Handle(r.NewInstance(id))
		if err := r.InstanceSetAttr(*obj, *x, vm.FromSmallInt(int64(i))); err != nil {
			inner.Close()
			return err
		}
		label := inner.Handle(r.NewStr(fmt.Sprintf("object-%d", i)))
		if err := r.InstanceSetAttr(*obj, *y, *label); err != nil {
			inner.Close()
			return err
		}
		// Every 64th object stays live on the thread stack.
		if i%64 == 0 {
			thread.Push(*obj)
		}
		inner.Close()
	}
	return nil
}

func writeSnapshot(r *vm.Runtime, m *manifest.Manifest) error {
	path := "snapshots.db"
	if m != nil {
		path = m.DatabasePath()
	}
	store, err := dump.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Save(dump.Capture(r))
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %d written to %s\n", id, path)
	return nil
}
