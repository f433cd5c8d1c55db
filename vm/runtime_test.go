package vm

import (
	"strings"
	"testing"
)

func TestNewRuntimeDefaults(t *testing.T) {
	r := newTestRuntime(t)
	if r.ID() == "" {
		t.Error("runtime should carry an id")
	}
	if r.Heap() == nil || r.MainThread() == nil {
		t.Fatal("heap and main thread must exist")
	}
	if !r.LayoutAt(LayoutObject).IsHeapRef() {
		t.Error("base object layout should be installed")
	}
	if r.GCCount() != 0 {
		t.Error("fresh runtime should not have collected")
	}
}

func TestNewStrCanonicalRepresentation(t *testing.T) {
	r := newTestRuntime(t)

	short := r.NewStr("short")
	if !short.IsSmallStr() {
		t.Error("7 bytes or fewer should use the immediate encoding")
	}

	long := r.NewStr("definitely past seven bytes")
	if !long.IsHeapRef() {
		t.Fatal("long string should be heap allocated")
	}
	if got := r.Heap().StrString(long); got != "definitely past seven bytes" {
		t.Errorf("StrString = %q", got)
	}
}

func TestNewBytesValueCanonicalRepresentation(t *testing.T) {
	r := newTestRuntime(t)

	small := r.NewBytesValue([]byte{1, 2, 3})
	if !small.IsSmallBytes() {
		t.Error("3 bytes should use the immediate encoding")
	}

	big := r.NewBytesValue(make([]byte, 20))
	if !big.IsHeapRef() {
		t.Fatal("20 bytes should be heap allocated")
	}
	if r.Heap().BytesLength(big) != 20 {
		t.Errorf("length = %d, want 20", r.Heap().BytesLength(big))
	}
}

func TestInternCanonicalizes(t *testing.T) {
	r := newTestRuntime(t)

	// Short names are canonical by construction.
	if r.Intern("x") != r.Intern("x") {
		t.Error("short interned names should be word-equal")
	}
	if r.Intern("x") != FromSmallStr("x") {
		t.Error("short interned names use the immediate encoding")
	}

	// Long names hit the pool.
	a := r.Intern("a rather long attribute name")
	b := r.Intern("a rather long attribute name")
	if a != b {
		t.Error("interning the same long name twice should return one reference")
	}
	if a == r.Intern("a different long attribute name") {
		t.Error("distinct names must not alias")
	}
}

func TestInternedNamesSurviveCollection(t *testing.T) {
	r := newTestRuntime(t)

	before := r.Intern("survives the scavenger fine")
	r.CollectGarbage()
	after := r.Intern("survives the scavenger fine")

	// The pool is a root: it re-serves the relocated object.
	if !after.IsHeapRef() {
		t.Fatal("interned name lost")
	}
	if r.Heap().StrString(after) != "survives the scavenger fine" {
		t.Error("interned contents corrupted")
	}
	if after == before {
		t.Error("relocation should have changed the address")
	}
}

func TestHashImmediates(t *testing.T) {
	r := newTestRuntime(t)
	if r.Hash(FromSmallInt(5)) != r.Hash(FromSmallInt(5)) {
		t.Error("immediate hash should be stable")
	}
	if r.Hash(None) == r.Hash(True) {
		t.Error("distinct immediates should hash apart")
	}
}

func TestHashCachedAcrossCollection(t *testing.T) {
	r := newTestRuntime(t)
	thread := r.MainThread()

	obj := r.Heap().NewTuple(1)
	thread.Push(obj)
	first := r.Hash(obj)
	if first == headerUninitializedHash {
		t.Fatal("assigned hash must not be the sentinel")
	}
	if r.Hash(obj) != first {
		t.Fatal("hash should be cached")
	}

	r.CollectGarbage()
	moved := thread.Pop()
	if r.Hash(moved) != first {
		t.Error("identity hash must survive relocation")
	}
}

func TestModuleRegistry(t *testing.T) {
	r := newTestRuntime(t)

	mod := r.Heap().NewTuple(2)
	r.RegisterModule("os", mod)
	got, ok := r.FindModule("os")
	if !ok || got != mod {
		t.Fatalf("FindModule = (%v, %v)", got, ok)
	}
	if _, ok := r.FindModule("missing"); ok {
		t.Error("unknown module should not resolve")
	}

	// Re-registration replaces.
	other := r.Heap().NewTuple(1)
	r.RegisterModule("os", other)
	if got, _ := r.FindModule("os"); got != other {
		t.Error("re-registration should replace the module")
	}
}

func TestModulesAreRoots(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	mod := h.NewTuple(1)
	h.TupleAtPut(mod, 0, FromSmallInt(123))
	r.RegisterModule("data", mod)

	r.CollectGarbage()

	moved, ok := r.FindModule("data")
	if !ok {
		t.Fatal("module lost across collection")
	}
	if h.TupleAt(moved, 0).SmallInt() != 123 {
		t.Error("module contents corrupted")
	}
}

type sliceRoots struct {
	refs []Reference
}

func (s *sliceRoots) VisitRoots(visitor PointerVisitor) {
	for i := range s.refs {
		visitor.VisitPointer(&s.refs[i])
	}
}

func TestExternalRootProvider(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	provider := &sliceRoots{}
	r.AddRootProvider(provider)

	obj := h.NewTuple(1)
	h.TupleAtPut(obj, 0, FromSmallInt(9))
	provider.refs = append(provider.refs, obj)

	r.CollectGarbage()

	if provider.refs[0] == obj {
		t.Error("provider slot should have been updated in place")
	}
	if h.TupleAt(provider.refs[0], 0).SmallInt() != 9 {
		t.Error("provider-rooted object corrupted")
	}
}

func TestAttachThreadRootsCounted(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	aux := r.AttachThread()
	obj := h.NewTuple(1)
	h.TupleAtPut(obj, 0, FromSmallInt(4))
	aux.Push(obj)

	r.CollectGarbage()

	moved := aux.Pop()
	if h.TupleAt(moved, 0).SmallInt() != 4 {
		t.Error("auxiliary thread stack not treated as a root")
	}
}

func TestDrainPreservesPendingException(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	exc := r.NewStr("in-flight exception state")
	thread.SetPendingException(exc)
	thread.Push(r.NewWeakRef(h.NewTuple(1), r.NewStr("cb")))

	r.SetWeakCallbackInvoker(func(Reference, Reference) error {
		// A misbehaving callback leaves its own exception behind.
		thread.SetPendingException(True)
		return nil
	})
	r.CollectGarbage()

	got := thread.PendingException()
	if !got.IsHeapRef() || h.StrString(got) != "in-flight exception state" {
		t.Errorf("pending exception = %v, want the original state restored", got)
	}
}

func TestGCCountAndLastStats(t *testing.T) {
	r := newTestRuntime(t)
	r.CollectGarbage()
	stats := r.CollectGarbage()
	if r.GCCount() != 2 {
		t.Errorf("GCCount = %d, want 2", r.GCCount())
	}
	last := r.LastStats()
	if last.Timestamp != stats.Timestamp || last.ObjectsCopied != stats.ObjectsCopied {
		t.Error("LastStats should echo the most recent cycle")
	}
}

func TestAllocationTriggersCollection(t *testing.T) {
	r, err := NewRuntime(Config{HeapSize: MinHeapSize * 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.heap.space.Release() })

	// Churn far more than one space holds; automatic collections keep it
	// going because nothing stays live.
	for i := 0; i < 500; i++ {
		r.Heap().NewTuple(4)
	}
	if r.GCCount() == 0 {
		t.Error("allocation pressure should have triggered collections")
	}
	if err := r.Heap().Verify(); err != nil {
		t.Errorf("heap invalid after pressure: %v", err)
	}
}

func TestRuntimeIDsDistinct(t *testing.T) {
	a := newTestRuntime(t)
	b := newTestRuntime(t)
	if a.ID() == b.ID() {
		t.Error("runtimes should have distinct ids")
	}
	if len(strings.Split(a.ID(), "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", a.ID())
	}
}
