package vm

import "testing"

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := NewRuntime(Config{HeapSize: 1 << 16})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	t.Cleanup(func() { r.heap.space.Release() })
	return r
}

func TestScavengePreservesLiveObjects(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	tuple := h.NewTuple(3)
	h.TupleAtPut(tuple, 0, FromSmallInt(7))
	h.TupleAtPut(tuple, 1, r.NewStr("a long enough string"))
	h.TupleAtPut(tuple, 2, h.NewFloat(2.5))
	thread.Push(tuple)

	oldAddr := tuple.Address()
	r.CollectGarbage()

	moved := thread.Pop()
	if !moved.IsHeapRef() {
		t.Fatal("stack root should still be a heap reference")
	}
	if moved.Address() == oldAddr {
		t.Error("live object should have relocated to the new space")
	}
	if h.TupleAt(moved, 0).SmallInt() != 7 {
		t.Error("immediate element lost")
	}
	if got := h.StrString(h.TupleAt(moved, 1)); got != "a long enough string" {
		t.Errorf("string element = %q", got)
	}
	if got := h.FloatValue(h.TupleAt(moved, 2)); got != 2.5 {
		t.Errorf("float element = %v", got)
	}
	if err := h.Verify(); err != nil {
		t.Errorf("heap invalid after collection: %v", err)
	}
}

func TestScavengeReclaimsGarbage(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	for i := 0; i < 50; i++ {
		h.NewTuple(8)
	}
	before := h.Space().Used()
	stats := r.CollectGarbage()
	if h.Space().Used() >= before {
		t.Errorf("used %d after collection, want less than %d", h.Space().Used(), before)
	}
	if stats.Reclaimed() == 0 {
		t.Error("stats should report reclaimed bytes")
	}
	if stats.HeapUsedBefore != before {
		t.Errorf("HeapUsedBefore = %d, want %d", stats.HeapUsedBefore, before)
	}
}

func TestScavengeIdempotentWhenNothingDies(t *testing.T) {
	r := newTestRuntime(t)
	thread := r.MainThread()
	thread.Push(r.Heap().NewTuple(4))

	r.CollectGarbage()
	used := r.Heap().Space().Used()
	stats := r.CollectGarbage()
	if r.Heap().Space().Used() != used {
		t.Errorf("second collection changed live size: %d != %d", r.Heap().Space().Used(), used)
	}
	if stats.Reclaimed() != 0 {
		t.Errorf("second collection reclaimed %d bytes, want 0", stats.Reclaimed())
	}
}

func TestScavengeSharedObjectCopiedOnce(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	shared := h.NewTuple(1)
	a := h.NewTuple(1)
	b := h.NewTuple(1)
	h.TupleAtPut(a, 0, shared)
	h.TupleAtPut(b, 0, shared)
	thread.Push(a)
	thread.Push(b)

	r.CollectGarbage()

	b2 := thread.Pop()
	a2 := thread.Pop()
	if h.TupleAt(a2, 0) != h.TupleAt(b2, 0) {
		t.Error("both holders should see the same forwarded reference")
	}
}

func TestScavengeCycles(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	a := h.NewTuple(1)
	b := h.NewTuple(1)
	h.TupleAtPut(a, 0, b)
	h.TupleAtPut(b, 0, a)
	thread.Push(a)

	r.CollectGarbage()

	a2 := thread.Pop()
	b2 := h.TupleAt(a2, 0)
	if h.TupleAt(b2, 0) != a2 {
		t.Error("cycle should survive intact")
	}
}

func TestScavengeCountOverflowObject(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	big := h.NewTuple(300)
	h.TupleAtPut(big, 299, FromSmallInt(11))
	thread.Push(big)

	r.CollectGarbage()

	moved := thread.Pop()
	if h.TupleLength(moved) != 300 {
		t.Fatalf("length = %d, want 300", h.TupleLength(moved))
	}
	if h.TupleAt(moved, 299).SmallInt() != 11 {
		t.Error("payload lost through count overflow transport")
	}
}

func TestHandleScopePinsAcrossCollection(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	scope := NewHandleScope(r.MainThread())
	defer scope.Close()
	obj := scope.Handle(h.NewTuple(1))
	h.TupleAtPut(*obj, 0, FromSmallInt(3))

	old := *obj
	r.CollectGarbage()

	if *obj == old {
		t.Error("handle should have been updated in place")
	}
	if h.TupleAt(*obj, 0).SmallInt() != 3 {
		t.Error("handle no longer reaches the object's contents")
	}
}

// ---------------------------------------------------------------------------
// Weak references
// ---------------------------------------------------------------------------

func TestWeakRefLiveReferentSurvives(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	referent := h.NewTuple(1)
	weak := r.NewWeakRef(referent, None)
	thread.Push(referent)
	thread.Push(weak)

	stats := r.CollectGarbage()

	weak2 := thread.Pop()
	referent2 := thread.Pop()
	if h.WeakRefReferent(weak2) != referent2 {
		t.Error("weak record should point at the forwarded referent")
	}
	if stats.WeakRefsCleared != 0 {
		t.Errorf("WeakRefsCleared = %d, want 0", stats.WeakRefsCleared)
	}
}

func TestWeakRefDeadReferentCleared(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	weak := r.NewWeakRef(h.NewTuple(1), None)
	thread.Push(weak)

	stats := r.CollectGarbage()

	weak2 := thread.Pop()
	if !h.WeakRefReferent(weak2).IsNone() {
		t.Error("referent should be cleared to None")
	}
	if stats.WeakRefsCleared != 1 {
		t.Errorf("WeakRefsCleared = %d, want 1", stats.WeakRefsCleared)
	}
}

func TestWeakRefDoesNotKeepReferentAlive(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	// Collect once so only the runtime's own tables are live.
	r.CollectGarbage()
	baseline := h.Space().Used()

	weak := r.NewWeakRef(h.NewTuple(8), None)
	thread.Push(weak)

	stats := r.CollectGarbage()
	if stats.WeakRefsCleared != 1 {
		t.Fatalf("referent kept alive by its weak record")
	}
	// Only the weak record itself should remain beyond the baseline.
	weakSize := h.SizeOf(thread.Pop())
	if h.Space().Used() != baseline+weakSize {
		t.Errorf("used = %d, want baseline %d plus the weak record (%d)",
			h.Space().Used(), baseline, weakSize)
	}
}

func TestWeakRefCallbackInvoked(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	callback := r.NewStr("callback marker value")
	weak := r.NewWeakRef(h.NewTuple(1), callback)
	thread.Push(weak)

	var invoked []string
	r.SetWeakCallbackInvoker(func(cb, w Reference) error {
		invoked = append(invoked, h.StrString(cb))
		if h.WeakRefReferent(w) != None {
			t.Error("callback should observe a cleared referent")
		}
		return nil
	})

	stats := r.CollectGarbage()
	if stats.CallbacksPending != 1 {
		t.Errorf("CallbacksPending = %d, want 1", stats.CallbacksPending)
	}
	if len(invoked) != 1 || invoked[0] != "callback marker value" {
		t.Errorf("invoked = %v, want the one marker callback", invoked)
	}
}

func TestWeakRefNoCallbackNoQueue(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	thread.Push(r.NewWeakRef(h.NewTuple(1), None))
	called := false
	r.SetWeakCallbackInvoker(func(Reference, Reference) error {
		called = true
		return nil
	})

	stats := r.CollectGarbage()
	if stats.CallbacksPending != 0 || called {
		t.Error("record without a callback should not reach the invoker")
	}
}

func TestWeakRefChainAllCleared(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	cb := r.NewStr("shared callback object")
	for i := 0; i < 3; i++ {
		thread.Push(r.NewWeakRef(h.NewTuple(1), cb))
	}

	count := 0
	r.SetWeakCallbackInvoker(func(Reference, Reference) error {
		count++
		return nil
	})

	stats := r.CollectGarbage()
	if stats.WeakRefsCleared != 3 {
		t.Errorf("WeakRefsCleared = %d, want 3", stats.WeakRefsCleared)
	}
	if count != 3 {
		t.Errorf("invoked %d callbacks, want 3", count)
	}
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

func TestFinalizerRunsForDeadObject(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	obj := h.NewTuple(1)
	h.TupleAtPut(obj, 0, FromSmallInt(77))
	r.RegisterFinalizable(obj)

	var finalized []int64
	r.SetFinalizerHook(func(o Reference) error {
		finalized = append(finalized, h.TupleAt(o, 0).SmallInt())
		return nil
	})

	stats := r.CollectGarbage()
	if stats.FinalizersPending != 1 {
		t.Errorf("FinalizersPending = %d, want 1", stats.FinalizersPending)
	}
	if len(finalized) != 1 || finalized[0] != 77 {
		t.Errorf("finalized = %v, want [77]", finalized)
	}
	// The registry entry is consumed; a second collection runs nothing.
	finalized = nil
	r.CollectGarbage()
	if len(finalized) != 0 {
		t.Error("finalizer should run exactly once")
	}
}

func TestFinalizableSurvivorStaysRegistered(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	obj := h.NewTuple(1)
	r.RegisterFinalizable(obj)
	thread.Push(obj)

	count := 0
	r.SetFinalizerHook(func(Reference) error {
		count++
		return nil
	})

	r.CollectGarbage()
	if count != 0 {
		t.Fatal("live object must not be finalized")
	}

	// Drop the last strong reference; now it dies.
	thread.Pop()
	r.CollectGarbage()
	if count != 1 {
		t.Errorf("finalizer ran %d times after death, want 1", count)
	}
}

func TestFinalizableRegistrationIsNotARoot(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	r.CollectGarbage()
	baseline := h.Space().Used()

	r.RegisterFinalizable(h.NewTuple(8))
	r.CollectGarbage()
	if used := h.Space().Used(); used != baseline {
		t.Errorf("used = %d after finalizing the only workload object, want %d", used, baseline)
	}
}
