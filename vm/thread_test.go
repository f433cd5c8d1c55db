package vm

import "testing"

func TestThreadStack(t *testing.T) {
	r := newTestRuntime(t)
	thread := r.MainThread()

	thread.Push(FromSmallInt(1))
	thread.Push(FromSmallInt(2))
	if thread.StackDepth() != 2 {
		t.Errorf("depth = %d, want 2", thread.StackDepth())
	}
	if thread.Pop().SmallInt() != 2 || thread.Pop().SmallInt() != 1 {
		t.Error("stack should be LIFO")
	}

	defer func() {
		if recover() == nil {
			t.Error("Pop on an empty stack should panic")
		}
	}()
	thread.Pop()
}

func TestThreadPendingException(t *testing.T) {
	r := newTestRuntime(t)
	thread := r.MainThread()

	if !thread.PendingException().IsNone() {
		t.Error("fresh thread should have no pending exception")
	}
	thread.SetPendingException(True)
	if thread.PendingException() != True {
		t.Error("pending exception not stored")
	}
	thread.ClearPendingException()
	if !thread.PendingException().IsNone() {
		t.Error("ClearPendingException should reset to None")
	}
}

func TestHandleScopeNesting(t *testing.T) {
	r := newTestRuntime(t)
	thread := r.MainThread()

	outer := NewHandleScope(thread)
	a := outer.Handle(FromSmallInt(1))
	inner := NewHandleScope(thread)
	b := inner.Handle(FromSmallInt(2))

	if a.SmallInt() != 1 || b.SmallInt() != 2 {
		t.Error("handles should read back their values")
	}
	inner.Close()
	outer.Close()
}

func TestHandleScopeCloseOutOfOrder(t *testing.T) {
	r := newTestRuntime(t)
	thread := r.MainThread()

	outer := NewHandleScope(thread)
	inner := NewHandleScope(thread)
	defer func() {
		if recover() == nil {
			t.Error("closing the outer scope first should panic")
		}
		inner.Close()
		outer.Close()
	}()
	outer.Close()
}

func TestNestedScopesAllPinned(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	thread := r.MainThread()

	outer := NewHandleScope(thread)
	defer outer.Close()
	a := outer.Handle(h.NewTuple(1))
	h.TupleAtPut(*a, 0, FromSmallInt(1))

	inner := NewHandleScope(thread)
	defer inner.Close()
	b := inner.Handle(h.NewTuple(1))
	h.TupleAtPut(*b, 0, FromSmallInt(2))

	r.CollectGarbage()

	if h.TupleAt(*a, 0).SmallInt() != 1 || h.TupleAt(*b, 0).SmallInt() != 2 {
		t.Error("handles in both scopes should survive the collection")
	}
}
