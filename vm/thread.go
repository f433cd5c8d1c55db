package vm

// Thread is the per-logical-thread bookkeeping record. Only one thread runs
// managed code at a time; the thread list exists so every thread's call
// stack, handle scopes and pending-exception slot are enumerated as GC
// roots.
type Thread struct {
	runtime *Runtime

	// stack holds call-stack value slots pushed by the interpreter layer.
	stack []Reference

	// scopes is the stack of open handle scopes.
	scopes []*HandleScope

	// pendingException is the in-flight exception, or None.
	pendingException Reference
}

func newThread(r *Runtime) *Thread {
	return &Thread{runtime: r, pendingException: None}
}

// Runtime returns the runtime this thread belongs to.
func (t *Thread) Runtime() *Runtime { return t.runtime }

// Push pushes a value onto the thread's stack. Stack slots are GC roots: a
// pushed heap reference stays valid (possibly relocated) across
// collections.
func (t *Thread) Push(v Reference) {
	t.stack = append(t.stack, v)
}

// Pop removes and returns the top of the thread's stack.
func (t *Thread) Pop() Reference {
	n := len(t.stack)
	if n == 0 {
		panic("Thread.Pop: stack underflow")
	}
	v := t.stack[n-1]
	t.stack = t.stack[:n-1]
	return v
}

// StackDepth returns the number of values on the thread's stack.
func (t *Thread) StackDepth() int { return len(t.stack) }

// PendingException returns the thread's pending exception, or None.
func (t *Thread) PendingException() Reference { return t.pendingException }

// SetPendingException installs v as the thread's pending exception.
func (t *Thread) SetPendingException(v Reference) { t.pendingException = v }

// ClearPendingException resets the pending exception to None.
func (t *Thread) ClearPendingException() { t.pendingException = None }

// visitRoots enumerates the thread's roots: stack slots bottom to top, then
// every handle in every open scope, then the pending-exception slot.
func (t *Thread) visitRoots(visitor PointerVisitor) {
	for i := range t.stack {
		visitor.VisitPointer(&t.stack[i])
	}
	for _, scope := range t.scopes {
		for _, h := range scope.handles {
			visitor.VisitPointer(h)
		}
	}
	visitor.VisitPointer(&t.pendingException)
}

// ---------------------------------------------------------------------------
// Handle scopes
// ---------------------------------------------------------------------------

// HandleScope pins References held in Go locals across allocations. Any
// heap reference a caller keeps across a possible collection must live in a
// handle; the collector updates handles in place when objects move.
type HandleScope struct {
	thread  *Thread
	handles []*Reference
}

// NewHandleScope opens a scope on t. Scopes nest; close them in reverse
// order (defer scope.Close()).
func NewHandleScope(t *Thread) *HandleScope {
	s := &HandleScope{thread: t}
	t.scopes = append(t.scopes, s)
	return s
}

// Handle registers v in the scope and returns a stable pointer to it. Read
// the pointer again after any operation that may allocate.
func (s *HandleScope) Handle(v Reference) *Reference {
	h := new(Reference)
	*h = v
	s.handles = append(s.handles, h)
	return h
}

// Close pops the scope. Panics if scopes are closed out of order.
func (s *HandleScope) Close() {
	t := s.thread
	n := len(t.scopes)
	if n == 0 || t.scopes[n-1] != s {
		panic("HandleScope.Close: scopes closed out of order")
	}
	t.scopes = t.scopes[:n-1]
	s.handles = nil
}
