package vm

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// Runtime owns everything a running Pyre program needs below the
// interpreter: the Heap and its two Spaces, the layout table, the intern
// pool, the module registry, the thread list, and the registry of instances
// needing finalization. Every global table is walked as a GC root at every
// collection and torn down with the runtime; there is no implicit global
// state.
type Runtime struct {
	id   string
	heap *Heap

	// Root tables, in enumeration order.
	layouts    []Reference
	emptyTuple Reference
	interned   *internPool
	modules    *moduleRegistry
	threads    []*Thread

	// Additional root providers supplied by the interpreter layer.
	rootProviders []RootProvider

	// finalizable tracks instances whose native state must be released
	// when they die. It does not keep its entries alive.
	finalizable []Reference

	// thread is the main (and in practice only mutating) thread.
	thread *Thread

	nextLayoutID LayoutID

	// weakCallbackInvoker runs a weak record's callback; the interpreter
	// layer installs it. Same for finalizerHook.
	weakCallbackInvoker func(callback, weak Reference) error
	finalizerHook       func(obj Reference) error

	rand      *rand.Rand
	gcCount   uint64
	lastStats ScavengeStats

	log   commonlog.Logger
	gcLog commonlog.Logger
}

// Config carries runtime construction parameters.
type Config struct {
	// HeapSize is the byte size of each Space.
	HeapSize uint64
}

// DefaultHeapSize is used when Config.HeapSize is zero.
const DefaultHeapSize = 8 << 20

// NewRuntime constructs a runtime with a fresh heap and the built-in
// layouts installed.
func NewRuntime(config Config) (*Runtime, error) {
	size := config.HeapSize
	if size == 0 {
		size = DefaultHeapSize
	}
	heap, err := NewHeap(size)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		id:       uuid.New().String(),
		heap:     heap,
		interned: newInternPool(),
		modules:  newModuleRegistry(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      commonlog.GetLogger("pyre.runtime"),
		gcLog:    commonlog.GetLogger("pyre.gc"),
	}
	heap.collectGarbage = func() { r.CollectGarbage() }
	r.thread = newThread(r)
	r.threads = []*Thread{r.thread}
	r.emptyTuple = heap.NewTuple(0)
	r.initializeLayouts()
	return r, nil
}

// initializeLayouts installs the built-in layout records. Only kinds that
// carry attributes need one, but LayoutObject anchors every user class's
// transition graph.
func (r *Runtime) initializeLayouts() {
	r.nextLayoutID = firstUserLayoutID
	r.layoutCreateWithID(LayoutObject, 0)
}

// ID returns the runtime instance's unique identifier.
func (r *Runtime) ID() string { return r.id }

// Heap returns the runtime's heap.
func (r *Runtime) Heap() *Heap { return r.heap }

// MainThread returns the runtime's main thread.
func (r *Runtime) MainThread() *Thread { return r.thread }

// AttachThread records an additional thread whose stacks and handles count
// as roots. Only one thread runs managed code at a time.
func (r *Runtime) AttachThread() *Thread {
	t := newThread(r)
	r.threads = append(r.threads, t)
	return t
}

// AddRootProvider registers an external holder of live References, such as
// the interpreter's frame stacks. It is visited at every collection.
func (r *Runtime) AddRootProvider(p RootProvider) {
	r.rootProviders = append(r.rootProviders, p)
}

// SetWeakCallbackInvoker installs the routine that runs weak-reference
// callbacks during the post-collection drain.
func (r *Runtime) SetWeakCallbackInvoker(fn func(callback, weak Reference) error) {
	r.weakCallbackInvoker = fn
}

// SetFinalizerHook installs the routine that releases a finalizable
// instance's native state during the post-collection drain.
func (r *Runtime) SetFinalizerHook(fn func(obj Reference) error) {
	r.finalizerHook = fn
}

// RegisterFinalizable marks obj as needing finalization when it becomes
// unreachable. Registration alone does not keep obj alive.
func (r *Runtime) RegisterFinalizable(obj Reference) {
	if !obj.IsHeapRef() {
		panic("Runtime.RegisterFinalizable: not a heap object")
	}
	r.finalizable = append(r.finalizable, obj)
}

// RegisterModule records a module object in the module registry.
func (r *Runtime) RegisterModule(name string, module Reference) {
	r.modules.register(name, module)
}

// FindModule returns the module registered under name.
func (r *Runtime) FindModule(name string) (Reference, bool) {
	return r.modules.find(name)
}

// ---------------------------------------------------------------------------
// Value construction
// ---------------------------------------------------------------------------

// NewStr returns s in its canonical representation: the immediate encoding
// when it fits, a heap string otherwise.
func (r *Runtime) NewStr(s string) Reference {
	if len(s) <= MaxSmallStrLength {
		return FromSmallStr(s)
	}
	obj := r.heap.NewLargeStr(len(s))
	r.heap.BytesCopyFrom(obj, []byte(s))
	return obj
}

// NewBytesValue returns data in its canonical representation.
func (r *Runtime) NewBytesValue(data []byte) Reference {
	if len(data) <= MaxSmallStrLength {
		return FromSmallBytes(data)
	}
	obj := r.heap.NewBytes(len(data))
	r.heap.BytesCopyFrom(obj, data)
	return obj
}

// Intern returns the canonical Reference for s. Attribute names must be
// interned so layout lookups can compare by word equality.
func (r *Runtime) Intern(s string) Reference {
	if len(s) <= MaxSmallStrLength {
		return FromSmallStr(s)
	}
	return r.interned.intern(r.heap, s)
}

// NewWeakRef creates a weak reference record for referent with an optional
// callback (None for none). The record does not keep referent alive.
func (r *Runtime) NewWeakRef(referent, callback Reference) Reference {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	referentH := scope.Handle(referent)
	callbackH := scope.Handle(callback)
	weak := r.heap.NewWeakRef(None, None)
	r.heap.SetInstanceAttr(weak, weakRefReferentSlot, *referentH)
	r.heap.SetInstanceAttr(weak, weakRefCallbackSlot, *callbackH)
	return weak
}

// Hash returns the identity hash of v. Immediates hash from their bits;
// heap objects draw a random hash on first request and cache it in their
// header, so the hash survives relocation.
func (r *Runtime) Hash(v Reference) uword {
	if !v.IsHeapRef() {
		return v.immediateHash()
	}
	h := r.heap.HeaderOf(v)
	if hash := h.Hash(); hash != headerUninitializedHash {
		return hash
	}
	var hash uword
	for hash == headerUninitializedHash {
		hash = uword(r.rand.Uint64()) & headerHashMask
	}
	setObjectHeader(r.heap.space, v, h.WithHash(hash))
	return hash
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// CollectGarbage runs one synchronous stop-the-world collection and then
// drains pending weak callbacks and finalizers. It returns the cycle's
// statistics.
func (r *Runtime) CollectGarbage() ScavengeStats {
	callbacks, finalizers, stats := newScavenger(r).Scavenge()
	r.gcCount++
	r.lastStats = stats
	r.gcLog.Debugf("scavenge #%d: copied %d objects (%d bytes), reclaimed %d bytes in %s",
		r.gcCount, stats.ObjectsCopied, stats.BytesCopied, stats.Reclaimed(), stats.Duration)
	r.drainPending(callbacks, finalizers)
	return stats
}

// GCCount returns the number of collections performed.
func (r *Runtime) GCCount() uint64 { return r.gcCount }

// LastStats returns statistics from the most recent collection.
func (r *Runtime) LastStats() ScavengeStats { return r.lastStats }

// visitRoots enumerates every root-holding subsystem in documented order:
// the layout table, the canonical empty tuple, the intern pool, the module
// registry, each thread, then each registered provider.
func (r *Runtime) visitRoots(visitor PointerVisitor) {
	for i := range r.layouts {
		visitor.VisitPointer(&r.layouts[i])
	}
	visitor.VisitPointer(&r.emptyTuple)
	r.interned.visitRoots(visitor)
	r.modules.visitRoots(visitor)
	for _, t := range r.threads {
		t.visitRoots(visitor)
	}
	for _, p := range r.rootProviders {
		p.VisitRoots(visitor)
	}
}

// drainPending runs the weak callbacks and finalizers a collection queued.
// It runs after the stop-the-world section; callbacks may allocate and even
// trigger further collections. The pending-exception state present before
// the drain is saved and restored so a misbehaving callback cannot corrupt
// unrelated in-flight error state, and one callback's failure never stops
// the drain of the rest.
func (r *Runtime) drainPending(callbacks Reference, finalizers []Reference) {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	saved := scope.Handle(r.thread.pendingException)
	r.thread.ClearPendingException()

	// Handle everything up front: a drained callback may allocate and
	// trigger another collection, moving what is still queued.
	finalH := make([]*Reference, len(finalizers))
	for i := range finalizers {
		finalH[i] = scope.Handle(finalizers[i])
	}

	head := scope.Handle(callbacks)
	for !(*head).IsNone() {
		var weak Reference
		weak, *head = weakDequeue(r.heap.space, *head)
		weakH := scope.Handle(weak)
		callback := r.heap.WeakRefCallback(*weakH)
		if r.weakCallbackInvoker == nil {
			continue
		}
		if err := r.weakCallbackInvoker(callback, *weakH); err != nil {
			r.log.Errorf("weak callback failed: %v", err)
		}
		r.thread.ClearPendingException()
	}

	for _, obj := range finalH {
		if r.finalizerHook == nil {
			continue
		}
		if err := r.finalizerHook(*obj); err != nil {
			r.log.Errorf("finalizer failed: %v", err)
		}
		r.thread.ClearPendingException()
	}

	r.thread.SetPendingException(*saved)
}
