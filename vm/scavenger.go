package vm

import (
	"fmt"
	"time"
)

// PointerVisitor is the contract between the collector and every
// root-holding subsystem. VisitPointer receives the address of a Reference
// slot and may replace its contents in place; the collector uses this to
// install forwarding results.
type PointerVisitor interface {
	VisitPointer(ref *Reference)
}

// RootProvider enumerates live References held outside the heap. The
// Runtime visits its own tables and every registered provider once per
// collection.
type RootProvider interface {
	VisitRoots(visitor PointerVisitor)
}

// Scavenger is the copying garbage collector. It runs stop-the-world on the
// thread that triggered it: roots are scanned with copy-and-forward, then a
// scan cursor floods the target Space until it reaches a fixed point
// (Cheney's algorithm), weak references whose liveness was undecided are
// resolved last, and finally the target Space becomes the active one.
//
// A Scavenger is single use; Runtime.CollectGarbage constructs one per
// cycle.
type Scavenger struct {
	runtime *Runtime
	heap    *Heap
	from    *Space
	to      *Space

	// scan is the flood-scan cursor through the target Space. It persists
	// across processGrayObjects calls so finalizable promotion can resume
	// the scan where it stopped.
	scan uword

	// delayedReferences chains weak records pulled out of the normal scan
	// because their referent's liveness was still undecided.
	delayedReferences Reference

	// delayedCallbacks chains cleared weak records whose callbacks the
	// runtime must drain after the collection.
	delayedCallbacks Reference

	stats ScavengeStats
}

// newScavenger prepares a collection of the runtime's active Space.
func newScavenger(r *Runtime) *Scavenger {
	return &Scavenger{
		runtime:           r,
		heap:              r.heap,
		from:              r.heap.Space(),
		delayedReferences: None,
		delayedCallbacks:  None,
	}
}

// Scavenge copies every reachable object into a fresh Space and retires the
// old one. It returns the chain of weak records with pending callbacks, the
// promoted finalizable objects awaiting their finalizers, and the cycle's
// statistics. The caller drains both lists outside the stop-the-world
// section.
func (s *Scavenger) Scavenge() (Reference, []Reference, ScavengeStats) {
	start := time.Now()
	s.stats.HeapUsedBefore = s.from.Used()

	to, err := s.heap.newSpace()
	if err != nil {
		panic(fmt.Sprintf("pyre: cannot reserve collection space: %v", err))
	}
	s.to = to
	s.scan = to.Start()

	s.processRoots()
	s.processGrayObjects()
	pending := s.processFinalizable()
	s.processDelayedReferences()

	s.heap.setSpace(s.to)
	s.from.Release()

	s.stats.HeapUsedAfter = s.to.Used()
	s.stats.FinalizersPending = len(pending)
	s.stats.Duration = time.Since(start)
	s.stats.Timestamp = start
	return s.delayedCallbacks, pending, s.stats
}

// VisitPointer implements PointerVisitor; root providers hand every root
// slot to this method.
func (s *Scavenger) VisitPointer(ref *Reference) {
	s.scavengePointer(ref)
}

// scavengePointer resolves one Reference slot: heap references into the old
// Space are replaced with their forwarding reference, copying the object
// first if it has not been moved yet. Everything else is left untouched.
func (s *Scavenger) scavengePointer(ref *Reference) {
	if !ref.IsHeapRef() {
		return
	}
	if !s.from.Contains(ref.Address()) {
		return
	}
	if objectIsForwarding(s.from, *ref) {
		*ref = objectForward(s.from, *ref)
	} else {
		*ref = s.transport(*ref)
	}
}

// scavengeWord applies scavengePointer to the Reference stored at addr in
// the target Space.
func (s *Scavenger) scavengeWord(addr uword) {
	ref := Reference(s.to.Load(addr))
	resolved := ref
	s.scavengePointer(&resolved)
	if resolved != ref {
		s.to.Store(addr, uword(resolved))
	}
}

// processRoots visits every root-holding subsystem.
func (s *Scavenger) processRoots() {
	s.runtime.visitRoots(s)
}

// processGrayObjects advances the scan cursor through the target Space,
// resolving every Reference field of every scanned object, until the cursor
// catches up with the fill pointer. Objects copied in by the scan itself
// extend the fill pointer and are scanned in turn; no auxiliary queue is
// needed.
func (s *Scavenger) processGrayObjects() {
	for s.scan < s.to.Fill() {
		if !Reference(s.to.Load(s.scan)).IsHeader() {
			// Count overflow word preceding a header.
			s.scan += kPointerSize
			continue
		}
		obj := FromAddress(s.scan + kPointerSize)
		end := objectBaseAddress(s.to, obj) + objectSize(s.to, obj)
		header := objectHeader(s.to, obj)
		if !header.Format().IsRoot() {
			s.scan = end
			continue
		}
		s.scan += kPointerSize
		if header.LayoutID() == LayoutWeakRef && s.hasWhiteReferent(obj) {
			// Undecided liveness: resolving the referent now would force
			// an otherwise-dead object to survive. Defer the record and
			// skip over the referent field.
			s.delayedReferences = weakEnqueue(s.to, obj, s.delayedReferences)
			s.scan += kPointerSize
		}
		for ; s.scan < end; s.scan += kPointerSize {
			s.scavengeWord(s.scan)
		}
	}
}

// hasWhiteReferent reports whether the weak record's referent has not yet
// been copied out of the old Space.
func (s *Scavenger) hasWhiteReferent(weak Reference) bool {
	referent := Reference(s.to.Load(weak.Address() + weakRefReferentSlot*kPointerSize))
	if !referent.IsHeapRef() || !s.from.Contains(referent.Address()) {
		return false
	}
	return !objectIsForwarding(s.from, referent)
}

// processFinalizable walks the runtime's registry of instances needing
// finalization. Survivors stay registered under their forwarded reference;
// the rest are promoted into the target Space and queued for the finalizer
// drain, since finalizers may re-enter the runtime and need a valid object.
func (s *Scavenger) processFinalizable() []Reference {
	var pending []Reference
	kept := s.runtime.finalizable[:0]
	for _, ref := range s.runtime.finalizable {
		if !ref.IsHeapRef() || !s.from.Contains(ref.Address()) {
			kept = append(kept, ref)
			continue
		}
		if objectIsForwarding(s.from, ref) {
			kept = append(kept, objectForward(s.from, ref))
			continue
		}
		promoted := s.transport(ref)
		s.processGrayObjects()
		pending = append(pending, promoted)
	}
	s.runtime.finalizable = kept
	return pending
}

// processDelayedReferences resolves the deferred weak records once the
// flood scan has reached a fixed point. A referent forwarded in the
// meantime was kept alive by something else; otherwise the referent is
// cleared and the record queued for its callback, if it has one.
func (s *Scavenger) processDelayedReferences() {
	for s.delayedReferences != None {
		var weak Reference
		weak, s.delayedReferences = weakDequeue(s.to, s.delayedReferences)
		addr := weak.Address() + weakRefReferentSlot*kPointerSize
		referent := Reference(s.to.Load(addr))
		if !referent.IsHeapRef() {
			continue
		}
		if objectIsForwarding(s.from, referent) {
			s.to.Store(addr, uword(objectForward(s.from, referent)))
			continue
		}
		s.to.Store(addr, uword(None))
		s.stats.WeakRefsCleared++
		callback := Reference(s.to.Load(weak.Address() + weakRefCallbackSlot*kPointerSize))
		if callback != None {
			s.delayedCallbacks = weakEnqueue(s.to, weak, s.delayedCallbacks)
			s.stats.CallbacksPending++
		}
	}
}

// transport copies one object into the target Space and installs a
// forwarding reference over its old header. Relative object order is not
// preserved; discovery order decides placement.
func (s *Scavenger) transport(old Reference) Reference {
	base := objectBaseAddress(s.from, old)
	size := objectSize(s.from, old)
	addr, ok := s.to.Allocate(size)
	if !ok {
		panic(fmt.Sprintf(
			"pyre: live set exceeds space: %d bytes needed at %d of %d",
			size, s.to.Used(), s.to.Size()))
	}
	s.to.CopyFrom(s.from, base, addr, size)
	moved := FromAddress(addr + (old.Address() - base))
	forwardObjectTo(s.from, old, moved)
	s.stats.ObjectsCopied++
	s.stats.BytesCopied += int(size)
	return moved
}
