package vm

import "math"

// Free functions reading and writing heap objects through a Space. The
// collector uses these against both Spaces mid-collection; the Heap wraps
// them for the active Space. Addresses are always payload addresses as
// carried by heap References.

// objectHeader returns the header of obj. Panics if obj has been forwarded;
// the collector must check objectIsForwarding first.
func objectHeader(s *Space, obj Reference) Header {
	word := Reference(s.Load(obj.Address() - kPointerSize))
	if !word.IsHeader() {
		panic("objectHeader: header slot does not hold a header")
	}
	return Header(word)
}

// setObjectHeader replaces the header word of obj.
func setObjectHeader(s *Space, obj Reference, h Header) {
	s.Store(obj.Address()-kPointerSize, uword(h))
}

// objectIsForwarding returns true if obj's header slot has been overwritten
// with a forwarding reference during a collection.
func objectIsForwarding(s *Space, obj Reference) bool {
	return Reference(s.Load(obj.Address() - kPointerSize)).IsHeapRef()
}

// objectForward returns the forwarding reference installed over obj's
// header. Panics if obj has not been forwarded.
func objectForward(s *Space, obj Reference) Reference {
	word := Reference(s.Load(obj.Address() - kPointerSize))
	if !word.IsHeapRef() {
		panic("objectForward: object not forwarded")
	}
	return word
}

// forwardObjectTo overwrites obj's header with a forwarding reference to
// target. Only the collector calls this, after transporting the payload.
func forwardObjectTo(s *Space, obj, target Reference) {
	s.Store(obj.Address()-kPointerSize, uword(target))
}

// objectCount returns the element or attribute count of obj, reading the
// count overflow word when present.
func objectCount(s *Space, obj Reference) int {
	h := objectHeader(s, obj)
	if h.hasCountOverflow() {
		count := Reference(s.Load(obj.Address() - 2*kPointerSize))
		return int(count.SmallInt())
	}
	return int(h.countField())
}

// objectBaseAddress returns the first byte of obj's allocation: the header,
// or the count overflow word when present.
func objectBaseAddress(s *Space, obj Reference) uword {
	h := objectHeader(s, obj)
	if h.hasCountOverflow() {
		return obj.Address() - 2*kPointerSize
	}
	return obj.Address() - kPointerSize
}

// objectSize returns the total allocation size of obj in bytes, header
// included. The result is always a multiple of the pointer size.
func objectSize(s *Space, obj Reference) uword {
	h := objectHeader(s, obj)
	count := objectCount(s, obj)
	return headerSize(count) + payloadSize(h.Format(), count)
}

// ---------------------------------------------------------------------------
// Mutator-facing accessors (active Space via Heap)
// ---------------------------------------------------------------------------

// HeaderOf returns obj's header.
func (h *Heap) HeaderOf(obj Reference) Header {
	return objectHeader(h.space, obj)
}

// CountOf returns obj's element or attribute count.
func (h *Heap) CountOf(obj Reference) int {
	return objectCount(h.space, obj)
}

// SizeOf returns obj's total allocation size in bytes.
func (h *Heap) SizeOf(obj Reference) uword {
	return objectSize(h.space, obj)
}

// TupleLength returns the number of elements in a tuple.
func (h *Heap) TupleLength(obj Reference) int {
	return objectCount(h.space, obj)
}

// TupleAt returns element i of a tuple.
func (h *Heap) TupleAt(obj Reference, i int) Reference {
	h.checkIndex(obj, i)
	return Reference(h.space.Load(obj.Address() + uword(i)*kPointerSize))
}

// TupleAtPut sets element i of a tuple.
func (h *Heap) TupleAtPut(obj Reference, i int, value Reference) {
	h.checkIndex(obj, i)
	h.space.Store(obj.Address()+uword(i)*kPointerSize, uword(value))
}

// BytesLength returns the byte length of a heap bytes object or large
// string.
func (h *Heap) BytesLength(obj Reference) int {
	return objectCount(h.space, obj)
}

// BytesAt returns byte i of a heap bytes object or large string.
func (h *Heap) BytesAt(obj Reference, i int) byte {
	h.checkIndex(obj, i)
	return h.space.LoadByte(obj.Address() + uword(i))
}

// BytesAtPut sets byte i of a heap bytes object or large string.
func (h *Heap) BytesAtPut(obj Reference, i int, b byte) {
	h.checkIndex(obj, i)
	h.space.StoreByte(obj.Address()+uword(i), b)
}

// BytesCopyFrom fills a heap bytes object or large string from data.
func (h *Heap) BytesCopyFrom(obj Reference, data []byte) {
	if len(data) != objectCount(h.space, obj) {
		panic("Heap.BytesCopyFrom: length mismatch")
	}
	copy(h.space.Bytes(obj.Address(), uword(len(data))), data)
}

// StrString returns the contents of a large string as a Go string.
func (h *Heap) StrString(obj Reference) string {
	n := objectCount(h.space, obj)
	return string(h.space.Bytes(obj.Address(), uword(n)))
}

// FloatValue returns the float payload of a boxed float.
func (h *Heap) FloatValue(obj Reference) float64 {
	return math.Float64frombits(h.space.Load(obj.Address()))
}

// LargeIntDigit returns word i of a large integer's digit array.
func (h *Heap) LargeIntDigit(obj Reference, i int) uword {
	h.checkIndex(obj, i)
	return h.space.Load(obj.Address() + uword(i)*kPointerSize)
}

// LargeIntSetDigit sets word i of a large integer's digit array.
func (h *Heap) LargeIntSetDigit(obj Reference, i int, digit uword) {
	h.checkIndex(obj, i)
	h.space.Store(obj.Address()+uword(i)*kPointerSize, digit)
}

// InstanceAttr returns attribute slot i of a class instance. The slot index
// is a word index into the instance payload, as assigned by its Layout.
func (h *Heap) InstanceAttr(obj Reference, i int) Reference {
	h.checkIndex(obj, i)
	return Reference(h.space.Load(obj.Address() + uword(i)*kPointerSize))
}

// SetInstanceAttr sets attribute slot i of a class instance.
func (h *Heap) SetInstanceAttr(obj Reference, i int, value Reference) {
	h.checkIndex(obj, i)
	h.space.Store(obj.Address()+uword(i)*kPointerSize, uword(value))
}

// checkIndex asserts that i is inside obj's count.
func (h *Heap) checkIndex(obj Reference, i int) {
	if i < 0 || i >= objectCount(h.space, obj) {
		panic("Heap: index out of range")
	}
}

// ---------------------------------------------------------------------------
// Weak reference records
// ---------------------------------------------------------------------------

// Weak reference slot indices. A weak record is an ObjectInstance with the
// referent first: the collector relies on skipping exactly one word when it
// defers an undecided record.
const (
	weakRefReferentSlot = 0
	weakRefCallbackSlot = 1
	weakRefLinkSlot     = 2
	weakRefSlots        = 3
)

// WeakRefReferent returns the referent of a weak reference record, or None
// if it has been cleared.
func (h *Heap) WeakRefReferent(obj Reference) Reference {
	return h.InstanceAttr(obj, weakRefReferentSlot)
}

// WeakRefCallback returns the callback of a weak reference record, or None.
func (h *Heap) WeakRefCallback(obj Reference) Reference {
	return h.InstanceAttr(obj, weakRefCallbackSlot)
}

// weakEnqueue pushes a weak record onto a link-chained list, returning the
// new head. Collector-internal; operates on the given Space.
func weakEnqueue(s *Space, weak, head Reference) Reference {
	s.Store(weak.Address()+weakRefLinkSlot*kPointerSize, uword(head))
	return weak
}

// weakDequeue pops the head record off a link-chained list, returning the
// record and the new head.
func weakDequeue(s *Space, head Reference) (Reference, Reference) {
	next := Reference(s.Load(head.Address() + weakRefLinkSlot*kPointerSize))
	s.Store(head.Address()+weakRefLinkSlot*kPointerSize, uword(None))
	return head, next
}
