package vm

import (
	"fmt"
	"math"
)

// Heap is the typed allocation façade over the runtime's two Spaces. It owns
// the active Space; the idle Space exists only while a collection runs. On
// exhaustion the Heap invokes the collector once and retries; if the retry
// still fails the process aborts, since every layer above depends on being
// able to allocate.
type Heap struct {
	space *Space
	size  uword

	// nextBase is the base address handed to the next Space. Bases grow
	// monotonically so from- and to-space addresses never collide.
	nextBase uword

	// collectGarbage is installed by the Runtime; the Heap has no knowledge
	// of roots.
	collectGarbage func()
}

// MinHeapSize is the smallest usable Space size.
const MinHeapSize = 64 * kPointerSize

// minimumAllocationSize covers a header word plus one payload word, so a
// fresh zero-length object still owns the word its payload address names.
// The pad word is outside objectSize: transport copies the exact object and
// packs to-space without it, and in from-space it stays zero (Spaces are
// fresh zero-filled mappings, never reused), so Walk steps over it as a
// non-header word.
const minimumAllocationSize = 2 * kPointerSize

// NewHeap creates a Heap with a single active Space of the given byte size.
func NewHeap(size uword) (*Heap, error) {
	if size < MinHeapSize {
		return nil, fmt.Errorf("heap: size %d below minimum %d", size, MinHeapSize)
	}
	size = roundUp(size, kPointerSize)
	h := &Heap{size: size, nextBase: spaceBaseAlign}
	space, err := h.newSpace()
	if err != nil {
		return nil, err
	}
	h.space = space
	return h, nil
}

// newSpace materializes a fresh Space at the next disjoint base address.
func (h *Heap) newSpace() (*Space, error) {
	s, err := NewSpace(h.nextBase, h.size)
	if err != nil {
		return nil, err
	}
	h.nextBase = roundUp(s.End(), spaceBaseAlign)
	return s, nil
}

// Space returns the active Space.
func (h *Heap) Space() *Space { return h.space }

// setSpace installs the collection target as the new active Space.
func (h *Heap) setSpace(s *Space) { h.space = s }

// Contains returns true if addr lies in the active Space.
func (h *Heap) Contains(addr uword) bool { return h.space.Contains(addr) }

// allocate carves size bytes out of the active Space and returns a heap
// Reference whose payload begins offset bytes into the allocation. Size must
// be pointer aligned and at least the minimum allocation size; violating
// either is a defect in the calling code.
//
// On exhaustion the collector runs once and the allocation is retried. A
// second failure is process-fatal: the live set does not fit a Space.
func (h *Heap) allocate(size, offset uword) Reference {
	if size%kPointerSize != 0 {
		panic(fmt.Sprintf("Heap.allocate: size %d not pointer aligned", size))
	}
	if size < minimumAllocationSize {
		panic(fmt.Sprintf("Heap.allocate: size %d below minimum", size))
	}
	for attempt := 0; attempt < 2 && size <= h.space.Size(); attempt++ {
		if addr, ok := h.space.Allocate(size); ok {
			return FromAddress(addr + offset)
		}
		if attempt == 0 {
			if h.collectGarbage == nil {
				break
			}
			h.collectGarbage()
		}
	}
	panic(fmt.Sprintf(
		"pyre: out of memory: %d bytes requested, %d of %d in use after collection",
		size, h.space.Used(), h.space.Size()))
}

// writeHeader installs the header (and count overflow word, when needed)
// for the object whose payload starts at obj.
func (h *Heap) writeHeader(obj Reference, count int, layoutID LayoutID, format Format) {
	if uword(count) >= headerCountOverflow {
		h.space.Store(obj.Address()-2*kPointerSize, uword(FromSmallInt(int64(count))))
	}
	setObjectHeader(h.space, obj, MakeHeader(count, headerUninitializedHash, layoutID, format))
}

// initPayload fills words payload slots with value.
func (h *Heap) initPayload(obj Reference, words int, value Reference) {
	addr := obj.Address()
	for i := 0; i < words; i++ {
		h.space.Store(addr+uword(i)*kPointerSize, uword(value))
	}
}

// ---------------------------------------------------------------------------
// Typed creation entry points
//
// Each wrapper computes the allocation size and payload offset, writes the
// header and initializes every payload field before returning. There is no
// window in which an allocated object lacks a valid header.
// ---------------------------------------------------------------------------

// NewBytes allocates a raw byte array of the given length, zero filled.
func (h *Heap) NewBytes(length int) Reference {
	if length < 0 {
		panic("Heap.NewBytes: negative length")
	}
	size := headerSize(length) + payloadSize(DataArray8, length)
	if size < minimumAllocationSize {
		size = minimumAllocationSize
	}
	obj := h.allocate(size, headerSize(length))
	h.writeHeader(obj, length, LayoutBytes, DataArray8)
	h.zeroPayload(obj, payloadSize(DataArray8, length))
	return obj
}

// NewLargeStr allocates a heap string of the given byte length. Strings
// short enough for the immediate encoding must use FromSmallStr instead;
// Runtime.NewStr picks the canonical representation.
func (h *Heap) NewLargeStr(length int) Reference {
	if length <= MaxSmallStrLength {
		panic("Heap.NewLargeStr: length fits the immediate encoding")
	}
	size := headerSize(length) + payloadSize(DataArray8, length)
	obj := h.allocate(size, headerSize(length))
	h.writeHeader(obj, length, LayoutLargeStr, DataArray8)
	h.zeroPayload(obj, payloadSize(DataArray8, length))
	return obj
}

// NewLargeInt allocates an integer with the given number of digit words.
func (h *Heap) NewLargeInt(numDigits int) Reference {
	if numDigits <= 0 {
		panic("Heap.NewLargeInt: digit count must be positive")
	}
	size := headerSize(numDigits) + payloadSize(DataArray64, numDigits)
	obj := h.allocate(size, headerSize(numDigits))
	h.writeHeader(obj, numDigits, LayoutLargeInt, DataArray64)
	h.initPayload(obj, numDigits, Reference(0))
	return obj
}

// NewFloat allocates a boxed float.
func (h *Heap) NewFloat(value float64) Reference {
	size := headerSize(1) + payloadSize(DataInstance, 1)
	obj := h.allocate(size, headerSize(1))
	h.writeHeader(obj, 1, LayoutFloat, DataInstance)
	h.space.Store(obj.Address(), math.Float64bits(value))
	return obj
}

// NewTuple allocates an array of length References, each initialized to
// None.
func (h *Heap) NewTuple(length int) Reference {
	if length < 0 {
		panic("Heap.NewTuple: negative length")
	}
	size := headerSize(length) + payloadSize(ObjectArray, length)
	if size < minimumAllocationSize {
		size = minimumAllocationSize
	}
	obj := h.allocate(size, headerSize(length))
	h.writeHeader(obj, length, LayoutTuple, ObjectArray)
	h.initPayload(obj, length, None)
	return obj
}

// NewInstance allocates a class instance with numSlots attribute slots, all
// initialized to None. The caller is responsible for installing the
// overflow tuple in the reserved final slot; Runtime.NewInstance does both.
func (h *Heap) NewInstance(layoutID LayoutID, numSlots int) Reference {
	if numSlots <= 0 {
		panic("Heap.NewInstance: instance needs at least the overflow slot")
	}
	size := headerSize(numSlots) + payloadSize(ObjectInstance, numSlots)
	obj := h.allocate(size, headerSize(numSlots))
	h.writeHeader(obj, numSlots, layoutID, ObjectInstance)
	h.initPayload(obj, numSlots, None)
	return obj
}

// NewLayout allocates an empty Layout record. The layout's id is stored in
// the header hash field: a layout's identity hash doubles as its id.
func (h *Heap) NewLayout(id LayoutID) Reference {
	size := headerSize(layoutSlots) + payloadSize(ObjectInstance, layoutSlots)
	obj := h.allocate(size, headerSize(layoutSlots))
	if uword(id) > headerHashMask {
		panic("Heap.NewLayout: layout id exceeds hash field")
	}
	setObjectHeader(h.space, obj,
		MakeHeader(layoutSlots, uword(id), LayoutLayout, ObjectInstance))
	h.initPayload(obj, layoutSlots, None)
	return obj
}

// NewWeakRef allocates a weak reference record for the given referent with
// an optional callback (None for none).
func (h *Heap) NewWeakRef(referent, callback Reference) Reference {
	size := headerSize(weakRefSlots) + payloadSize(ObjectInstance, weakRefSlots)
	obj := h.allocate(size, headerSize(weakRefSlots))
	h.writeHeader(obj, weakRefSlots, LayoutWeakRef, ObjectInstance)
	h.space.Store(obj.Address()+weakRefReferentSlot*kPointerSize, uword(referent))
	h.space.Store(obj.Address()+weakRefCallbackSlot*kPointerSize, uword(callback))
	h.space.Store(obj.Address()+weakRefLinkSlot*kPointerSize, uword(None))
	return obj
}

// zeroPayload clears size bytes of payload. Fresh mmap pages are already
// zero but recycled Space memory is not.
func (h *Heap) zeroPayload(obj Reference, size uword) {
	buf := h.space.Bytes(obj.Address(), size)
	for i := range buf {
		buf[i] = 0
	}
}

// ---------------------------------------------------------------------------
// Heap walking and verification
// ---------------------------------------------------------------------------

// Walk visits every object in the active Space in address order, calling
// visit for each. Returning false stops the walk.
func (h *Heap) Walk(visit func(obj Reference) bool) {
	scan := h.space.Start()
	for scan < h.space.Fill() {
		if !Reference(h.space.Load(scan)).IsHeader() {
			// Count overflow word before a header.
			scan += kPointerSize
			continue
		}
		obj := FromAddress(scan + kPointerSize)
		if !visit(obj) {
			return
		}
		scan = objectBaseAddress(h.space, obj) + objectSize(h.space, obj)
	}
}

// Verify checks structural invariants over the whole active Space: every
// object lies within the allocated region and every Reference field points
// at allocated memory. Returns nil or a description of the first violation.
func (h *Heap) Verify() error {
	s := h.space
	var failure error
	h.Walk(func(obj Reference) bool {
		base := objectBaseAddress(s, obj)
		end := base + objectSize(s, obj)
		switch {
		case base < s.Start():
			failure = fmt.Errorf("heap: object %#x starts before space", obj.Address())
		case obj.Address() < base:
			failure = fmt.Errorf("heap: object %#x payload precedes header", obj.Address())
		case obj.Address() > s.Fill() || end > s.Fill():
			failure = fmt.Errorf("heap: object %#x extends past fill pointer", obj.Address())
		}
		if failure != nil {
			return false
		}
		if !objectHeader(s, obj).Format().IsRoot() {
			return true
		}
		count := objectCount(s, obj)
		for i := 0; i < count; i++ {
			field := Reference(s.Load(obj.Address() + uword(i)*kPointerSize))
			if field.IsHeapRef() && !s.IsAllocated(field.Address()) {
				failure = fmt.Errorf(
					"heap: object %#x slot %d references unallocated %#x",
					obj.Address(), i, field.Address())
				return false
			}
		}
		return true
	})
	return failure
}
