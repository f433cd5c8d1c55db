package vm

import (
	"errors"
	"fmt"
)

// LayoutID is the class-identity tag carried in every object header. Ids
// index the runtime's layout table; the width of the header field bounds
// how many layouts a runtime can ever create.
type LayoutID uint32

// Built-in layout ids. User-defined classes get ids from ReserveLayoutID.
const (
	LayoutInvalid LayoutID = iota
	LayoutObject
	LayoutBytes
	LayoutTuple
	LayoutLargeInt
	LayoutLargeStr
	LayoutFloat
	LayoutLayout
	LayoutWeakRef

	firstUserLayoutID
)

// MaxLayoutID is the largest representable layout id.
const MaxLayoutID = LayoutID(headerLayoutIDMask)

// Layout ops that fail recoverably return these.
var (
	ErrAttributeNotFound = errors.New("layout: attribute not found")
	ErrSealedLayout      = errors.New("layout: sealed layout accepts no new attributes")
	ErrReadOnlyAttribute = errors.New("layout: attribute is read-only")
)

// ---------------------------------------------------------------------------
// AttributeInfo
// ---------------------------------------------------------------------------

// AttributeFlags describe where and how an attribute is stored.
type AttributeFlags uword

const (
	AttrNone AttributeFlags = 0

	// AttrInObject marks an attribute stored directly in the instance. When
	// unset the attribute lives in the instance's overflow array.
	AttrInObject AttributeFlags = 1 << iota

	// AttrDeleted marks a tombstoned slot. The offset stays reserved; no
	// later layout reachable from this one reuses it.
	AttrDeleted

	// AttrFixedOffset pins the attribute at a native-visible offset; the
	// extension-compatibility layer reads it at a compile-time-known place.
	AttrFixedOffset

	// AttrReadOnly rejects stores from managed code.
	AttrReadOnly
)

// AttributeInfo packs an attribute's offset and flags into a SmallInt-shaped
// word so it can be stored directly in a layout's entry tuples.
//
// For in-object attributes the offset is a byte offset from the start of the
// instance payload; for overflow attributes it is an index into the overflow
// array.
type AttributeInfo uint64

const (
	attrOffsetBits   = 30
	attrOffsetOffset = smallIntTagBits
	attrOffsetMask   = (1 << attrOffsetBits) - 1

	attrFlagsOffset = attrOffsetOffset + attrOffsetBits
)

// MaxAttributeOffset is the largest encodable attribute offset.
const MaxAttributeOffset = attrOffsetMask

// NewAttributeInfo packs offset and flags.
// Panics if offset exceeds the field width.
func NewAttributeInfo(offset int, flags AttributeFlags) AttributeInfo {
	if offset < 0 || offset > MaxAttributeOffset {
		panic(fmt.Sprintf("NewAttributeInfo: offset %d out of range", offset))
	}
	return AttributeInfo(smallIntTag |
		uword(offset)<<attrOffsetOffset |
		uword(flags)<<attrFlagsOffset)
}

// Offset returns the byte offset (in-object) or array index (overflow).
func (a AttributeInfo) Offset() int {
	return int(uword(a) >> attrOffsetOffset & attrOffsetMask)
}

// Flags returns the attribute's flags.
func (a AttributeInfo) Flags() AttributeFlags {
	return AttributeFlags(uword(a) >> attrFlagsOffset)
}

// IsInObject returns true for attributes stored in the instance itself.
func (a AttributeInfo) IsInObject() bool { return a.Flags()&AttrInObject != 0 }

// IsOverflow returns true for attributes stored in the overflow array.
func (a AttributeInfo) IsOverflow() bool { return !a.IsInObject() }

// IsDeleted returns true for tombstoned slots.
func (a AttributeInfo) IsDeleted() bool { return a.Flags()&AttrDeleted != 0 }

// IsFixedOffset returns true for natively pinned attributes.
func (a AttributeInfo) IsFixedOffset() bool { return a.Flags()&AttrFixedOffset != 0 }

// IsReadOnly returns true for attributes managed code may not assign.
func (a AttributeInfo) IsReadOnly() bool { return a.Flags()&AttrReadOnly != 0 }

// asReference returns the info as a SmallInt Reference for storage in a
// layout entry.
func (a AttributeInfo) asReference() Reference { return Reference(a) }

// attributeInfoOf decodes an info Reference read back from a layout entry.
func attributeInfoOf(v Reference) AttributeInfo {
	if !v.IsSmallInt() {
		panic("attributeInfoOf: entry does not hold attribute info")
	}
	return AttributeInfo(v)
}

// ---------------------------------------------------------------------------
// Layout records
// ---------------------------------------------------------------------------

// Layout record slot indices. A Layout is itself a heap object; its
// attribute lists are immutable after publication, while the two edge lists
// are append-only and may grow under the record's lifetime.
const (
	layoutDescribedClassSlot = 0 // class object or name, or None
	layoutInObjectAttrsSlot  = 1 // tuple of (name, info) entry tuples
	layoutOverflowAttrsSlot  = 2 // tuple, or Unbound (sealed), or None (dict)
	layoutAdditionsSlot      = 3 // tuple of (name, child layout) pairs
	layoutDeletionsSlot      = 4 // tuple of (name, child layout) pairs
	layoutNumInObjectSlot    = 5 // SmallInt: in-object slot capacity
	layoutSlots              = 6
)

// LayoutIDOf returns the id of a layout record. A layout's identity hash
// doubles as its id.
func (r *Runtime) LayoutIDOf(layout Reference) LayoutID {
	return LayoutID(r.heap.HeaderOf(layout).Hash())
}

// LayoutAt returns the layout record registered under id, or None.
func (r *Runtime) LayoutAt(id LayoutID) Reference {
	if int(id) >= len(r.layouts) {
		return None
	}
	return r.layouts[id]
}

// layoutAtPut registers a layout record under id, growing the table.
func (r *Runtime) layoutAtPut(id LayoutID, layout Reference) {
	for int(id) >= len(r.layouts) {
		r.layouts = append(r.layouts, None)
	}
	r.layouts[id] = layout
}

// ReserveLayoutID allocates the next layout id. Exhausting the fixed-width
// id space is unrecoverable: every instance header must be able to name its
// layout.
func (r *Runtime) ReserveLayoutID() LayoutID {
	if r.nextLayoutID > MaxLayoutID {
		panic(fmt.Sprintf("pyre: layout id space exhausted at %d", r.nextLayoutID))
	}
	id := r.nextLayoutID
	r.nextLayoutID++
	return id
}

// LayoutNumInObjectSlots returns the layout's in-object slot capacity.
func (r *Runtime) LayoutNumInObjectSlots(layout Reference) int {
	return int(r.heap.InstanceAttr(layout, layoutNumInObjectSlot).SmallInt())
}

// LayoutDescribedClass returns the class a layout describes, or None.
func (r *Runtime) LayoutDescribedClass(layout Reference) Reference {
	return r.heap.InstanceAttr(layout, layoutDescribedClassSlot)
}

// LayoutSetDescribedClass installs the described class.
func (r *Runtime) LayoutSetDescribedClass(layout, class Reference) {
	r.heap.SetInstanceAttr(layout, layoutDescribedClassSlot, class)
}

// LayoutIsSealed returns true if the layout accepts no overflow attributes.
func (r *Runtime) LayoutIsSealed(layout Reference) bool {
	return r.heap.InstanceAttr(layout, layoutOverflowAttrsSlot).IsUnbound()
}

// layoutHasTupleOverflow returns true if overflow attributes are tracked in
// a tuple; sealed layouts and layouts whose overflow is an external
// dictionary are excluded.
func (r *Runtime) layoutHasTupleOverflow(layout Reference) bool {
	overflow := r.heap.InstanceAttr(layout, layoutOverflowAttrsSlot)
	return overflow.IsHeapRef() && r.heap.HeaderOf(overflow).LayoutID() == LayoutTuple
}

// layoutCreateEmpty allocates and registers a layout with no attributes and
// the given in-object capacity under a freshly reserved id.
func (r *Runtime) layoutCreateEmpty(numInObject int) Reference {
	return r.layoutCreateWithID(r.ReserveLayoutID(), numInObject)
}

// layoutCreateWithID builds an empty layout under a specific id; runtime
// initialization uses it to install the built-in layouts.
func (r *Runtime) layoutCreateWithID(id LayoutID, numInObject int) Reference {
	scope := NewHandleScope(r.thread)
	defer scope.Close()

	layout := scope.Handle(r.heap.NewLayout(id))
	r.layoutAtPut(id, *layout)
	r.heap.SetInstanceAttr(*layout, layoutInObjectAttrsSlot, r.emptyTuple)
	r.heap.SetInstanceAttr(*layout, layoutOverflowAttrsSlot, r.emptyTuple)
	r.heap.SetInstanceAttr(*layout, layoutAdditionsSlot, r.emptyTuple)
	r.heap.SetInstanceAttr(*layout, layoutDeletionsSlot, r.emptyTuple)
	r.heap.SetInstanceAttr(*layout, layoutNumInObjectSlot, FromSmallInt(int64(numInObject)))
	return *layout
}

// layoutCreateChild allocates and registers a successor of parent with the
// same attribute lists and capacity but fresh, empty edge lists.
func (r *Runtime) layoutCreateChild(parent Reference) Reference {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	parentH := scope.Handle(parent)

	id := r.ReserveLayoutID()
	child := scope.Handle(r.heap.NewLayout(id))
	r.layoutAtPut(id, *child)
	for _, slot := range [...]int{
		layoutDescribedClassSlot, layoutInObjectAttrsSlot,
		layoutOverflowAttrsSlot, layoutNumInObjectSlot,
	} {
		r.heap.SetInstanceAttr(*child, slot, r.heap.InstanceAttr(*parentH, slot))
	}
	r.heap.SetInstanceAttr(*child, layoutAdditionsSlot, r.emptyTuple)
	r.heap.SetInstanceAttr(*child, layoutDeletionsSlot, r.emptyTuple)
	return *child
}

// ---------------------------------------------------------------------------
// Transition graph
// ---------------------------------------------------------------------------

// layoutFollowEdge scans an edge list for name, returning the memoized
// child layout. Attribute names are interned, so one word comparison
// decides a match.
func (r *Runtime) layoutFollowEdge(edges, name Reference) (Reference, bool) {
	n := r.heap.TupleLength(edges)
	for i := 0; i < n; i += 2 {
		if r.heap.TupleAt(edges, i) == name {
			return r.heap.TupleAt(edges, i+1), true
		}
	}
	return None, false
}

// layoutAddEdge appends a (name, child) pair to one of layout's edge lists.
// Edge lists grow under a published layout; the attribute lists never do.
func (r *Runtime) layoutAddEdge(layout Reference, slot int, name, child Reference) {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	layoutH := scope.Handle(layout)

	edges := scope.Handle(r.heap.InstanceAttr(layout, slot))
	grown := scope.Handle(r.heap.NewTuple(r.heap.TupleLength(*edges) + 2))
	n := r.heap.TupleLength(*edges)
	for i := 0; i < n; i++ {
		r.heap.TupleAtPut(*grown, i, r.heap.TupleAt(*edges, i))
	}
	r.heap.TupleAtPut(*grown, n, name)
	r.heap.TupleAtPut(*grown, n+1, child)
	r.heap.SetInstanceAttr(*layoutH, slot, *grown)
}

// layoutEntryAppend returns a copy of an entry tuple with (name, info)
// appended.
func (r *Runtime) layoutEntryAppend(entries, name Reference, info AttributeInfo) Reference {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	entriesH := scope.Handle(entries)
	nameH := scope.Handle(name)

	n := r.heap.TupleLength(entries)
	grown := scope.Handle(r.heap.NewTuple(n + 2))
	for i := 0; i < n; i++ {
		r.heap.TupleAtPut(*grown, i, r.heap.TupleAt(*entriesH, i))
	}
	r.heap.TupleAtPut(*grown, n, *nameH)
	r.heap.TupleAtPut(*grown, n+1, info.asReference())
	return *grown
}

// layoutEntryTombstone returns a copy of an entry tuple with the entry at
// index i tombstoned: its name cleared and its info marked deleted, offset
// untouched. Slots are never compacted, so surviving attributes keep their
// offsets.
func (r *Runtime) layoutEntryTombstone(entries Reference, i int) Reference {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	entriesH := scope.Handle(entries)

	n := r.heap.TupleLength(entries)
	copied := scope.Handle(r.heap.NewTuple(n))
	for j := 0; j < n; j++ {
		r.heap.TupleAtPut(*copied, j, r.heap.TupleAt(*entriesH, j))
	}
	info := attributeInfoOf(r.heap.TupleAt(*entriesH, i+1))
	r.heap.TupleAtPut(*copied, i, None)
	r.heap.TupleAtPut(*copied, i+1,
		NewAttributeInfo(info.Offset(), info.Flags()|AttrDeleted).asReference())
	return *copied
}

// layoutFindEntry locates name in layout's attribute lists. Returns the
// info, the entry's index within its list, and which list held it.
func (r *Runtime) layoutFindEntry(layout, name Reference) (info AttributeInfo, index int, inObject, found bool) {
	entries := r.heap.InstanceAttr(layout, layoutInObjectAttrsSlot)
	n := r.heap.TupleLength(entries)
	for i := 0; i < n; i += 2 {
		if r.heap.TupleAt(entries, i) == name {
			return attributeInfoOf(r.heap.TupleAt(entries, i+1)), i, true, true
		}
	}
	if !r.layoutHasTupleOverflow(layout) {
		// Sealed or dictionary-overflow layouts defer to the dynamic
		// dictionary path entirely outside this core.
		return 0, 0, false, false
	}
	entries = r.heap.InstanceAttr(layout, layoutOverflowAttrsSlot)
	n = r.heap.TupleLength(entries)
	for i := 0; i < n; i += 2 {
		if r.heap.TupleAt(entries, i) == name {
			return attributeInfoOf(r.heap.TupleAt(entries, i+1)), i, false, true
		}
	}
	return 0, 0, false, false
}

// LayoutFindAttribute returns the storage info for name in layout.
// Tombstoned slots do not match.
func (r *Runtime) LayoutFindAttribute(layout, name Reference) (AttributeInfo, bool) {
	info, _, _, found := r.layoutFindEntry(layout, name)
	if !found || info.IsDeleted() {
		return 0, false
	}
	return info, true
}

// layoutNextInObjectOffset returns the first in-object byte offset past
// every entry already in the list, tombstones included: offsets are never
// reassigned, and fixed-offset builtins may sit past a gap of native
// fields, so the entry count understates the frontier.
func (r *Runtime) layoutNextInObjectOffset(entries Reference) int {
	next := 0
	n := r.heap.TupleLength(entries)
	for i := 0; i < n; i += 2 {
		info := attributeInfoOf(r.heap.TupleAt(entries, i+1))
		if end := info.Offset() + kPointerSize; end > next {
			next = end
		}
	}
	return next
}

// LayoutAddAttribute returns layout's successor after gaining name. An
// existing transition edge for name is reused without allocating; otherwise
// the attribute is placed at the first in-object offset past every existing
// entry, or appended to the overflow list once in-object capacity is
// exhausted, and a new child layout records it.
func (r *Runtime) LayoutAddAttribute(layout, name Reference, flags AttributeFlags) (Reference, error) {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	layoutH := scope.Handle(layout)
	nameH := scope.Handle(name)

	edges := r.heap.InstanceAttr(layout, layoutAdditionsSlot)
	if child, ok := r.layoutFollowEdge(edges, name); ok {
		return child, nil
	}

	inObject := r.heap.InstanceAttr(layout, layoutInObjectAttrsSlot)
	nextOffset := r.layoutNextInObjectOffset(inObject)
	capacity := r.LayoutNumInObjectSlots(layout)

	var listSlot int
	var info AttributeInfo
	switch {
	case nextOffset < capacity*kPointerSize:
		listSlot = layoutInObjectAttrsSlot
		info = NewAttributeInfo(nextOffset, flags|AttrInObject)
	case r.layoutHasTupleOverflow(layout):
		overflow := r.heap.InstanceAttr(layout, layoutOverflowAttrsSlot)
		listSlot = layoutOverflowAttrsSlot
		info = NewAttributeInfo(r.heap.TupleLength(overflow)/2, flags&^AttrInObject)
	default:
		return None, ErrSealedLayout
	}

	child := scope.Handle(r.layoutCreateChild(*layoutH))
	entries := r.heap.InstanceAttr(*child, listSlot)
	grown := r.layoutEntryAppend(entries, *nameH, info)
	r.heap.SetInstanceAttr(*child, listSlot, grown)
	r.layoutAddEdge(*layoutH, layoutAdditionsSlot, *nameH, *child)
	return *child, nil
}

// LayoutDeleteAttribute returns layout's successor after losing name. The
// slot is tombstoned in place, never compacted: attributes added after the
// deleted one keep their offsets, and the offset is never reassigned.
func (r *Runtime) LayoutDeleteAttribute(layout, name Reference) (Reference, error) {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	layoutH := scope.Handle(layout)
	nameH := scope.Handle(name)

	edges := r.heap.InstanceAttr(layout, layoutDeletionsSlot)
	if child, ok := r.layoutFollowEdge(edges, name); ok {
		return child, nil
	}

	info, index, inObject, found := r.layoutFindEntry(layout, name)
	if !found || info.IsDeleted() {
		return None, ErrAttributeNotFound
	}
	listSlot := layoutOverflowAttrsSlot
	if inObject {
		listSlot = layoutInObjectAttrsSlot
	}

	child := scope.Handle(r.layoutCreateChild(*layoutH))
	entries := r.heap.InstanceAttr(*child, listSlot)
	tombstoned := r.layoutEntryTombstone(entries, index)
	r.heap.SetInstanceAttr(*child, listSlot, tombstoned)
	r.layoutAddEdge(*layoutH, layoutDeletionsSlot, *nameH, *child)
	return *child, nil
}

// ---------------------------------------------------------------------------
// Initial layouts for classes
// ---------------------------------------------------------------------------

// ComputeInitialLayout creates the starting layout for a class whose
// constructor is summarized by init. The in-object capacity is the base
// layout's capacity plus the number of attributes the constructor appears
// to assign; the estimate is an optimization only, attributes beyond it
// spill to the overflow array.
func (r *Runtime) ComputeInitialLayout(init *CodeStub, baseID LayoutID) Reference {
	capacity := 0
	if base := r.LayoutAt(baseID); base.IsHeapRef() {
		capacity = r.LayoutNumInObjectSlots(base)
	}
	capacity += estimateInstanceAttrs(init)
	return r.layoutCreateEmpty(capacity)
}

// BuiltinAttribute describes an attribute with a native-visible location
// required by the extension-compatibility layer.
type BuiltinAttribute struct {
	Name  Reference
	Flags AttributeFlags
}

// LayoutCreateSubclassWithBuiltins creates a layout for a subclass of
// superID whose builtin attributes occupy fixed in-object offsets starting
// at baseOffset. The superclass's attributes keep their positions and
// always precede the subclass's, so native code can read struct fields at
// compile-time-known offsets no matter how many dynamic attributes are
// added later. Pass sealed to forbid overflow attributes entirely.
func (r *Runtime) LayoutCreateSubclassWithBuiltins(superID LayoutID, baseOffset int, builtins []BuiltinAttribute, sealed bool) Reference {
	scope := NewHandleScope(r.thread)
	defer scope.Close()

	super := r.LayoutAt(superID)
	superEntries := r.emptyTuple
	if super.IsHeapRef() {
		superEntries = r.heap.InstanceAttr(super, layoutInObjectAttrsSlot)
	}
	if baseOffset%kPointerSize != 0 {
		panic("LayoutCreateSubclassWithBuiltins: base offset misaligned")
	}
	if baseOffset < r.heap.TupleLength(superEntries)/2*kPointerSize {
		panic("LayoutCreateSubclassWithBuiltins: base offset overlaps superclass attributes")
	}

	capacity := baseOffset/kPointerSize + len(builtins)
	layout := scope.Handle(r.layoutCreateEmpty(capacity))
	entries := scope.Handle(superEntries)
	for i, builtin := range builtins {
		info := NewAttributeInfo(baseOffset+i*kPointerSize,
			builtin.Flags|AttrInObject|AttrFixedOffset)
		*entries = r.layoutEntryAppend(*entries, builtin.Name, info)
	}
	r.heap.SetInstanceAttr(*layout, layoutInObjectAttrsSlot, *entries)
	if sealed {
		r.heap.SetInstanceAttr(*layout, layoutOverflowAttrsSlot, Unbound)
	}
	return *layout
}

// ---------------------------------------------------------------------------
// Constructor scanning
// ---------------------------------------------------------------------------

// Opcode is the minimal bytecode vocabulary the layout estimator needs; the
// interpreter proper lives outside this core and shares these values.
type Opcode uint8

const (
	OpLoadFast Opcode = iota
	OpLoadConst
	OpStoreAttr
	OpReturn
)

// Instruction is one bytecode operation with its argument.
type Instruction struct {
	Op  Opcode
	Arg int
}

// CodeStub summarizes a constructor-like method: its name table and code.
type CodeStub struct {
	Names []string
	Code  []Instruction
}

// estimateInstanceAttrs counts distinct attributes the code assigns on its
// first parameter, recognizing only the shallow LOAD_FAST 0 / STORE_ATTR
// pattern a typical constructor produces. Anything cleverer is not worth
// it: a missed attribute merely lands in overflow storage.
func estimateInstanceAttrs(code *CodeStub) int {
	if code == nil {
		return 0
	}
	seen := make(map[string]struct{})
	for i := 1; i < len(code.Code); i++ {
		inst := code.Code[i]
		prev := code.Code[i-1]
		if inst.Op != OpStoreAttr || prev.Op != OpLoadFast || prev.Arg != 0 {
			continue
		}
		if inst.Arg < 0 || inst.Arg >= len(code.Names) {
			continue
		}
		seen[code.Names[inst.Arg]] = struct{}{}
	}
	return len(seen)
}
