package vm

// Instance attribute access. Instances store in-object attributes at the
// byte offsets their layout assigns and everything else in the overflow
// tuple held by the instance's reserved final slot. Attribute additions and
// deletions move the instance to a successor layout; the instance's
// allocation never changes size, since every layout reachable from its
// initial one shares the same in-object capacity.

// NewInstance allocates an instance governed by the layout registered under
// id. Every slot starts as None and the reserved overflow slot points at
// the canonical empty overflow array.
func (r *Runtime) NewInstance(id LayoutID) Reference {
	layout := r.LayoutAt(id)
	if !layout.IsHeapRef() {
		panic("Runtime.NewInstance: no layout registered for id")
	}
	slots := r.LayoutNumInObjectSlots(layout) + 1
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	inst := scope.Handle(r.heap.NewInstance(id, slots))
	r.heap.SetInstanceAttr(*inst, slots-1, r.emptyTuple)
	return *inst
}

// InstanceLayout returns the layout record governing obj's storage.
func (r *Runtime) InstanceLayout(obj Reference) Reference {
	return r.LayoutAt(r.heap.HeaderOf(obj).LayoutID())
}

// instanceOverflowSlot returns the word index of the reserved overflow
// slot, which always sits after the in-object capacity.
func (r *Runtime) instanceOverflowSlot(layout Reference) int {
	return r.LayoutNumInObjectSlots(layout)
}

// InstanceGetAttr reads the named attribute from obj, resolving its storage
// location through obj's layout.
func (r *Runtime) InstanceGetAttr(obj, name Reference) (Reference, error) {
	layout := r.InstanceLayout(obj)
	info, found := r.LayoutFindAttribute(layout, name)
	if !found {
		return None, ErrAttributeNotFound
	}
	if info.IsInObject() {
		return r.heap.InstanceAttr(obj, info.Offset()/kPointerSize), nil
	}
	overflow := r.heap.InstanceAttr(obj, r.instanceOverflowSlot(layout))
	if info.Offset() >= r.heap.TupleLength(overflow) {
		// SetAttr grows the overflow array in the same step that moves
		// the instance to the layout naming the index.
		panic("Runtime.InstanceGetAttr: overflow index past instance storage")
	}
	return r.heap.TupleAt(overflow, info.Offset()), nil
}

// InstanceSetAttr stores value under name on obj, transitioning obj to a
// successor layout if the attribute is new.
func (r *Runtime) InstanceSetAttr(obj, name, value Reference) error {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	objH := scope.Handle(obj)
	nameH := scope.Handle(name)
	valueH := scope.Handle(value)

	layout := scope.Handle(r.InstanceLayout(obj))
	info, found := r.LayoutFindAttribute(*layout, *nameH)
	if found && info.IsReadOnly() {
		return ErrReadOnlyAttribute
	}
	if !found {
		next, err := r.LayoutAddAttribute(*layout, *nameH, AttrNone)
		if err != nil {
			return err
		}
		*layout = next
		info, _ = r.LayoutFindAttribute(*layout, *nameH)
		r.setInstanceLayout(*objH, r.LayoutIDOf(*layout))
	}
	if info.IsInObject() {
		r.heap.SetInstanceAttr(*objH, info.Offset()/kPointerSize, *valueH)
		return nil
	}
	r.instanceOverflowPut(objH, layout, info.Offset(), valueH)
	return nil
}

// InstanceDelAttr removes the named attribute from obj, tombstoning its
// slot in a successor layout. The stored value is cleared to None.
func (r *Runtime) InstanceDelAttr(obj, name Reference) error {
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	objH := scope.Handle(obj)

	layout := scope.Handle(r.InstanceLayout(obj))
	info, found := r.LayoutFindAttribute(*layout, name)
	if !found {
		return ErrAttributeNotFound
	}
	next, err := r.LayoutDeleteAttribute(*layout, name)
	if err != nil {
		return err
	}
	*layout = next
	r.setInstanceLayout(*objH, r.LayoutIDOf(*layout))
	if info.IsInObject() {
		r.heap.SetInstanceAttr(*objH, info.Offset()/kPointerSize, None)
		return nil
	}
	overflow := r.heap.InstanceAttr(*objH, r.instanceOverflowSlot(*layout))
	if info.Offset() < r.heap.TupleLength(overflow) {
		r.heap.TupleAtPut(overflow, info.Offset(), None)
	}
	return nil
}

// setInstanceLayout rewrites obj's header with a new class-identity tag,
// preserving count and cached hash.
func (r *Runtime) setInstanceLayout(obj Reference, id LayoutID) {
	h := r.heap.HeaderOf(obj)
	setObjectHeader(r.heap.space, obj, h.WithLayoutID(id))
}

// instanceOverflowPut stores value at overflow index, growing the overflow
// array if the index is past its current length. Growth copies: published
// overflow arrays are only ever replaced wholesale on the instance.
func (r *Runtime) instanceOverflowPut(objH, layoutH *Reference, index int, valueH *Reference) {
	slot := r.instanceOverflowSlot(*layoutH)
	overflow := r.heap.InstanceAttr(*objH, slot)
	if index < r.heap.TupleLength(overflow) {
		r.heap.TupleAtPut(overflow, index, *valueH)
		return
	}
	scope := NewHandleScope(r.thread)
	defer scope.Close()
	old := scope.Handle(overflow)
	grown := scope.Handle(r.heap.NewTuple(index + 1))
	n := r.heap.TupleLength(*old)
	for i := 0; i < n; i++ {
		r.heap.TupleAtPut(*grown, i, r.heap.TupleAt(*old, i))
	}
	r.heap.TupleAtPut(*grown, index, *valueH)
	r.heap.SetInstanceAttr(*objH, slot, *grown)
}
