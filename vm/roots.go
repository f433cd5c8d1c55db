package vm

// Global mutable tables that hold References are modeled as explicit root
// tables with a documented enumeration order. Runtime.visitRoots walks, in
// order: the layout table, the canonical empty tuple, the intern pool, the
// module registry, every thread, then every externally registered
// RootProvider. The registry of finalizable instances is deliberately not
// here: it must not keep its entries alive.

// internPool is the interned-string table. Strings short enough for the
// immediate encoding are canonical by construction and never enter the
// pool; only heap strings are recorded, in insertion order.
type internPool struct {
	index map[string]int
	refs  []Reference
}

func newInternPool() *internPool {
	return &internPool{index: make(map[string]int)}
}

// intern returns the canonical heap reference for s, creating it via heap
// if it is not pooled yet.
func (p *internPool) intern(heap *Heap, s string) Reference {
	if i, ok := p.index[s]; ok {
		return p.refs[i]
	}
	obj := heap.NewLargeStr(len(s))
	heap.BytesCopyFrom(obj, []byte(s))
	p.index[s] = len(p.refs)
	p.refs = append(p.refs, obj)
	return obj
}

func (p *internPool) visitRoots(visitor PointerVisitor) {
	for i := range p.refs {
		visitor.VisitPointer(&p.refs[i])
	}
}

// moduleRegistry maps module names to module objects. Entries are
// enumerated in registration order.
type moduleRegistry struct {
	index map[string]int
	refs  []Reference
	names []string
}

func newModuleRegistry() *moduleRegistry {
	return &moduleRegistry{index: make(map[string]int)}
}

func (m *moduleRegistry) register(name string, module Reference) {
	if i, ok := m.index[name]; ok {
		m.refs[i] = module
		return
	}
	m.index[name] = len(m.refs)
	m.refs = append(m.refs, module)
	m.names = append(m.names, name)
}

func (m *moduleRegistry) find(name string) (Reference, bool) {
	i, ok := m.index[name]
	if !ok {
		return None, false
	}
	return m.refs[i], true
}

func (m *moduleRegistry) visitRoots(visitor PointerVisitor) {
	for i := range m.refs {
		visitor.VisitPointer(&m.refs[i])
	}
}
