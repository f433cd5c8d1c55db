package vm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Space is a single contiguous bump-allocated memory region. Exactly two
// Spaces exist per runtime at any moment: the active one satisfying
// allocations and, during a collection only, the idle target Space.
//
// A Space owns a disjoint virtual address range [start, end). References
// carry these virtual addresses; the backing bytes are an anonymous mmap
// (with a plain Go allocation as fallback) indexed by address-start.
type Space struct {
	start uword
	end   uword
	fill  uword

	mem    []byte
	mapped bool
}

// spaceBaseAlign is the alignment of each Space's base address. The zero
// address is never inside a Space, so a zero word can mean "no address".
const spaceBaseAlign = 0x1000

// NewSpace reserves a Space of the given byte size at the given base
// address. Size and base must be pointer aligned.
func NewSpace(base, size uword) (*Space, error) {
	if size == 0 || size%kPointerSize != 0 {
		return nil, fmt.Errorf("space: size %d not pointer aligned", size)
	}
	if base == 0 || base%spaceBaseAlign != 0 {
		return nil, fmt.Errorf("space: base %#x misaligned", base)
	}
	s := &Space{start: base, end: base + size, fill: base}
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err == nil {
		s.mem = mem
		s.mapped = true
	} else {
		s.mem = make([]byte, size)
	}
	return s, nil
}

// Release returns the Space's memory to the system. The Space must not be
// used afterwards.
func (s *Space) Release() {
	if s.mapped {
		// Unmap failure leaves the region to process teardown.
		_ = unix.Munmap(s.mem)
	}
	s.mem = nil
	s.fill = s.start
}

// Allocate carves size bytes from the region, returning the address and
// true, or 0 and false if the Space is full. Size must already be pointer
// aligned.
func (s *Space) Allocate(size uword) (uword, bool) {
	if size > s.end-s.fill {
		return 0, false
	}
	addr := s.fill
	s.fill += size
	return addr, true
}

// Contains returns true if addr is inside the Space's reserved range.
func (s *Space) Contains(addr uword) bool {
	return addr >= s.start && addr < s.end
}

// IsAllocated returns true if addr is below the Space's fill pointer.
func (s *Space) IsAllocated(addr uword) bool {
	return addr >= s.start && addr < s.fill
}

// Start returns the first address of the Space.
func (s *Space) Start() uword { return s.start }

// End returns the first address past the Space.
func (s *Space) End() uword { return s.end }

// Fill returns the allocated high-water mark.
func (s *Space) Fill() uword { return s.fill }

// Size returns the Space's byte size.
func (s *Space) Size() uword { return s.end - s.start }

// Used returns the number of allocated bytes.
func (s *Space) Used() uword { return s.fill - s.start }

// Reset discards all allocations.
func (s *Space) Reset() { s.fill = s.start }

// ---------------------------------------------------------------------------
// Memory access
// ---------------------------------------------------------------------------

// Load reads the word at addr.
func (s *Space) Load(addr uword) uword {
	return binary.LittleEndian.Uint64(s.mem[addr-s.start:])
}

// Store writes word at addr.
func (s *Space) Store(addr, word uword) {
	binary.LittleEndian.PutUint64(s.mem[addr-s.start:], word)
}

// LoadByte reads the byte at addr.
func (s *Space) LoadByte(addr uword) byte {
	return s.mem[addr-s.start]
}

// StoreByte writes b at addr.
func (s *Space) StoreByte(addr uword, b byte) {
	s.mem[addr-s.start] = b
}

// Bytes returns the size bytes starting at addr, aliasing the Space's
// memory. The slice is invalidated by the next collection.
func (s *Space) Bytes(addr, size uword) []byte {
	off := addr - s.start
	return s.mem[off : off+size]
}

// CopyFrom copies size bytes from src starting at srcAddr into this Space at
// dstAddr. Used by the collector to transport objects between Spaces.
func (s *Space) CopyFrom(src *Space, srcAddr, dstAddr, size uword) {
	copy(s.mem[dstAddr-s.start:dstAddr-s.start+size],
		src.mem[srcAddr-src.start:srcAddr-src.start+size])
}
