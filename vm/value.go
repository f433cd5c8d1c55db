package vm

// Reference represents a Pyre value as a single tagged machine word.
//
// A Reference is either an immediate value, fully encoded in its bits, or a
// heap reference addressing an object's payload inside a Space. The
// distinction is made purely from the low tag bits; classifying a Reference
// never touches memory.
//
// Encoding scheme (low bits first):
//   - SmallInt:   xxxx...xxx0  63-bit signed integer, shifted left by one
//   - HeapRef:    xxxx...x001  payload address (8-byte aligned) | tag
//   - Header:     xxxx...x011  object header word (only found inside a Space)
//   - SmallBytes: xxxx.00101  up to 7 bytes, length in bits 5..7
//   - SmallStr:   xxxx.01101  up to 7 UTF-8 bytes, length in bits 5..7
//   - Bool:       xxxx.00111  payload in bit 5
//   - None:       xxxx.01111  singleton
//   - Error:      xxxx.10111  singleton
//   - Unbound:    xxxx.11111  singleton
type Reference uint64

// uword is the machine word used for addresses and raw sizes.
type uword = uint64

// Tagging constants
const (
	// SmallInt occupies every even word: one tag bit, value in the rest.
	smallIntTag     uword = 0
	smallIntTagBits       = 1
	smallIntTagMask uword = (1 << smallIntTagBits) - 1

	// Primary tags occupy the low 3 bits of every non-SmallInt word.
	primaryTagBits       = 3
	primaryTagMask uword = (1 << primaryTagBits) - 1

	heapRefTag uword = 0b001 // payload address of a heap object
	headerTag  uword = 0b011 // object header word inside a Space

	// Immediate tags extend the 0b101/0b111 primary groups to 5 bits.
	immediateTagBits       = 5
	immediateTagMask uword = (1 << immediateTagBits) - 1

	smallBytesTag uword = 0b00101
	smallStrTag   uword = 0b01101
	boolTag       uword = 0b00111
	noneTag       uword = 0b01111
	errorTag      uword = 0b10111
	unboundTag    uword = 0b11111
)

// Pre-defined singleton values
const (
	None    Reference = Reference(noneTag)
	Error   Reference = Reference(errorTag)
	Unbound Reference = Reference(unboundTag)
	True    Reference = Reference(boolTag | 1<<immediateTagBits)
	False   Reference = Reference(boolTag)
)

// Machine geometry
const (
	kPointerSize  = 8
	kBitsPerByte  = 8
	kBitsPerWord  = 64
	kWordSizeLog2 = 3
)

// SmallInt range (63-bit signed)
const (
	MaxSmallInt int64 = (1 << 62) - 1
	MinSmallInt int64 = -(1 << 62)
)

// MaxSmallStrLength is the longest byte sequence an immediate string or
// bytes value can carry: one word minus the tag-and-length byte.
const MaxSmallStrLength = kPointerSize - 1

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

// IsSmallInt returns true if v is an immediate signed integer.
func (v Reference) IsSmallInt() bool {
	return uword(v)&smallIntTagMask == smallIntTag
}

// IsHeapRef returns true if v addresses an object payload in a Space.
func (v Reference) IsHeapRef() bool {
	return uword(v)&primaryTagMask == heapRefTag
}

// IsHeader returns true if v is an object header word. Header words only
// occur inside a Space, never as a value held by the mutator.
func (v Reference) IsHeader() bool {
	return uword(v)&primaryTagMask == headerTag
}

// IsImmediate returns true if v requires no heap dereference.
func (v Reference) IsImmediate() bool {
	return !v.IsHeapRef()
}

// IsSmallBytes returns true if v is an immediate byte string.
func (v Reference) IsSmallBytes() bool {
	return uword(v)&immediateTagMask == smallBytesTag
}

// IsSmallStr returns true if v is an immediate character string.
func (v Reference) IsSmallStr() bool {
	return uword(v)&immediateTagMask == smallStrTag
}

// IsBool returns true if v is True or False.
func (v Reference) IsBool() bool {
	return uword(v)&immediateTagMask == boolTag
}

// IsNone returns true if v is the None singleton.
func (v Reference) IsNone() bool { return v == None }

// IsError returns true if v is the Error singleton.
func (v Reference) IsError() bool { return v == Error }

// IsUnbound returns true if v is the Unbound singleton.
func (v Reference) IsUnbound() bool { return v == Unbound }

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Reference) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Reference.SmallInt: not a small integer")
	}
	return int64(v) >> smallIntTagBits
}

// FromSmallInt creates a Reference from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Reference {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Reference(uint64(n) << smallIntTagBits)
}

// TryFromSmallInt creates a Reference from an int64, returning false if the
// value does not fit in the immediate range.
func TryFromSmallInt(n int64) (Reference, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return None, false
	}
	return Reference(uint64(n) << smallIntTagBits), true
}

// ---------------------------------------------------------------------------
// Heap reference operations
// ---------------------------------------------------------------------------

// Address returns the payload address encoded in v.
// Panics if v is not a heap reference.
func (v Reference) Address() uword {
	if !v.IsHeapRef() {
		panic("Reference.Address: not a heap reference")
	}
	return uword(v) &^ primaryTagMask
}

// FromAddress creates a heap Reference addressing the payload at addr.
// Panics if addr is not pointer aligned.
func FromAddress(addr uword) Reference {
	if addr&primaryTagMask != 0 {
		panic("FromAddress: address not aligned")
	}
	return Reference(addr | heapRefTag)
}

// ---------------------------------------------------------------------------
// Small string / small bytes operations
// ---------------------------------------------------------------------------

// smallDataLength decodes the 3-bit length field shared by SmallStr and
// SmallBytes encodings.
func (v Reference) smallDataLength() int {
	return int(uword(v) >> immediateTagBits & 0x7)
}

// smallDataAt returns byte i of an immediate string or bytes value.
func (v Reference) smallDataAt(i int) byte {
	return byte(uword(v) >> (kBitsPerByte * (i + 1)))
}

// SmallStrLength returns the byte length of an immediate string.
// Panics if v is not a small string.
func (v Reference) SmallStrLength() int {
	if !v.IsSmallStr() {
		panic("Reference.SmallStrLength: not a small string")
	}
	return v.smallDataLength()
}

// SmallStrAt returns byte i of an immediate string.
// Panics if v is not a small string or i is out of range.
func (v Reference) SmallStrAt(i int) byte {
	if !v.IsSmallStr() {
		panic("Reference.SmallStrAt: not a small string")
	}
	if i < 0 || i >= v.smallDataLength() {
		panic("Reference.SmallStrAt: index out of range")
	}
	return v.smallDataAt(i)
}

// SmallStrString returns the immediate string's contents.
func (v Reference) SmallStrString() string {
	if !v.IsSmallStr() {
		panic("Reference.SmallStrString: not a small string")
	}
	n := v.smallDataLength()
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = v.smallDataAt(i)
	}
	return string(buf)
}

// FromSmallStr creates an immediate string from s. The encoding is
// canonical: unused high bytes are zero, so equal contents always produce
// word-equal References (the zero-length string is exactly smallStrTag).
// Panics if s exceeds MaxSmallStrLength bytes.
func FromSmallStr(s string) Reference {
	if len(s) > MaxSmallStrLength {
		panic("FromSmallStr: string too long")
	}
	var result uword
	for i := len(s) - 1; i >= 0; i-- {
		result = result<<kBitsPerByte | uword(s[i])
	}
	return Reference(result<<kBitsPerByte | uword(len(s))<<immediateTagBits | smallStrTag)
}

// SmallBytesLength returns the byte length of an immediate bytes value.
func (v Reference) SmallBytesLength() int {
	if !v.IsSmallBytes() {
		panic("Reference.SmallBytesLength: not small bytes")
	}
	return v.smallDataLength()
}

// SmallBytesAt returns byte i of an immediate bytes value.
func (v Reference) SmallBytesAt(i int) byte {
	if !v.IsSmallBytes() {
		panic("Reference.SmallBytesAt: not small bytes")
	}
	if i < 0 || i >= v.smallDataLength() {
		panic("Reference.SmallBytesAt: index out of range")
	}
	return v.smallDataAt(i)
}

// FromSmallBytes creates an immediate bytes value from data.
// Panics if data exceeds MaxSmallStrLength bytes.
func FromSmallBytes(data []byte) Reference {
	if len(data) > MaxSmallStrLength {
		panic("FromSmallBytes: data too long")
	}
	var result uword
	for i := len(data) - 1; i >= 0; i-- {
		result = result<<kBitsPerByte | uword(data[i])
	}
	return Reference(result<<kBitsPerByte | uword(len(data))<<immediateTagBits | smallBytesTag)
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not True or False.
func (v Reference) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Reference.Bool: not a boolean")
	}
}

// FromBool creates a Reference from a bool.
func FromBool(b bool) Reference {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Immediate hashing
// ---------------------------------------------------------------------------

// immediateHash derives an identity hash for an immediate value. Heap
// objects cache their hash in the header instead; see Runtime.Hash.
func (v Reference) immediateHash() uword {
	h := uword(v)
	// Fibonacci scramble so nearby integers don't collide in low bits.
	h *= 0x9e3779b97f4a7c15
	h ^= h >> 29
	return h & headerHashMask
}
