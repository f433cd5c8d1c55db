package vm

// Header is the word placed immediately before every heap object's payload.
//
// Bit packing, low bits first:
//
//	tag(3) | format(3) | layout id(20) | hash(30) | count(8)
//
// The count field holds the element count for arrays and the attribute count
// for instances. Counts that do not fit store the overflow sentinel here and
// the real count as a SmallInt word placed before the header.
//
// During collection the header slot is overloaded: once an object has been
// relocated, the word at payload-8 is its forwarding Reference (heap-ref
// tagged) rather than a header (header tagged). Callers outside the
// allocator and collector never see the raw word; they go through the
// accessors below.
type Header uint64

const (
	headerFormatBits   = 3
	headerFormatOffset = primaryTagBits
	headerFormatMask   = (1 << headerFormatBits) - 1

	headerLayoutIDBits   = 20
	headerLayoutIDOffset = headerFormatOffset + headerFormatBits
	headerLayoutIDMask   = (1 << headerLayoutIDBits) - 1

	headerHashBits   = 30
	headerHashOffset = headerLayoutIDOffset + headerLayoutIDBits
	headerHashMask   = (1 << headerHashBits) - 1

	headerCountBits   = 8
	headerCountOffset = headerHashOffset + headerHashBits
	headerCountMask   = (1 << headerCountBits) - 1

	// headerCountOverflow in the count field means the count lives in a
	// SmallInt word directly before the header.
	headerCountOverflow = headerCountMask

	// headerUninitializedHash is the "not yet computed" hash sentinel.
	headerUninitializedHash = 0
)

// The packed fields plus the tag must exactly fill one machine word.
const headerTotalBits = primaryTagBits + headerFormatBits +
	headerLayoutIDBits + headerHashBits + headerCountBits

var _ [0]struct{} = [headerTotalBits - kBitsPerWord]struct{}{}

// Format discriminates how an object's payload is laid out, and in
// particular whether the collector must scan it for references.
type Format uint8

const (
	// DataArray8 is a raw byte array (bytes, large strings).
	DataArray8 Format = iota
	// DataArray64 is a raw word array (large integer digits).
	DataArray64
	// DataInstance is a fixed set of raw words (float, range).
	DataInstance
	// ObjectArray is an array of References (tuples).
	ObjectArray
	// ObjectInstance is a class instance whose slots are References.
	ObjectInstance
)

// IsRoot returns true if payloads of this format contain References the
// collector must scan.
func (f Format) IsRoot() bool {
	return f == ObjectArray || f == ObjectInstance
}

// MakeHeader packs the given fields into a Header word. A count that does
// not fit the count field is stored as headerCountOverflow; the allocator is
// responsible for placing the real count word (see Heap.allocate callers).
func MakeHeader(count int, hash uword, layoutID LayoutID, format Format) Header {
	c := uword(count)
	if c >= headerCountOverflow {
		c = headerCountOverflow
	}
	if uword(layoutID) > headerLayoutIDMask {
		panic("MakeHeader: layout id exceeds field width")
	}
	return Header(headerTag |
		uword(format)<<headerFormatOffset |
		uword(layoutID)<<headerLayoutIDOffset |
		(hash&headerHashMask)<<headerHashOffset |
		c<<headerCountOffset)
}

// Format returns the payload format discriminator.
func (h Header) Format() Format {
	return Format(uword(h) >> headerFormatOffset & headerFormatMask)
}

// LayoutID returns the class-identity tag.
func (h Header) LayoutID() LayoutID {
	return LayoutID(uword(h) >> headerLayoutIDOffset & headerLayoutIDMask)
}

// Hash returns the cached identity hash, or headerUninitializedHash if it
// has not been computed yet.
func (h Header) Hash() uword {
	return uword(h) >> headerHashOffset & headerHashMask
}

// WithLayoutID returns h with the class-identity tag replaced. Instances
// change layout ids when a dynamic attribute addition or deletion moves
// them along the transition graph.
func (h Header) WithLayoutID(id LayoutID) Header {
	if uword(id) > headerLayoutIDMask {
		panic("Header.WithLayoutID: layout id exceeds field width")
	}
	cleared := uword(h) &^ (uword(headerLayoutIDMask) << headerLayoutIDOffset)
	return Header(cleared | uword(id)<<headerLayoutIDOffset)
}

// WithHash returns h with the hash field replaced.
func (h Header) WithHash(hash uword) Header {
	cleared := uword(h) &^ (uword(headerHashMask) << headerHashOffset)
	return Header(cleared | (hash&headerHashMask)<<headerHashOffset)
}

// countField returns the raw 8-bit count field, which may be the overflow
// sentinel.
func (h Header) countField() uword {
	return uword(h) >> headerCountOffset & headerCountMask
}

// hasCountOverflow returns true if the real count is stored in a SmallInt
// word before the header.
func (h Header) hasCountOverflow() bool {
	return h.countField() == headerCountOverflow
}

// headerSize returns the number of bytes occupied before the payload for an
// object with the given count: the header word, plus the count overflow word
// when the count does not fit in the header.
func headerSize(count int) uword {
	if uword(count) >= headerCountOverflow {
		return 2 * kPointerSize
	}
	return kPointerSize
}

// payloadSize returns the payload byte size for a format and element count,
// rounded up to pointer alignment.
func payloadSize(format Format, count int) uword {
	switch format {
	case DataArray8:
		return roundUp(uword(count), kPointerSize)
	case DataArray64, DataInstance, ObjectArray, ObjectInstance:
		return uword(count) * kPointerSize
	default:
		panic("payloadSize: unknown format")
	}
}

// roundUp rounds n up to the next multiple of align (a power of two).
func roundUp(n, align uword) uword {
	return (n + align - 1) &^ (align - 1)
}
