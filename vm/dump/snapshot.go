// Package dump captures heap snapshots: a linear walk of every live object
// with its header fields and reference slots, serialized deterministically
// for offline inspection.
package dump

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/pyre/vm"
)

// cborEncMode uses canonical encoding so identical heaps produce identical
// snapshot bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ObjectRecord describes one heap object at capture time. Addr is the
// object's payload address; it is only meaningful relative to other records
// in the same snapshot, since a collection relocates everything.
type ObjectRecord struct {
	Addr     uint64   `cbor:"1,keyasint"`
	LayoutID uint32   `cbor:"2,keyasint"`
	Format   uint8    `cbor:"3,keyasint"`
	Count    int64    `cbor:"4,keyasint"`
	Size     uint64   `cbor:"5,keyasint"`
	Hash     uint64   `cbor:"6,keyasint"`
	Refs     []uint64 `cbor:"7,keyasint,omitempty"`
}

// Snapshot is a point-in-time capture of a runtime's heap.
type Snapshot struct {
	RuntimeID   string         `cbor:"1,keyasint"`
	TakenAt     time.Time      `cbor:"2,keyasint"`
	SpaceSize   uint64         `cbor:"3,keyasint"`
	SpaceUsed   uint64         `cbor:"4,keyasint"`
	Collections uint64         `cbor:"5,keyasint"`
	Objects     []ObjectRecord `cbor:"6,keyasint"`
}

// Capture walks the runtime's active Space in address order and records
// every object. The caller must not run managed code concurrently; capture
// is a read-only stop-the-world pass.
func Capture(r *vm.Runtime) *Snapshot {
	heap := r.Heap()
	snap := &Snapshot{
		RuntimeID:   r.ID(),
		TakenAt:     time.Now(),
		SpaceSize:   heap.Space().Size(),
		SpaceUsed:   heap.Space().Used(),
		Collections: r.GCCount(),
	}
	heap.Walk(func(obj vm.Reference) bool {
		header := heap.HeaderOf(obj)
		record := ObjectRecord{
			Addr:     obj.Address(),
			LayoutID: uint32(header.LayoutID()),
			Format:   uint8(header.Format()),
			Count:    int64(heap.CountOf(obj)),
			Size:     heap.SizeOf(obj),
			Hash:     header.Hash(),
		}
		if header.Format().IsRoot() {
			count := heap.CountOf(obj)
			for i := 0; i < count; i++ {
				field := heap.InstanceAttr(obj, i)
				if field.IsHeapRef() {
					record.Refs = append(record.Refs, field.Address())
				}
			}
		}
		snap.Objects = append(snap.Objects, record)
		return true
	})
	return snap
}

// Marshal serializes a Snapshot to canonical CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a Snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("dump: unmarshaling snapshot: %w", err)
	}
	return &s, nil
}
