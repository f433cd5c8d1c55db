package dump

import (
	"path/filepath"
	"testing"

	"github.com/chazu/pyre/vm"
)

func newTestRuntime(t *testing.T) *vm.Runtime {
	t.Helper()
	r, err := vm.NewRuntime(vm.Config{HeapSize: 1 << 16})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	return r
}

func TestCaptureRecordsEveryObject(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()

	a := h.NewTuple(2)
	b := h.NewBytes(10)
	h.TupleAtPut(a, 0, b)
	h.TupleAtPut(a, 1, vm.FromSmallInt(5))

	snap := Capture(r)
	if snap.RuntimeID != r.ID() {
		t.Errorf("RuntimeID = %q, want %q", snap.RuntimeID, r.ID())
	}
	if snap.SpaceUsed != uint64(h.Space().Used()) {
		t.Errorf("SpaceUsed = %d, want %d", snap.SpaceUsed, h.Space().Used())
	}

	var tupleRec, bytesRec *ObjectRecord
	for i := range snap.Objects {
		switch snap.Objects[i].Addr {
		case a.Address():
			tupleRec = &snap.Objects[i]
		case b.Address():
			bytesRec = &snap.Objects[i]
		}
	}
	if tupleRec == nil || bytesRec == nil {
		t.Fatal("capture missed workload objects")
	}

	if tupleRec.Format != uint8(vm.ObjectArray) || tupleRec.Count != 2 {
		t.Errorf("tuple record = %+v", tupleRec)
	}
	// Only the heap reference shows up; the SmallInt element is not a ref.
	if len(tupleRec.Refs) != 1 || tupleRec.Refs[0] != b.Address() {
		t.Errorf("tuple refs = %v, want [%#x]", tupleRec.Refs, b.Address())
	}
	if bytesRec.Format != uint8(vm.DataArray8) || bytesRec.Count != 10 {
		t.Errorf("bytes record = %+v", bytesRec)
	}
	if len(bytesRec.Refs) != 0 {
		t.Errorf("raw data record should carry no refs, got %v", bytesRec.Refs)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	r := newTestRuntime(t)
	r.Heap().NewTuple(3)

	snap := Capture(r)
	first, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	second, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(first) != string(second) {
		t.Error("canonical encoding should be byte stable")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	r := newTestRuntime(t)
	h := r.Heap()
	a := h.NewTuple(1)
	h.TupleAtPut(a, 0, h.NewFloat(1.5))

	snap := Capture(r)
	data, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.RuntimeID != snap.RuntimeID {
		t.Errorf("RuntimeID = %q, want %q", got.RuntimeID, snap.RuntimeID)
	}
	if len(got.Objects) != len(snap.Objects) {
		t.Fatalf("objects = %d, want %d", len(got.Objects), len(snap.Objects))
	}
	for i := range snap.Objects {
		want := snap.Objects[i]
		if g := got.Objects[i]; g.Addr != want.Addr || g.Format != want.Format ||
			g.Count != want.Count || g.Size != want.Size {
			t.Errorf("object %d: got %+v, want %+v", i, g, want)
		}
	}
}

func TestStoreSaveLoad(t *testing.T) {
	r := newTestRuntime(t)
	r.Heap().NewTuple(4)

	store, err := OpenStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	snap := Capture(r)
	id, err := store.Save(snap)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.RuntimeID != snap.RuntimeID || len(got.Objects) != len(snap.Objects) {
		t.Errorf("loaded snapshot differs: %q/%d vs %q/%d",
			got.RuntimeID, len(got.Objects), snap.RuntimeID, len(snap.Objects))
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	if _, err := store.Load(999); err != ErrSnapshotNotFound {
		t.Errorf("Load(999) = %v, want ErrSnapshotNotFound", err)
	}
}

func TestStoreList(t *testing.T) {
	r := newTestRuntime(t)

	store, err := OpenStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	first, err := store.Save(Capture(r))
	if err != nil {
		t.Fatal(err)
	}
	r.Heap().NewTuple(1)
	second, err := store.Save(Capture(r))
	if err != nil {
		t.Fatal(err)
	}

	infos, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d snapshots, want 2", len(infos))
	}
	// Newest first.
	if infos[0].ID != second || infos[1].ID != first {
		t.Errorf("order = %d, %d, want %d, %d", infos[0].ID, infos[1].ID, second, first)
	}
	if infos[0].RuntimeID != r.ID() {
		t.Errorf("RuntimeID = %q, want %q", infos[0].RuntimeID, r.ID())
	}
}
