package btree

import "testing"

type testRec struct {
	Key int
	Val string
}

type memOps struct {
	blocks   map[uint64]*Block[int, testRec]
	nextPtr  uint64
	rootPtr  uint64
	rootLvl  int
	maxRecs  int
}

func newMemOps(maxRecs int) *memOps {
	root := &Block[int, testRec]{Level: 0, LeftSib: NullPtr, RightSib: NullPtr}
	ops := &memOps{
		blocks:  map[uint64]*Block[int, testRec]{1: root},
		nextPtr: 2,
		rootPtr: 1,
		rootLvl: 0,
		maxRecs: maxRecs,
	}
	return ops
}

func (o *memOps) Compare(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (o *memOps) RecKey(r testRec) int { return r.Key }

func (o *memOps) MaxRecs(level int) int { return o.maxRecs }
func (o *memOps) MinRecs(level int) int { return o.maxRecs / 2 }

func (o *memOps) ReadBlock(ptr uint64) (*Block[int, testRec], error) {
	b, ok := o.blocks[ptr]
	if !ok {
		return nil, errCorruptTestTree
	}
	cp := *b
	cp.Keys = append([]int{}, b.Keys...)
	cp.Ptrs = append([]uint64{}, b.Ptrs...)
	cp.Recs = append([]testRec{}, b.Recs...)
	return &cp, nil
}

func (o *memOps) WriteBlock(ptr uint64, b *Block[int, testRec]) error {
	cp := *b
	cp.Keys = append([]int{}, b.Keys...)
	cp.Ptrs = append([]uint64{}, b.Ptrs...)
	cp.Recs = append([]testRec{}, b.Recs...)
	o.blocks[ptr] = &cp
	return nil
}

func (o *memOps) AllocBlock() (uint64, error) {
	p := o.nextPtr
	o.nextPtr++
	return p, nil
}

func (o *memOps) FreeBlock(ptr uint64) error {
	delete(o.blocks, ptr)
	return nil
}

func (o *memOps) Root() (uint64, int) { return o.rootPtr, o.rootLvl }
func (o *memOps) SetRoot(ptr uint64, level int) {
	o.rootPtr = ptr
	o.rootLvl = level
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errCorruptTestTree = simpleErr("btree: test tree read of unknown block")

// TestInsertLookupDeleteRoundTrip exercises round-trip law L3: after
// Insert(k, v), Lookup(EQ, k) finds it; after Delete, it is gone.
func TestInsertLookupDeleteRoundTrip(t *testing.T) {
	ops := newMemOps(4)
	c := NewCursor[int, testRec](ops)

	keys := []int{50, 10, 90, 30, 70, 20, 60, 80, 40, 5, 15, 25, 35, 45, 55}
	for _, k := range keys {
		if err := c.Insert(testRec{Key: k, Val: "v"}); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	for _, k := range keys {
		found, err := c.Lookup(k, EQ)
		if err != nil {
			t.Fatalf("Lookup(%d): %v", k, err)
		}
		if !found {
			t.Fatalf("Lookup(EQ, %d) = not found, want found", k)
		}
		rec, ok := c.GetRec()
		if !ok || rec.Key != k {
			t.Fatalf("GetRec after Lookup(%d) = %+v, %v", k, rec, ok)
		}
	}

	for _, k := range keys {
		found, err := c.Lookup(k, EQ)
		if err != nil || !found {
			t.Fatalf("Lookup(%d) before delete: found=%v err=%v", k, found, err)
		}
		if err := c.Delete(); err != nil {
			t.Fatalf("Delete(%d): %v", k, err)
		}
		found, err = c.Lookup(k, EQ)
		if err != nil {
			t.Fatalf("Lookup(%d) after delete: %v", k, err)
		}
		if found {
			t.Fatalf("Lookup(EQ, %d) after delete = found, want not found", k)
		}
	}
}

// TestLookupDirections checks LE/GE boundary semantics against a tree
// holding only even keys.
func TestLookupDirections(t *testing.T) {
	ops := newMemOps(4)
	c := NewCursor[int, testRec](ops)
	for _, k := range []int{10, 20, 30, 40, 50, 60, 70, 80} {
		if err := c.Insert(testRec{Key: k, Val: "v"}); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	found, err := c.Lookup(25, LE)
	if err != nil || found {
		t.Fatalf("Lookup(25, LE): found=%v err=%v, want found=false", found, err)
	}
	rec, ok := c.GetRec()
	if !ok || rec.Key != 20 {
		t.Fatalf("Lookup(25, LE) positioned at %+v, %v, want key 20", rec, ok)
	}

	found, err = c.Lookup(25, GE)
	if err != nil || found {
		t.Fatalf("Lookup(25, GE): found=%v err=%v, want found=false", found, err)
	}
	rec, ok = c.GetRec()
	if !ok || rec.Key != 30 {
		t.Fatalf("Lookup(25, GE) positioned at %+v, %v, want key 30", rec, ok)
	}

	found, err = c.Lookup(5, LE)
	if err != nil {
		t.Fatalf("Lookup(5, LE): %v", err)
	}
	if found {
		t.Fatalf("Lookup(5, LE) = found, want not found (below range)")
	}
	if _, ok := c.GetRec(); ok {
		t.Fatalf("Lookup(5, LE) positioned on a record, want none")
	}

	found, err = c.Lookup(85, GE)
	if err != nil {
		t.Fatalf("Lookup(85, GE): %v", err)
	}
	if found {
		t.Fatalf("Lookup(85, GE) = found, want not found (above range)")
	}
	if _, ok := c.GetRec(); ok {
		t.Fatalf("Lookup(85, GE) positioned on a record, want none")
	}
}

// TestIncrementDecrementTraverseWholeTree checks that walking forward
// from the first record via Increment visits every key in order, and
// symmetrically backward via Decrement.
func TestIncrementDecrementTraverseWholeTree(t *testing.T) {
	ops := newMemOps(3)
	c := NewCursor[int, testRec](ops)
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	for _, k := range want {
		if err := c.Insert(testRec{Key: k, Val: "v"}); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	if _, err := c.Lookup(want[0], EQ); err != nil {
		t.Fatalf("Lookup(%d): %v", want[0], err)
	}
	var got []int
	for {
		rec, ok := c.GetRec()
		if !ok {
			break
		}
		got = append(got, rec.Key)
		more, err := c.Increment()
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if !more {
			break
		}
	}
	if len(got) != len(want) {
		t.Fatalf("forward traversal visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("forward traversal = %v, want %v", got, want)
		}
	}

	if _, err := c.Lookup(want[len(want)-1], EQ); err != nil {
		t.Fatalf("Lookup(%d): %v", want[len(want)-1], err)
	}
	got = nil
	for {
		rec, ok := c.GetRec()
		if !ok {
			break
		}
		got = append(got, rec.Key)
		more, err := c.Decrement()
		if err != nil {
			t.Fatalf("Decrement: %v", err)
		}
		if !more {
			break
		}
	}
	if len(got) != len(want) {
		t.Fatalf("backward traversal visited %v, want reverse of %v", got, want)
	}
	for i := range want {
		if got[i] != want[len(want)-1-i] {
			t.Fatalf("backward traversal = %v, want reverse of %v", got, want)
		}
	}
}

// TestDeleteAtMinrecsBoundary exercises the minrecs boundary: key 10
// sits in a leaf holding exactly minrecs (2) records, so deleting it
// underflows the leaf, which must join with its neighbor rather than
// leaving the tree malformed.
func TestDeleteAtMinrecsBoundary(t *testing.T) {
	ops := newMemOps(4) // minrecs = 2
	c := NewCursor[int, testRec](ops)
	keys := []int{10, 20, 30, 40, 50, 60, 70, 80}
	for _, k := range keys {
		if err := c.Insert(testRec{Key: k, Val: "v"}); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	if _, err := c.Lookup(10, EQ); err != nil {
		t.Fatalf("Lookup(10): %v", err)
	}
	if err := c.Delete(); err != nil {
		t.Fatalf("Delete(10): %v", err)
	}

	for _, k := range keys[1:] {
		found, err := c.Lookup(k, EQ)
		if err != nil {
			t.Fatalf("Lookup(%d) after boundary delete: %v", k, err)
		}
		if !found {
			t.Fatalf("Lookup(EQ, %d) after boundary delete = not found", k)
		}
	}

	root, err := ops.ReadBlock(ops.rootPtr)
	if err != nil {
		t.Fatalf("ReadBlock(root): %v", err)
	}
	if root.NumRecs() == 0 {
		t.Fatalf("root is empty after boundary delete")
	}
}

// TestUpdatePropagatesKeyUpward runs Update on the first record of a
// non-root leaf (the case that pushes the record's key up into the
// parent separator) with the same key but a different payload, and
// checks that lookups still find the record with the new payload. The
// key is unchanged, so the separator value itself is not asserted.
func TestUpdatePropagatesKeyUpward(t *testing.T) {
	ops := newMemOps(4)
	c := NewCursor[int, testRec](ops)
	for _, k := range []int{10, 20, 30, 40, 50, 60} {
		if err := c.Insert(testRec{Key: k, Val: "orig"}); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	if _, err := c.Lookup(30, EQ); err != nil {
		t.Fatalf("Lookup(30): %v", err)
	}
	if err := c.Update(testRec{Key: 30, Val: "updated"}); err != nil {
		t.Fatalf("Update(30): %v", err)
	}

	found, err := c.Lookup(30, EQ)
	if err != nil || !found {
		t.Fatalf("Lookup(30) after update: found=%v err=%v", found, err)
	}
	rec, _ := c.GetRec()
	if rec.Val != "updated" {
		t.Fatalf("GetRec after update = %+v, want Val=updated", rec)
	}
}
