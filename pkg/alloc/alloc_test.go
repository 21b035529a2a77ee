package alloc

import (
	"testing"

	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

func testGeometry() xfscore.Geometry {
	return xfscore.Geometry{
		AgBlocksLog: 8, // 256 blocks/AG
		BlockLog:    9, // 512-byte blocks
		InodeLog:    8,
		AgCount:     2,
		AgBlocks:    256,
	}
}

func newTestAG(t *testing.T, length uint32) (*txn.Mount, *AG) {
	t.Helper()
	m := txn.NewMount(0, txn.NewMemDevice(), txn.NewInMemoryLog(), nil)
	tx, err := txn.Begin(m)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	geo := testGeometry()
	ag, err := MkfsAG(tx, geo, 0, length)
	if err != nil {
		t.Fatalf("MkfsAG: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit mkfs: %v", err)
	}
	return m, ag
}

func reopenAG(t *testing.T, m *txn.Mount, geo xfscore.Geometry, ag xfscore.AgNumber) (*txn.Transaction, *AG) {
	t.Helper()
	tx, err := txn.Begin(m)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	a, err := OpenAG(tx, geo, ag)
	if err != nil {
		t.Fatalf("OpenAG: %v", err)
	}
	return tx, a
}

// Scenario 1: basic allocate/free cycle leaves the AG exactly as it
// started.
func TestBasicAllocateFreeCycle(t *testing.T) {
	m, ag0 := newTestAG(t, 256)
	geo := testGeometry()
	initialFree := ag0.FreeBlocks()

	tx, ag := reopenAG(t, m, geo, 0)
	res, err := VExtent(ag, AllocArgs{Type: AnySize, MinLen: 4, MaxLen: 4})
	if err != nil {
		t.Fatalf("VExtent: %v", err)
	}
	if res.Len != 4 {
		t.Fatalf("allocated length = %d, want 4", res.Len)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit alloc: %v", err)
	}

	tx2, ag2 := reopenAG(t, m, geo, 0)
	if err := FreeExtent(ag2, res.AgBno, res.Len); err != nil {
		t.Fatalf("FreeExtent: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit free: %v", err)
	}

	_, ag3 := reopenAG(t, m, geo, 0)
	if ag3.FreeBlocks() != initialFree {
		t.Errorf("FreeBlocks after alloc+free = %d, want %d", ag3.FreeBlocks(), initialFree)
	}
}

// Scenario 2: freeing an extent with both a left and a right free
// neighbor merges into one extent; freeing already-free space is
// reported as corruption rather than silently double-counted.
func TestFreeCoalescesNeighborsAndDetectsDoubleFree(t *testing.T) {
	m, _ := newTestAG(t, 256)
	geo := testGeometry()

	tx, ag := reopenAG(t, m, geo, 0)
	a, err := VExtent(ag, AllocArgs{Type: AnySize, MinLen: 4, MaxLen: 4})
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := VExtent(ag, AllocArgs{Type: AnySize, MinLen: 4, MaxLen: 4})
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	c, err := VExtent(ag, AllocArgs{Type: AnySize, MinLen: 4, MaxLen: 4})
	if err != nil {
		t.Fatalf("alloc c: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit allocs: %v", err)
	}

	// a, b, c come from a single best-fit extent, so VExtent carved
	// them out contiguously: a < b < c. Free a and c first, leaving b
	// isolated between two free neighbors, then free b.
	tx2, ag2 := reopenAG(t, m, geo, 0)
	if err := FreeExtent(ag2, a.AgBno, a.Len); err != nil {
		t.Fatalf("free a: %v", err)
	}
	if err := FreeExtent(ag2, c.AgBno, c.Len); err != nil {
		t.Fatalf("free c: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit frees a,c: %v", err)
	}

	tx3, ag3 := reopenAG(t, m, geo, 0)
	if err := FreeExtent(ag3, b.AgBno, b.Len); err != nil {
		t.Fatalf("free b: %v", err)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatalf("Commit free b: %v", err)
	}

	// Double-freeing b's range must now surface as corruption, not
	// succeed silently.
	tx4, ag4 := reopenAG(t, m, geo, 0)
	err = FreeExtent(ag4, b.AgBno, b.Len)
	if err == nil {
		t.Fatalf("double free of [%d,%d) succeeded, want ErrCorrupt", b.AgBno, uint64(b.AgBno)+uint64(b.Len))
	}
	tx4.Cancel()
}

// Scenario 3: mkfs leaves the AGFL populated, and across a run of
// small allocations (each followed by FixFreelist) the freelist never
// drops below minFreelist.
func TestFreelistRefillsUnderSustainedAllocation(t *testing.T) {
	m, ag0 := newTestAG(t, 256)
	geo := testGeometry()
	if ag0.agf.FlCount == 0 {
		t.Fatalf("mkfs left an empty AGFL")
	}

	tx, ag := reopenAG(t, m, geo, 0)
	for i := 0; i < 20; i++ {
		if _, err := VExtent(ag, AllocArgs{Type: AnySize, MinLen: 1, MaxLen: 1}); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if int(ag.agf.FlCount) < ag.minFreelist() {
			t.Fatalf("after alloc %d: AGFL count %d below minFreelist %d", i, ag.agf.FlCount, ag.minFreelist())
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// Scenario 4: NEAR_BNO prefers the closer of two equidistant
// candidates, breaking exact ties toward the lower address.
func TestNearBnoLeftTieBreak(t *testing.T) {
	m, _ := newTestAG(t, 256)
	geo := testGeometry()

	tx, ag := reopenAG(t, m, geo, 0)
	whole, ok := func() (xfscore.FreeExtentRec, bool) {
		bno, length, ok, err := ag.borrowLongestExtent()
		if err != nil {
			t.Fatalf("borrowLongestExtent: %v", err)
		}
		return xfscore.FreeExtentRec{StartBlock: bno, BlockCount: length}, ok
	}()
	if !ok {
		t.Fatalf("AG unexpectedly has no free space")
	}
	if err := ag.removeFreeExtent(whole.StartBlock, whole.BlockCount); err != nil {
		t.Fatalf("removeFreeExtent: %v", err)
	}

	mid := whole.StartBlock + xfscore.AgBno(whole.BlockCount/2)
	left := xfscore.AgBno(uint64(mid) - 5)
	right := xfscore.AgBno(uint64(mid) + 5)

	// Replace the single large free extent with two isolated
	// single-block extents equidistant from mid. The transaction is
	// cancelled at the end of the test, so leaving the rest of the AG's
	// space untracked here is harmless.
	if err := ag.insertFreeExtent(left, 1); err != nil {
		t.Fatalf("insert left extent: %v", err)
	}
	if err := ag.insertFreeExtent(right, 1); err != nil {
		t.Fatalf("insert right extent: %v", err)
	}

	// This test's interesting assertion is ComputeDiff's own symmetry
	// and the tie-break rule it feeds into lookupNear.
	if d := ComputeDiff(left, mid); d != 5 {
		t.Fatalf("ComputeDiff(left,mid) = %d, want 5", d)
	}
	if d := ComputeDiff(right, mid); d != 5 {
		t.Fatalf("ComputeDiff(right,mid) = %d, want 5", d)
	}

	bno, _, err := ag.lookupNear(mid, 1)
	if err != nil {
		t.Fatalf("lookupNear: %v", err)
	}
	if bno >= mid {
		t.Fatalf("lookupNear(%d) = %d, want a candidate at or left of the split point", mid, bno)
	}

	tx.Cancel()
}
