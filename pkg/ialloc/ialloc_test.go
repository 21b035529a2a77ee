package ialloc

import (
	"testing"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

func testGeometry() xfscore.Geometry {
	return xfscore.Geometry{
		AgBlocksLog: 8, // 256 blocks/AG
		BlockLog:    9, // 512-byte blocks
		InodeLog:    8, // 256-byte inodes -> 2 inodes/block
		AgCount:     1,
		AgBlocks:    256,
	}
}

func newTestAGI(t *testing.T, length uint32) (*txn.Mount, xfscore.Geometry) {
	t.Helper()
	m := txn.NewMount(0, txn.NewMemDevice(), txn.NewInMemoryLog(), nil)
	geo := testGeometry()

	tx, err := txn.Begin(m)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ag, err := alloc.MkfsAG(tx, geo, 0, length)
	if err != nil {
		t.Fatalf("MkfsAG: %v", err)
	}
	if _, err := MkfsAGI(tx, ag, geo, 0, length); err != nil {
		t.Fatalf("MkfsAGI: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit mkfs: %v", err)
	}
	return m, geo
}

func reopenAGI(t *testing.T, m *txn.Mount, geo xfscore.Geometry) (*txn.Transaction, *AGI) {
	t.Helper()
	tx, err := txn.Begin(m)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ag, err := alloc.OpenAG(tx, geo, 0)
	if err != nil {
		t.Fatalf("OpenAG: %v", err)
	}
	agi, err := OpenAGI(tx, ag, geo, 0)
	if err != nil {
		t.Fatalf("OpenAGI: %v", err)
	}
	return tx, agi
}

// Scenario 6: a freshly allocated inode clears its bit in the chunk's
// free mask, and freeing it sets the bit back (spec.md §8, chunk mask
// 0b1011 -> alloc -> 0b1010 -> free -> 0b1011).
func TestAllocFreeFlipsChunkMask(t *testing.T) {
	m, geo := newTestAGI(t, 256)
	inodesPerBlock := xfscore.ExtLen(geo.InodesPerBlock())

	tx, agi := reopenAGI(t, m, geo)
	ino, err := agi.AllocateInode(inodesPerBlock)
	if err != nil {
		t.Fatalf("AllocateInode: %v", err)
	}

	rec, found := lookupChunk(t, agi, ino)
	if !found {
		t.Fatalf("no chunk covers freshly allocated inode %d", ino)
	}
	bit := uint(uint32(ino) - uint32(rec.StartIno))
	if rec.Free&(1<<bit) != 0 {
		t.Fatalf("chunk mask %#x still has bit %d set after allocating inode %d", rec.Free, bit, ino)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit alloc: %v", err)
	}

	tx2, agi2 := reopenAGI(t, m, geo)
	if err := agi2.FreeInode(ino); err != nil {
		t.Fatalf("FreeInode: %v", err)
	}
	rec2, found := lookupChunk(t, agi2, ino)
	if !found {
		t.Fatalf("chunk for inode %d disappeared after free", ino)
	}
	if rec2.Free&(1<<bit) == 0 {
		t.Fatalf("chunk mask %#x missing bit %d after freeing inode %d", rec2.Free, bit, ino)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit free: %v", err)
	}

	tx3, agi3 := reopenAGI(t, m, geo)
	err = agi3.FreeInode(ino)
	if err == nil {
		t.Fatalf("double free of inode %d succeeded, want ErrCorrupt", ino)
	}
	tx3.Cancel()
}

func lookupChunk(t *testing.T, agi *AGI, ino xfscore.AgIno) (xfscore.InodeChunkRec, bool) {
	t.Helper()
	chunkStart := xfscore.AgIno((uint32(ino) / xfscore.InodesPerChunk) * xfscore.InodesPerChunk)
	cur := agi.cursor()
	found, err := cur.Lookup(chunkStart, btree.EQ)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found {
		return xfscore.InodeChunkRec{}, false
	}
	rec, ok := cur.GetRec()
	return rec, ok
}

// Exhausting a chunk's 64 inodes forces a new chunk to be carved out of
// AG free space, and the two chunks remain independently addressable.
func TestAllocateInodeSpansMultipleChunks(t *testing.T) {
	m, geo := newTestAGI(t, 256)
	inodesPerBlock := xfscore.ExtLen(geo.InodesPerBlock())

	tx, agi := reopenAGI(t, m, geo)
	seen := make(map[xfscore.AgIno]bool)
	for i := 0; i < int(xfscore.InodesPerChunk)+1; i++ {
		ino, err := agi.AllocateInode(inodesPerBlock)
		if err != nil {
			t.Fatalf("AllocateInode %d: %v", i, err)
		}
		if seen[ino] {
			t.Fatalf("inode %d allocated twice", ino)
		}
		seen[ino] = true
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	_, agi2 := reopenAGI(t, m, geo)
	if agi2.agi.Count < 2*xfscore.InodesPerChunk {
		t.Fatalf("AGI.Count = %d, want at least %d after spilling into a second chunk", agi2.agi.Count, 2*xfscore.InodesPerChunk)
	}
}
