// Package btree implements the generic B+tree cursor shared by every
// on-disk tree in the engine: the AG free-space trees (by-bno, by-cnt),
// the AG inode-chunk tree, and the per-inode bmap tree (spec.md §4.2).
// Each concrete tree supplies an Ops[K, R] implementation; the cursor
// algorithm itself — lookup direction, split/join, root collapse — is
// written once here.
package btree

// Block is the decoded, mutable representation of one B+tree block:
// either a leaf (Recs populated) or an internal block (Keys/Ptrs
// populated), per spec.md §3's "leaf blocks hold records; internal
// blocks hold numrecs keys followed by numrecs pointers".
type Block[K any, R any] struct {
	Level    uint16
	LeftSib  uint64
	RightSib uint64
	Keys     []K
	Ptrs     []uint64
	Recs     []R
}

// IsLeaf reports whether this block is a leaf (level 0).
func (b *Block[K, R]) IsLeaf() bool { return b.Level == 0 }

// NumRecs returns the occupancy of this block regardless of kind.
func (b *Block[K, R]) NumRecs() int {
	if b.IsLeaf() {
		return len(b.Recs)
	}
	return len(b.Keys)
}

const NullPtr = ^uint64(0)
