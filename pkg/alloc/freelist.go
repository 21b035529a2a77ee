package alloc

import (
	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// minFreelist is the "need" formula: enough spare blocks to let a
// single insert split every level of both free-space trees without
// the split itself needing to borrow from the tree it is modifying
// (spec.md §4.3, "fix_freelist"). Real XFS scales this off maxlevels;
// here it scales off the trees' *current* height.
func (a *AG) minFreelist() int {
	need := 2 * (int(a.agf.Levels[0]) + int(a.agf.Levels[1]) + 1)
	if need < 4 {
		need = 4
	}
	return need
}

func (a *AG) maxFreelistTarget() int { return 2 * a.minFreelist() }

func (a *AG) popFreelist() (xfscore.AgBno, error) {
	if a.agf.FlCount == 0 {
		return 0, xfscore.ErrNoSpace
	}
	bno := a.agfl.Slots[a.agf.FlFirst]
	a.agf.FlFirst = (a.agf.FlFirst + 1) % xfscore.AGFLSize
	a.agf.FlCount--
	return bno, a.Save()
}

func (a *AG) pushFreelist(bno xfscore.AgBno) error {
	if a.agf.FlCount >= xfscore.AGFLSize {
		return errors.Wrap(xfscore.ErrCorrupt, "alloc: AGFL overflow")
	}
	a.agf.FlLast = (a.agf.FlLast + 1) % xfscore.AGFLSize
	a.agfl.Slots[a.agf.FlLast] = bno
	a.agf.FlCount++
	return a.Save()
}

// allocTreeBlock/freeTreeBlock are the Ops.AllocBlock/FreeBlock
// backends for the by-bno and by-cnt trees: B+tree node storage always
// comes from (and returns to) the AGFL, never directly from the trees
// the AGFL itself backs (spec.md §3 "freelist bootstrap invariant").
func (a *AG) allocTreeBlock() (uint64, error) {
	if err := a.refillFreelist(); err != nil {
		return 0, err
	}
	bno, err := a.popFreelist()
	if err != nil {
		return 0, err
	}
	return uint64(a.Geo.Join(a.Num, bno)), nil
}

func (a *AG) freeTreeBlock(ptr uint64) error {
	_, bno := a.Geo.Split(xfscore.Fsb(ptr))
	return a.pushFreelist(bno)
}

// borrowLongestExtent returns the AG's largest free extent without
// removing it, used to refill the AGFL.
func (a *AG) borrowLongestExtent() (xfscore.AgBno, xfscore.ExtLen, bool, error) {
	cur := btree.NewCursor[CntKey, xfscore.FreeExtentRec](&cntOps{ag: a})
	_, err := cur.Lookup(CntKey{Len: ^xfscore.ExtLen(0), Bno: ^xfscore.AgBno(0)}, btree.LE)
	if err != nil {
		return 0, 0, false, err
	}
	rec, ok := cur.GetRec()
	if !ok {
		return 0, 0, false, nil
	}
	return rec.StartBlock, rec.BlockCount, true, nil
}

// refillFreelist tops the AGFL up to minFreelist() by carving blocks
// off the longest free extent.
func (a *AG) refillFreelist() error {
	for int(a.agf.FlCount) < a.minFreelist() {
		bno, length, ok, err := a.borrowLongestExtent()
		if err != nil {
			return err
		}
		if !ok {
			return xfscore.ErrNoSpace
		}
		if err := a.removeFreeExtent(bno, length); err != nil {
			return err
		}
		take := xfscore.ExtLen(a.minFreelist() - int(a.agf.FlCount))
		if take > length {
			take = length
		}
		for i := xfscore.ExtLen(0); i < take; i++ {
			if err := a.pushFreelist(bno + xfscore.AgBno(i)); err != nil {
				return err
			}
		}
		if take < length {
			if err := a.insertFreeExtent(bno+xfscore.AgBno(take), length-take); err != nil {
				return err
			}
		}
	}
	return nil
}

// trimFreelist gives back AGFL slots beyond maxFreelistTarget() to the
// free-space trees. The trim commits synchronously: a block released
// from the AGFL must not be reused by an unrelated writer until the
// commit that removed it from the freelist is durable (spec.md §4.3).
func (a *AG) trimFreelist() error {
	trimmed := false
	for int(a.agf.FlCount) > a.maxFreelistTarget() {
		bno, err := a.popFreelist()
		if err != nil {
			return err
		}
		if err := a.insertFreeExtent(bno, 1); err != nil {
			return err
		}
		trimmed = true
	}
	if trimmed {
		a.Tx.MakeSync()
	}
	return nil
}

// FixFreelist brings the AGFL back within [minFreelist,
// maxFreelistTarget] (spec.md §4.3 "fix_freelist"). Callers invoke it
// after any operation that changes tree height or AGFL occupancy.
func (a *AG) FixFreelist() error {
	if err := a.refillFreelist(); err != nil {
		return err
	}
	return a.trimFreelist()
}

func (a *AG) fixFreelist() error { return a.FixFreelist() }

// AllocMetaBlock and FreeMetaBlock let other per-AG metadata trees
// (the inode chunk tree in package ialloc, the bmbt blocks in package
// bmap) share this AG's AGFL-backed block source instead of
// each maintaining their own, matching how every on-disk B+tree in a
// real AG ultimately draws from the same freelist (spec.md §3).
func (a *AG) AllocMetaBlock() (uint64, error) { return a.allocTreeBlock() }
func (a *AG) FreeMetaBlock(ptr uint64) error  { return a.freeTreeBlock(ptr) }

// Rebalance re-applies FixFreelist after a caller outside this package
// has changed AG occupancy (e.g. ialloc allocating a new inode chunk).
func (a *AG) Rebalance() error { return a.FixFreelist() }

// VExtentHelper and FreeExtentHelper expose just enough of AG for
// sibling packages (ialloc, bmap) that need to allocate ordinary
// extents from the same AG's free space alongside their own metadata.
func (a *AG) VExtentHelper(args AllocArgs) (*AllocResult, error) { return VExtent(a, args) }
func (a *AG) FreeExtentHelper(bno xfscore.AgBno, length xfscore.ExtLen) error {
	return FreeExtent(a, bno, length)
}
