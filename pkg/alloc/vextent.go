package alloc

import (
	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// AllocType selects how strongly an allocation request cares about
// location, mirroring xfs_alloc_vextent's exact/near/any modes
// (spec.md §4.3).
type AllocType int

const (
	// ExactBno requires the allocation to start at exactly AgBno
	// (THIS_BNO).
	ExactBno AllocType = iota
	// NearBno allocates from the start of whichever of the two free
	// extents nearest AgBno (one on each side) is closer (NEAR_BNO);
	// see lookupNear.
	NearBno
	// AnySize takes whatever adequate extent best fits, ignoring
	// location (THIS_AG).
	AnySize
)

// AllocArgs describes one allocation request within a single AG.
type AllocArgs struct {
	Type   AllocType
	AgBno  xfscore.AgBno
	MinLen xfscore.ExtLen
	MaxLen xfscore.ExtLen
	// MinLeft is the number of free blocks that must remain in the AG
	// after this allocation, protecting the freelist refill this same
	// operation may still need to perform (spec.md §4.3 "minleft").
	MinLeft xfscore.ExtLen
}

// AllocResult is the extent actually allocated.
type AllocResult struct {
	Agno  xfscore.AgNumber
	AgBno xfscore.AgBno
	Len   xfscore.ExtLen
}

// FixLen caps a candidate extent's usable length at the request's
// MaxLen. It does not raise a length below MinLen; VExtent rejects
// such a result.
func FixLen(avail xfscore.ExtLen, args AllocArgs) xfscore.ExtLen {
	want := args.MaxLen
	if avail < want {
		want = avail
	}
	return want
}

// ComputeDiff returns the absolute AG-relative block distance between
// a candidate start block and the requested one, the metric NEAR_BNO
// minimizes.
func ComputeDiff(candidate, want xfscore.AgBno) int64 {
	if candidate >= want {
		return int64(candidate) - int64(want)
	}
	return int64(want) - int64(candidate)
}

// VExtent allocates an extent within ag per args, splitting the
// backing free extent and reinserting any leftover head/tail, then
// rebalances the AGFL (spec.md §4.3).
func VExtent(ag *AG, args AllocArgs) (*AllocResult, error) {
	if args.MinLen == 0 || args.MaxLen < args.MinLen {
		return nil, xfscore.ErrInvalid
	}
	if xfscore.ExtLen(ag.agf.FreeBlocks) < args.MinLen+args.MinLeft {
		return nil, xfscore.ErrNoSpace
	}

	var foundBno xfscore.AgBno
	var foundLen xfscore.ExtLen
	var err error
	switch args.Type {
	case ExactBno:
		foundBno, foundLen, err = ag.lookupExact(args.AgBno, args.MinLen)
	case NearBno:
		foundBno, foundLen, err = ag.lookupNear(args.AgBno, args.MinLen)
	default:
		foundBno, foundLen, err = ag.lookupAny(args.MinLen)
	}
	if err != nil {
		return nil, err
	}

	allocBno := foundBno
	if args.Type == ExactBno {
		allocBno = args.AgBno
	}
	head := xfscore.ExtLen(allocBno - foundBno)
	allocLen := FixLen(foundLen-head, args)
	if free := xfscore.ExtLen(ag.agf.FreeBlocks); free-allocLen < args.MinLeft {
		allocLen = free - args.MinLeft
	}
	if allocLen < args.MinLen {
		return nil, xfscore.ErrNoSpace
	}

	if err := ag.removeFreeExtent(foundBno, foundLen); err != nil {
		return nil, err
	}
	if head > 0 {
		if err := ag.insertFreeExtent(foundBno, head); err != nil {
			return nil, err
		}
	}
	tailStart := allocBno + xfscore.AgBno(allocLen)
	tailLen := foundLen - head - allocLen
	if tailLen > 0 {
		if err := ag.insertFreeExtent(tailStart, tailLen); err != nil {
			return nil, err
		}
	}

	if err := ag.FixFreelist(); err != nil {
		return nil, err
	}

	return &AllocResult{Agno: ag.Num, AgBno: allocBno, Len: allocLen}, nil
}

// lookupExact requires an existing free extent covering [want, want+minLen).
func (a *AG) lookupExact(want xfscore.AgBno, minLen xfscore.ExtLen) (xfscore.AgBno, xfscore.ExtLen, error) {
	cur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: a})
	found, err := cur.Lookup(want, btree.LE)
	if err != nil {
		return 0, 0, err
	}
	rec, ok := cur.GetRec()
	if !ok {
		return 0, 0, xfscore.ErrNoSpace
	}
	end := xfscore.AgBno(uint64(rec.StartBlock) + uint64(rec.BlockCount))
	if !found && (rec.StartBlock > want || end <= want) {
		return 0, 0, xfscore.ErrNoSpace
	}
	if end < want+xfscore.AgBno(minLen) {
		return 0, 0, xfscore.ErrNoSpace
	}
	return rec.StartBlock, rec.BlockCount, nil
}

// lookupNear considers only the free extent at or before want and the
// one at or after it, keeps each that is at least minLen long, and
// returns the one whose start block is closer to want, breaking ties
// toward the lower (left) candidate (spec.md §8 scenario: NEAR_BNO
// left-first tie-break). Extents further out on either side are not
// searched, so a side whose nearest extent is too short contributes
// no candidate.
func (a *AG) lookupNear(want xfscore.AgBno, minLen xfscore.ExtLen) (xfscore.AgBno, xfscore.ExtLen, error) {
	cur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: a})

	var leftBno, rightBno xfscore.AgBno
	var leftLen, rightLen xfscore.ExtLen
	haveLeft, haveRight := false, false

	if _, err := cur.Lookup(want, btree.LE); err != nil {
		return 0, 0, err
	}
	if rec, ok := cur.GetRec(); ok && rec.BlockCount >= minLen {
		leftBno, leftLen, haveLeft = rec.StartBlock, rec.BlockCount, true
	}

	cur2 := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: a})
	if _, err := cur2.Lookup(want, btree.GE); err != nil {
		return 0, 0, err
	}
	if rec, ok := cur2.GetRec(); ok && rec.BlockCount >= minLen {
		rightBno, rightLen, haveRight = rec.StartBlock, rec.BlockCount, true
	}

	switch {
	case !haveLeft && !haveRight:
		return 0, 0, xfscore.ErrNoSpace
	case haveLeft && !haveRight:
		return leftBno, leftLen, nil
	case !haveLeft && haveRight:
		return rightBno, rightLen, nil
	default:
		ld := ComputeDiff(leftBno, want)
		rd := ComputeDiff(rightBno, want)
		if rd < ld {
			return rightBno, rightLen, nil
		}
		return leftBno, leftLen, nil
	}
}

// lookupAny returns the smallest free extent that is still at least
// minLen long (best fit), via the by-cnt tree.
func (a *AG) lookupAny(minLen xfscore.ExtLen) (xfscore.AgBno, xfscore.ExtLen, error) {
	cur := btree.NewCursor[CntKey, xfscore.FreeExtentRec](&cntOps{ag: a})
	_, err := cur.Lookup(CntKey{Len: minLen, Bno: 0}, btree.GE)
	if err != nil {
		return 0, 0, err
	}
	rec, ok := cur.GetRec()
	if !ok {
		return 0, 0, xfscore.ErrNoSpace
	}
	if rec.BlockCount < minLen {
		return 0, 0, errors.Wrap(xfscore.ErrCorrupt, "alloc: by-cnt tree returned an undersized extent")
	}
	return rec.StartBlock, rec.BlockCount, nil
}
