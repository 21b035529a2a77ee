package alloc

import (
	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// FreeExtent returns [bno, bno+length) to the AG's free space,
// coalescing with an adjoining left and/or right neighbor and
// rejecting a free of space that is already free (spec.md §4.3,
// §8 "free with two neighbors").
func FreeExtent(ag *AG, bno xfscore.AgBno, length xfscore.ExtLen) error {
	if length == 0 {
		return xfscore.ErrInvalid
	}

	mergedBno, mergedLen := bno, length

	leftCur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: ag})
	found, err := leftCur.Lookup(bno, btree.LE)
	if err != nil {
		return err
	}
	if found {
		return errors.Wrapf(xfscore.ErrCorrupt, "alloc: freeing block %d, already free", bno)
	}
	if rec, ok := leftCur.GetRec(); ok {
		end := xfscore.AgBno(uint64(rec.StartBlock) + uint64(rec.BlockCount))
		switch {
		case end == bno:
			if err := ag.removeFreeExtent(rec.StartBlock, rec.BlockCount); err != nil {
				return err
			}
			mergedBno = rec.StartBlock
			mergedLen += rec.BlockCount
		case end > bno:
			return errors.Wrapf(xfscore.ErrCorrupt, "alloc: freeing [%d,%d) overlaps free extent [%d,%d)", bno, uint64(bno)+uint64(length), rec.StartBlock, end)
		}
	}

	rightStart := xfscore.AgBno(uint64(mergedBno) + uint64(mergedLen))
	rightCur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: ag})
	_, err = rightCur.Lookup(bno, btree.GE)
	if err != nil {
		return err
	}
	if rec, ok := rightCur.GetRec(); ok && rec.StartBlock < rightStart {
		return errors.Wrapf(xfscore.ErrCorrupt, "alloc: freeing [%d,%d) overlaps free extent starting at %d", bno, uint64(rightStart), rec.StartBlock)
	} else if ok && rec.StartBlock == rightStart {
		if err := ag.removeFreeExtent(rec.StartBlock, rec.BlockCount); err != nil {
			return err
		}
		mergedLen += rec.BlockCount
	}

	if err := ag.insertFreeExtent(mergedBno, mergedLen); err != nil {
		return err
	}
	return ag.FixFreelist()
}
