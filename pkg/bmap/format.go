package bmap

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// insertExtentRecord adds rec to the fork, converting Extents to
// Btree if the flat array would overflow the literal area (spec.md
// §4.6 "Array grown past ifork_data_size/sizeof(rec) -> convert to
// BTREE").
func (ip *Inode) insertExtentRecord(rec xfscore.BmapRec) error {
	switch ip.Fork.Format {
	case xfscore.FormatExtents:
		return ip.insertIntoExtents(rec)
	case xfscore.FormatBtree:
		return ip.insertIntoBtree(rec)
	default:
		return errors.Wrap(xfscore.ErrInvalid, "bmap: insert into a Local-format fork")
	}
}

func (ip *Inode) insertIntoExtents(rec xfscore.BmapRec) error {
	idx := sort.Search(len(ip.Fork.Extents), func(i int) bool { return ip.Fork.Extents[i].StartOff >= rec.StartOff })
	if idx < len(ip.Fork.Extents) && ip.Fork.Extents[idx].StartOff == rec.StartOff {
		return errors.Wrap(xfscore.ErrCorrupt, "bmap: duplicate extent startoff on insert")
	}
	ip.Fork.Extents = append(ip.Fork.Extents, xfscore.BmapRec{})
	copy(ip.Fork.Extents[idx+1:], ip.Fork.Extents[idx:len(ip.Fork.Extents)-1])
	ip.Fork.Extents[idx] = rec
	ip.Core.NExtents++

	if len(ip.Fork.Extents) > ip.maxExtentsInline() {
		return ip.convertExtentsToBtree()
	}
	return nil
}

// convertExtentsToBtree allocates one leaf block, copies the existing
// flat extent array into it, and replaces the literal area with a
// single-entry inline root pointing at that child (spec.md §8
// scenario 5): "numrecs becomes 1, its single key/ptr points to the
// new child, and di_nblocks is incremented by 1".
func (ip *Inode) convertExtentsToBtree() error {
	recs := ip.Fork.Extents
	ptr, err := ip.AG.AllocMetaBlock()
	if err != nil {
		return errors.Wrap(err, "bmap: convert to btree: allocating child leaf")
	}
	leaf := &leafBlock{ptr: ptr, Recs: recs, LeftSib: nullSib, RightSib: nullSib}
	if err := ip.writeLeaf(leaf); err != nil {
		return err
	}

	ip.Fork = Fork{Format: xfscore.FormatBtree, Root: []rootEntry{{Key: recs[0].StartOff, Ptr: ptr}}}
	ip.Core.Format = xfscore.FormatBtree
	ip.Core.NBlocks++
	return nil
}

const nullSib = ^uint64(0)

// insertIntoBtree inserts rec into the leaf its key range belongs to,
// splitting that leaf and growing the inline root's entry array on
// overflow. This implementation keeps the inline root exactly one
// level above its leaf children (documented simplification, DESIGN.md
// "bmap"); if the root's own entry array would overflow the literal
// area, ErrNoSpace is returned rather than adding another level.
func (ip *Inode) insertIntoBtree(rec xfscore.BmapRec) error {
	ri := rootSearch(ip.Fork.Root, rec.StartOff)
	leaf, err := ip.readLeaf(ip.Fork.Root[ri].Ptr)
	if err != nil {
		return err
	}

	idx := sort.Search(len(leaf.Recs), func(i int) bool { return leaf.Recs[i].StartOff >= rec.StartOff })
	if idx < len(leaf.Recs) && leaf.Recs[idx].StartOff == rec.StartOff {
		return errors.Wrap(xfscore.ErrCorrupt, "bmap: duplicate extent startoff on btree insert")
	}
	leaf.Recs = append(leaf.Recs, xfscore.BmapRec{})
	copy(leaf.Recs[idx+1:], leaf.Recs[idx:len(leaf.Recs)-1])
	leaf.Recs[idx] = rec

	if len(leaf.Recs) <= ip.maxLeafRecs() {
		ip.Core.NExtents++
		return ip.writeLeaf(leaf)
	}

	if len(ip.Fork.Root) >= ip.maxRootEntries() {
		return errors.Wrap(xfscore.ErrNoSpace, "bmap: inline root full; deeper bmbt levels are not supported")
	}
	ip.Core.NExtents++

	mid := len(leaf.Recs) / 2
	rightRecs := append([]xfscore.BmapRec{}, leaf.Recs[mid:]...)
	leaf.Recs = leaf.Recs[:mid]

	newPtr, err := ip.AG.AllocMetaBlock()
	if err != nil {
		return errors.Wrap(err, "bmap: leaf split: allocating new leaf")
	}
	right := &leafBlock{ptr: newPtr, Recs: rightRecs, LeftSib: leaf.ptr, RightSib: leaf.RightSib}
	leaf.RightSib = newPtr

	if err := ip.writeLeaf(leaf); err != nil {
		return err
	}
	if err := ip.writeLeaf(right); err != nil {
		return err
	}
	ip.Core.NBlocks++

	newEntry := rootEntry{Key: rightRecs[0].StartOff, Ptr: newPtr}
	insertAt := ri + 1
	ip.Fork.Root = append(ip.Fork.Root, rootEntry{})
	copy(ip.Fork.Root[insertAt+1:], ip.Fork.Root[insertAt:len(ip.Fork.Root)-1])
	ip.Fork.Root[insertAt] = newEntry
	return nil
}

// updateExtentRecord replaces the record starting exactly at startOff
// (used by FlushDelalloc to turn a delayed placeholder into a real
// extent without re-walking holes).
func (ip *Inode) updateExtentRecord(startOff xfscore.Fsb, rec xfscore.BmapRec) error {
	switch ip.Fork.Format {
	case xfscore.FormatExtents:
		idx := sort.Search(len(ip.Fork.Extents), func(i int) bool { return ip.Fork.Extents[i].StartOff >= startOff })
		if idx >= len(ip.Fork.Extents) || ip.Fork.Extents[idx].StartOff != startOff {
			return errors.Wrap(xfscore.ErrCorrupt, "bmap: update: no extent at offset")
		}
		ip.Fork.Extents[idx] = rec
		return nil
	case xfscore.FormatBtree:
		ri := rootSearch(ip.Fork.Root, startOff)
		leaf, err := ip.readLeaf(ip.Fork.Root[ri].Ptr)
		if err != nil {
			return err
		}
		idx := sort.Search(len(leaf.Recs), func(i int) bool { return leaf.Recs[i].StartOff >= startOff })
		if idx >= len(leaf.Recs) || leaf.Recs[idx].StartOff != startOff {
			return errors.Wrap(xfscore.ErrCorrupt, "bmap: update: no extent at offset")
		}
		leaf.Recs[idx] = rec
		return ip.writeLeaf(leaf)
	default:
		return errors.Wrap(xfscore.ErrInvalid, "bmap: update on a Local-format fork")
	}
}

// Unmap releases the single record starting exactly at off, freeing
// its backing extent (if any) back to the AG. Partial-extent
// truncation is out of scope for this implementation (documented
// simplification, DESIGN.md "bmap"); callers must unmap whole records.
func (ip *Inode) Unmap(off xfscore.Fsb) error {
	switch ip.Fork.Format {
	case xfscore.FormatExtents:
		idx := sort.Search(len(ip.Fork.Extents), func(i int) bool { return ip.Fork.Extents[i].StartOff >= off })
		if idx >= len(ip.Fork.Extents) || ip.Fork.Extents[idx].StartOff != off {
			return errors.Wrap(xfscore.ErrCorrupt, "bmap: unmap: no extent at offset")
		}
		rec := ip.Fork.Extents[idx]
		if err := ip.freeRecord(rec); err != nil {
			return err
		}
		ip.Fork.Extents = append(ip.Fork.Extents[:idx], ip.Fork.Extents[idx+1:]...)
		ip.Core.NExtents--
		return nil
	case xfscore.FormatBtree:
		ri := rootSearch(ip.Fork.Root, off)
		leaf, err := ip.readLeaf(ip.Fork.Root[ri].Ptr)
		if err != nil {
			return err
		}
		idx := sort.Search(len(leaf.Recs), func(i int) bool { return leaf.Recs[i].StartOff >= off })
		if idx >= len(leaf.Recs) || leaf.Recs[idx].StartOff != off {
			return errors.Wrap(xfscore.ErrCorrupt, "bmap: unmap: no extent at offset")
		}
		rec := leaf.Recs[idx]
		if err := ip.freeRecord(rec); err != nil {
			return err
		}
		leaf.Recs = append(leaf.Recs[:idx], leaf.Recs[idx+1:]...)
		ip.Core.NExtents--
		if len(leaf.Recs) == 0 {
			if err := ip.AG.FreeMetaBlock(leaf.ptr); err != nil {
				return err
			}
			ip.Core.NBlocks--
			ip.Fork.Root = append(ip.Fork.Root[:ri], ip.Fork.Root[ri+1:]...)
		} else if err := ip.writeLeaf(leaf); err != nil {
			return err
		}
		return ip.maybeKillRoot()
	default:
		return errors.Wrap(xfscore.ErrInvalid, "bmap: unmap on a Local-format fork")
	}
}

func (ip *Inode) freeRecord(rec xfscore.BmapRec) error {
	if rec.IsHole() || rec.IsDelayed() {
		return nil
	}
	_, bno := ip.Geo.Split(rec.StartBlock)
	return ip.AG.FreeExtentHelper(bno, rec.BlockCount)
}

// maybeKillRoot collapses a Btree fork with a single remaining child
// back into Extents form when that child's records fit back in the
// literal area (spec.md §8 scenario 5, symmetric with
// convertExtentsToBtree): "must correctly copy the child's records
// back into the literal area and free the child".
func (ip *Inode) maybeKillRoot() error {
	if ip.Fork.Format != xfscore.FormatBtree || len(ip.Fork.Root) != 1 {
		return nil
	}
	leaf, err := ip.readLeaf(ip.Fork.Root[0].Ptr)
	if err != nil {
		return err
	}
	if len(leaf.Recs) > ip.maxExtentsInline() {
		return nil
	}
	if err := ip.AG.FreeMetaBlock(leaf.ptr); err != nil {
		return err
	}
	ip.Core.NBlocks--
	ip.Fork = Fork{Format: xfscore.FormatExtents, Extents: leaf.Recs}
	ip.Core.Format = xfscore.FormatExtents
	return nil
}
