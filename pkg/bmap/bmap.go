// Package bmap implements the per-inode block-mapping B+tree (bmbt):
// file offset range to on-device extent, with the root embedded in the
// inode's literal area (spec.md §4.6).
package bmap

import (
	stderrors "errors"
	"sort"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// Fork is the tagged variant spec.md §9's design note calls for:
// `Fork ∈ {Local(bytes), Extents(Vec<ExtentRec>), Btree(Root,
// Vec<OnDiskBlock>)}`. Only one of the three slices/fields is live at a
// time, selected by Format.
type Fork struct {
	Format uint8 // xfscore.FormatLocal/FormatExtents/FormatBtree

	// Local holds raw literal-area bytes (symlink targets, tiny
	// directories). bmap never interprets these; Bmapi refuses to run
	// against a Local fork until ConvertLocalToExtents has run.
	Local []byte

	// Extents is the flat, inline extent array used by FormatExtents,
	// sorted by StartOff with no two records touching or overlapping
	// (spec.md §3, P5).
	Extents []xfscore.BmapRec

	// Root is the inline bmbt root's (key, child pointer) pairs, used
	// only by FormatBtree (spec.md §4.6 "root block... is not a disk
	// buffer"). Root always lives one level above its leaf children;
	// this implementation does not grow the tree past that single
	// level of indirection (see maxRootEntries).
	Root []rootEntry
}

type rootEntry struct {
	Key xfscore.Fsb // child leaf's first StartOff
	Ptr uint64      // fs-wide block address of the child leaf
}

// Inode is the bmap-facing view of an inode: its fixed core plus the
// data fork this package maps. The attribute fork is out of scope
// (spec.md §1, directory name resolution excluded).
type Inode struct {
	Geo xfscore.Geometry
	Tx  *txn.Transaction
	AG  *alloc.AG // the AG this inode's data extents are drawn from

	Core *xfscore.InodeCore
	Fork Fork

	// literalAreaSize bounds Local/Extents/Root capacity: bytes left in
	// the inode after its fixed core (spec.md §3 "literal area").
	literalAreaSize int
}

const (
	extentRecSize  = 8 + 8 + 4 + 1 // StartOff, StartBlock, BlockCount, Unwritten
	rootEntrySize  = 8 + 8         // Key, Ptr
)

// NewInode constructs a fresh, empty data fork for a just-allocated
// inode. literalAreaSize is the inode size minus its encoded core.
func NewInode(geo xfscore.Geometry, tx *txn.Transaction, ag *alloc.AG, core *xfscore.InodeCore, literalAreaSize int) *Inode {
	core.Format = xfscore.FormatExtents
	return &Inode{Geo: geo, Tx: tx, AG: ag, Core: core, literalAreaSize: literalAreaSize, Fork: Fork{Format: xfscore.FormatExtents}}
}

func (ip *Inode) maxExtentsInline() int { return ip.literalAreaSize / extentRecSize }
func (ip *Inode) maxRootEntries() int   { return ip.literalAreaSize / rootEntrySize }

// maxLeafRecs bounds an on-disk leaf block the same way package
// alloc's codec bounds by-bno/by-cnt blocks: block size minus a
// btreeHeaderSize-shaped header, divided by the record size.
func (ip *Inode) maxLeafRecs() int {
	return (int(ip.Geo.BlockSize()) - btreeHeaderSize) / leafRecSize
}

// ConvertLocalToExtents promotes a Local-format fork (inline data) to
// an empty Extents fork, discarding the inline bytes. Callers are
// responsible for having already relocated any inline data that needs
// to survive (spec.md §4.6 "LOCAL: data lives in the inode literal
// area"; converting it into block-mapped form is a data-fork-specific
// policy choice outside bmap's remit).
func (ip *Inode) ConvertLocalToExtents() {
	ip.Fork = Fork{Format: xfscore.FormatExtents}
	ip.Core.Format = xfscore.FormatExtents
}

// Bmapi returns the mappings covering [off, off+length), holes
// included as records with a null startblock (spec.md §4.6 "for read:
// walk the tree with LE, return a run of mappings... hole regions
// materialize as mappings with null startblock").
func (ip *Inode) Bmapi(off xfscore.Fsb, length xfscore.ExtLen) ([]xfscore.BmapRec, error) {
	if ip.Fork.Format == xfscore.FormatLocal {
		return nil, errors.Wrap(xfscore.ErrInvalid, "bmap: Bmapi on a Local-format fork")
	}
	end := off + xfscore.Fsb(length)

	var recs []xfscore.BmapRec
	switch ip.Fork.Format {
	case xfscore.FormatExtents:
		recs = ip.Fork.Extents
	case xfscore.FormatBtree:
		var err error
		recs, err = ip.collectBtreeRange(off, end)
		if err != nil {
			return nil, err
		}
	}

	var out []xfscore.BmapRec
	cursor := off
	for _, r := range recs {
		rEnd := r.StartOff + xfscore.Fsb(r.BlockCount)
		if rEnd <= off || r.StartOff >= end {
			continue
		}
		if r.StartOff > cursor {
			out = append(out, xfscore.BmapRec{StartOff: cursor, StartBlock: xfscore.NullStartBlock, BlockCount: xfscore.ExtLen(r.StartOff - cursor)})
		}
		out = append(out, r)
		cursor = rEnd
	}
	if cursor < end {
		out = append(out, xfscore.BmapRec{StartOff: cursor, StartBlock: xfscore.NullStartBlock, BlockCount: xfscore.ExtLen(end - cursor)})
	}
	return out, nil
}

// collectBtreeRange reads every leaf whose key range can overlap
// [off, end) and returns their concatenated records.
func (ip *Inode) collectBtreeRange(off, end xfscore.Fsb) ([]xfscore.BmapRec, error) {
	idx := rootSearch(ip.Fork.Root, off)
	var recs []xfscore.BmapRec
	for i := idx; i < len(ip.Fork.Root); i++ {
		if i > idx && ip.Fork.Root[i].Key >= end {
			break
		}
		leaf, err := ip.readLeaf(ip.Fork.Root[i].Ptr)
		if err != nil {
			return nil, err
		}
		recs = append(recs, leaf.Recs...)
	}
	return recs, nil
}

// rootSearch returns the index of the rightmost root entry whose key
// is <= target, or 0 if every entry's key is greater.
func rootSearch(root []rootEntry, target xfscore.Fsb) int {
	i := sort.Search(len(root), func(i int) bool { return root[i].Key > target })
	if i == 0 {
		return 0
	}
	return i - 1
}

// BmapiWrite maps [off, off+length) for writing: holes are filled by
// allocating real extents near the preceding mapping's end, and
// di_nextents/di_nblocks in the inode core are updated (spec.md §4.6
// "for write"). Each filled hole is inserted as its own record; it is
// not merged with an adjacent mapped record.
func (ip *Inode) BmapiWrite(off xfscore.Fsb, length xfscore.ExtLen) ([]xfscore.BmapRec, error) {
	if ip.Fork.Format == xfscore.FormatLocal {
		ip.ConvertLocalToExtents()
	}

	existing, err := ip.Bmapi(off, length)
	if err != nil {
		return nil, err
	}

	var hint xfscore.AgBno
	out := make([]xfscore.BmapRec, 0, len(existing))
	for _, r := range existing {
		if !r.IsHole() {
			out = append(out, r)
			_, hint = ip.Geo.Split(r.StartBlock + xfscore.Fsb(r.BlockCount))
			continue
		}
		rec, err := ip.allocateRange(r.StartOff, xfscore.ExtLen(r.BlockCount), hint)
		if err != nil {
			return nil, err
		}
		if err := ip.insertExtentRecord(rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
		_, hint = ip.Geo.Split(rec.StartBlock + xfscore.Fsb(rec.BlockCount))
	}
	return out, nil
}

// allocateRange allocates one extent covering as much of
// [off, off+length) as the AG can satisfy in a single run, preferring
// a location near hint (spec.md §4.6 "NEAR_BNO hinted at the
// neighbor allocation's end"), falling back to a best-fit allocation
// anywhere in the AG.
func (ip *Inode) allocateRange(off xfscore.Fsb, length xfscore.ExtLen, hint xfscore.AgBno) (xfscore.BmapRec, error) {
	args := alloc.AllocArgs{Type: alloc.NearBno, AgBno: hint, MinLen: 1, MaxLen: length}
	res, err := ip.AG.VExtentHelper(args)
	if err != nil {
		if !stderrors.Is(err, xfscore.ErrNoSpace) {
			return xfscore.BmapRec{}, err
		}
		args = alloc.AllocArgs{Type: alloc.AnySize, MinLen: 1, MaxLen: length}
		res, err = ip.AG.VExtentHelper(args)
		if err != nil {
			return xfscore.BmapRec{}, err
		}
	}
	ip.Core.NBlocks += uint64(res.Len)
	return xfscore.BmapRec{
		StartOff:   off,
		StartBlock: ip.Geo.Join(res.Agno, res.AgBno),
		BlockCount: res.Len,
	}, nil
}

// ReserveDelalloc records a delayed-allocation placeholder for
// [off, off+length) without consulting the free-space allocator
// (SPEC_FULL supplement, grounded on xfs_bmap.c's XFS_BMAPI_DELAY,
// mirroring xfs_bmap_add_extent_delay_real's reservation half).
func (ip *Inode) ReserveDelalloc(off xfscore.Fsb, length xfscore.ExtLen) error {
	if length == 0 {
		return xfscore.ErrInvalid
	}
	return ip.insertExtentRecord(xfscore.BmapRec{StartOff: off, StartBlock: xfscore.DelayStartBlockLo, BlockCount: length})
}

// FlushDelalloc converts the delayed-allocation placeholder covering
// off into a real extent of the same length, updating the record in
// place rather than re-walking holes (SPEC_FULL supplement, mirroring
// xfs_bmap_add_extent_delay_real).
func (ip *Inode) FlushDelalloc(off xfscore.Fsb) (xfscore.BmapRec, error) {
	existing, err := ip.Bmapi(off, 1)
	if err != nil {
		return xfscore.BmapRec{}, err
	}
	if len(existing) == 0 || !existing[0].IsDelayed() {
		return xfscore.BmapRec{}, errors.Wrap(xfscore.ErrInvalid, "bmap: FlushDelalloc: no delayed extent at offset")
	}
	old := existing[0]
	rec, err := ip.allocateRange(old.StartOff, old.BlockCount, 0)
	if err != nil {
		return xfscore.BmapRec{}, err
	}
	if rec.BlockCount < old.BlockCount {
		ip.Core.NBlocks -= uint64(rec.BlockCount)
		if err := ip.freeRecord(rec); err != nil {
			return xfscore.BmapRec{}, err
		}
		return xfscore.BmapRec{}, errors.Wrap(xfscore.ErrNoSpace, "bmap: FlushDelalloc: no single free run covers the delayed extent")
	}
	if err := ip.updateExtentRecord(old.StartOff, rec); err != nil {
		return xfscore.BmapRec{}, err
	}
	return rec, nil
}
