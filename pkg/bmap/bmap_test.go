package bmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

func testGeometry() xfscore.Geometry {
	return xfscore.Geometry{
		AgBlocksLog: 8, // 256 blocks/AG
		BlockLog:    7, // 128-byte blocks
		InodeLog:    8,
		AgCount:     1,
		AgBlocks:    256,
	}
}

func newTestAG(t *testing.T) (*txn.Transaction, *alloc.AG, xfscore.Geometry) {
	t.Helper()
	geo := testGeometry()
	m := txn.NewMount(0, txn.NewMemDevice(), txn.NewInMemoryLog(), nil)
	tx, err := txn.Begin(m)
	require.NoError(t, err)
	ag, err := alloc.MkfsAG(tx, geo, 0, 256)
	require.NoError(t, err)
	return tx, ag, geo
}

func allocBlock(t *testing.T, ag *alloc.AG, geo xfscore.Geometry) xfscore.Fsb {
	t.Helper()
	res, err := ag.VExtentHelper(alloc.AllocArgs{Type: alloc.AnySize, MinLen: 1, MaxLen: 1})
	require.NoError(t, err)
	return geo.Join(res.Agno, res.AgBno)
}

// Scenario 5: an insert that overflows the literal area's flat extent
// array converts the fork to BTREE format with a single child leaf;
// further inserts that overflow that leaf split it and grow the
// inline root's entry array, up to the literal area's own capacity.
// Deletes that walk the same path back empty and free the leaves,
// collapsing the root to a single child and finally back to an
// Extents fork (spec.md §8 scenario 5).
func TestInsertSplitsLeafAndUnmapCollapsesRoot(t *testing.T) {
	tx, ag, geo := newTestAG(t)
	core := &xfscore.InodeCore{}
	// literalAreaSize=32: maxExtentsInline=1, maxRootEntries=2.
	ip := NewInode(geo, tx, ag, core, 32)

	offs := []xfscore.Fsb{0, 10, 20, 30, 40}
	for _, off := range offs {
		block := allocBlock(t, ag, geo)
		rec := xfscore.BmapRec{StartOff: off, StartBlock: block, BlockCount: 1}
		require.NoError(t, ip.insertExtentRecord(rec), "insertExtentRecord(off=%d)", off)
	}

	require.Equal(t, uint8(xfscore.FormatBtree), ip.Fork.Format, "format after 5 inserts")
	require.Len(t, ip.Fork.Root, 2, "root entries after the 5th insert splits the only leaf")
	require.EqualValues(t, len(offs), ip.Core.NExtents)

	recs, err := ip.Bmapi(0, 50)
	require.NoError(t, err)
	var mapped int
	for _, r := range recs {
		if !r.IsHole() {
			mapped++
		}
	}
	require.Equal(t, len(offs), mapped)

	// The 5th insert split the leaf 2/3, so the right leaf (maxLeafRecs 4
	// at 128-byte blocks) still takes a 6th record at offset 50.
	require.NoError(t, ip.insertExtentRecord(xfscore.BmapRec{StartOff: 50, StartBlock: allocBlock(t, ag, geo), BlockCount: 1}))

	// A 7th insert overflows the full right leaf and would need a 3rd
	// root entry; the inline root caps out at maxRootEntries (see
	// insertIntoBtree's documented simplification).
	overflowBlock := allocBlock(t, ag, geo)
	_, overflowBno := geo.Split(overflowBlock)
	err = ip.insertExtentRecord(xfscore.BmapRec{StartOff: 60, StartBlock: overflowBlock, BlockCount: 1})
	require.Error(t, err, "insert past root capacity should fail")
	require.NoError(t, ag.FreeExtentHelper(overflowBno, 1))

	// Delete back down from the rightmost leaf: emptying it frees the
	// leaf and drops the root to a single entry; emptying that entry's
	// leaf down to maxExtentsInline collapses the fork to Extents.
	for _, off := range []xfscore.Fsb{50, 40, 30, 20, 10} {
		require.NoError(t, ip.Unmap(off), "Unmap(%d)", off)
	}

	require.Equal(t, uint8(xfscore.FormatExtents), ip.Fork.Format, "format after collapsing back down")
	require.Len(t, ip.Fork.Extents, 1)
	require.EqualValues(t, 0, ip.Fork.Extents[0].StartOff)
	require.EqualValues(t, 0, ip.Core.NBlocks, "every bmbt leaf block allocated during the split should be freed again")

	require.NoError(t, tx.Commit())
}

// Holes in an unmapped range read back as null-startblock records, and
// a write into that range allocates real extents and fills them in
// (spec.md §4.6, the read/write Bmapi contract).
func TestBmapiWriteFillsHoles(t *testing.T) {
	tx, ag, geo := newTestAG(t)
	core := &xfscore.InodeCore{}
	ip := NewInode(geo, tx, ag, core, 256)

	recs, err := ip.Bmapi(0, 4)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].IsHole())
	require.EqualValues(t, 4, recs[0].BlockCount)

	written, err := ip.BmapiWrite(0, 4)
	require.NoError(t, err)
	var total xfscore.ExtLen
	for _, r := range written {
		require.False(t, r.IsHole(), "BmapiWrite left a hole in its own output: %+v", r)
		total += r.BlockCount
	}
	require.EqualValues(t, 4, total)
	require.EqualValues(t, 4, ip.Core.NBlocks, "blocks filled into holes")

	reread, err := ip.Bmapi(0, 4)
	require.NoError(t, err)
	for _, r := range reread {
		require.False(t, r.IsHole(), "re-reading a written range still reports a hole: %+v", r)
	}

	require.NoError(t, tx.Commit())
}

// ReserveDelalloc followed by FlushDelalloc must replace the delayed
// placeholder with a real extent at the same offset and length,
// without disturbing neighboring mappings (SPEC_FULL supplement).
func TestReserveAndFlushDelalloc(t *testing.T) {
	tx, ag, geo := newTestAG(t)
	core := &xfscore.InodeCore{}
	ip := NewInode(geo, tx, ag, core, 256)

	require.NoError(t, ip.ReserveDelalloc(0, 2))
	recs, err := ip.Bmapi(0, 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].IsDelayed())

	real, err := ip.FlushDelalloc(0)
	require.NoError(t, err)
	require.False(t, real.IsDelayed())
	require.False(t, real.IsHole())
	require.EqualValues(t, 0, real.StartOff)
	require.EqualValues(t, 2, real.BlockCount)

	require.NoError(t, tx.Commit())
}
