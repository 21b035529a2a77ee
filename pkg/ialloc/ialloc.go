// Package ialloc implements the per-AG inode allocator: the inode
// chunk B+tree and chunk creation (spec.md §4.5). It works on the one
// AG it is handed; it does not choose which AG a new inode goes to.
package ialloc

import (
	"encoding/binary"
	stderrors "errors"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

const (
	btreeHeaderSize   = 4 + 2 + 2 + 8 + 8
	leafRecSize       = 4 + 4 + 8 // StartIno, FreeCount, Free mask
	internalEntrySize = 8 + 8
)

// AGI is an open handle onto one AG's inode-allocation state: the AGI
// header plus the AG's free-space handle (new chunks are carved out of
// ordinary AG free space, so chunk allocation shares the same AGFL and
// by-bno/by-cnt trees package alloc maintains).
type AGI struct {
	Geo xfscore.Geometry
	Num xfscore.AgNumber
	Tx  *txn.Transaction
	AG  *alloc.AG

	agi    *xfscore.AGI
	agiBuf *txn.Buffer
}

func headerDaddr(geo xfscore.Geometry, ag xfscore.AgNumber, bno xfscore.AgBno) uint64 {
	return uint64(geo.Join(ag, bno))
}

// AGIHeaderBno is the AG-relative block carrying the inode-allocation
// header. Block 0 of every AG is left to the superblock, blocks 1 and 3
// belong to package alloc's AGF and AGFL, and package alloc's
// free-space tree roots start at block 4, so this package owns block 2
// exclusively.
const AGIHeaderBno xfscore.AgBno = 2

func agiSize() int { return binary.Size(xfscore.AGI{}) }

// OpenAGI reads and validates ag's AGI header.
func OpenAGI(tx *txn.Transaction, ag *alloc.AG, geo xfscore.Geometry, agno xfscore.AgNumber) (*AGI, error) {
	buf, err := tx.ReadBuf(headerDaddr(geo, agno, AGIHeaderBno), int(geo.BlockSize()))
	if err != nil {
		return nil, err
	}
	agi := &xfscore.AGI{}
	if err := xfscore.Decode(buf.Data[:agiSize()], agi); err != nil {
		return nil, err
	}
	if err := xfscore.ValidateAGI(agi, uint32(agno)); err != nil {
		return nil, err
	}
	return &AGI{Geo: geo, Num: agno, Tx: tx, AG: ag, agi: agi, agiBuf: buf}, nil
}

// MkfsAGI initializes an empty inode-allocation header for a new AG.
func MkfsAGI(tx *txn.Transaction, ag *alloc.AG, geo xfscore.Geometry, agno xfscore.AgNumber, length uint32) (*AGI, error) {
	buf, err := tx.GetBuf(headerDaddr(geo, agno, AGIHeaderBno), int(geo.BlockSize()))
	if err != nil {
		return nil, err
	}
	a := &AGI{
		Geo: geo, Num: agno, Tx: tx, AG: ag,
		agi: &xfscore.AGI{
			Magic:   xfscore.AGIMagic,
			Version: xfscore.AGIVersion,
			SeqNo:   uint32(agno),
			Length:  length,
		},
		agiBuf: buf,
	}

	// Reserve the chunk tree's root out of the AGFL rather than leaving
	// Root at its zero value, which would alias AG-relative block 0 (the
	// superblock's block) the first time the tree is written.
	rootPtr, err := ag.AllocMetaBlock()
	if err != nil {
		return nil, err
	}
	_, rootBno := geo.Split(xfscore.Fsb(rootPtr))
	a.agi.Root = rootBno
	a.agi.Level = 0

	return a, a.Save()
}

func (a *AGI) Save() error {
	enc, err := xfscore.Encode(a.agi)
	if err != nil {
		return err
	}
	copy(a.agiBuf.Data, enc)
	return a.Tx.LogBuf(a.agiBuf, 0, len(enc)-1)
}

func (a *AGI) maxRecs(level int) int {
	if level == 0 {
		return (int(a.Geo.BlockSize()) - btreeHeaderSize) / leafRecSize
	}
	return (int(a.Geo.BlockSize()) - btreeHeaderSize) / internalEntrySize
}

// chunkOps drives the inode chunk B+tree, keyed by each chunk's first
// AG-relative inode number (spec.md §4.5).
type chunkOps struct{ agi *AGI }

func (o *chunkOps) Compare(a, b xfscore.AgIno) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func (o *chunkOps) RecKey(r xfscore.InodeChunkRec) xfscore.AgIno { return r.StartIno }
func (o *chunkOps) MaxRecs(level int) int                        { return o.agi.maxRecs(level) }
func (o *chunkOps) MinRecs(level int) int                         { return o.agi.maxRecs(level) / 2 }

func (o *chunkOps) ReadBlock(ptr uint64) (*btree.Block[xfscore.AgIno, xfscore.InodeChunkRec], error) {
	buf, err := o.agi.Tx.ReadBuf(ptr, int(o.agi.Geo.BlockSize()))
	if err != nil {
		return nil, err
	}
	return decodeChunkBlock(buf.Data)
}

func (o *chunkOps) WriteBlock(ptr uint64, b *btree.Block[xfscore.AgIno, xfscore.InodeChunkRec]) error {
	buf, err := o.agi.Tx.GetBuf(ptr, int(o.agi.Geo.BlockSize()))
	if err != nil {
		return err
	}
	data := encodeChunkBlock(b, len(buf.Data))
	copy(buf.Data, data)
	return o.agi.Tx.LogBuf(buf, 0, len(data)-1)
}

func (o *chunkOps) AllocBlock() (uint64, error) { return o.agi.AG.AllocMetaBlock() }
func (o *chunkOps) FreeBlock(ptr uint64) error  { return o.agi.AG.FreeMetaBlock(ptr) }

func (o *chunkOps) Root() (uint64, int) {
	return uint64(o.agi.Geo.Join(o.agi.Num, o.agi.agi.Root)), int(o.agi.agi.Level)
}
func (o *chunkOps) SetRoot(ptr uint64, level int) {
	_, bno := o.agi.Geo.Split(xfscore.Fsb(ptr))
	o.agi.agi.Root = bno
	o.agi.agi.Level = uint32(level)
}

func (a *AGI) cursor() *btree.Cursor[xfscore.AgIno, xfscore.InodeChunkRec] {
	return btree.NewCursor[xfscore.AgIno, xfscore.InodeChunkRec](&chunkOps{agi: a})
}

// alignUp rounds bno up to the next multiple of step (step a power of
// two in practice, but the arithmetic here does not require it).
func alignUp(bno xfscore.AgBno, step xfscore.ExtLen) xfscore.AgBno {
	rem := uint32(bno) % uint32(step)
	if rem == 0 {
		return bno
	}
	return bno + xfscore.AgBno(uint32(step)-rem)
}

// chunkAlignment is the spec's supplemented invariant: every chunk's
// start inode must be a multiple of InodesPerChunk (spec.md §4.5
// supplement, grounded on original_source/fs/xfs/xfs_ialloc.c's
// chunk-alignment assertion).
func chunkAlignment(start xfscore.AgIno) error {
	if uint32(start)%xfscore.InodesPerChunk != 0 {
		return errors.Wrapf(xfscore.ErrCorrupt, "ialloc: chunk start %d is not %d-aligned", start, xfscore.InodesPerChunk)
	}
	return nil
}

// allocateChunk carves a fresh InodesPerChunk-inode chunk out of the
// AG's ordinary free space and inserts its (all-free) record into the
// chunk tree. The chunk must start on a blocksPerChunk-aligned
// boundary (chunkAlignment); candidates are tried in ascending order
// since VExtent's own NearBno/AnySize modes have no notion of
// alignment (spec.md §4.5 supplement, grounded on
// original_source/fs/xfs/xfs_ialloc.c's chunk-aligned allocation loop).
func (a *AGI) allocateChunk(inodesPerBlock xfscore.ExtLen) (xfscore.InodeChunkRec, error) {
	blocksPerChunk := xfscore.ExtLen(xfscore.InodesPerChunk) / inodesPerBlock
	if blocksPerChunk == 0 {
		blocksPerChunk = 1
	}

	agLen := a.AG.Length()
	candidate := alignUp(alloc.FirstUsableBno, blocksPerChunk)
	var res *alloc.AllocResult
	for {
		if xfscore.ExtLen(candidate)+blocksPerChunk > agLen {
			return xfscore.InodeChunkRec{}, xfscore.ErrNoSpace
		}
		r, err := a.AG.VExtentHelper(alloc.AllocArgs{
			Type:   alloc.ExactBno,
			AgBno:  candidate,
			MinLen: blocksPerChunk,
			MaxLen: blocksPerChunk,
		})
		if err == nil {
			res = r
			break
		}
		if !stderrors.Is(err, xfscore.ErrNoSpace) {
			return xfscore.InodeChunkRec{}, err
		}
		candidate += xfscore.AgBno(blocksPerChunk)
	}

	start := xfscore.AgIno(uint64(res.AgBno) * uint64(inodesPerBlock))
	if err := chunkAlignment(start); err != nil {
		return xfscore.InodeChunkRec{}, err
	}

	rec := xfscore.InodeChunkRec{
		StartIno:  start,
		FreeCount: xfscore.InodesPerChunk,
		Free:      ^uint64(0),
	}
	if err := a.cursor().Insert(rec); err != nil {
		return xfscore.InodeChunkRec{}, err
	}
	a.agi.Count += xfscore.InodesPerChunk
	a.agi.FreeCount += xfscore.InodesPerChunk
	if err := a.Save(); err != nil {
		return xfscore.InodeChunkRec{}, err
	}
	return rec, a.AG.Rebalance()
}

// AllocateInode returns a free AG-relative inode number, allocating a
// new chunk if every existing chunk is full (spec.md §4.5).
func (a *AGI) AllocateInode(inodesPerBlock xfscore.ExtLen) (xfscore.AgIno, error) {
	cur := a.cursor()
	// Walk chunks from the start looking for one with a free slot; a
	// real implementation would also consult an in-core "newino" free
	// hint (AGI.NewIno) before scanning, omitted here since it is a
	// pure performance hint with no correctness effect.
	found, err := cur.Lookup(0, btree.GE)
	if err != nil {
		return 0, err
	}
	_ = found
	for {
		rec, ok := cur.GetRec()
		if !ok {
			break
		}
		if rec.FreeCount > 0 {
			bit := bits.TrailingZeros64(rec.Free)
			rec.Free &^= 1 << uint(bit)
			rec.FreeCount--
			if err := cur.Update(rec); err != nil {
				return 0, err
			}
			a.agi.FreeCount--
			if err := a.Save(); err != nil {
				return 0, err
			}
			return rec.StartIno + xfscore.AgIno(bit), nil
		}
		if more, err := cur.Increment(); err != nil {
			return 0, err
		} else if !more {
			break
		}
	}

	rec, err := a.allocateChunk(inodesPerBlock)
	if err != nil {
		return 0, err
	}
	bit := bits.TrailingZeros64(rec.Free)
	cur2 := a.cursor()
	if _, err := cur2.Lookup(rec.StartIno, btree.EQ); err != nil {
		return 0, err
	}
	rec.Free &^= 1 << uint(bit)
	rec.FreeCount--
	if err := cur2.Update(rec); err != nil {
		return 0, err
	}
	a.agi.FreeCount--
	if err := a.Save(); err != nil {
		return 0, err
	}
	return rec.StartIno + xfscore.AgIno(bit), nil
}

// FreeInode returns ino to its chunk's free mask (spec.md §4.5,
// §8 scenario: chunk mask 0b1011 -> alloc -> 0b1010 -> free -> 0b1011).
func (a *AGI) FreeInode(ino xfscore.AgIno) error {
	chunkStart := xfscore.AgIno((uint32(ino) / xfscore.InodesPerChunk) * xfscore.InodesPerChunk)
	cur := a.cursor()
	found, err := cur.Lookup(chunkStart, btree.EQ)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(xfscore.ErrCorrupt, "ialloc: no chunk covers inode %d", ino)
	}
	rec, _ := cur.GetRec()
	bit := uint(uint32(ino) - uint32(chunkStart))
	if rec.Free&(1<<bit) != 0 {
		return errors.Wrapf(xfscore.ErrCorrupt, "ialloc: inode %d already free", ino)
	}
	rec.Free |= 1 << bit
	rec.FreeCount++
	if err := cur.Update(rec); err != nil {
		return err
	}
	a.agi.FreeCount++
	return a.Save()
}
