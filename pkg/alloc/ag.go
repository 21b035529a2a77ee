// Package alloc implements the per-AG free-space allocator: the
// by-bno/by-cnt B+trees, the AGFL freelist-bootstrap invariant, and the
// extent allocation/free entry points (spec.md §4.3).
package alloc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// CntKey orders the by-cnt tree: primarily by extent length, then by
// start block to break ties (spec.md §4.3, "keyed by (blockcount,
// startblock)").
type CntKey struct {
	Len xfscore.ExtLen
	Bno xfscore.AgBno
}

func compareCntKey(a, b CntKey) int {
	if a.Len != b.Len {
		if a.Len < b.Len {
			return -1
		}
		return 1
	}
	if a.Bno != b.Bno {
		if a.Bno < b.Bno {
			return -1
		}
		return 1
	}
	return 0
}

// headerDaddr returns the filesystem-wide block address of a fixed AG
// header block: 0 is left to the superblock (written in AG 0 only), 1
// holds the AGF, 2 the AGI and 3 the AGFL. Usable space (free-space
// tree blocks and the extents they track) starts at block 4 of each AG
// (FirstUsableBno).
func headerDaddr(geo xfscore.Geometry, ag xfscore.AgNumber, bno xfscore.AgBno) uint64 {
	return uint64(geo.Join(ag, bno))
}

const (
	agfHeaderBno  xfscore.AgBno = 1
	agflHeaderBno xfscore.AgBno = 3
	// AGI (package ialloc) owns block 2 of every AG; reserved here so
	// the two packages never contend for the same header block.
	agiHeaderBno xfscore.AgBno = 2
	// FirstUsableBno is the first AG-relative block available to the
	// free-space trees and the extents they track.
	FirstUsableBno xfscore.AgBno = 4
)

func agfSize() int { return binary.Size(xfscore.AGF{}) }

// AG is an open handle onto one allocation group's free-space state
// for the lifetime of a transaction.
type AG struct {
	Geo xfscore.Geometry
	Num xfscore.AgNumber
	Tx  *txn.Transaction

	agf    *xfscore.AGF
	agfBuf *txn.Buffer
	agfl   *xfscore.AGFL
	aglBuf *txn.Buffer
}

// OpenAG reads and validates an AG's free-space header and freelist,
// joining both to tx.
func OpenAG(tx *txn.Transaction, geo xfscore.Geometry, ag xfscore.AgNumber) (*AG, error) {
	blockSize := int(geo.BlockSize())

	agfBuf, err := tx.ReadBuf(headerDaddr(geo, ag, agfHeaderBno), blockSize)
	if err != nil {
		return nil, err
	}
	agf := &xfscore.AGF{}
	if err := xfscore.Decode(agfBuf.Data[:agfSize()], agf); err != nil {
		return nil, err
	}
	if err := xfscore.ValidateAGF(agf, uint32(ag)); err != nil {
		return nil, err
	}

	aglBuf, err := tx.ReadBuf(headerDaddr(geo, ag, agflHeaderBno), blockSize)
	if err != nil {
		return nil, err
	}
	agfl := &xfscore.AGFL{}
	for i := range agfl.Slots {
		agfl.Slots[i] = xfscore.AgBno(binary.BigEndian.Uint32(aglBuf.Data[i*4:]))
	}

	return &AG{Geo: geo, Num: ag, Tx: tx, agf: agf, agfBuf: agfBuf, agfl: agfl, aglBuf: aglBuf}, nil
}

// MkfsAG initializes a brand-new AG: an empty AGF/AGFL and a single
// free extent spanning [FirstUsableBno, length), with one leaf block
// each for the by-bno and by-cnt trees consumed out of that extent
// (spec.md §9, "freelist bootstrap").
func MkfsAG(tx *txn.Transaction, geo xfscore.Geometry, ag xfscore.AgNumber, length uint32) (*AG, error) {
	blockSize := int(geo.BlockSize())

	agfBuf, err := tx.GetBuf(headerDaddr(geo, ag, agfHeaderBno), blockSize)
	if err != nil {
		return nil, err
	}
	aglBuf, err := tx.GetBuf(headerDaddr(geo, ag, agflHeaderBno), blockSize)
	if err != nil {
		return nil, err
	}

	bnoRoot := FirstUsableBno
	cntRoot := FirstUsableBno + 1

	a := &AG{
		Geo: geo, Num: ag, Tx: tx,
		agf: &xfscore.AGF{
			Magic:   xfscore.AGFMagic,
			Version: xfscore.AGFVersion,
			SeqNo:   uint32(ag),
			Length:  length,
			Roots:   [2]xfscore.AgBno{bnoRoot, cntRoot},
			Levels:  [2]uint32{0, 0},
			FlFirst: 0, FlLast: xfscore.AGFLSize - 1, FlCount: 0,
		},
		agfBuf: agfBuf,
		agfl:   &xfscore.AGFL{},
		aglBuf: aglBuf,
	}

	freeStart := FirstUsableBno + 2
	freeLen := xfscore.ExtLen(length) - xfscore.ExtLen(freeStart)

	bnoCur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: a})
	if err := bnoCur.Insert(xfscore.FreeExtentRec{StartBlock: freeStart, BlockCount: freeLen}); err != nil {
		return nil, err
	}
	cntCur := btree.NewCursor[CntKey, xfscore.FreeExtentRec](&cntOps{ag: a})
	if err := cntCur.Insert(xfscore.FreeExtentRec{StartBlock: freeStart, BlockCount: freeLen}); err != nil {
		return nil, err
	}

	a.agf.FreeBlocks = uint32(freeLen)
	a.agf.Longest = uint32(freeLen)
	if err := a.Save(); err != nil {
		return nil, err
	}
	if err := a.fixFreelist(); err != nil {
		return nil, err
	}
	return a, nil
}

// Save writes the AGF and AGFL back into their joined buffers.
func (a *AG) Save() error {
	enc, err := xfscore.Encode(a.agf)
	if err != nil {
		return err
	}
	copy(a.agfBuf.Data, enc)
	if err := a.Tx.LogBuf(a.agfBuf, 0, len(enc)-1); err != nil {
		return err
	}

	for i, slot := range a.agfl.Slots {
		binary.BigEndian.PutUint32(a.aglBuf.Data[i*4:], uint32(slot))
	}
	return a.Tx.LogBuf(a.aglBuf, 0, xfscore.AGFLSize*4-1)
}

// FreeBlocks returns the AG's free block count as tracked in the AGF.
func (a *AG) FreeBlocks() xfscore.ExtLen { return xfscore.ExtLen(a.agf.FreeBlocks) }

// Length returns the AG's total size in blocks, as recorded in the AGF.
func (a *AG) Length() xfscore.ExtLen { return xfscore.ExtLen(a.agf.Length) }

// Longest returns the length of the largest free extent, as tracked in
// the AGF (spec.md §8, P2).
func (a *AG) Longest() xfscore.ExtLen { return xfscore.ExtLen(a.agf.Longest) }

// FreelistCounts returns the current freelist occupancy and the
// by-bno/by-cnt tree heights, for the P7 freelist-sufficiency check
// (spec.md §8: flcount >= levels[bno] + levels[cnt] + 2 outside of
// fix_freelist).
func (a *AG) FreelistCounts() (flCount uint32, bnoLevels, cntLevels uint32) {
	return a.agf.FlCount, a.agf.Levels[0], a.agf.Levels[1]
}

// leafMaxRecs/internalMaxRecs size B+tree blocks to the AG's block
// size; see codec.go for the on-disk layout they assume.
func (a *AG) leafMaxRecs() int {
	return (int(a.Geo.BlockSize()) - btreeHeaderSize) / leafRecSize
}

func (a *AG) internalMaxRecs() int {
	return (int(a.Geo.BlockSize()) - btreeHeaderSize) / internalEntrySize
}

func (a *AG) maxRecs(level int) int {
	if level == 0 {
		return a.leafMaxRecs()
	}
	return a.internalMaxRecs()
}

func (a *AG) insertFreeExtent(bno xfscore.AgBno, length xfscore.ExtLen) error {
	if length == 0 {
		return nil
	}
	rec := xfscore.FreeExtentRec{StartBlock: bno, BlockCount: length}
	bnoCur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: a})
	if err := bnoCur.Insert(rec); err != nil {
		return err
	}
	cntCur := btree.NewCursor[CntKey, xfscore.FreeExtentRec](&cntOps{ag: a})
	if err := cntCur.Insert(rec); err != nil {
		return err
	}
	a.agf.FreeBlocks += uint32(length)
	if length > xfscore.ExtLen(a.agf.Longest) {
		a.agf.Longest = uint32(length)
	}
	return a.Save()
}

func (a *AG) removeFreeExtent(bno xfscore.AgBno, length xfscore.ExtLen) error {
	bnoCur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: a})
	found, err := bnoCur.Lookup(bno, btree.EQ)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(xfscore.ErrCorrupt, "alloc: extent at %d not present in by-bno tree", bno)
	}
	if err := bnoCur.Delete(); err != nil {
		return err
	}

	cntCur := btree.NewCursor[CntKey, xfscore.FreeExtentRec](&cntOps{ag: a})
	found, err = cntCur.Lookup(CntKey{Len: length, Bno: bno}, btree.EQ)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(xfscore.ErrCorrupt, "alloc: extent (%d,%d) not present in by-cnt tree", bno, length)
	}
	if err := cntCur.Delete(); err != nil {
		return err
	}

	a.agf.FreeBlocks -= uint32(length)
	if length >= xfscore.ExtLen(a.agf.Longest) {
		a.agf.Longest = a.rescanLongest()
	}
	return a.Save()
}

// rescanLongest recomputes AGF.Longest from the by-cnt tree's
// rightmost leaf record. It only runs when the just-consumed extent
// could have been the longest, so it is not on the hot path.
func (a *AG) rescanLongest() uint32 {
	cur := btree.NewCursor[CntKey, xfscore.FreeExtentRec](&cntOps{ag: a})
	_, err := cur.Lookup(CntKey{Len: ^xfscore.ExtLen(0), Bno: ^xfscore.AgBno(0)}, btree.LE)
	if err != nil {
		return 0
	}
	rec, ok := cur.GetRec()
	if !ok {
		return 0
	}
	return uint32(rec.BlockCount)
}
