package alloc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// On-disk layout for by-bno/by-cnt blocks: a BtreeBlockHeader-shaped
// prefix (magic, level, numrecs, leftsib, rightsib) followed by either
// leaf records or internal (key, ptr) pairs. Both trees share one
// layout; they differ only in how the 8-byte key field is interpreted
// (see bnoOps/cntOps below).
const (
	btreeHeaderSize   = 4 + 2 + 2 + 8 + 8
	leafRecSize       = 4 + 4  // FreeExtentRec: StartBlock, BlockCount
	internalEntrySize = 8 + 8 // key (8 bytes, tree-specific), ptr (fsb)
)

func encodeHeader(data []byte, magic uint32, level uint16, numrecs uint16, leftSib, rightSib uint64) {
	binary.BigEndian.PutUint32(data[0:4], magic)
	binary.BigEndian.PutUint16(data[4:6], level)
	binary.BigEndian.PutUint16(data[6:8], numrecs)
	binary.BigEndian.PutUint64(data[8:16], leftSib)
	binary.BigEndian.PutUint64(data[16:24], rightSib)
}

func decodeHeader(data []byte) (magic uint32, level, numrecs uint16, leftSib, rightSib uint64) {
	magic = binary.BigEndian.Uint32(data[0:4])
	level = binary.BigEndian.Uint16(data[4:6])
	numrecs = binary.BigEndian.Uint16(data[6:8])
	leftSib = binary.BigEndian.Uint64(data[8:16])
	rightSib = binary.BigEndian.Uint64(data[16:24])
	return
}

// bnoOps drives the by-bno free-space tree: leaf records keyed by
// their start block (spec.md §4.3).
type bnoOps struct{ ag *AG }

func (o *bnoOps) Compare(a, b xfscore.AgBno) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func (o *bnoOps) RecKey(r xfscore.FreeExtentRec) xfscore.AgBno { return r.StartBlock }
func (o *bnoOps) MaxRecs(level int) int                        { return o.ag.maxRecs(level) }
func (o *bnoOps) MinRecs(level int) int                         { return o.ag.maxRecs(level) / 2 }

func (o *bnoOps) ReadBlock(ptr uint64) (*btree.Block[xfscore.AgBno, xfscore.FreeExtentRec], error) {
	buf, err := o.ag.Tx.ReadBuf(ptr, int(o.ag.Geo.BlockSize()))
	if err != nil {
		return nil, err
	}
	return decodeBnoBlock(buf.Data)
}

func (o *bnoOps) WriteBlock(ptr uint64, b *btree.Block[xfscore.AgBno, xfscore.FreeExtentRec]) error {
	buf, err := o.ag.Tx.GetBuf(ptr, int(o.ag.Geo.BlockSize()))
	if err != nil {
		return err
	}
	data := encodeBnoBlock(b, len(buf.Data))
	copy(buf.Data, data)
	return o.ag.Tx.LogBuf(buf, 0, len(data)-1)
}

func (o *bnoOps) AllocBlock() (uint64, error) { return o.ag.allocTreeBlock() }
func (o *bnoOps) FreeBlock(ptr uint64) error  { return o.ag.freeTreeBlock(ptr) }

func (o *bnoOps) Root() (uint64, int) {
	return uint64(o.ag.Geo.Join(o.ag.Num, o.ag.agf.Roots[0])), int(o.ag.agf.Levels[0])
}
func (o *bnoOps) SetRoot(ptr uint64, level int) {
	_, bno := o.ag.Geo.Split(xfscore.Fsb(ptr))
	o.ag.agf.Roots[0] = bno
	o.ag.agf.Levels[0] = uint32(level)
}

// cntOps drives the by-cnt free-space tree: leaf records keyed by
// (blockcount, startblock) (spec.md §4.3).
type cntOps struct{ ag *AG }

func (o *cntOps) Compare(a, b CntKey) int { return compareCntKey(a, b) }
func (o *cntOps) RecKey(r xfscore.FreeExtentRec) CntKey {
	return CntKey{Len: r.BlockCount, Bno: r.StartBlock}
}
func (o *cntOps) MaxRecs(level int) int { return o.ag.maxRecs(level) }
func (o *cntOps) MinRecs(level int) int { return o.ag.maxRecs(level) / 2 }

func (o *cntOps) ReadBlock(ptr uint64) (*btree.Block[CntKey, xfscore.FreeExtentRec], error) {
	buf, err := o.ag.Tx.ReadBuf(ptr, int(o.ag.Geo.BlockSize()))
	if err != nil {
		return nil, err
	}
	return decodeCntBlock(buf.Data)
}

func (o *cntOps) WriteBlock(ptr uint64, b *btree.Block[CntKey, xfscore.FreeExtentRec]) error {
	buf, err := o.ag.Tx.GetBuf(ptr, int(o.ag.Geo.BlockSize()))
	if err != nil {
		return err
	}
	data := encodeCntBlock(b, len(buf.Data))
	copy(buf.Data, data)
	return o.ag.Tx.LogBuf(buf, 0, len(data)-1)
}

func (o *cntOps) AllocBlock() (uint64, error) { return o.ag.allocTreeBlock() }
func (o *cntOps) FreeBlock(ptr uint64) error  { return o.ag.freeTreeBlock(ptr) }

func (o *cntOps) Root() (uint64, int) {
	return uint64(o.ag.Geo.Join(o.ag.Num, o.ag.agf.Roots[1])), int(o.ag.agf.Levels[1])
}
func (o *cntOps) SetRoot(ptr uint64, level int) {
	_, bno := o.ag.Geo.Split(xfscore.Fsb(ptr))
	o.ag.agf.Roots[1] = bno
	o.ag.agf.Levels[1] = uint32(level)
}

func encodeBnoBlock(b *btree.Block[xfscore.AgBno, xfscore.FreeExtentRec], blockSize int) []byte {
	data := make([]byte, blockSize)
	if b.IsLeaf() {
		encodeHeader(data, xfscore.ABTBMagic, b.Level, uint16(len(b.Recs)), b.LeftSib, b.RightSib)
		off := btreeHeaderSize
		for _, r := range b.Recs {
			binary.BigEndian.PutUint32(data[off:], uint32(r.StartBlock))
			binary.BigEndian.PutUint32(data[off+4:], uint32(r.BlockCount))
			off += leafRecSize
		}
		return data
	}
	encodeHeader(data, xfscore.ABTBMagic, b.Level, uint16(len(b.Keys)), b.LeftSib, b.RightSib)
	off := btreeHeaderSize
	for i, k := range b.Keys {
		binary.BigEndian.PutUint64(data[off:], uint64(k))
		binary.BigEndian.PutUint64(data[off+8:], b.Ptrs[i])
		off += internalEntrySize
	}
	return data
}

func decodeBnoBlock(data []byte) (*btree.Block[xfscore.AgBno, xfscore.FreeExtentRec], error) {
	magic, level, numrecs, leftSib, rightSib := decodeHeader(data)
	if magic == 0 && level == 0 && numrecs == 0 && leftSib == 0 && rightSib == 0 {
		// Never-written block: the root of a brand-new empty tree.
		return &btree.Block[xfscore.AgBno, xfscore.FreeExtentRec]{LeftSib: btree.NullPtr, RightSib: btree.NullPtr}, nil
	}
	if magic != xfscore.ABTBMagic {
		return nil, errors.Wrapf(xfscore.ErrCorrupt, "alloc: by-bno block bad magic %#x", magic)
	}
	b := &btree.Block[xfscore.AgBno, xfscore.FreeExtentRec]{Level: level, LeftSib: leftSib, RightSib: rightSib}
	off := btreeHeaderSize
	if level == 0 {
		b.Recs = make([]xfscore.FreeExtentRec, numrecs)
		for i := range b.Recs {
			b.Recs[i] = xfscore.FreeExtentRec{
				StartBlock: xfscore.AgBno(binary.BigEndian.Uint32(data[off:])),
				BlockCount: xfscore.ExtLen(binary.BigEndian.Uint32(data[off+4:])),
			}
			off += leafRecSize
		}
		return b, nil
	}
	b.Keys = make([]xfscore.AgBno, numrecs)
	b.Ptrs = make([]uint64, numrecs)
	for i := range b.Keys {
		b.Keys[i] = xfscore.AgBno(binary.BigEndian.Uint64(data[off:]))
		b.Ptrs[i] = binary.BigEndian.Uint64(data[off+8:])
		off += internalEntrySize
	}
	return b, nil
}

func encodeCntBlock(b *btree.Block[CntKey, xfscore.FreeExtentRec], blockSize int) []byte {
	data := make([]byte, blockSize)
	if b.IsLeaf() {
		encodeHeader(data, xfscore.ABTCMagic, b.Level, uint16(len(b.Recs)), b.LeftSib, b.RightSib)
		off := btreeHeaderSize
		for _, r := range b.Recs {
			binary.BigEndian.PutUint32(data[off:], uint32(r.StartBlock))
			binary.BigEndian.PutUint32(data[off+4:], uint32(r.BlockCount))
			off += leafRecSize
		}
		return data
	}
	encodeHeader(data, xfscore.ABTCMagic, b.Level, uint16(len(b.Keys)), b.LeftSib, b.RightSib)
	off := btreeHeaderSize
	for i, k := range b.Keys {
		binary.BigEndian.PutUint32(data[off:], uint32(k.Len))
		binary.BigEndian.PutUint32(data[off+4:], uint32(k.Bno))
		binary.BigEndian.PutUint64(data[off+8:], b.Ptrs[i])
		off += internalEntrySize
	}
	return data
}

func decodeCntBlock(data []byte) (*btree.Block[CntKey, xfscore.FreeExtentRec], error) {
	magic, level, numrecs, leftSib, rightSib := decodeHeader(data)
	if magic == 0 && level == 0 && numrecs == 0 && leftSib == 0 && rightSib == 0 {
		return &btree.Block[CntKey, xfscore.FreeExtentRec]{LeftSib: btree.NullPtr, RightSib: btree.NullPtr}, nil
	}
	if magic != xfscore.ABTCMagic {
		return nil, errors.Wrapf(xfscore.ErrCorrupt, "alloc: by-cnt block bad magic %#x", magic)
	}
	b := &btree.Block[CntKey, xfscore.FreeExtentRec]{Level: level, LeftSib: leftSib, RightSib: rightSib}
	off := btreeHeaderSize
	if level == 0 {
		b.Recs = make([]xfscore.FreeExtentRec, numrecs)
		for i := range b.Recs {
			b.Recs[i] = xfscore.FreeExtentRec{
				StartBlock: xfscore.AgBno(binary.BigEndian.Uint32(data[off:])),
				BlockCount: xfscore.ExtLen(binary.BigEndian.Uint32(data[off+4:])),
			}
			off += leafRecSize
		}
		return b, nil
	}
	b.Keys = make([]CntKey, numrecs)
	b.Ptrs = make([]uint64, numrecs)
	for i := range b.Keys {
		b.Keys[i] = CntKey{
			Len: xfscore.ExtLen(binary.BigEndian.Uint32(data[off:])),
			Bno: xfscore.AgBno(binary.BigEndian.Uint32(data[off+4:])),
		}
		b.Ptrs[i] = binary.BigEndian.Uint64(data[off+8:])
		off += internalEntrySize
	}
	return b, nil
}
