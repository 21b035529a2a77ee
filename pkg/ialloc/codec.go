package ialloc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// On-disk layout for inode chunk tree blocks: the same
// BtreeBlockHeader-shaped prefix package alloc uses, followed by either
// leaf records (startino, freecount, free mask) or internal (key, ptr)
// pairs.

func encodeChunkBlock(b *btree.Block[xfscore.AgIno, xfscore.InodeChunkRec], blockSize int) []byte {
	data := make([]byte, blockSize)
	if b.IsLeaf() {
		encodeHeader(data, xfscore.IABTMagic, b.Level, uint16(len(b.Recs)), b.LeftSib, b.RightSib)
		off := btreeHeaderSize
		for _, r := range b.Recs {
			binary.BigEndian.PutUint32(data[off:], uint32(r.StartIno))
			binary.BigEndian.PutUint32(data[off+4:], uint32(r.FreeCount))
			binary.BigEndian.PutUint64(data[off+8:], r.Free)
			off += leafRecSize
		}
		return data
	}
	encodeHeader(data, xfscore.IABTMagic, b.Level, uint16(len(b.Keys)), b.LeftSib, b.RightSib)
	off := btreeHeaderSize
	for i, k := range b.Keys {
		binary.BigEndian.PutUint64(data[off:], uint64(k))
		binary.BigEndian.PutUint64(data[off+8:], b.Ptrs[i])
		off += internalEntrySize
	}
	return data
}

func decodeChunkBlock(data []byte) (*btree.Block[xfscore.AgIno, xfscore.InodeChunkRec], error) {
	magic, level, numrecs, leftSib, rightSib := decodeHeader(data)
	if magic == 0 && level == 0 && numrecs == 0 && leftSib == 0 && rightSib == 0 {
		// Never-written block: the root of a brand-new empty chunk tree.
		return &btree.Block[xfscore.AgIno, xfscore.InodeChunkRec]{LeftSib: btree.NullPtr, RightSib: btree.NullPtr}, nil
	}
	if magic != xfscore.IABTMagic {
		return nil, errors.Wrapf(xfscore.ErrCorrupt, "ialloc: chunk tree block bad magic %#x", magic)
	}
	b := &btree.Block[xfscore.AgIno, xfscore.InodeChunkRec]{Level: level, LeftSib: leftSib, RightSib: rightSib}
	off := btreeHeaderSize
	if level == 0 {
		b.Recs = make([]xfscore.InodeChunkRec, numrecs)
		for i := range b.Recs {
			b.Recs[i] = xfscore.InodeChunkRec{
				StartIno:  xfscore.AgIno(binary.BigEndian.Uint32(data[off:])),
				FreeCount: int32(binary.BigEndian.Uint32(data[off+4:])),
				Free:      binary.BigEndian.Uint64(data[off+8:]),
			}
			off += leafRecSize
		}
		return b, nil
	}
	b.Keys = make([]xfscore.AgIno, numrecs)
	b.Ptrs = make([]uint64, numrecs)
	for i := range b.Keys {
		b.Keys[i] = xfscore.AgIno(binary.BigEndian.Uint64(data[off:]))
		b.Ptrs[i] = binary.BigEndian.Uint64(data[off+8:])
		off += internalEntrySize
	}
	return b, nil
}

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
