package bmap

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// On-disk bmbt leaf block: the same (magic, level, numrecs, leftsib,
// rightsib) header every tree in this engine uses (spec.md §3), then a
// run of BmapRec records. bmbt leaves never have internal on-disk
// siblings above level 0 in this implementation (see Fork.Root's
// doc comment) so only the leaf encoding is needed here.
const (
	btreeHeaderSize = 4 + 2 + 2 + 8 + 8
	leafRecSize     = extentRecSize
)

func encodeLeaf(recs []xfscore.BmapRec, leftSib, rightSib uint64, blockSize int) []byte {
	data := make([]byte, blockSize)
	binary.BigEndian.PutUint32(data[0:4], xfscore.BMAPMagic)
	binary.BigEndian.PutUint16(data[4:6], 0)
	binary.BigEndian.PutUint16(data[6:8], uint16(len(recs)))
	binary.BigEndian.PutUint64(data[8:16], leftSib)
	binary.BigEndian.PutUint64(data[16:24], rightSib)
	off := btreeHeaderSize
	for _, r := range recs {
		binary.BigEndian.PutUint64(data[off:], uint64(r.StartOff))
		binary.BigEndian.PutUint64(data[off+8:], uint64(r.StartBlock))
		binary.BigEndian.PutUint32(data[off+16:], uint32(r.BlockCount))
		if r.Unwritten {
			data[off+20] = 1
		}
		off += leafRecSize
	}
	return data
}

func decodeLeaf(data []byte) (recs []xfscore.BmapRec, leftSib, rightSib uint64, err error) {
	magic := binary.BigEndian.Uint32(data[0:4])
	level := binary.BigEndian.Uint16(data[4:6])
	numrecs := binary.BigEndian.Uint16(data[6:8])
	leftSib = binary.BigEndian.Uint64(data[8:16])
	rightSib = binary.BigEndian.Uint64(data[16:24])
	if magic == 0 && level == 0 && numrecs == 0 && leftSib == 0 && rightSib == 0 {
		// Never-written block.
		return nil, btree.NullPtr, btree.NullPtr, nil
	}
	if magic != xfscore.BMAPMagic {
		return nil, 0, 0, errors.Wrapf(xfscore.ErrCorrupt, "bmap: leaf block bad magic %#x", magic)
	}
	if level != 0 {
		return nil, 0, 0, errors.Wrapf(xfscore.ErrCorrupt, "bmap: leaf block has nonzero level %d", level)
	}
	recs = make([]xfscore.BmapRec, numrecs)
	off := btreeHeaderSize
	for i := range recs {
		recs[i] = xfscore.BmapRec{
			StartOff:   xfscore.Fsb(binary.BigEndian.Uint64(data[off:])),
			StartBlock: xfscore.Fsb(binary.BigEndian.Uint64(data[off+8:])),
			BlockCount: xfscore.ExtLen(binary.BigEndian.Uint32(data[off+16:])),
			Unwritten:  data[off+20] != 0,
		}
		off += leafRecSize
	}
	return recs, leftSib, rightSib, nil
}

func (ip *Inode) readLeaf(ptr uint64) (*leafBlock, error) {
	buf, err := ip.Tx.ReadBuf(ptr, int(ip.Geo.BlockSize()))
	if err != nil {
		return nil, err
	}
	recs, left, right, err := decodeLeaf(buf.Data)
	if err != nil {
		return nil, err
	}
	return &leafBlock{ptr: ptr, Recs: recs, LeftSib: left, RightSib: right}, nil
}

func (ip *Inode) writeLeaf(l *leafBlock) error {
	buf, err := ip.Tx.GetBuf(l.ptr, int(ip.Geo.BlockSize()))
	if err != nil {
		return err
	}
	data := encodeLeaf(l.Recs, l.LeftSib, l.RightSib, len(buf.Data))
	copy(buf.Data, data)
	return ip.Tx.LogBuf(buf, 0, len(data)-1)
}

// leafBlock is the in-memory decode of one on-disk bmbt leaf.
type leafBlock struct {
	ptr      uint64
	Recs     []xfscore.BmapRec
	LeftSib  uint64
	RightSib uint64
}
