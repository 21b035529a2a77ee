// Package rtalloc implements the realtime-device bitmap and summary
// allocator used only for realtime inodes (spec.md §4.7): a single
// linear extent space, a free-extent bitmap (1 = free), and a
// log2-bucketed summary array that lets allocation search jump
// straight to bitmap blocks likely to hold a run of the right size.
package rtalloc

import (
	"math/bits"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// Geometry describes the realtime device's fixed layout. The real
// system addresses the bitmap and summary through the hidden
// RtBitmapIno/RtSummaryIno inodes (xfscore.Superblock); this package
// is handed their storage as a direct block range instead of routing
// through bmap, since both are laid out contiguously at mkfs time and
// never grow or shrink afterward (DESIGN.md "rtalloc").
type Geometry struct {
	BlockSize  int            // fs block size, shared with the rest of the filesystem
	ExtentSize xfscore.ExtLen // fs blocks per realtime extent (rtextsize)
	Extents    uint64         // total realtime extents on the device
	BitmapBno  uint64         // first fs block of the bitmap
	SummaryBno uint64         // first fs block of the summary array
}

func (g Geometry) wordsPerBlock() uint64 { return uint64(g.BlockSize) / 8 }
func (g Geometry) bitsPerBlock() uint64  { return g.wordsPerBlock() * 64 }
func (g Geometry) slotsPerBlock() uint64 { return uint64(g.BlockSize) / 4 }

// BitmapBlocks is the number of fs blocks the free-extent bitmap
// occupies, one bit per realtime extent.
func (g Geometry) BitmapBlocks() uint64 {
	return (g.Extents + g.bitsPerBlock() - 1) / g.bitsPerBlock()
}

// Levels is the number of log2 run-length buckets the summary array
// tracks, from single-extent runs up to one spanning the whole
// device.
func (g Geometry) Levels() int {
	if g.Extents <= 1 {
		return 1
	}
	return bits.Len64(g.Extents-1) + 1
}

// SummaryBlocks is the number of fs blocks the summary array
// occupies: Levels() rows of BitmapBlocks() uint32 counters each.
func (g Geometry) SummaryBlocks() uint64 {
	total := uint64(g.Levels()) * g.BitmapBlocks()
	return (total + g.slotsPerBlock() - 1) / g.slotsPerBlock()
}

// logOf returns floor(log2(length)), the summary bucket a free run of
// this length belongs in.
func (g Geometry) logOf(length uint64) int {
	if length == 0 {
		return 0
	}
	level := bits.Len64(length) - 1
	if level >= g.Levels() {
		level = g.Levels() - 1
	}
	return level
}
