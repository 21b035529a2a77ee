package rtalloc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// Allocator operates the realtime bitmap and summary array bound to a
// single transaction (spec.md §4.7).
type Allocator struct {
	Tx  *txn.Transaction
	Geo Geometry
}

func (a *Allocator) bitmapBlock(word uint64) (blockNo, wordInBlock uint64) {
	wpb := a.Geo.wordsPerBlock()
	return a.Geo.BitmapBno + word/wpb, word % wpb
}

func (a *Allocator) readWord(word uint64) (uint64, error) {
	blockNo, wordInBlock := a.bitmapBlock(word)
	buf, err := a.Tx.ReadBuf(blockNo, a.Geo.BlockSize)
	if err != nil {
		return 0, err
	}
	off := wordInBlock * 8
	return binary.BigEndian.Uint64(buf.Data[off : off+8]), nil
}

func (a *Allocator) writeWord(word, v uint64) error {
	blockNo, wordInBlock := a.bitmapBlock(word)
	buf, err := a.Tx.GetBuf(blockNo, a.Geo.BlockSize)
	if err != nil {
		return err
	}
	off := wordInBlock * 8
	binary.BigEndian.PutUint64(buf.Data[off:off+8], v)
	return a.Tx.LogBuf(buf, int(off), int(off+7))
}

// getBit reports whether realtime extent bno is free (spec.md §4.7,
// "1 = free").
func (a *Allocator) getBit(bno uint64) (bool, error) {
	w, err := a.readWord(bno / 64)
	if err != nil {
		return false, err
	}
	return w&(1<<(bno%64)) != 0, nil
}

// setRange flips bits [start, start+length) to free or allocated,
// word-at-a-time with masks for the leading and trailing partial word
// so a range that doesn't align to a 64-bit boundary only touches its
// own bits (spec.md §4.7).
func (a *Allocator) setRange(start, length uint64, free bool) error {
	if length == 0 {
		return nil
	}
	end := start + length
	for word := start / 64; word < (end+63)/64; word++ {
		wordStart := word * 64
		wordEnd := wordStart + 64
		lo := start
		if wordStart > lo {
			lo = wordStart
		}
		hi := end
		if wordEnd < hi {
			hi = wordEnd
		}
		var mask uint64
		for b := lo; b < hi; b++ {
			mask |= 1 << (b - wordStart)
		}
		v, err := a.readWord(word)
		if err != nil {
			return err
		}
		if free {
			v |= mask
		} else {
			v &^= mask
		}
		if err := a.writeWord(word, v); err != nil {
			return err
		}
	}
	return nil
}

// findForw returns the length of the contiguous free run starting at
// bno, not examining bits at or past limit.
func (a *Allocator) findForw(bno, limit uint64) (uint64, error) {
	var n uint64
	for bno+n < limit {
		free, err := a.getBit(bno + n)
		if err != nil {
			return n, err
		}
		if !free {
			break
		}
		n++
	}
	return n, nil
}

// scanForRun returns the position and length of the longest free run
// within [start, end).
func (a *Allocator) scanForRun(start, end uint64) (pos, length uint64, err error) {
	var curStart, curLen uint64
	var inRun bool
	var bestPos, bestLen uint64
	for b := start; b < end; b++ {
		free, err := a.getBit(b)
		if err != nil {
			return 0, 0, err
		}
		if free {
			if !inRun {
				curStart = b
				inRun = true
			}
			curLen++
			if curLen > bestLen {
				bestPos, bestLen = curStart, curLen
			}
		} else {
			inRun = false
			curLen = 0
		}
	}
	return bestPos, bestLen, nil
}

func (a *Allocator) readSummary(level int, bbno uint64) (uint32, error) {
	flat := uint64(level)*a.Geo.BitmapBlocks() + bbno
	blockNo := a.Geo.SummaryBno + flat/a.Geo.slotsPerBlock()
	idx := flat % a.Geo.slotsPerBlock()
	buf, err := a.Tx.ReadBuf(blockNo, a.Geo.BlockSize)
	if err != nil {
		return 0, err
	}
	off := idx * 4
	return binary.BigEndian.Uint32(buf.Data[off : off+4]), nil
}

func (a *Allocator) writeSummary(level int, bbno uint64, v uint32) error {
	flat := uint64(level)*a.Geo.BitmapBlocks() + bbno
	blockNo := a.Geo.SummaryBno + flat/a.Geo.slotsPerBlock()
	idx := flat % a.Geo.slotsPerBlock()
	buf, err := a.Tx.GetBuf(blockNo, a.Geo.BlockSize)
	if err != nil {
		return err
	}
	off := idx * 4
	binary.BigEndian.PutUint32(buf.Data[off:off+4], v)
	return a.Tx.LogBuf(buf, int(off), int(off+3))
}

// summaryIncrement adjusts the free-run counter for (level, bbno) by
// delta; both allocate and free route every summary change through
// this one primitive so the two paths cannot drift apart (SPEC_FULL
// supplement, mirroring xfs_rtalloc.c's xfs_rtmodify_summary).
func (a *Allocator) summaryIncrement(level int, bbno uint64, delta int32) error {
	v, err := a.readSummary(level, bbno)
	if err != nil {
		return err
	}
	nv := int64(v) + int64(delta)
	if nv < 0 {
		return errors.Wrap(xfscore.ErrCorrupt, "rtalloc: summary counter underflow")
	}
	return a.writeSummary(level, bbno, uint32(nv))
}

func (a *Allocator) summaryDecrement(level int, bbno uint64) error {
	return a.summaryIncrement(level, bbno, -1)
}

// rebuildSummaryForBlock re-derives every level's free-run counter for
// bitmap block bbno by rescanning its bit range and bucketing each
// maximal free run by log2(length). Runs that cross a bitmap block
// boundary are bucketed per block rather than as one combined run
// (scope simplification, DESIGN.md "rtalloc").
func (a *Allocator) rebuildSummaryForBlock(bbno uint64) error {
	for level := 0; level < a.Geo.Levels(); level++ {
		cur, err := a.readSummary(level, bbno)
		if err != nil {
			return err
		}
		if cur > 0 {
			if err := a.summaryIncrement(level, bbno, -int32(cur)); err != nil {
				return err
			}
		}
	}

	start := bbno * a.Geo.bitsPerBlock()
	end := start + a.Geo.bitsPerBlock()
	if end > a.Geo.Extents {
		end = a.Geo.Extents
	}
	var runLen uint64
	flush := func() error {
		if runLen == 0 {
			return nil
		}
		level := a.Geo.logOf(runLen)
		runLen = 0
		return a.summaryIncrement(level, bbno, 1)
	}
	for b := start; b < end; b++ {
		free, err := a.getBit(b)
		if err != nil {
			return err
		}
		if free {
			runLen++
		} else if err := flush(); err != nil {
			return err
		}
	}
	return flush()
}

func (a *Allocator) rebuildTouchedSummary(pos, length uint64) error {
	bpb := a.Geo.bitsPerBlock()
	first := pos / bpb
	last := (pos + length - 1) / bpb
	for bbno := first; bbno <= last; bbno++ {
		if err := a.rebuildSummaryForBlock(bbno); err != nil {
			return err
		}
	}
	return nil
}

func roundDownProd(length, prod uint64) uint64 {
	if prod <= 1 {
		return length
	}
	return (length / prod) * prod
}

// AllocType selects the search strategy for AllocateExtent (spec.md
// §4.7).
type AllocType int

const (
	// Exact fails unless the exact requested run is free.
	Exact AllocType = iota
	// Near walks outward from Hint for the nearest run >= MinLen.
	Near
	// Size searches summary-indicated bitmap blocks for the largest
	// available run, preferring MaxLen.
	Size
)

// Args parameterizes AllocateExtent.
type Args struct {
	Hint   uint64 // exact position (Exact) or search center (Near)
	MinLen uint64
	MaxLen uint64
	Type   AllocType
	Prod   uint64 // returned length must be a multiple of Prod; 0 or 1 means no constraint
}

// Result is the realtime extent AllocateExtent reserved.
type Result struct {
	Bno uint64
	Len uint64
}

// AllocateExtent reserves a realtime extent run per args.Type
// (spec.md §4.7).
func (a *Allocator) AllocateExtent(args Args) (Result, error) {
	if args.MinLen == 0 || args.MaxLen < args.MinLen {
		return Result{}, errors.Wrap(xfscore.ErrInvalid, "rtalloc: invalid extent length bounds")
	}
	switch args.Type {
	case Exact:
		return a.allocExact(args)
	case Near:
		return a.allocNear(args)
	case Size:
		return a.allocSize(args)
	default:
		return Result{}, errors.Wrap(xfscore.ErrInvalid, "rtalloc: unknown allocation type")
	}
}

func (a *Allocator) allocExact(args Args) (Result, error) {
	length := args.MaxLen
	if args.Hint+length > a.Geo.Extents {
		return Result{}, errors.Wrap(xfscore.ErrNoSpace, "rtalloc: exact range exceeds device")
	}
	run, err := a.findForw(args.Hint, args.Hint+length)
	if err != nil {
		return Result{}, err
	}
	if run < length {
		return Result{}, errors.Wrap(xfscore.ErrNoSpace, "rtalloc: exact extent not free")
	}
	return a.markAllocated(args.Hint, length)
}

func (a *Allocator) allocNear(args Args) (Result, error) {
	limit := a.Geo.Extents
	for radius := uint64(0); radius <= limit; radius++ {
		if pos := args.Hint + radius; pos < limit {
			if res, ok, err := a.tryRun(pos, limit, args); err != nil {
				return Result{}, err
			} else if ok {
				return res, nil
			}
		}
		if radius > 0 && args.Hint >= radius {
			pos := args.Hint - radius
			if res, ok, err := a.tryRun(pos, limit, args); err != nil {
				return Result{}, err
			} else if ok {
				return res, nil
			}
		}
	}
	return Result{}, errors.Wrap(xfscore.ErrNoSpace, "rtalloc: no realtime extent found near hint")
}

func (a *Allocator) tryRun(pos, limit uint64, args Args) (Result, bool, error) {
	run, err := a.findForw(pos, limit)
	if err != nil {
		return Result{}, false, err
	}
	if run < args.MinLen {
		return Result{}, false, nil
	}
	length := run
	if length > args.MaxLen {
		length = args.MaxLen
	}
	length = roundDownProd(length, args.Prod)
	if length < args.MinLen {
		return Result{}, false, nil
	}
	res, err := a.markAllocated(pos, length)
	if err != nil {
		return Result{}, false, err
	}
	return res, true, nil
}

// allocSize searches summary-indicated bitmap blocks for the largest
// available free run, preferring MaxLen but settling for anything
// down to MinLen (spec.md §4.7, "summary-directed search... from
// maxlen-1 to minlen").
func (a *Allocator) allocSize(args Args) (Result, error) {
	minLevel := a.Geo.logOf(args.MinLen)
	var bestPos, bestLen uint64
	for bbno := uint64(0); bbno < a.Geo.BitmapBlocks(); bbno++ {
		candidate := false
		for level := a.Geo.Levels() - 1; level >= minLevel; level-- {
			cnt, err := a.readSummary(level, bbno)
			if err != nil {
				return Result{}, err
			}
			if cnt > 0 {
				candidate = true
				break
			}
		}
		if !candidate {
			continue
		}
		start := bbno * a.Geo.bitsPerBlock()
		end := start + a.Geo.bitsPerBlock()
		if end > a.Geo.Extents {
			end = a.Geo.Extents
		}
		pos, runLen, err := a.scanForRun(start, end)
		if err != nil {
			return Result{}, err
		}
		if runLen >= args.MinLen && runLen > bestLen {
			bestPos, bestLen = pos, runLen
			if bestLen >= args.MaxLen {
				break
			}
		}
	}
	if bestLen < args.MinLen {
		return Result{}, errors.Wrap(xfscore.ErrNoSpace, "rtalloc: no realtime extent of requested size")
	}
	length := bestLen
	if length > args.MaxLen {
		length = args.MaxLen
	}
	length = roundDownProd(length, args.Prod)
	if length < args.MinLen {
		return Result{}, errors.Wrap(xfscore.ErrNoSpace, "rtalloc: product rounding left extent below minlen")
	}
	return a.markAllocated(bestPos, length)
}

func (a *Allocator) markAllocated(pos, length uint64) (Result, error) {
	if err := a.setRange(pos, length, false); err != nil {
		return Result{}, err
	}
	if err := a.rebuildTouchedSummary(pos, length); err != nil {
		return Result{}, err
	}
	return Result{Bno: pos, Len: length}, nil
}

// FreeExtent returns [bno, bno+len) to the free pool and refreshes
// the summary counters for every bitmap block the range touches
// (spec.md §4.7).
func (a *Allocator) FreeExtent(bno, length uint64) error {
	if length == 0 {
		return errors.Wrap(xfscore.ErrInvalid, "rtalloc: zero-length free")
	}
	if bno+length > a.Geo.Extents {
		return errors.Wrap(xfscore.ErrInvalid, "rtalloc: free range exceeds device")
	}
	for b := bno; b < bno+length; b++ {
		free, err := a.getBit(b)
		if err != nil {
			return err
		}
		if free {
			return errors.Wrapf(xfscore.ErrCorrupt, "rtalloc: double free of realtime extent %d", b)
		}
	}
	if err := a.setRange(bno, length, true); err != nil {
		return err
	}
	return a.rebuildTouchedSummary(bno, length)
}
