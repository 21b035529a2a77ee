package btree

import (
	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// Dir selects the direction of a Lookup, per spec.md §4.2.
type Dir int

const (
	LE Dir = iota
	EQ
	GE
)

// Ops is supplied by each concrete tree (by-bno, by-cnt, inode-chunk,
// bmbt) and gives the generic cursor everything it needs: ordering,
// block shape limits, and block IO. Block IO is expressed in terms of
// an opaque uint64 pointer so the same cursor code drives both
// AG-relative (short, 32-bit) and fs-wide (long, 64-bit) trees; each
// Ops implementation decides what the pointer actually addresses.
type Ops[K any, R any] interface {
	// Compare returns <0, 0, >0 as a is less than, equal to, or
	// greater than b.
	Compare(a, b K) int
	// RecKey extracts the ordering key from a leaf record.
	RecKey(r R) K
	// MaxRecs/MinRecs bound occupancy for blocks at the given level.
	// minrecs = maxrecs/2 per spec.md §3, but Ops is free to special-
	// case level 0 of an inode-embedded root (bmbt inline root has a
	// different maxrecs than an on-disk block, spec.md §4.6).
	MaxRecs(level int) int
	MinRecs(level int) int

	ReadBlock(ptr uint64) (*Block[K, R], error)
	WriteBlock(ptr uint64, b *Block[K, R]) error
	AllocBlock() (uint64, error)
	FreeBlock(ptr uint64) error

	// Root returns the current root pointer and its level.
	Root() (ptr uint64, level int)
	SetRoot(ptr uint64, level int)
}

type pathLevel[K any, R any] struct {
	ptr   uint64
	block *Block[K, R]
	index int
}

// Cursor is a path of (buffer, index) pairs from root to leaf
// (spec.md §3 "Cursor"). It is single-threaded: every operation
// consumes and repositions it.
type Cursor[K any, R any] struct {
	ops  Ops[K, R]
	path []pathLevel[K, R]
}

// NewCursor returns a cursor over the tree described by ops. The
// cursor is unpositioned until Lookup or Insert is called.
func NewCursor[K any, R any](ops Ops[K, R]) *Cursor[K, R] {
	return &Cursor[K, R]{ops: ops}
}

func (c *Cursor[K, R]) descendTo(target K) error {
	ptr, level := c.ops.Root()
	c.path = c.path[:0]
	for {
		blk, err := c.ops.ReadBlock(ptr)
		if err != nil {
			return err
		}
		if int(blk.Level) != level {
			return errors.Wrapf(xfscore.ErrCorrupt, "btree: level mismatch at ptr %d: block says %d, expected %d", ptr, blk.Level, level)
		}
		if blk.IsLeaf() {
			c.path = append(c.path, pathLevel[K, R]{ptr: ptr, block: blk, index: 0})
			return nil
		}
		idx := findChildIndex(c.ops, blk.Keys, target)
		c.path = append(c.path, pathLevel[K, R]{ptr: ptr, block: blk, index: idx})
		ptr = blk.Ptrs[idx]
		level--
	}
}

// findChildIndex returns the largest i such that Compare(keys[i],
// target) <= 0, or 0 if no such key exists (target precedes every key,
// which can only happen at the root since internal keys mirror their
// subtree's minimum).
func findChildIndex[K any, R any](ops Ops[K, R], keys []K, target K) int {
	lo, hi, res := 0, len(keys)-1, 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if ops.Compare(keys[mid], target) <= 0 {
			res = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return res
}

// lowerBound returns the smallest i such that Compare(RecKey(recs[i]),
// target) >= 0, or len(recs) if no such record exists.
func lowerBound[K any, R any](ops Ops[K, R], recs []R, target K) int {
	lo, hi := 0, len(recs)
	for lo < hi {
		mid := (lo + hi) / 2
		if ops.Compare(ops.RecKey(recs[mid]), target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup positions the cursor at the record matching target according
// to dir and returns whether an exact match was found (spec.md §4.2).
// Descent uses binary search on keys; at each internal block the
// chosen pointer is the one whose key is the largest <= target.
func (c *Cursor[K, R]) Lookup(target K, dir Dir) (bool, error) {
	if err := c.descendTo(target); err != nil {
		return false, err
	}
	leaf := &c.path[len(c.path)-1]
	recs := leaf.block.Recs
	idx := lowerBound(c.ops, recs, target)
	exact := idx < len(recs) && c.ops.Compare(c.ops.RecKey(recs[idx]), target) == 0

	switch dir {
	case EQ:
		leaf.index = idx
		return exact, nil
	case LE:
		if exact {
			leaf.index = idx
			return true, nil
		}
		if idx == 0 {
			leaf.index = 0
			_, err := c.Decrement()
			return false, err
		}
		leaf.index = idx - 1
		return false, nil
	case GE:
		if exact {
			leaf.index = idx
			return true, nil
		}
		if idx == len(recs) {
			if len(recs) == 0 {
				leaf.index = 0
			} else {
				leaf.index = len(recs) - 1
			}
			_, err := c.Increment()
			return false, err
		}
		leaf.index = idx
		return false, nil
	default:
		return false, errors.New("btree: invalid lookup direction")
	}
}

// Increment advances the cursor to the next leaf record, walking up
// the right spine and back down when the current block is exhausted
// (spec.md §4.2). Returns false if the cursor was already at the last
// record.
func (c *Cursor[K, R]) Increment() (bool, error) {
	i := len(c.path) - 1
	for i >= 0 {
		c.path[i].index++
		if c.path[i].index < c.path[i].block.NumRecs() {
			break
		}
		i--
	}
	if i < 0 {
		last := len(c.path) - 1
		c.path[last].index = c.path[last].block.NumRecs()
		return false, nil
	}
	for j := i + 1; j < len(c.path); j++ {
		parent := c.path[j-1]
		childPtr := parent.block.Ptrs[parent.index]
		blk, err := c.ops.ReadBlock(childPtr)
		if err != nil {
			return false, err
		}
		c.path[j] = pathLevel[K, R]{ptr: childPtr, block: blk, index: 0}
	}
	return true, nil
}

// Decrement is the mirror of Increment, walking the left spine.
func (c *Cursor[K, R]) Decrement() (bool, error) {
	i := len(c.path) - 1
	for i >= 0 {
		c.path[i].index--
		if c.path[i].index >= 0 {
			break
		}
		i--
	}
	if i < 0 {
		c.path[len(c.path)-1].index = -1
		return false, nil
	}
	for j := i + 1; j < len(c.path); j++ {
		parent := c.path[j-1]
		childPtr := parent.block.Ptrs[parent.index]
		blk, err := c.ops.ReadBlock(childPtr)
		if err != nil {
			return false, err
		}
		c.path[j] = pathLevel[K, R]{ptr: childPtr, block: blk, index: blk.NumRecs() - 1}
	}
	return true, nil
}

// GetRec returns the record at the cursor's current leaf position.
func (c *Cursor[K, R]) GetRec() (R, bool) {
	var zero R
	if len(c.path) == 0 {
		return zero, false
	}
	leaf := c.path[len(c.path)-1]
	if leaf.index < 0 || leaf.index >= len(leaf.block.Recs) {
		return zero, false
	}
	return leaf.block.Recs[leaf.index], true
}

// updkeyFrom pushes a new minimum key upward from levelIdx while the
// child being updated is the leftmost (index 0) of its parent
// (spec.md §4.2 "propagates a new key upward via updkey while the
// record is the first in its block").
func (c *Cursor[K, R]) updkeyFrom(levelIdx int, key K) error {
	for i := levelIdx - 1; i >= 0; i-- {
		p := &c.path[i]
		if p.index >= len(p.block.Keys) {
			break
		}
		p.block.Keys[p.index] = key
		if err := c.ops.WriteBlock(p.ptr, p.block); err != nil {
			return err
		}
		if p.index != 0 {
			break
		}
	}
	return nil
}

// Update writes rec through to the leaf and propagates a new key
// upward via updkey while the record is the first in its block.
func (c *Cursor[K, R]) Update(rec R) error {
	if len(c.path) == 0 {
		return errors.New("btree: Update called on an unpositioned cursor")
	}
	leaf := &c.path[len(c.path)-1]
	if leaf.index < 0 || leaf.index >= len(leaf.block.Recs) {
		return errors.New("btree: Update called with cursor not on a record")
	}
	leaf.block.Recs[leaf.index] = rec
	if err := c.ops.WriteBlock(leaf.ptr, leaf.block); err != nil {
		return err
	}
	if leaf.index == 0 {
		return c.updkeyFrom(len(c.path)-1, c.ops.RecKey(rec))
	}
	return nil
}

func splitBlock[K any, R any](b *Block[K, R]) *Block[K, R] {
	n := b.NumRecs()
	mid := n / 2
	right := &Block[K, R]{Level: b.Level}
	if b.IsLeaf() {
		right.Recs = append([]R{}, b.Recs[mid:]...)
		b.Recs = b.Recs[:mid]
	} else {
		right.Keys = append([]K{}, b.Keys[mid:]...)
		right.Ptrs = append([]uint64{}, b.Ptrs[mid:]...)
		b.Keys = b.Keys[:mid]
		b.Ptrs = b.Ptrs[:mid]
	}
	return right
}

func firstKey[K any, R any](ops Ops[K, R], b *Block[K, R]) K {
	if b.IsLeaf() {
		return ops.RecKey(b.Recs[0])
	}
	return b.Keys[0]
}

func insertIntoInternal[K any, R any](b *Block[K, R], idx int, key K, ptr uint64) {
	b.Keys = append(b.Keys, key)
	copy(b.Keys[idx+1:], b.Keys[idx:len(b.Keys)-1])
	b.Keys[idx] = key

	b.Ptrs = append(b.Ptrs, ptr)
	copy(b.Ptrs[idx+1:], b.Ptrs[idx:len(b.Ptrs)-1])
	b.Ptrs[idx] = ptr
}

func removeFromInternal[K any, R any](b *Block[K, R], idx int) {
	b.Keys = append(b.Keys[:idx], b.Keys[idx+1:]...)
	b.Ptrs = append(b.Ptrs[:idx], b.Ptrs[idx+1:]...)
}

func mergeBlocks[K any, R any](left, right *Block[K, R]) *Block[K, R] {
	merged := &Block[K, R]{Level: left.Level, LeftSib: left.LeftSib}
	if left.IsLeaf() {
		merged.Recs = append(append([]R{}, left.Recs...), right.Recs...)
	} else {
		merged.Keys = append(append([]K{}, left.Keys...), right.Keys...)
		merged.Ptrs = append(append([]uint64{}, left.Ptrs...), right.Ptrs...)
	}
	return merged
}

// Insert inserts rec into the tree, splitting blocks bottom-up as
// needed (spec.md §4.2). The record's key must not already be present.
//
// This implementation always splits on overflow rather than first
// trying rshift/lshift into a neighbor: correctness (P1-P4, L1, L3) does not depend on fill
// factor, only on non-overlap and ordering, both of which a pure
// split-on-overflow strategy preserves.
func (c *Cursor[K, R]) Insert(rec R) error {
	key := c.ops.RecKey(rec)
	if err := c.descendTo(key); err != nil {
		return err
	}
	leaf := &c.path[len(c.path)-1]
	idx := lowerBound(c.ops, leaf.block.Recs, key)
	if idx < len(leaf.block.Recs) && c.ops.Compare(c.ops.RecKey(leaf.block.Recs[idx]), key) == 0 {
		return errors.Wrap(xfscore.ErrCorrupt, "btree: duplicate key on insert")
	}
	leaf.block.Recs = append(leaf.block.Recs, rec)
	copy(leaf.block.Recs[idx+1:], leaf.block.Recs[idx:len(leaf.block.Recs)-1])
	leaf.block.Recs[idx] = rec
	leaf.index = idx

	if idx == 0 {
		if err := c.updkeyFrom(len(c.path)-1, key); err != nil {
			return err
		}
	}
	return c.insertFixup(len(c.path) - 1)
}

func (c *Cursor[K, R]) insertFixup(levelIdx int) error {
	for {
		p := &c.path[levelIdx]
		max := c.ops.MaxRecs(int(p.block.Level))
		if p.block.NumRecs() <= max {
			return c.ops.WriteBlock(p.ptr, p.block)
		}

		origRight := p.block.RightSib
		newPtr, err := c.ops.AllocBlock()
		if err != nil {
			return errors.Wrap(err, "btree: insert split could not allocate a new block")
		}
		right := splitBlock(p.block)
		right.LeftSib = p.ptr
		right.RightSib = origRight
		p.block.RightSib = newPtr

		if origRight != NullPtr {
			sib, err := c.ops.ReadBlock(origRight)
			if err != nil {
				return err
			}
			sib.LeftSib = newPtr
			if err := c.ops.WriteBlock(origRight, sib); err != nil {
				return err
			}
		}

		sepKey := firstKey(c.ops, right)
		if err := c.ops.WriteBlock(p.ptr, p.block); err != nil {
			return err
		}
		if err := c.ops.WriteBlock(newPtr, right); err != nil {
			return err
		}

		if levelIdx == 0 {
			newRootLevel := p.block.Level + 1
			newRootPtr, err := c.ops.AllocBlock()
			if err != nil {
				return errors.Wrap(err, "btree: could not allocate new root on split")
			}
			newRoot := &Block[K, R]{
				Level: newRootLevel,
				Keys:  []K{firstKey(c.ops, p.block), sepKey},
				Ptrs:  []uint64{p.ptr, newPtr},
			}
			if err := c.ops.WriteBlock(newRootPtr, newRoot); err != nil {
				return err
			}
			c.ops.SetRoot(newRootPtr, int(newRootLevel))
			return nil
		}

		parent := &c.path[levelIdx-1]
		insertIntoInternal(parent.block, parent.index+1, sepKey, newPtr)
		levelIdx--
	}
}

// Delete removes the record the cursor is currently positioned on
// (normally reached via Lookup(EQ, key)), repairing underflow
// bottom-up by joining: an underflowing block is merged with its right
// neighbor if the result fits in one block, otherwise with its left
// neighbor. Records are never shifted between neighbors; when neither
// join fits, the block is left below minrecs.
func (c *Cursor[K, R]) Delete() error {
	if len(c.path) == 0 {
		return errors.New("btree: Delete called on an unpositioned cursor")
	}
	levelIdx := len(c.path) - 1
	leaf := &c.path[levelIdx]
	if leaf.index < 0 || leaf.index >= len(leaf.block.Recs) {
		return errors.New("btree: Delete called with cursor not on a record")
	}
	leaf.block.Recs = append(leaf.block.Recs[:leaf.index], leaf.block.Recs[leaf.index+1:]...)

	if leaf.index == 0 && len(leaf.block.Recs) > 0 {
		if err := c.updkeyFrom(levelIdx, c.ops.RecKey(leaf.block.Recs[0])); err != nil {
			return err
		}
	}
	return c.deleteFixup(levelIdx)
}

func (c *Cursor[K, R]) deleteFixup(levelIdx int) error {
	for {
		p := &c.path[levelIdx]
		min := c.ops.MinRecs(int(p.block.Level))

		if levelIdx == 0 {
			if !p.block.IsLeaf() && p.block.NumRecs() == 1 {
				child, err := c.ops.ReadBlock(p.block.Ptrs[0])
				if err != nil {
					return err
				}
				oldPtr := p.ptr
				c.ops.SetRoot(p.block.Ptrs[0], int(child.Level))
				return c.ops.FreeBlock(oldPtr)
			}
			return c.ops.WriteBlock(p.ptr, p.block)
		}

		if p.block.NumRecs() >= min {
			return c.ops.WriteBlock(p.ptr, p.block)
		}

		parent := &c.path[levelIdx-1]

		if parent.index+1 < len(parent.block.Ptrs) {
			rightPtr := parent.block.Ptrs[parent.index+1]
			rightBlk, err := c.ops.ReadBlock(rightPtr)
			if err != nil {
				return err
			}
			merged := mergeBlocks(p.block, rightBlk)
			if merged.NumRecs() <= c.ops.MaxRecs(int(p.block.Level)) {
				merged.RightSib = rightBlk.RightSib
				if rightBlk.RightSib != NullPtr {
					sib, err := c.ops.ReadBlock(rightBlk.RightSib)
					if err != nil {
						return err
					}
					sib.LeftSib = p.ptr
					if err := c.ops.WriteBlock(rightBlk.RightSib, sib); err != nil {
						return err
					}
				}
				if err := c.ops.FreeBlock(rightPtr); err != nil {
					return err
				}
				p.block = merged
				if err := c.ops.WriteBlock(p.ptr, p.block); err != nil {
					return err
				}
				removeFromInternal(parent.block, parent.index+1)
				levelIdx--
				continue
			}
		}

		if parent.index > 0 {
			leftPtr := parent.block.Ptrs[parent.index-1]
			leftBlk, err := c.ops.ReadBlock(leftPtr)
			if err != nil {
				return err
			}
			merged := mergeBlocks(leftBlk, p.block)
			if merged.NumRecs() <= c.ops.MaxRecs(int(p.block.Level)) {
				merged.RightSib = p.block.RightSib
				if p.block.RightSib != NullPtr {
					sib, err := c.ops.ReadBlock(p.block.RightSib)
					if err != nil {
						return err
					}
					sib.LeftSib = leftPtr
					if err := c.ops.WriteBlock(p.block.RightSib, sib); err != nil {
						return err
					}
				}
				if err := c.ops.FreeBlock(p.ptr); err != nil {
					return err
				}
				if err := c.ops.WriteBlock(leftPtr, merged); err != nil {
					return err
				}
				removeFromInternal(parent.block, parent.index)
				levelIdx--
				continue
			}
		}

		// Neither neighbor can absorb this block without itself
		// overflowing (each holds more than maxrecs minus this block's
		// numrecs); the block is written back below minrecs.
		return c.ops.WriteBlock(p.ptr, p.block)
	}
}
