package ialloc

import (
	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// WalkChunks visits every inode-chunk record in ascending start-inode
// order, stopping at the first error fn returns. Used by
// cmd/xfscorectl's check command to verify P6 (spec.md §8,
// "freecount == popcount(free)").
func (a *AGI) WalkChunks(fn func(xfscore.InodeChunkRec) error) error {
	cur := a.cursor()
	if _, err := cur.Lookup(0, btree.GE); err != nil {
		return err
	}
	for {
		rec, has := cur.GetRec()
		if !has {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
		more, err := cur.Increment()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
