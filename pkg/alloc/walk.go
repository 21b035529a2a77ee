package alloc

import (
	"github.com/blocklayer/xfscore/pkg/btree"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// WalkFreeExtents visits every by-bno free-extent record in ascending
// start-block order, stopping at the first error fn returns. It is the
// read-only traversal cmd/xfscorectl's check command uses to verify
// P1/P2/P4 (spec.md §8) without exposing the underlying cursor.
func (a *AG) WalkFreeExtents(fn func(xfscore.FreeExtentRec) error) error {
	cur := btree.NewCursor[xfscore.AgBno, xfscore.FreeExtentRec](&bnoOps{ag: a})
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
