package alloc

import (
	"context"
	stderrors "errors"

	"golang.org/x/sync/errgroup"

	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// SelectPolicy mirrors xfs_alloc_vextent's AG-selection policies: how
// strongly a caller cares about starting near a particular AG
// (spec.md §4.3).
type SelectPolicy int

const (
	// AnyAG scans every AG starting from startAg, wrapping around.
	AnyAG SelectPolicy = iota
	// StartAG behaves like AnyAG but gives up after one lap instead of
	// retrying; both share the same probe order here since retry
	// policy is a caller-level concern above this package.
	StartAG
	// FirstAG always scans from AG 0, ignoring startAg.
	FirstAG
	// StartBno behaves like StartAG; the difference (a preferred
	// AG-relative bno, not just AG) is carried in AllocArgs.AgBno by
	// the caller.
	StartBno
)

func agOrder(count uint32, start xfscore.AgNumber, policy SelectPolicy) []xfscore.AgNumber {
	order := make([]xfscore.AgNumber, 0, count)
	if policy == FirstAG {
		start = 0
	}
	for i := uint32(0); i < count; i++ {
		order = append(order, xfscore.AgNumber((uint32(start)+i)%count))
	}
	return order
}

func probeAG(tx *txn.Transaction, geo xfscore.Geometry, ag xfscore.AgNumber, need xfscore.ExtLen) (bool, error) {
	buf, err := tx.ReadBuf(headerDaddr(geo, ag, agfHeaderBno), int(geo.BlockSize()))
	if err != nil {
		return false, err
	}
	agf := &xfscore.AGF{}
	if err := xfscore.Decode(buf.Data[:agfSize()], agf); err != nil {
		return false, err
	}
	if err := xfscore.ValidateAGF(agf, uint32(ag)); err != nil {
		return false, err
	}
	tx.BRelse(buf)
	return xfscore.ExtLen(agf.FreeBlocks) >= need, nil
}

// SelectAndAllocate probes every candidate AG concurrently (the
// spec's TRYLOCK pass, spec.md §5) and performs the real allocation,
// in policy order, in the first AG that both looked promising and
// still had room by the time its turn came.
func SelectAndAllocate(tx *txn.Transaction, geo xfscore.Geometry, policy SelectPolicy, startAg xfscore.AgNumber, args AllocArgs) (*AllocResult, error) {
	order := agOrder(geo.AgCount, startAg, policy)
	candidate := make([]bool, len(order))

	g, _ := errgroup.WithContext(context.Background())
	for i, ag := range order {
		i, ag := i, ag
		g.Go(func() error {
			ok, err := probeAG(tx, geo, ag, args.MinLen+args.MinLeft)
			if err != nil {
				return err
			}
			candidate[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, ag := range order {
		if !candidate[i] {
			continue
		}
		a, err := OpenAG(tx, geo, ag)
		if err != nil {
			return nil, err
		}
		res, err := VExtent(a, args)
		if err == nil {
			return res, nil
		}
		if stderrors.Is(err, xfscore.ErrNoSpace) {
			continue
		}
		return nil, err
	}
	return nil, xfscore.ErrNoSpace
}
