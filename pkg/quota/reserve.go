package quota

import (
	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// ResourceKind selects which counter triple (hard limit, soft limit,
// count, timer) a reservation or timer adjustment applies to (spec.md
// §4.8).
type ResourceKind int

const (
	Blocks ResourceKind = iota
	Inodes
	RtBlocks
)

func (d *Dquot) counters(kind ResourceKind) (hard, soft uint64, count *uint64, timer *int64) {
	switch kind {
	case Blocks:
		return d.Core.BHardLim, d.Core.BSoftLim, &d.Core.BCount, &d.Core.BTimer
	case Inodes:
		return d.Core.IHardLim, d.Core.ISoftLim, &d.Core.ICount, &d.Core.ITimer
	default:
		return d.Core.RtBHard, d.Core.RtBSoft, &d.Core.RtBCount, &d.Core.RtBTimer
	}
}

// AdjustTimers starts kind's grace-period timer the moment usage
// exceeds the soft limit and clears it the moment usage drops back
// below (SPEC_FULL supplement, mirroring xfs_qm.c's adjust_dqtimers).
// Caller must hold d's qlock.
func (d *Dquot) AdjustTimers(kind ResourceKind, now int64) {
	_, soft, count, timer := d.counters(kind)
	over := soft > 0 && *count > soft
	switch {
	case over && *timer == 0:
		*timer = now + GracePeriod
	case !over:
		*timer = 0
	}
}

// Delta accumulates one dquot's pending change for the lifetime of a
// transaction (spec.md §4.8, "dqinfo").
type Delta struct {
	Dq          *Dquot
	BlockDelta  int64
	InodeDelta  int64
	RtBlockDelta int64
}

func (d *Delta) add(kind ResourceKind, n int64) {
	switch kind {
	case Blocks:
		d.BlockDelta += n
	case Inodes:
		d.InodeDelta += n
	default:
		d.RtBlockDelta += n
	}
}

// Trx holds up to 2 user and 2 project dquot deltas for one
// transaction (spec.md §4.8).
type Trx struct {
	User    [2]*Delta
	Project [2]*Delta
}

func (t *Trx) slot(typ DquotType) *[2]*Delta {
	if typ == Project || typ == Group {
		return &t.Project
	}
	return &t.User
}

// delta returns (creating if necessary) this transaction's delta
// record for dq, refusing a third distinct dquot of the same class
// (spec.md §4.8's fixed 2-slot dqinfo array).
func (t *Trx) delta(dq *Dquot) (*Delta, error) {
	slot := t.slot(dq.ID.Type)
	for _, d := range slot {
		if d != nil && d.Dq == dq {
			return d, nil
		}
	}
	for i, d := range slot {
		if d == nil {
			nd := &Delta{Dq: dq}
			slot[i] = nd
			return nd, nil
		}
	}
	return nil, errors.Wrap(xfscore.ErrInvalid, "quota: transaction already touches 2 dquots of this class")
}

// ReserveQuota adds n to dq's counter for kind and records the debit
// in trx's dqinfo, refusing the reservation with ErrQuotaExceeded if
// the hard limit would be exceeded or the soft-limit grace timer has
// already expired (spec.md §4.8). The counter is applied eagerly; a
// later Cancel(trx) reverses it (scope simplification — this
// implementation does not separate "reserved" from "used" block
// counts the way xfs_qm.c does, see DESIGN.md "quota").
func ReserveQuota(trx *Trx, dq *Dquot, kind ResourceKind, n int64, now int64) error {
	dq.Lock()
	defer dq.Unlock()

	hard, soft, count, timer := dq.counters(kind)
	projected := int64(*count) + n
	if projected < 0 {
		projected = 0
	}
	if hard > 0 && uint64(projected) > hard {
		return errors.Wrap(xfscore.ErrQuotaExceeded, "quota: hard limit exceeded")
	}
	if soft > 0 && uint64(projected) > soft && *timer != 0 && now > *timer {
		return errors.Wrap(xfscore.ErrQuotaExceeded, "quota: soft limit grace period expired")
	}

	*count = uint64(projected)
	dq.AdjustTimers(kind, now)

	d, err := trx.delta(dq)
	if err != nil {
		*count = uint64(int64(*count) - n)
		dq.AdjustTimers(kind, now)
		return err
	}
	d.add(kind, n)
	return nil
}

// Commit finalizes trx's deltas: the eagerly-applied counters already
// reflect the reservation, so committing simply releases the
// transaction's bookkeeping (spec.md §4.8, "apply_dquot_deltas").
func Commit(trx *Trx) {
	trx.User = [2]*Delta{}
	trx.Project = [2]*Delta{}
}

// Cancel returns every reservation trx made back to its dquot without
// otherwise changing usage (spec.md §4.8,
// "unreserve_and_mod_dquots... no usage change").
func Cancel(trx *Trx, now int64) {
	for _, slot := range [][2]*Delta{trx.User, trx.Project} {
		for _, d := range slot {
			if d == nil {
				continue
			}
			dq := d.Dq
			dq.Lock()
			applyReverse(dq, Blocks, d.BlockDelta)
			applyReverse(dq, Inodes, d.InodeDelta)
			applyReverse(dq, RtBlocks, d.RtBlockDelta)
			dq.AdjustTimers(Blocks, now)
			dq.AdjustTimers(Inodes, now)
			dq.AdjustTimers(RtBlocks, now)
			dq.Unlock()
		}
	}
	Commit(trx)
}

func applyReverse(dq *Dquot, kind ResourceKind, delta int64) {
	if delta == 0 {
		return
	}
	_, _, count, _ := dq.counters(kind)
	nv := int64(*count) - delta
	if nv < 0 {
		nv = 0
	}
	*count = uint64(nv)
}
