package quota

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

func fixedClock(t int64) func() int64 { return func() int64 { return t } }

// A reservation within the hard limit succeeds and starts the
// soft-limit grace timer once usage crosses the soft limit; a
// reservation that would exceed the hard limit is refused and leaves
// the counter untouched (spec.md §4.8).
func TestReserveQuotaHardAndSoftLimits(t *testing.T) {
	m := NewManager(fixedClock(1000))
	dq := m.Get(ID{Type: User, ID: 42})
	dq.Core.BHardLim = 100
	dq.Core.BSoftLim = 50

	var trx Trx
	require.NoError(t, ReserveQuota(&trx, dq, Blocks, 60, m.Now()))
	require.EqualValues(t, 60, dq.Core.BCount)
	require.NotZero(t, dq.Core.BTimer, "crossing the soft limit should start the grace timer")

	err := ReserveQuota(&trx, dq, Blocks, 50, m.Now())
	require.Error(t, err)
	require.ErrorIs(t, err, xfscore.ErrQuotaExceeded)
	require.EqualValues(t, 60, dq.Core.BCount, "a refused reservation must not change the counter")

	Cancel(&trx, m.Now())
	require.EqualValues(t, 0, dq.Core.BCount)
	require.Zero(t, dq.Core.BTimer, "dropping back under the soft limit clears the timer")
}

// Once the soft-limit grace timer has expired, further reservation
// past the soft limit is refused even though the hard limit has
// headroom.
func TestReserveQuotaGraceExpiry(t *testing.T) {
	m := NewManager(fixedClock(10_000))
	dq := m.Get(ID{Type: User, ID: 7})
	dq.Core.BHardLim = 1000
	dq.Core.BSoftLim = 50
	dq.Core.BCount = 60
	dq.Core.BTimer = 9_000 // already expired relative to m.Now()

	var trx Trx
	err := ReserveQuota(&trx, dq, Blocks, 10, m.Now())
	require.Error(t, err)
	require.ErrorIs(t, err, xfscore.ErrQuotaExceeded)
}

// Commit clears a transaction's dqinfo without changing any counter
// (the eager-apply model: ReserveQuota already applied the delta).
func TestCommitLeavesCountersInPlace(t *testing.T) {
	m := NewManager(fixedClock(1))
	dq := m.Get(ID{Type: Project, ID: 3})
	dq.Core.IHardLim = 10

	var trx Trx
	require.NoError(t, ReserveQuota(&trx, dq, Inodes, 4, m.Now()))
	Commit(&trx)
	require.EqualValues(t, 4, dq.Core.ICount)
	require.Nil(t, trx.Project[0])
}

// A transaction's dqinfo holds at most 2 distinct dquots per class
// (spec.md §4.8).
func TestTrxDeltaSlotsAreBounded(t *testing.T) {
	m := NewManager(fixedClock(1))
	a := m.Get(ID{Type: User, ID: 1})
	b := m.Get(ID{Type: User, ID: 2})
	c := m.Get(ID{Type: User, ID: 3})
	a.Core.BHardLim, b.Core.BHardLim, c.Core.BHardLim = 100, 100, 100

	var trx Trx
	require.NoError(t, ReserveQuota(&trx, a, Blocks, 1, m.Now()))
	require.NoError(t, ReserveQuota(&trx, b, Blocks, 1, m.Now()))
	err := ReserveQuota(&trx, c, Blocks, 1, m.Now())
	require.Error(t, err)
}

// LockPair always acquires two distinct dquots in the same order
// regardless of call-site argument order, preventing deadlock.
func TestLockPairOrdersById(t *testing.T) {
	m := NewManager(fixedClock(1))
	a := m.Get(ID{Type: User, ID: 5})
	b := m.Get(ID{Type: User, ID: 9})

	LockPair(a, b)
	UnlockPair(a, b)
	LockPair(b, a)
	UnlockPair(b, a)
}
