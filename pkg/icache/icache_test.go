package icache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// A second Get for the same inode number returns the same entry and
// bumps its refcount instead of constructing a new one.
func TestGetReusesEntryAndCountsRefs(t *testing.T) {
	c := New()
	core := &xfscore.InodeCore{Mode: 0100644}

	a := c.Get(100, core)
	require.Equal(t, 1, a.Refs())

	b := c.Get(100, &xfscore.InodeCore{Mode: 0})
	require.Same(t, a, b, "a second Get for the same inode must return the cached entry")
	require.Equal(t, 2, a.Refs())
	require.Same(t, core, a.Core, "the seed core from the first Get must win")

	c.Put(a)
	require.Equal(t, 1, a.Refs())
}

// Lookup finds an entry without creating one; on a miss it leaves the
// cache untouched.
func TestLookupMissDoesNotCreate(t *testing.T) {
	c := New()
	_, ok := c.Lookup(7)
	require.False(t, ok)

	c.Get(7, &xfscore.InodeCore{})
	e, ok := c.Lookup(7)
	require.True(t, ok)
	require.EqualValues(t, 7, e.Ino)
}

// Free evicts the entry; a subsequent Get constructs a fresh one
// rather than returning the evicted entry.
func TestFreeEvictsEntry(t *testing.T) {
	c := New()
	first := c.Get(42, &xfscore.InodeCore{Links: 1})
	c.Free(42)

	second := c.Get(42, &xfscore.InodeCore{Links: 0})
	require.NotSame(t, first, second, "Free must evict so a later Get starts fresh")
	require.Equal(t, 1, second.Refs())
}

// The IO lock and inode lock are independent: holding one does not
// block acquiring the other on the same entry.
func TestIOLockAndInodeLockAreIndependent(t *testing.T) {
	c := New()
	e := c.Get(1, &xfscore.InodeCore{})

	e.LockIO()
	e.Lock()
	e.Unlock()
	e.UnlockIO()

	e.RLockIO()
	e.RLock()
	e.RUnlock()
	e.RUnlockIO()
}
