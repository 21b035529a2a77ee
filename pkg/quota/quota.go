// Package quota implements per-id dquot accounting: soft/hard limits
// on blocks, inodes, and realtime blocks, grace-period timers, and the
// reservation contract a transaction uses to debit and (on cancel)
// credit back quota usage (spec.md §4.8).
package quota

import (
	"sync"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// DquotType distinguishes the quota classes a transaction may carry
// deltas for (spec.md §4.8, "up to 2 user and 2 project dquot
// deltas"; group quotas follow the same path as project here).
type DquotType int

const (
	User DquotType = iota
	Group
	Project
)

// ID identifies one dquot in the global hash.
type ID struct {
	Type DquotType
	ID   uint32
}

func (a ID) less(b ID) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}

// GracePeriod is the default soft-limit grace period, in seconds,
// before a quota's timer expires and further reservation is refused
// even under the hard limit (SPEC_FULL supplement, mirroring
// xfs_qm.c's default grace period).
const GracePeriod int64 = 7 * 24 * 3600

// Dquot is the in-core wrapper around an on-disk xfscore.Dquot. The
// qlock (mu) is a short-critical-section lock guarding the counters;
// the flush semaphore is held separately around disk writeback so a
// long flush never blocks a reservation (spec.md §4.8).
type Dquot struct {
	ID ID

	mu    sync.Mutex
	flush chan struct{}

	Core xfscore.Dquot

	refs int
}

func newDquot(id ID) *Dquot {
	d := &Dquot{ID: id, flush: make(chan struct{}, 1)}
	d.flush <- struct{}{}
	d.Core.ID = id.ID
	d.Core.Magic = xfscore.DquotMagic
	return d
}

// Lock/Unlock expose the qlock so Manager.LockPair can hold two
// dquots at once without re-entering higher-level Dquot methods.
func (d *Dquot) Lock()   { d.mu.Lock() }
func (d *Dquot) Unlock() { d.mu.Unlock() }

// AcquireFlush blocks until the flush semaphore is free.
func (d *Dquot) AcquireFlush() { <-d.flush }

// ReleaseFlush releases the flush semaphore.
func (d *Dquot) ReleaseFlush() { d.flush <- struct{}{} }

// Manager owns the global dquot hash and the per-mount list. Lock
// order across this package is strictly inode → hash → freelist →
// per-mount list → qlock → flush (spec.md §4.8); Manager.mu stands in
// for the hash+freelist+per-mount-list locks as one mutex, since this
// implementation keeps no separate LRU freelist to contend for
// independently (scope simplification, DESIGN.md "quota").
type Manager struct {
	mu   sync.Mutex
	hash map[ID]*Dquot
	list []*Dquot

	// Now returns the current time as a unix timestamp; overridable so
	// grace-period tests don't depend on wall-clock time.
	Now func() int64
}

// NewManager returns an empty Manager.
func NewManager(now func() int64) *Manager {
	return &Manager{hash: make(map[ID]*Dquot), Now: now}
}

// Get returns the dquot for id, creating and registering it in the
// hash and per-mount list on first reference.
func (m *Manager) Get(id ID) *Dquot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.hash[id]; ok {
		d.refs++
		return d
	}
	d := newDquot(id)
	d.refs = 1
	m.hash[id] = d
	m.list = append(m.list, d)
	return d
}

// Put releases the caller's reference to d.
func (m *Manager) Put(d *Dquot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.refs--
}

// LockPair locks two dquots in id order to avoid deadlock when a
// transaction touches more than one (spec.md §4.8, "two dquots are
// locked in id order").
func LockPair(a, b *Dquot) {
	if a == b {
		a.Lock()
		return
	}
	first, second := a, b
	if b.ID.less(a.ID) {
		first, second = b, a
	}
	first.Lock()
	second.Lock()
}

// UnlockPair reverses LockPair.
func UnlockPair(a, b *Dquot) {
	a.Unlock()
	if b != a {
		b.Unlock()
	}
}
