// Package icache is the in-core inode cache: a sharded hash keyed by
// inode number, and the per-inode IO lock / inode lock / flush
// semaphore every bmap and inode-core operation takes before touching
// an inode (spec.md §2.7, §5).
package icache

import (
	"sync"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// bucketCount is the number of independently locked hash buckets
// (spec.md §5, "Inode hash bucket lock per bucket" — a single global
// lock would serialize every cache lookup across every inode).
const bucketCount = 64

// Entry is the in-core wrapper around one cached xfscore.InodeCore. It
// lives from the first Cache.Get after ialloc until Cache.Free (§2.7,
// "inodes live from ialloc until ifree").
//
// Lock order, per §5: IO lock before inode lock. The IO lock guards
// any bmap operation that extends or truncates the file; the inode
// lock guards the inode core and its forks directly.
type Entry struct {
	Ino  xfscore.Ino
	Core *xfscore.InodeCore

	ioLock    sync.RWMutex
	inodeLock sync.RWMutex
	flush     chan struct{}

	refs int
}

func newEntry(ino xfscore.Ino, core *xfscore.InodeCore) *Entry {
	e := &Entry{Ino: ino, Core: core, flush: make(chan struct{}, 1)}
	e.flush <- struct{}{}
	return e
}

func (e *Entry) LockIO()    { e.ioLock.Lock() }
func (e *Entry) UnlockIO()  { e.ioLock.Unlock() }
func (e *Entry) RLockIO()   { e.ioLock.RLock() }
func (e *Entry) RUnlockIO() { e.ioLock.RUnlock() }

func (e *Entry) Lock()   { e.inodeLock.Lock() }
func (e *Entry) Unlock() { e.inodeLock.Unlock() }

func (e *Entry) RLock()   { e.inodeLock.RLock() }
func (e *Entry) RUnlock() { e.inodeLock.RUnlock() }

// AcquireFlush blocks until no other thread is flushing this inode to
// disk (§5, "flush semaphore used to serialize disk flushes").
func (e *Entry) AcquireFlush() { <-e.flush }

// ReleaseFlush releases the flush semaphore acquired by AcquireFlush.
func (e *Entry) ReleaseFlush() { e.flush <- struct{}{} }

type bucket struct {
	mu      sync.Mutex
	entries map[xfscore.Ino]*Entry
}

// Cache is the global inode hash.
type Cache struct {
	buckets [bucketCount]*bucket
}

// New returns an empty Cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.buckets {
		c.buckets[i] = &bucket{entries: make(map[xfscore.Ino]*Entry)}
	}
	return c
}

func (c *Cache) bucketFor(ino xfscore.Ino) *bucket {
	return c.buckets[uint64(ino)%bucketCount]
}

// Get returns the cached entry for ino, bumping its reference count.
// If ino is not yet cached, core seeds a freshly constructed entry —
// the caller is expected to have just read it off disk via ialloc.
func (c *Cache) Get(ino xfscore.Ino, core *xfscore.InodeCore) *Entry {
	b := c.bucketFor(ino)
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[ino]; ok {
		e.refs++
		return e
	}
	e := newEntry(ino, core)
	e.refs = 1
	b.entries[ino] = e
	return e
}

// Lookup returns the cached entry for ino without creating one, and
// reports whether it was found.
func (c *Cache) Lookup(ino xfscore.Ino) (*Entry, bool) {
	b := c.bucketFor(ino)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[ino]
	if ok {
		e.refs++
	}
	return e, ok
}

// Put releases the caller's reference to e. It never evicts on its
// own — a referenced inode may still be open elsewhere; only Free
// evicts, matching ifree's explicit cache drop.
func (c *Cache) Put(e *Entry) {
	b := c.bucketFor(e.Ino)
	b.mu.Lock()
	defer b.mu.Unlock()
	e.refs--
}

// Free evicts ino from the cache (§2.7, "ifree"). The caller must
// already have released the inode's extents and chunk record through
// ialloc; Free only drops the in-core entry.
func (c *Cache) Free(ino xfscore.Ino) {
	b := c.bucketFor(ino)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ino)
}

// Refs reports e's current reference count, for tests and diagnostics.
func (e *Entry) Refs() int { return e.refs }
