package txn

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/logx"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// Mount holds the process-wide state transactions share: the device,
// the log manager, a shutdown flag, and the buffer pin table. It plays
// the role the teacher's single global mount struct plays for every
// vorteil subsystem, scoped down to what the core engine needs.
type Mount struct {
	Dev uint32
	Log LogManager
	IO  Device
	Lg  logx.Logger

	mu       sync.Mutex
	pins     map[bufferKey]*Buffer
	shutdown bool
}

// NewMount constructs a Mount. lg may be nil, in which case logging is
// discarded.
func NewMount(dev uint32, iodev Device, log LogManager, lg logx.Logger) *Mount {
	if lg == nil {
		lg = logx.Discard
	}
	return &Mount{Dev: dev, Log: log, IO: iodev, Lg: lg, pins: make(map[bufferKey]*Buffer)}
}

// Shutdown puts the mount into MOUNT_FS_SHUTDOWN (spec.md §5). Every
// subsequent transaction call short-circuits to ErrShutdown.
func (m *Mount) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
}

// IsShutdown reports whether the mount has shut down.
func (m *Mount) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func (m *Mount) pin(daddr uint64, size int) (*Buffer, error) {
	key := bufferKey{dev: m.Dev, daddr: daddr}
	m.mu.Lock()
	if b, ok := m.pins[key]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	data, err := m.IO.ReadBlock(daddr, size)
	if err != nil {
		return nil, errors.Wrapf(xfscore.ErrIO, "read block %d: %v", daddr, err)
	}
	b := &Buffer{Dev: m.Dev, Daddr: daddr, Data: data}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pins[key]; ok {
		return existing, nil
	}
	m.pins[key] = b
	return b, nil
}

func (m *Mount) unpin(b *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, bufferKey{dev: b.Dev, daddr: b.Daddr})
}

// Transaction is a set of pinned buffers whose dirty byte ranges are
// journaled atomically (spec.md §3 "Ownership"). It owns its joined
// buffers until Commit or Cancel.
type Transaction struct {
	mount   *Mount
	joined  map[bufferKey]*Buffer
	order   []bufferKey // first-modification order, for commit/log ordering
	sync    bool
	aborted bool
}

// Begin starts a new transaction against mount. Reservation accounting
// (the log-space budget a real WAL would enforce) is out of scope per
// spec.md §1; Begin only fails if the mount has already shut down.
func Begin(m *Mount) (*Transaction, error) {
	if m.IsShutdown() {
		return nil, xfscore.ErrShutdown
	}
	return &Transaction{mount: m, joined: make(map[bufferKey]*Buffer)}, nil
}

func (t *Transaction) touch(b *Buffer) {
	key := bufferKey{dev: b.Dev, daddr: b.Daddr}
	if _, ok := t.joined[key]; !ok {
		t.joined[key] = b
		t.order = append(t.order, key)
		b.joined = true
	}
}

// ReadBuf reads and pins a buffer, joining it to the transaction.
func (t *Transaction) ReadBuf(daddr uint64, size int) (*Buffer, error) {
	if t.mount.IsShutdown() {
		return nil, xfscore.ErrShutdown
	}
	b, err := t.mount.pin(daddr, size)
	if err != nil {
		return nil, err
	}
	t.touch(b)
	return b, nil
}

// GetBuf returns an uninitialized (zero-filled) buffer joined to the
// transaction, for blocks being allocated fresh rather than read.
func (t *Transaction) GetBuf(daddr uint64, size int) (*Buffer, error) {
	if t.mount.IsShutdown() {
		return nil, xfscore.ErrShutdown
	}
	key := bufferKey{dev: t.mount.Dev, daddr: daddr}
	t.mount.mu.Lock()
	if existing, ok := t.mount.pins[key]; ok {
		t.mount.mu.Unlock()
		t.touch(existing)
		return existing, nil
	}
	b := &Buffer{Dev: t.mount.Dev, Daddr: daddr, Data: make([]byte, size)}
	t.mount.pins[key] = b
	t.mount.mu.Unlock()
	t.touch(b)
	return b, nil
}

// LogBuf records byte range [first,last] of b as dirty. b must already
// be joined to t.
func (t *Transaction) LogBuf(b *Buffer, first, last int) error {
	if _, ok := t.joined[bufferKey{dev: b.Dev, daddr: b.Daddr}]; !ok {
		return errors.New("xfscore/txn: LogBuf on a buffer not joined to this transaction")
	}
	b.MarkDirty(first, last)
	return nil
}

// BInval marks b stale: its backing block has been freed and must not
// be written back, only invalidated.
func (t *Transaction) BInval(b *Buffer) {
	b.stale = true
}

// BRelse drops the transaction's local reference to b. Whether the
// block is written back is decided at commit time from its dirty
// state, not from how many callers have released it.
func (t *Transaction) BRelse(b *Buffer) {
	// Buffers stay joined until commit/cancel; BRelse is a no-op at the
	// bookkeeping level used here, matching the spec's description of
	// it as releasing only the *local* reference.
}

// MakeSync marks the transaction for synchronous commit. fix_freelist
// uses this when trimming the AGFL so that a block freed from the
// freelist cannot be reused by a non-transactional writer until
// recovery ordering is satisfied (spec.md §4.3).
func (t *Transaction) MakeSync() { t.sync = true }

// IsSync reports whether MakeSync has been called.
func (t *Transaction) IsSync() bool { return t.sync }

// Commit journals every dirty range across every joined buffer in
// first-modification order, forces the log if the transaction was
// marked synchronous, writes the buffers back to the device, and
// releases the transaction's ownership of them.
func (t *Transaction) Commit() error {
	if t.aborted {
		return errors.New("xfscore/txn: commit called on an already-cancelled transaction")
	}
	if t.mount.IsShutdown() {
		return xfscore.ErrShutdown
	}

	var ranges []DirtyRange
	for _, key := range t.order {
		b := t.joined[key]
		for i := range b.dirty {
			r := b.dirty[i]
			r.After = make([]byte, r.Last-r.First+1)
			copy(r.After, b.Data[r.First:r.Last+1])
			ranges = append(ranges, r)
		}
	}

	lsn := t.mount.Log.Append(LogRecord{Sync: t.sync, Ranges: ranges})
	if t.sync {
		if err := t.mount.Log.Force(lsn); err != nil {
			t.mount.Shutdown()
			return errors.Wrap(xfscore.ErrIO, "xfscore/txn: synchronous log force failed")
		}
	}

	// Writes commit in the same first-modification order the log used,
	// so a crash between two block writes still leaves on-disk state
	// recoverable from the just-forced log record.
	for _, key := range t.order {
		b := t.joined[key]
		if b.stale {
			t.mount.unpin(b)
			continue
		}
		if len(b.dirty) == 0 {
			t.mount.unpin(b)
			continue
		}
		if err := t.mount.IO.WriteBlock(b.Daddr, b.Data); err != nil {
			t.mount.Shutdown()
			return errors.Wrapf(xfscore.ErrIO, "write block %d", b.Daddr)
		}
		b.dirty = nil
		t.mount.unpin(b)
	}
	t.joined = nil
	return nil
}

// Cancel unpins every joined buffer without writing any of them back.
// Callers use this on the first non-transient error encountered while
// building up the transaction (spec.md §7).
func (t *Transaction) Cancel() {
	if t.aborted {
		return
	}
	t.aborted = true
	for _, key := range t.order {
		b := t.joined[key]
		b.dirty = nil
		t.mount.unpin(b)
	}
	t.joined = nil
}

// Dup starts a fresh transaction against the same mount, used by
// callers that need to roll a long chain of operations (e.g. AGFL
// refill followed by the allocation it was refilling for) across
// transaction boundaries while keeping the same buffer pins warm.
func (t *Transaction) Dup() (*Transaction, error) {
	return Begin(t.mount)
}
