package txn

import "sync"

// LSN is a log sequence number. Ordering is total: commit records at
// the log imply ordering of every buffer update they contain
// (spec.md §5).
type LSN uint64

// LogRecord is one committed transaction's worth of before/after
// image metadata. The WAL itself (recovery replay, circular log space
// reclaim) is out of scope per spec.md §1; LogManager only needs to
// capture commit ordering and give fix_freelist a way to force a
// synchronous commit.
type LogRecord struct {
	LSN    LSN
	Sync   bool
	Ranges []DirtyRange
}

// DirtyRange names a logged byte range within one buffer, the
// log_buf(tp, bp, first, last) contract of spec.md §4.1.
type DirtyRange struct {
	Dev    uint32
	Daddr  uint64
	First  int
	Last   int
	Before []byte
	After  []byte
}

// LogManager is the external collaborator that would durably append
// LogRecords to the write-ahead log and replay them on recovery.
// xfscore only relies on its commit-ordering guarantee, never on
// recovery semantics, so the interface is intentionally thin.
type LogManager interface {
	// Append assigns the next LSN to rec and records it. Ranges within
	// one commit become durable atomically with respect to recovery.
	Append(rec LogRecord) LSN
	// Force blocks until every record up to and including lsn is
	// durable. A pending force that completes with error signals a
	// shutdown-worthy condition (spec.md §5 "Shutdown").
	Force(lsn LSN) error
}

// InMemoryLog is a LogManager that never actually hits stable storage;
// it exists so Transaction.Commit has something to call in tests and
// in standalone tooling that doesn't wire a real WAL.
type InMemoryLog struct {
	mu      sync.Mutex
	next    LSN
	records []LogRecord
}

// NewInMemoryLog returns an empty in-memory log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{next: 1}
}

// Append implements LogManager.
func (l *InMemoryLog) Append(rec LogRecord) LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.LSN = l.next
	l.records = append(l.records, rec)
	l.next++
	return rec.LSN
}

// Force implements LogManager. The in-memory log is always durable by
// the time Append returns, so Force never blocks or fails.
func (l *InMemoryLog) Force(LSN) error { return nil }

// Records returns a snapshot of every record appended so far, ordered
// by LSN. Used by tests asserting commit ordering.
func (l *InMemoryLog) Records() []LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogRecord, len(l.records))
	copy(out, l.records)
	return out
}
