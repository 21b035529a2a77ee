package txn

// bufferKey identifies a pinned buffer by device and block address,
// the handle a cursor carries instead of a raw pointer (spec.md §9,
// "Buffer pointers inside cursors").
type bufferKey struct {
	dev   uint32
	daddr uint64
}

// Buffer is a pinned, possibly-dirty in-memory copy of one device
// block. A pin (via ReadBuf/GetBuf) prevents log-truncation reclaim;
// mutation still requires the owning transaction to log the changed
// byte range before it is visible to commit.
type Buffer struct {
	Dev    uint32
	Daddr  uint64
	Data   []byte
	dirty  []DirtyRange
	stale  bool
	joined bool
}

// MarkDirty records a logged byte range. Calls are cumulative; the log
// layer may coalesce them (spec.md §4.1, log_buf).
func (b *Buffer) MarkDirty(first, last int) {
	before := make([]byte, last-first+1)
	copy(before, b.Data[first:last+1])
	b.dirty = append(b.dirty, DirtyRange{
		Dev: b.Dev, Daddr: b.Daddr, First: first, Last: last,
		Before: before,
	})
}
