// Package txn implements the transaction / buffer-log interface
// consumed by every other core package (spec.md §4.1). The write-ahead
// log itself, the buffer cache eviction policy, and IO submission are
// out of scope per spec.md §1 ("external collaborators, sketched only
// via interfaces"); this package defines those as the Device and
// LogManager interfaces and ships a minimal in-memory implementation
// of each so the engine is independently testable.
package txn

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

// Device is the external collaborator that actually moves bytes.
// A real mount would back this with a page/buffer cache over a block
// device; xfscore only needs the read/write-at-block-address contract.
type Device interface {
	ReadBlock(daddr uint64, size int) ([]byte, error)
	WriteBlock(daddr uint64, data []byte) error
}

// MemDevice is an in-memory Device, used by tests and by callers that
// want to build a filesystem image entirely in memory before flushing
// it out.
type MemDevice struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
}

// NewMemDevice returns an empty in-memory device.
func NewMemDevice() *MemDevice {
	return &MemDevice{blocks: make(map[uint64][]byte)}
}

// ReadBlock returns a copy of the stored block, or a zero-filled block
// of the requested size if nothing has been written there yet.
func (d *MemDevice) ReadBlock(daddr uint64, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[daddr]
	if !ok {
		return make([]byte, size), nil
	}
	if len(b) != size {
		return nil, errors.Wrapf(xfscore.ErrIO, "block %d: size mismatch (have %d, want %d)", daddr, len(b), size)
	}
	out := make([]byte, size)
	copy(out, b)
	return out, nil
}

// WriteBlock stores a copy of data at daddr.
func (d *MemDevice) WriteBlock(daddr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	d.blocks[daddr] = cp
	return nil
}

// FileDevice backs Device with a regular file (or block device node),
// the form cmd/xfscorectl's mkfs/check/alloc/free subcommands actually
// operate on. Every caller in this engine addresses daddr in units of
// the filesystem block size (geo.BlockSize()), the same unit ReadBuf
// and GetBuf pass as size, so FileDevice scales by that block size
// rather than a separate physical sector size.
type FileDevice struct {
	f         *os.File
	blockSize int64
}

// OpenFileDevice opens (and, if create is set, creates/truncates) path
// as a FileDevice addressed in units of blockSize bytes.
func OpenFileDevice(path string, blockSize int64, create bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "txn: open %s", path)
	}
	return &FileDevice{f: f, blockSize: blockSize}, nil
}

// ReadBlock reads size bytes at block daddr, zero-extending short
// reads past the current end of file the way a freshly truncated image
// reads as zeroes.
func (d *FileDevice) ReadBlock(daddr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	_, err := d.f.ReadAt(buf, int64(daddr)*d.blockSize)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrapf(err, "txn: read block %d", daddr)
	}
	return buf, nil
}

// WriteBlock writes data at block daddr.
func (d *FileDevice) WriteBlock(daddr uint64, data []byte) error {
	if _, err := d.f.WriteAt(data, int64(daddr)*d.blockSize); err != nil {
		return errors.Wrapf(err, "txn: write block %d", daddr)
	}
	return nil
}

// Truncate grows the backing file to at least the given number of
// bytes, the way mkfs pre-sizes an image before formatting it.
func (d *FileDevice) Truncate(size int64) error {
	return errors.Wrap(d.f.Truncate(size), "txn: truncate device")
}

// Close closes the underlying file.
func (d *FileDevice) Close() error { return d.f.Close() }
