package xfscore

import "errors"

// Sentinel errors matching the error-code taxonomy in spec.md §6/§7.
// Callers use errors.Is against these; wrapping (via github.com/pkg/errors)
// happens at the package boundary that detects the condition.
var (
	// ErrNoSpace corresponds to ENOSPC: the allocator could not satisfy
	// a request. Not fatal; the enclosing transaction is cancelled and
	// any quota reservations are returned.
	ErrNoSpace = errors.New("xfscore: no space left in allocation group")

	// ErrQuotaExceeded corresponds to EDQUOT.
	ErrQuotaExceeded = errors.New("xfscore: quota exceeded")

	// ErrIO corresponds to EIO: a buffer read or write failed. Any
	// critical metadata writer that sees this must force a shutdown.
	ErrIO = errors.New("xfscore: buffer I/O error")

	// ErrCorrupt corresponds to EFSCORRUPTED: a structural invariant
	// was violated (bad magic, out-of-range numrecs, double free,
	// neighbor-validation failure). Fatal to the operation in flight.
	ErrCorrupt = errors.New("xfscore: on-disk structure failed validation")

	// ErrInvalid corresponds to EINVAL.
	ErrInvalid = errors.New("xfscore: invalid argument")

	// ErrTooBig corresponds to E2BIG: the filesystem is larger than the
	// device reports.
	ErrTooBig = errors.New("xfscore: filesystem exceeds device size")

	// ErrQuotaOff corresponds to ESRCH: quota accounting was disabled
	// concurrently with a reservation attempt.
	ErrQuotaOff = errors.New("xfscore: quota accounting is not active")

	// ErrWouldBlock corresponds to EAGAIN: returned only from TRYLOCK
	// paths. The caller retries in blocking mode.
	ErrWouldBlock = errors.New("xfscore: operation would block")

	// ErrShutdown is returned once the filesystem has entered
	// MOUNT_FS_SHUTDOWN; every subsequent call short-circuits to this
	// until the process restarts.
	ErrShutdown = errors.New("xfscore: filesystem has shut down")
)
