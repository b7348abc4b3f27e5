package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("branchdb: not found")
	ErrClosed            = errors.New("branchdb: closed")
	ErrInvalidArgument   = errors.New("branchdb: invalid argument")
	ErrCompactionRunning = errors.New("branchdb: compaction running")

	// ErrIO marks a failed read, write, or sync against the filesystem.
	ErrIO = errors.New("branchdb: io error")
	// ErrCorruption marks a checksum or framing failure in persisted data.
	ErrCorruption = errors.New("branchdb: corruption")
	// ErrCapacityExceeded marks a full queue, cache, or sealed-memtable set.
	ErrCapacityExceeded = errors.New("branchdb: capacity exceeded")
)

// IOError wraps err so it matches both ErrIO and the underlying cause.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// Corruption builds an ErrCorruption with a formatted detail.
func Corruption(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is an I/O failure that may succeed on a second attempt.
// Corruption is never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIO) && !errors.Is(err, ErrCorruption)
}
