// Package kerrors defines the kernel error taxonomy.
//
// Every failure surfaced by the kernel wraps one of these sentinels, so callers
// can classify failures with errors.Is regardless of how many layers annotated
// the error on the way up.
package kerrors

import "errors"

var (
	// ErrOutOfMemory indicates frame or environment table exhaustion.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidArgument indicates a misaligned address, disallowed permission
	// bits, or an address at or above the per-environment ceiling.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied indicates a cross-environment operation by a caller
	// that is not an ancestor of the target.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates an unknown or stale environment identity.
	ErrNotFound = errors.New("environment not found")

	// ErrNotReceiving indicates an IPC send to a target that is not currently
	// awaiting a transfer.
	ErrNotReceiving = errors.New("target not receiving")

	// ErrProtocolViolation indicates a kernel programming error: a fault on a
	// non-COW page, a double free, or lock misuse. It is never recovered from;
	// the dispatcher records a diagnostic report and enters the monitor.
	ErrProtocolViolation = errors.New("protocol violation")
)
