package blackboard

import "errors"

// Error kinds surfaced through futures or logs, never across the server
// mutex boundary and never as a panic.
var (
	// ErrNoLock is the failure value a ReadLock/WriteLock future resolves
	// with when no lock was obtained before the deadline, including the
	// timeout=0 "don't even queue" case.
	ErrNoLock = errors.New("blackboard: no lock obtained before deadline")

	// ErrInvalidConfiguration is returned by New for Mode ModeNone or any
	// other construction-time invariant violation. Fatal for the instance.
	ErrInvalidConfiguration = errors.New("blackboard: invalid configuration")

	// ErrPoolExhausted is returned when the buffer pool cannot produce an
	// unused buffer. Only New returns it, when the initial buffer cannot be
	// drawn; ReadLock and WriteLock never draw from the pool, and commit
	// paths that hit the bound allocate outside the pool instead of failing.
	ErrPoolExhausted = errors.New("blackboard: buffer pool exhausted")

	// ErrOutdatedUnlock names the case of a write-unlock that arrives
	// carrying a lock id that no longer matches the server's current
	// generation. Such unlocks are logged at debug level and discarded; no
	// operation returns this value.
	ErrOutdatedUnlock = errors.New("blackboard: outdated unlock")

	// ErrTornDown is returned by ReadLock, WriteLock, AsynchronousChange and
	// DirectCommit after ManagedDelete, and rejects every lock request still
	// queued at teardown.
	ErrTornDown = errors.New("blackboard: server torn down")

	// ErrLockHolderFailure marks an unlock future resolved via Abort,
	// surfaced only through logs; it never escapes to other callers.
	ErrLockHolderFailure = errors.New("blackboard: write lock holder failed")

	// ErrAlreadyResolved is returned by a WriteHandle's Commit*/Abort methods
	// if the unlock has already been resolved once.
	ErrAlreadyResolved = errors.New("blackboard: write handle already resolved")

	// ErrNotWriteLocked is returned by KeepAlive when no write lock is held
	// or the lock id is not the server's current write-lock generation.
	ErrNotWriteLocked = errors.New("blackboard: not write locked")
)
