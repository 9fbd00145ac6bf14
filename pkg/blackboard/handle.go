package blackboard

import (
	"sync/atomic"
	"time"
)

// ReadHandle is a const view of a buffer whose contents represent the
// blackboard at some instant at or after the ReadLock call that produced it.
// Its Release must be called to free the reference; a handle dropped
// without Release leaves its buffer's reference count raised for good, so
// the pool never reclaims that buffer (there is no finalizer).
type ReadHandle[T any] struct {
	buf      *buffer[T]
	srv      *Server[T]
	released atomic.Bool
}

// Elements returns the buffer's contents. The returned slice shares the
// handle's backing array and must not be mutated; it is only as stable as
// the invariant that no writer mutates a buffer while any handle other than
// its own holds a reference to it, which the server enforces by never
// granting Exclusive write access to a shared buffer.
func (h *ReadHandle[T]) Elements() []T {
	return h.buf.elements
}

// Timestamp returns the buffer's recorded timestamp and whether one was set.
func (h *ReadHandle[T]) Timestamp() (t time.Time, ok bool) {
	return h.buf.timestamp, h.buf.hasTimestamp
}

// Release drops this handle's reference. Safe to call more than once; only
// the first call has effect. It re-enters the server mutex to release the
// reference and, if that returns the current buffer to uniqueness,
// reprocess pending lock requests.
func (h *ReadHandle[T]) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.srv.releaseRead(h.buf)
	}
}

// WriteHandle is returned by a granted WriteLock. In the Exclusive state its
// Elements are directly mutable in place; in the OnCopy state Elements is a
// const view of the buffer that was current at lock time, and the writer
// must call CommitBuffer with its own replacement contents (or
// CommitNoChanges) to publish a result.
type WriteHandle[T any] struct {
	srv     *Server[T]
	buf     *buffer[T]
	mutable bool
	lockID  uint64

	resolved atomic.Bool
}

// Mutable reports whether Elements() may be mutated in place (Exclusive) or
// is a const snapshot the caller must copy before modifying (OnCopy).
func (h *WriteHandle[T]) Mutable() bool {
	return h.mutable
}

// LockID returns the generation id this handle was granted under. Remote
// callers (internal/transport/grpcremote) use it to correlate a later
// Commit RPC with the write handle it resolves, since the handle itself
// cannot cross the RPC boundary.
func (h *WriteHandle[T]) LockID() uint64 {
	return h.lockID
}

// Elements returns the handle's view of the buffer. See Mutable.
func (h *WriteHandle[T]) Elements() []T {
	return h.buf.elements
}

// CommitBuffer resolves the write-unlock with replacement contents: the
// caller is handing back a (possibly new) body for the blackboard. Safe to
// call exactly once; subsequent calls (including to CommitNoChanges/Abort)
// return ErrAlreadyResolved.
func (h *WriteHandle[T]) CommitBuffer(elements []T) error {
	if !h.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	h.srv.resolveUnlock(h.lockID, unlockResult[T]{kind: unlockCommitBuffer, elements: elements})
	return nil
}

// CommitNoChanges resolves the write-unlock with "no changes": the current
// buffer stands as-is apart from any merged pending change-sets.
func (h *WriteHandle[T]) CommitNoChanges() error {
	if !h.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	h.srv.resolveUnlock(h.lockID, unlockResult[T]{kind: unlockNoChanges})
	return nil
}

// Abort resolves the write-unlock with a failure, as if the lock holder had
// disappeared: disconnect, panic recovery, or any other path that can't
// produce a normal commit should call this instead of leaking the lock
// until the keep-alive timeout.
func (h *WriteHandle[T]) Abort(err error) error {
	if !h.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	if err == nil {
		err = ErrLockHolderFailure
	}
	h.srv.resolveUnlock(h.lockID, unlockResult[T]{kind: unlockAborted, err: err})
	return nil
}

// unlockKind distinguishes the three ways a held write lock can resolve.
type unlockKind int

const (
	unlockCommitBuffer unlockKind = iota
	unlockNoChanges
	unlockAborted
)

// unlockResult is what a WriteHandle's Commit*/Abort methods hand back to
// the server's unlock future.
type unlockResult[T any] struct {
	kind     unlockKind
	elements []T
	err      error
}
