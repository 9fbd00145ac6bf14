package blackboard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/finrocmirror/go-blackboard/internal/future"
)

// DefaultKeepAliveTimeout is used when Config.KeepAliveTimeout is zero.
const DefaultKeepAliveTimeout = time.Second

// DefaultLockCheckInterval is used when Config.LockCheckInterval is zero.
// Kept well under a quarter second so timed-out queue entries and stale
// write locks are noticed promptly.
const DefaultLockCheckInterval = 100 * time.Millisecond

// Parent is the minimal hook the surrounding component framework needs: a
// name and a way to notice this element exists. The core only needs enough
// of that framework to be addressable and to be told to clean up.
type Parent interface {
	Name() string
}

// Config configures a new Server.
type Config[T any] struct {
	// Name identifies this blackboard for logging and for the operator
	// snapshot file; it plays the role of the component framework's element
	// name.
	Name string

	// InitialSize is the element count of the buffer created at
	// construction.
	InitialSize int

	// Mode selects the buffering policy. ModeNone is rejected.
	Mode Mode

	// Port is the data-port subsystem collaborator. Required.
	Port Port[T]

	// KeepAliveTimeout bounds how long a write lock may be held without a
	// keep-alive or a commit before the server reclaims it. Defaults to
	// DefaultKeepAliveTimeout.
	KeepAliveTimeout time.Duration

	// LockCheckInterval is the cadence of the periodic sweep that expires
	// timed-out queue entries and stale write locks. Should stay well under
	// a quarter second; defaults to DefaultLockCheckInterval.
	LockCheckInterval time.Duration

	// MaxOutstandingBuffers bounds how many buffers the internal pool hands
	// out at once. New fails with ErrPoolExhausted if the initial buffer
	// cannot be drawn; later draws past the bound allocate outside the pool
	// and log a warning. Zero means unbounded.
	MaxOutstandingBuffers int
}

// Server is the blackboard server: a shared, typed, array-structured value
// cell. All exported methods are goroutine-safe.
type Server[T any] struct {
	name   string
	parent Parent

	cfg  Config[T]
	port Port[T]

	mu sync.Mutex

	current *buffer[T]
	pool    *pool[T]

	mode Mode

	lockID     uint64
	writeState writeLockState

	pendingChanges []ChangeSet[T]
	pendingLocks   []*lockRequest[T]

	// unlockPromise/unlockSet are set while writeState != writeLockNone;
	// resolveUnlock (called from WriteHandle.Commit*/Abort, possibly from a
	// remote RPC goroutine) resolves unlockPromise, and the OnResolve hook
	// bound in grantWriteLocked runs the state transition under the mutex.
	unlockPromise future.Promise[unlockResult[T]]
	unlockSet     bool
	writeLockedAt time.Time
	lastKeepAlive time.Time

	revision uint64
	torn     bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Server with the given configuration, publishing an
// initial snapshot if InitialSize > 0 and the buffer mode publishes at all
// (SingleBuffered readers always go through ReadLock instead).
func New[T any](parent Parent, cfg Config[T]) (*Server[T], error) {
	if err := cfg.Mode.validate(); err != nil {
		return nil, err
	}
	if cfg.Port == nil {
		return nil, ErrInvalidConfiguration
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if cfg.LockCheckInterval <= 0 {
		cfg.LockCheckInterval = DefaultLockCheckInterval
	}

	name := cfg.Name
	if name == "" && parent != nil {
		name = parent.Name()
	}

	s := &Server[T]{
		name:   name,
		parent: parent,
		cfg:    cfg,
		port:   cfg.Port,
		mode:   cfg.Mode,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.pool = newPool[T](cfg.Port, cfg.MaxOutstandingBuffers)

	cur, err := s.pool.acquireUnused(cfg.InitialSize)
	if err != nil {
		return nil, err
	}
	cur.unused = false
	s.current = cur

	if cfg.InitialSize > 0 && !s.singleBufferedLike() {
		s.publishLocked()
	}

	go s.sweepLoop()

	return s, nil
}

// Init is the component-framework lifecycle hook; the blackboard itself has
// no deferred initialization, so this exists purely so Server satisfies a
// framework element interface.
func (s *Server[T]) Init() error { return nil }

// Name returns the blackboard's name.
func (s *Server[T]) Name() string { return s.name }

// GetRevisionCounter returns the current revision value.
func (s *Server[T]) GetRevisionCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// GetBufferMode returns the current buffer mode, reflecting any adaptive
// upgrade that has already happened.
func (s *Server[T]) GetBufferMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// PendingLockCount returns the number of queued lock requests. A diagnostic
// surface for operators, not part of the lock protocol itself.
func (s *Server[T]) PendingLockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingLocks)
}

// PendingChangeCount returns the number of queued (deferred) change-sets.
func (s *Server[T]) PendingChangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingChanges)
}

// ReadLock requests a const view of the blackboard.
func (s *Server[T]) ReadLock(timeout time.Duration) future.Future[*ReadHandle[T]] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.torn {
		return future.Failed[*ReadHandle[T]](ErrTornDown)
	}

	if s.readImmediatelyGrantable() {
		return future.Resolved(s.grantReadLocked())
	}

	// Adaptive upgrade: a read that would have to block irreversibly
	// upgrades SingleBuffered to MultiBuffered. The upgrade triggers strictly
	// on this reader-would-block path; writers never trigger it themselves
	// (see DESIGN.md).
	if s.mode == ModeAdaptive {
		s.mode = ModeMultiBuffered
		if s.readImmediatelyGrantable() {
			return future.Resolved(s.grantReadLocked())
		}
	}

	if timeout <= 0 {
		return future.Failed[*ReadHandle[T]](ErrNoLock)
	}

	p, f := future.New[*ReadHandle[T]]()
	s.pendingLocks = append(s.pendingLocks, &lockRequest[T]{
		kind:        LockRead,
		deadline:    time.Now().Add(timeout),
		readPromise: p,
	})
	return f
}

// readImmediatelyGrantable reports whether a fresh ReadLock call (one not
// yet on the queue) can be satisfied right now. Must be called with the
// mutex held, and only for a request that has not yet been appended to
// s.pendingLocks: a non-empty queue here means something else is already
// waiting ahead of this caller.
func (s *Server[T]) readImmediatelyGrantable() bool {
	if s.writeState == writeLockExclusive {
		return false
	}
	// Adaptive mode behaves exactly like SingleBuffered until it upgrades
	// (the upgrade happens right here, in the caller, the first time this
	// returns false for an adaptive server): a queued write at the head of
	// line blocks subsequent reads too, to prevent writer starvation.
	if s.singleBufferedLike() && len(s.pendingLocks) > 0 {
		return false
	}
	return true
}

// readDequeuableLocked reports whether the read request at the front of the
// queue can be granted during reprocessing. Unlike readImmediatelyGrantable,
// it must not also check queue length against itself: by the time
// reprocessQueueLocked considers a read entry, any write ahead of it in the
// queue has already been handled (and processing stopped there if it
// couldn't be granted), so the only remaining gate is an Exclusive write
// lock held concurrently with this sweep.
func (s *Server[T]) readDequeuableLocked() bool {
	return s.writeState != writeLockExclusive
}

// singleBufferedLike reports whether the server currently enforces
// SingleBuffered semantics: either it was constructed that way, or it is
// ModeAdaptive and has not yet upgraded.
func (s *Server[T]) singleBufferedLike() bool {
	return s.mode == ModeSingleBuffered || s.mode == ModeAdaptive
}

// grantReadLocked clones the current buffer into a ReadHandle. Must be
// called with the mutex held.
func (s *Server[T]) grantReadLocked() *ReadHandle[T] {
	s.current.clone()
	return &ReadHandle[T]{buf: s.current, srv: s}
}

// releaseRead drops a ReadHandle's reference and, if that returns the
// current buffer to uniqueness, reprocesses pending lock requests.
func (s *Server[T]) releaseRead(b *buffer[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.release(b)

	if b == s.current && s.current.isUnique() {
		s.reprocessQueueLocked()
	}
}

// WriteLock requests exclusive or copy-on-write access. remote must be true
// iff the call arrived over an RPC boundary, since a remote caller can never
// be granted an in-place Exclusive lock.
func (s *Server[T]) WriteLock(timeout time.Duration, remote bool) future.Future[*WriteHandle[T]] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.torn {
		return future.Failed[*WriteHandle[T]](ErrTornDown)
	}

	if s.writeGrantable() {
		return future.Resolved(s.grantWriteLocked(remote))
	}

	if timeout <= 0 {
		return future.Failed[*WriteHandle[T]](ErrNoLock)
	}

	p, f := future.New[*WriteHandle[T]]()
	s.pendingLocks = append(s.pendingLocks, &lockRequest[T]{
		kind:         LockWrite,
		deadline:     time.Now().Add(timeout),
		remote:       remote,
		writePromise: p,
	})
	return f
}

// writeGrantable reports whether a WriteLock can be satisfied right now.
// Must be called with the mutex held.
func (s *Server[T]) writeGrantable() bool {
	if s.writeState != writeLockNone {
		return false
	}
	if s.singleBufferedLike() {
		return s.current.isUnique()
	}
	return true
}

// grantWriteLocked grants a write lock: regenerates the lock id, sets up the
// unlock promise, and decides Exclusive vs OnCopy. Must be called with the
// mutex held.
func (s *Server[T]) grantWriteLocked(remote bool) *WriteHandle[T] {
	s.lockID++
	id := s.lockID

	// Exclusive additionally requires the buffer mode to allow in-place
	// mutation at all: it's used only when the current buffer is unique,
	// the buffer mode allows in-place mutation, and the caller is local.
	// MultiBuffered never allows it, even against a unique buffer, since
	// every write there produces a new buffer by definition. Checked before
	// the clone() below registers the writer's own reference.
	exclusive := !remote && s.singleBufferedLike() && s.current.isUnique()

	s.current.clone()

	if exclusive {
		s.writeState = writeLockExclusive
	} else {
		s.writeState = writeLockOnCopy
	}

	p, f := future.New[unlockResult[T]]()
	s.unlockPromise = p
	s.unlockSet = true
	s.writeLockedAt = time.Now()
	s.lastKeepAlive = s.writeLockedAt

	f.OnResolve(func(res unlockResult[T], err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handleUnlockLocked(id, res, err)
	})

	return &WriteHandle[T]{srv: s, buf: s.current, mutable: exclusive, lockID: id}
}

// resolveUnlock is called by WriteHandle.CommitBuffer/CommitNoChanges/Abort,
// possibly from a different goroutine (including one driven by a remote
// RPC). A stale lockID (one that no longer matches s.lockID) is discarded
// silently at debug level instead of being resolved, since the promise it
// would resolve either no longer exists or belongs to a different
// generation.
func (s *Server[T]) resolveUnlock(lockID uint64, res unlockResult[T]) {
	s.mu.Lock()
	current := s.unlockSet && s.lockID == lockID
	promise := s.unlockPromise
	s.mu.Unlock()

	if !current {
		slog.Debug("blackboard: discarding outdated unlock", "blackboard", s.name, "lockID", lockID)
		return
	}

	promise.Resolve(res)
}

// handleUnlockLocked runs the state-machine transition bound to the unlock
// future: the write lock resolves and the server falls back to unlocked.
// Must be called with the mutex held; id is the generation the resolving
// promise belonged to.
func (s *Server[T]) handleUnlockLocked(id uint64, res unlockResult[T], waitErr error) {
	if s.lockID != id || !s.unlockSet {
		// A newer event (timeout, DirectCommit, ManagedDelete) already
		// regenerated the lock id; this resolution is moot.
		return
	}

	s.unlockSet = false
	s.writeState = writeLockNone

	if waitErr != nil {
		res = unlockResult[T]{kind: unlockAborted, err: waitErr}
	}

	switch res.kind {
	case unlockCommitBuffer:
		s.commitWriteLocked(res.elements)
	case unlockNoChanges:
		s.commitNoChangesLocked()
	case unlockAborted:
		slog.Warn("blackboard: write lock holder failed", "blackboard", s.name, "err", res.err)
		s.commitNoChangesLocked()
	}

	s.reprocessQueueLocked()
}

// commitWriteLocked replaces the current buffer with the writer's returned
// contents, merges any deferred change-sets into it, and publishes. Must be
// called with the mutex held.
func (s *Server[T]) commitWriteLocked(elements []T) {
	s.pool.release(s.current) // drop the writer's own reference

	next := s.freshBufferLocked(elements)

	s.applyPendingChangesLocked(next)
	s.swapCurrentLocked(next)
	s.publishLocked()
}

// freshBufferLocked draws a buffer from the pool and fills it with elements.
// Pool exhaustion at this point cannot be surfaced as a lock rejection the
// way it can at WriteLock time, since the caller has already committed;
// rather than drop the commit, this degrades to a direct allocation outside
// the pool and logs a warning. Must be called with the mutex held.
func (s *Server[T]) freshBufferLocked(elements []T) *buffer[T] {
	b, err := s.pool.acquireUnused(len(elements))
	if err != nil {
		slog.Warn("blackboard: pool exhausted producing commit buffer, allocating outside pool", "blackboard", s.name)
		b = newBuffer[T](len(elements))
	}
	copy(b.elements, elements)
	b.unused = false
	return b
}

// copyViaPoolLocked draws a buffer from the pool and deep-copies src's
// contents into it; used when a writable copy of a shared buffer is needed.
// Must be called with the mutex held.
func (s *Server[T]) copyViaPoolLocked(src *buffer[T]) *buffer[T] {
	b, err := s.pool.acquireUnused(len(src.elements))
	if err != nil {
		slog.Warn("blackboard: pool exhausted producing writable copy, allocating outside pool", "blackboard", s.name)
		b = newBuffer[T](len(src.elements))
	}
	copy(b.elements, src.elements)
	b.hasTimestamp = src.hasTimestamp
	b.timestamp = src.timestamp
	b.unused = false
	return b
}

// commitNoChangesLocked is used both for an explicit CommitNoChanges and for
// a failed/aborted lock holder: any pending changes are applied to the
// current buffer in place if it is unique, or else to an internal copy of
// it, and the result is published only if there were pending changes. Must
// be called with the mutex held.
func (s *Server[T]) commitNoChangesLocked() {
	s.pool.release(s.current) // drop the writer's own reference

	if len(s.pendingChanges) == 0 {
		return
	}

	next := s.current
	if !next.isUnique() {
		next = s.copyViaPoolLocked(next)
	}
	s.applyPendingChangesLocked(next)
	s.swapCurrentLocked(next)
	s.publishLocked()
}

// applyPendingChangesLocked drains the pending change queue into buf, in
// FIFO order, and clears the queue. Must be called with the mutex held.
func (s *Server[T]) applyPendingChangesLocked(buf *buffer[T]) {
	for _, cs := range s.pendingChanges {
		cs.apply(s.name, buf)
	}
	s.pendingChanges = nil
}

// swapCurrentLocked installs next as the current buffer, releasing the
// previous one. Must be called with the mutex held.
func (s *Server[T]) swapCurrentLocked(next *buffer[T]) {
	prev := s.current
	s.current = next
	if prev != next {
		s.pool.release(prev)
	}
}

// AsynchronousChange applies (or, while a write lock is held, defers) a
// change-set.
func (s *Server[T]) AsynchronousChange(cs ChangeSet[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.torn {
		return ErrTornDown
	}

	if cs.empty() {
		return nil
	}

	if s.writeState != writeLockNone {
		s.pendingChanges = append(s.pendingChanges, cs)
		return nil
	}

	next := s.current
	if !next.isUnique() {
		next = s.copyViaPoolLocked(next)
	}
	cs.apply(s.name, next)
	s.swapCurrentLocked(next)
	s.publishLocked()
	return nil
}

// DirectCommit replaces the current buffer wholesale, discarding any
// in-flight write lock and pending change queue. A nil elements slice is a
// no-op.
func (s *Server[T]) DirectCommit(elements []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.torn {
		return ErrTornDown
	}

	if elements == nil {
		return nil
	}

	s.pendingChanges = nil
	s.lockID++
	s.unlockSet = false

	if s.writeState != writeLockNone {
		s.pool.release(s.current)
		s.writeState = writeLockNone
	}

	next := s.freshBufferLocked(elements)
	s.swapCurrentLocked(next)

	s.publishLocked()
	s.reprocessQueueLocked()
	return nil
}

// publishLocked hands the current buffer to the data port and increments
// the revision counter. Skipped in SingleBuffered mode, where subscribers
// read the one buffer directly via ReadLock instead. Must be called with
// the mutex held.
func (s *Server[T]) publishLocked() {
	if s.singleBufferedLike() {
		return
	}

	s.revision++

	elements := make([]T, len(s.current.elements))
	copy(elements, s.current.elements)

	s.port.Publish(Snapshot[T]{
		Elements:  elements,
		Revision:  s.revision,
		Timestamp: time.Now(),
	})
}

// reprocessQueueLocked walks the pending lock-request queue from the front,
// granting or expiring entries until it reaches one it can't resolve yet.
// Must be called with the mutex held.
func (s *Server[T]) reprocessQueueLocked() {
	now := time.Now()

	for len(s.pendingLocks) > 0 {
		req := s.pendingLocks[0]

		if req.expired(now) {
			s.pendingLocks = s.pendingLocks[1:]
			if req.kind == LockWrite {
				req.writePromise.Reject(ErrNoLock)
			} else {
				req.readPromise.Reject(ErrNoLock)
			}
			continue
		}

		if req.kind == LockWrite {
			if !s.writeGrantable() {
				return
			}
			s.pendingLocks = s.pendingLocks[1:]
			req.writePromise.Resolve(s.grantWriteLocked(req.remote))
			return
		}

		// read request
		if !s.readDequeuableLocked() {
			return
		}
		s.pendingLocks = s.pendingLocks[1:]
		req.readPromise.Resolve(s.grantReadLocked())
	}
}

// KeepAlive renews a held write lock's keep-alive deadline. lockID must
// match the server's current generation or it is treated as a stale signal
// and rejected with ErrNotWriteLocked.
func (s *Server[T]) KeepAlive(lockID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeState == writeLockNone || s.lockID != lockID {
		return ErrNotWriteLocked
	}
	s.lastKeepAlive = time.Now()
	return nil
}

// sweepLoop periodically expires timed-out queue entries and stale write
// locks.
func (s *Server[T]) sweepLoop() {
	defer close(s.done)

	t := time.NewTicker(s.cfg.LockCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Server[T]) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.torn {
		return
	}

	s.reprocessQueueLocked()

	if s.writeState == writeLockNone || !s.unlockSet {
		return
	}

	if time.Since(s.lastKeepAlive) <= s.cfg.KeepAliveTimeout {
		return
	}

	slog.Warn("blackboard: write lock keep-alive expired, reclaiming", "blackboard", s.name, "lockID", s.lockID)

	s.lockID++
	s.unlockSet = false
	s.writeState = writeLockNone

	s.commitNoChangesLocked()
	s.reprocessQueueLocked()
}

// ManagedDelete tears the server down: the lock id is set to its sentinel
// value, any outstanding unlock is discarded, and the background sweep
// goroutine stops. Reachable from any state.
func (s *Server[T]) ManagedDelete() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	s.lockID = tornDownLockID
	s.unlockSet = false

	for _, req := range s.pendingLocks {
		if req.kind == LockWrite {
			req.writePromise.Reject(ErrTornDown)
		} else {
			req.readPromise.Reject(ErrTornDown)
		}
	}
	s.pendingLocks = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

// PrepareDelete is the component-framework lifecycle hook invoked before the
// hosting element is destroyed; it is equivalent to ManagedDelete.
func (s *Server[T]) PrepareDelete() {
	s.ManagedDelete()
}
