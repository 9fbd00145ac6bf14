package blackboard

import (
	"time"

	"github.com/finrocmirror/go-blackboard/internal/future"
)

// lockRequest is one entry in the server's pending lock-request queue. FIFO;
// reprocessed whenever a transition could unblock queued requests.
type lockRequest[T any] struct {
	kind     LockKind
	deadline time.Time
	remote   bool

	// exactly one of these is non-zero, matching kind.
	readPromise  future.Promise[*ReadHandle[T]]
	writePromise future.Promise[*WriteHandle[T]]
}

func (r *lockRequest[T]) expired(now time.Time) bool {
	return now.After(r.deadline)
}
