// Package portbus provides a default, in-process implementation of
// blackboard.Port: the external data-port subsystem collaborator. It
// supplies blank backing storage for unused buffers and fans published
// snapshots out to any number of subscribers.
//
// The subscriber fan-out uses a close-and-replace wake channel: a
// subscriber blocks on a channel that Publish closes and replaces, so every
// waiter wakes at once without needing a broadcast primitive.
// Subscribe/unsubscribe bookkeeping is a slice pruned lazily of closed
// entries as it is walked, rather than a map guarded by its own lock on
// every publish.
package portbus

import (
	"context"
	"sync"

	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

// Snapshot is the value type subscriptions observe; identical in shape to
// blackboard.Snapshot[T], re-exported here so callers of Subscription.Wait
// don't need to import pkg/blackboard just to name the return type.
type Snapshot[T any] = blackboard.Snapshot[T]

// Local is an in-process Port[T]: ObtainUnused allocates directly, and
// Publish fans a snapshot out to every live subscription.
type Local[T any] struct {
	mu   sync.Mutex
	subs []*Subscription[T]
}

// NewLocal returns a ready-to-use in-process port.
func NewLocal[T any]() *Local[T] {
	return &Local[T]{}
}

var _ blackboard.Port[int] = (*Local[int])(nil)

// ObtainUnused allocates a blank slice of the requested size. This is the
// pool's ultimate source of backing storage.
func (p *Local[T]) ObtainUnused(size int) []T {
	return make([]T, size)
}

// Publish delivers snap to every subscription that hasn't been closed,
// pruning closed ones as it walks the list, and never blocks: each
// subscription just remembers the latest snapshot until its reader asks for
// it via Wait.
func (p *Local[T]) Publish(snap Snapshot[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.subs[:0]
	for _, s := range p.subs {
		if s.isClosed() {
			continue
		}
		s.deliver(snap)
		live = append(live, s)
	}
	p.subs = live
}

// Subscribe registers a new subscription and returns it. Callers must call
// Close when done to free the slot promptly (it is otherwise only pruned
// lazily, on the next Publish).
func (p *Local[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{avail: make(chan struct{}), closed: make(chan struct{})}

	p.mu.Lock()
	p.subs = append(p.subs, s)
	p.mu.Unlock()

	return s
}

// Subscription is one subscriber's view of the port's publication stream.
type Subscription[T any] struct {
	mu        sync.Mutex
	latest    Snapshot[T]
	hasLatest bool
	avail     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Subscription[T]) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// deliver stores snap as the latest value and wakes any Wait callers by
// closing and replacing the availability channel.
func (s *Subscription[T]) deliver(snap Snapshot[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = snap
	s.hasLatest = true
	close(s.avail)
	s.avail = make(chan struct{})
}

// Wait blocks until a snapshot newer than the last one returned by Wait is
// available, ctx is done, or the subscription is closed.
// Subscribers that are slow relative to the publish rate only ever observe
// the most recent snapshot: intermediate revisions may be coalesced away.
func (s *Subscription[T]) Wait(ctx context.Context) (Snapshot[T], error) {
	s.mu.Lock()
	if s.hasLatest {
		snap := s.latest
		s.hasLatest = false
		s.mu.Unlock()
		return snap, nil
	}
	avail := s.avail
	s.mu.Unlock()

	select {
	case <-avail:
		s.mu.Lock()
		defer s.mu.Unlock()
		snap := s.latest
		s.hasLatest = false
		return snap, nil
	case <-s.closed:
		var zero Snapshot[T]
		return zero, context.Canceled
	case <-ctx.Done():
		var zero Snapshot[T]
		return zero, ctx.Err()
	}
}

// Close releases the subscription; a subsequent Publish will prune it from
// the port's list. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
