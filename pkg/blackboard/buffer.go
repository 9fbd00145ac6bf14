package blackboard

import "time"

// buffer is one physical copy of the blackboard's elements. It is never
// exposed directly to callers; they only ever see it through a ReadHandle or
// WriteHandle, both of which enforce the unique/shared discipline the
// server requires.
type buffer[T any] struct {
	elements []T

	// refCount is mutated only while the server mutex is held (every path
	// that clones or releases a handle funnels through Server methods), so
	// it needs no atomics of its own.
	refCount int

	// unused is true while this buffer is still a blank draft pulled from
	// the pool and not yet designated current.
	unused bool

	hasTimestamp bool
	timestamp    time.Time

	// lockID records the write-lock generation this buffer was produced
	// under, or noLockID if it is a plain snapshot not produced under a
	// lock.
	lockID uint64
}

func newBuffer[T any](size int) *buffer[T] {
	return &buffer[T]{
		elements: make([]T, size),
		refCount: 1,
		unused:   true,
	}
}

// isUnique reports whether no other handle can observe mutations to b: its
// reference count permits in-place mutation.
func (b *buffer[T]) isUnique() bool {
	return b.refCount <= 1
}

// clone produces another owning reference to b, incrementing its reference
// count. Must be called with the server mutex held.
func (b *buffer[T]) clone() *buffer[T] {
	b.refCount++
	return b
}

// deepCopy bulk-copies src's elements into a freshly sized buffer, used when
// a writer requires exclusive mutation but the current buffer is shared.
func deepCopyBuffer[T any](src *buffer[T]) *buffer[T] {
	dst := newBuffer[T](len(src.elements))
	copy(dst.elements, src.elements)
	dst.hasTimestamp = src.hasTimestamp
	dst.timestamp = src.timestamp
	return dst
}

// unusedSource is the subset of the data-port subsystem the pool needs: a
// place to draw blank backing storage from. The publication port doubles as
// the pool's source of fresh storage.
type unusedSource[T any] interface {
	ObtainUnused(size int) []T
}

// pool hands out unused buffers and reclaims fully-released ones. Buffers
// that drop to a reference count of zero return here instead of being
// garbage collected, bounding allocation under steady-state load.
//
// maxOutstanding, when non-zero, bounds how many buffers may be live at
// once; acquiring beyond it is treated as pool exhaustion. Zero means
// unbounded.
type pool[T any] struct {
	src            unusedSource[T]
	free           []*buffer[T]
	outstanding    int
	maxOutstanding int
}

func newPool[T any](src unusedSource[T], maxOutstanding int) *pool[T] {
	return &pool[T]{src: src, maxOutstanding: maxOutstanding}
}

// acquireUnused returns an exclusively-owned buffer of the given size, drawn
// from the free list when possible. Must be called with the server mutex
// held.
func (p *pool[T]) acquireUnused(size int) (*buffer[T], error) {
	if p.maxOutstanding > 0 && p.outstanding >= p.maxOutstanding {
		return nil, ErrPoolExhausted
	}

	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]

		if cap(b.elements) >= size {
			b.elements = b.elements[:size]
			var zero T
			for i := range b.elements {
				b.elements[i] = zero
			}
		} else {
			b.elements = p.src.ObtainUnused(size)
		}

		b.refCount = 1
		b.unused = true
		b.hasTimestamp = false
		b.lockID = noLockID

		p.outstanding++
		return b, nil
	}

	p.outstanding++
	return &buffer[T]{
		elements: p.src.ObtainUnused(size),
		refCount: 1,
		unused:   true,
	}, nil
}

// release decrements b's reference count; when it drops to zero the buffer
// returns to the free list. Must be called with the server mutex held.
// Never releases the buffer currently designated current; callers are
// responsible for that invariant, since the current buffer is never marked
// unused.
func (p *pool[T]) release(b *buffer[T]) {
	b.refCount--
	if b.refCount > 0 {
		return
	}

	p.outstanding--
	p.free = append(p.free, b)
}
