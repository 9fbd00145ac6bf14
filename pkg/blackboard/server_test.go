package blackboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finrocmirror/go-blackboard/internal/portbus"
)

type testParent struct{ name string }

func (p testParent) Name() string { return p.name }

func newTestServer(t *testing.T, mode Mode, size int) (*Server[float64], *portbus.Local[float64]) {
	t.Helper()

	port := portbus.NewLocal[float64]()
	srv, err := New[float64](testParent{name: t.Name()}, Config[float64]{
		InitialSize: size,
		Mode:        mode,
		Port:        port,
	})
	require.NoError(t, err)
	t.Cleanup(srv.ManagedDelete)

	return srv, port
}

func mustReadLock(t *testing.T, srv *Server[float64], timeout time.Duration) *ReadHandle[float64] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := srv.ReadLock(timeout).Wait(ctx)
	require.NoError(t, err)
	return h
}

func mustWriteLock(t *testing.T, srv *Server[float64], timeout time.Duration) *WriteHandle[float64] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := srv.WriteLock(timeout, false).Wait(ctx)
	require.NoError(t, err)
	return h
}

func TestNewRejectsInvalidMode(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := New[int](nil, Config[int]{Port: portbus.NewLocal[int]()})
	require.ErrorIs(err, ErrInvalidConfiguration)
}

func TestNewRequiresPort(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := New[int](nil, Config[int]{Mode: ModeMultiBuffered})
	require.ErrorIs(err, ErrInvalidConfiguration)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 4)

	w := mustWriteLock(t, srv, time.Second)
	require.False(w.Mutable(), "MultiBuffered writes are always OnCopy")
	els := append([]float64(nil), w.Elements()...)
	els[0] = 99
	require.NoError(w.CommitBuffer(els))

	r := mustReadLock(t, srv, time.Second)
	defer r.Release()
	assert.Equal(float64(99), r.Elements()[0])
	assert.Equal(uint64(2), srv.GetRevisionCounter(), "construction publishes revision 1, the commit revision 2")
}

func TestReadLockExclusionAgainstExclusiveWriter(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv, _ := newTestServer(t, ModeSingleBuffered, 4)

	w := mustWriteLock(t, srv, time.Second)
	require.True(w.Mutable())

	f := srv.ReadLock(50 * time.Millisecond)
	_, _, ok := f.Peek()
	require.False(ok, "read must not be granted while Exclusive write is held")

	require.NoError(w.CommitNoChanges())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := f.Wait(ctx)
	require.NoError(err)
	h.Release()
}

func TestReadTimeoutExpires(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv, _ := newTestServer(t, ModeSingleBuffered, 4)

	w := mustWriteLock(t, srv, time.Second)
	defer w.CommitNoChanges()

	f := srv.ReadLock(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(err, ErrNoLock)
}

func TestAsynchronousChangeNoLockHeld(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 4)

	require.NoError(srv.AsynchronousChange(ChangeSet[float64]{{Index: 2, Value: 5}}))

	r := mustReadLock(t, srv, time.Second)
	defer r.Release()
	assert.Equal(float64(5), r.Elements()[2])
	assert.Equal(uint64(2), srv.GetRevisionCounter(), "construction publishes revision 1, the change revision 2")
}

func TestAsynchronousChangeDeferredUnderWriteLock(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 4)

	w := mustWriteLock(t, srv, time.Second)

	require.NoError(srv.AsynchronousChange(ChangeSet[float64]{{Index: 1, Value: 42}}))
	assert.Equal(1, srv.PendingChangeCount())

	require.NoError(w.CommitNoChanges())
	assert.Equal(0, srv.PendingChangeCount())

	r := mustReadLock(t, srv, time.Second)
	defer r.Release()
	assert.Equal(float64(42), r.Elements()[1])
}

func TestEmptyChangeSetIsNoOp(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 4)
	before := srv.GetRevisionCounter()

	require.NoError(srv.AsynchronousChange(ChangeSet[float64]{{Index: SkipIndex}}))
	assert.Equal(before, srv.GetRevisionCounter())
}

func TestDirectCommitNilIsNoOp(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 4)
	before := srv.GetRevisionCounter()

	require.NoError(srv.DirectCommit(nil))
	assert.Equal(before, srv.GetRevisionCounter())
}

func TestDirectCommitReplacesWholesale(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 2)

	require.NoError(srv.DirectCommit([]float64{1, 2, 3}))

	r := mustReadLock(t, srv, time.Second)
	defer r.Release()
	assert.Equal([]float64{1, 2, 3}, r.Elements())
}

func TestAdaptiveUpgradesOnBlockingRead(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	srv, _ := newTestServer(t, ModeAdaptive, 4)

	w := mustWriteLock(t, srv, time.Second)
	require.True(w.Mutable(), "adaptive starts SingleBuffered-like")

	f := srv.ReadLock(time.Second)
	_, _, ok := f.Peek()
	require.False(ok)

	assert.Equal(ModeMultiBuffered, srv.GetBufferMode())

	require.NoError(w.CommitNoChanges())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := f.Wait(ctx)
	require.NoError(err)
	h.Release()

	w2 := mustWriteLock(t, srv, time.Second)
	assert.False(w2.Mutable(), "post-upgrade writes are always OnCopy")
	require.NoError(w2.CommitNoChanges())
}

func TestWriteLockKeepAliveExpiryReclaims(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	port := portbus.NewLocal[float64]()
	srv, err := New[float64](nil, Config[float64]{
		InitialSize:       4,
		Mode:              ModeSingleBuffered,
		Port:              port,
		KeepAliveTimeout:  20 * time.Millisecond,
		LockCheckInterval: 5 * time.Millisecond,
	})
	require.NoError(err)
	defer srv.ManagedDelete()

	_ = mustWriteLock(t, srv, time.Second)

	require.Eventually(func() bool {
		f := srv.WriteLock(0, false)
		_, err, ok := f.Peek()
		return ok && err == nil
	}, time.Second, 5*time.Millisecond, "expired write lock should have been reclaimed")
}

func TestKeepAliveRejectsStaleLockID(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 4)

	require.ErrorIs(srv.KeepAlive(999), ErrNotWriteLocked)
}

func TestManagedDeleteRejectsFurtherOperations(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv, _ := newTestServer(t, ModeMultiBuffered, 4)
	srv.ManagedDelete()

	require.ErrorIs(srv.AsynchronousChange(ChangeSet[float64]{{Index: 0, Value: 1}}), ErrTornDown)
	require.ErrorIs(srv.DirectCommit([]float64{1}), ErrTornDown)

	_, _, ok := srv.ReadLock(time.Second).Peek()
	require.True(ok)
}

func TestFIFOOrderingAmongReaders(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv, _ := newTestServer(t, ModeSingleBuffered, 4)

	w := mustWriteLock(t, srv, time.Second)

	var order []int

	f1 := srv.ReadLock(time.Second)
	f2 := srv.ReadLock(time.Second)
	f3 := srv.ReadLock(time.Second)

	// The hooks run inline with each grant, so order records the sequence in
	// which the server resolved the queued requests.
	f1.OnResolve(func(*ReadHandle[float64], error) { order = append(order, 1) })
	f2.OnResolve(func(*ReadHandle[float64], error) { order = append(order, 2) })
	f3.OnResolve(func(*ReadHandle[float64], error) { order = append(order, 3) })

	require.NoError(w.CommitNoChanges())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h1, err := f1.Wait(ctx)
	require.NoError(err)
	h1.Release()

	h2, err := f2.Wait(ctx)
	require.NoError(err)
	h2.Release()

	h3, err := f3.Wait(ctx)
	require.NoError(err)
	h3.Release()

	require.Equal([]int{1, 2, 3}, order)
}
