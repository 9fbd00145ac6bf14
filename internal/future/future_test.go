package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvedAndFailed(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	f := Resolved(42)
	v, err, ok := f.Peek()
	require.True(ok)
	require.NoError(err)
	assert.Equal(42, v)

	sentinel := errors.New("boom")
	ff := Failed[int](sentinel)
	_, err, ok = ff.Peek()
	require.True(ok)
	assert.ErrorIs(err, sentinel)
}

func TestPromiseResolveOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	p, f := New[int]()
	p.Resolve(1)
	p.Resolve(2)

	v, err, ok := f.Peek()
	require.True(ok)
	require.NoError(err)
	assert.Equal(1, v, "second Resolve is a no-op")
}

func TestWaitBlocksUntilResolve(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p, f := New[string]()

	_, _, ok := f.Peek()
	require.False(ok)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Resolve("done")
	}()

	v, err := f.Wait(context.Background())
	require.NoError(err)
	require.Equal("done", v)
}

func TestWaitContextCancellation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, f := New[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestOnResolveAlreadyDoneRunsSynchronously(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := Resolved(7)

	var got int
	called := false
	f.OnResolve(func(v int, err error) {
		got = v
		called = true
	})

	require.True(called)
	require.Equal(7, got)
}

func TestOnResolveRunsOnLaterResolve(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p, f := New[int]()

	done := make(chan int, 1)
	f.OnResolve(func(v int, err error) {
		done <- v
	})

	p.Resolve(5)

	select {
	case v := <-done:
		require.Equal(5, v)
	case <-time.After(time.Second):
		require.Fail("OnResolve hook never ran")
	}
}
