package grpcremote

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

// Client is a thin remote participant for a blackboard hosted by a Server[T].
// It calls the hand-registered methods directly via grpc.ClientConn.Invoke,
// since there is no generated stub to wrap.
type Client[T any] struct {
	cc *grpc.ClientConn
}

// NewClient wraps an already-dialed connection. Every call passes
// grpc.ForceCodec(wireCodec{}) itself, so the connection needs no codec
// option of its own for responses to decode through this package's wire
// messages.
func NewClient[T any](cc *grpc.ClientConn) *Client[T] {
	return &Client[T]{cc: cc}
}

func (c *Client[T]) invoke(ctx context.Context, method string, in, out wireMessage) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.ForceCodec(wireCodec{}))
}

// ReadLock requests a remote read lock and returns a detached copy of the
// blackboard's contents at grant time; there is no live handle to release,
// since the server already dropped its own reference before replying.
func (c *Client[T]) ReadLock(ctx context.Context, timeout time.Duration) ([]T, error) {
	in := &LockParamsRequest{Timeout: timeout}
	out := new(LockedBufferMessage[T])
	if err := c.invoke(ctx, "ReadLock", in, out); err != nil {
		return nil, err
	}
	return out.Elements, nil
}

// RemoteWriteHandle is the client-side half of a granted remote write lock:
// a const view of the buffer at grant time, plus the authority to resolve
// it with CommitBuffer, CommitNoChanges, or Abort.
type RemoteWriteHandle[T any] struct {
	client   *Client[T]
	lockID   uint64
	elements []T
}

// Elements returns the const view of the blackboard at grant time. Remote
// write locks are always granted on-copy: mutating this slice has no
// effect until passed back via CommitBuffer.
func (h *RemoteWriteHandle[T]) Elements() []T { return h.elements }

// WriteLock requests a remote write lock.
func (c *Client[T]) WriteLock(ctx context.Context, timeout time.Duration) (*RemoteWriteHandle[T], error) {
	in := &LockParamsRequest{Timeout: timeout}
	out := new(LockedBufferMessage[T])
	if err := c.invoke(ctx, "WriteLock", in, out); err != nil {
		return nil, err
	}
	return &RemoteWriteHandle[T]{client: c, lockID: out.LockID, elements: out.Elements}, nil
}

// CommitBuffer resolves the write lock with replacement contents.
func (h *RemoteWriteHandle[T]) CommitBuffer(ctx context.Context, elements []T) error {
	return h.client.invoke(ctx, "Commit", &CommitMessage[T]{LockID: h.lockID, Kind: commitBuffer, Elements: elements}, new(Empty))
}

// CommitNoChanges resolves the write lock with "no changes".
func (h *RemoteWriteHandle[T]) CommitNoChanges(ctx context.Context) error {
	return h.client.invoke(ctx, "Commit", &CommitMessage[T]{LockID: h.lockID, Kind: commitNoChanges}, new(Empty))
}

// Abort resolves the write lock as a holder failure.
func (h *RemoteWriteHandle[T]) Abort(ctx context.Context) error {
	return h.client.invoke(ctx, "Commit", &CommitMessage[T]{LockID: h.lockID, Kind: commitAborted}, new(Empty))
}

// KeepAlive renews this handle's keep-alive deadline on the server.
func (h *RemoteWriteHandle[T]) KeepAlive(ctx context.Context) error {
	return h.client.invoke(ctx, "KeepAlive", &KeepAliveRequest{LockID: h.lockID}, new(Empty))
}

// AsynchronousChange delivers a change-set without holding a lock.
func (c *Client[T]) AsynchronousChange(ctx context.Context, cs blackboard.ChangeSet[T]) error {
	return c.invoke(ctx, "AsynchronousChange", &ChangeSetMessage[T]{Set: cs}, new(Empty))
}

// DirectCommit replaces the blackboard's contents wholesale. A nil elements
// slice is a no-op, mirroring the local DirectCommit contract.
func (c *Client[T]) DirectCommit(ctx context.Context, elements []T) error {
	return c.invoke(ctx, "DirectCommit", &DirectCommitMessage[T]{Present: elements != nil, Elements: elements}, new(Empty))
}
