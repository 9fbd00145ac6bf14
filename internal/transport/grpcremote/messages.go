package grpcremote

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/finrocmirror/go-blackboard/pkg/blackboard"

	"github.com/finrocmirror/go-blackboard/internal/wire"
)

// LockParamsRequest carries the lock-parameter form shared by ReadLock and
// WriteLock calls. There is no remote flag: arriving through this RPC at
// all is what makes a WriteLock remote.
type LockParamsRequest struct {
	Timeout time.Duration
}

func (r *LockParamsRequest) MarshalWire() ([]byte, error) {
	return wire.EncodeLockParams(r.Timeout), nil
}

func (r *LockParamsRequest) UnmarshalWire(b []byte) error {
	d, err := wire.DecodeLockParams(b)
	if err != nil {
		return err
	}
	r.Timeout = d
	return nil
}

// KeepAliveRequest renews a held remote write lock's deadline on the server.
type KeepAliveRequest struct {
	LockID uint64
}

func (r *KeepAliveRequest) MarshalWire() ([]byte, error) {
	return protowire.AppendVarint(nil, r.LockID), nil
}

func (r *KeepAliveRequest) UnmarshalWire(b []byte) error {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return fmt.Errorf("grpcremote: malformed keep-alive request: %w", protowire.ParseError(n))
	}
	r.LockID = v
	return nil
}

// Empty is sent where a call carries no payload beyond its gRPC method name.
type Empty struct{}

func (Empty) MarshalWire() ([]byte, error)  { return nil, nil }
func (*Empty) UnmarshalWire(_ []byte) error { return nil }

// LockedBufferMessage[T] wraps wire.LockedBuffer[T] as a gRPC message: the
// response to both ReadLock (Present always true, LockID unused) and
// WriteLock (Present always true, LockID the granted generation).
type LockedBufferMessage[T any] struct {
	wire.LockedBuffer[T]
}

func (m *LockedBufferMessage[T]) MarshalWire() ([]byte, error) {
	return wire.EncodeLockedBuffer(m.LockedBuffer)
}

func (m *LockedBufferMessage[T]) UnmarshalWire(b []byte) error {
	lb, err := wire.DecodeLockedBuffer[T](b)
	if err != nil {
		return err
	}
	m.LockedBuffer = lb
	return nil
}

// commitKind distinguishes the three ways a CommitMessage resolves a
// remote write lock (mirrors blackboard's unlockKind, kept separate so the
// wire format doesn't depend on that unexported type).
type commitKind byte

const (
	commitBuffer commitKind = iota
	commitNoChanges
	commitAborted
)

// CommitMessage[T] is what a remote write-lock holder sends back to
// resolve its lock: a kind tag plus, for commitBuffer, replacement
// elements.
type CommitMessage[T any] struct {
	LockID   uint64
	Kind     commitKind
	Elements []T
}

func (m *CommitMessage[T]) MarshalWire() ([]byte, error) {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.VarintType)
	out = protowire.AppendVarint(out, m.LockID)
	out = protowire.AppendTag(out, 2, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(m.Kind))

	if m.Kind == commitBuffer {
		lb, err := wire.EncodeLockedBuffer(wire.LockedBuffer[T]{LockID: m.LockID, Present: true, Elements: m.Elements})
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, 3, protowire.BytesType)
		out = protowire.AppendBytes(out, lb)
	}

	return out, nil
}

func (m *CommitMessage[T]) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("grpcremote: malformed commit message tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("grpcremote: malformed commit lock id: %w", protowire.ParseError(n))
			}
			m.LockID = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("grpcremote: malformed commit kind: %w", protowire.ParseError(n))
			}
			m.Kind = commitKind(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("grpcremote: malformed commit payload: %w", protowire.ParseError(n))
			}
			lb, err := wire.DecodeLockedBuffer[T](v)
			if err != nil {
				return err
			}
			m.Elements = lb.Elements
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("grpcremote: malformed commit field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// ChangeSetMessage[T] carries an AsynchronousChange call's payload.
type ChangeSetMessage[T any] struct {
	Set blackboard.ChangeSet[T]
}

func (m *ChangeSetMessage[T]) MarshalWire() ([]byte, error) {
	return wire.EncodeChangeSet(m.Set)
}

func (m *ChangeSetMessage[T]) UnmarshalWire(b []byte) error {
	cs, err := wire.DecodeChangeSet[T](b)
	if err != nil {
		return err
	}
	m.Set = cs
	return nil
}

// DirectCommitMessage[T] carries a DirectCommit call's replacement buffer;
// Present distinguishes a nil (no-op) commit from a zero-length one.
type DirectCommitMessage[T any] struct {
	Present  bool
	Elements []T
}

func (m *DirectCommitMessage[T]) MarshalWire() ([]byte, error) {
	return wire.EncodeLockedBuffer(wire.LockedBuffer[T]{Present: m.Present, Elements: m.Elements})
}

func (m *DirectCommitMessage[T]) UnmarshalWire(b []byte) error {
	lb, err := wire.DecodeLockedBuffer[T](b)
	if err != nil {
		return err
	}
	m.Present = lb.Present
	m.Elements = lb.Elements
	return nil
}
