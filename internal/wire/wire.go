// Package wire implements the three serialized forms used at the RPC
// boundary: the lock-parameter form, the locked-buffer form, and the
// change-set form. Framing uses
// google.golang.org/protobuf/encoding/protowire's varint/length-delimited
// helpers (already pulled in transitively by grpc) instead of hand-rolling
// another varint encoder; per-element payloads are encoding/gob, since the
// element type T is only constrained to be deep-copyable, not protobuf
// message shaped.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

// EncodeLockParams serializes the lock-parameter form: a duration only. The
// remote flag is never part of the wire bytes; it is implied by the act of
// going through DecodeLockParams at all, which only the RPC server adapter
// does.
func EncodeLockParams(timeout time.Duration) []byte {
	return protowire.AppendVarint(nil, uint64(timeout))
}

// DecodeLockParams parses the lock-parameter form.
func DecodeLockParams(b []byte) (time.Duration, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("wire: malformed lock params: %w", protowire.ParseError(n))
	}
	return time.Duration(v), nil
}

// LockedBuffer is the decoded form of the locked-buffer wire contract:
// <lock-id, present-flag, [buffer-bytes]>.
type LockedBuffer[T any] struct {
	LockID   uint64
	Present  bool
	Elements []T // nil iff !Present
}

const (
	lockedBufferFieldLockID  protowire.Number = 1
	lockedBufferFieldPresent protowire.Number = 2
	lockedBufferFieldPayload protowire.Number = 3
)

// EncodeLockedBuffer serializes lb. When lb.Present is false the payload is
// empty (used by commit-no-changes over RPC).
func EncodeLockedBuffer[T any](lb LockedBuffer[T]) ([]byte, error) {
	var out []byte
	out = protowire.AppendTag(out, lockedBufferFieldLockID, protowire.VarintType)
	out = protowire.AppendVarint(out, lb.LockID)

	present := uint64(0)
	if lb.Present {
		present = 1
	}
	out = protowire.AppendTag(out, lockedBufferFieldPresent, protowire.VarintType)
	out = protowire.AppendVarint(out, present)

	if lb.Present {
		payload, err := gobEncode(lb.Elements)
		if err != nil {
			return nil, fmt.Errorf("wire: encode locked buffer payload: %w", err)
		}
		out = protowire.AppendTag(out, lockedBufferFieldPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, payload)
	}

	return out, nil
}

// DecodeLockedBuffer parses the bytes produced by EncodeLockedBuffer.
func DecodeLockedBuffer[T any](b []byte) (LockedBuffer[T], error) {
	var lb LockedBuffer[T]
	var payload []byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return lb, fmt.Errorf("wire: malformed locked buffer tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case lockedBufferFieldLockID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return lb, fmt.Errorf("wire: malformed lock id: %w", protowire.ParseError(n))
			}
			lb.LockID = v
			b = b[n:]
		case lockedBufferFieldPresent:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return lb, fmt.Errorf("wire: malformed present flag: %w", protowire.ParseError(n))
			}
			lb.Present = v != 0
			b = b[n:]
		case lockedBufferFieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return lb, fmt.Errorf("wire: malformed payload: %w", protowire.ParseError(n))
			}
			payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return lb, fmt.Errorf("wire: malformed field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if lb.Present {
		elements, err := gobDecode[[]T](payload)
		if err != nil {
			return lb, fmt.Errorf("wire: decode locked buffer payload: %w", err)
		}
		lb.Elements = elements
	}

	return lb, nil
}

const (
	changeSetFieldIndex protowire.Number = 1
	changeSetFieldValue protowire.Number = 2
)

// EncodeChangeSet serializes a change-set as a repeated `<index:i32,
// element>` sequence, with a negative index as the skip sentinel.
func EncodeChangeSet[T any](cs blackboard.ChangeSet[T]) ([]byte, error) {
	var out []byte
	for _, el := range cs {
		out = protowire.AppendTag(out, changeSetFieldIndex, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(int64(el.Index)))

		if el.Index >= 0 {
			payload, err := gobEncode(el.Value)
			if err != nil {
				return nil, fmt.Errorf("wire: encode change-set element %d: %w", el.Index, err)
			}
			out = protowire.AppendTag(out, changeSetFieldValue, protowire.BytesType)
			out = protowire.AppendBytes(out, payload)
		}
	}
	return out, nil
}

// DecodeChangeSet parses the bytes produced by EncodeChangeSet.
func DecodeChangeSet[T any](b []byte) (blackboard.ChangeSet[T], error) {
	var cs blackboard.ChangeSet[T]

	var pendingIndex int
	haveIndex := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: malformed change-set tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case changeSetFieldIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: malformed change-set index: %w", protowire.ParseError(n))
			}
			b = b[n:]

			idx := int(int64(v))
			if haveIndex {
				// previous index arrived with no value; flush it with the
				// zero value.
				cs = append(cs, blackboard.Element[T]{Index: pendingIndex})
			}
			pendingIndex = idx
			haveIndex = true

			if idx < 0 {
				cs = append(cs, blackboard.Element[T]{Index: idx})
				haveIndex = false
			}
		case changeSetFieldValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: malformed change-set value: %w", protowire.ParseError(n))
			}
			b = b[n:]

			val, err := gobDecode[T](v)
			if err != nil {
				return nil, fmt.Errorf("wire: decode change-set element %d: %w", pendingIndex, err)
			}
			cs = append(cs, blackboard.Element[T]{Index: pendingIndex, Value: val})
			haveIndex = false
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: malformed change-set field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if haveIndex {
		cs = append(cs, blackboard.Element[T]{Index: pendingIndex})
	}

	return cs, nil
}

func gobEncode[V any](v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode[V any](b []byte) (V, error) {
	var v V
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}
