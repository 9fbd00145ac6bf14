// Package grpcremote is the RPC subsystem collaborator: remote
// ReadLock/WriteLock/AsynchronousChange/DirectCommit calls carried over
// gRPC, using the wire forms in internal/wire for the lock-parameter,
// locked-buffer, and change-set payloads instead of protoc-generated
// messages (there is no .proto file in this tree to generate from).
package grpcremote

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc's global encoding registry and selected
// via grpc.CallContentSubtype / grpc.ForceServerCodec.
const CodecName = "blackboardwire"

// wireMessage is implemented by every request/response type in this
// package; each knows how to turn itself into and out of bytes using the
// wire package's framing for its own payload shape. This is the same
// Marshaler-interface trick protobuf codecs use, sidestepping the need for
// a single encoder that understands every message type by reflection.
type wireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire([]byte) error
}

type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("grpcremote: %T does not implement wireMessage", v)
	}
	return m.MarshalWire()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("grpcremote: %T does not implement wireMessage", v)
	}
	return m.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}
