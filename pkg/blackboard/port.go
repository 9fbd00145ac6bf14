package blackboard

import "time"

// Snapshot is what a publication hands to the data-port subsystem: the
// published buffer's contents at the instant of publication, plus the
// revision it was published under.
type Snapshot[T any] struct {
	Elements  []T
	Revision  uint64
	Timestamp time.Time
}

// Port is the data-port subsystem collaborator the core depends on: a
// publish operation, an "obtain unused buffer" operation, nothing more.
// Reference counting of the buffer itself is handled inside this package
// (see buffer.go, pool); Port only needs to supply blank backing storage and
// accept finished snapshots for delivery to subscribers.
//
// Publish must not block on slow subscribers; implementations that fan out
// to many consumers should buffer or drop, not stall the caller, since
// Publish always runs with the server mutex held and no operation may block
// on I/O while holding it.
type Port[T any] interface {
	ObtainUnused(size int) []T
	Publish(snapshot Snapshot[T])
}
