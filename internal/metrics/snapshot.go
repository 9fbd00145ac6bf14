// Package metrics writes a periodic, human-readable operator snapshot of
// every hosted blackboard's diagnostic counters to a file: revision
// counter, buffer mode (reflecting any adaptive upgrade), and queue depths.
// This is not blackboard-content persistence; it exists purely so an
// operator can `cat` a status file instead of attaching a debugger. Writes
// use atomic.WriteFile so a reader never observes a half-written snapshot.
package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

// Source is the diagnostic surface a blackboard.Server[T] exposes,
// independent of its element type.
type Source interface {
	Name() string
	GetRevisionCounter() uint64
	GetBufferMode() blackboard.Mode
	PendingLockCount() int
	PendingChangeCount() int
}

// Snapshot is one blackboard's diagnostic state at the instant it was read.
type Snapshot struct {
	Name               string    `json:"name"`
	Revision           uint64    `json:"revision"`
	Mode               string    `json:"mode"`
	PendingLockCount   int       `json:"pending_lock_count"`
	PendingChangeCount int       `json:"pending_change_count"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Writer periodically renders every registered Source to a JSON snapshot
// file.
type Writer struct {
	path    string
	sources []Source
}

// NewWriter returns a Writer that will render sources to path.
func NewWriter(path string, sources []Source) *Writer {
	return &Writer{path: path, sources: sources}
}

// WriteOnce renders the current state of every source and atomically
// replaces the snapshot file's contents.
func (w *Writer) WriteOnce(now time.Time) error {
	snaps := make([]Snapshot, len(w.sources))
	for i, src := range w.sources {
		snaps[i] = Snapshot{
			Name:               src.Name(),
			Revision:           src.GetRevisionCounter(),
			Mode:               src.GetBufferMode().String(),
			PendingLockCount:   src.PendingLockCount(),
			PendingChangeCount: src.PendingChangeCount(),
			ObservedAt:         now,
		}
	}

	body, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: marshaling snapshot: %w", err)
	}

	return atomic.WriteFile(w.path, strings.NewReader(string(body)))
}

// Run writes a snapshot every interval until ctx-like stop fires. Callers
// that only want a one-shot render should call WriteOnce directly instead.
func (w *Writer) Run(interval time.Duration, stop <-chan struct{}, now func() time.Time) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case tick := <-t.C:
			observed := tick
			if now != nil {
				observed = now()
			}
			_ = w.WriteOnce(observed)
		}
	}
}
