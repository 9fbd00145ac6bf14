package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

type fakeSource struct {
	name           string
	revision       uint64
	mode           blackboard.Mode
	pendingLocks   int
	pendingChanges int
}

func (f fakeSource) Name() string                  { return f.name }
func (f fakeSource) GetRevisionCounter() uint64     { return f.revision }
func (f fakeSource) GetBufferMode() blackboard.Mode { return f.mode }
func (f fakeSource) PendingLockCount() int          { return f.pendingLocks }
func (f fakeSource) PendingChangeCount() int        { return f.pendingChanges }

func TestWriteOnceProducesReadableSnapshot(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "status.json")
	w := NewWriter(path, []Source{
		fakeSource{name: "bb1", revision: 3, mode: blackboard.ModeMultiBuffered, pendingLocks: 1},
		fakeSource{name: "bb2", revision: 0, mode: blackboard.ModeSingleBuffered},
	})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(w.WriteOnce(now))

	raw, err := os.ReadFile(path)
	require.NoError(err)

	var snaps []Snapshot
	require.NoError(json.Unmarshal(raw, &snaps))
	require.Len(snaps, 2)
	require.Equal("bb1", snaps[0].Name)
	require.Equal(uint64(3), snaps[0].Revision)
	require.Equal("MultiBuffered", snaps[0].Mode)
	require.Equal(1, snaps[0].PendingLockCount)
	require.True(snaps[0].ObservedAt.Equal(now))
}
