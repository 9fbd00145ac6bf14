package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

func TestLockParamsRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	want := 250 * time.Millisecond
	got, err := DecodeLockParams(EncodeLockParams(want))
	require.NoError(err)
	require.Equal(want, got)
}

func TestLockedBufferRoundTripPresent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	want := LockedBuffer[float64]{
		LockID:   7,
		Present:  true,
		Elements: []float64{1, 2, 3.5},
	}

	b, err := EncodeLockedBuffer(want)
	require.NoError(err)

	got, err := DecodeLockedBuffer[float64](b)
	require.NoError(err)
	require.Equal(want, got)
}

func TestLockedBufferRoundTripAbsent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	want := LockedBuffer[float64]{LockID: 3, Present: false}

	b, err := EncodeLockedBuffer(want)
	require.NoError(err)

	got, err := DecodeLockedBuffer[float64](b)
	require.NoError(err)
	require.Equal(want.LockID, got.LockID)
	require.False(got.Present)
	require.Nil(got.Elements)
}

func TestChangeSetRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	want := blackboard.ChangeSet[float64]{
		{Index: 0, Value: 1},
		{Index: blackboard.SkipIndex},
		{Index: 17, Value: 42.5},
	}

	b, err := EncodeChangeSet(want)
	require.NoError(err)

	got, err := DecodeChangeSet[float64](b)
	require.NoError(err)
	require.Equal(want, got)
}

func TestChangeSetRoundTripEmpty(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	got, err := DecodeChangeSet[int](nil)
	require.NoError(err)
	require.Empty(got)
}

func TestChangeSetRoundTripStruct(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	type point struct{ X, Y int }

	want := blackboard.ChangeSet[point]{
		{Index: 2, Value: point{X: 1, Y: 2}},
	}

	b, err := EncodeChangeSet(want)
	require.NoError(err)

	got, err := DecodeChangeSet[point](b)
	require.NoError(err)
	require.Equal(want, got)
}
