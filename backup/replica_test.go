package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusback/core"
	"github.com/INLOpen/nexusback/storage"
)

func newOpenReplica(t *testing.T, store storage.Storage, primary bool) *Replica {
	t.Helper()
	r := NewReplica(core.NewServerID(99, 0), 88, testSegmentSize, primary, testLogger())
	require.NoError(t, r.Open(store, true))
	return r
}

func TestReplica_LifecycleStates(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 2)
	r := NewReplica(core.NewServerID(99, 0), 88, testSegmentSize, true, testLogger())

	assert.Equal(t, StateUninit, r.State())
	require.NoError(t, r.Open(store, true))
	assert.Equal(t, StateOpen, r.State())
	assert.True(t, r.IsOpen())

	// Open is only legal once at this level.
	assert.True(t, core.IsBadSegmentID(r.Open(store, true)))

	require.NoError(t, r.Close())
	assert.Equal(t, StateClosed, r.State())
	assert.False(t, r.IsOpen())
	assert.Equal(t, uint32(0), r.ReportedLength())

	// Redundant close is silently accepted.
	require.NoError(t, r.Close())

	r.SetRecovering(nil)
	assert.Equal(t, StateRecovering, r.State())
	assert.True(t, core.IsBadSegmentID(r.Close()))

	r.Free()
	assert.Equal(t, StateFreed, r.State())
	r.Free()
	assert.Equal(t, StateFreed, r.State())
}

func TestReplica_AppendTracksRightmostOffset(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	r := newOpenReplica(t, store, true)

	require.NoError(t, r.Append([]byte("test"), 0, 4, 10, nil))
	assert.Equal(t, uint32(14), r.ReportedLength())

	// A replay of earlier bytes does not move the high-water mark.
	require.NoError(t, r.Append([]byte("te"), 0, 2, 0, nil))
	assert.Equal(t, uint32(14), r.ReportedLength())
}

func TestReplica_AppendBounds(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	r := newOpenReplica(t, store, true)

	// A zero-length write at exactly the segment boundary is fine.
	require.NoError(t, r.Append(nil, 0, 0, testSegmentSize, nil))

	// One byte past it is not.
	err := r.Append(make([]byte, 1), 0, 1, testSegmentSize, nil)
	assert.True(t, core.IsSegmentOverflow(err))

	err = r.Append(make([]byte, testSegmentSize+1), 0, testSegmentSize+1, 0, nil)
	assert.True(t, core.IsSegmentOverflow(err))
}

func TestReplica_AppendIllegalStates(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	r := newOpenReplica(t, store, true)
	require.NoError(t, r.Close())

	err := r.Append([]byte("test"), 0, 4, 10, nil)
	assert.True(t, core.IsBadSegmentID(err))

	r.Free()
	err = r.Append([]byte("test"), 0, 4, 10, nil)
	assert.True(t, core.IsBadSegmentID(err))
}

func TestReplica_FreeWhileOpenDiscardsContent(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	r := newOpenReplica(t, store, true)
	require.NoError(t, r.Append([]byte("test"), 0, 4, 0, nil))

	r.Free()
	assert.Equal(t, 1, store.FreeCount())
}

func TestReplica_SetRecoveringKeepsOpenLength(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	r := newOpenReplica(t, store, true)
	require.NoError(t, r.Append([]byte("test"), 0, 4, 0, nil))

	wasOpen := r.SetRecovering(nil)
	assert.True(t, wasOpen)
	assert.Equal(t, StateRecovering, r.State())
	// Never closed, so it still reports its length and counts as open.
	assert.True(t, r.IsOpen())
	assert.Equal(t, uint32(4), r.ReportedLength())
}

func TestReplica_SetRecoveringKeepsFirstPartitions(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	r := newOpenReplica(t, store, false)
	require.NoError(t, r.Close())

	first := createTabletList()
	r.SetRecovering(first)
	r.SetRecovering(core.Partitions{})

	r.mu.Lock()
	stashed := r.recoveryPartitions
	r.mu.Unlock()
	assert.Len(t, stashed, len(first))
}

func TestRecoveredReplica_IsReadOnly(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	frame, err := store.Open(true)
	require.NoError(t, err)

	r := NewRecoveredReplica(core.NewServerID(70, 0), 89, testSegmentSize, frame, false,
		core.Certificate{}, testLogger())
	assert.Equal(t, StateOpen, r.State())
	assert.False(t, r.CreatedByCurrentProcess())
	// The write-offset sentinel is set even though the state is OPEN, so
	// length reporting and digest scans treat the replica as closed.
	assert.False(t, r.IsOpen())
	assert.Equal(t, uint32(0), r.ReportedLength())

	err = r.Append([]byte("test"), 0, 4, 0, nil)
	assert.True(t, core.IsBadSegmentID(err))
}

func TestReplica_AppendRecoverySegmentStateChecks(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	r := newOpenReplica(t, store, true)

	_, _, err := r.AppendRecoverySegment(0)
	assert.True(t, core.IsBadSegmentID(err))

	require.NoError(t, r.Close())
	r.SetRecovering(nil)
	// Recovering, but never built and nothing stashed to build from.
	_, _, err = r.AppendRecoverySegment(0)
	assert.True(t, core.IsBadSegmentID(err))
}

func TestReplica_FrameReferenceMatchesState(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 2)
	r := NewReplica(core.NewServerID(99, 0), 88, testSegmentSize, true, testLogger())

	hasFrame := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.frame != nil
	}

	assert.False(t, hasFrame())
	require.NoError(t, r.Open(store, true))
	assert.True(t, hasFrame())
	require.NoError(t, r.Close())
	assert.True(t, hasFrame())
	r.SetRecovering(nil)
	assert.True(t, hasFrame())
	r.Free()
	assert.False(t, hasFrame())
}
