package backup

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusback/core"
	"github.com/INLOpen/nexusback/storage"
)

// closedReplicaWith stores the segment's framed bytes in a fresh replica
// and closes it, leaving it ready to recover.
func closedReplicaWith(t *testing.T, store storage.Storage, master core.ServerID,
	segment core.SegmentID, seg *testSegment) *Replica {
	t.Helper()
	r := NewReplica(master, segment, testSegmentSize, true, testLogger())
	require.NoError(t, r.Open(store, true))
	certificate := seg.certificate()
	require.NoError(t, r.Append(seg.buf.Bytes(), 0, int(seg.buf.Len()), 0, &certificate))
	require.NoError(t, r.Close())
	return r
}

func decodeEntries(t *testing.T, segment RecoverySegment) []core.Object {
	t.Helper()
	it, err := core.NewSegmentIterator(segment.Data, segment.Certificate)
	require.NoError(t, err)
	var objects []core.Object
	for !it.Done() {
		object, derr := core.DecodeObject(it.Payload())
		require.NoError(t, derr)
		objects = append(objects, object)
		require.NoError(t, it.Next())
	}
	return objects
}

func TestBuilder_PartitionsEntriesByTablet(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 4)
	master := core.NewServerID(99, 0)

	seg87 := &testSegment{}
	seg87.appendHeader(master, 87)
	seg87.appendObject(123, "9", "test1")
	seg87.appendObject(123, "10", "test1b")
	seg87.appendObject(123, "29", "test1c")
	replica87 := closedReplicaWith(t, store, master, 87, seg87)

	seg88 := &testSegment{}
	seg88.appendHeader(master, 88)
	seg88.appendObject(123, "30", "test2")
	seg88.appendObject(126, "20", "dropped") // no tablet covers table 126
	replica88 := closedReplicaWith(t, store, master, 88, seg88)

	replica87.SetRecovering(nil)
	replica88.SetRecovering(nil)

	var gauge atomic.Int32
	builder := NewRecoverySegmentBuilder([]*Replica{replica87, replica88},
		createTabletList(), &gauge, testLogger())
	builder.Run()
	assert.Equal(t, int32(0), gauge.Load())

	// Replica 87: everything lands in partition 0, nothing in 1.
	data, certificate87, err := replica87.AppendRecoverySegment(0)
	require.NoError(t, err)
	objects := decodeEntries(t, RecoverySegment{Data: data, Certificate: certificate87})
	require.Len(t, objects, 3)
	assert.Equal(t, []byte("9"), objects[0].Key)
	assert.Equal(t, []byte("test1"), objects[0].Value)
	assert.Equal(t, []byte("10"), objects[1].Key)
	assert.Equal(t, []byte("29"), objects[2].Key)

	data, _, err = replica87.AppendRecoverySegment(1)
	require.NoError(t, err)
	assert.Empty(t, data)

	// Replica 88: "30" goes to partition 1; table 126 is dropped.
	data, certificate, err := replica88.AppendRecoverySegment(1)
	require.NoError(t, err)
	objects = decodeEntries(t, RecoverySegment{Data: data, Certificate: certificate})
	require.Len(t, objects, 1)
	assert.Equal(t, []byte("30"), objects[0].Key)
	assert.Equal(t, []byte("test2"), objects[0].Value)

	data, _, err = replica88.AppendRecoverySegment(0)
	require.NoError(t, err)
	assert.Empty(t, data)

	// Out-of-range partition ids are rejected.
	_, _, err = replica88.AppendRecoverySegment(2)
	assert.True(t, core.IsBadSegmentID(err))
}

func TestBuilder_TombstonesFollowTheirKeys(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	master := core.NewServerID(99, 0)

	seg := &testSegment{}
	seg.appendHeader(master, 88)
	seg.appendObject(123, "29", "test1")
	seg.appendObject(123, "30", "test2")
	seg.appendTombstone(123, "29")
	seg.appendTombstone(123, "30")
	replica := closedReplicaWith(t, store, master, 88, seg)
	replica.SetRecovering(nil)

	require.NoError(t, replica.BuildRecoverySegments(createTabletList()))

	data, certificate, err := replica.AppendRecoverySegment(0)
	require.NoError(t, err)
	it, err := core.NewSegmentIterator(data, certificate)
	require.NoError(t, err)
	require.False(t, it.Done())
	assert.Equal(t, core.EntryTypeObject, it.Type())
	require.NoError(t, it.Next())
	assert.Equal(t, core.EntryTypeTombstone, it.Type())
	object, err := core.DecodeObject(it.Payload())
	require.NoError(t, err)
	assert.Equal(t, []byte("29"), object.Key)
	require.NoError(t, it.Next())
	assert.True(t, it.Done())
}

func TestBuilder_DropsEntriesBeforeTabletCreationTime(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	master := core.NewServerID(99, 0)

	seg := &testSegment{}
	seg.appendHeader(master, 88)
	seg.appendObject(200, "a", "old")
	replica := closedReplicaWith(t, store, master, 88, seg)
	replica.SetRecovering(nil)

	// The tablet was created at segment 100; entries in segment 88
	// belong to a previous owner of the key range.
	partitions := core.Partitions{{
		TableID:            200,
		StartKeyHash:       0,
		EndKeyHash:         ^uint64(0),
		PartitionID:        0,
		CtimeHeadSegmentID: 100,
	}}
	require.NoError(t, replica.BuildRecoverySegments(partitions))

	data, _, err := replica.AppendRecoverySegment(0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestBuilder_MalformedSegmentFailsBuild(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	master := core.NewServerID(99, 0)

	// Closed without ever writing entries: no header, nothing certified.
	r := NewReplica(master, 88, testSegmentSize, true, testLogger())
	require.NoError(t, r.Open(store, true))
	require.NoError(t, r.Close())
	r.SetRecovering(nil)

	err := r.BuildRecoverySegments(core.Partitions{})
	require.Error(t, err)
	assert.True(t, core.IsSegmentRecoveryFailed(err))

	// The failure sticks: demands keep failing deterministically.
	_, _, err = r.AppendRecoverySegment(0)
	assert.True(t, core.IsSegmentRecoveryFailed(err))
	assert.Equal(t, StateRecovering, r.State())
}

func TestBuilder_BuildIsIdempotent(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	master := core.NewServerID(99, 0)

	seg := &testSegment{}
	seg.appendHeader(master, 88)
	seg.appendObject(123, "9", "test1")
	replica := closedReplicaWith(t, store, master, 88, seg)
	replica.SetRecovering(nil)

	require.NoError(t, replica.BuildRecoverySegments(createTabletList()))
	first, _, err := replica.AppendRecoverySegment(0)
	require.NoError(t, err)

	// A second build call does not replace the published result.
	require.NoError(t, replica.BuildRecoverySegments(core.Partitions{}))
	second, _, err := replica.AppendRecoverySegment(0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuilder_FreedReplicaAbandonsResults(t *testing.T) {
	store := storage.NewInMemoryStorage(testSegmentSize, 1)
	master := core.NewServerID(99, 0)

	seg := &testSegment{}
	seg.appendHeader(master, 88)
	replica := closedReplicaWith(t, store, master, 88, seg)
	replica.SetRecovering(nil)
	replica.Free()

	// The frame is already gone; the build must not publish anything.
	require.NoError(t, replica.BuildRecoverySegments(createTabletList()))
	replica.mu.Lock()
	assert.Nil(t, replica.recoverySegments)
	assert.NoError(t, replica.recoveryErr)
	replica.mu.Unlock()
}
