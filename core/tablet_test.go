package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pointTablet(partition, tableID uint64, key string) Tablet {
	h := KeyHash(tableID, []byte(key))
	return Tablet{
		TableID:      tableID,
		StartKeyHash: h,
		EndKeyHash:   h,
		PartitionID:  partition,
	}
}

func TestPartitions_WhichPartition(t *testing.T) {
	partitions := Partitions{
		pointTablet(0, 123, "9"),
		pointTablet(0, 123, "10"),
		pointTablet(0, 123, "29"),
		pointTablet(1, 123, "30"),
		{TableID: 125, StartKeyHash: 0, EndKeyHash: ^uint64(0), PartitionID: 1},
	}

	tablet := partitions.WhichPartition(123, KeyHash(123, []byte("29")))
	require.NotNil(t, tablet)
	assert.Equal(t, uint64(0), tablet.PartitionID)

	tablet = partitions.WhichPartition(123, KeyHash(123, []byte("30")))
	require.NotNil(t, tablet)
	assert.Equal(t, uint64(1), tablet.PartitionID)

	tablet = partitions.WhichPartition(125, KeyHash(125, []byte("anything")))
	require.NotNil(t, tablet)
	assert.Equal(t, uint64(1), tablet.PartitionID)

	assert.Nil(t, partitions.WhichPartition(124, KeyHash(124, []byte("20"))))
	assert.Equal(t, 2, partitions.NumPartitions())
	assert.Equal(t, 0, Partitions(nil).NumPartitions())
}

func TestIsEntryAlive_CtimeCutoff(t *testing.T) {
	tablet := &Tablet{CtimeHeadSegmentID: 90, CtimeHeadSegmentOffset: 100}
	header := SegmentHeader{CleanerHeadID: InvalidSegmentID}

	// Entries strictly before the tablet's creation position are dead.
	assert.False(t, IsEntryAlive(Position{SegmentID: 88, Offset: 500}, tablet, header))
	assert.False(t, IsEntryAlive(Position{SegmentID: 90, Offset: 99}, tablet, header))
	// At or after the creation position entries are live.
	assert.True(t, IsEntryAlive(Position{SegmentID: 90, Offset: 100}, tablet, header))
	assert.True(t, IsEntryAlive(Position{SegmentID: 91, Offset: 0}, tablet, header))
}

func TestIsEntryAlive_CleanerGeneratedSegment(t *testing.T) {
	tablet := &Tablet{CtimeHeadSegmentID: 90}

	// The physical position is old, but the cleaner produced this segment
	// when the head was already past the tablet's creation time.
	header := SegmentHeader{CleanerHeadID: 95}
	assert.True(t, IsEntryAlive(Position{SegmentID: 10, Offset: 0}, tablet, header))

	header = SegmentHeader{CleanerHeadID: 80}
	assert.False(t, IsEntryAlive(Position{SegmentID: 96, Offset: 0}, tablet, header))
}

func TestServerID_Parts(t *testing.T) {
	id := NewServerID(99, 1)
	assert.Equal(t, uint32(99), id.Index())
	assert.Equal(t, uint32(1), id.Generation())
	assert.Equal(t, "99:1", id.String())
	assert.True(t, id.IsValid())
	assert.False(t, InvalidServerID.IsValid())

	// Different generations are different servers.
	assert.NotEqual(t, NewServerID(99, 0), NewServerID(99, 1))
	// A bare integer id is generation zero.
	assert.Equal(t, NewServerID(70, 0), ServerID(70))
}

func TestSegmentHeader_RoundTrip(t *testing.T) {
	header := SegmentHeader{LogID: 99, SegmentID: 88, Capacity: 4096, CleanerHeadID: InvalidSegmentID}
	decoded, err := DecodeSegmentHeader(EncodeSegmentHeader(header))
	require.NoError(t, err)
	assert.Equal(t, header, decoded)

	_, err = DecodeSegmentHeader([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestKeyHash_TableIsolation(t *testing.T) {
	// The same key hashes differently under different tables, so a tablet
	// of one table can never capture another table's keys.
	assert.NotEqual(t, KeyHash(123, []byte("20")), KeyHash(124, []byte("20")))
	assert.Equal(t, KeyHash(123, []byte("20")), KeyHash(123, []byte("20")))
}
