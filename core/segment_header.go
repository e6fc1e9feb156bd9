package core

import (
	"encoding/binary"
	"fmt"
)

// SegmentHeaderSize is the encoded size of a SegmentHeader payload.
const SegmentHeaderSize = 28

// SegmentHeader is the first entry of every master segment.
type SegmentHeader struct {
	// LogID is the ServerID of the master whose log this segment belongs to.
	LogID uint64
	// SegmentID of this segment within the master's log.
	SegmentID SegmentID
	// Capacity is the segment size the master was configured with.
	Capacity uint32
	// CleanerHeadID is the log head segment at the time the cleaner
	// generated this segment, or InvalidSegmentID for normal segments.
	// Entries relocated by the cleaner are judged live against this
	// position rather than their physical location.
	CleanerHeadID SegmentID
}

// EncodeSegmentHeader returns the header's entry payload.
func EncodeSegmentHeader(h SegmentHeader) []byte {
	buf := make([]byte, SegmentHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.LogID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.SegmentID))
	binary.LittleEndian.PutUint32(buf[16:20], h.Capacity)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.CleanerHeadID))
	return buf
}

// DecodeSegmentHeader parses a segment header entry payload.
func DecodeSegmentHeader(data []byte) (SegmentHeader, error) {
	if len(data) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("segment header too short: got %d bytes, want %d",
			len(data), SegmentHeaderSize)
	}
	return SegmentHeader{
		LogID:         binary.LittleEndian.Uint64(data[0:8]),
		SegmentID:     SegmentID(binary.LittleEndian.Uint64(data[8:16])),
		Capacity:      binary.LittleEndian.Uint32(data[16:20]),
		CleanerHeadID: SegmentID(binary.LittleEndian.Uint64(data[20:28])),
	}, nil
}
