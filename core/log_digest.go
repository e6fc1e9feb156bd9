package core

import (
	"encoding/binary"
	"fmt"
)

// LogDigest is the ordered set of segment ids comprising a master's
// currently-live log. Masters embed one in their head segment so that a
// recovery can determine which segments must be replayed.
type LogDigest []SegmentID

// EncodeLogDigest returns the digest's entry payload.
func EncodeLogDigest(d LogDigest) []byte {
	buf := make([]byte, 4+8*len(d))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(d)))
	for i, id := range d {
		binary.LittleEndian.PutUint64(buf[4+8*i:], uint64(id))
	}
	return buf
}

// DecodeLogDigest parses a log digest entry payload.
func DecodeLogDigest(data []byte) (LogDigest, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("log digest too short: got %d bytes, want at least 4", len(data))
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	if uint64(len(data)) < 4+8*uint64(count) {
		return nil, fmt.Errorf("log digest truncated: %d ids do not fit in %d bytes", count, len(data))
	}
	digest := make(LogDigest, count)
	for i := range digest {
		digest[i] = SegmentID(binary.LittleEndian.Uint64(data[4+8*i:]))
	}
	return digest, nil
}
