package core

import (
	"encoding/binary"
	"fmt"
)

// EntryType defines the type of an entry in a master's log segment.
type EntryType byte

const (
	// EntryTypeSegmentHeader is the first entry of every segment and
	// carries the creator's log id and ctime context.
	EntryTypeSegmentHeader EntryType = 'H'
	// EntryTypeObject is a live object write.
	EntryTypeObject EntryType = 'O'
	// EntryTypeTombstone marks a deleted object.
	EntryTypeTombstone EntryType = 'T'
	// EntryTypeLogDigest lists the segments of a master's currently-live log.
	EntryTypeLogDigest EntryType = 'D'
)

// EntryHeaderSize is the fixed per-entry framing overhead:
// type (1 byte) followed by payload length (uint32, little-endian).
const EntryHeaderSize = 5

func (t EntryType) valid() bool {
	switch t {
	case EntryTypeSegmentHeader, EntryTypeObject, EntryTypeTombstone, EntryTypeLogDigest:
		return true
	}
	return false
}

func (t EntryType) String() string {
	switch t {
	case EntryTypeSegmentHeader:
		return "segheader"
	case EntryTypeObject:
		return "object"
	case EntryTypeTombstone:
		return "tombstone"
	case EntryTypeLogDigest:
		return "logdigest"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(t))
	}
}

// SegmentBuffer accumulates typed entries in segment framing and seals a
// certificate over the result. Used by the recovery builder to produce
// per-partition sub-segments and by tests standing in for masters.
type SegmentBuffer struct {
	buf []byte
}

// Append adds one typed entry.
func (b *SegmentBuffer) Append(typ EntryType, payload []byte) {
	var hdr [EntryHeaderSize]byte
	hdr[0] = byte(typ)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, payload...)
}

// Bytes returns the framed entries appended so far.
func (b *SegmentBuffer) Bytes() []byte { return b.buf }

// Len returns the number of framed bytes appended so far.
func (b *SegmentBuffer) Len() uint32 { return uint32(len(b.buf)) }

// Certificate seals a certificate over the current contents.
func (b *SegmentBuffer) Certificate() Certificate {
	return ComputeCertificate(b.buf)
}
