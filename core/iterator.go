package core

import (
	"encoding/binary"
	"fmt"
)

// SegmentIterator walks the typed entries of a segment payload.
//
// A verified iterator is bounded by a certificate: the payload checksum is
// checked up front and any framing inconsistency inside the certified
// region is an error. An unverified iterator (for still-open segments that
// have no covering certificate yet) walks until it runs off the end or
// hits a zero type byte, which is how an open, zero-filled segment ends.
type SegmentIterator struct {
	data     []byte
	limit    uint32
	offset   uint32
	verified bool

	typ     EntryType
	payload []byte
	done    bool
	err     error
}

// NewSegmentIterator creates an iterator bounded and verified by certificate.
func NewSegmentIterator(data []byte, certificate Certificate) (*SegmentIterator, error) {
	if err := certificate.Verify(data); err != nil {
		return nil, err
	}
	it := &SegmentIterator{
		data:     data,
		limit:    certificate.SegmentLength,
		verified: true,
	}
	if err := it.parse(); err != nil {
		return nil, err
	}
	return it, nil
}

// NewUnverifiedIterator creates a best-effort iterator over a segment that
// has no certificate yet. It never returns framing errors; it simply stops.
func NewUnverifiedIterator(data []byte) *SegmentIterator {
	it := &SegmentIterator{
		data:  data,
		limit: uint32(len(data)),
	}
	it.err = it.parse()
	return it
}

// parse decodes the entry at the current offset, or marks the iterator done.
func (it *SegmentIterator) parse() error {
	if it.offset == it.limit {
		it.done = true
		return nil
	}
	if it.offset+EntryHeaderSize > it.limit {
		if !it.verified {
			it.done = true
			return nil
		}
		return fmt.Errorf("entry header at offset %d crosses certified length %d", it.offset, it.limit)
	}
	typ := EntryType(it.data[it.offset])
	if !typ.valid() {
		if !it.verified {
			it.done = true
			return nil
		}
		return fmt.Errorf("invalid entry type %#x at offset %d", byte(typ), it.offset)
	}
	length := binary.LittleEndian.Uint32(it.data[it.offset+1 : it.offset+EntryHeaderSize])
	start := it.offset + EntryHeaderSize
	if start+length > it.limit || start+length < start {
		if !it.verified {
			it.done = true
			return nil
		}
		return fmt.Errorf("entry of %d bytes at offset %d overruns certified length %d",
			length, it.offset, it.limit)
	}
	it.typ = typ
	it.payload = it.data[start : start+length]
	return nil
}

// Done reports whether the iterator has passed the last entry.
func (it *SegmentIterator) Done() bool { return it.done }

// Type returns the current entry's type. Only valid while !Done().
func (it *SegmentIterator) Type() EntryType { return it.typ }

// Payload returns the current entry's payload bytes. Only valid while !Done().
func (it *SegmentIterator) Payload() []byte { return it.payload }

// Offset returns the byte offset of the current entry within the segment.
func (it *SegmentIterator) Offset() uint32 { return it.offset }

// Next advances to the following entry.
func (it *SegmentIterator) Next() error {
	if it.done {
		return fmt.Errorf("iterator already done")
	}
	it.offset += EntryHeaderSize + uint32(len(it.payload))
	it.typ = 0
	it.payload = nil
	if err := it.parse(); err != nil {
		it.err = err
		return err
	}
	return nil
}
