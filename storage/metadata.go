package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusback/core"
)

// MetadataSize is the packed on-disk size of a ReplicaMetadata trailer:
// certificate (8) + logId (8) + segmentId (8) + capacity (4) + closed (1)
// + crc32c (4).
const MetadataSize = 33

// ReplicaMetadata is stored in the trailer of every frame holding a
// replica. It is the single source of truth for restart inventory: a
// trailer whose checksum does not verify marks the frame free. The
// checksum also makes torn metadata writes detectable.
type ReplicaMetadata struct {
	Certificate     core.Certificate
	LogID           uint64
	SegmentID       core.SegmentID
	SegmentCapacity uint32
	Closed          bool
	// Checksum seals the preceding fields. Set by Seal.
	Checksum uint32
}

// NewReplicaMetadata creates metadata and seals it.
func NewReplicaMetadata(certificate core.Certificate, logID uint64, segmentID core.SegmentID,
	segmentCapacity uint32, closed bool) *ReplicaMetadata {
	m := &ReplicaMetadata{
		Certificate:     certificate,
		LogID:           logID,
		SegmentID:       segmentID,
		SegmentCapacity: segmentCapacity,
		Closed:          closed,
	}
	m.Seal()
	return m
}

func (m *ReplicaMetadata) encodeFields(buf []byte) {
	m.Certificate.EncodeTo(buf[0:8])
	binary.LittleEndian.PutUint64(buf[8:16], m.LogID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.SegmentID))
	binary.LittleEndian.PutUint32(buf[24:28], m.SegmentCapacity)
	if m.Closed {
		buf[28] = 1
	} else {
		buf[28] = 0
	}
}

// Seal computes the checksum over the metadata fields.
func (m *ReplicaMetadata) Seal() {
	var buf [MetadataSize - 4]byte
	m.encodeFields(buf[:])
	m.Checksum = core.Checksum32C(buf[:])
}

// CheckIntegrity re-computes the checksum and compares it against the
// stored one. Only consulted on startup, which is the only time metadata
// is ever loaded from storage.
func (m *ReplicaMetadata) CheckIntegrity() bool {
	var buf [MetadataSize - 4]byte
	m.encodeFields(buf[:])
	return core.Checksum32C(buf[:]) == m.Checksum
}

// MarshalBinary encodes the metadata with whatever checksum it carries.
func (m *ReplicaMetadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MetadataSize)
	m.encodeFields(buf)
	binary.LittleEndian.PutUint32(buf[MetadataSize-4:], m.Checksum)
	return buf, nil
}

// UnmarshalBinary decodes a trailer. Callers must CheckIntegrity before
// trusting the fields.
func (m *ReplicaMetadata) UnmarshalBinary(data []byte) error {
	if len(data) < MetadataSize {
		return fmt.Errorf("replica metadata too short: got %d bytes, want %d", len(data), MetadataSize)
	}
	certificate, err := core.DecodeCertificate(data[0:8])
	if err != nil {
		return err
	}
	m.Certificate = certificate
	m.LogID = binary.LittleEndian.Uint64(data[8:16])
	m.SegmentID = core.SegmentID(binary.LittleEndian.Uint64(data[16:24]))
	m.SegmentCapacity = binary.LittleEndian.Uint32(data[24:28])
	m.Closed = data[28] == 1
	m.Checksum = binary.LittleEndian.Uint32(data[MetadataSize-4:])
	return nil
}
