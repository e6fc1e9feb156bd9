package core

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// CertificateSize is the encoded size of a Certificate in bytes.
const CertificateSize = 8

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Certificate bounds and verifies the log-entry framing of a segment.
// Masters seal one after every append; backups store it alongside the
// replica payload and use it to drive the segment iterator safely.
type Certificate struct {
	// SegmentLength is the number of payload bytes covered by Checksum.
	SegmentLength uint32
	// Checksum is a CRC-32C over the first SegmentLength bytes.
	Checksum uint32
}

// ComputeCertificate seals a certificate over the given payload bytes.
func ComputeCertificate(data []byte) Certificate {
	return Certificate{
		SegmentLength: uint32(len(data)),
		Checksum:      crc32.Checksum(data, crc32cTable),
	}
}

// Verify checks data against the certificate. data must hold at least
// SegmentLength bytes.
func (c Certificate) Verify(data []byte) error {
	if int(c.SegmentLength) > len(data) {
		return fmt.Errorf("certificate covers %d bytes but segment holds only %d",
			c.SegmentLength, len(data))
	}
	sum := crc32.Checksum(data[:c.SegmentLength], crc32cTable)
	if sum != c.Checksum {
		return fmt.Errorf("certificate checksum mismatch: got %08x, want %08x", sum, c.Checksum)
	}
	return nil
}

// EncodeTo writes the certificate into buf, which must hold CertificateSize bytes.
func (c Certificate) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], c.SegmentLength)
	binary.LittleEndian.PutUint32(buf[4:8], c.Checksum)
}

// DecodeCertificate reads a certificate from buf.
func DecodeCertificate(buf []byte) (Certificate, error) {
	if len(buf) < CertificateSize {
		return Certificate{}, fmt.Errorf("certificate data too short: got %d bytes, want %d",
			len(buf), CertificateSize)
	}
	return Certificate{
		SegmentLength: binary.LittleEndian.Uint32(buf[0:4]),
		Checksum:      binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// Checksum32C exposes the CRC-32C used for certificates so other layers
// (frame metadata, wire framing) seal with the same polynomial.
func Checksum32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Checksum32CUpdate continues a CRC-32C over more data.
func Checksum32CUpdate(sum uint32, data []byte) uint32 {
	return crc32.Update(sum, crc32cTable, data)
}
