package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusback/core"
)

// IPacket is implemented by every request and response payload.
type IPacket interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

type reader struct {
	data   []byte
	offset int
}

func (r *reader) remaining() int { return len(r.data) - r.offset }

func (r *reader) uint8() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("packet truncated at offset %d", r.offset)
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("packet truncated at offset %d", r.offset)
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("packet truncated at offset %d", r.offset)
	}
	v := binary.BigEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(r.remaining()) < n {
		return nil, fmt.Errorf("packet field of %d bytes truncated at offset %d", n, r.offset)
	}
	v := append([]byte(nil), r.data[r.offset:r.offset+int(n)]...)
	r.offset += int(n)
	return v, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, v []byte) {
	writeUint32(buf, uint32(len(v)))
	buf.Write(v)
}

// WriteSegmentRequest carries one writeSegment call. Flags use the
// backup.WriteFlags bit layout.
type WriteSegmentRequest struct {
	Master         uint64
	Segment        uint64
	Offset         uint32
	Flags          byte
	HasCertificate bool
	Certificate    core.Certificate
	Data           []byte
}

func (p *WriteSegmentRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, p.Master)
	writeUint64(buf, p.Segment)
	writeUint32(buf, p.Offset)
	buf.WriteByte(p.Flags)
	if p.HasCertificate {
		buf.WriteByte(1)
		var cert [core.CertificateSize]byte
		p.Certificate.EncodeTo(cert[:])
		buf.Write(cert[:])
	} else {
		buf.WriteByte(0)
	}
	writeBytes(buf, p.Data)
	return buf.Bytes(), nil
}

func (p *WriteSegmentRequest) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	var err error
	if p.Master, err = r.uint64(); err != nil {
		return err
	}
	if p.Segment, err = r.uint64(); err != nil {
		return err
	}
	if p.Offset, err = r.uint32(); err != nil {
		return err
	}
	if p.Flags, err = r.uint8(); err != nil {
		return err
	}
	hasCert, err := r.uint8()
	if err != nil {
		return err
	}
	p.HasCertificate = hasCert == 1
	if p.HasCertificate {
		if r.remaining() < core.CertificateSize {
			return fmt.Errorf("certificate truncated at offset %d", r.offset)
		}
		cert, cerr := core.DecodeCertificate(r.data[r.offset : r.offset+core.CertificateSize])
		if cerr != nil {
			return cerr
		}
		p.Certificate = cert
		r.offset += core.CertificateSize
	}
	if p.Data, err = r.bytes(); err != nil {
		return err
	}
	return nil
}

// WriteSegmentResponse returns the replication group to opening masters.
type WriteSegmentResponse struct {
	Group []uint64
}

func (p *WriteSegmentResponse) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint32(buf, uint32(len(p.Group)))
	for _, id := range p.Group {
		writeUint64(buf, id)
	}
	return buf.Bytes(), nil
}

func (p *WriteSegmentResponse) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	count, err := r.uint32()
	if err != nil {
		return err
	}
	p.Group = make([]uint64, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.uint64()
		if err != nil {
			return err
		}
		p.Group = append(p.Group, id)
	}
	return nil
}

// FreeSegmentRequest destroys one replica.
type FreeSegmentRequest struct {
	Master  uint64
	Segment uint64
}

func (p *FreeSegmentRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, p.Master)
	writeUint64(buf, p.Segment)
	return buf.Bytes(), nil
}

func (p *FreeSegmentRequest) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	var err error
	if p.Master, err = r.uint64(); err != nil {
		return err
	}
	p.Segment, err = r.uint64()
	return err
}

func encodeTablet(buf *bytes.Buffer, t core.Tablet) {
	writeUint64(buf, t.TableID)
	writeUint64(buf, t.StartKeyHash)
	writeUint64(buf, t.EndKeyHash)
	writeUint64(buf, t.PartitionID)
	writeUint64(buf, uint64(t.CtimeHeadSegmentID))
	writeUint32(buf, t.CtimeHeadSegmentOffset)
}

func decodeTablet(r *reader) (core.Tablet, error) {
	var t core.Tablet
	var err error
	if t.TableID, err = r.uint64(); err != nil {
		return t, err
	}
	if t.StartKeyHash, err = r.uint64(); err != nil {
		return t, err
	}
	if t.EndKeyHash, err = r.uint64(); err != nil {
		return t, err
	}
	if t.PartitionID, err = r.uint64(); err != nil {
		return t, err
	}
	segID, err := r.uint64()
	if err != nil {
		return t, err
	}
	t.CtimeHeadSegmentID = core.SegmentID(segID)
	t.CtimeHeadSegmentOffset, err = r.uint32()
	return t, err
}

// StartReadingDataRequest begins recovery of one master's replicas.
type StartReadingDataRequest struct {
	Master     uint64
	Partitions []core.Tablet
}

func (p *StartReadingDataRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, p.Master)
	writeUint32(buf, uint32(len(p.Partitions)))
	for _, t := range p.Partitions {
		encodeTablet(buf, t)
	}
	return buf.Bytes(), nil
}

func (p *StartReadingDataRequest) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	var err error
	if p.Master, err = r.uint64(); err != nil {
		return err
	}
	count, err := r.uint32()
	if err != nil {
		return err
	}
	p.Partitions = make([]core.Tablet, 0, count)
	for i := uint32(0); i < count; i++ {
		t, terr := decodeTablet(r)
		if terr != nil {
			return terr
		}
		p.Partitions = append(p.Partitions, t)
	}
	return nil
}

// SegmentEntry is one (segment id, length) pair of a recovery listing.
type SegmentEntry struct {
	ID     uint64
	Length uint32
}

// StartReadingDataResponse lists the master's replicas and the best log
// digest found among the still-open ones.
type StartReadingDataResponse struct {
	Segments         []SegmentEntry
	Digest           []byte
	DigestSegmentID  uint64
	DigestSegmentLen uint32
}

func (p *StartReadingDataResponse) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint32(buf, uint32(len(p.Segments)))
	for _, e := range p.Segments {
		writeUint64(buf, e.ID)
		writeUint32(buf, e.Length)
	}
	writeBytes(buf, p.Digest)
	writeUint64(buf, p.DigestSegmentID)
	writeUint32(buf, p.DigestSegmentLen)
	return buf.Bytes(), nil
}

func (p *StartReadingDataResponse) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	count, err := r.uint32()
	if err != nil {
		return err
	}
	p.Segments = make([]SegmentEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e SegmentEntry
		if e.ID, err = r.uint64(); err != nil {
			return err
		}
		if e.Length, err = r.uint32(); err != nil {
			return err
		}
		p.Segments = append(p.Segments, e)
	}
	if p.Digest, err = r.bytes(); err != nil {
		return err
	}
	if len(p.Digest) == 0 {
		p.Digest = nil
	}
	if p.DigestSegmentID, err = r.uint64(); err != nil {
		return err
	}
	p.DigestSegmentLen, err = r.uint32()
	return err
}

// GetRecoveryDataRequest fetches one partition's sub-segment.
type GetRecoveryDataRequest struct {
	Master    uint64
	Segment   uint64
	Partition uint64
}

func (p *GetRecoveryDataRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, p.Master)
	writeUint64(buf, p.Segment)
	writeUint64(buf, p.Partition)
	return buf.Bytes(), nil
}

func (p *GetRecoveryDataRequest) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	var err error
	if p.Master, err = r.uint64(); err != nil {
		return err
	}
	if p.Segment, err = r.uint64(); err != nil {
		return err
	}
	p.Partition, err = r.uint64()
	return err
}

// GetRecoveryDataResponse carries the sub-segment bytes and the
// certificate sealing them.
type GetRecoveryDataResponse struct {
	Certificate core.Certificate
	Data        []byte
}

func (p *GetRecoveryDataResponse) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	var cert [core.CertificateSize]byte
	p.Certificate.EncodeTo(cert[:])
	buf.Write(cert[:])
	writeBytes(buf, p.Data)
	return buf.Bytes(), nil
}

func (p *GetRecoveryDataResponse) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	if r.remaining() < core.CertificateSize {
		return fmt.Errorf("certificate truncated")
	}
	cert, err := core.DecodeCertificate(r.data[:core.CertificateSize])
	if err != nil {
		return err
	}
	p.Certificate = cert
	r.offset += core.CertificateSize
	p.Data, err = r.bytes()
	return err
}

// AssignGroupRequest replaces the backup's replication group.
type AssignGroupRequest struct {
	GroupID uint64
	IDs     []uint64
}

func (p *AssignGroupRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, p.GroupID)
	writeUint32(buf, uint32(len(p.IDs)))
	for _, id := range p.IDs {
		writeUint64(buf, id)
	}
	return buf.Bytes(), nil
}

func (p *AssignGroupRequest) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	var err error
	if p.GroupID, err = r.uint64(); err != nil {
		return err
	}
	count, err := r.uint32()
	if err != nil {
		return err
	}
	p.IDs = make([]uint64, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.uint64()
		if err != nil {
			return err
		}
		p.IDs = append(p.IDs, id)
	}
	return nil
}

// IsReplicaNeededRequest asks a master whether it still needs a replica
// of one of its segments.
type IsReplicaNeededRequest struct {
	Backup  uint64
	Segment uint64
}

func (p *IsReplicaNeededRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, p.Backup)
	writeUint64(buf, p.Segment)
	return buf.Bytes(), nil
}

func (p *IsReplicaNeededRequest) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	var err error
	if p.Backup, err = r.uint64(); err != nil {
		return err
	}
	p.Segment, err = r.uint64()
	return err
}

// IsReplicaNeededResponse is the master's answer.
type IsReplicaNeededResponse struct {
	Needed bool
}

func (p *IsReplicaNeededResponse) MarshalBinary() ([]byte, error) {
	if p.Needed {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (p *IsReplicaNeededResponse) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("response truncated")
	}
	p.Needed = data[0] == 1
	return nil
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Status  Status
	Message string
}

func (p *ErrorResponse) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(p.Status))
	writeBytes(buf, []byte(p.Message))
	return buf.Bytes(), nil
}

func (p *ErrorResponse) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	status, err := r.uint8()
	if err != nil {
		return err
	}
	p.Status = Status(status)
	message, err := r.bytes()
	if err != nil {
		return err
	}
	p.Message = string(message)
	return nil
}

// EmptyResponse is the payload of verbs with nothing to return.
type EmptyResponse struct{}

func (p *EmptyResponse) MarshalBinary() ([]byte, error)    { return nil, nil }
func (p *EmptyResponse) UnmarshalBinary(data []byte) error { return nil }
