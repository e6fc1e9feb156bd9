package core

import (
	"encoding/binary"
	"fmt"
)

// Object is the payload of an OBJECT or TOMBSTONE entry. Tombstones carry
// an empty value. The backup only ever needs the addressing fields; the
// value bytes are opaque and preserved verbatim by the recovery builder.
type Object struct {
	TableID uint64
	Key     []byte
	Value   []byte
}

// EncodeObject returns the entry payload for an object or tombstone.
func EncodeObject(o Object) []byte {
	buf := make([]byte, 10+len(o.Key)+len(o.Value))
	binary.LittleEndian.PutUint64(buf[0:8], o.TableID)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(o.Key)))
	copy(buf[10:], o.Key)
	copy(buf[10+len(o.Key):], o.Value)
	return buf
}

// DecodeObject parses an object or tombstone entry payload.
func DecodeObject(data []byte) (Object, error) {
	if len(data) < 10 {
		return Object{}, fmt.Errorf("object payload too short: got %d bytes, want at least 10", len(data))
	}
	keyLen := int(binary.LittleEndian.Uint16(data[8:10]))
	if 10+keyLen > len(data) {
		return Object{}, fmt.Errorf("object key of %d bytes overruns payload of %d bytes", keyLen, len(data))
	}
	return Object{
		TableID: binary.LittleEndian.Uint64(data[0:8]),
		Key:     data[10 : 10+keyLen],
		Value:   data[10+keyLen:],
	}, nil
}
