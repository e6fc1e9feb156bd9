package core

import (
	"encoding/binary"
	"hash/fnv"
)

// KeyHash maps (tableID, key) onto the 64-bit hash space that tablets
// partition. FNV-1a over the table id followed by the key bytes.
func KeyHash(tableID uint64, key []byte) uint64 {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], tableID)
	h := fnv.New64a()
	h.Write(prefix[:])
	h.Write(key)
	return h.Sum64()
}
