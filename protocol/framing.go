package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/nexusback/core"
)

// MaxFrameSize bounds a single frame's payload so a corrupt length prefix
// cannot make the reader allocate unbounded memory. Recovery data frames
// carry at most one segment, so this leaves generous headroom.
const MaxFrameSize = 128 * 1024 * 1024

// WriteFrame writes one frame: command type (1 byte), payload length
// including the trailing checksum (uint32, big-endian), payload, and a
// CRC-32C over everything before it.
func WriteFrame(w io.Writer, cmdType CommandType, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(cmdType)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)+4))

	checksum := core.Checksum32C(header)
	checksum = core.Checksum32CUpdate(checksum, payload)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to write frame payload: %w", err)
		}
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], checksum)
	if _, err := w.Write(trailer[:]); err != nil {
		return fmt.Errorf("failed to write frame checksum: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and verifies its checksum.
func ReadFrame(r *bufio.Reader) (CommandType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	cmdType := CommandType(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length < 4 || length > MaxFrameSize {
		return 0, nil, fmt.Errorf("invalid frame length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	var trailer [4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame checksum: %w", err)
	}
	checksum := core.Checksum32C(header)
	checksum = core.Checksum32CUpdate(checksum, payload)
	if checksum != binary.BigEndian.Uint32(trailer[:]) {
		return 0, nil, fmt.Errorf("frame checksum mismatch on %s frame", cmdType)
	}
	return cmdType, payload, nil
}
