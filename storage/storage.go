package storage

import "errors"

var (
	// ErrOutOfStorage is returned by Open when no frame is free.
	ErrOutOfStorage = errors.New("out of storage: no free segment frames")
	// ErrFrameFreed is returned by frame operations after Free. The
	// recovery builder sees it when a replica is freed mid-load and
	// abandons that replica's results.
	ErrFrameFreed = errors.New("frame has been freed")
	// ErrStorageClosed is returned once the store has been shut down.
	ErrStorageClosed = errors.New("storage is closed")
)

// Frame is one slot of backup storage holding a single replica payload
// plus its metadata trailer. A frame is owned by at most one replica.
type Frame interface {
	// Append writes length bytes of src starting at srcOffset into the
	// replica payload at destOffset and atomically replaces the trailer
	// metadata. With the frame opened sync, both are on stable storage
	// when Append returns.
	Append(src []byte, srcOffset, length, destOffset int, metadata *ReplicaMetadata) error
	// Load returns the full replica payload.
	Load() ([]byte, error)
	// Free releases the frame; its payload becomes indeterminate.
	Free()
	// Index is the frame's ordinal within the store.
	Index() int
}

// RecoveredReplica pairs a reserved frame with the integrity-checked
// metadata found in it during a restart scan.
type RecoveredReplica struct {
	Frame    Frame
	Metadata *ReplicaMetadata
}

// Storage is a fixed pool of frames backing replicas.
type Storage interface {
	// Open allocates a free frame. Fails with ErrOutOfStorage when none
	// is free.
	Open(sync bool) (Frame, error)
	// SegmentSize is the fixed payload size of every frame.
	SegmentSize() int
	// FrameCount is the total number of frames in the pool.
	FrameCount() int
	// FreeCount is the number of currently free frames.
	FreeCount() int
	// CanRecoverReplicas reports whether replicas from a previous run may
	// be reused (the stored cluster name matched); it does not say whether
	// any replicas are actually stored.
	CanRecoverReplicas() bool
	// RestartScan walks all frames, reserves those whose metadata
	// trailer verifies, and returns them for inventory. Frames with
	// invalid trailers stay free.
	RestartScan() ([]RecoveredReplica, error)
	Close() error
}
