package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cenkalti/backoff/v5"

	"github.com/INLOpen/nexusback/sys"
)

const (
	// backupStoreMagic identifies a nexusback storage file.
	backupStoreMagic uint32 = 0xB4CC0BAE
	storeVersion    uint8  = 1

	// headerBlockSize reserves the first block of the file for the store
	// header; frame slots start after it.
	headerBlockSize = 512

	maxClusterNameLen = 255

	// unnamedCluster mirrors config.UnnamedCluster: the "no persistence"
	// sentinel under which existing storage content is never reused.
	unnamedCluster = "__unnamed__"

	// ioMaxTries bounds retries of transient read/write errors before a
	// storage failure is surfaced.
	ioMaxTries = 4
)

// storeHeader is the file-level header recording the owning cluster and
// the frame geometry.
type storeHeader struct {
	Magic       uint32
	Version     uint8
	FrameCount  uint32
	SegmentSize uint32
	ClusterName string
}

func (h *storeHeader) encode() []byte {
	buf := make([]byte, headerBlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	binary.LittleEndian.PutUint32(buf[5:9], h.FrameCount)
	binary.LittleEndian.PutUint32(buf[9:13], h.SegmentSize)
	buf[13] = byte(len(h.ClusterName))
	copy(buf[14:], h.ClusterName)
	return buf
}

func decodeStoreHeader(buf []byte) (*storeHeader, error) {
	if len(buf) < headerBlockSize {
		return nil, fmt.Errorf("store header too short: got %d bytes, want %d", len(buf), headerBlockSize)
	}
	h := &storeHeader{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Version:     buf[4],
		FrameCount:  binary.LittleEndian.Uint32(buf[5:9]),
		SegmentSize: binary.LittleEndian.Uint32(buf[9:13]),
	}
	if h.Magic != backupStoreMagic {
		return nil, fmt.Errorf("invalid magic number in backup store: got %x, want %x",
			h.Magic, backupStoreMagic)
	}
	if h.Version != storeVersion {
		return nil, fmt.Errorf("unsupported backup store version %d", h.Version)
	}
	nameLen := int(buf[13])
	if 14+nameLen > headerBlockSize {
		return nil, fmt.Errorf("cluster name of %d bytes overruns store header", nameLen)
	}
	h.ClusterName = string(buf[14 : 14+nameLen])
	return h, nil
}

// FileStorageOptions configures a SingleFileStorage.
type FileStorageOptions struct {
	Path        string
	SegmentSize int
	FrameCount  int
	ClusterName string
	Logger      *slog.Logger
}

// SingleFileStorage keeps all frames in one preallocated file. Each frame
// slot is segmentSize payload bytes followed by a MetadataSize trailer.
// The free map is derived from trailer validity at startup and never
// persisted.
type SingleFileStorage struct {
	file        sys.FileHandle
	segmentSize int
	frameCount  int
	logger      *slog.Logger
	canRecover  bool

	mu      sync.Mutex
	freeMap *roaring.Bitmap
	frames  []*fileFrame
	closed  bool
}

var _ Storage = (*SingleFileStorage)(nil)

// NewSingleFileStorage opens (or creates) the backing file and applies the
// cluster-name fence:
//   - a fresh file is laid out and owned by the configured cluster;
//   - under the unnamed-cluster sentinel any existing content is ignored;
//   - a matching stored cluster name makes replicas recoverable via
//     RestartScan;
//   - a differing stored name gets scribbled so stale replicas cannot
//     poison a future run.
func NewSingleFileStorage(opts FileStorageOptions) (*SingleFileStorage, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "SingleFileStorage")

	file, err := sys.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup store %s: %w", opts.Path, err)
	}

	s := &SingleFileStorage{
		file:        file,
		segmentSize: opts.SegmentSize,
		frameCount:  opts.FrameCount,
		logger:      logger,
		freeMap:     roaring.New(),
	}
	s.freeMap.AddRange(0, uint64(opts.FrameCount))
	s.frames = make([]*fileFrame, opts.FrameCount)
	for i := range s.frames {
		s.frames[i] = &fileFrame{store: s, index: i}
	}

	header := &storeHeader{
		Magic:       backupStoreMagic,
		Version:     storeVersion,
		FrameCount:  uint32(opts.FrameCount),
		SegmentSize: uint32(opts.SegmentSize),
		ClusterName: opts.ClusterName,
	}
	if len(opts.ClusterName) > maxClusterNameLen {
		file.Close()
		return nil, fmt.Errorf("cluster name longer than %d bytes", maxClusterNameLen)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat backup store %s: %w", opts.Path, err)
	}

	if stat.Size() == 0 {
		if err := s.layOut(header); err != nil {
			file.Close()
			return nil, err
		}
		logger.Info("Created backup store", "path", opts.Path,
			"frames", opts.FrameCount, "segment_size", opts.SegmentSize,
			"cluster_name", opts.ClusterName)
		return s, nil
	}

	existing, err := s.readHeader()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("backup store %s is unusable: %w", opts.Path, err)
	}

	switch {
	case existing.FrameCount != header.FrameCount || existing.SegmentSize != header.SegmentSize:
		logger.Warn("Backup store geometry differs from configuration; rebuilding store",
			"stored_frames", existing.FrameCount, "stored_segment_size", existing.SegmentSize)
		if err := file.Truncate(0); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to rebuild backup store %s: %w", opts.Path, err)
		}
		if err := s.layOut(header); err != nil {
			file.Close()
			return nil, err
		}
	case opts.ClusterName == unnamedCluster:
		logger.Info("Cluster '" + unnamedCluster + "'; ignoring existing backup storage. " +
			"Any replicas stored will not be reusable by future backups. " +
			"Specify a cluster name for persistence across backup restarts.")
		if err := s.writeHeader(header); err != nil {
			file.Close()
			return nil, err
		}
	case existing.ClusterName == opts.ClusterName:
		logger.Info("Replicas stored on disk have matching cluster name; scanning storage "+
			"to find all replicas and make them available to recoveries.",
			"cluster_name", opts.ClusterName)
		s.canRecover = true
	default:
		logger.Info("Replicas stored on disk have a different cluster name; scribbling "+
			"storage to ensure stale replicas left behind by old backups aren't reused.",
			"stored", existing.ClusterName, "configured", opts.ClusterName)
		if err := s.scribble(); err != nil {
			file.Close()
			return nil, err
		}
		if err := s.writeHeader(header); err != nil {
			file.Close()
			return nil, err
		}
	}
	return s, nil
}

// layOut writes the header and preallocates all frame slots.
func (s *SingleFileStorage) layOut(header *storeHeader) error {
	if err := s.writeHeader(header); err != nil {
		return err
	}
	total := int64(headerBlockSize) + int64(s.frameCount)*s.slotSize()
	if err := s.file.Truncate(total); err != nil {
		return fmt.Errorf("failed to preallocate backup store: %w", err)
	}
	return s.file.Sync()
}

func (s *SingleFileStorage) writeHeader(header *storeHeader) error {
	if err := s.writeAt(header.encode(), 0); err != nil {
		return fmt.Errorf("failed to write store header: %w", err)
	}
	return s.file.Sync()
}

func (s *SingleFileStorage) readHeader() (*storeHeader, error) {
	buf := make([]byte, headerBlockSize)
	if err := s.readAt(buf, 0); err != nil {
		return nil, fmt.Errorf("failed to read store header: %w", err)
	}
	return decodeStoreHeader(buf)
}

// scribble zeroes every frame's metadata trailer so nothing on the store
// can pass an integrity check.
func (s *SingleFileStorage) scribble() error {
	zeros := make([]byte, MetadataSize)
	for i := 0; i < s.frameCount; i++ {
		if err := s.writeAt(zeros, s.metadataOffset(i)); err != nil {
			return fmt.Errorf("failed to scribble frame %d: %w", i, err)
		}
	}
	return s.file.Sync()
}

func (s *SingleFileStorage) slotSize() int64 {
	return int64(s.segmentSize) + MetadataSize
}

func (s *SingleFileStorage) payloadOffset(index int) int64 {
	return int64(headerBlockSize) + int64(index)*s.slotSize()
}

func (s *SingleFileStorage) metadataOffset(index int) int64 {
	return s.payloadOffset(index) + int64(s.segmentSize)
}

// writeAt retries transient I/O errors with capped exponential backoff
// before surfacing a storage failure.
func (s *SingleFileStorage) writeAt(p []byte, off int64) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		_, werr := s.file.WriteAt(p, off)
		return struct{}{}, werr
	}, backoff.WithBackOff(newIOBackOff()), backoff.WithMaxTries(ioMaxTries))
	return err
}

func (s *SingleFileStorage) readAt(p []byte, off int64) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		_, rerr := s.file.ReadAt(p, off)
		return struct{}{}, rerr
	}, backoff.WithBackOff(newIOBackOff()), backoff.WithMaxTries(ioMaxTries))
	return err
}

func newIOBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	return b
}

// Open allocates the lowest-numbered free frame.
func (s *SingleFileStorage) Open(sync bool) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	if s.freeMap.IsEmpty() {
		return nil, ErrOutOfStorage
	}
	index := s.freeMap.Minimum()
	s.freeMap.Remove(index)
	frame := s.frames[index]
	frame.reset(sync)
	return frame, nil
}

func (s *SingleFileStorage) SegmentSize() int { return s.segmentSize }
func (s *SingleFileStorage) FrameCount() int  { return s.frameCount }

func (s *SingleFileStorage) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.freeMap.GetCardinality())
}

// FrameIsFree reports whether the frame at index is free. Restart
// inventory tests and diagnostics use it; the service does not.
func (s *SingleFileStorage) FrameIsFree(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeMap.Contains(uint32(index))
}

func (s *SingleFileStorage) CanRecoverReplicas() bool { return s.canRecover }

// RestartScan loads every frame's trailer and reserves the frames whose
// metadata passes its integrity check. Invalid trailers leave the frame
// free; there is no persistent free map to consult.
func (s *SingleFileStorage) RestartScan() ([]RecoveredReplica, error) {
	if !s.canRecover {
		return nil, nil
	}
	var recovered []RecoveredReplica
	buf := make([]byte, MetadataSize)
	for i := 0; i < s.frameCount; i++ {
		if err := s.readAt(buf, s.metadataOffset(i)); err != nil {
			return nil, fmt.Errorf("failed to load metadata of frame %d: %w", i, err)
		}
		metadata := &ReplicaMetadata{}
		if err := metadata.UnmarshalBinary(buf); err != nil {
			return nil, err
		}
		if !metadata.CheckIntegrity() {
			continue
		}
		s.mu.Lock()
		s.freeMap.Remove(uint32(i))
		frame := s.frames[i]
		frame.reset(true)
		s.mu.Unlock()
		recovered = append(recovered, RecoveredReplica{Frame: frame, Metadata: metadata})
	}
	return recovered, nil
}

func (s *SingleFileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// fileFrame is one slot of a SingleFileStorage.
type fileFrame struct {
	store *SingleFileStorage
	index int

	mu    sync.Mutex
	freed bool
	sync  bool
}

var _ Frame = (*fileFrame)(nil)

func (f *fileFrame) reset(sync bool) {
	f.mu.Lock()
	f.freed = false
	f.sync = sync
	f.mu.Unlock()
}

func (f *fileFrame) Index() int { return f.index }

func (f *fileFrame) Append(src []byte, srcOffset, length, destOffset int, metadata *ReplicaMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed {
		return ErrFrameFreed
	}
	if destOffset+length > f.store.segmentSize {
		return fmt.Errorf("append of %d bytes at offset %d overruns frame payload of %d bytes",
			length, destOffset, f.store.segmentSize)
	}
	if length > 0 {
		data := src[srcOffset : srcOffset+length]
		if err := f.store.writeAt(data, f.store.payloadOffset(f.index)+int64(destOffset)); err != nil {
			return fmt.Errorf("failed to write frame %d payload: %w", f.index, err)
		}
	}
	if metadata != nil {
		encoded, err := metadata.MarshalBinary()
		if err != nil {
			return err
		}
		if err := f.store.writeAt(encoded, f.store.metadataOffset(f.index)); err != nil {
			return fmt.Errorf("failed to write frame %d metadata: %w", f.index, err)
		}
	}
	if f.sync {
		if err := f.store.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync frame %d: %w", f.index, err)
		}
	}
	return nil
}

func (f *fileFrame) Load() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed {
		return nil, ErrFrameFreed
	}
	payload := make([]byte, f.store.segmentSize)
	if err := f.store.readAt(payload, f.store.payloadOffset(f.index)); err != nil {
		return nil, fmt.Errorf("failed to load frame %d: %w", f.index, err)
	}
	return payload, nil
}

// Free releases the frame. The free map is never persisted: restart
// inventory trusts trailer integrity alone, so the trailer must be
// invalidated here or a crash before the slot is reused would resurrect
// the freed replica.
func (f *fileFrame) Free() {
	f.mu.Lock()
	if !f.freed {
		zeros := make([]byte, MetadataSize)
		if err := f.store.writeAt(zeros, f.store.metadataOffset(f.index)); err != nil {
			f.store.logger.Warn("Failed to invalidate metadata of freed frame",
				"frame", f.index, "error", err)
		} else if err := f.store.file.Sync(); err != nil {
			f.store.logger.Warn("Failed to sync freed frame", "frame", f.index, "error", err)
		}
	}
	f.freed = true
	f.mu.Unlock()

	f.store.mu.Lock()
	if !f.store.closed {
		f.store.freeMap.Add(uint32(f.index))
	}
	f.store.mu.Unlock()
}
