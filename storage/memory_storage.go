package storage

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// InMemoryStorage keeps frames in RAM. Used for tests and for backups
// configured with in_memory: true; such stores never take a restart
// inventory.
type InMemoryStorage struct {
	segmentSize int
	frameCount  int

	mu      sync.Mutex
	freeMap *roaring.Bitmap
	frames  []*memoryFrame
	closed  bool
}

var _ Storage = (*InMemoryStorage)(nil)

// NewInMemoryStorage creates a RAM-backed frame pool.
func NewInMemoryStorage(segmentSize, frameCount int) *InMemoryStorage {
	s := &InMemoryStorage{
		segmentSize: segmentSize,
		frameCount:  frameCount,
		freeMap:     roaring.New(),
	}
	s.freeMap.AddRange(0, uint64(frameCount))
	s.frames = make([]*memoryFrame, frameCount)
	for i := range s.frames {
		s.frames[i] = &memoryFrame{store: s, index: i}
	}
	return s
}

func (s *InMemoryStorage) Open(sync bool) (Frame, error) {
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
	frame.mu.Lock()
	frame.freed = false
	frame.payload = make([]byte, s.segmentSize)
	frame.mu.Unlock()
	return frame, nil
}

func (s *InMemoryStorage) SegmentSize() int { return s.segmentSize }
func (s *InMemoryStorage) FrameCount() int  { return s.frameCount }

func (s *InMemoryStorage) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.freeMap.GetCardinality())
}

func (s *InMemoryStorage) CanRecoverReplicas() bool { return false }

func (s *InMemoryStorage) RestartScan() ([]RecoveredReplica, error) { return nil, nil }

func (s *InMemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memoryFrame is one RAM-backed slot.
type memoryFrame struct {
	store *InMemoryStorage
	index int

	mu       sync.Mutex
	freed    bool
	payload  []byte
	metadata *ReplicaMetadata
}

var _ Frame = (*memoryFrame)(nil)

func (f *memoryFrame) Index() int { return f.index }

func (f *memoryFrame) Append(src []byte, srcOffset, length, destOffset int, metadata *ReplicaMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed {
		return ErrFrameFreed
	}
	if destOffset+length > f.store.segmentSize {
		return fmt.Errorf("append of %d bytes at offset %d overruns frame payload of %d bytes",
			length, destOffset, f.store.segmentSize)
	}
	copy(f.payload[destOffset:], src[srcOffset:srcOffset+length])
	if metadata != nil {
		f.metadata = metadata
	}
	return nil
}

func (f *memoryFrame) Load() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed {
		return nil, ErrFrameFreed
	}
	return f.payload, nil
}

func (f *memoryFrame) Free() {
	f.mu.Lock()
	f.freed = true
	f.payload = nil
	f.metadata = nil
	f.mu.Unlock()

	f.store.mu.Lock()
	if !f.store.closed {
		f.store.freeMap.Add(uint32(f.index))
	}
	f.store.mu.Unlock()
}
