package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusback/core"
	"github.com/INLOpen/nexusback/storage"
)

// ReplicaState tracks the lifecycle of a replica; it determines which
// operations are legal.
type ReplicaState int

const (
	// StateUninit: storage not yet reserved; open and free are the only
	// valid operations.
	StateUninit ReplicaState = iota
	// StateOpen: storage is reserved and the segment is mutable.
	StateOpen
	// StateClosed: immutable and flushed to stable store.
	StateClosed
	// StateRecovering: recovery segments are being or have been built.
	StateRecovering
	// StateFreed: storage released; the replica is dead.
	StateFreed
)

func (s ReplicaState) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateRecovering:
		return "recovering"
	case StateFreed:
		return "freed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// closedSentinel is stored as rightmostWrittenOffset once a replica has
// been closed, telling startReadingData that no length needs reporting.
const closedSentinel = ^uint32(0)

// RecoverySegment is one partition's filtered sub-segment of a replica.
type RecoverySegment struct {
	Data        []byte
	Certificate core.Certificate
}

// Replica tracks a single segment replica: its lifecycle state, its
// storage frame, and the recovery sub-segments derived from it. All
// mutable fields are protected by the replica's mutex; the index lock is
// never held while a replica operation blocks on storage.
type Replica struct {
	masterID    core.ServerID
	segmentID   core.SegmentID
	segmentSize uint32
	// primary replicas build recovery segments at recovery start;
	// secondaries build on first demand.
	primary bool
	// createdByCurrentProcess is false for replicas revived from storage
	// at restart; such replicas are read-only until recovered or freed.
	createdByCurrentProcess bool
	logger                  *slog.Logger

	mu                     sync.Mutex
	state                  ReplicaState
	rightmostWrittenOffset uint32
	frame                  storage.Frame
	certificate            core.Certificate
	recoveryPartitions     core.Partitions
	recoverySegments       []RecoverySegment
	recoveryErr            error
}

// NewReplica creates an uninitialized replica for a master's segment.
func NewReplica(master core.ServerID, segment core.SegmentID, segmentSize uint32,
	primary bool, logger *slog.Logger) *Replica {
	return &Replica{
		masterID:                master,
		segmentID:               segment,
		segmentSize:             segmentSize,
		primary:                 primary,
		createdByCurrentProcess: true,
		logger:                  logger.With("replica", core.ReplicaKey{Master: master, Segment: segment}.String()),
	}
}

// NewRecoveredReplica revives a replica found on storage during restart
// inventory. It is bound to its frame immediately and can never be
// written again: the write offset sentinel is set even for replicas that
// were open when the old process died, so length reporting and digest
// scanning treat them as closed.
func NewRecoveredReplica(master core.ServerID, segment core.SegmentID, segmentSize uint32,
	frame storage.Frame, closed bool, certificate core.Certificate, logger *slog.Logger) *Replica {
	r := &Replica{
		masterID:                master,
		segmentID:               segment,
		segmentSize:             segmentSize,
		primary:                 false,
		createdByCurrentProcess: false,
		logger:                  logger.With("replica", core.ReplicaKey{Master: master, Segment: segment}.String()),
		frame:                   frame,
		certificate:             certificate,
		rightmostWrittenOffset:  closedSentinel,
	}
	if closed {
		r.state = StateClosed
	} else {
		r.state = StateOpen
	}
	return r
}

// MasterID returns the id of the master this replica's segment came from.
func (r *Replica) MasterID() core.ServerID { return r.masterID }

// SegmentID returns the id the master gave this segment.
func (r *Replica) SegmentID() core.SegmentID { return r.segmentID }

// Primary reports whether this is the primary copy of the segment.
func (r *Replica) Primary() bool { return r.primary }

// CreatedByCurrentProcess reports whether this replica was created by the
// running process, as opposed to revived from storage at restart.
func (r *Replica) CreatedByCurrentProcess() bool { return r.createdByCurrentProcess }

// Key returns the replica's index key.
func (r *Replica) Key() core.ReplicaKey {
	return core.ReplicaKey{Master: r.masterID, Segment: r.segmentID}
}

// State returns the replica's current lifecycle state.
func (r *Replica) State() ReplicaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsOpen reports whether the replica still counts as open for length
// reporting and digest scanning. This is not the same as State() ==
// StateOpen: a replica that moved to RECOVERING without ever being closed
// is still open in this sense.
func (r *Replica) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rightmostWrittenOffset != closedSentinel
}

// ReportedLength is the length startReadingData reports for this replica:
// the rightmost written offset while open, zero once closed.
func (r *Replica) ReportedLength() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rightmostWrittenOffset == closedSentinel {
		return 0
	}
	return r.rightmostWrittenOffset
}

// Open reserves a storage frame and makes the replica writable. Only
// legal on an uninitialized replica; the service handles idempotent
// reopens above this level.
func (r *Replica) Open(store storage.Storage, sync bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateUninit {
		return &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: fmt.Sprintf("cannot open replica in state %s", r.state)}
	}
	frame, err := store.Open(sync)
	if err != nil {
		if errors.Is(err, storage.ErrOutOfStorage) {
			return &core.OpenRejectedError{Reason: err.Error()}
		}
		return fmt.Errorf("failed to reserve frame: %w", err)
	}
	r.frame = frame
	r.state = StateOpen
	r.rightmostWrittenOffset = 0
	return nil
}

// Append writes length bytes of data starting at srcOffset into the
// replica at destOffset and persists the supplied certificate in the
// frame metadata. Legal only while OPEN. Replays of the same bytes at the
// same offset are harmless.
func (r *Replica) Append(data []byte, srcOffset, length, destOffset int, certificate *core.Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateOpen:
	default:
		return &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: fmt.Sprintf("cannot write replica in state %s", r.state)}
	}
	if !r.createdByCurrentProcess {
		return &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: "replica was revived from storage and is read-only"}
	}
	if uint32(length) > r.segmentSize || uint32(destOffset)+uint32(length) > r.segmentSize {
		return &core.SegmentOverflowError{
			Offset:      uint32(destOffset),
			Length:      uint32(length),
			SegmentSize: r.segmentSize,
		}
	}
	if certificate != nil {
		r.certificate = *certificate
	}
	metadata := storage.NewReplicaMetadata(r.certificate, uint64(r.masterID), r.segmentID,
		r.segmentSize, false)
	if err := r.frame.Append(data, srcOffset, length, destOffset, metadata); err != nil {
		return fmt.Errorf("append to replica %s failed: %w", r.Key(), err)
	}
	if end := uint32(destOffset) + uint32(length); end > r.rightmostWrittenOffset {
		r.rightmostWrittenOffset = end
	}
	return nil
}

// Close flushes the replica to stable storage and makes it immutable.
// Closing an already-closed replica is a no-op, which makes the CLOSE
// flag on a redundant empty write idempotent.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateClosed:
		return nil
	case StateOpen:
	default:
		return &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: fmt.Sprintf("cannot close replica in state %s", r.state)}
	}
	metadata := storage.NewReplicaMetadata(r.certificate, uint64(r.masterID), r.segmentID,
		r.segmentSize, true)
	if err := r.frame.Append(nil, 0, 0, 0, metadata); err != nil {
		return fmt.Errorf("close of replica %s failed: %w", r.Key(), err)
	}
	r.state = StateClosed
	r.rightmostWrittenOffset = closedSentinel
	return nil
}

// Free releases the replica's frame. Legal in every state; freeing an
// open replica discards its buffered content.
func (r *Replica) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateFreed {
		return
	}
	if r.frame != nil {
		r.frame.Free()
		r.frame = nil
	}
	r.state = StateFreed
	r.recoverySegments = nil
	r.recoveryErr = nil
	r.recoveryPartitions = nil
}

// SetRecovering transitions the replica into RECOVERING and stashes the
// partitioning for a deferred build. The stash is kept from the first
// call; repeated calls are no-ops so startReadingData stays idempotent.
// Returns whether the replica still counted as open.
func (r *Replica) SetRecovering(partitions core.Partitions) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasOpen := r.rightmostWrittenOffset != closedSentinel
	switch r.state {
	case StateOpen, StateClosed:
		r.state = StateRecovering
	case StateRecovering:
	default:
		return wasOpen
	}
	if r.recoveryPartitions == nil && partitions != nil {
		r.recoveryPartitions = partitions
	}
	return wasOpen
}

// StartLoading warms the frame so the builder does not stall on the first
// read. The result is discarded; a freed frame just ends the read early.
func (r *Replica) StartLoading() {
	r.mu.Lock()
	frame := r.frame
	r.mu.Unlock()
	if frame == nil {
		return
	}
	go func() {
		_, _ = frame.Load()
	}()
}

// GetLogDigest returns the latest LogDigest entry stored in a replica
// that is still open, or nil if the replica is closed or holds none. The
// payload of an open replica has no covering certificate yet, so the scan
// is best-effort and stops at the first framing break.
func (r *Replica) GetLogDigest() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rightmostWrittenOffset == closedSentinel || r.frame == nil {
		return nil, nil
	}
	payload, err := r.frame.Load()
	if err != nil {
		if errors.Is(err, storage.ErrFrameFreed) {
			return nil, nil
		}
		return nil, err
	}
	var digest []byte
	for it := core.NewUnverifiedIterator(payload); !it.Done(); {
		if it.Type() == core.EntryTypeLogDigest {
			digest = append([]byte(nil), it.Payload()...)
		}
		if err := it.Next(); err != nil {
			break
		}
	}
	return digest, nil
}

// BuildRecoverySegments partitions the replica's payload into one
// filtered sub-segment per recovery partition. Idempotent: once a result
// (or failure) is published, later calls return it unchanged. The mutex
// is held only to snapshot inputs and to publish; the parse and filter
// run unlocked.
func (r *Replica) BuildRecoverySegments(partitions core.Partitions) error {
	r.mu.Lock()
	if r.recoverySegments != nil || r.recoveryErr != nil {
		err := r.recoveryErr
		r.mu.Unlock()
		return err
	}
	if r.state != StateRecovering {
		// Freed (or never flipped) while the build was queued; whatever
		// we produced would be dropped with the replica anyway.
		r.mu.Unlock()
		return nil
	}
	frame := r.frame
	certificate := r.certificate
	r.mu.Unlock()

	if frame == nil {
		return &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: "replica has no storage frame"}
	}
	payload, err := frame.Load()
	if err != nil {
		if errors.Is(err, storage.ErrFrameFreed) {
			// Freed while building; the results would be dropped anyway.
			return nil
		}
		return r.publishBuildFailure(err)
	}
	segments, err := buildRecoverySegments(payload, certificate, r.segmentID, partitions, r.logger)
	if err != nil {
		return r.publishBuildFailure(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecovering {
		// Freed while building; drop the results.
		return nil
	}
	if r.recoverySegments == nil && r.recoveryErr == nil {
		r.recoverySegments = segments
	}
	return r.recoveryErr
}

func (r *Replica) publishBuildFailure(cause error) error {
	failure := &core.SegmentRecoveryFailedError{Master: r.masterID, Segment: r.segmentID, Cause: cause}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecovering && r.recoverySegments == nil && r.recoveryErr == nil {
		r.recoveryErr = failure
	}
	return failure
}

// AppendRecoverySegment returns the bytes and certificate of the built
// sub-segment for one partition. A secondary whose build was deferred is
// built on this first demand. Fails with BadSegmentID if the replica is
// not recovering or the partition does not exist, and with
// SegmentRecoveryFailed if the build found malformed framing.
func (r *Replica) AppendRecoverySegment(partitionID uint64) ([]byte, core.Certificate, error) {
	r.mu.Lock()
	if r.state != StateRecovering {
		defer r.mu.Unlock()
		return nil, core.Certificate{}, &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: fmt.Sprintf("replica in state %s has no recovery data", r.state)}
	}
	built := r.recoverySegments != nil || r.recoveryErr != nil
	partitions := r.recoveryPartitions
	r.mu.Unlock()

	if !built {
		if partitions == nil {
			return nil, core.Certificate{}, &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
				Reason: "recovery segments have not been built yet"}
		}
		r.BuildRecoverySegments(partitions)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recoveryErr != nil {
		return nil, core.Certificate{}, r.recoveryErr
	}
	if r.recoverySegments == nil {
		return nil, core.Certificate{}, &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: "recovery segments have not been built yet"}
	}
	if partitionID >= uint64(len(r.recoverySegments)) {
		return nil, core.Certificate{}, &core.BadSegmentIDError{Master: r.masterID, Segment: r.segmentID,
			Reason: fmt.Sprintf("no recovery segment for partition %d", partitionID)}
	}
	segment := r.recoverySegments[partitionID]
	data := append([]byte(nil), segment.Data...)
	return data, segment.Certificate, nil
}
