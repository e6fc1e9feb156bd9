package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/INLOpen/nexusback/config"
	"github.com/INLOpen/nexusback/core"
	"github.com/INLOpen/nexusback/hooks"
	"github.com/INLOpen/nexusback/storage"
)

// WriteFlags modify a writeSegment request.
type WriteFlags byte

const (
	// FlagNone is a plain data write.
	FlagNone WriteFlags = 0
	// FlagOpen creates the replica if absent.
	FlagOpen WriteFlags = 1 << 0
	// FlagClose closes the replica after applying the write.
	FlagClose WriteFlags = 1 << 1
	// FlagPrimary marks a newly opened replica as the segment's primary
	// copy. Only meaningful together with FlagOpen.
	FlagPrimary WriteFlags = 1 << 2
)

// SegmentInfo is one entry of a startReadingData listing.
type SegmentInfo struct {
	ID core.SegmentID
	// Length is the rightmost written offset for still-open replicas and
	// zero otherwise.
	Length uint32
}

// StartReadingDataResult is the answer to a startReadingData request.
type StartReadingDataResult struct {
	Segments []SegmentInfo
	// LogDigest of the open replica with the largest segment id holding
	// one, or nil.
	LogDigest           []byte
	LogDigestSegmentID  core.SegmentID
	LogDigestSegmentLen uint32
}

// Options configures a Service.
type Options struct {
	Config  config.BackupConfig
	Storage storage.Storage
	Prober  MasterProber
	Hooks   hooks.HookManager
	Logger  *slog.Logger
}

// Service is the backup engine facade: it maps the RPC verbs onto the
// replica index, the storage frames, the recovery builder, and the GC
// task queue.
type Service struct {
	logger      *slog.Logger
	cfg         config.BackupConfig
	segmentSize int
	gcEnabled   bool

	store storage.Storage
	index *ReplicaIndex
	hooks hooks.HookManager

	gcQueue *TaskQueue
	tracker *ServerTracker
	prober  MasterProber

	buildSem *semaphore.Weighted
	// recoveryThreadCount gauges how many recovery builders are running.
	recoveryThreadCount atomic.Int32

	mu               sync.Mutex
	replicationID    uint64
	replicationGroup []core.ServerID
	formerServerID   core.ServerID
}

// NewService creates the backup engine over the given storage.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hookManager := opts.Hooks
	if hookManager == nil {
		hookManager = hooks.NewHookManager(logger)
	}
	builders := opts.Config.MaxRecoveryBuilders
	if builders < 1 {
		builders = 1
	}
	s := &Service{
		logger:         logger.With("component", "BackupService"),
		cfg:            opts.Config,
		segmentSize:    opts.Config.SegmentSizeBytes,
		gcEnabled:      opts.Config.GC,
		store:          opts.Storage,
		index:          NewReplicaIndex(),
		hooks:          hookManager,
		prober:         opts.Prober,
		buildSem:       semaphore.NewWeighted(int64(builders)),
		formerServerID: core.InvalidServerID,
	}
	s.gcQueue = NewTaskQueue(s.logger)
	s.tracker = NewServerTracker(func(id core.ServerID) {
		s.gcQueue.Schedule(NewGarbageCollectDownServerTask(s, id))
	}, s.logger)
	return s
}

// Index exposes the replica index for inspection.
func (s *Service) Index() *ReplicaIndex { return s.index }

// GCQueue exposes the garbage-collection task queue; the process runs it
// on a dedicated goroutine.
func (s *Service) GCQueue() *TaskQueue { return s.gcQueue }

// Tracker is the membership event sink feeding garbage collection.
func (s *Service) Tracker() *ServerTracker { return s.tracker }

// FormerServerID is the identity of the crashed backup whose replicas
// were found on storage at restart, if any. Enlistment replaces it.
func (s *Service) FormerServerID() core.ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formerServerID
}

// RecoveryBuilderCount reports how many recovery builders are running.
func (s *Service) RecoveryBuilderCount() int {
	return int(s.recoveryThreadCount.Load())
}

// currentGroup snapshots the replication group under the service lock.
func (s *Service) currentGroup() []core.ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := make([]core.ServerID, len(s.replicationGroup))
	copy(group, s.replicationGroup)
	return group
}

// freeReplica destroys a replica and removes it from the index.
func (s *Service) freeReplica(r *Replica) {
	r.Free()
	s.index.Remove(r.Key())
	s.hooks.Trigger(context.Background(), hooks.NewPostReplicaFreeEvent(hooks.ReplicaPayload{
		Master:  r.MasterID(),
		Segment: r.SegmentID(),
		Primary: r.Primary(),
	}))
}

// WriteSegment applies one writeSegment RPC: it opens the replica when
// asked to, applies the data write, and closes the replica when asked
// to. The current replication group is returned so masters opening a
// replica learn where its backups cluster.
func (s *Service) WriteSegment(ctx context.Context, master core.ServerID, segment core.SegmentID,
	offset uint32, data []byte, certificate *core.Certificate, flags WriteFlags) ([]core.ServerID, error) {
	key := core.ReplicaKey{Master: master, Segment: segment}
	replica := s.index.Find(key)
	if replica == nil {
		if flags&FlagOpen == 0 {
			return nil, &core.BadSegmentIDError{Master: master, Segment: segment,
				Reason: "segment is not open on this backup"}
		}
		replica = NewReplica(master, segment, uint32(s.segmentSize), flags&FlagPrimary != 0, s.logger)
		if err := replica.Open(s.store, true); err != nil {
			return nil, err
		}
		s.index.Insert(replica)
		s.logger.Debug("Opened replica", "replica", key.String(), "primary", replica.Primary())
		s.hooks.Trigger(ctx, hooks.NewPostReplicaOpenEvent(hooks.ReplicaPayload{
			Master: master, Segment: segment, Primary: replica.Primary(),
		}))
	} else if !replica.CreatedByCurrentProcess() {
		if flags&FlagOpen != 0 {
			return nil, &core.OpenRejectedError{
				Reason: fmt.Sprintf("replica %s was revived from storage and cannot be reopened", key),
			}
		}
		return nil, &core.BadSegmentIDError{Master: master, Segment: segment,
			Reason: "replica was revived from storage and is read-only"}
	}

	// Every write goes through the replica's state check. The only write
	// a closed replica forgives is the CLOSE flag with no data (a
	// redundant close replayed by the master), so only that combination
	// skips Append.
	if len(data) > 0 || flags&FlagClose == 0 {
		if err := replica.Append(data, 0, len(data), int(offset), certificate); err != nil {
			return nil, err
		}
	}

	if flags&FlagClose != 0 {
		if err := replica.Close(); err != nil {
			return nil, err
		}
		s.hooks.Trigger(ctx, hooks.NewPostReplicaCloseEvent(hooks.ReplicaPayload{
			Master: master, Segment: segment, Primary: replica.Primary(),
		}))
	}
	return s.currentGroup(), nil
}

// FreeSegment destroys a replica. Idempotent: freeing an absent replica
// succeeds.
func (s *Service) FreeSegment(ctx context.Context, master core.ServerID, segment core.SegmentID) error {
	key := core.ReplicaKey{Master: master, Segment: segment}
	replica := s.index.Find(key)
	if replica == nil {
		return nil
	}
	s.logger.Info("Freeing replica", "replica", key.String())
	s.freeReplica(replica)
	return nil
}

// StartReadingData begins a recovery of the given master: every replica
// of it flips to RECOVERING, primaries that were closed get their
// recovery segments built eagerly on a worker, and the rest stash the
// partitioning for on-demand builds. The listing of (segment, length)
// pairs plus the best log digest found among still-open replicas is
// returned. Idempotent.
func (s *Service) StartReadingData(ctx context.Context, master core.ServerID,
	partitions core.Partitions) (*StartReadingDataResult, error) {
	replicas := s.index.ForMaster(master)
	result := &StartReadingDataResult{}

	var toBuild []*Replica
	for _, replica := range replicas {
		length := replica.ReportedLength()
		if replica.Primary() && replica.State() == StateClosed {
			replica.SetRecovering(partitions)
			replica.StartLoading()
			toBuild = append(toBuild, replica)
		} else {
			replica.SetRecovering(partitions)
		}
		result.Segments = append(result.Segments, SegmentInfo{ID: replica.SegmentID(), Length: length})

		digest, err := replica.GetLogDigest()
		if err != nil {
			s.logger.Warn("Failed to scan replica for log digest",
				"replica", replica.Key().String(), "error", err)
			continue
		}
		if digest != nil && (result.LogDigest == nil || replica.SegmentID() > result.LogDigestSegmentID) {
			result.LogDigest = digest
			result.LogDigestSegmentID = replica.SegmentID()
			result.LogDigestSegmentLen = length
		}
	}

	if len(toBuild) > 0 {
		builder := NewRecoverySegmentBuilder(toBuild, partitions, &s.recoveryThreadCount, s.logger)
		go func() {
			if err := s.buildSem.Acquire(context.Background(), 1); err != nil {
				return
			}
			defer s.buildSem.Release(1)
			builder.Run()
		}()
	}

	s.logger.Info("Recovery started for master", "master", master.String(),
		"replicas", len(result.Segments), "eager_builds", len(toBuild))
	s.hooks.Trigger(ctx, hooks.NewPostRecoveryStartEvent(hooks.RecoveryStartPayload{
		Master: master, Replicas: len(result.Segments),
	}))
	return result, nil
}

// GetRecoveryData returns one partition's filtered sub-segment of a
// recovering replica. A secondary with a deferred build is built now.
func (s *Service) GetRecoveryData(ctx context.Context, master core.ServerID, segment core.SegmentID,
	partitionID uint64) ([]byte, core.Certificate, error) {
	key := core.ReplicaKey{Master: master, Segment: segment}
	replica := s.index.Find(key)
	if replica == nil {
		return nil, core.Certificate{}, &core.BadSegmentIDError{Master: master, Segment: segment,
			Reason: "segment is not on this backup"}
	}
	return replica.AppendRecoverySegment(partitionID)
}

// AssignGroup replaces the replication group reported from replica opens.
func (s *Service) AssignGroup(ctx context.Context, groupID uint64, ids []core.ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicationID = groupID
	s.replicationGroup = append([]core.ServerID(nil), ids...)
	s.logger.Info("Assigned replication group", "group_id", groupID, "members", len(ids))
	return nil
}

// ReplicationID returns the current replication group id.
func (s *Service) ReplicationID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicationID
}

// RestartFromStorage takes inventory of replicas left on storage by a
// previous process. Frames whose metadata verified but whose capacity
// does not match the configured segment size are freed. Each distinct
// master observed gets a found-on-storage GC task so replicas that are
// no longer needed eventually get reclaimed.
func (s *Service) RestartFromStorage() error {
	recovered, err := s.store.RestartScan()
	if err != nil {
		return fmt.Errorf("restart scan failed: %w", err)
	}

	perMaster := make(map[core.ServerID][]core.SegmentID)
	var former core.ServerID = core.InvalidServerID
	count := 0
	for _, rec := range recovered {
		metadata := rec.Metadata
		if int(metadata.SegmentCapacity) != s.segmentSize {
			s.logger.Warn("Found stored replica with mismatched segment capacity; freeing frame",
				"frame", rec.Frame.Index(), "capacity", metadata.SegmentCapacity,
				"segment_size", s.segmentSize)
			rec.Frame.Free()
			continue
		}
		master := core.ServerID(metadata.LogID)
		replica := NewRecoveredReplica(master, metadata.SegmentID, uint32(s.segmentSize),
			rec.Frame, metadata.Closed, metadata.Certificate, s.logger)
		s.index.Insert(replica)
		count++
		stateWord := "open"
		if metadata.Closed {
			stateWord = "closed"
		}
		s.logger.Info("Found stored replica on backup storage",
			"replica", replica.Key().String(), "frame_state", stateWord)
		if metadata.Closed && (former == core.InvalidServerID || metadata.LogID > uint64(former)) {
			former = master
		}
		perMaster[master] = append(perMaster[master], metadata.SegmentID)
	}

	if former != core.InvalidServerID {
		s.logger.Info("Will enlist as a replacement for formerly crashed server "+
			"which left replicas behind on disk", "former_server", former.String())
	}
	s.mu.Lock()
	s.formerServerID = former
	s.mu.Unlock()

	masters := make([]core.ServerID, 0, len(perMaster))
	for master := range perMaster {
		masters = append(masters, master)
	}
	sort.Slice(masters, func(i, j int) bool { return masters[i] < masters[j] })
	for _, master := range masters {
		segments := perMaster[master]
		sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
		s.gcQueue.Schedule(NewGarbageCollectReplicasFoundOnStorageTask(s, master, segments))
	}

	s.hooks.Trigger(context.Background(), hooks.NewPostRestartScanEvent(hooks.RestartScanPayload{
		Replicas: count,
	}))
	return nil
}

// Shutdown stops background work. Replicas stay on storage for the next
// incarnation to inventory.
func (s *Service) Shutdown() {
	s.gcQueue.Halt()
	s.hooks.Stop()
}
