package backup

import (
	"github.com/INLOpen/nexusback/core"
)

// ProbeResult is the answer to an IsReplicaNeeded probe.
type ProbeResult struct {
	Needed bool
	Err    error
}

// MasterProber asks a master whether it still needs a replica of one of
// its segments. Implementations deliver the answer on the returned
// channel; the GC task keeps at most one probe outstanding and consumes
// the answer on a later tick.
type MasterProber interface {
	ProbeReplicaNeeded(master core.ServerID, segment core.SegmentID) <-chan ProbeResult
}

// GarbageCollectDownServerTask frees all replicas belonging to a server
// that has been removed from the cluster. It frees at most one replica
// per tick so long collections yield the queue, and completes once no
// replica matches.
type GarbageCollectDownServerTask struct {
	service  *Service
	masterID core.ServerID
}

// NewGarbageCollectDownServerTask creates a task for the given master.
func NewGarbageCollectDownServerTask(service *Service, masterID core.ServerID) *GarbageCollectDownServerTask {
	return &GarbageCollectDownServerTask{service: service, masterID: masterID}
}

// PerformTask frees one matching replica and reschedules, or completes.
// With GC disabled the task self-terminates untouched.
func (t *GarbageCollectDownServerTask) PerformTask() {
	s := t.service
	if !s.gcEnabled {
		return
	}
	replica := s.index.AnyForMaster(t.masterID)
	if replica == nil {
		return
	}
	s.logger.Info("Freeing replica of removed server", "replica", replica.Key().String())
	s.freeReplica(replica)
	s.gcQueue.Schedule(t)
}

// GarbageCollectReplicasFoundOnStorageTask probes the master of each
// replica revived from storage at restart and frees the ones whose
// master has already repopulated its replication elsewhere. At most one
// probe RPC is outstanding at a time; each tick either sends the next
// probe or consumes the previous answer.
type GarbageCollectReplicasFoundOnStorageTask struct {
	service    *Service
	masterID   core.ServerID
	segmentIDs []core.SegmentID

	pending        <-chan ProbeResult
	pendingSegment core.SegmentID
}

// NewGarbageCollectReplicasFoundOnStorageTask creates a task probing the
// given segments of one master.
func NewGarbageCollectReplicasFoundOnStorageTask(service *Service, masterID core.ServerID,
	segmentIDs []core.SegmentID) *GarbageCollectReplicasFoundOnStorageTask {
	return &GarbageCollectReplicasFoundOnStorageTask{
		service:    service,
		masterID:   masterID,
		segmentIDs: segmentIDs,
	}
}

// AddSegmentID appends another segment to probe. Only used before the
// task is first scheduled.
func (t *GarbageCollectReplicasFoundOnStorageTask) AddSegmentID(id core.SegmentID) {
	t.segmentIDs = append(t.segmentIDs, id)
}

// PerformTask advances the probe protocol by one bounded step.
func (t *GarbageCollectReplicasFoundOnStorageTask) PerformTask() {
	s := t.service
	if !s.gcEnabled {
		return
	}
	for len(t.segmentIDs) > 0 {
		front := t.segmentIDs[0]
		key := core.ReplicaKey{Master: t.masterID, Segment: front}
		replica := s.index.Find(key)
		if replica == nil {
			// Already freed through some other path.
			t.segmentIDs = t.segmentIDs[1:]
			continue
		}

		status, known := s.tracker.Status(t.masterID)
		if !known {
			s.logger.Info("Server marked down; cluster has recovered from its failure",
				"server", t.masterID.String())
			s.logger.Info("Server has recovered from lost replica; freeing replica",
				"replica", key.String())
			s.freeReplica(replica)
			t.segmentIDs = t.segmentIDs[1:]
			continue
		}
		if status == ServerCrashed {
			s.logger.Info("Server marked crashed; waiting for cluster to recover from "+
				"its failure before freeing replica", "replica", key.String())
			s.gcQueue.Schedule(t)
			return
		}

		if t.pending == nil || t.pendingSegment != front {
			if s.prober == nil {
				s.logger.Error("No master prober configured; abandoning storage GC",
					"server", t.masterID.String())
				return
			}
			t.pending = s.prober.ProbeReplicaNeeded(t.masterID, front)
			t.pendingSegment = front
			s.gcQueue.Schedule(t)
			return
		}

		select {
		case result := <-t.pending:
			t.pending = nil
			if result.Err != nil {
				s.logger.Warn("Replica probe failed; will retry",
					"replica", key.String(), "error", result.Err)
				s.gcQueue.Schedule(t)
				return
			}
			if result.Needed {
				s.logger.Info("Server has not recovered from lost replica; retaining "+
					"replica; will probe replica status again later", "replica", key.String())
				t.segmentIDs = append(t.segmentIDs[1:], front)
				s.gcQueue.Schedule(t)
				return
			}
			s.logger.Info("Server has recovered from lost replica; freeing replica",
				"replica", key.String())
			s.freeReplica(replica)
			t.segmentIDs = t.segmentIDs[1:]
			if len(t.segmentIDs) > 0 {
				s.gcQueue.Schedule(t)
			}
			return
		default:
			// Probe still in flight.
			s.gcQueue.Schedule(t)
			return
		}
	}
}
