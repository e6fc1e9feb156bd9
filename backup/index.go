package backup

import (
	"sort"
	"sync"

	"github.com/INLOpen/nexusback/core"
)

// ReplicaIndex owns every replica on this backup, keyed by
// (master, segment). The index lock guards only the map itself; replica
// mutation goes through each replica's own mutex after the lock is
// released.
type ReplicaIndex struct {
	mu       sync.Mutex
	replicas map[core.ReplicaKey]*Replica
}

// NewReplicaIndex creates an empty index.
func NewReplicaIndex() *ReplicaIndex {
	return &ReplicaIndex{replicas: make(map[core.ReplicaKey]*Replica)}
}

// Insert adds a replica. The caller must ensure the key is absent.
func (idx *ReplicaIndex) Insert(r *Replica) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.replicas[r.Key()] = r
}

// Remove drops the replica with the given key, if present.
func (idx *ReplicaIndex) Remove(key core.ReplicaKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.replicas, key)
}

// Find returns the replica for key, or nil.
func (idx *ReplicaIndex) Find(key core.ReplicaKey) *Replica {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.replicas[key]
}

// ForMaster snapshots all replicas belonging to the given master, sorted
// with primaries first and by segment id within each group, so recovery
// listings are deterministic and masters fetch eagerly-built data first.
func (idx *ReplicaIndex) ForMaster(master core.ServerID) []*Replica {
	idx.mu.Lock()
	var matched []*Replica
	for key, r := range idx.replicas {
		if key.Master == master {
			matched = append(matched, r)
		}
	}
	idx.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Primary() != matched[j].Primary() {
			return matched[i].Primary()
		}
		return matched[i].SegmentID() < matched[j].SegmentID()
	})
	return matched
}

// AnyForMaster returns the master's replica with the lowest segment id,
// or nil. The down-server GC task uses it to free one replica per tick.
func (idx *ReplicaIndex) AnyForMaster(master core.ServerID) *Replica {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var best *Replica
	for key, r := range idx.replicas {
		if key.Master != master {
			continue
		}
		if best == nil || r.SegmentID() < best.SegmentID() {
			best = r
		}
	}
	return best
}

// Len returns the number of replicas in the index.
func (idx *ReplicaIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.replicas)
}
