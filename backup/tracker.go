package backup

import (
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusback/core"
)

// ServerStatus is the tracker's view of one server.
type ServerStatus int

const (
	// ServerUp: the server is a live cluster member.
	ServerUp ServerStatus = iota
	// ServerCrashed: marked crashed but not yet fully recovered from.
	ServerCrashed
)

// ServerTracker consumes cluster membership events. A REMOVE enqueues a
// down-server GC task; ADD and CRASHED are recorded but not acted on
// directly — the found-on-storage GC task consults them when deciding
// whether a replica's master can still answer probes.
type ServerTracker struct {
	logger   *slog.Logger
	onRemove func(core.ServerID)

	mu      sync.Mutex
	servers map[core.ServerID]ServerStatus
}

// NewServerTracker creates a tracker; onRemove fires for every REMOVED
// event.
func NewServerTracker(onRemove func(core.ServerID), logger *slog.Logger) *ServerTracker {
	return &ServerTracker{
		logger:   logger.With("component", "ServerTracker"),
		onRemove: onRemove,
		servers:  make(map[core.ServerID]ServerStatus),
	}
}

// ServerAdded records a new live member.
func (t *ServerTracker) ServerAdded(id core.ServerID) {
	t.mu.Lock()
	t.servers[id] = ServerUp
	t.mu.Unlock()
}

// ServerCrashed marks a member crashed; its replicas are retained until
// the cluster finishes recovering from the failure.
func (t *ServerTracker) ServerCrashed(id core.ServerID) {
	t.mu.Lock()
	t.servers[id] = ServerCrashed
	t.mu.Unlock()
}

// ServerRemoved drops a member and triggers down-server garbage
// collection for it.
func (t *ServerTracker) ServerRemoved(id core.ServerID) {
	t.mu.Lock()
	delete(t.servers, id)
	t.mu.Unlock()
	t.logger.Info("Server removed from cluster; scheduling replica garbage collection",
		"server", id.String())
	if t.onRemove != nil {
		t.onRemove(id)
	}
}

// Status returns the tracked status of a server and whether it is known
// at all. An unknown server has been removed (or never existed): the
// cluster has recovered without it.
func (t *ServerTracker) Status(id core.ServerID) (ServerStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.servers[id]
	return status, ok
}
