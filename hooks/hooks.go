package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusback/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Replica lifecycle events.
	EventPostReplicaOpen  EventType = "PostReplicaOpen"
	EventPostReplicaClose EventType = "PostReplicaClose"
	EventPostReplicaFree  EventType = "PostReplicaFree"

	// Recovery events.
	EventPostRecoveryStart EventType = "PostRecoveryStart"
	EventPostRecoveryBuild EventType = "PostRecoveryBuild"

	// Restart events.
	EventPostRestartScan EventType = "PostRestartScan"
)

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// ReplicaPayload accompanies replica lifecycle events.
type ReplicaPayload struct {
	Master  core.ServerID
	Segment core.SegmentID
	Primary bool
}

// NewPostReplicaOpenEvent fires after a replica has been opened.
func NewPostReplicaOpenEvent(payload ReplicaPayload) HookEvent {
	return &BaseEvent{eventType: EventPostReplicaOpen, payload: payload}
}

// NewPostReplicaCloseEvent fires after a replica reached stable storage.
func NewPostReplicaCloseEvent(payload ReplicaPayload) HookEvent {
	return &BaseEvent{eventType: EventPostReplicaClose, payload: payload}
}

// NewPostReplicaFreeEvent fires after a replica's frame was released.
func NewPostReplicaFreeEvent(payload ReplicaPayload) HookEvent {
	return &BaseEvent{eventType: EventPostReplicaFree, payload: payload}
}

// RecoveryStartPayload accompanies EventPostRecoveryStart.
type RecoveryStartPayload struct {
	Master   core.ServerID
	Replicas int
}

// NewPostRecoveryStartEvent fires when startReadingData flips a master's
// replicas into recovery.
func NewPostRecoveryStartEvent(payload RecoveryStartPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecoveryStart, payload: payload}
}

// RestartScanPayload accompanies EventPostRestartScan.
type RestartScanPayload struct {
	Replicas int
}

// NewPostRestartScanEvent fires after restart inventory completes.
func NewPostRestartScanEvent(payload RestartScanPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRestartScan, payload: payload}
}

// HookListener receives events it registered for. Async listeners run on
// their own goroutine and cannot delay the triggering operation.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent)
	IsAsync() bool
}

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event HookEvent)
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// DefaultHookManager is the standard HookManager implementation.
type DefaultHookManager struct {
	mu        sync.RWMutex
	listeners map[EventType][]HookListener
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates an empty manager.
func NewHookManager(logger *slog.Logger) *DefaultHookManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]HookListener),
		logger:    logger.With("component", "HookManager"),
	}
}

func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[eventType] = append(m.listeners[eventType], listener)
}

func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()
	for _, listener := range listeners {
		if listener.IsAsync() {
			m.wg.Add(1)
			go func(l HookListener) {
				defer m.wg.Done()
				l.OnEvent(ctx, event)
			}(listener)
			continue
		}
		listener.OnEvent(ctx, event)
	}
}

func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
