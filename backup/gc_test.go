package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusback/core"
)

type recordingTask struct {
	performed int
}

func (t *recordingTask) PerformTask() { t.performed++ }

func TestTaskQueue_FIFO(t *testing.T) {
	q := NewTaskQueue(testLogger())
	first := &recordingTask{}
	second := &recordingTask{}
	q.Schedule(first)
	q.Schedule(second)
	assert.Equal(t, 2, q.OutstandingTasks())

	require.True(t, q.PerformTask())
	assert.Equal(t, 1, first.performed)
	assert.Equal(t, 0, second.performed)

	require.True(t, q.PerformTask())
	assert.Equal(t, 1, second.performed)
	assert.False(t, q.PerformTask())
}

func TestTaskQueue_HaltDropsTasks(t *testing.T) {
	q := NewTaskQueue(testLogger())
	q.Schedule(&recordingTask{})
	q.Halt()
	assert.Equal(t, 0, q.OutstandingTasks())
	q.Schedule(&recordingTask{})
	assert.Equal(t, 0, q.OutstandingTasks())
}

func TestGarbageCollectDownServerTask_FreesOneReplicaPerTick(t *testing.T) {
	s := newTestService(t, 5, true, nil)
	master := core.NewServerID(99, 0)
	other := core.NewServerID(99, 1)

	openSegment(t, s, master, 88, true)
	openSegment(t, s, master, 89, true)
	openSegment(t, s, other, 88, true)

	s.GCQueue().Schedule(NewGarbageCollectDownServerTask(s, master))

	s.GCQueue().PerformTask()
	assert.Nil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 88}))
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 89}))
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: other, Segment: 88}))

	s.GCQueue().PerformTask()
	assert.Nil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 89}))
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: other, Segment: 88}))

	// The task completed: a further tick has nothing left to do.
	s.GCQueue().PerformTask()
	assert.Equal(t, 0, s.GCQueue().OutstandingTasks())
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: other, Segment: 88}))
}

func TestGarbageCollectDownServerTask_DisabledGCSelfTerminates(t *testing.T) {
	s := newTestService(t, 5, false, nil)
	master := core.NewServerID(99, 0)
	openSegment(t, s, master, 88, true)

	s.GCQueue().Schedule(NewGarbageCollectDownServerTask(s, master))
	s.GCQueue().PerformTask()
	assert.Equal(t, 0, s.GCQueue().OutstandingTasks())
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 88}))
}

func TestGarbageCollectReplicasFoundOnStorageTask_ProbeProtocol(t *testing.T) {
	prober := &fakeProber{needed: func(segment core.SegmentID) bool {
		return uint64(segment)%2 == 1
	}}
	s := newTestService(t, 5, true, prober)
	master := core.NewServerID(13, 0)
	s.Tracker().ServerAdded(master)

	for _, segment := range []core.SegmentID{10, 11, 12} {
		openSegment(t, s, master, segment, true)
		closeSegment(t, s, master, segment)
	}

	task := NewGarbageCollectReplicasFoundOnStorageTask(s, master, nil)
	task.AddSegmentID(10)
	task.AddSegmentID(11)
	task.AddSegmentID(12)
	s.GCQueue().Schedule(task)

	s.GCQueue().PerformTask() // send probe for 10
	assert.Equal(t, 1, prober.probeCount())
	s.GCQueue().PerformTask() // 10 not needed: freed
	assert.Nil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 10}))
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 11}))
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 12}))

	s.GCQueue().PerformTask() // send probe for 11
	s.GCQueue().PerformTask() // 11 needed: retained, moved to the back
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 11}))

	s.GCQueue().PerformTask() // send probe for 12
	s.GCQueue().PerformTask() // 12 not needed: freed
	assert.Nil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 12}))
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 11}))
	assert.Equal(t, 1, s.GCQueue().OutstandingTasks())

	// While the master is crashed the replica is retained without probes.
	s.Tracker().ServerCrashed(master)
	probesBefore := prober.probeCount()
	s.GCQueue().PerformTask()
	assert.Equal(t, probesBefore, prober.probeCount())
	assert.NotNil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 11}))
	assert.Equal(t, 1, s.GCQueue().OutstandingTasks())

	// Once the server is removed entirely the cluster has recovered
	// without this replica, so it is freed. The removal also enqueues a
	// down-server task; drain everything.
	s.Tracker().ServerRemoved(master)
	for i := 0; i < 10 && s.GCQueue().OutstandingTasks() > 0; i++ {
		s.GCQueue().PerformTask()
	}
	assert.Nil(t, s.Index().Find(core.ReplicaKey{Master: master, Segment: 11}))
	assert.Equal(t, 0, s.GCQueue().OutstandingTasks())
}

func TestGarbageCollectReplicasFoundOnStorageTask_ReplicaFreedFirst(t *testing.T) {
	prober := &fakeProber{needed: func(core.SegmentID) bool { return true }}
	s := newTestService(t, 5, true, prober)
	master := core.NewServerID(99, 0)
	s.Tracker().ServerAdded(master)

	task := NewGarbageCollectReplicasFoundOnStorageTask(s, master, []core.SegmentID{88})
	s.GCQueue().Schedule(task)

	// The replica never existed; the task completes without probing.
	s.GCQueue().PerformTask()
	assert.Equal(t, 0, prober.probeCount())
	assert.Equal(t, 0, s.GCQueue().OutstandingTasks())
}

func TestServerTracker_EventsEnqueueDownServerTasks(t *testing.T) {
	s := newTestService(t, 5, true, nil)

	s.Tracker().ServerAdded(core.NewServerID(99, 0))
	assert.Equal(t, 0, s.GCQueue().OutstandingTasks())

	s.Tracker().ServerCrashed(core.NewServerID(99, 0))
	assert.Equal(t, 0, s.GCQueue().OutstandingTasks())

	s.Tracker().ServerRemoved(core.NewServerID(99, 0))
	s.Tracker().ServerAdded(core.NewServerID(98, 0))
	s.Tracker().ServerRemoved(core.NewServerID(98, 0))
	assert.Equal(t, 2, s.GCQueue().OutstandingTasks())

	s.GCQueue().PerformTask()
	s.GCQueue().PerformTask()
	assert.Equal(t, 0, s.GCQueue().OutstandingTasks())

	status, known := s.Tracker().Status(core.NewServerID(98, 0))
	assert.False(t, known)
	assert.Equal(t, ServerUp, status)
}
