package state

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/common/fsutil"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/governor/data"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

func newTestGovernor(t *testing.T, cpus int, runners map[string]Runner) *State {
	t.Helper()
	workDir, err := fsutil.NewWorkDir(t.TempDir())
	require.NoError(t, err)
	s := New(Config{
		Resources: v1.Resources{CPUs: cpus},
		WorkDir:   workDir,
		Runners:   runners,
	}, logger.NewNop())
	s.id = "10.0.0.9:7000"
	t.Cleanup(s.Close)
	return s
}

// finishedObject injects a locally finished object, as if fetched.
func finishedObject(s *State, id v1.ObjectID, content []byte) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := int64(len(content))
	o := &Object{
		Spec:      v1.ObjectSpec{ID: id, DataType: v1.DataTypeBlob},
		Info:      v1.ObjectInfo{Size: &size},
		State:     ObjectFinished,
		Assigned:  true,
		Data:      data.FromBytes(content),
		Consumers: make(map[v1.TaskID]*Task),
	}
	s.objects[id] = o
	return o
}

func addNodesTask(s *State, id v1.TaskID, taskType string, cpus int, inputs []v1.ObjectID, outputs []v1.ObjectID) {
	msg := v1.AddNodesMsg{}
	for _, out := range outputs {
		msg.NewObjects = append(msg.NewObjects, v1.ObjectAssignment{
			Spec:     v1.ObjectSpec{ID: out, DataType: v1.DataTypeBlob},
			State:    v1.ObjectStateUnfinished,
			Assigned: true,
		})
	}
	spec := v1.TaskSpec{
		ID:        id,
		TaskType:  taskType,
		Resources: v1.Resources{CPUs: cpus},
		Outputs:   outputs,
	}
	for _, in := range inputs {
		spec.Inputs = append(spec.Inputs, v1.TaskInput{ID: in})
	}
	msg.NewTasks = append(msg.NewTasks, spec)
	s.handleAddNodes(msg)
}

func TestAdmissionRespectsResources(t *testing.T) {
	started := make(chan v1.TaskID, 8)
	release := make(chan struct{})
	runners := map[string]Runner{
		"test/block": func(ctx context.Context, run *TaskRun) error {
			started <- run.Spec.ID
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			run.SetOutput(0, data.FromBytes([]byte("done")))
			return nil
		},
	}
	s := newTestGovernor(t, 2, runners)

	for i := v1.ID(1); i <= 3; i++ {
		addNodesTask(s, v1.NewTaskID(1, i), "test/block", 1,
			nil, []v1.ObjectID{v1.NewObjectID(1, i+100)})
	}

	// Two cpus admit exactly two 1-cpu tasks. Their runners start
	// concurrently, so the order in which they report is not fixed.
	admitted := []v1.TaskID{<-started, <-started}
	require.ElementsMatch(t, []v1.TaskID{v1.NewTaskID(1, 1), v1.NewTaskID(1, 2)}, admitted)
	select {
	case id := <-started:
		t.Fatalf("third task %s started beyond capacity", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case id := <-started:
		require.Equal(t, v1.NewTaskID(1, 3), id)
	case <-time.After(5 * time.Second):
		t.Fatal("third task never started")
	}
}

func TestZeroCPUTasksCapAtFreeSlots(t *testing.T) {
	var running atomic.Int32
	release := make(chan struct{})
	runners := map[string]Runner{
		"test/slot": func(ctx context.Context, run *TaskRun) error {
			running.Add(1)
			<-release
			run.SetOutput(0, data.FromBytes(nil))
			return nil
		},
	}
	s := newTestGovernor(t, 1, runners) // free_slots = 4

	for i := v1.ID(1); i <= 6; i++ {
		addNodesTask(s, v1.NewTaskID(1, i), "test/slot", 0,
			nil, []v1.ObjectID{v1.NewObjectID(1, i+100)})
	}

	require.Eventually(t, func() bool { return running.Load() == 4 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 4, running.Load(), "zero-cpu tasks cap at 4x cpus slots")
	close(release)
}

func TestTaskRunsWhenInputsFinish(t *testing.T) {
	done := make(chan struct{})
	runners := map[string]Runner{
		"test/concat": func(ctx context.Context, run *TaskRun) error {
			defer close(done)
			a, _ := run.Input(0).Bytes()
			b, _ := run.Input(1).Bytes()
			run.SetOutput(0, data.FromBytes(append(append([]byte{}, a...), b...)))
			return nil
		},
	}
	s := newTestGovernor(t, 2, runners)

	in1 := v1.NewObjectID(1, 3)
	in2 := v1.NewObjectID(1, 4)
	finishedObject(s, in1, []byte("hello "))
	finishedObject(s, in2, []byte("world"))

	out := v1.NewObjectID(1, 1)
	addNodesTask(s, v1.NewTaskID(1, 2), "test/concat", 1,
		[]v1.ObjectID{in1, in2}, []v1.ObjectID{out})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		o, ok := s.objects[out]
		return ok && o.State == ObjectFinished
	}, 2*time.Second, 10*time.Millisecond)

	s.mu.Lock()
	content, err := s.objects[out].Data.Bytes()
	s.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), content)
}

func TestStopTaskDropsReadyTask(t *testing.T) {
	// No free capacity: the task stays in the ready queue.
	blocked := make(chan struct{})
	runners := map[string]Runner{
		"test/block": func(ctx context.Context, run *TaskRun) error {
			<-blocked
			run.SetOutput(0, data.FromBytes(nil))
			return nil
		},
	}
	s := newTestGovernor(t, 1, runners)
	defer close(blocked)

	addNodesTask(s, v1.NewTaskID(1, 1), "test/block", 1, nil, []v1.ObjectID{v1.NewObjectID(1, 101)})
	addNodesTask(s, v1.NewTaskID(1, 2), "test/block", 1, nil, []v1.ObjectID{v1.NewObjectID(1, 102)})

	s.mu.Lock()
	require.Len(t, s.ready, 1)
	s.mu.Unlock()

	s.handleStopTasks(v1.StopTasksMsg{Tasks: []v1.TaskID{v1.NewTaskID(1, 2)}})

	s.mu.Lock()
	require.Empty(t, s.ready)
	require.NotContains(t, s.tasks, v1.NewTaskID(1, 2))
	s.mu.Unlock()
}

func TestUnassignQueuesDeleteWait(t *testing.T) {
	s := newTestGovernor(t, 1, nil)
	id := v1.NewObjectID(1, 1)
	finishedObject(s, id, []byte("bytes"))

	s.handleUnassignObjects(v1.UnassignObjectsMsg{Objects: []v1.ObjectID{id}})

	s.mu.Lock()
	_, waiting := s.deleteWait[id]
	_, present := s.objects[id]
	s.mu.Unlock()
	require.True(t, waiting, "finished unneeded object waits before deletion")
	require.True(t, present)

	// Expire the entry and sweep.
	s.mu.Lock()
	s.deleteWait[id] = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.sweep()

	s.mu.Lock()
	_, present = s.objects[id]
	s.mu.Unlock()
	require.False(t, present, "swept object is removed")
}

func TestRetakeCancelsPendingDelete(t *testing.T) {
	s := newTestGovernor(t, 1, nil)
	id := v1.NewObjectID(1, 1)
	finishedObject(s, id, []byte("bytes"))
	s.handleUnassignObjects(v1.UnassignObjectsMsg{Objects: []v1.ObjectID{id}})

	// The server re-assigns the object before the delete fires.
	s.handleAddNodes(v1.AddNodesMsg{NewObjects: []v1.ObjectAssignment{{
		Spec:     v1.ObjectSpec{ID: id, DataType: v1.DataTypeBlob},
		State:    v1.ObjectStateFinished,
		Assigned: true,
	}}})

	s.mu.Lock()
	_, waiting := s.deleteWait[id]
	o := s.objects[id]
	s.mu.Unlock()
	require.False(t, waiting, "re-taken object must not be deleted")
	require.True(t, o.Assigned)
}

func TestServeFetchChunks(t *testing.T) {
	s := newTestGovernor(t, 1, nil)
	id := v1.NewObjectID(1, 1)
	payload := []byte("hello world")
	finishedObject(s, id, payload)

	var assembled []byte
	for offset := uint64(0); ; {
		reply := s.ServeFetch(v1.FetchMsg{ID: id, Offset: offset, Size: 3, IncludeInfo: offset == 0})
		require.Equal(t, v1.FetchOk, reply.Status)
		require.EqualValues(t, len(payload), reply.TransportSize)
		assembled = append(assembled, reply.Data...)
		offset += uint64(len(reply.Data))
		if offset >= reply.TransportSize {
			break
		}
	}
	require.Equal(t, payload, assembled)

	missing := s.ServeFetch(v1.FetchMsg{ID: v1.NewObjectID(9, 9), Size: 3})
	require.Equal(t, v1.FetchNotHere, missing.Status)
}

func TestTransportViewIsCachedAndExpires(t *testing.T) {
	s := newTestGovernor(t, 1, nil)
	id := v1.NewObjectID(1, 1)
	finishedObject(s, id, []byte("cached bytes"))

	s.ServeFetch(v1.FetchMsg{ID: id, Size: 4})
	s.mu.Lock()
	view, ok := s.views[id]
	s.mu.Unlock()
	require.True(t, ok)

	s.ServeFetch(v1.FetchMsg{ID: id, Offset: 4, Size: 4})
	s.mu.Lock()
	view2 := s.views[id]
	s.mu.Unlock()
	require.Same(t, view, view2, "repeated fetches share the view")

	s.mu.Lock()
	view.deadline = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.sweep()

	s.mu.Lock()
	_, ok = s.views[id]
	s.mu.Unlock()
	require.False(t, ok, "expired view is dropped")
}

func TestFailingRunnerReportsFailure(t *testing.T) {
	runners := map[string]Runner{
		"test/fail": func(ctx context.Context, run *TaskRun) error {
			return context.DeadlineExceeded
		},
	}
	s := newTestGovernor(t, 1, runners)
	addNodesTask(s, v1.NewTaskID(2, 10), "test/fail", 1, nil, []v1.ObjectID{v1.NewObjectID(2, 11)})

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, stillThere := s.tasks[v1.NewTaskID(2, 10)]
		return !stillThere
	}, 2*time.Second, 10*time.Millisecond, "failed task is unregistered")
}
