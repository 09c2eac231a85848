package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/server/graph"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

func addGovernor(g *graph.Graph, id v1.GovernorID, cpus int) *graph.Governor {
	w := graph.NewGovernor(id, v1.Resources{CPUs: cpus}, nil)
	g.Governors[id] = w
	return w
}

func addReadyTask(t *testing.T, g *graph.Graph, s *graph.Session, id v1.ID, cpus int, inputs ...*graph.DataObject) *graph.Task {
	t.Helper()
	spec := v1.TaskSpec{
		ID:        v1.NewTaskID(s.ID, id),
		TaskType:  "buildin/sleep",
		Resources: v1.Resources{CPUs: cpus},
	}
	for _, o := range inputs {
		spec.Inputs = append(spec.Inputs, v1.TaskInput{ID: o.ID()})
	}
	task, err := g.AddTask(s, spec)
	require.NoError(t, err)
	task.State = v1.TaskStateReady
	return task
}

func setup(t *testing.T) (*graph.Graph, *graph.Session) {
	t.Helper()
	g := graph.New()
	client := graph.NewClient("c")
	g.Clients[client.ID] = client
	return g, g.AddSession(client, v1.SessionSpec{})
}

func updatesFor(tasks ...*graph.Task) *graph.Updates {
	u := graph.NewUpdates()
	for _, task := range tasks {
		u.AddNewTask(task)
	}
	return u
}

func TestSchedulePrefersLocatedBytes(t *testing.T) {
	g, s := setup(t)
	w1 := addGovernor(g, "10.0.0.1:7000", 4)
	w2 := addGovernor(g, "10.0.0.2:7000", 4)

	o, err := g.AddObject(s, v1.ObjectSpec{
		ID: v1.NewObjectID(s.ID, 1), DataType: v1.DataTypeBlob,
	}, false, nil)
	require.NoError(t, err)
	o.State = v1.ObjectStateFinished
	size := int64(1 << 20)
	o.Info.Size = &size
	o.Located[w2.ID] = w2
	w2.LocatedObjects[o.ID()] = o
	o.Assigned[w2.ID] = w2
	w2.AssignedObjects[o.ID()] = o

	task := addReadyTask(t, g, s, 2, 1, o)
	result := New().Schedule(g, updatesFor(task))

	require.Same(t, w2, task.Scheduled, "bytes on w2 must win over lower id w1")
	require.Len(t, result.Tasks, 1)
	require.Contains(t, w2.ScheduledTasks, task.ID())
	_ = w1
}

func TestScheduleTieBreaksByActiveResources(t *testing.T) {
	g, s := setup(t)
	w1 := addGovernor(g, "10.0.0.1:7000", 4)
	w2 := addGovernor(g, "10.0.0.2:7000", 4)
	w1.ActiveResources = 3
	w2.ActiveResources = 1

	task := addReadyTask(t, g, s, 1, 1)
	New().Schedule(g, updatesFor(task))
	require.Same(t, w2, task.Scheduled)
}

func TestScheduleDeterministicOrder(t *testing.T) {
	build := func() v1.GovernorID {
		g, s := setup(t)
		addGovernor(g, "10.0.0.2:7000", 4)
		addGovernor(g, "10.0.0.1:7000", 4)
		task := addReadyTask(t, g, s, 1, 1)
		New().Schedule(g, updatesFor(task))
		return task.Scheduled.ID
	}
	first := build()
	for i := 0; i < 10; i++ {
		require.Equal(t, first, build())
	}
	require.Equal(t, v1.GovernorID("10.0.0.1:7000"), first, "equal governors tie-break by id")
}

func TestScheduleRespectsCapacity(t *testing.T) {
	g, s := setup(t)
	w := addGovernor(g, "10.0.0.1:7000", 2)

	t1 := addReadyTask(t, g, s, 1, 2)
	t2 := addReadyTask(t, g, s, 2, 2)
	New().Schedule(g, updatesFor(t1, t2))

	require.Same(t, w, t1.Scheduled)
	require.Nil(t, t2.Scheduled, "second 2-cpu task exceeds capacity")
}

func TestScheduleZeroCPUFreeSlots(t *testing.T) {
	g, s := setup(t)
	w := addGovernor(g, "10.0.0.1:7000", 1)

	var tasks []*graph.Task
	for i := v1.ID(1); i <= 6; i++ {
		tasks = append(tasks, addReadyTask(t, g, s, i, 0))
	}
	New().Schedule(g, updatesFor(tasks...))

	scheduled := 0
	for _, task := range tasks {
		if task.Scheduled != nil {
			scheduled++
		}
	}
	require.Equal(t, w.FreeSlotsLimit(), scheduled, "zero-cpu tasks cap at 4x cpus")
}

func TestScheduleSpreadsObjectPlacement(t *testing.T) {
	g, s := setup(t)
	w := addGovernor(g, "10.0.0.1:7000", 4)

	in, err := g.AddObject(s, v1.ObjectSpec{
		ID: v1.NewObjectID(s.ID, 10), DataType: v1.DataTypeBlob,
	}, false, []byte("data"))
	require.NoError(t, err)
	out, err := g.AddObject(s, v1.ObjectSpec{
		ID: v1.NewObjectID(s.ID, 11), DataType: v1.DataTypeBlob,
	}, false, nil)
	require.NoError(t, err)
	task, err := g.AddTask(s, v1.TaskSpec{
		ID:        v1.NewTaskID(s.ID, 1),
		Resources: v1.Resources{CPUs: 1},
		Inputs:    []v1.TaskInput{{ID: in.ID()}},
		Outputs:   []v1.ObjectID{out.ID()},
	})
	require.NoError(t, err)
	task.State = v1.TaskStateReady

	result := New().Schedule(g, updatesFor(task))
	require.Contains(t, in.Scheduled, w.ID, "inputs follow the task")
	require.Contains(t, out.Scheduled, w.ID, "outputs follow the task")
	require.NotEmpty(t, result.Objects[w])
}
