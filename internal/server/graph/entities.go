// Package graph holds the server-side entity graph: sessions, tasks, data
// objects, governors and clients, together with the cross-reference
// invariants the scheduler and dispatcher rely on. Entities live in
// per-kind maps keyed by id and reference each other through pointers kept
// symmetric by the mutation helpers in the state package.
package graph

import (
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Client is one connected client process, owning its sessions.
type Client struct {
	ID       string
	Sessions map[v1.SessionID]*Session
}

func NewClient(id string) *Client {
	return &Client{ID: id, Sessions: make(map[v1.SessionID]*Session)}
}

// Session owns a set of tasks and objects sharing its id. Once Error is set
// the session is terminal and holds no entities.
type Session struct {
	ID              v1.SessionID
	Spec            v1.SessionSpec
	Client          *Client
	Tasks           map[v1.TaskID]*Task
	Objects         map[v1.ObjectID]*DataObject
	Error           *v1.SessionError
	UnfinishedTasks int
}

// TaskFinished decrements the unfinished counter.
func (s *Session) TaskFinished() {
	s.UnfinishedTasks--
}

// AllDone reports whether every task of the session has finished.
func (s *Session) AllDone() bool {
	return s.UnfinishedTasks == 0
}

// Task is a unit of work in the dataflow graph.
type Task struct {
	Spec    v1.TaskSpec
	State   v1.TaskState
	Info    v1.TaskInfo
	Session *Session
	// Inputs is ordered and may repeat an object.
	Inputs []*DataObject
	// Outputs is ordered and distinct.
	Outputs []*DataObject
	// WaitingFor tracks unfinished inputs, deduplicated.
	WaitingFor map[v1.ObjectID]*DataObject
	Scheduled  *Governor
	Assigned   *Governor
}

func (t *Task) ID() v1.TaskID { return t.Spec.ID }

// IsReady reports whether every input has finished.
func (t *Task) IsReady() bool { return len(t.WaitingFor) == 0 }

// DataObject is an immutable blob or directory in the dataflow graph.
type DataObject struct {
	Spec    v1.ObjectSpec
	State   v1.ObjectState
	Info    v1.ObjectInfo
	Session *Session
	// Producer is the task producing this object, nil for uploaded data.
	Producer *Task
	// Consumers are tasks listing this object among their inputs.
	Consumers map[v1.TaskID]*Task
	// NeedBy are unfinished consumers still requiring the bytes.
	NeedBy     map[v1.TaskID]*Task
	ClientKeep bool
	// Data holds client-uploaded bytes served by the server itself.
	Data []byte
	// Located: governors holding the full bytes.
	Located map[v1.GovernorID]*Governor
	// Assigned: governors told to host the object (possibly still fetching).
	Assigned map[v1.GovernorID]*Governor
	// Scheduled: governors planned to host the object next dispatch turn.
	Scheduled map[v1.GovernorID]*Governor
}

func (o *DataObject) ID() v1.ObjectID { return o.Spec.ID }

// IsNeeded reports whether anything still requires the object's bytes.
func (o *DataObject) IsNeeded() bool {
	return o.ClientKeep || len(o.NeedBy) > 0
}

// Size returns the reported size, or -1 when unknown.
func (o *DataObject) Size() int64 {
	if o.Info.Size == nil {
		return -1
	}
	return *o.Info.Size
}

// Control is the fire-and-forget message surface of a connected governor.
// Failures surface as connection loss, never as return values.
type Control interface {
	AddNodes(msg v1.AddNodesMsg)
	StopTasks(msg v1.StopTasksMsg)
	UnassignObjects(msg v1.UnassignObjectsMsg)
}

// Governor is one registered worker node.
type Governor struct {
	ID        v1.GovernorID
	Resources v1.Resources
	Control   Control

	AssignedTasks  map[v1.TaskID]*Task
	ScheduledTasks map[v1.TaskID]*Task
	// ScheduledReadyTasks is the subset of ScheduledTasks with state Ready,
	// not yet dispatched.
	ScheduledReadyTasks map[v1.TaskID]*Task
	// ActiveResources sums the cpus of scheduled runnable tasks.
	ActiveResources int

	LocatedObjects   map[v1.ObjectID]*DataObject
	AssignedObjects  map[v1.ObjectID]*DataObject
	ScheduledObjects map[v1.ObjectID]*DataObject
}

func NewGovernor(id v1.GovernorID, resources v1.Resources, control Control) *Governor {
	return &Governor{
		ID:                  id,
		Resources:           resources,
		Control:             control,
		AssignedTasks:       make(map[v1.TaskID]*Task),
		ScheduledTasks:      make(map[v1.TaskID]*Task),
		ScheduledReadyTasks: make(map[v1.TaskID]*Task),
		LocatedObjects:      make(map[v1.ObjectID]*DataObject),
		AssignedObjects:     make(map[v1.ObjectID]*DataObject),
		ScheduledObjects:    make(map[v1.ObjectID]*DataObject),
	}
}

// FreeSlotsLimit is the per-governor cap on zero-cpu tasks, 4x cpus.
func (g *Governor) FreeSlotsLimit() int {
	return 4 * g.Resources.CPUs
}

// Info summarizes the governor for GetServerInfo.
func (g *Governor) Info() v1.GovernorInfo {
	return v1.GovernorInfo{
		ID:        g.ID,
		NTasks:    len(g.ScheduledTasks),
		NObjects:  len(g.AssignedObjects),
		Resources: g.Resources,
	}
}
