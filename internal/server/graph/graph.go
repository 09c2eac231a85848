package graph

import (
	"fmt"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Graph is the root container of all server-side entities.
type Graph struct {
	Clients   map[string]*Client
	Sessions  map[v1.SessionID]*Session
	Tasks     map[v1.TaskID]*Task
	Objects   map[v1.ObjectID]*DataObject
	Governors map[v1.GovernorID]*Governor

	nextSessionID v1.SessionID
}

func New() *Graph {
	return &Graph{
		Clients:   make(map[string]*Client),
		Sessions:  make(map[v1.SessionID]*Session),
		Tasks:     make(map[v1.TaskID]*Task),
		Objects:   make(map[v1.ObjectID]*DataObject),
		Governors: make(map[v1.GovernorID]*Governor),
	}
}

// NewSessionID allocates the next monotonic session id.
func (g *Graph) NewSessionID() v1.SessionID {
	g.nextSessionID++
	return g.nextSessionID
}

// AddSession registers a new session owned by the client.
func (g *Graph) AddSession(client *Client, spec v1.SessionSpec) *Session {
	s := &Session{
		ID:      g.NewSessionID(),
		Spec:    spec,
		Client:  client,
		Tasks:   make(map[v1.TaskID]*Task),
		Objects: make(map[v1.ObjectID]*DataObject),
	}
	g.Sessions[s.ID] = s
	client.Sessions[s.ID] = s
	return s
}

// AddObject inserts a submitted object into the graph and its session.
// Exactly one of data (inline bytes) or a later-linked producer must hold;
// Submit validation enforces this before the graph is touched.
func (g *Graph) AddObject(session *Session, spec v1.ObjectSpec, clientKeep bool, data []byte) (*DataObject, error) {
	if _, exists := g.Objects[spec.ID]; exists {
		return nil, fmt.Errorf("graph already contains object %s", spec.ID)
	}
	if spec.ID.SessionID != session.ID {
		return nil, fmt.Errorf("object %s does not belong to session %d", spec.ID, session.ID)
	}
	o := &DataObject{
		Spec:       spec,
		State:      v1.ObjectStateUnfinished,
		Session:    session,
		Consumers:  make(map[v1.TaskID]*Task),
		NeedBy:     make(map[v1.TaskID]*Task),
		ClientKeep: clientKeep,
		Data:       data,
		Located:    make(map[v1.GovernorID]*Governor),
		Assigned:   make(map[v1.GovernorID]*Governor),
		Scheduled:  make(map[v1.GovernorID]*Governor),
	}
	if data != nil {
		o.State = v1.ObjectStateFinished
		size := int64(len(data))
		o.Info.Size = &size
	}
	g.Objects[spec.ID] = o
	session.Objects[spec.ID] = o
	return o, nil
}

// AddTask inserts a submitted task, wiring its inputs and outputs to
// objects already present in the graph.
func (g *Graph) AddTask(session *Session, spec v1.TaskSpec) (*Task, error) {
	if _, exists := g.Tasks[spec.ID]; exists {
		return nil, fmt.Errorf("graph already contains task %s", spec.ID)
	}
	if spec.ID.SessionID != session.ID {
		return nil, fmt.Errorf("task %s does not belong to session %d", spec.ID, session.ID)
	}
	t := &Task{
		Spec:       spec,
		State:      v1.TaskStateNotAssigned,
		Session:    session,
		WaitingFor: make(map[v1.ObjectID]*DataObject),
	}

	for _, input := range spec.Inputs {
		o, ok := g.Objects[input.ID]
		if !ok {
			return nil, fmt.Errorf("task %s input %s not found", spec.ID, input.ID)
		}
		t.Inputs = append(t.Inputs, o)
		o.Consumers[t.ID()] = t
		o.NeedBy[t.ID()] = t
		if o.State != v1.ObjectStateFinished {
			t.WaitingFor[o.ID()] = o
		}
	}
	for _, outputID := range spec.Outputs {
		o, ok := g.Objects[outputID]
		if !ok {
			return nil, fmt.Errorf("task %s output %s not found", spec.ID, outputID)
		}
		if o.Producer != nil {
			return nil, fmt.Errorf("object %s has two producers: %s and %s",
				outputID, o.Producer.ID(), spec.ID)
		}
		o.Producer = t
		t.Outputs = append(t.Outputs, o)
	}

	g.Tasks[spec.ID] = t
	session.Tasks[spec.ID] = t
	session.UnfinishedTasks++
	return t, nil
}

// RemoveTask drops a task from the graph and unlinks it from its inputs and
// outputs. Governor references must be cleared by the caller first.
func (g *Graph) RemoveTask(t *Task) {
	for _, input := range t.Inputs {
		delete(input.Consumers, t.ID())
		delete(input.NeedBy, t.ID())
	}
	for _, output := range t.Outputs {
		if output.Producer == t {
			output.Producer = nil
		}
	}
	delete(t.Session.Tasks, t.ID())
	delete(g.Tasks, t.ID())
}

// RemoveObject drops an object from the graph. Tasks referencing it must be
// removed first.
func (g *Graph) RemoveObject(o *DataObject) error {
	if len(o.Consumers) > 0 || o.Producer != nil {
		return fmt.Errorf("object %s still linked to tasks", o.ID())
	}
	delete(o.Session.Objects, o.ID())
	delete(g.Objects, o.ID())
	return nil
}

// SessionByID resolves a session. A failed session is returned like any
// other; checking its Error is left to the caller.
func (g *Graph) SessionByID(id v1.SessionID) (*Session, error) {
	s, ok := g.Sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d not found", id)
	}
	return s, nil
}

// TaskByID resolves a task.
func (g *Graph) TaskByID(id v1.TaskID) (*Task, error) {
	t, ok := g.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t, nil
}

// ObjectByID resolves an object.
func (g *Graph) ObjectByID(id v1.ObjectID) (*DataObject, error) {
	o, ok := g.Objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s not found", id)
	}
	return o, nil
}
