package graph

import (
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Updates accumulates the entities touched since the last scheduler run.
// The scheduler consumes it as its UpdatedIn set; the state machine clears
// it after every turn.
type Updates struct {
	NewTasks   map[v1.TaskID]*Task
	NewObjects map[v1.ObjectID]*DataObject
	Tasks      map[v1.TaskID]*Task
	// Objects maps each updated object to the governors that reported it.
	Objects map[v1.ObjectID]map[v1.GovernorID]*Governor
}

func NewUpdates() *Updates {
	return &Updates{
		NewTasks:   make(map[v1.TaskID]*Task),
		NewObjects: make(map[v1.ObjectID]*DataObject),
		Tasks:      make(map[v1.TaskID]*Task),
		Objects:    make(map[v1.ObjectID]map[v1.GovernorID]*Governor),
	}
}

func (u *Updates) AddNewTask(t *Task)         { u.NewTasks[t.ID()] = t }
func (u *Updates) AddNewObject(o *DataObject) { u.NewObjects[o.ID()] = o }
func (u *Updates) AddTask(t *Task)            { u.Tasks[t.ID()] = t }

func (u *Updates) AddObject(o *DataObject, w *Governor) {
	governors, ok := u.Objects[o.ID()]
	if !ok {
		governors = make(map[v1.GovernorID]*Governor)
		u.Objects[o.ID()] = governors
	}
	if w != nil {
		governors[w.ID] = w
	}
}

// RemoveTask drops a task from all update sets (removed before the
// scheduler saw it).
func (u *Updates) RemoveTask(t *Task) {
	delete(u.NewTasks, t.ID())
	delete(u.Tasks, t.ID())
}

// RemoveObject drops an object from all update sets.
func (u *Updates) RemoveObject(o *DataObject) {
	delete(u.NewObjects, o.ID())
	delete(u.Objects, o.ID())
}

func (u *Updates) Clear() {
	u.NewTasks = make(map[v1.TaskID]*Task)
	u.NewObjects = make(map[v1.ObjectID]*DataObject)
	u.Tasks = make(map[v1.TaskID]*Task)
	u.Objects = make(map[v1.ObjectID]map[v1.GovernorID]*Governor)
}

// IsEmpty reports whether there is nothing for the scheduler to look at.
func (u *Updates) IsEmpty() bool {
	return len(u.NewTasks) == 0 && len(u.NewObjects) == 0 &&
		len(u.Tasks) == 0 && len(u.Objects) == 0
}
