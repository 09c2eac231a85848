package graph

import (
	"fmt"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// The consistency checks below validate the structural invariants of every
// entity. A failure indicates a server bug, never a user error: the caller
// (server state) treats it as fatal.

// CheckConsistency validates every entity in the graph.
func (g *Graph) CheckConsistency() error {
	for _, s := range g.Sessions {
		if err := g.CheckSession(s); err != nil {
			return err
		}
	}
	for _, t := range g.Tasks {
		if err := g.CheckTask(t); err != nil {
			return err
		}
	}
	for _, o := range g.Objects {
		if err := g.CheckObject(o); err != nil {
			return err
		}
	}
	for _, w := range g.Governors {
		if err := g.CheckGovernor(w); err != nil {
			return err
		}
	}
	return nil
}

// CheckSession verifies that all contained entities carry the session id.
func (g *Graph) CheckSession(s *Session) error {
	for id, t := range s.Tasks {
		if id.SessionID != s.ID || t.Session != s {
			return fmt.Errorf("session %d holds foreign task %s", s.ID, id)
		}
	}
	for id, o := range s.Objects {
		if id.SessionID != s.ID || o.Session != s {
			return fmt.Errorf("session %d holds foreign object %s", s.ID, id)
		}
	}
	if s.Error != nil && (len(s.Tasks) > 0 || len(s.Objects) > 0) {
		return fmt.Errorf("failed session %d still holds entities", s.ID)
	}
	return nil
}

// CheckTask verifies task state invariants and cross-references.
func (g *Graph) CheckTask(t *Task) error {
	id := t.ID()
	switch t.State {
	case v1.TaskStateNotAssigned:
		if t.Assigned != nil {
			return fmt.Errorf("task %s not assigned but has assignment", id)
		}
		if len(t.WaitingFor) == 0 && len(t.Inputs) > 0 {
			return fmt.Errorf("task %s has all inputs ready but is NotAssigned", id)
		}
	case v1.TaskStateReady:
		if t.Assigned != nil {
			return fmt.Errorf("ready task %s has assignment", id)
		}
		if len(t.WaitingFor) > 0 {
			return fmt.Errorf("ready task %s still waits for inputs", id)
		}
	case v1.TaskStateAssigned, v1.TaskStateRunning:
		if t.Assigned == nil {
			return fmt.Errorf("task %s in state %s without assignment", id, t.State)
		}
		if len(t.WaitingFor) > 0 {
			return fmt.Errorf("task %s in state %s still waits for inputs", id, t.State)
		}
	case v1.TaskStateFinished:
		if t.Assigned != nil {
			return fmt.Errorf("finished task %s still assigned", id)
		}
		for _, o := range t.Outputs {
			if o.State != v1.ObjectStateFinished && o.State != v1.ObjectStateRemoved {
				return fmt.Errorf("finished task %s has unfinished output %s", id, o.ID())
			}
		}
	case v1.TaskStateFailed:
		// terminal, no structural requirements
	default:
		return fmt.Errorf("task %s has invalid state %q", id, t.State)
	}

	if t.Assigned != nil && t.Scheduled == nil && t.State != v1.TaskStateFailed {
		return fmt.Errorf("task %s assigned but not scheduled", id)
	}
	if t.Assigned != nil {
		if _, ok := t.Assigned.AssignedTasks[id]; !ok {
			return fmt.Errorf("task %s assignment not mirrored on governor %s", id, t.Assigned.ID)
		}
	}
	if t.Scheduled != nil {
		if _, ok := t.Scheduled.ScheduledTasks[id]; !ok {
			return fmt.Errorf("task %s schedule not mirrored on governor %s", id, t.Scheduled.ID)
		}
	}
	for _, o := range t.WaitingFor {
		if o.State == v1.ObjectStateFinished {
			return fmt.Errorf("task %s waits for finished object %s", id, o.ID())
		}
	}
	for _, o := range t.Outputs {
		if o.Producer != t {
			return fmt.Errorf("task %s output %s does not list it as producer", id, o.ID())
		}
	}
	for _, o := range t.Inputs {
		if _, ok := o.Consumers[id]; !ok {
			return fmt.Errorf("task %s input %s does not list it as consumer", id, o.ID())
		}
	}
	return nil
}

// CheckObject verifies object state invariants and cross-references.
func (g *Graph) CheckObject(o *DataObject) error {
	id := o.ID()
	switch o.State {
	case v1.ObjectStateUnfinished:
		if len(o.Located) > 0 {
			return fmt.Errorf("unfinished object %s is located", id)
		}
		if len(o.Scheduled) > 1 || len(o.Assigned) > 1 {
			return fmt.Errorf("unfinished object %s scheduled/assigned to several governors", id)
		}
	case v1.ObjectStateFinished:
		if o.Data == nil && (len(o.Located) == 0 || len(o.Assigned) == 0) {
			return fmt.Errorf("finished object %s has neither inline data nor a located+assigned copy", id)
		}
	case v1.ObjectStateRemoved:
		if len(o.Located) > 0 || len(o.Scheduled) > 0 || len(o.Assigned) > 0 {
			return fmt.Errorf("removed object %s still placed on governors", id)
		}
		if o.ClientKeep {
			return fmt.Errorf("removed object %s is client-kept", id)
		}
	default:
		return fmt.Errorf("object %s has invalid state %q", id, o.State)
	}

	if o.Producer != nil {
		found := false
		for _, out := range o.Producer.Outputs {
			if out == o {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("object %s producer %s does not list it as output", id, o.Producer.ID())
		}
	}
	for tid, t := range o.Consumers {
		found := false
		for _, in := range t.Inputs {
			if in == o {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("object %s consumer %s does not list it as input", id, tid)
		}
	}
	for gid := range o.Located {
		if _, ok := o.Located[gid].LocatedObjects[id]; !ok {
			return fmt.Errorf("object %s location not mirrored on governor %s", id, gid)
		}
	}
	for gid := range o.Assigned {
		if _, ok := o.Assigned[gid].AssignedObjects[id]; !ok {
			return fmt.Errorf("object %s assignment not mirrored on governor %s", id, gid)
		}
	}
	for gid := range o.Scheduled {
		if _, ok := o.Scheduled[gid].ScheduledObjects[id]; !ok {
			return fmt.Errorf("object %s schedule not mirrored on governor %s", id, gid)
		}
	}
	return nil
}

// CheckGovernor verifies the symmetry of all governor-side sets.
func (g *Graph) CheckGovernor(w *Governor) error {
	for id, t := range w.AssignedTasks {
		if t.Assigned != w {
			return fmt.Errorf("governor %s lists unassigned task %s", w.ID, id)
		}
	}
	for id, t := range w.ScheduledTasks {
		if t.Scheduled != w {
			return fmt.Errorf("governor %s lists unscheduled task %s", w.ID, id)
		}
	}
	for id, t := range w.ScheduledReadyTasks {
		if _, ok := w.ScheduledTasks[id]; !ok {
			return fmt.Errorf("governor %s ready task %s not in scheduled set", w.ID, id)
		}
		if t.State != v1.TaskStateReady {
			return fmt.Errorf("governor %s ready-queue task %s in state %s", w.ID, id, t.State)
		}
	}
	for id, o := range w.LocatedObjects {
		if _, ok := o.Located[w.ID]; !ok {
			return fmt.Errorf("governor %s location of %s not mirrored", w.ID, id)
		}
		if _, ok := w.AssignedObjects[id]; !ok {
			return fmt.Errorf("governor %s located object %s not assigned", w.ID, id)
		}
	}
	for id, o := range w.AssignedObjects {
		if _, ok := o.Assigned[w.ID]; !ok {
			return fmt.Errorf("governor %s assignment of %s not mirrored", w.ID, id)
		}
	}
	for id, o := range w.ScheduledObjects {
		if _, ok := o.Scheduled[w.ID]; !ok {
			return fmt.Errorf("governor %s schedule of %s not mirrored", w.ID, id)
		}
	}
	return nil
}
