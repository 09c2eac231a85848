package state

import (
	"sort"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/server/graph"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// placementFor picks the governor a receiver should fetch the object from:
// any located copy, else the server sentinel (client-uploaded bytes).
func placementFor(o *graph.DataObject) v1.GovernorID {
	ids := make([]v1.GovernorID, 0, len(o.Located))
	for id := range o.Located {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		if o.Data == nil {
			// Without located bytes the server must own the data.
			return ""
		}
		return ""
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0]
}

func objectAssignment(o *graph.DataObject, assigned bool) v1.ObjectAssignment {
	info := o.Info
	return v1.ObjectAssignment{
		Spec:      o.Spec,
		Info:      &info,
		State:     o.State,
		Placement: placementFor(o),
		Assigned:  assigned,
	}
}

// assignObject ships a Finished object to a governor scheduled to host it.
func (s *State) assignObject(o *graph.DataObject, w *graph.Governor) {
	if o.State != v1.ObjectStateFinished {
		s.log.Fatal("assigning unfinished object",
			zap.String("object", o.ID().String()), zap.String("state", string(o.State)))
	}
	if _, already := o.Assigned[w.ID]; already {
		s.log.Fatal("object already assigned on governor",
			zap.String("object", o.ID().String()), zap.String("governor", string(w.ID)))
	}

	w.Control.AddNodes(v1.AddNodesMsg{
		NewObjects: []v1.ObjectAssignment{objectAssignment(o, true)},
	})
	o.Assigned[w.ID] = w
	w.AssignedObjects[o.ID()] = o
}

// unassignObject discards a governor's copy of an object. When the last
// assignment disappears from a Finished object it transitions to Removed.
func (s *State) unassignObject(o *graph.DataObject, w *graph.Governor) {
	if _, ok := o.Assigned[w.ID]; !ok {
		return
	}
	w.Control.UnassignObjects(v1.UnassignObjectsMsg{Objects: []v1.ObjectID{o.ID()}})

	delete(o.Assigned, w.ID)
	delete(w.AssignedObjects, o.ID())
	delete(o.Located, w.ID)
	delete(w.LocatedObjects, o.ID())

	if len(o.Assigned) == 0 && o.State == v1.ObjectStateFinished && o.Data == nil {
		o.State = v1.ObjectStateRemoved
	}
}

// purgeObject unschedules and unassigns an object everywhere.
func (s *State) purgeObject(o *graph.DataObject) {
	for _, w := range o.Scheduled {
		delete(w.ScheduledObjects, o.ID())
	}
	o.Scheduled = make(map[v1.GovernorID]*graph.Governor)
	for _, w := range sortedGovernorSet(o.Assigned) {
		s.unassignObject(o, w)
	}
	if len(o.Assigned) == 0 && o.State == v1.ObjectStateFinished && !o.IsNeeded() {
		o.State = v1.ObjectStateRemoved
		o.Data = nil
	}
}

// assignTask serializes a ready task plus its still-unassigned inputs to
// its scheduled governor in one AddNodes call and moves it to Assigned.
// Inputs ship with assigned=false (the governor fetches them); outputs are
// assigned to the governor up front.
func (s *State) assignTask(t *graph.Task) {
	w := t.Scheduled
	if w == nil || t.Assigned != nil {
		s.log.Fatal("assignTask on unscheduled or already-assigned task",
			zap.String("task", t.ID().String()))
	}

	msg := v1.AddNodesMsg{NewTasks: []v1.TaskSpec{t.Spec}}
	for _, o := range t.Inputs {
		if _, ok := o.Assigned[w.ID]; !ok {
			msg.NewObjects = append(msg.NewObjects, objectAssignment(o, false))
		}
	}
	for _, o := range t.Outputs {
		assignment := objectAssignment(o, true)
		assignment.Placement = w.ID
		msg.NewObjects = append(msg.NewObjects, assignment)
		o.Assigned[w.ID] = w
		w.AssignedObjects[o.ID()] = o
	}
	w.Control.AddNodes(msg)

	t.Assigned = w
	t.State = v1.TaskStateAssigned
	w.AssignedTasks[t.ID()] = t
	delete(w.ScheduledReadyTasks, t.ID())
}

// unassignTask pulls a task back from the governor it is assigned to; any
// output bytes there are discarded and the task becomes Ready again.
func (s *State) unassignTask(t *graph.Task) {
	w := t.Assigned
	if w == nil {
		return
	}
	w.Control.StopTasks(v1.StopTasksMsg{Tasks: []v1.TaskID{t.ID()}})

	t.Assigned = nil
	t.State = v1.TaskStateReady
	delete(w.AssignedTasks, t.ID())

	for _, o := range t.Outputs {
		s.unassignObject(o, w)
	}
}

// updateTaskAssignment reconciles one task after its inputs or scheduling
// changed:
//
//   - all inputs finished moves NotAssigned to Ready;
//   - a ready scheduled task enters the governor's ready queue;
//   - a task assigned away from its schedule is pulled back;
//   - a finished task is unscheduled.
func (s *State) updateTaskAssignment(t *graph.Task) {
	if t.State == v1.TaskStateNotAssigned && len(t.WaitingFor) == 0 {
		t.State = v1.TaskStateReady
		s.updates.AddTask(t)
	}

	if t.State == v1.TaskStateReady && t.Scheduled != nil {
		t.Scheduled.ScheduledReadyTasks[t.ID()] = t
	}

	if (t.State == v1.TaskStateAssigned || t.State == v1.TaskStateRunning) &&
		t.Assigned != t.Scheduled {
		if t.Assigned != nil {
			s.unassignTask(t)
		}
		if t.Scheduled != nil && t.State == v1.TaskStateReady {
			t.Scheduled.ScheduledReadyTasks[t.ID()] = t
		}
	}

	if t.State == v1.TaskStateFinished && t.Scheduled != nil {
		delete(t.Scheduled.ScheduledTasks, t.ID())
		delete(t.Scheduled.ScheduledReadyTasks, t.ID())
		t.Scheduled = nil
	}
}

// updateObjectAssignments reconciles a Finished object's assignments with
// its schedule and needed-ness. When a governor is given, the assignment
// there is aligned first. An unscheduled, unneeded object is removed; a
// copy located beyond the schedule is pruned down (never below one copy).
func (s *State) updateObjectAssignments(o *graph.DataObject, w *graph.Governor) {
	if o.State != v1.ObjectStateFinished {
		return
	}

	if w != nil {
		_, scheduledHere := w.ScheduledObjects[o.ID()]
		_, assignedHere := w.AssignedObjects[o.ID()]
		_, locatedHere := o.Located[w.ID]
		if scheduledHere {
			if !assignedHere {
				s.assignObject(o, w)
			}
		} else if assignedHere && (len(o.Located) > 2 || !locatedHere) {
			s.unassignObject(o, w)
		}
	}

	if len(o.Scheduled) == 0 && o.State == v1.ObjectStateFinished {
		if !o.IsNeeded() {
			for _, governor := range sortedGovernorSet(o.Assigned) {
				s.unassignObject(o, governor)
			}
			if o.State == v1.ObjectStateFinished {
				o.State = v1.ObjectStateRemoved
				o.Data = nil
			}
		}
	} else if len(o.Located) > len(o.Scheduled) {
		for _, governor := range sortedGovernorSet(o.Located) {
			if _, scheduled := o.Scheduled[governor.ID]; !scheduled && len(o.Located) >= 2 {
				s.unassignObject(o, governor)
			}
		}
	}
}

// sortedGovernorSet snapshots a governor set in id order so that mutation
// during iteration is safe and dispatch stays deterministic.
func sortedGovernorSet(set map[v1.GovernorID]*graph.Governor) []*graph.Governor {
	governors := make([]*graph.Governor, 0, len(set))
	for _, w := range set {
		governors = append(governors, w)
	}
	sort.Slice(governors, func(i, j int) bool { return governors[i].ID < governors[j].ID })
	return governors
}
