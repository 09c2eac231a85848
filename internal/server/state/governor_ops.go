package state

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/server/graph"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// AddGovernor registers a worker node and makes it schedulable.
func (s *State) AddGovernor(id v1.GovernorID, resources v1.Resources, control graph.Control) (*graph.Governor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.graph.Governors[id]; exists {
		return nil, fmt.Errorf("governor %s is already registered", id)
	}
	w := graph.NewGovernor(id, resources, control)
	s.graph.Governors[id] = w
	s.underload[id] = w
	s.emit(events.TypeGovernorNew, nil, events.GovernorNew{Governor: id, Resources: resources})
	s.notify(bus.SubjectGovernorJoined, map[string]interface{}{"governor_id": id})
	s.log.Info("governor registered",
		zap.String("governor", string(id)),
		zap.Int("cpus", resources.CPUs))

	// Pending ready work may now fit.
	s.turn()
	return w, nil
}

// GovernorLost handles a closed governor connection: every session with a
// task assigned or scheduled there fails, as does any session whose data
// became unrecoverable. The governor leaves the graph.
func (s *State) GovernorLost(id v1.GovernorID, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.graph.Governors[id]
	if !ok {
		return
	}
	s.log.Warn("governor lost", zap.String("governor", string(id)), zap.String("cause", cause))

	affected := make(map[v1.SessionID]*graph.Session)
	for _, t := range w.AssignedTasks {
		affected[t.Session.ID] = t.Session
	}
	for _, t := range w.ScheduledTasks {
		affected[t.Session.ID] = t.Session
	}
	for _, session := range affected {
		s.failSessionServerLost(session, id)
	}

	// Strip remaining placements (objects of unaffected sessions). A kept
	// finished object whose only copy lived on the lost governor is gone
	// for good; its session fails too.
	for _, o := range w.AssignedObjects {
		delete(o.Assigned, id)
		delete(o.Located, id)
		delete(o.Scheduled, id)
		if o.State == v1.ObjectStateFinished && len(o.Located) == 0 && o.Data == nil {
			if o.IsNeeded() {
				s.failSessionServerLost(o.Session, id)
			} else if len(o.Assigned) == 0 {
				o.State = v1.ObjectStateRemoved
			}
		}
	}
	for _, o := range w.ScheduledObjects {
		delete(o.Scheduled, id)
	}
	for _, t := range w.ScheduledTasks {
		if t.Scheduled == w {
			t.Scheduled = nil
		}
	}

	delete(s.graph.Governors, id)
	delete(s.underload, id)
	s.emit(events.TypeGovernorRemoved, nil, events.GovernorRemoved{Governor: id, ErrorMsg: cause})
	s.notify(bus.SubjectGovernorLost, map[string]interface{}{"governor_id": id, "cause": cause})
	s.turn()
}

func (s *State) failSessionServerLost(session *graph.Session, governor v1.GovernorID) {
	if session.Error != nil {
		return
	}
	s.failSession(session,
		fmt.Sprintf("governor %s lost", governor),
		"",
		v1.TaskID{},
		events.ReasonServerLost)
}

// UpdatesFromGovernor applies one ordered state update batch reported by a
// governor. Entries for ignored (recently failed) sessions are dropped.
func (s *State) UpdatesFromGovernor(id v1.GovernorID, update v1.StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.graph.Governors[id]
	if !ok {
		return
	}

	for _, tu := range update.Tasks {
		if s.isSessionIgnored(tu.ID.SessionID) {
			continue
		}
		t, err := s.graph.TaskByID(tu.ID)
		if err != nil {
			s.log.Warn("update for unknown task",
				zap.String("task", tu.ID.String()), zap.String("governor", string(id)))
			continue
		}
		s.applyTaskUpdate(w, t, tu)
	}

	for _, ou := range update.Objects {
		if s.isSessionIgnored(ou.ID.SessionID) {
			continue
		}
		o, err := s.graph.ObjectByID(ou.ID)
		if err != nil {
			s.log.Warn("update for unknown object",
				zap.String("object", ou.ID.String()), zap.String("governor", string(id)))
			continue
		}
		s.applyObjectUpdate(w, o, ou)
	}

	s.turn()
}

func (s *State) applyTaskUpdate(w *graph.Governor, t *graph.Task, tu v1.TaskUpdate) {
	s.updates.AddTask(t)

	switch tu.State {
	case v1.TaskStateRunning:
		if t.State != v1.TaskStateAssigned {
			s.log.Warn("unexpected running transition",
				zap.String("task", t.ID().String()), zap.String("from", string(t.State)))
			return
		}
		t.State = v1.TaskStateRunning
		t.Info = tu.Info
		s.emit(events.TypeTaskStarted, &t.Session.ID, events.TaskStarted{Task: t.ID(), Governor: w.ID})

	case v1.TaskStateFinished:
		session := t.Session
		session.TaskFinished()
		t.State = v1.TaskStateFinished
		t.Info = tu.Info
		t.Assigned = nil
		delete(w.AssignedTasks, t.ID())
		delete(w.ScheduledTasks, t.ID())
		delete(w.ScheduledReadyTasks, t.ID())
		w.ActiveResources -= t.Spec.Resources.CPUs
		t.Scheduled = nil
		s.emit(events.TypeTaskFinished, &session.ID, events.TaskFinished{Task: t.ID()})
		s.notify(bus.SubjectTaskUpdated, taskNotification(t))

		s.waiters.TaskFinished(t.ID())
		if session.AllDone() {
			s.waiters.SessionAllDone(session.ID)
		}

		// Inputs of the finished task may have lost their last consumer.
		for _, input := range t.Inputs {
			if _, needed := input.NeedBy[t.ID()]; needed {
				delete(input.NeedBy, t.ID())
				if !input.IsNeeded() {
					s.purgeObject(input)
				}
			}
		}
		s.underload[w.ID] = w

	case v1.TaskStateFailed:
		message := tu.Info.Error
		if message == "" {
			message = "task failed, but no error attribute was set"
		}
		t.State = v1.TaskStateFailed
		t.Info = tu.Info
		t.Assigned = nil
		delete(w.AssignedTasks, t.ID())
		w.ActiveResources -= t.Spec.Resources.CPUs
		s.underload[w.ID] = w
		s.emit(events.TypeTaskFailed, &t.Session.ID, events.TaskFailed{
			Task:     t.ID(),
			Governor: w.ID,
			ErrorMsg: message,
		})
		s.failSession(t.Session, message, tu.Info.Debug, t.ID(), events.ReasonError)

	default:
		s.log.Warn("invalid task state from governor",
			zap.String("task", t.ID().String()), zap.String("state", string(tu.State)))
	}
}

func (s *State) applyObjectUpdate(w *graph.Governor, o *graph.DataObject, ou v1.ObjectUpdate) {
	if ou.State != v1.ObjectStateFinished {
		s.log.Warn("invalid object state from governor",
			zap.String("object", o.ID().String()), zap.String("state", string(ou.State)))
		return
	}
	if _, assigned := o.Assigned[w.ID]; !assigned {
		// An input copy the governor fetched for itself; its local cache
		// handles the lifetime, the server does not track it.
		return
	}

	s.updates.AddObject(o, w)
	o.Located[w.ID] = w
	w.LocatedObjects[o.ID()] = o

	switch o.State {
	case v1.ObjectStateUnfinished:
		o.State = v1.ObjectStateFinished
		o.Info = ou.Info
		s.emit(events.TypeDataObjectFinished, &o.Session.ID, events.DataObjectFinished{
			Object:   o.ID(),
			Governor: w.ID,
			Size:     o.Size(),
		})
		s.notify(bus.SubjectObjectUpdated, objectNotification(o))
		s.waiters.ObjectFinished(o.ID())

		for _, consumer := range o.Consumers {
			delete(consumer.WaitingFor, o.ID())
			if consumer.State != v1.TaskStateFailed {
				s.updateTaskAssignment(consumer)
			}
		}
		if o.IsNeeded() {
			s.updateObjectAssignments(o, w)
		} else {
			s.purgeObject(o)
		}

	case v1.ObjectStateFinished:
		// A replica finished cloning to another governor.
		s.updateObjectAssignments(o, w)

	default:
		s.log.Warn("finished report for removed object",
			zap.String("object", o.ID().String()), zap.String("governor", string(w.ID)))
	}
}

// AppendGovernorEvents stores events pushed by a governor (monitoring
// samples and the like).
func (s *State) AppendGovernorEvents(id v1.GovernorID, msg v1.PushEventsMsg) {
	for _, pe := range msg.Events {
		ts, err := time.Parse(time.RFC3339Nano, pe.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		s.eventLog.Append(events.Event{
			Type:      pe.EventType,
			Timestamp: ts,
			Payload:   json.RawMessage(pe.Event),
		})
	}
}

func taskNotification(t *graph.Task) map[string]interface{} {
	return map[string]interface{}{
		"id":    t.ID(),
		"state": t.State,
		"info":  t.Info,
	}
}

func objectNotification(o *graph.DataObject) map[string]interface{} {
	return map[string]interface{}{
		"id":    o.ID(),
		"state": o.State,
		"info":  o.Info,
	}
}
