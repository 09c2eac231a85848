package state

import (
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/server/graph"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// failSession puts a session into its terminal error state: every task and
// object is unscheduled, unassigned and removed, all waiters fail with the
// session error, and the session id joins the ignore list so late governor
// updates are dropped. The whole sequence runs atomically under the state
// lock. Caller holds the lock.
func (s *State) failSession(session *graph.Session, message, debug string, taskID v1.TaskID, reason events.SessionClosedReason) {
	if session.Error != nil {
		return
	}
	s.log.Info("failing session",
		zap.Int32("session", int32(session.ID)),
		zap.String("cause", message))

	session.Error = &v1.SessionError{Message: message, Debug: debug, Task: taskID}
	s.clearSession(session)
	s.waiters.SessionFailed(session.ID, session.Error)
	s.emit(events.TypeSessionClosed, &session.ID, events.SessionClosed{
		Session: session.ID,
		Reason:  reason,
		Cause:   message,
	})
	s.notify(bus.SubjectSessionFailed, map[string]interface{}{
		"session_id": session.ID,
		"error":      session.Error,
	})
}

// clearSession strips a session of all entities: tasks first (unassigning
// where needed), then objects. The session id enters the ignore list with
// the grace timestamp. Caller holds the lock.
func (s *State) clearSession(session *graph.Session) {
	s.ignoredSessions[session.ID] = time.Now()

	for _, t := range session.Tasks {
		if t.Assigned != nil {
			w := t.Assigned
			w.Control.StopTasks(v1.StopTasksMsg{Tasks: []v1.TaskID{t.ID()}})
			delete(w.AssignedTasks, t.ID())
			t.Assigned = nil
		}
		if t.Scheduled != nil {
			if t.State != v1.TaskStateFinished && t.State != v1.TaskStateFailed {
				t.Scheduled.ActiveResources -= t.Spec.Resources.CPUs
			}
			delete(t.Scheduled.ScheduledTasks, t.ID())
			delete(t.Scheduled.ScheduledReadyTasks, t.ID())
			t.Scheduled = nil
		}
		s.updates.RemoveTask(t)
		s.graph.RemoveTask(t)
	}

	for _, o := range session.Objects {
		o.ClientKeep = false
		for _, w := range sortedGovernorSet(o.Scheduled) {
			delete(w.ScheduledObjects, o.ID())
		}
		o.Scheduled = make(map[v1.GovernorID]*graph.Governor)
		for _, w := range sortedGovernorSet(o.Assigned) {
			w.Control.UnassignObjects(v1.UnassignObjectsMsg{Objects: []v1.ObjectID{o.ID()}})
			delete(o.Assigned, w.ID)
			delete(w.AssignedObjects, o.ID())
			delete(o.Located, w.ID)
			delete(w.LocatedObjects, o.ID())
		}
		o.State = v1.ObjectStateRemoved
		o.Data = nil
		s.updates.RemoveObject(o)
		if err := s.graph.RemoveObject(o); err != nil {
			s.log.Fatal("clearing session left a linked object", zap.Error(err))
		}
	}
}

// removeSession closes a session on client request.
func (s *State) removeSession(session *graph.Session) {
	if session.Error == nil {
		s.clearSession(session)
		s.emit(events.TypeSessionClosed, &session.ID, events.SessionClosed{
			Session: session.ID,
			Reason:  events.ReasonClientClose,
		})
	}
	delete(s.graph.Sessions, session.ID)
	delete(session.Client.Sessions, session.ID)
}
