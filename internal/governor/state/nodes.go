package state

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/governor/data"
	"github.com/taskmesh/taskmesh/internal/governor/fetch"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// handleAddNodes installs objects and tasks assigned by the server.
func (s *State) handleAddNodes(msg v1.AddNodesMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, assignment := range msg.NewObjects {
		s.addObject(assignment)
	}
	for _, spec := range msg.NewTasks {
		s.addTask(spec)
	}
	s.schedule()
	s.flushUpdates()
}

func (s *State) addObject(assignment v1.ObjectAssignment) {
	id := assignment.Spec.ID
	if o, exists := s.objects[id]; exists {
		// Re-taken while waiting for deletion, or an input copy being
		// promoted to a hosted one.
		delete(s.deleteWait, id)
		if assignment.Assigned && !o.Assigned {
			o.Assigned = true
			if o.State == ObjectFinished {
				s.updatedObjects[id] = o
			}
		}
		return
	}

	o := &Object{
		Spec:      assignment.Spec,
		State:     ObjectAssigned,
		Assigned:  assignment.Assigned,
		Placement: assignment.Placement,
		Consumers: make(map[v1.TaskID]*Task),
	}
	if assignment.Info != nil {
		o.Info = *assignment.Info
	}
	s.objects[id] = o

	if assignment.State == v1.ObjectStateFinished {
		// The bytes exist remotely (peer governor or server); pull them.
		o.State = ObjectRemote
		s.startFetch(o)
	}
}

// startFetch launches the pull of a remote object. Caller holds the lock.
func (s *State) startFetch(o *Object) {
	ctx, cancel := context.WithCancel(s.bg)
	o.cancel = cancel
	o.State = ObjectPulling
	opts := fetch.Options{
		ID:         o.ID(),
		DataType:   o.Spec.DataType,
		TargetPath: s.workDir.NewObjectPath(),
		Placement:  o.Placement,
	}
	go func() {
		d, info, err := fetch.Fetch(ctx, s, opts)
		s.fetchDone(o, d, info, err)
	}()
}

func (s *State) fetchDone(o *Object, d *data.Data, info *v1.ObjectInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.State == ObjectRemoved {
		if d != nil {
			_ = d.Remove()
		}
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, fetch.ErrRemoved), errors.Is(err, fetch.ErrIgnored):
			// The owning session is going away; drop the object quietly.
			s.removeObject(o)
		default:
			// A failed pull fails the pulling task, which in turn fails its
			// session server-side.
			s.log.Error("object fetch failed",
				zap.String("object", o.ID().String()), zap.Error(err))
			s.failConsumers(o, "fetch of object "+o.ID().String()+" failed: "+err.Error())
			s.removeObject(o)
		}
		s.flushUpdates()
		return
	}

	o.Data = d
	if info != nil {
		o.Info = *info
	}
	if o.Info.Size == nil {
		size := d.Size()
		o.Info.Size = &size
	}
	s.objectFinished(o)
	s.schedule()
	s.flushUpdates()
}

// objectFinished promotes an object to Finished and wakes its consumers.
// Caller holds the lock.
func (s *State) objectFinished(o *Object) {
	if o.State == ObjectRemoved {
		return
	}
	o.State = ObjectFinished
	o.cancel = nil
	if o.Info.Size == nil && o.Data != nil {
		size := o.Data.Size()
		o.Info.Size = &size
	}

	for _, t := range o.Consumers {
		delete(t.WaitingFor, o.ID())
		if len(t.WaitingFor) == 0 && t.State == TaskAssigned {
			s.ready = append(s.ready, t)
		}
	}
	if o.Assigned {
		s.updatedObjects[o.ID()] = o
	}
	s.removeIfNotNeeded(o)
}

// failConsumers reports every consumer of a lost object as failed.
func (s *State) failConsumers(o *Object, message string) {
	for _, t := range o.Consumers {
		if t.State == TaskFinished || t.State == TaskFailed {
			continue
		}
		t.State = TaskFailed
		t.Info.Error = message
		s.updatedTasks[t.ID()] = t
	}
}

func (s *State) addTask(spec v1.TaskSpec) {
	t := &Task{
		Spec:       spec,
		State:      TaskAssigned,
		WaitingFor: make(map[v1.ObjectID]struct{}),
	}
	complete := true
	for _, input := range spec.Inputs {
		o, ok := s.objects[input.ID]
		if !ok {
			s.log.Error("task input missing from local graph",
				zap.String("task", spec.ID.String()), zap.String("object", input.ID.String()))
			t.State = TaskFailed
			t.Info.Error = "input object " + input.ID.String() + " missing on governor"
			s.updatedTasks[t.ID()] = t
			complete = false
			break
		}
		delete(s.deleteWait, input.ID)
		t.Inputs = append(t.Inputs, o)
		o.Consumers[t.ID()] = t
		if o.State != ObjectFinished {
			t.WaitingFor[o.ID()] = struct{}{}
		}
	}
	if !complete {
		return
	}
	for _, outputID := range spec.Outputs {
		o, ok := s.objects[outputID]
		if !ok {
			s.log.Error("task output missing from local graph",
				zap.String("task", spec.ID.String()), zap.String("object", outputID.String()))
			continue
		}
		t.Outputs = append(t.Outputs, o)
	}

	s.tasks[spec.ID] = t
	if len(t.WaitingFor) == 0 {
		s.ready = append(s.ready, t)
	}
}

// handleStopTasks cancels or discards tasks; nothing is reported back, the
// server already moved them elsewhere.
func (s *State) handleStopTasks(msg v1.StopTasksMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range msg.Tasks {
		s.stopTask(id)
	}
	s.schedule()
	s.flushUpdates()
}

func (s *State) stopTask(id v1.TaskID) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
	for i, ready := range s.ready {
		if ready == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
	s.unregisterTask(t)
}

// unregisterTask unlinks a task; unneeded inputs go to the delete-wait
// list. Caller holds the lock.
func (s *State) unregisterTask(t *Task) {
	delete(s.tasks, t.ID())
	delete(s.running, t.ID())
	delete(s.updatedTasks, t.ID())
	for _, o := range t.Inputs {
		if _, ok := o.Consumers[t.ID()]; ok {
			delete(o.Consumers, t.ID())
			s.removeIfNotNeeded(o)
		}
	}
}

// handleUnassignObjects discards hosted object copies.
func (s *State) handleUnassignObjects(msg v1.UnassignObjectsMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range msg.Objects {
		o, ok := s.objects[id]
		if !ok {
			continue
		}
		o.Assigned = false
		delete(s.updatedObjects, id)
		s.removeIfNotNeeded(o)
	}
}

// removeIfNotNeeded queues an unneeded object for deletion, or removes it
// at once when it never finished or the wait list is full. Caller holds
// the lock.
func (s *State) removeIfNotNeeded(o *Object) {
	if o.Assigned || len(o.Consumers) > 0 || o.State == ObjectRemoved {
		return
	}
	if o.State != ObjectFinished || len(s.deleteWait) > deleteWaitLimit {
		s.removeObject(o)
		return
	}
	if _, waiting := s.deleteWait[o.ID()]; !waiting {
		s.deleteWait[o.ID()] = time.Now().Add(deleteWaitTimeout)
	}
}

// removeObject drops an object and its bytes. Caller holds the lock.
func (s *State) removeObject(o *Object) {
	if o.State == ObjectRemoved {
		return
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	delete(s.views, o.ID())
	if o.Data != nil {
		if err := o.Data.Remove(); err != nil {
			s.log.Warn("removing object data failed",
				zap.String("object", o.ID().String()), zap.Error(err))
		}
		o.Data = nil
	}
	o.State = ObjectRemoved
	delete(s.objects, o.ID())
	delete(s.deleteWait, o.ID())
	delete(s.updatedObjects, o.ID())
}

// flushUpdates ships the pending state updates to the server in one
// ordered batch. Caller holds the lock.
func (s *State) flushUpdates() {
	if s.upstream == nil || (len(s.updatedTasks) == 0 && len(s.updatedObjects) == 0) {
		return
	}
	var update v1.StateUpdate

	taskIDs := make([]v1.TaskID, 0, len(s.updatedTasks))
	for id := range s.updatedTasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i].Less(taskIDs[j]) })
	for _, id := range taskIDs {
		t := s.updatedTasks[id]
		update.Tasks = append(update.Tasks, v1.TaskUpdate{
			ID:    id,
			State: apiTaskState(t.State),
			Info:  t.Info,
		})
	}

	objectIDs := make([]v1.ObjectID, 0, len(s.updatedObjects))
	for id := range s.updatedObjects {
		objectIDs = append(objectIDs, id)
	}
	sort.Slice(objectIDs, func(i, j int) bool { return objectIDs[i].Less(objectIDs[j]) })
	for _, id := range objectIDs {
		o := s.updatedObjects[id]
		update.Objects = append(update.Objects, v1.ObjectUpdate{
			ID:    id,
			State: v1.ObjectStateFinished,
			Info:  o.Info,
		})
	}

	s.updatedTasks = make(map[v1.TaskID]*Task)
	s.updatedObjects = make(map[v1.ObjectID]*Object)

	if err := s.upstream.Send(v1.MsgUpdateStates, v1.UpdateStatesMsg{Update: update}); err != nil {
		s.log.Error("state update send failed", zap.Error(err))
	}
}

func apiTaskState(state TaskState) v1.TaskState {
	switch state {
	case TaskRunning:
		return v1.TaskStateRunning
	case TaskFinished:
		return v1.TaskStateFinished
	case TaskFailed:
		return v1.TaskStateFailed
	}
	return v1.TaskStateAssigned
}
