package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/server/graph"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// AddClient registers a connected client.
func (s *State) AddClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.graph.Clients[clientID]; exists {
		return
	}
	s.graph.Clients[clientID] = graph.NewClient(clientID)
	s.emit(events.TypeClientNew, nil, events.ClientNew{Client: clientID})
}

// RemoveClient drops a client and all its sessions.
func (s *State) RemoveClient(clientID string, errorMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.graph.Clients[clientID]
	if !ok {
		return
	}
	for _, session := range sortedSessions(client.Sessions) {
		s.removeSession(session)
	}
	delete(s.graph.Clients, clientID)
	s.emit(events.TypeClientRemoved, nil, events.ClientRemoved{Client: clientID, ErrorMsg: errorMsg})
	s.turn()
}

// NewSession opens a session for the client.
func (s *State) NewSession(clientID string, spec v1.SessionSpec) (v1.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.graph.Clients[clientID]
	if !ok {
		return 0, fmt.Errorf("client %s is not registered", clientID)
	}
	session := s.graph.AddSession(client, spec)
	s.emit(events.TypeSessionNew, &session.ID, events.SessionNew{
		Session: session.ID,
		Client:  clientID,
	})
	return session.ID, nil
}

// CloseSession closes a session and removes everything it owns.
func (s *State) CloseSession(id v1.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.graph.SessionByID(id)
	if err != nil {
		return err
	}
	s.removeSession(session)
	s.turn()
	return nil
}

// Submit validates and inserts a task/object batch atomically: on any
// validation error nothing is inserted and the error goes back to the
// client.
func (s *State) Submit(clientID string, req v1.SubmitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.submitSession(req)
	if err != nil {
		s.emit(events.TypeClientInvalidRequest, nil, events.ClientInvalidRequest{
			Client:   clientID,
			ErrorMsg: err.Error(),
		})
		return err
	}
	if err := s.graph.ValidateSubmit(session, req.Tasks, req.Objects); err != nil {
		s.emit(events.TypeClientInvalidRequest, &session.ID, events.ClientInvalidRequest{
			Client:   clientID,
			ErrorMsg: err.Error(),
		})
		return err
	}

	taskIDs := make([]v1.TaskID, 0, len(req.Tasks))
	objectIDs := make([]v1.ObjectID, 0, len(req.Objects))

	for _, so := range req.Objects {
		var data []byte
		if so.HasData {
			data = so.Data
			if data == nil {
				data = []byte{}
			}
		}
		o, err := s.graph.AddObject(session, so.Spec, so.Keep, data)
		if err != nil {
			s.log.Fatal("validated submit failed to insert object: " + err.Error())
		}
		s.updates.AddNewObject(o)
		objectIDs = append(objectIDs, o.ID())
	}
	for _, st := range req.Tasks {
		t, err := s.graph.AddTask(session, st.Spec)
		if err != nil {
			s.log.Fatal("validated submit failed to insert task: " + err.Error())
		}
		s.updates.AddNewTask(t)
		taskIDs = append(taskIDs, t.ID())
	}
	// Tasks whose inputs are all finished (or absent) become Ready now.
	for _, id := range taskIDs {
		if t, ok := s.graph.Tasks[id]; ok {
			s.updateTaskAssignment(t)
		}
	}

	s.emit(events.TypeClientSubmit, &session.ID, events.ClientSubmit{
		Tasks:   taskIDs,
		Objects: objectIDs,
	})
	s.turn()
	return nil
}

// submitSession resolves the single session a submit batch belongs to.
func (s *State) submitSession(req v1.SubmitRequest) (*graph.Session, error) {
	var sessionID v1.SessionID
	switch {
	case len(req.Tasks) > 0:
		sessionID = req.Tasks[0].Spec.ID.SessionID
	case len(req.Objects) > 0:
		sessionID = req.Objects[0].Spec.ID.SessionID
	default:
		return nil, fmt.Errorf("empty submit")
	}
	session, err := s.graph.SessionByID(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Error != nil {
		return nil, session.Error
	}
	return session, nil
}

// Unkeep drops the client keep flag from objects. Calling it twice on the
// same ids equals calling it once.
func (s *State) Unkeep(ids []v1.ObjectID) (*v1.SessionError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		o, sessionErr, err := s.objectByIDCheckSession(id)
		if sessionErr != nil {
			return sessionErr, nil
		}
		if err != nil {
			return nil, err
		}
		o.ClientKeep = false
		if !o.IsNeeded() {
			for _, w := range sortedGovernorSet(o.Scheduled) {
				delete(w.ScheduledObjects, o.ID())
			}
			o.Scheduled = make(map[v1.GovernorID]*graph.Governor)
			s.updateObjectAssignments(o, nil)
		}
	}
	s.emit(events.TypeClientUnkeep, nil, events.ClientUnkeep{Objects: ids})
	s.turn()
	return nil, nil
}

// Wait blocks until all listed tasks and objects finish, or the owning
// session fails. The AllTasksID sentinel waits for every task of its
// session.
func (s *State) Wait(ctx context.Context, req v1.WaitRequest) (*v1.SessionError, error) {
	s.mu.Lock()
	w := &waiter{mode: waitAll, done: make(chan *v1.SessionError, 1)}

	for _, id := range req.TaskIDs {
		if id.IsAllTasks() {
			session, sessionErr, err := s.sessionCheck(id.SessionID)
			if sessionErr != nil || err != nil {
				s.mu.Unlock()
				return sessionErr, err
			}
			if session.UnfinishedTasks > 0 {
				w.remaining++
				s.waiters.watchSessionAll(w, session.ID)
			}
			continue
		}
		t, sessionErr, err := s.taskByIDCheckSession(id)
		if sessionErr != nil || err != nil {
			s.mu.Unlock()
			return sessionErr, err
		}
		if t.State != v1.TaskStateFinished {
			w.remaining++
			s.waiters.watchTask(w, id)
		}
	}
	for _, id := range req.ObjectIDs {
		o, sessionErr, err := s.objectByIDCheckSession(id)
		if sessionErr != nil || err != nil {
			s.mu.Unlock()
			return sessionErr, err
		}
		if o.State == v1.ObjectStateUnfinished {
			w.remaining++
			s.waiters.watchObject(w, id)
		}
	}

	if w.remaining == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	select {
	case sessionErr := <-w.done:
		return sessionErr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitSome blocks until at least one of the listed entities is finished and
// returns everything finished at that moment. It never returns empty unless
// the owning session failed.
func (s *State) WaitSome(ctx context.Context, req v1.WaitSomeRequest) (v1.WaitSomeResponse, error) {
	s.mu.Lock()
	w := &waiter{mode: waitAny, done: make(chan *v1.SessionError, 1)}

	anyFinished := false
	for _, id := range req.TaskIDs {
		t, sessionErr, err := s.taskByIDCheckSession(id)
		if sessionErr != nil {
			s.mu.Unlock()
			return v1.WaitSomeResponse{Error: sessionErr}, nil
		}
		if err != nil {
			s.mu.Unlock()
			return v1.WaitSomeResponse{}, err
		}
		if t.State == v1.TaskStateFinished {
			anyFinished = true
		} else {
			s.waiters.watchTask(w, id)
		}
	}
	for _, id := range req.ObjectIDs {
		o, sessionErr, err := s.objectByIDCheckSession(id)
		if sessionErr != nil {
			s.mu.Unlock()
			return v1.WaitSomeResponse{Error: sessionErr}, nil
		}
		if err != nil {
			s.mu.Unlock()
			return v1.WaitSomeResponse{}, err
		}
		if o.State == v1.ObjectStateFinished {
			anyFinished = true
		} else {
			s.waiters.watchObject(w, id)
		}
	}
	s.mu.Unlock()

	if !anyFinished {
		select {
		case sessionErr := <-w.done:
			if sessionErr != nil {
				return v1.WaitSomeResponse{Error: sessionErr}, nil
			}
		case <-ctx.Done():
			return v1.WaitSomeResponse{}, ctx.Err()
		}
	}

	return s.collectFinished(req), nil
}

func (s *State) collectFinished(req v1.WaitSomeRequest) v1.WaitSomeResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var resp v1.WaitSomeResponse
	for _, id := range req.TaskIDs {
		if t, ok := s.graph.Tasks[id]; ok && t.State == v1.TaskStateFinished {
			resp.FinishedTasks = append(resp.FinishedTasks, id)
		}
	}
	for _, id := range req.ObjectIDs {
		if o, ok := s.graph.Objects[id]; ok && o.State == v1.ObjectStateFinished {
			resp.FinishedObjects = append(resp.FinishedObjects, id)
		}
	}
	return resp
}

// GetState reports the current state of the listed entities.
func (s *State) GetState(req v1.GetStateRequest) (v1.GetStateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resp v1.GetStateResponse
	for _, id := range req.TaskIDs {
		t, sessionErr, err := s.taskByIDCheckSession(id)
		if sessionErr != nil {
			return v1.GetStateResponse{Error: sessionErr}, nil
		}
		if err != nil {
			return v1.GetStateResponse{}, err
		}
		resp.Update.Tasks = append(resp.Update.Tasks, v1.TaskUpdate{
			ID:    id,
			State: t.State,
			Info:  t.Info,
		})
	}
	for _, id := range req.ObjectIDs {
		o, sessionErr, err := s.objectByIDCheckSession(id)
		if sessionErr != nil {
			return v1.GetStateResponse{Error: sessionErr}, nil
		}
		if err != nil {
			return v1.GetStateResponse{}, err
		}
		resp.Update.Objects = append(resp.Update.Objects, v1.ObjectUpdate{
			ID:    id,
			State: o.State,
			Info:  o.Info,
		})
	}
	return resp, nil
}

// Fetch serves a client fetch: inline data directly, otherwise a redirect
// to a governor holding the bytes. Blocks while the object is unfinished.
func (s *State) Fetch(ctx context.Context, req v1.FetchMsg) (v1.FetchReplyMsg, error) {
	if req.Size > v1.MaxClientFetchSize {
		return v1.FetchReplyMsg{
			Status: v1.FetchError,
			Error:  &v1.SessionError{Message: "fetch size is too big"},
		}, nil
	}

	for {
		s.mu.Lock()
		o, sessionErr, err := s.objectByIDCheckSession(req.ID)
		if sessionErr != nil {
			s.mu.Unlock()
			return v1.FetchReplyMsg{Status: v1.FetchError, Error: sessionErr}, nil
		}
		if err != nil {
			if s.isSessionIgnored(req.ID.SessionID) {
				s.mu.Unlock()
				return v1.FetchReplyMsg{Status: v1.FetchIgnored}, nil
			}
			s.mu.Unlock()
			return v1.FetchReplyMsg{}, err
		}

		switch o.State {
		case v1.ObjectStateRemoved:
			s.mu.Unlock()
			return v1.FetchReplyMsg{Status: v1.FetchRemoved}, nil

		case v1.ObjectStateFinished:
			if o.Data != nil {
				reply := serveInlineData(o, req)
				s.mu.Unlock()
				return reply, nil
			}
			governors := sortedGovernorSet(o.Located)
			if len(governors) == 0 {
				s.mu.Unlock()
				return v1.FetchReplyMsg{Status: v1.FetchNotHere}, nil
			}
			s.mu.Unlock()
			return v1.FetchReplyMsg{
				Status:   v1.FetchRedirect,
				Redirect: governors[0].ID,
			}, nil

		case v1.ObjectStateUnfinished:
			w := &waiter{mode: waitAll, remaining: 1, done: make(chan *v1.SessionError, 1)}
			s.waiters.watchObject(w, req.ID)
			s.mu.Unlock()
			select {
			case sessionErr := <-w.done:
				if sessionErr != nil {
					return v1.FetchReplyMsg{Status: v1.FetchError, Error: sessionErr}, nil
				}
				// loop and serve the finished object
			case <-ctx.Done():
				return v1.FetchReplyMsg{}, ctx.Err()
			}
		}
	}
}

// ServeData answers a governor's fetch of server-owned (client-uploaded)
// bytes.
func (s *State) ServeData(req v1.FetchMsg) v1.FetchReplyMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.graph.Objects[req.ID]
	if !ok {
		if s.isSessionIgnored(req.ID.SessionID) {
			return v1.FetchReplyMsg{Status: v1.FetchIgnored}
		}
		return v1.FetchReplyMsg{Status: v1.FetchNotHere}
	}
	if o.State == v1.ObjectStateRemoved {
		return v1.FetchReplyMsg{Status: v1.FetchRemoved}
	}
	if o.Data == nil {
		if governors := sortedGovernorSet(o.Located); len(governors) > 0 {
			return v1.FetchReplyMsg{Status: v1.FetchRedirect, Redirect: governors[0].ID}
		}
		return v1.FetchReplyMsg{Status: v1.FetchNotHere}
	}
	return serveInlineData(o, req)
}

func serveInlineData(o *graph.DataObject, req v1.FetchMsg) v1.FetchReplyMsg {
	total := uint64(len(o.Data))
	offset := req.Offset
	if offset > total {
		offset = total
	}
	end := offset + req.Size
	if end > total {
		end = total
	}
	reply := v1.FetchReplyMsg{
		Status:        v1.FetchOk,
		Data:          o.Data[offset:end],
		TransportSize: total,
	}
	if req.IncludeInfo {
		info := o.Info
		reply.Info = &info
	}
	return reply
}

// ServerInfo summarizes the registered governors.
func (s *State) ServerInfo() v1.GetServerInfoResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var resp v1.GetServerInfoResponse
	for _, w := range sortedGovernorSet(s.graph.Governors) {
		resp.Governors = append(resp.Governors, w.Info())
	}
	return resp
}

// Terminate shuts the server down on explicit client request.
func (s *State) Terminate() {
	s.termOnce.Do(func() { close(s.terminate) })
}

// --- lookup helpers with session-error propagation ---

func (s *State) sessionCheck(id v1.SessionID) (*graph.Session, *v1.SessionError, error) {
	session, err := s.graph.SessionByID(id)
	if err != nil {
		return nil, nil, err
	}
	if session.Error != nil {
		return nil, session.Error, nil
	}
	return session, nil, nil
}

func (s *State) taskByIDCheckSession(id v1.TaskID) (*graph.Task, *v1.SessionError, error) {
	session, err := s.graph.SessionByID(id.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Error != nil {
		return nil, session.Error, nil
	}
	t, err := s.graph.TaskByID(id)
	if err != nil {
		return nil, nil, err
	}
	return t, nil, nil
}

func (s *State) objectByIDCheckSession(id v1.ObjectID) (*graph.DataObject, *v1.SessionError, error) {
	session, err := s.graph.SessionByID(id.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Error != nil {
		return nil, session.Error, nil
	}
	o, err := s.graph.ObjectByID(id)
	if err != nil {
		return nil, nil, err
	}
	return o, nil, nil
}

func sortedSessions(set map[v1.SessionID]*graph.Session) []*graph.Session {
	sessions := make([]*graph.Session, 0, len(set))
	for _, session := range set {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}
