package client

import (
	"context"
	"encoding/json"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	ws "github.com/taskmesh/taskmesh/pkg/websocket"
)

// Session wraps one server session plus a submit batch under construction.
// Ids are allocated client-side, monotonically per session.
type Session struct {
	ID     v1.SessionID
	client *Client

	nextID  v1.ID
	pending v1.SubmitRequest
}

// NewSession opens a session on the server.
func (c *Client) NewSession(ctx context.Context, spec v1.SessionSpec) (*Session, error) {
	var resp v1.NewSessionResponse
	if err := c.call(ctx, ws.ActionNewSession, v1.NewSessionRequest{Spec: spec}, &resp); err != nil {
		return nil, err
	}
	return &Session{ID: resp.SessionID, client: c}, nil
}

// Close closes the session server-side.
func (s *Session) Close(ctx context.Context) error {
	return s.client.call(ctx, ws.ActionCloseSession,
		v1.CloseSessionRequest{SessionID: s.ID}, &v1.CloseSessionResponse{})
}

func (s *Session) allocID() v1.ID {
	s.nextID++
	return s.nextID
}

// BlobObject adds an uploaded blob object to the pending batch.
func (s *Session) BlobObject(label string, keep bool, data []byte) v1.ObjectID {
	id := v1.NewObjectID(s.ID, s.allocID())
	s.pending.Objects = append(s.pending.Objects, v1.SubmittedObject{
		Spec: v1.ObjectSpec{
			ID:       id,
			Label:    label,
			DataType: v1.DataTypeBlob,
		},
		Keep:    keep,
		HasData: true,
		Data:    data,
	})
	return id
}

// OutputObject adds a produced object (blob or directory) to the batch.
func (s *Session) OutputObject(label string, dataType v1.DataType, keep bool) v1.ObjectID {
	id := v1.NewObjectID(s.ID, s.allocID())
	s.pending.Objects = append(s.pending.Objects, v1.SubmittedObject{
		Spec: v1.ObjectSpec{
			ID:       id,
			Label:    label,
			DataType: dataType,
		},
		Keep: keep,
	})
	return id
}

// Task adds a task to the batch.
func (s *Session) Task(taskType string, inputs []v1.TaskInput, outputs []v1.ObjectID, cpus int, config interface{}) (v1.TaskID, error) {
	id := v1.NewTaskID(s.ID, s.allocID())
	var raw json.RawMessage
	if config != nil {
		encoded, err := json.Marshal(config)
		if err != nil {
			return v1.TaskID{}, err
		}
		raw = encoded
	}
	s.pending.Tasks = append(s.pending.Tasks, v1.SubmittedTask{
		Spec: v1.TaskSpec{
			ID:        id,
			TaskType:  taskType,
			Inputs:    inputs,
			Outputs:   outputs,
			Resources: v1.Resources{CPUs: cpus},
			Config:    raw,
		},
	})
	return id, nil
}

// Submit ships the pending batch and resets it.
func (s *Session) Submit(ctx context.Context) error {
	batch := s.pending
	s.pending = v1.SubmitRequest{}
	return s.client.Submit(ctx, batch)
}

// WaitAll blocks until every task of the session finished.
func (s *Session) WaitAll(ctx context.Context) error {
	return s.client.Wait(ctx, []v1.TaskID{v1.NewTaskID(s.ID, v1.AllTasksID)}, nil)
}
