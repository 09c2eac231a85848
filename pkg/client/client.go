// Package client is the Go SDK for taskmesh: it speaks the websocket RPC
// surface of the server and follows data redirects to governors for
// fetches.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	ws "github.com/taskmesh/taskmesh/pkg/websocket"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

// Client is one registered connection to a taskmesh server.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan *ws.Message
	closed   bool
	closeErr error

	// Notifications receives server push messages; nil by default.
	Notifications chan *ws.Message
}

// Connect dials ws://address/ws and registers the client.
func Connect(ctx context.Context, address string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+address+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to server %s: %w", address, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *ws.Message),
	}
	go c.readLoop()

	var resp v1.RegisterClientResponse
	if err := c.call(ctx, ws.ActionRegisterClient,
		v1.RegisterClientRequest{Version: v1.ProtocolVersion}, &resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan *ws.Message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.closed = true
			pending := c.pending
			c.pending = make(map[string]chan *ws.Message)
			c.mu.Unlock()
			for _, ch := range pending {
				close(ch)
			}
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == ws.MessageTypeNotification {
			if c.Notifications != nil {
				select {
				case c.Notifications <- &msg:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

// call performs one request/response round-trip.
func (c *Client) call(ctx context.Context, action string, payload, out interface{}) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	req, err := ws.NewRequest(id, action, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan *ws.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.pending[id] = ch
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed during %s", action)
		}
		if resp.Type == ws.MessageTypeError {
			var errPayload ws.ErrorPayload
			_ = resp.ParsePayload(&errPayload)
			return fmt.Errorf("%s: %s", errPayload.Code, errPayload.Message)
		}
		if out != nil {
			return resp.ParsePayload(out)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// ServerInfo returns the governor summary.
func (c *Client) ServerInfo(ctx context.Context) (v1.GetServerInfoResponse, error) {
	var resp v1.GetServerInfoResponse
	err := c.call(ctx, ws.ActionGetServerInfo, v1.GetServerInfoRequest{}, &resp)
	return resp, err
}

// Submit ships a task/object batch.
func (c *Client) Submit(ctx context.Context, req v1.SubmitRequest) error {
	return c.call(ctx, ws.ActionSubmit, req, &v1.SubmitResponse{})
}

// Wait blocks until all listed entities finish; a session failure comes
// back as *v1.SessionError.
func (c *Client) Wait(ctx context.Context, tasks []v1.TaskID, objects []v1.ObjectID) error {
	var resp v1.WaitResponse
	if err := c.call(ctx, ws.ActionWait, v1.WaitRequest{TaskIDs: tasks, ObjectIDs: objects}, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// WaitSome blocks until at least one listed entity finishes.
func (c *Client) WaitSome(ctx context.Context, tasks []v1.TaskID, objects []v1.ObjectID) (v1.WaitSomeResponse, error) {
	var resp v1.WaitSomeResponse
	err := c.call(ctx, ws.ActionWaitSome, v1.WaitSomeRequest{TaskIDs: tasks, ObjectIDs: objects}, &resp)
	if err == nil && resp.Error != nil {
		return resp, resp.Error
	}
	return resp, err
}

// GetState reports entity states.
func (c *Client) GetState(ctx context.Context, tasks []v1.TaskID, objects []v1.ObjectID) (v1.GetStateResponse, error) {
	var resp v1.GetStateResponse
	err := c.call(ctx, ws.ActionGetState, v1.GetStateRequest{TaskIDs: tasks, ObjectIDs: objects}, &resp)
	if err == nil && resp.Error != nil {
		return resp, resp.Error
	}
	return resp, err
}

// Unkeep drops keep flags.
func (c *Client) Unkeep(ctx context.Context, objects []v1.ObjectID) error {
	var resp v1.UnkeepResponse
	if err := c.call(ctx, ws.ActionUnkeep, v1.UnkeepRequest{ObjectIDs: objects}, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Terminate asks the server to shut down.
func (c *Client) Terminate(ctx context.Context) error {
	return c.call(ctx, ws.ActionTerminateServer, v1.TerminateServerRequest{}, nil)
}

// FetchAll pulls an object's full content, following a server redirect to
// the governor holding the bytes and chunking the transfer.
func (c *Client) FetchAll(ctx context.Context, id v1.ObjectID) ([]byte, error) {
	const chunkSize = 4 << 20

	var reply v1.FetchReplyMsg
	if err := c.call(ctx, ws.ActionFetch, v1.FetchMsg{
		ID: id, Offset: 0, Size: chunkSize, IncludeInfo: true,
	}, &reply); err != nil {
		return nil, err
	}

	switch reply.Status {
	case v1.FetchOk:
		result := append([]byte(nil), reply.Data...)
		for uint64(len(result)) < reply.TransportSize {
			var next v1.FetchReplyMsg
			if err := c.call(ctx, ws.ActionFetch, v1.FetchMsg{
				ID: id, Offset: uint64(len(result)), Size: chunkSize,
			}, &next); err != nil {
				return nil, err
			}
			if next.Status != v1.FetchOk || len(next.Data) == 0 {
				return nil, fmt.Errorf("fetch of %s interrupted with status %q", id, next.Status)
			}
			result = append(result, next.Data...)
		}
		return result, nil
	case v1.FetchRedirect:
		return c.fetchFromGovernor(ctx, reply.Redirect, id)
	case v1.FetchRemoved:
		return nil, fmt.Errorf("object %s was removed", id)
	case v1.FetchError:
		if reply.Error != nil {
			return nil, reply.Error
		}
		return nil, fmt.Errorf("fetch of %s failed", id)
	default:
		return nil, fmt.Errorf("fetch of %s: status %q", id, reply.Status)
	}
}

// fetchFromGovernor pulls object bytes straight from a governor's fetch
// endpoint over the framed wire protocol.
func (c *Client) fetchFromGovernor(ctx context.Context, governor v1.GovernorID, id v1.ObjectID) ([]byte, error) {
	const chunkSize = 4 << 20

	netConn, err := net.Dial("tcp", string(governor))
	if err != nil {
		return nil, fmt.Errorf("connecting to governor %s: %w", governor, err)
	}
	conn := wire.NewConn(netConn)
	defer conn.Close()
	go func() { _ = conn.Serve(ctx, func(*wire.Envelope) {}) }()

	var result []byte
	var total uint64
	for {
		env, err := conn.Request(ctx, v1.MsgFetch, v1.FetchMsg{
			ID:     id,
			Offset: uint64(len(result)),
			Size:   chunkSize,
		})
		if err != nil {
			return nil, err
		}
		var reply v1.FetchReplyMsg
		if err := env.Decode(&reply); err != nil {
			return nil, err
		}
		switch reply.Status {
		case v1.FetchOk:
			result = append(result, reply.Data...)
			total = reply.TransportSize
			if uint64(len(result)) >= total {
				return result, nil
			}
			if len(reply.Data) == 0 {
				return nil, fmt.Errorf("fetch of %s stalled", id)
			}
		case v1.FetchNotHere:
			return nil, fmt.Errorf("governor %s does not hold object %s", governor, id)
		case v1.FetchRemoved:
			return nil, fmt.Errorf("object %s was removed", id)
		default:
			return nil, fmt.Errorf("fetch of %s: status %q", id, reply.Status)
		}
	}
}
