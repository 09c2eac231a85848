package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/server/state"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	ws "github.com/taskmesh/taskmesh/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 20 // submits and fetches carry object data
)

// Client is one websocket connection. Its ID doubles as the graph client
// identity once registered.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	state         *state.State
	send          chan []byte
	subscriptions map[v1.SessionID]bool

	mu         sync.Mutex
	closed     bool
	registered bool

	log *logger.Logger
}

// NewClient wraps an accepted websocket connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, st *state.State, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		state:         st,
		send:          make(chan []byte, 256),
		subscriptions: make(map[v1.SessionID]bool),
		log:           log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.state.RemoveClient(c.ID, "")
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format")
			continue
		}

		// Blocking operations (Wait, Fetch on unfinished objects) must not
		// stall the read pump.
		go c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	switch msg.Action {
	case ws.ActionRegisterClient:
		c.handleRegister(msg)
		return
	case ws.ActionSessionSubscribe:
		c.handleSubscribe(msg, true)
		return
	case ws.ActionSessionUnsubscribe:
		c.handleSubscribe(msg, false)
		return
	}

	if !c.isRegistered() {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotRegistered, "client is not registered")
		return
	}

	response, err := c.hub.dispatcher.Dispatch(withClientID(ctx, c.ID), msg)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

func (c *Client) handleRegister(msg *ws.Message) {
	var req v1.RegisterClientRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.Version != v1.ProtocolVersion {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeVersion,
			"protocol version mismatch: got "+req.Version+", want "+v1.ProtocolVersion)
		return
	}
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	c.state.AddClient(c.ID)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, v1.RegisterClientResponse{})
	c.sendMessage(resp)
}

type sessionSubscribeRequest struct {
	SessionID v1.SessionID `json:"session_id"`
}

func (c *Client) handleSubscribe(msg *ws.Message, subscribe bool) {
	var req sessionSubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if subscribe {
		c.hub.SubscribeToSession(c, req.SessionID)
	} else {
		c.hub.UnsubscribeFromSession(c, req.SessionID)
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":    true,
		"session_id": req.SessionID,
	})
	c.sendMessage(resp)
}

func (c *Client) isRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.trySend(data)
}

func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("client send buffer full")
		return false
	}
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump pumps queued messages to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientIDKey struct{}

func withClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the graph client id of the requester.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}
