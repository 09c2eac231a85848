// Package gateway hosts the client RPC surface: a websocket endpoint whose
// messages are dispatched to the server state machine, plus push
// notifications fanned out from the internal event bus.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	ws "github.com/taskmesh/taskmesh/pkg/websocket"
)

// Hub manages all websocket client connections.
type Hub struct {
	clients map[*Client]bool
	// sessionSubscribers maps a session id to the clients watching it.
	sessionSubscribers map[v1.SessionID]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates a hub routing messages through the dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[v1.SessionID]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *ws.Message, 256),
		dispatcher:         dispatcher,
		log:                log.WithComponent("ws_hub"),
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// SubscribeBus forwards bus notifications to subscribed clients.
func (h *Hub) SubscribeBus(b bus.Bus) error {
	_, err := b.Subscribe("*", func(_ context.Context, n *bus.Notification) {
		msg := &ws.Message{
			Type:      ws.MessageTypeNotification,
			Action:    n.Subject,
			Payload:   n.Payload,
			Timestamp: n.Timestamp,
		}
		select {
		case h.broadcast <- msg:
		default:
			h.log.Warn("notification broadcast buffer full")
		}
	})
	return err
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[v1.SessionID]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()
	for sessionID := range client.subscriptions {
		if subs, ok := h.sessionSubscribers[sessionID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sessionSubscribers, sessionID)
			}
		}
	}
	h.log.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage fans a notification out. Session-scoped notifications go
// only to subscribers of that session; the rest go to every client.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if sessionID, scoped := sessionScope(msg); scoped {
		for client := range h.sessionSubscribers[sessionID] {
			client.trySend(data)
		}
		return
	}
	for client := range h.clients {
		client.trySend(data)
	}
}

// sessionScope extracts the session a notification belongs to, when any.
func sessionScope(msg *ws.Message) (v1.SessionID, bool) {
	switch msg.Action {
	case ws.ActionTaskUpdated, ws.ActionObjectUpdated:
		var payload struct {
			ID [2]int32 `json:"id"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return 0, false
		}
		return v1.SessionID(payload.ID[0]), true
	case ws.ActionSessionFailed:
		var payload struct {
			SessionID v1.SessionID `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return 0, false
		}
		return payload.SessionID, true
	}
	return 0, false
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// SubscribeToSession subscribes a client to a session's notifications.
func (h *Hub) SubscribeToSession(client *Client, sessionID v1.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.subscriptions[sessionID] = true
}

// UnsubscribeFromSession drops a client's session subscription.
func (h *Hub) UnsubscribeFromSession(client *Client, sessionID v1.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, sessionID)
	if subs, ok := h.sessionSubscribers[sessionID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
