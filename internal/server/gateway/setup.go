package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/server/state"
	ws "github.com/taskmesh/taskmesh/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Gateway bundles the websocket hub with its HTTP routes.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher

	state *state.State
	log   *logger.Logger
}

// New creates the gateway and registers the client RPC handlers.
func New(st *state.State, notifier bus.Bus, log *logger.Logger) (*Gateway, error) {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	NewHandlers(st, log).RegisterHandlers(dispatcher)
	if notifier != nil {
		if err := hub.SubscribeBus(notifier); err != nil {
			return nil, err
		}
	}
	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		state:      st,
		log:        log.WithComponent("gateway"),
	}, nil
}

// SetupRoutes mounts the websocket endpoint and the info routes.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.handleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "taskmesh"})
	})
	router.GET("/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, g.state.ServerInfo())
	})
}

func (g *Gateway) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	// The graph client identity combines the peer address with a nonce so
	// two connections from one host stay distinct.
	clientID := c.Request.RemoteAddr + "#" + uuid.NewString()[:8]
	client := NewClient(clientID, conn, g.Hub, g.state, g.log)
	g.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump(context.Background())
}
