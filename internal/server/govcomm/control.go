package govcomm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/server/graph"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

// controlQueueSize bounds outgoing control messages per governor. The queue
// only overflows when a governor stops reading; the connection is then torn
// down and the loss path takes over.
const controlQueueSize = 1024

type outgoing struct {
	message string
	payload interface{}
}

// control implements graph.Control over one governor connection. Enqueueing
// never blocks the server state lock; a writer goroutine preserves send
// order.
type control struct {
	conn  *wire.Conn
	queue chan outgoing
	log   *logger.Logger

	mu      sync.Mutex
	stopped bool
}

var _ graph.Control = (*control)(nil)

func newControl(conn *wire.Conn, log *logger.Logger) *control {
	return &control{
		conn:  conn,
		queue: make(chan outgoing, controlQueueSize),
		log:   log,
	}
}

func (c *control) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			if err := c.conn.Send(msg.message, msg.payload); err != nil {
				c.log.Debug("control send failed", zap.String("message", msg.message), zap.Error(err))
				c.stop()
				_ = c.conn.Close()
				return
			}
		}
	}
}

// stop marks the control dead; later enqueues are dropped. Late sends to a
// lost governor are harmless by protocol (the governor is gone), they just
// must not block or panic.
func (c *control) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *control) enqueue(message string, payload interface{}) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.queue <- outgoing{message: message, payload: payload}:
	default:
		c.log.Warn("governor control queue overflow, dropping connection")
		c.stop()
		_ = c.conn.Close()
	}
}

func (c *control) AddNodes(msg v1.AddNodesMsg) {
	c.enqueue(v1.MsgAddNodes, msg)
}

func (c *control) StopTasks(msg v1.StopTasksMsg) {
	c.enqueue(v1.MsgStopTasks, msg)
}

func (c *control) UnassignObjects(msg v1.UnassignObjectsMsg) {
	c.enqueue(v1.MsgUnassignObjects, msg)
}
