package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
)

// natsSubjectPrefix namespaces taskmesh notifications on a shared broker.
const natsSubjectPrefix = "taskmesh.notify."

// NATSBus backs the Bus interface with a NATS connection.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBus connects to the given NATS URL.
func NewNATSBus(url string, maxReconnects int, log *logger.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: conn, log: log.WithComponent("nats_bus")}, nil
}

func (b *NATSBus) Publish(_ context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.conn.Publish(natsSubjectPrefix+n.Subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	pattern := natsSubjectPrefix + subject
	if subject == "*" {
		pattern = natsSubjectPrefix + ">"
	}
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.log.Error("dropping malformed notification", zap.Error(err))
			return
		}
		handler(context.Background(), &n)
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Close() {
	b.conn.Close()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Provide builds the configured bus implementation: NATS when a URL is set,
// otherwise in-memory.
func Provide(url string, maxReconnects int, log *logger.Logger) (Bus, error) {
	if url != "" {
		return NewNATSBus(url, maxReconnects, log)
	}
	return NewMemoryBus(log), nil
}
