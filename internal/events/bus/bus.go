// Package bus provides the pub/sub channel the server uses to push entity
// state changes toward connected gateway clients. The in-memory bus serves
// the single-process deployment; NATS backs multi-process setups.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the server state machine.
const (
	SubjectTaskUpdated    = "task.updated"
	SubjectObjectUpdated  = "object.updated"
	SubjectSessionFailed  = "session.failed"
	SubjectGovernorJoined = "governor.joined"
	SubjectGovernorLost   = "governor.lost"
)

// Notification is one message on the bus.
type Notification struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewNotification wraps a payload for publication.
func NewNotification(subject string, payload interface{}) (*Notification, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Notification{
		ID:        uuid.New().String(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Handler consumes notifications. Handlers must not block for long; the
// memory bus invokes them synchronously in publish order.
type Handler func(ctx context.Context, n *Notification)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the pub/sub interface.
type Bus interface {
	Publish(ctx context.Context, n *Notification) error
	// Subscribe registers a handler for a subject. The pattern "*" matches
	// every subject.
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
