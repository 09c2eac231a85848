// Package events defines the typed event records emitted by the server and
// governors, and the Logger sink they are appended to.
package events

import (
	"encoding/json"
	"time"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Event type tags as stored in the log.
const (
	TypeGovernorNew          = "GovernorNew"
	TypeGovernorRemoved      = "GovernorRemoved"
	TypeClientNew            = "ClientNew"
	TypeClientRemoved        = "ClientRemoved"
	TypeSessionNew           = "SessionNew"
	TypeSessionClosed        = "SessionClosed"
	TypeClientSubmit         = "ClientSubmit"
	TypeClientUnkeep         = "ClientUnkeep"
	TypeTaskStarted          = "TaskStarted"
	TypeTaskFinished         = "TaskFinished"
	TypeTaskFailed           = "TaskFailed"
	TypeDataObjectFinished   = "DataObjectFinished"
	TypeMonitoring           = "Monitoring"
	TypeClientInvalidRequest = "ClientInvalidRequest"
)

// SessionClosedReason distinguishes why a session ended.
type SessionClosedReason string

const (
	ReasonClientClose SessionClosedReason = "client_close"
	ReasonError       SessionClosedReason = "error"
	ReasonServerLost  SessionClosedReason = "server_lost"
)

type GovernorNew struct {
	Governor  v1.GovernorID `json:"governor"`
	Resources v1.Resources  `json:"resources"`
}

type GovernorRemoved struct {
	Governor v1.GovernorID `json:"governor"`
	ErrorMsg string        `json:"error_msg,omitempty"`
}

type ClientNew struct {
	Client string `json:"client"`
}

type ClientRemoved struct {
	Client   string `json:"client"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

type SessionNew struct {
	Session v1.SessionID `json:"session"`
	Client  string       `json:"client"`
}

type SessionClosed struct {
	Session v1.SessionID        `json:"session"`
	Reason  SessionClosedReason `json:"reason"`
	Cause   string              `json:"cause,omitempty"`
}

type ClientSubmit struct {
	Tasks   []v1.TaskID   `json:"tasks"`
	Objects []v1.ObjectID `json:"dataobjs"`
}

type ClientUnkeep struct {
	Objects []v1.ObjectID `json:"dataobjs"`
}

type TaskStarted struct {
	Task     v1.TaskID     `json:"task"`
	Governor v1.GovernorID `json:"governor"`
}

type TaskFinished struct {
	Task v1.TaskID `json:"task"`
}

type TaskFailed struct {
	Task     v1.TaskID     `json:"task"`
	Governor v1.GovernorID `json:"governor"`
	ErrorMsg string        `json:"error_msg"`
}

type DataObjectFinished struct {
	Object   v1.ObjectID   `json:"dataobject"`
	Governor v1.GovernorID `json:"governor"`
	Size     int64         `json:"size"`
}

type Monitoring struct {
	Governor v1.GovernorID    `json:"governor"`
	Sample   v1.MetricsSample `json:"sample"`
}

type ClientInvalidRequest struct {
	Client   string `json:"client"`
	ErrorMsg string `json:"error_msg"`
}

// Event is one log record: a type tag, an optional owning session and the
// JSON payload of one of the structs above.
type Event struct {
	Type      string
	Session   *v1.SessionID
	Timestamp time.Time
	Payload   json.RawMessage
}

// New builds an Event from a typed payload. Marshalling one of the structs
// in this package cannot fail; an error here means a programming bug and is
// surfaced as an empty payload.
func New(eventType string, session *v1.SessionID, payload interface{}) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Event{
		Type:      eventType,
		Session:   session,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
}

// StoredEvent is one row returned from a log query.
type StoredEvent struct {
	ID        int64
	Timestamp time.Time
	Type      string
	Event     json.RawMessage
}

// SearchCriteria narrows a log query. Zero fields match everything.
type SearchCriteria struct {
	EventTypes []string
	Session    *v1.SessionID
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// Logger is the event sink the server core writes to. Append must be cheap;
// implementations buffer and persist on Flush.
type Logger interface {
	Append(event Event)
	Flush() error
	Query(criteria SearchCriteria) ([]StoredEvent, error)
	Close() error
}

// Discard is a Logger that drops everything. Used when persistence is
// disabled and in tests.
type Discard struct{}

func (Discard) Append(Event) {}
func (Discard) Flush() error { return nil }
func (Discard) Query(SearchCriteria) ([]StoredEvent, error) {
	return nil, nil
}
func (Discard) Close() error { return nil }
