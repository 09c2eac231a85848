// Package v1 defines the shared protocol types of the taskmesh system:
// entity identifiers, task and object specifications, lifecycle states and
// the message payloads exchanged between clients, the server, governors and
// executors. Everything here is serializable both as JSON (client envelope)
// and MessagePack (framed wire protocol).
package v1

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// SessionID identifies a session. Values are assigned monotonically by the
// server; negative values are reserved.
type SessionID int32

// ID is the per-session part of a task or object identifier.
type ID int32

// TaskID identifies a task as a (session, id) pair. On the wire it is a
// two-element array [session_id, id].
type TaskID struct {
	SessionID SessionID
	ID        ID
}

// ObjectID identifies a data object as a (session, id) pair. Same wire shape
// as TaskID.
type ObjectID struct {
	SessionID SessionID
	ID        ID
}

// GovernorID identifies a governor by the address it listens on, as seen by
// the server ("ip:port"). The empty value is the "from-server" placement
// sentinel: the server itself serves the object bytes.
type GovernorID string

// ExecutorID identifies an executor process within one governor.
type ExecutorID int32

// AllTasksID is the special per-session task id that Wait interprets as
// "every task of the session".
const AllTasksID ID = 0

func NewTaskID(session SessionID, id ID) TaskID     { return TaskID{SessionID: session, ID: id} }
func NewObjectID(session SessionID, id ID) ObjectID { return ObjectID{SessionID: session, ID: id} }

func (t TaskID) String() string   { return fmt.Sprintf("%d/%d", t.SessionID, t.ID) }
func (o ObjectID) String() string { return fmt.Sprintf("%d/%d", o.SessionID, o.ID) }

// IsAllTasks reports whether this is the per-session "all tasks" sentinel.
func (t TaskID) IsAllTasks() bool { return t.ID == AllTasksID }

// Less imposes the canonical ordering used by the deterministic scheduler.
func (t TaskID) Less(other TaskID) bool {
	if t.SessionID != other.SessionID {
		return t.SessionID < other.SessionID
	}
	return t.ID < other.ID
}

// Less imposes the canonical ordering used by the deterministic scheduler.
func (o ObjectID) Less(other ObjectID) bool {
	if o.SessionID != other.SessionID {
		return o.SessionID < other.SessionID
	}
	return o.ID < other.ID
}

// IsServer reports whether the id is the "from-server" placement sentinel.
func (g GovernorID) IsServer() bool { return g == "" }

type idPair struct {
	session SessionID
	id      ID
}

func (p idPair) marshalJSON() ([]byte, error) {
	return json.Marshal([2]int32{int32(p.session), int32(p.id)})
}

func unmarshalIDPair(data []byte) (idPair, error) {
	var raw [2]int32
	if err := json.Unmarshal(data, &raw); err != nil {
		return idPair{}, err
	}
	return idPair{session: SessionID(raw[0]), id: ID(raw[1])}, nil
}

func (t TaskID) MarshalJSON() ([]byte, error) {
	return idPair{t.SessionID, t.ID}.marshalJSON()
}

func (t *TaskID) UnmarshalJSON(data []byte) error {
	p, err := unmarshalIDPair(data)
	if err != nil {
		return err
	}
	*t = TaskID{SessionID: p.session, ID: p.id}
	return nil
}

func (o ObjectID) MarshalJSON() ([]byte, error) {
	return idPair{o.SessionID, o.ID}.marshalJSON()
}

func (o *ObjectID) UnmarshalJSON(data []byte) error {
	p, err := unmarshalIDPair(data)
	if err != nil {
		return err
	}
	*o = ObjectID{SessionID: p.session, ID: p.id}
	return nil
}

// Encoders use value receivers so ids encode correctly as struct fields of
// non-addressable values; decoders must mutate and stay on pointers.
var (
	_ msgpack.CustomEncoder = TaskID{}
	_ msgpack.CustomDecoder = (*TaskID)(nil)
	_ msgpack.CustomEncoder = ObjectID{}
	_ msgpack.CustomDecoder = (*ObjectID)(nil)
)

func encodeIDPair(enc *msgpack.Encoder, session SessionID, id ID) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(session)); err != nil {
		return err
	}
	return enc.EncodeInt(int64(id))
}

func decodeIDPair(dec *msgpack.Decoder) (SessionID, ID, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, 0, err
	}
	if n != 2 {
		return 0, 0, fmt.Errorf("id pair must have 2 elements, got %d", n)
	}
	session, err := dec.DecodeInt32()
	if err != nil {
		return 0, 0, err
	}
	id, err := dec.DecodeInt32()
	if err != nil {
		return 0, 0, err
	}
	return SessionID(session), ID(id), nil
}

func (t TaskID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodeIDPair(enc, t.SessionID, t.ID)
}

func (t *TaskID) DecodeMsgpack(dec *msgpack.Decoder) error {
	session, id, err := decodeIDPair(dec)
	if err != nil {
		return err
	}
	*t = TaskID{SessionID: session, ID: id}
	return nil
}

func (o ObjectID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodeIDPair(enc, o.SessionID, o.ID)
}

func (o *ObjectID) DecodeMsgpack(dec *msgpack.Decoder) error {
	session, id, err := decodeIDPair(dec)
	if err != nil {
		return err
	}
	*o = ObjectID{SessionID: session, ID: id}
	return nil
}
