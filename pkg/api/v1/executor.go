package v1

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Executor protocol message tags. The transport is the same framed codec as
// the governor wire; the envelope is {"message": tag, "data": {...}}.
const (
	MsgExecutorRegister = "register"
	MsgExecutorCall     = "call"
	MsgExecutorResult   = "result"
	MsgExecutorDrop     = "drop_cached"
)

// Env variables handed to a spawned executor process.
const (
	ExecutorSocketEnv = "RAIN_EXECUTOR_SOCKET"
	ExecutorIDEnv     = "RAIN_EXECUTOR_ID"
)

// ExecutorRegisterMsg must be the first message an executor sends.
type ExecutorRegisterMsg struct {
	Protocol     string     `json:"protocol" msgpack:"protocol"`
	ExecutorID   ExecutorID `json:"executor_id" msgpack:"executor_id"`
	ExecutorType string     `json:"executor_type" msgpack:"executor_type"`
}

// LocalObjectIn describes a task input or output in a CallMsg. For outputs
// Location and Info are absent.
type LocalObjectIn struct {
	Spec      ObjectSpec    `json:"spec" msgpack:"spec"`
	Info      *ObjectInfo   `json:"info,omitempty" msgpack:"info,omitempty"`
	Location  *DataLocation `json:"location,omitempty" msgpack:"location,omitempty"`
	CacheHint bool          `json:"cache_hint,omitempty" msgpack:"cache_hint,omitempty"`
}

// LocalObjectOut describes one produced output in a ResultMsg.
type LocalObjectOut struct {
	Info      ObjectInfo    `json:"info" msgpack:"info"`
	Location  *DataLocation `json:"location,omitempty" msgpack:"location,omitempty"`
	CacheHint bool          `json:"cache_hint,omitempty" msgpack:"cache_hint,omitempty"`
}

// CallMsg asks an executor to run one task. Only one call may be
// outstanding per executor at a time.
type CallMsg struct {
	Spec    TaskSpec        `json:"spec" msgpack:"spec"`
	Inputs  []LocalObjectIn `json:"inputs" msgpack:"inputs"`
	Outputs []LocalObjectIn `json:"outputs" msgpack:"outputs"`
}

// ResultMsg reports the outcome of a CallMsg. On Success=false Info.Error
// must be set and Outputs is empty. Outputs must otherwise match the call's
// outputs in length and ids.
type ResultMsg struct {
	Task          TaskID           `json:"task" msgpack:"task"`
	Success       bool             `json:"success" msgpack:"success"`
	Info          TaskInfo         `json:"info" msgpack:"info"`
	Outputs       []LocalObjectOut `json:"outputs,omitempty" msgpack:"outputs,omitempty"`
	CachedObjects []ObjectID       `json:"cached_objects,omitempty" msgpack:"cached_objects,omitempty"`
}

// DropCachedMsg instructs the executor to evict cached objects.
type DropCachedMsg struct {
	Objects []ObjectID `json:"objects" msgpack:"objects"`
}

// LocationKind enumerates where output/input bytes live.
type LocationKind string

const (
	// LocationPath: a file or directory relative to the executor workdir.
	LocationPath LocationKind = "path"
	// LocationMemory: bytes inline in the message (recommended <= 128 KiB).
	LocationMemory LocationKind = "memory"
	// LocationOtherObject: the output equals another object of this task.
	// Only valid in results.
	LocationOtherObject LocationKind = "other_object"
	// LocationCached: the input is already cached by the executor.
	// Only valid in call inputs.
	LocationCached LocationKind = "cached"
)

// DataLocation is the tagged union {path}|{memory}|{other_object}|cached.
// The wire shape matches the original protocol: a one-key map for the three
// payload-carrying variants and the bare string "cached" for the last.
type DataLocation struct {
	Kind        LocationKind
	Path        string
	Memory      []byte
	OtherObject ObjectID
}

func PathLocation(path string) *DataLocation {
	return &DataLocation{Kind: LocationPath, Path: path}
}

func MemoryLocation(data []byte) *DataLocation {
	return &DataLocation{Kind: LocationMemory, Memory: data}
}

func OtherObjectLocation(id ObjectID) *DataLocation {
	return &DataLocation{Kind: LocationOtherObject, OtherObject: id}
}

func CachedLocation() *DataLocation {
	return &DataLocation{Kind: LocationCached}
}

func (l *DataLocation) MarshalJSON() ([]byte, error) {
	switch l.Kind {
	case LocationPath:
		return json.Marshal(map[string]string{"path": l.Path})
	case LocationMemory:
		return json.Marshal(map[string][]byte{"memory": l.Memory})
	case LocationOtherObject:
		return json.Marshal(map[string]ObjectID{"other_object": l.OtherObject})
	case LocationCached:
		return json.Marshal("cached")
	}
	return nil, fmt.Errorf("invalid data location kind %q", l.Kind)
}

func (l *DataLocation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != string(LocationCached) {
			return fmt.Errorf("unknown data location %q", s)
		}
		*l = DataLocation{Kind: LocationCached}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("data location must have exactly one variant, got %d", len(m))
	}
	for key, raw := range m {
		switch LocationKind(key) {
		case LocationPath:
			*l = DataLocation{Kind: LocationPath}
			return json.Unmarshal(raw, &l.Path)
		case LocationMemory:
			*l = DataLocation{Kind: LocationMemory}
			return json.Unmarshal(raw, &l.Memory)
		case LocationOtherObject:
			*l = DataLocation{Kind: LocationOtherObject}
			return json.Unmarshal(raw, &l.OtherObject)
		default:
			return fmt.Errorf("unknown data location variant %q", key)
		}
	}
	return fmt.Errorf("empty data location")
}

var (
	_ msgpack.CustomEncoder = DataLocation{}
	_ msgpack.CustomDecoder = (*DataLocation)(nil)
)

func (l DataLocation) EncodeMsgpack(enc *msgpack.Encoder) error {
	if l.Kind == LocationCached {
		return enc.EncodeString(string(LocationCached))
	}
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString(string(l.Kind)); err != nil {
		return err
	}
	switch l.Kind {
	case LocationPath:
		return enc.EncodeString(l.Path)
	case LocationMemory:
		return enc.EncodeBytes(l.Memory)
	case LocationOtherObject:
		id := l.OtherObject
		return id.EncodeMsgpack(enc)
	}
	return fmt.Errorf("invalid data location kind %q", l.Kind)
}

func (l *DataLocation) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	if msgpackCodeIsString(code) {
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		if s != string(LocationCached) {
			return fmt.Errorf("unknown data location %q", s)
		}
		*l = DataLocation{Kind: LocationCached}
		return nil
	}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("data location must have exactly one variant, got %d", n)
	}
	key, err := dec.DecodeString()
	if err != nil {
		return err
	}
	switch LocationKind(key) {
	case LocationPath:
		path, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*l = DataLocation{Kind: LocationPath, Path: path}
		return nil
	case LocationMemory:
		data, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		*l = DataLocation{Kind: LocationMemory, Memory: data}
		return nil
	case LocationOtherObject:
		var id ObjectID
		if err := id.DecodeMsgpack(dec); err != nil {
			return err
		}
		*l = DataLocation{Kind: LocationOtherObject, OtherObject: id}
		return nil
	}
	return fmt.Errorf("unknown data location variant %q", key)
}

// msgpackCodeIsString reports whether the next value is a string. Fixstr is
// 0xa0..0xbf, str8/16/32 are 0xd9..0xdb.
func msgpackCodeIsString(code byte) bool {
	return (code >= 0xa0 && code <= 0xbf) || (code >= 0xd9 && code <= 0xdb)
}
