package v1

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// roundTrip encodes and decodes a value through both codecs and requires
// equality.
func roundTrip[T any](t *testing.T, value T) {
	t.Helper()

	jsonBytes, err := json.Marshal(value)
	require.NoError(t, err)
	var fromJSON T
	require.NoError(t, json.Unmarshal(jsonBytes, &fromJSON))
	require.Equal(t, value, fromJSON, "json round trip")

	packed, err := msgpack.Marshal(value)
	require.NoError(t, err)
	var fromPack T
	require.NoError(t, msgpack.Unmarshal(packed, &fromPack))
	require.Equal(t, value, fromPack, "msgpack round trip")
}

func TestIDWireShape(t *testing.T) {
	id := NewTaskID(42, 48)
	jsonBytes, err := json.Marshal(id)
	require.NoError(t, err)
	require.JSONEq(t, `[42, 48]`, string(jsonBytes))

	var decoded TaskID
	require.NoError(t, json.Unmarshal([]byte(`[3, 7]`), &decoded))
	require.Equal(t, NewTaskID(3, 7), decoded)
}

func TestIDRoundTrip(t *testing.T) {
	roundTrip(t, NewTaskID(1, 2))
	roundTrip(t, NewObjectID(-1, 0))
	roundTrip(t, []ObjectID{NewObjectID(5, 6), NewObjectID(5, 7)})
}

func TestDataLocationRoundTrip(t *testing.T) {
	roundTrip(t, PathLocation("out/result.bin"))
	roundTrip(t, MemoryLocation([]byte{0, 1, 2, 3, 4}))
	roundTrip(t, OtherObjectLocation(NewObjectID(3, 6)))
	roundTrip(t, CachedLocation())
}

func TestDataLocationJSONShape(t *testing.T) {
	raw, err := json.Marshal(CachedLocation())
	require.NoError(t, err)
	require.JSONEq(t, `"cached"`, string(raw))

	raw, err = json.Marshal(PathLocation("in1.txt"))
	require.NoError(t, err)
	require.JSONEq(t, `{"path": "in1.txt"}`, string(raw))

	var loc DataLocation
	require.Error(t, json.Unmarshal([]byte(`{"path": "a", "memory": "AA=="}`), &loc))
	require.Error(t, json.Unmarshal([]byte(`"warm"`), &loc))
}

func TestCallMsgRoundTrip(t *testing.T) {
	size := int64(5)
	call := CallMsg{
		Spec: TaskSpec{
			ID:       NewTaskID(42, 48),
			TaskType: "exec/foo",
			Inputs: []TaskInput{
				{ID: NewObjectID(3, 6), Label: "in1"},
				{ID: NewObjectID(3, 7), Label: "in2"},
			},
			Outputs:   []ObjectID{NewObjectID(3, 11)},
			Resources: Resources{CPUs: 1},
			Config:    json.RawMessage(`{"n":3}`),
		},
		Inputs: []LocalObjectIn{
			{
				Spec:     ObjectSpec{ID: NewObjectID(3, 6), Label: "in1", DataType: DataTypeBlob},
				Info:     &ObjectInfo{Size: &size},
				Location: MemoryLocation([]byte{0, 0, 0, 0, 0}),
			},
			{
				Spec:      ObjectSpec{ID: NewObjectID(3, 7), Label: "in2", DataType: DataTypeBlob},
				Location:  PathLocation("in1.txt"),
				CacheHint: true,
			},
		},
		Outputs: []LocalObjectIn{
			{Spec: ObjectSpec{ID: NewObjectID(3, 11), DataType: DataTypeDirectory}},
		},
	}
	roundTrip(t, call)
}

func TestResultMsgRoundTrip(t *testing.T) {
	size := int64(42)
	result := ResultMsg{
		Task:    NewTaskID(42, 48),
		Success: true,
		Info:    TaskInfo{Debug: "log"},
		Outputs: []LocalObjectOut{
			{Info: ObjectInfo{Size: &size}, Location: PathLocation("out.txt")},
			{Location: OtherObjectLocation(NewObjectID(3, 6)), CacheHint: true},
		},
	}
	roundTrip(t, result)

	roundTrip(t, ExecutorRegisterMsg{
		Protocol:     ProtocolVersion,
		ExecutorID:   7,
		ExecutorType: "dummy",
	})
	roundTrip(t, DropCachedMsg{Objects: []ObjectID{NewObjectID(1, 2), NewObjectID(4, 5)}})
}

func TestControlMessagesRoundTrip(t *testing.T) {
	size := int64(11)
	roundTrip(t, AddNodesMsg{
		NewTasks: []TaskSpec{{
			ID:       NewTaskID(1, 2),
			TaskType: "buildin/concat",
			Inputs:   []TaskInput{{ID: NewObjectID(1, 3)}, {ID: NewObjectID(1, 4)}},
			Outputs:  []ObjectID{NewObjectID(1, 1)},
		}},
		NewObjects: []ObjectAssignment{{
			Spec:      ObjectSpec{ID: NewObjectID(1, 3), DataType: DataTypeBlob},
			Info:      &ObjectInfo{Size: &size},
			State:     ObjectStateFinished,
			Placement: "",
			Assigned:  true,
		}},
	})
	roundTrip(t, UpdateStatesMsg{Update: StateUpdate{
		Tasks:   []TaskUpdate{{ID: NewTaskID(1, 2), State: TaskStateFinished}},
		Objects: []ObjectUpdate{{ID: NewObjectID(1, 1), State: ObjectStateFinished, Info: ObjectInfo{Size: &size}}},
	}})
	roundTrip(t, FetchReplyMsg{
		Status:        FetchOk,
		Data:          []byte("hello world"),
		TransportSize: 11,
	})
}

func TestTaskTypeSplit(t *testing.T) {
	spec := TaskSpec{TaskType: "buildin/concat"}
	require.Equal(t, "buildin", spec.ExecutorType())
	require.Equal(t, "concat", spec.Method())

	spec.TaskType = "noslash"
	require.Equal(t, "noslash", spec.ExecutorType())
	require.Equal(t, "", spec.Method())
}
