package v1

// Message type tags used on the framed governor/server wire. The executor
// protocol tags live in executor.go.
const (
	MsgRegisterGovernor  = "register_governor"
	MsgGovernorAccepted  = "governor_accepted"
	MsgAddNodes          = "add_nodes"
	MsgStopTasks         = "stop_tasks"
	MsgUnassignObjects   = "unassign_objects"
	MsgUpdateStates      = "update_states"
	MsgFetch             = "fetch"
	MsgFetchReply        = "fetch_reply"
	MsgPushEvents        = "push_events"
	MsgGetInfo           = "get_info"
	MsgGetInfoReply      = "get_info_reply"
	MsgGetResources      = "get_resources"
	MsgGetResourcesReply = "get_resources_reply"
)

// ProtocolVersion is negotiated on every registration (client, governor and
// executor alike). A mismatch refuses the connection.
const ProtocolVersion = "tm-1"

// RegisterGovernorMsg is the first message a governor sends to the server.
type RegisterGovernorMsg struct {
	Version   string    `json:"version" msgpack:"version"`
	Address   string    `json:"address" msgpack:"address"`
	Resources Resources `json:"resources" msgpack:"resources"`
}

// GovernorAcceptedMsg is the server's reply to a registration.
type GovernorAcceptedMsg struct {
	GovernorID GovernorID `json:"governor_id" msgpack:"governor_id"`
}

// ObjectAssignment describes one object shipped to a governor in AddNodes.
// Placement names a governor already holding the bytes; the empty sentinel
// means the server itself serves them. Assigned objects are hosted by the
// receiving governor; unassigned ones are inputs it must fetch.
type ObjectAssignment struct {
	Spec      ObjectSpec  `json:"spec" msgpack:"spec"`
	Info      *ObjectInfo `json:"info,omitempty" msgpack:"info,omitempty"`
	State     ObjectState `json:"state" msgpack:"state"`
	Placement GovernorID  `json:"placement" msgpack:"placement"`
	Assigned  bool        `json:"assigned" msgpack:"assigned"`
}

// AddNodesMsg assigns tasks and objects to a governor in one ordered call.
type AddNodesMsg struct {
	NewTasks   []TaskSpec         `json:"new_tasks,omitempty" msgpack:"new_tasks,omitempty"`
	NewObjects []ObjectAssignment `json:"new_objects,omitempty" msgpack:"new_objects,omitempty"`
}

// StopTasksMsg unassigns tasks from a governor; running ones are cancelled.
type StopTasksMsg struct {
	Tasks []TaskID `json:"tasks" msgpack:"tasks"`
}

// UnassignObjectsMsg tells a governor to discard its copies of objects.
type UnassignObjectsMsg struct {
	Objects []ObjectID `json:"objects" msgpack:"objects"`
}

// TaskUpdate is one entry of an UpdateStates batch.
type TaskUpdate struct {
	ID    TaskID    `json:"id" msgpack:"id"`
	State TaskState `json:"state" msgpack:"state"`
	Info  TaskInfo  `json:"info" msgpack:"info"`
}

// ObjectUpdate is one entry of an UpdateStates batch.
type ObjectUpdate struct {
	ID    ObjectID    `json:"id" msgpack:"id"`
	State ObjectState `json:"state" msgpack:"state"`
	Info  ObjectInfo  `json:"info" msgpack:"info"`
}

// StateUpdate groups entity updates flowing from a governor to the server
// (and from the server to clients in GetState responses).
type StateUpdate struct {
	Tasks   []TaskUpdate   `json:"tasks,omitempty" msgpack:"tasks,omitempty"`
	Objects []ObjectUpdate `json:"objects,omitempty" msgpack:"objects,omitempty"`
}

// UpdateStatesMsg carries one ordered batch of state updates.
type UpdateStatesMsg struct {
	Update StateUpdate `json:"update" msgpack:"update"`
}

// FetchStatus is the outcome of a single Fetch call.
type FetchStatus string

const (
	FetchOk       FetchStatus = "ok"
	FetchNotHere  FetchStatus = "not_here"
	FetchRedirect FetchStatus = "redirect"
	FetchRemoved  FetchStatus = "removed"
	FetchIgnored  FetchStatus = "ignored"
	FetchError    FetchStatus = "error"
)

// FetchMsg requests a chunk of a finished object's transport bytes.
type FetchMsg struct {
	ID          ObjectID `json:"id" msgpack:"id"`
	Offset      uint64   `json:"offset" msgpack:"offset"`
	Size        uint64   `json:"size" msgpack:"size"`
	IncludeInfo bool     `json:"include_info,omitempty" msgpack:"include_info,omitempty"`
}

// FetchReplyMsg answers a FetchMsg. On Ok, Data holds the chunk and
// TransportSize the full serialized size; Info is present when requested.
// On Redirect, Redirect names the governor holding the bytes. On Error,
// Error carries the failure.
type FetchReplyMsg struct {
	Status        FetchStatus   `json:"status" msgpack:"status"`
	Data          []byte        `json:"data,omitempty" msgpack:"data,omitempty"`
	Info          *ObjectInfo   `json:"info,omitempty" msgpack:"info,omitempty"`
	TransportSize uint64        `json:"transport_size,omitempty" msgpack:"transport_size,omitempty"`
	Redirect      GovernorID    `json:"redirect,omitempty" msgpack:"redirect,omitempty"`
	Error         *SessionError `json:"error,omitempty" msgpack:"error,omitempty"`
}

// PushedEvent is one event shipped from a governor to the server log.
type PushedEvent struct {
	Timestamp string `json:"timestamp" msgpack:"timestamp"`
	EventType string `json:"event_type" msgpack:"event_type"`
	Event     []byte `json:"event" msgpack:"event"`
}

// PushEventsMsg batches governor-originated events (monitoring samples and
// the like) toward the server's event log.
type PushEventsMsg struct {
	Events []PushedEvent `json:"events" msgpack:"events"`
}

// GovernorInfo summarizes one governor for GetServerInfo and /info.
type GovernorInfo struct {
	ID              GovernorID `json:"id" msgpack:"id"`
	NTasks          int        `json:"tasks" msgpack:"tasks"`
	NObjects        int        `json:"objects" msgpack:"objects"`
	ObjectsToDelete int        `json:"objects_to_delete" msgpack:"objects_to_delete"`
	Resources       Resources  `json:"resources" msgpack:"resources"`
}

// GetInfoReplyMsg answers MsgGetInfo on the governor control channel.
type GetInfoReplyMsg struct {
	Info GovernorInfo `json:"info" msgpack:"info"`
}

// GetResourcesReplyMsg answers MsgGetResources.
type GetResourcesReplyMsg struct {
	Resources Resources `json:"resources" msgpack:"resources"`
}
