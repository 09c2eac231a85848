package v1

import (
	"encoding/json"
	"fmt"
)

// DataType distinguishes flat blobs from directory trees.
type DataType string

const (
	DataTypeBlob      DataType = "blob"
	DataTypeDirectory DataType = "dir"
)

// Valid reports whether the value is one of the known data types.
func (d DataType) Valid() bool {
	return d == DataTypeBlob || d == DataTypeDirectory
}

// TaskState is the server-side task lifecycle. State only moves forward;
// Finished and Failed are terminal.
type TaskState string

const (
	TaskStateNotAssigned TaskState = "not_assigned"
	TaskStateReady       TaskState = "ready"
	TaskStateAssigned    TaskState = "assigned"
	TaskStateRunning     TaskState = "running"
	TaskStateFinished    TaskState = "finished"
	TaskStateFailed      TaskState = "failed"
)

// ObjectState is the server-side data object lifecycle.
type ObjectState string

const (
	ObjectStateUnfinished ObjectState = "unfinished"
	ObjectStateFinished   ObjectState = "finished"
	ObjectStateRemoved    ObjectState = "removed"
)

// Resources declares what a task needs to run, or what a governor offers.
type Resources struct {
	CPUs int `json:"cpus" msgpack:"cpus"`
}

// ObjectSpec is the client-submitted description of a data object.
type ObjectSpec struct {
	ID          ObjectID `json:"id" msgpack:"id"`
	Label       string   `json:"label,omitempty" msgpack:"label,omitempty"`
	DataType    DataType `json:"data_type" msgpack:"data_type"`
	ContentType string   `json:"content_type,omitempty" msgpack:"content_type,omitempty"`
}

// ObjectInfo carries the mutable, governor-reported attributes of an object.
type ObjectInfo struct {
	Size        *int64 `json:"size,omitempty" msgpack:"size,omitempty"`
	ContentType string `json:"content_type,omitempty" msgpack:"content_type,omitempty"`
	Error       string `json:"error,omitempty" msgpack:"error,omitempty"`
	Debug       string `json:"debug,omitempty" msgpack:"debug,omitempty"`
}

// TaskInput references an input object with an optional label naming the
// input within the task.
type TaskInput struct {
	ID    ObjectID `json:"id" msgpack:"id"`
	Label string   `json:"label,omitempty" msgpack:"label,omitempty"`
}

// TaskSpec is the client-submitted description of a task. TaskType uses the
// "executor_type/method" form; built-in tasks live under "buildin/".
type TaskSpec struct {
	ID        TaskID          `json:"id" msgpack:"id"`
	TaskType  string          `json:"task_type" msgpack:"task_type"`
	Inputs    []TaskInput     `json:"inputs,omitempty" msgpack:"inputs,omitempty"`
	Outputs   []ObjectID      `json:"outputs,omitempty" msgpack:"outputs,omitempty"`
	Resources Resources       `json:"resources" msgpack:"resources"`
	Config    json.RawMessage `json:"config,omitempty" msgpack:"config,omitempty"`
}

// ParseConfig decodes the task config into v.
func (s *TaskSpec) ParseConfig(v interface{}) error {
	if len(s.Config) == 0 {
		return fmt.Errorf("task %s has no config", s.ID)
	}
	return json.Unmarshal(s.Config, v)
}

// ExecutorType returns the part of TaskType before the first slash.
func (s *TaskSpec) ExecutorType() string {
	for i := 0; i < len(s.TaskType); i++ {
		if s.TaskType[i] == '/' {
			return s.TaskType[:i]
		}
	}
	return s.TaskType
}

// Method returns the part of TaskType after the first slash, or "" when
// there is none.
func (s *TaskSpec) Method() string {
	for i := 0; i < len(s.TaskType); i++ {
		if s.TaskType[i] == '/' {
			return s.TaskType[i+1:]
		}
	}
	return ""
}

// TaskInfo carries the mutable, governor-reported attributes of a task.
type TaskInfo struct {
	Error     string `json:"error,omitempty" msgpack:"error,omitempty"`
	Debug     string `json:"debug,omitempty" msgpack:"debug,omitempty"`
	Governor  string `json:"governor,omitempty" msgpack:"governor,omitempty"`
	StartTime string `json:"start_time,omitempty" msgpack:"start_time,omitempty"`
	Duration  *int64 `json:"duration_ms,omitempty" msgpack:"duration_ms,omitempty"`
}

// SessionError is the terminal error of a failed session. It points at the
// task whose failure brought the session down.
type SessionError struct {
	Message string `json:"message" msgpack:"message"`
	Debug   string `json:"debug,omitempty" msgpack:"debug,omitempty"`
	Task    TaskID `json:"failing_task_id" msgpack:"failing_task_id"`
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session failed (task %s): %s", e.Task, e.Message)
}

// MetricsSample is one host utilization snapshot collected on a governor.
type MetricsSample struct {
	CPUUsage  []int               `json:"cpu_usage" msgpack:"cpu_usage"`
	MemUsage  int                 `json:"mem_usage" msgpack:"mem_usage"`
	NetStat   map[string][]uint64 `json:"net_stat,omitempty" msgpack:"net_stat,omitempty"`
	Timestamp string              `json:"timestamp" msgpack:"timestamp"`
}
