// Package state implements the governor-side execution engine: the local
// object/task graph, the ready queue with resource admission, data fetching
// from peers, executor supervision and the ordered state update stream back
// to the server.
//
// Like the server, the governor serializes all graph mutations under one
// mutex; server messages are processed in arrival order on the upstream
// connection's read loop.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/await"
	"github.com/taskmesh/taskmesh/internal/common/fsutil"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/governor/data"
	"github.com/taskmesh/taskmesh/internal/governor/executors"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

const (
	// deleteWaitTimeout delays removal of unneeded finished objects: a new
	// task may re-take them moments later.
	deleteWaitTimeout = 5 * time.Second
	// deleteWaitLimit caps the delete-wait list; beyond it removal is
	// immediate.
	deleteWaitLimit = 100
	// deleteSweepInterval is the delete-wait sweep period.
	deleteSweepInterval = 2 * time.Second
	// transportViewTimeout keeps a served object view alive between
	// repeated peer fetches.
	transportViewTimeout = 10 * time.Second
)

// ObjectState is the governor-local object lifecycle.
type ObjectState int

const (
	// ObjectAssigned: the object will be produced locally.
	ObjectAssigned ObjectState = iota
	// ObjectRemote: finished elsewhere, not yet pulled.
	ObjectRemote
	// ObjectPulling: a fetch is in flight.
	ObjectPulling
	// ObjectFinished: bytes are local.
	ObjectFinished
	// ObjectRemoved: discarded.
	ObjectRemoved
)

// TaskState is the governor-local task lifecycle.
type TaskState int

const (
	TaskAssigned TaskState = iota
	TaskRunning
	TaskFinished
	TaskFailed
)

// Object is one locally known data object.
type Object struct {
	Spec  v1.ObjectSpec
	Info  v1.ObjectInfo
	State ObjectState
	// Assigned records whether the server told this governor to host the
	// object (and expects a finished report).
	Assigned bool
	// Placement is where to pull from while Remote/Pulling.
	Placement v1.GovernorID
	Data      *data.Data
	Consumers map[v1.TaskID]*Task
	cancel    context.CancelFunc
}

func (o *Object) ID() v1.ObjectID { return o.Spec.ID }

// Task is one locally assigned task.
type Task struct {
	Spec       v1.TaskSpec
	State      TaskState
	Info       v1.TaskInfo
	Inputs     []*Object
	Outputs    []*Object
	WaitingFor map[v1.ObjectID]struct{}
	cancel     context.CancelFunc
	stopped    bool
}

func (t *Task) ID() v1.TaskID { return t.Spec.ID }

// ExecutorPool supervises executor processes for non-builtin tasks.
type ExecutorPool interface {
	Get(ctx context.Context, executorType string) (*executors.Executor, error)
	Put(e *executors.Executor)
	Discard(e *executors.Executor)
	Close()
}

// State is the governor engine.
type State struct {
	mu sync.Mutex

	id        v1.GovernorID
	resources v1.Resources
	freeCPUs  int
	freeSlots int

	objects    map[v1.ObjectID]*Object
	tasks      map[v1.TaskID]*Task
	ready      []*Task
	running    map[v1.TaskID]*Task
	deleteWait map[v1.ObjectID]time.Time
	views      map[v1.ObjectID]*transportView

	updatedTasks   map[v1.TaskID]*Task
	updatedObjects map[v1.ObjectID]*Object

	upstream *wire.Conn
	remotes  map[v1.GovernorID]*await.Cell[*wire.Conn]

	runners    map[string]Runner
	pool       ExecutorPool
	workDir    *fsutil.WorkDir
	keepFailed bool

	bg     context.Context
	cancel context.CancelFunc
	log    *logger.Logger
}

// Config assembles a governor state.
type Config struct {
	Resources       v1.Resources
	WorkDir         *fsutil.WorkDir
	Runners         map[string]Runner
	Pool            ExecutorPool
	KeepFailedTasks bool
}

// New creates the governor engine; Connect must follow.
func New(cfg Config, log *logger.Logger) *State {
	bg, cancel := context.WithCancel(context.Background())
	return &State{
		resources:      cfg.Resources,
		freeCPUs:       cfg.Resources.CPUs,
		freeSlots:      4 * cfg.Resources.CPUs,
		objects:        make(map[v1.ObjectID]*Object),
		tasks:          make(map[v1.TaskID]*Task),
		running:        make(map[v1.TaskID]*Task),
		deleteWait:     make(map[v1.ObjectID]time.Time),
		views:          make(map[v1.ObjectID]*transportView),
		updatedTasks:   make(map[v1.TaskID]*Task),
		updatedObjects: make(map[v1.ObjectID]*Object),
		remotes:        make(map[v1.GovernorID]*await.Cell[*wire.Conn]),
		runners:        cfg.Runners,
		pool:           cfg.Pool,
		workDir:        cfg.WorkDir,
		keepFailed:     cfg.KeepFailedTasks,
		bg:             bg,
		cancel:         cancel,
		log:            log.WithComponent("governor_state"),
	}
}

// ID returns the governor identity assigned at registration.
func (s *State) ID() v1.GovernorID { return s.id }

// Connect dials the server, registers and starts processing control
// messages. listenAddress is the fetch endpoint peers and clients use; it
// becomes the governor's identity.
func (s *State) Connect(ctx context.Context, serverAddress, listenAddress string) error {
	netConn, err := net.Dial("tcp", serverAddress)
	if err != nil {
		return fmt.Errorf("connecting to server %s: %w", serverAddress, err)
	}
	conn := wire.NewConn(netConn)

	if err := conn.Send(v1.MsgRegisterGovernor, v1.RegisterGovernorMsg{
		Version:   v1.ProtocolVersion,
		Address:   listenAddress,
		Resources: s.resources,
	}); err != nil {
		_ = conn.Close()
		return err
	}
	env, err := conn.Recv()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("server rejected registration: %w", err)
	}
	if env.Message != v1.MsgGovernorAccepted {
		_ = conn.Close()
		return fmt.Errorf("unexpected registration reply %q", env.Message)
	}
	var accepted v1.GovernorAcceptedMsg
	if err := env.Decode(&accepted); err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	s.id = accepted.GovernorID
	s.upstream = conn
	s.mu.Unlock()
	s.log.Info("registered with server",
		zap.String("governor_id", string(accepted.GovernorID)),
		zap.Int("cpus", s.resources.CPUs))

	go func() {
		err := conn.Serve(ctx, s.handleServerMessage)
		if err != nil && ctx.Err() == nil {
			s.log.Error("server connection lost", zap.Error(err))
		}
		s.cancel()
	}()
	return nil
}

// Done resolves when the server connection is gone.
func (s *State) Done() <-chan struct{} { return s.bg.Done() }

// Close stops background work and the executor pool.
func (s *State) Close() {
	s.cancel()
	if s.pool != nil {
		s.pool.Close()
	}
	if s.upstream != nil {
		_ = s.upstream.Close()
	}
}

// Run drives periodic sweeps until ctx is cancelled.
func (s *State) Run(ctx context.Context) {
	ticker := time.NewTicker(deleteSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bg.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *State) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, deadline := range s.deleteWait {
		if now.After(deadline) {
			delete(s.deleteWait, id)
			if o, ok := s.objects[id]; ok {
				s.removeObject(o)
			}
		}
	}
	for id, view := range s.views {
		if now.After(view.deadline) {
			delete(s.views, id)
		}
	}
}

// handleServerMessage processes one ordered control message.
func (s *State) handleServerMessage(env *wire.Envelope) {
	switch env.Message {
	case v1.MsgAddNodes:
		var msg v1.AddNodesMsg
		if err := env.Decode(&msg); err != nil {
			s.log.Error("malformed add_nodes", zap.Error(err))
			return
		}
		s.handleAddNodes(msg)

	case v1.MsgStopTasks:
		var msg v1.StopTasksMsg
		if err := env.Decode(&msg); err != nil {
			s.log.Error("malformed stop_tasks", zap.Error(err))
			return
		}
		s.handleStopTasks(msg)

	case v1.MsgUnassignObjects:
		var msg v1.UnassignObjectsMsg
		if err := env.Decode(&msg); err != nil {
			s.log.Error("malformed unassign_objects", zap.Error(err))
			return
		}
		s.handleUnassignObjects(msg)

	case v1.MsgGetInfo:
		s.mu.Lock()
		info := v1.GovernorInfo{
			ID:              s.id,
			NTasks:          len(s.tasks),
			NObjects:        len(s.objects),
			ObjectsToDelete: len(s.deleteWait),
			Resources:       s.resources,
		}
		s.mu.Unlock()
		if err := s.upstream.Reply(env, v1.MsgGetInfoReply, v1.GetInfoReplyMsg{Info: info}); err != nil {
			s.log.Debug("get_info reply failed", zap.Error(err))
		}

	case v1.MsgGetResources:
		if err := s.upstream.Reply(env, v1.MsgGetResourcesReply,
			v1.GetResourcesReplyMsg{Resources: s.resources}); err != nil {
			s.log.Debug("get_resources reply failed", zap.Error(err))
		}

	case v1.MsgFetch:
		var msg v1.FetchMsg
		if err := env.Decode(&msg); err != nil {
			s.log.Error("malformed fetch", zap.Error(err))
			return
		}
		reply := s.ServeFetch(msg)
		if err := s.upstream.Reply(env, v1.MsgFetchReply, reply); err != nil {
			s.log.Debug("fetch reply failed", zap.Error(err))
		}

	default:
		s.log.Warn("unknown server message", zap.String("message", env.Message))
	}
}

// PushMonitoringSample ships one metrics sample to the server event log.
func (s *State) PushMonitoringSample(sample v1.MetricsSample) {
	s.mu.Lock()
	upstream := s.upstream
	id := s.id
	s.mu.Unlock()
	if upstream == nil {
		return
	}
	payload, err := json.Marshal(events.Monitoring{Governor: id, Sample: sample})
	if err != nil {
		return
	}
	msg := v1.PushEventsMsg{Events: []v1.PushedEvent{{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: events.TypeMonitoring,
		Event:     payload,
	}}}
	if err := upstream.Send(v1.MsgPushEvents, msg); err != nil {
		s.log.Debug("event push failed", zap.Error(err))
	}
}
