// Package state implements the server's central state machine: it owns the
// entity graph, runs the scheduler, translates placement decisions into
// governor assignment messages and serves the client RPC surface.
//
// All graph mutations run under one mutex and complete before the next
// operation starts, which gives the same no-re-entrance guarantee the
// single-threaded design calls for while transports stay on their own
// goroutines. Every public operation ends with a turn: scheduler, dispatch,
// waiter notification.
package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/server/graph"
	"github.com/taskmesh/taskmesh/internal/server/scheduler"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

const (
	// ignoreGracePeriod keeps a failed session's id on the ignore list so
	// that late governor updates are dropped instead of hitting unknown ids.
	ignoreGracePeriod = 30 * time.Second
	// ignoreSweepInterval is how often expired ignore entries are purged.
	ignoreSweepInterval = 5 * time.Second
	// overbookLimit caps the number of tasks assigned to one governor.
	overbookLimit = 128
)

// Options tune the state machine.
type Options struct {
	// CheckConsistency runs the recursive invariant checks after every
	// mutation batch. A failure aborts the process.
	CheckConsistency bool
}

// State is the server core. All exported methods are safe for concurrent
// use; each one is a complete turn.
type State struct {
	mu sync.Mutex

	graph     *graph.Graph
	scheduler *scheduler.Scheduler
	updates   *graph.Updates
	waiters   *waiterRegistry

	// underload tracks governors that may accept more assigned tasks.
	underload map[v1.GovernorID]*graph.Governor
	// ignoredSessions drops late updates from governors after a session
	// was cleaned up.
	ignoredSessions map[v1.SessionID]time.Time

	opts      Options
	log       *logger.Logger
	eventLog  events.Logger
	notifier  bus.Bus
	terminate chan struct{}
	termOnce  sync.Once
}

// New creates a server state machine.
func New(opts Options, eventLog events.Logger, notifier bus.Bus, log *logger.Logger) *State {
	return &State{
		graph:           graph.New(),
		scheduler:       scheduler.New(),
		updates:         graph.NewUpdates(),
		waiters:         newWaiterRegistry(),
		underload:       make(map[v1.GovernorID]*graph.Governor),
		ignoredSessions: make(map[v1.SessionID]time.Time),
		opts:            opts,
		log:             log.WithComponent("server_state"),
		eventLog:        eventLog,
		notifier:        notifier,
		terminate:       make(chan struct{}),
	}
}

// Terminated resolves when a client requested server termination.
func (s *State) Terminated() <-chan struct{} { return s.terminate }

// Run drives the periodic duties: event log flushes and the ignored-session
// sweep. It returns when ctx is cancelled or the server terminates.
func (s *State) Run(ctx context.Context, flushInterval time.Duration) {
	flush := time.NewTicker(flushInterval)
	sweep := time.NewTicker(ignoreSweepInterval)
	defer flush.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.terminate:
			return
		case <-flush.C:
			if err := s.eventLog.Flush(); err != nil {
				s.log.Error("event log flush failed", zap.Error(err))
			}
		case <-sweep.C:
			s.sweepIgnoredSessions()
		}
	}
}

func (s *State) sweepIgnoredSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-ignoreGracePeriod)
	for id, since := range s.ignoredSessions {
		if since.Before(cutoff) {
			delete(s.ignoredSessions, id)
		}
	}
}

// isSessionIgnored reports whether late messages for the session should be
// dropped. Caller holds the lock.
func (s *State) isSessionIgnored(id v1.SessionID) bool {
	_, ok := s.ignoredSessions[id]
	return ok
}

// checkConsistency aborts the process when the graph violates its
// invariants. Invariant failures are server bugs, not user errors.
func (s *State) checkConsistency() {
	if !s.opts.CheckConsistency {
		return
	}
	if err := s.graph.CheckConsistency(); err != nil {
		s.log.Fatal("graph consistency check failed", zap.Error(err))
	}
}

// emit appends an event to the log.
func (s *State) emit(eventType string, session *v1.SessionID, payload interface{}) {
	s.eventLog.Append(events.New(eventType, session, payload))
}

// notify publishes a gateway notification; delivery is best-effort.
func (s *State) notify(subject string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	n, err := bus.NewNotification(subject, payload)
	if err != nil {
		s.log.Error("building notification failed", zap.Error(err))
		return
	}
	if err := s.notifier.Publish(context.Background(), n); err != nil {
		s.log.Debug("notification publish failed", zap.Error(err))
	}
}

// turn runs the scheduler over the accumulated updates and dispatches the
// outcome. Applying one round of placement changes can surface new updates
// (tasks turning Ready); the loop drains them, bounded as a backstop
// against a misbehaving scheduler. Caller holds the lock.
func (s *State) turn() {
	for i := 0; !s.updates.IsEmpty() && i < 64; i++ {
		s.runScheduler()
	}
	s.distribute()
	s.checkConsistency()
}

// runScheduler plans placements for the accumulated updates and applies the
// resulting assignment changes.
func (s *State) runScheduler() {
	changed := s.scheduler.Schedule(s.graph, s.updates)
	s.updates.Clear()

	for w, objects := range changed.Objects {
		for _, o := range objects {
			s.updateObjectAssignments(o, w)
		}
	}
	for _, t := range changed.Tasks {
		if t.State != v1.TaskStateFailed {
			s.updateTaskAssignment(t)
		}
	}
	// Every governor may have gained ready work.
	for id, w := range s.graph.Governors {
		s.underload[id] = w
	}
}

// distribute drains per-governor ready queues up to the overbook limit.
func (s *State) distribute() {
	if len(s.underload) == 0 {
		return
	}
	pending := s.underload
	s.underload = make(map[v1.GovernorID]*graph.Governor)
	for _, w := range pending {
		if _, registered := s.graph.Governors[w.ID]; !registered {
			continue
		}
		for len(w.AssignedTasks) < overbookLimit && len(w.ScheduledReadyTasks) > 0 {
			t := lowestReadyTask(w)
			s.assignTask(t)
		}
	}
}

// lowestReadyTask picks the ready task with the smallest id, keeping
// dispatch deterministic.
func lowestReadyTask(w *graph.Governor) *graph.Task {
	var best *graph.Task
	for _, t := range w.ScheduledReadyTasks {
		if best == nil || t.ID().Less(best.ID()) {
			best = t
		}
	}
	return best
}
