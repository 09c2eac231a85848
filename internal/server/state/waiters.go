package state

import (
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// waitMode distinguishes Wait (all entities) from WaitSome (any entity).
type waitMode int

const (
	waitAll waitMode = iota
	waitAny
)

// waiter is one blocked Wait/WaitSome call. done receives nil on success or
// the session error on failure, exactly once.
type waiter struct {
	mode      waitMode
	remaining int
	done      chan *v1.SessionError
	fired     bool
}

func (w *waiter) fire(err *v1.SessionError) {
	if w.fired {
		return
	}
	w.fired = true
	w.done <- err
}

// waiterRegistry indexes blocked waiters by the entities they watch.
// All access happens under the state lock.
type waiterRegistry struct {
	tasks      map[v1.TaskID][]*waiter
	objects    map[v1.ObjectID][]*waiter
	sessionAll map[v1.SessionID][]*waiter
	// sessions lists every waiter touching the session, for failure
	// propagation.
	sessions map[v1.SessionID][]*waiter
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{
		tasks:      make(map[v1.TaskID][]*waiter),
		objects:    make(map[v1.ObjectID][]*waiter),
		sessionAll: make(map[v1.SessionID][]*waiter),
		sessions:   make(map[v1.SessionID][]*waiter),
	}
}

func (r *waiterRegistry) watchTask(w *waiter, id v1.TaskID) {
	r.tasks[id] = append(r.tasks[id], w)
	r.watchSession(w, id.SessionID)
}

func (r *waiterRegistry) watchObject(w *waiter, id v1.ObjectID) {
	r.objects[id] = append(r.objects[id], w)
	r.watchSession(w, id.SessionID)
}

func (r *waiterRegistry) watchSessionAll(w *waiter, id v1.SessionID) {
	r.sessionAll[id] = append(r.sessionAll[id], w)
	r.watchSession(w, id)
}

func (r *waiterRegistry) watchSession(w *waiter, id v1.SessionID) {
	for _, existing := range r.sessions[id] {
		if existing == w {
			return
		}
	}
	r.sessions[id] = append(r.sessions[id], w)
}

// entityDone wakes waiters watching one finished entity.
func (r *waiterRegistry) entityDone(waiters []*waiter) {
	for _, w := range waiters {
		if w.fired {
			continue
		}
		switch w.mode {
		case waitAll:
			w.remaining--
			if w.remaining <= 0 {
				w.fire(nil)
			}
		case waitAny:
			w.fire(nil)
		}
	}
}

// TaskFinished wakes waiters on the task.
func (r *waiterRegistry) TaskFinished(id v1.TaskID) {
	r.entityDone(r.tasks[id])
	delete(r.tasks, id)
}

// ObjectFinished wakes waiters on the object.
func (r *waiterRegistry) ObjectFinished(id v1.ObjectID) {
	r.entityDone(r.objects[id])
	delete(r.objects, id)
}

// SessionAllDone wakes "all tasks" waiters on the session.
func (r *waiterRegistry) SessionAllDone(id v1.SessionID) {
	r.entityDone(r.sessionAll[id])
	delete(r.sessionAll, id)
}

// SessionFailed fails every waiter touching the session.
func (r *waiterRegistry) SessionFailed(id v1.SessionID, err *v1.SessionError) {
	for _, w := range r.sessions[id] {
		w.fire(err)
	}
	delete(r.sessions, id)
	delete(r.sessionAll, id)
	// Entity indexes are cleaned lazily: fired waiters are skipped.
}
