// Package executors supervises executor processes: spawning them from the
// configured registry, driving the register/call/result protocol over a
// unix socket and pooling idle executors for reuse.
package executors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/fsutil"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

// registerTimeout bounds how long a freshly spawned executor may take to
// connect and register.
const registerTimeout = 30 * time.Second

// ErrLostConnection reports an executor that died mid-call; the running
// task fails and the executor is not reused.
var ErrLostConnection = errors.New("lost connection to executor")

// Manager spawns and pools executors.
type Manager struct {
	mu       sync.Mutex
	registry map[string][]string
	idle     map[string][]*Executor
	nextID   v1.ExecutorID
	workDir  *fsutil.WorkDir
	log      *logger.Logger
	closed   bool
}

// NewManager builds a manager from the configured type -> argv registry.
func NewManager(registry map[string][]string, workDir *fsutil.WorkDir, log *logger.Logger) *Manager {
	return &Manager{
		registry: registry,
		idle:     make(map[string][]*Executor),
		workDir:  workDir,
		log:      log.WithComponent("executors"),
	}
}

// Get returns an idle executor of the type, spawning one when none exists.
func (m *Manager) Get(ctx context.Context, executorType string) (*Executor, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("executor manager is closed")
	}
	if pool := m.idle[executorType]; len(pool) > 0 {
		e := pool[len(pool)-1]
		m.idle[executorType] = pool[:len(pool)-1]
		m.mu.Unlock()
		return e, nil
	}
	argv, ok := m.registry[executorType]
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("unknown executor type %q", executorType)
	}
	return m.spawn(ctx, executorType, id, argv)
}

// Put returns a healthy executor to the idle pool.
func (m *Manager) Put(e *Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		e.kill()
		return
	}
	m.idle[e.Type] = append(m.idle[e.Type], e)
}

// Discard kills an executor that must not be reused.
func (m *Manager) Discard(e *Executor) {
	e.kill()
}

// Close kills every idle executor.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, pool := range m.idle {
		for _, e := range pool {
			e.kill()
		}
	}
	m.idle = make(map[string][]*Executor)
}

func (m *Manager) spawn(ctx context.Context, executorType string, id v1.ExecutorID, argv []string) (*Executor, error) {
	dir, err := m.workDir.ExecutorDir(int32(id))
	if err != nil {
		return nil, err
	}
	socketPath := filepath.Join(dir, "socket")
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("binding executor socket: %w", err)
	}
	defer listener.Close()

	m.log.Info("starting executor",
		zap.String("type", executorType), zap.Int32("id", int32(id)))

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", v1.ExecutorSocketEnv, socketPath),
		fmt.Sprintf("%s=%d", v1.ExecutorIDEnv, id),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning executor %q: %w", executorType, err)
	}

	deadline := time.Now().Add(registerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- accepted{conn: conn, err: err}
	}()

	var netConn net.Conn
	select {
	case a := <-acceptCh:
		if a.err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("accepting executor connection: %w", a.err)
		}
		netConn = a.conn
	case <-time.After(time.Until(deadline)):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("executor %q did not connect in time", executorType)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	e := &Executor{
		ID:   id,
		Type: executorType,
		conn: wire.NewConn(netConn),
		cmd:  cmd,
		dir:  dir,
		log:  m.log.WithFields(zap.Int32("executor_id", int32(id))),
	}
	if err := e.awaitRegister(deadline, netConn); err != nil {
		e.kill()
		return nil, err
	}
	return e, nil
}
