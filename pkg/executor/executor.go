// Package executor is the runtime library for building taskmesh executors:
// external processes that register task functions, connect back to their
// governor over a unix socket and serve one call at a time.
//
// A minimal executor:
//
//	e, err := executor.New("myexec")
//	if err != nil {
//		log.Fatal(err)
//	}
//	e.Register("double", func(ctx *executor.Context) error {
//		b, _ := ctx.Input(0).Bytes()
//		_, err := ctx.Output(0).Write(append(b, b...))
//		return err
//	})
//	if err := e.Run(); err != nil {
//		log.Fatal(err)
//	}
package executor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

const (
	stagingDirName = "staging"
	tasksDirName   = "tasks"
)

// TaskFn is one registered task implementation.
type TaskFn func(ctx *Context) error

// Executor is the event loop plus the registered task table.
type Executor struct {
	executorType string
	id           v1.ExecutorID
	socketPath   string
	workingDir   string
	stagingDir   string
	tasksDir     string
	tasks        map[string]TaskFn
	wasRun       bool

	// KeepFailedTasks retains failed task directories under tasks/.
	KeepFailedTasks bool
}

// New builds an executor from the RAIN_EXECUTOR_SOCKET and RAIN_EXECUTOR_ID
// environment variables, with the working directory as work tree.
func New(executorType string) (*Executor, error) {
	idValue := os.Getenv(v1.ExecutorIDEnv)
	if idValue == "" {
		return nil, fmt.Errorf("env variable %s required", v1.ExecutorIDEnv)
	}
	id, err := strconv.ParseInt(idValue, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", v1.ExecutorIDEnv, err)
	}
	socketPath := os.Getenv(v1.ExecutorSocketEnv)
	if socketPath == "" {
		return nil, fmt.Errorf("env variable %s required", v1.ExecutorSocketEnv)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return WithParams(executorType, v1.ExecutorID(id), socketPath, workingDir), nil
}

// WithParams builds an executor with explicit parameters; nothing is
// initialized until Run.
func WithParams(executorType string, id v1.ExecutorID, socketPath, workingDir string) *Executor {
	return &Executor{
		executorType: executorType,
		id:           id,
		socketPath:   socketPath,
		workingDir:   workingDir,
		stagingDir:   filepath.Join(workingDir, stagingDirName),
		tasksDir:     filepath.Join(workingDir, tasksDirName),
		tasks:        make(map[string]TaskFn),
	}
}

// Register adds a task function under a name (the method part of the task
// type). Registering a name twice is a programming error.
func (e *Executor) Register(name string, fn TaskFn) {
	if _, exists := e.tasks[name]; exists {
		panic(fmt.Sprintf("task %q already registered", name))
	}
	e.tasks[name] = fn
}

// Run connects to the governor, registers and serves calls until the
// connection closes. May only be called once; the working directory must be
// clean.
func (e *Executor) Run() error {
	if e.wasRun {
		return errors.New("executor.Run may only be called once")
	}
	e.wasRun = true

	for _, dir := range []string{e.stagingDir, e.tasksDir} {
		if _, err := os.Stat(dir); err == nil {
			return fmt.Errorf("executor needs a clean working directory, %s exists", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	netConn, err := net.Dial("unix", e.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to governor socket %s: %w", e.socketPath, err)
	}
	conn := wire.NewConn(netConn)
	defer conn.Close()

	if err := conn.Send(v1.MsgExecutorRegister, v1.ExecutorRegisterMsg{
		Protocol:     v1.ProtocolVersion,
		ExecutorID:   e.id,
		ExecutorType: e.executorType,
	}); err != nil {
		return err
	}

	for {
		env, err := conn.Recv()
		if err != nil {
			if isCleanClose(err) {
				return nil
			}
			return err
		}
		switch env.Message {
		case v1.MsgExecutorCall:
			var call v1.CallMsg
			if err := env.Decode(&call); err != nil {
				return fmt.Errorf("malformed call: %w", err)
			}
			result := e.handleCall(call)
			if err := conn.Send(v1.MsgExecutorResult, result); err != nil {
				return err
			}
		case v1.MsgExecutorDrop:
			var drop v1.DropCachedMsg
			if err := env.Decode(&drop); err != nil {
				return fmt.Errorf("malformed drop_cached: %w", err)
			}
			if len(drop.Objects) > 0 {
				// This runtime never sets cache hints.
				return fmt.Errorf("drop_cached for objects that were never cached")
			}
		default:
			return fmt.Errorf("unexpected message %q", env.Message)
		}
	}
}

// isCleanClose matches the governor ending the session: EOF or an aborted
// connection mean shutdown, not failure.
func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// handleCall runs one task function and packages the outcome. Task errors
// roll every output back and travel in the result; only transport problems
// escape.
func (e *Executor) handleCall(call v1.CallMsg) v1.ResultMsg {
	taskName := fmt.Sprintf("%s-task-%d_%d",
		time.Now().Format("20060102-150405"),
		call.Spec.ID.SessionID, call.Spec.ID.ID)
	taskDir := filepath.Join(e.tasksDir, taskName)

	ctx := newContext(call, e.stagingDir, taskDir)
	failure := func(message string) v1.ResultMsg {
		ctx.cleanupFailed()
		if !e.KeepFailedTasks {
			_ = os.RemoveAll(taskDir)
		}
		return v1.ResultMsg{
			Task:    call.Spec.ID,
			Success: false,
			Info:    v1.TaskInfo{Error: message, Debug: ctx.debugLog()},
		}
	}

	if call.Spec.ExecutorType() != e.executorType {
		return failure(fmt.Sprintf("executor type mismatch in call: %q vs %q",
			call.Spec.ExecutorType(), e.executorType))
	}
	fn, ok := e.tasks[call.Spec.Method()]
	if !ok {
		return failure(fmt.Sprintf("unknown task %q", call.Spec.Method()))
	}
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return failure("creating task directory: " + err.Error())
	}

	if err := fn(ctx); err != nil {
		return failure(err.Error())
	}

	outputs, err := ctx.results(e.workingDir)
	if err != nil {
		return failure(err.Error())
	}
	_ = os.RemoveAll(taskDir)
	return v1.ResultMsg{
		Task:    call.Spec.ID,
		Success: true,
		Info:    v1.TaskInfo{Debug: ctx.debugLog()},
		Outputs: outputs,
	}
}
