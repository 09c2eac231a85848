package executors

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

// Executor is one registered executor process. The protocol permits one
// outstanding call at a time; the governor's view alternates between
// Registered (idle) and Busy (call in flight).
type Executor struct {
	ID   v1.ExecutorID
	Type string

	conn *wire.Conn
	cmd  *exec.Cmd
	dir  string
	log  *logger.Logger
	busy bool
}

// Dir returns the executor's working directory; call inputs may reference
// paths under it.
func (e *Executor) Dir() string { return e.dir }

// awaitRegister reads and validates the mandatory first message.
func (e *Executor) awaitRegister(deadline time.Time, netConn net.Conn) error {
	_ = netConn.SetReadDeadline(deadline)
	env, err := e.conn.Recv()
	if err != nil {
		return fmt.Errorf("reading executor registration: %w", err)
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if env.Message != v1.MsgExecutorRegister {
		return fmt.Errorf("executor sent %q before registering", env.Message)
	}
	var register v1.ExecutorRegisterMsg
	if err := env.Decode(&register); err != nil {
		return fmt.Errorf("malformed executor registration: %w", err)
	}
	if register.Protocol != v1.ProtocolVersion {
		return fmt.Errorf("executor protocol mismatch: got %q, want %q",
			register.Protocol, v1.ProtocolVersion)
	}
	if register.ExecutorID != e.ID {
		return fmt.Errorf("executor registered with id %d, expected %d",
			register.ExecutorID, e.ID)
	}
	if register.ExecutorType != e.Type {
		return fmt.Errorf("executor registered type %q, expected %q",
			register.ExecutorType, e.Type)
	}
	e.log.Info("executor registered", zap.String("type", register.ExecutorType))
	return nil
}

// Call runs one task on the executor and waits for its result. A transport
// failure mid-call surfaces as ErrLostConnection; the executor must then be
// discarded.
func (e *Executor) Call(ctx context.Context, call v1.CallMsg) (*v1.ResultMsg, error) {
	if e.busy {
		return nil, fmt.Errorf("executor %d already has a call outstanding", e.ID)
	}
	e.busy = true
	defer func() { e.busy = false }()

	if err := e.conn.Send(v1.MsgExecutorCall, call); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLostConnection, err)
	}

	type outcome struct {
		result *v1.ResultMsg
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		for {
			env, err := e.conn.Recv()
			if err != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrLostConnection, err)}
				return
			}
			if env.Message != v1.MsgExecutorResult {
				done <- outcome{err: fmt.Errorf("executor sent %q while busy", env.Message)}
				return
			}
			var result v1.ResultMsg
			if err := env.Decode(&result); err != nil {
				done <- outcome{err: fmt.Errorf("malformed executor result: %v", err)}
				return
			}
			done <- outcome{result: &result}
			return
		}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.result.Task != call.Spec.ID {
			return nil, fmt.Errorf("executor answered for task %s, expected %s",
				o.result.Task, call.Spec.ID)
		}
		return o.result, nil
	case <-ctx.Done():
		// Cancellation kills the executor: there is no in-band way to abort
		// a running task function.
		e.kill()
		return nil, ctx.Err()
	}
}

// DropCached tells the executor to evict cached objects.
func (e *Executor) DropCached(objects []v1.ObjectID) error {
	if len(objects) == 0 {
		return nil
	}
	return e.conn.Send(v1.MsgExecutorDrop, v1.DropCachedMsg{Objects: objects})
}

func (e *Executor) kill() {
	_ = e.conn.Close()
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		_ = e.cmd.Wait()
	}
}
