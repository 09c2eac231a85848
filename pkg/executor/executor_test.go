package executor

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

// startExecutor runs an executor against an in-test governor socket and
// returns the governor's side of the connection.
func startExecutor(t *testing.T, register func(e *Executor)) (*wire.Conn, <-chan error) {
	t.Helper()
	workingDir := t.TempDir()
	socketPath := filepath.Join(workingDir, "socket")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	e := WithParams("testexec", 7, socketPath, workingDir)
	register(e)

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run() }()

	netConn, err := listener.Accept()
	require.NoError(t, err)
	conn := wire.NewConn(netConn)

	env, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, v1.MsgExecutorRegister, env.Message)
	var reg v1.ExecutorRegisterMsg
	require.NoError(t, env.Decode(&reg))
	require.Equal(t, v1.ProtocolVersion, reg.Protocol)
	require.Equal(t, v1.ExecutorID(7), reg.ExecutorID)
	require.Equal(t, "testexec", reg.ExecutorType)

	return conn, runErr
}

func callTask(t *testing.T, conn *wire.Conn, call v1.CallMsg) v1.ResultMsg {
	t.Helper()
	require.NoError(t, conn.Send(v1.MsgExecutorCall, call))
	env, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, v1.MsgExecutorResult, env.Message)
	var result v1.ResultMsg
	require.NoError(t, env.Decode(&result))
	require.Equal(t, call.Spec.ID, result.Task)
	return result
}

func TestExecutorSpillToFile(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5c}, 1<<20)
	conn, runErr := startExecutor(t, func(e *Executor) {
		e.Register("bigwrite", func(ctx *Context) error {
			_, err := ctx.Output(0).Write(payload)
			return err
		})
	})

	result := callTask(t, conn, v1.CallMsg{
		Spec: v1.TaskSpec{ID: v1.NewTaskID(1, 4), TaskType: "testexec/bigwrite"},
		Outputs: []v1.LocalObjectIn{
			{Spec: v1.ObjectSpec{ID: v1.NewObjectID(1, 9), DataType: v1.DataTypeBlob}},
		},
	})
	require.True(t, result.Success, "error: %s", result.Info.Error)
	require.Len(t, result.Outputs, 1)

	// Past the spill threshold the location must be a path, not memory.
	location := result.Outputs[0].Location
	require.Equal(t, v1.LocationPath, location.Kind)
	require.EqualValues(t, len(payload), *result.Outputs[0].Info.Size)

	// Closing the governor side ends the loop cleanly.
	require.NoError(t, conn.Close())
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not exit on connection close")
	}
}

func TestExecutorSmallOutputInMemory(t *testing.T) {
	conn, _ := startExecutor(t, func(e *Executor) {
		e.Register("echo", func(ctx *Context) error {
			b, err := ctx.Input(0).Bytes()
			if err != nil {
				return err
			}
			_, err = ctx.Output(0).Write(b)
			return err
		})
	})
	defer conn.Close()

	result := callTask(t, conn, v1.CallMsg{
		Spec: v1.TaskSpec{ID: v1.NewTaskID(1, 5), TaskType: "testexec/echo"},
		Inputs: []v1.LocalObjectIn{{
			Spec:     v1.ObjectSpec{ID: v1.NewObjectID(1, 6), DataType: v1.DataTypeBlob},
			Location: v1.MemoryLocation([]byte("x")),
		}},
		Outputs: []v1.LocalObjectIn{
			{Spec: v1.ObjectSpec{ID: v1.NewObjectID(1, 7), DataType: v1.DataTypeBlob}},
		},
	})
	require.True(t, result.Success)
	require.Equal(t, v1.LocationMemory, result.Outputs[0].Location.Kind)
	require.Equal(t, []byte("x"), result.Outputs[0].Location.Memory)
}

func TestExecutorTaskErrorRollsBackOutputs(t *testing.T) {
	conn, _ := startExecutor(t, func(e *Executor) {
		e.Register("failing", func(ctx *Context) error {
			if _, err := ctx.Output(0).Write(bytes.Repeat([]byte{1}, DefaultSpillThreshold+1)); err != nil {
				return err
			}
			return os.ErrPermission
		})
	})
	defer conn.Close()

	result := callTask(t, conn, v1.CallMsg{
		Spec: v1.TaskSpec{ID: v1.NewTaskID(2, 10), TaskType: "testexec/failing"},
		Outputs: []v1.LocalObjectIn{
			{Spec: v1.ObjectSpec{ID: v1.NewObjectID(2, 11), DataType: v1.DataTypeBlob}},
		},
	})
	require.False(t, result.Success)
	require.Contains(t, result.Info.Error, "permission")
	require.Empty(t, result.Outputs)
}

func TestExecutorUnknownTask(t *testing.T) {
	conn, _ := startExecutor(t, func(*Executor) {})
	defer conn.Close()

	result := callTask(t, conn, v1.CallMsg{
		Spec: v1.TaskSpec{ID: v1.NewTaskID(3, 1), TaskType: "testexec/nope"},
	})
	require.False(t, result.Success)
	require.Contains(t, result.Info.Error, "unknown task")
}

func TestExecutorTypeMismatch(t *testing.T) {
	conn, _ := startExecutor(t, func(*Executor) {})
	defer conn.Close()

	result := callTask(t, conn, v1.CallMsg{
		Spec: v1.TaskSpec{ID: v1.NewTaskID(3, 2), TaskType: "otherexec/task"},
	})
	require.False(t, result.Success)
	require.Contains(t, result.Info.Error, "mismatch")
}

func TestExecutorPassthroughOutput(t *testing.T) {
	conn, _ := startExecutor(t, func(e *Executor) {
		e.Register("ident", func(ctx *Context) error {
			return ctx.Output(0).StageInput(ctx.Input(0))
		})
	})
	defer conn.Close()

	inputID := v1.NewObjectID(4, 1)
	result := callTask(t, conn, v1.CallMsg{
		Spec: v1.TaskSpec{ID: v1.NewTaskID(4, 2), TaskType: "testexec/ident"},
		Inputs: []v1.LocalObjectIn{{
			Spec:     v1.ObjectSpec{ID: inputID, DataType: v1.DataTypeBlob},
			Location: v1.MemoryLocation([]byte("payload")),
		}},
		Outputs: []v1.LocalObjectIn{
			{Spec: v1.ObjectSpec{ID: v1.NewObjectID(4, 3), DataType: v1.DataTypeBlob}},
		},
	})
	require.True(t, result.Success)
	require.Equal(t, v1.LocationOtherObject, result.Outputs[0].Location.Kind)
	require.Equal(t, inputID, result.Outputs[0].Location.OtherObject)
}
