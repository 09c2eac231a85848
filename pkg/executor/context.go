package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Context is the per-call execution context handed to a TaskFn.
type Context struct {
	spec    v1.TaskSpec
	inputs  []*Input
	outputs []*Output
	taskDir string
	debug   []string
}

func newContext(call v1.CallMsg, stagingDir, taskDir string) *Context {
	ctx := &Context{spec: call.Spec, taskDir: taskDir}
	for i, in := range call.Inputs {
		ctx.inputs = append(ctx.inputs, newInput(in, taskDir, i))
	}
	for i, out := range call.Outputs {
		ctx.outputs = append(ctx.outputs, newOutput(out.Spec, stagingDir, i))
	}
	return ctx
}

// Spec returns the task specification.
func (c *Context) Spec() v1.TaskSpec { return c.spec }

// ParseConfig decodes the task config.
func (c *Context) ParseConfig(v interface{}) error { return c.spec.ParseConfig(v) }

// NInputs returns the input count.
func (c *Context) NInputs() int { return len(c.inputs) }

// Input returns the i-th input.
func (c *Context) Input(i int) *Input { return c.inputs[i] }

// NOutputs returns the output count.
func (c *Context) NOutputs() int { return len(c.outputs) }

// Output returns the i-th output.
func (c *Context) Output(i int) *Output { return c.outputs[i] }

// TaskDir is the scoped working directory of this call.
func (c *Context) TaskDir() string { return c.taskDir }

// DebugLog appends a line to the debug string returned with the result.
func (c *Context) DebugLog(format string, args ...interface{}) {
	c.debug = append(c.debug, fmt.Sprintf(format, args...))
}

func (c *Context) debugLog() string { return strings.Join(c.debug, "\n") }

// cleanupFailed rolls every output back to Empty and discards staged data.
func (c *Context) cleanupFailed() {
	for _, out := range c.outputs {
		out.cleanupFailed()
	}
}

// results finalizes all outputs for the result message.
func (c *Context) results(workingDir string) ([]v1.LocalObjectOut, error) {
	outputs := make([]v1.LocalObjectOut, 0, len(c.outputs))
	for _, out := range c.outputs {
		result, err := out.result(workingDir)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, result)
	}
	return outputs, nil
}

// Input is one task input with lazily materialized bytes.
type Input struct {
	spec     v1.ObjectSpec
	info     *v1.ObjectInfo
	location *v1.DataLocation
	taskDir  string
	order    int
	// path caches the on-disk form once materialized.
	path string
}

func newInput(in v1.LocalObjectIn, taskDir string, order int) *Input {
	return &Input{
		spec:     in.Spec,
		info:     in.Info,
		location: in.Location,
		taskDir:  taskDir,
		order:    order,
	}
}

// Spec returns the object specification.
func (in *Input) Spec() v1.ObjectSpec { return in.spec }

// DataType returns blob or directory.
func (in *Input) DataType() v1.DataType { return in.spec.DataType }

// ID returns the object id.
func (in *Input) ID() v1.ObjectID { return in.spec.ID }

// Bytes returns blob content.
func (in *Input) Bytes() ([]byte, error) {
	if in.location == nil {
		return nil, fmt.Errorf("input #%d has no data location", in.order)
	}
	switch in.location.Kind {
	case v1.LocationMemory:
		return in.location.Memory, nil
	case v1.LocationPath:
		return os.ReadFile(in.resolvedPath())
	default:
		return nil, fmt.Errorf("input #%d has unreadable location %q", in.order, in.location.Kind)
	}
}

// Path materializes the input as a filesystem path inside the task
// directory when needed and returns it.
func (in *Input) Path() (string, error) {
	if in.path != "" {
		return in.path, nil
	}
	if in.location == nil {
		return "", fmt.Errorf("input #%d has no data location", in.order)
	}
	switch in.location.Kind {
	case v1.LocationPath:
		in.path = in.resolvedPath()
		return in.path, nil
	case v1.LocationMemory:
		path := filepath.Join(in.taskDir, fmt.Sprintf("input-%d", in.order))
		if err := os.WriteFile(path, in.location.Memory, 0o644); err != nil {
			return "", err
		}
		in.path = path
		return path, nil
	default:
		return "", fmt.Errorf("input #%d has unmaterializable location %q", in.order, in.location.Kind)
	}
}

// resolvedPath resolves a location path against the executor working
// directory (two levels above the task dir).
func (in *Input) resolvedPath() string {
	if filepath.IsAbs(in.location.Path) {
		return in.location.Path
	}
	workingDir := filepath.Dir(filepath.Dir(in.taskDir))
	return filepath.Join(workingDir, in.location.Path)
}
