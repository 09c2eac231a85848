package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/fsutil"
	"github.com/taskmesh/taskmesh/internal/governor/data"
	"github.com/taskmesh/taskmesh/internal/governor/executors"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Runner executes one built-in task inside the governor process.
type Runner func(ctx context.Context, run *TaskRun) error

// TaskRun is the execution context handed to a Runner: finished input data,
// output slots and scoped working storage.
type TaskRun struct {
	Spec    v1.TaskSpec
	inputs  []*data.Data
	outputs []*data.Data
	workDir *fsutil.WorkDir
	taskDir *fsutil.DirHandle
}

// NewTaskRun builds a standalone execution context; used by runner tests
// and tooling that exercises built-ins outside a governor.
func NewTaskRun(spec v1.TaskSpec, inputs []*data.Data, nOutputs int, workDir *fsutil.WorkDir) *TaskRun {
	return &TaskRun{
		Spec:    spec,
		inputs:  inputs,
		outputs: make([]*data.Data, nOutputs),
		workDir: workDir,
	}
}

// Outputs returns the published output data.
func (r *TaskRun) Outputs() []*data.Data { return r.outputs }

// NInputs returns the input count.
func (r *TaskRun) NInputs() int { return len(r.inputs) }

// Input returns the i-th input data.
func (r *TaskRun) Input(i int) *data.Data { return r.inputs[i] }

// CheckInputs errors unless exactly n inputs were passed.
func (r *TaskRun) CheckInputs(n int) error {
	if len(r.inputs) != n {
		return fmt.Errorf("task %s expects %d inputs, got %d", r.Spec.TaskType, n, len(r.inputs))
	}
	return nil
}

// SetOutput publishes the i-th output.
func (r *TaskRun) SetOutput(i int, d *data.Data) {
	r.outputs[i] = d
}

// NOutputs returns the output count.
func (r *TaskRun) NOutputs() int { return len(r.outputs) }

// NewObjectPath allocates a fresh path in the governor data tree.
func (r *TaskRun) NewObjectPath() string { return r.workDir.NewObjectPath() }

// TaskDir returns the scoped temporary directory of this run, creating it
// on first use.
func (r *TaskRun) TaskDir() (string, error) {
	if r.taskDir == nil {
		name := fmt.Sprintf("%s-task-%d_%d",
			time.Now().Format("20060102-150405"),
			r.Spec.ID.SessionID, r.Spec.ID.ID)
		handle, err := r.workDir.TaskDir(name)
		if err != nil {
			return "", err
		}
		r.taskDir = handle
	}
	return r.taskDir.Path(), nil
}

// ParseConfig decodes the task config.
func (r *TaskRun) ParseConfig(v interface{}) error { return r.Spec.ParseConfig(v) }

// schedule admits ready tasks while resources and slots allow, in queue
// order. Caller holds the lock.
func (s *State) schedule() {
	i := 0
	for i < len(s.ready) {
		if s.freeSlots == 0 {
			return
		}
		t := s.ready[i]
		if t.Spec.Resources.CPUs > s.freeCPUs {
			i++
			continue
		}
		s.ready = append(s.ready[:i], s.ready[i+1:]...)
		s.startTask(t)
	}
}

// startTask allocates resources and launches the task instance. Caller
// holds the lock.
func (s *State) startTask(t *Task) {
	s.freeCPUs -= t.Spec.Resources.CPUs
	s.freeSlots--

	ctx, cancel := context.WithCancel(s.bg)
	t.cancel = cancel
	t.State = TaskRunning
	t.Info.Governor = string(s.id)
	t.Info.StartTime = time.Now().UTC().Format(time.RFC3339Nano)
	s.running[t.ID()] = t
	s.updatedTasks[t.ID()] = t

	inputs := make([]*data.Data, len(t.Inputs))
	for i, o := range t.Inputs {
		inputs[i] = o.Data
	}
	run := &TaskRun{
		Spec:    t.Spec,
		inputs:  inputs,
		outputs: make([]*data.Data, len(t.Outputs)),
		workDir: s.workDir,
	}

	s.log.Debug("starting task",
		zap.String("task", t.ID().String()),
		zap.String("type", t.Spec.TaskType))

	go func() {
		err := s.execute(ctx, t, run)
		s.taskDone(t, run, err)
	}()
}

// execute runs the task body: a built-in runner in-process, anything else
// through an executor.
func (s *State) execute(ctx context.Context, t *Task, run *TaskRun) error {
	if runner, ok := s.runners[t.Spec.TaskType]; ok {
		return runner(ctx, run)
	}
	executorType := t.Spec.ExecutorType()
	if t.Spec.Method() == "" {
		return fmt.Errorf("task type %q is not \"executor/method\"", t.Spec.TaskType)
	}
	return s.executeRemote(ctx, t, run, executorType)
}

// executeRemote drives one executor call for the task.
func (s *State) executeRemote(ctx context.Context, t *Task, run *TaskRun, executorType string) error {
	if s.pool == nil {
		return fmt.Errorf("no executor registered for type %q", executorType)
	}
	e, err := s.pool.Get(ctx, executorType)
	if err != nil {
		return err
	}

	call := v1.CallMsg{Spec: t.Spec}
	for i, o := range t.Inputs {
		location, err := inputLocation(run.Input(i))
		if err != nil {
			s.pool.Put(e)
			return err
		}
		spec := o.Spec
		if i < len(t.Spec.Inputs) {
			spec.Label = t.Spec.Inputs[i].Label
		}
		info := o.Info
		call.Inputs = append(call.Inputs, v1.LocalObjectIn{
			Spec:     spec,
			Info:     &info,
			Location: location,
		})
	}
	for _, o := range t.Outputs {
		call.Outputs = append(call.Outputs, v1.LocalObjectIn{Spec: o.Spec})
	}

	result, err := e.Call(ctx, call)
	if err != nil {
		s.pool.Discard(e)
		if errors.Is(err, executors.ErrLostConnection) {
			return executors.ErrLostConnection
		}
		return err
	}
	s.pool.Put(e)

	if !result.Success {
		message := result.Info.Error
		if message == "" {
			message = "task failed without an error message"
		}
		if result.Info.Debug != "" {
			t.Info.Debug = result.Info.Debug
		}
		return errors.New(message)
	}
	if len(result.Outputs) != len(t.Outputs) {
		return fmt.Errorf("executor returned %d outputs, expected %d",
			len(result.Outputs), len(t.Outputs))
	}
	for i, out := range result.Outputs {
		d, err := s.adoptResultOutput(e, run, t, t.Outputs[i].Spec.DataType, out)
		if err != nil {
			return err
		}
		run.SetOutput(i, d)
	}
	return nil
}

// inputLocation maps input data into a call message: small in-memory blobs
// inline, everything else by path.
func inputLocation(d *data.Data) (*v1.DataLocation, error) {
	if d.InMemory() {
		b, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		return v1.MemoryLocation(b), nil
	}
	return v1.PathLocation(d.Path()), nil
}

// adoptResultOutput materializes one executor-produced output into the
// governor data tree.
func (s *State) adoptResultOutput(e *executors.Executor, run *TaskRun, t *Task, dataType v1.DataType, out v1.LocalObjectOut) (*data.Data, error) {
	if out.Location == nil {
		return nil, fmt.Errorf("executor output without location")
	}
	switch out.Location.Kind {
	case v1.LocationMemory:
		return data.FromBytes(out.Location.Memory), nil
	case v1.LocationPath:
		source := out.Location.Path
		if !filepath.IsAbs(source) {
			source = filepath.Join(e.Dir(), source)
		}
		return data.FromPathMove(source, run.NewObjectPath(), dataType)
	case v1.LocationOtherObject:
		for _, o := range t.Inputs {
			if o.ID() == out.Location.OtherObject {
				return o.Data, nil
			}
		}
		return nil, fmt.Errorf("passthrough output references unknown object %s",
			out.Location.OtherObject)
	default:
		return nil, fmt.Errorf("invalid output location %q", out.Location.Kind)
	}
}

// taskDone publishes the outcome of a finished instance.
func (s *State) taskDone(t *Task, run *TaskRun, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.taskDir != nil {
		if err != nil && s.keepFailed {
			run.taskDir.Keep()
		}
		if releaseErr := run.taskDir.Release(); releaseErr != nil {
			s.log.Warn("releasing task dir failed", zap.Error(releaseErr))
		}
	}

	s.freeCPUs += t.Spec.Resources.CPUs
	s.freeSlots++
	delete(s.running, t.ID())

	if t.stopped {
		// Cancelled by the server; it already unassigned the task.
		s.schedule()
		return
	}

	if start, parseErr := time.Parse(time.RFC3339Nano, t.Info.StartTime); parseErr == nil {
		duration := time.Since(start).Milliseconds()
		t.Info.Duration = &duration
	}

	if err != nil {
		t.State = TaskFailed
		t.Info.Error = err.Error()
		s.updatedTasks[t.ID()] = t
		s.log.Warn("task failed",
			zap.String("task", t.ID().String()), zap.Error(err))
		s.unregisterTaskKeepUpdate(t)
	} else {
		// An output may alias an input's data (echo, passthrough); each
		// holding object takes its own reference.
		inputData := make(map[*data.Data]bool, len(t.Inputs))
		for _, in := range t.Inputs {
			inputData[in.Data] = true
		}
		for i, o := range t.Outputs {
			o.Data = run.outputs[i]
			if o.Data == nil {
				o.Data = data.FromBytes(nil)
			} else if inputData[o.Data] {
				o.Data.Retain()
			}
			size := o.Data.Size()
			o.Info.Size = &size
			s.objectFinished(o)
		}
		t.State = TaskFinished
		s.updatedTasks[t.ID()] = t
		s.log.Debug("task finished", zap.String("task", t.ID().String()))
		s.unregisterTaskKeepUpdate(t)
	}

	s.schedule()
	s.flushUpdates()
}

// unregisterTaskKeepUpdate unlinks a completed task but keeps its pending
// state update for the next flush.
func (s *State) unregisterTaskKeepUpdate(t *Task) {
	update, hadUpdate := s.updatedTasks[t.ID()]
	s.unregisterTask(t)
	if hadUpdate {
		s.updatedTasks[t.ID()] = update
	}
}
