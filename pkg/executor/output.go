package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// DefaultSpillThreshold is the in-memory limit of an output; writing past
// it moves the buffered bytes into a staging file.
const DefaultSpillThreshold = 128 << 10

type outputState int

const (
	// outputEmpty: nothing written or staged yet.
	outputEmpty outputState = iota
	// outputMemBacked: small data buffered in memory.
	outputMemBacked
	// outputFileBacked: backed by an open staging file.
	outputFileBacked
	// outputStagedPath: an adopted file or directory in the staging area.
	outputStagedPath
	// outputPassthrough: equal to another object of this task.
	outputPassthrough
)

// Output is one result slot of a task call. It starts Empty and is either
// written to (spilling to a file past the threshold), staged from an
// existing path, or aliased to an input.
//
// The mutex is a safety net for task functions that write from several
// goroutines; the common case is single-threaded.
type Output struct {
	mu sync.Mutex

	spec  v1.ObjectSpec
	state outputState
	buf   []byte
	file  *os.File
	// path is this output's reserved location in the staging area.
	path        string
	passthrough v1.ObjectID
	order       int

	// SpillThreshold overrides the in-memory limit, pre-write.
	SpillThreshold int
}

func newOutput(spec v1.ObjectSpec, stagingDir string, order int) *Output {
	return &Output{
		spec: spec,
		path: filepath.Join(stagingDir, fmt.Sprintf("output-%d-%d",
			spec.ID.SessionID, spec.ID.ID)),
		order:          order,
		SpillThreshold: DefaultSpillThreshold,
	}
}

// Spec returns the object specification of this output.
func (o *Output) Spec() v1.ObjectSpec { return o.spec }

// DataType returns the declared data type.
func (o *Output) DataType() v1.DataType { return o.spec.DataType }

func (o *Output) checkBlob() error {
	if o.spec.DataType != v1.DataTypeBlob {
		return fmt.Errorf("output #%d is not a blob", o.order)
	}
	return nil
}

func (o *Output) checkDirectory() error {
	if o.spec.DataType != v1.DataTypeDirectory {
		return fmt.Errorf("output #%d is not a directory", o.order)
	}
	return nil
}

// Write appends bytes to a blob output, spilling to a staging file once the
// buffered size would exceed the threshold.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkBlob(); err != nil {
		return 0, err
	}
	switch o.state {
	case outputEmpty:
		o.state = outputMemBacked
	case outputMemBacked, outputFileBacked:
	default:
		return 0, fmt.Errorf("write to output #%d after staging", o.order)
	}

	if o.state == outputMemBacked {
		if len(o.buf)+len(p) <= o.SpillThreshold {
			o.buf = append(o.buf, p...)
			return len(p), nil
		}
		if err := o.spill(); err != nil {
			return 0, err
		}
	}
	return o.file.Write(p)
}

// spill moves buffered bytes into the staging file. Caller holds the lock.
func (o *Output) spill() error {
	file, err := os.OpenFile(o.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if len(o.buf) > 0 {
		if _, err := file.Write(o.buf); err != nil {
			_ = file.Close()
			return err
		}
	}
	o.buf = nil
	o.file = file
	o.state = outputFileBacked
	return nil
}

// MakeFileBacked forces the output onto a staging file; valid from Empty or
// MemBacked. Useful before handing the path to external code.
func (o *Output) MakeFileBacked() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkBlob(); err != nil {
		return "", err
	}
	switch o.state {
	case outputEmpty, outputMemBacked:
		if err := o.spill(); err != nil {
			return "", err
		}
		return o.path, nil
	case outputFileBacked:
		return o.path, nil
	default:
		return "", fmt.Errorf("make_file_backed on staged output #%d", o.order)
	}
}

// StageFile adopts an existing file as the output content, moving it into
// the staging area. Valid only from Empty.
func (o *Output) StageFile(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkBlob(); err != nil {
		return err
	}
	if o.state != outputEmpty {
		return fmt.Errorf("stage_file on non-empty output #%d", o.order)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("path %q is not a readable regular file", path)
	}
	if err := os.Rename(path, o.path); err != nil {
		return fmt.Errorf("moving %q to staging: %w", path, err)
	}
	o.state = outputStagedPath
	return nil
}

// StageDirectory adopts an existing directory as the output content.
// Valid only from Empty.
func (o *Output) StageDirectory(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkDirectory(); err != nil {
		return err
	}
	if o.state != outputEmpty {
		return fmt.Errorf("stage_directory on non-empty output #%d", o.order)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("path %q is not a readable directory", path)
	}
	if err := os.Rename(path, o.path); err != nil {
		return fmt.Errorf("moving %q to staging: %w", path, err)
	}
	o.state = outputStagedPath
	return nil
}

// StageInput declares the output equal to an input object (zero-copy
// passthrough). Valid only from Empty; data types must match.
func (o *Output) StageInput(in *Input) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != outputEmpty {
		return fmt.Errorf("stage_input on non-empty output #%d", o.order)
	}
	if in.DataType() != o.spec.DataType {
		return fmt.Errorf("data type mismatch: input %s is %s, output #%d wants %s",
			in.ID(), in.DataType(), o.order, o.spec.DataType)
	}
	o.state = outputPassthrough
	o.passthrough = in.ID()
	return nil
}

// cleanupFailed rolls the output back to Empty, dropping buffered bytes and
// staged files.
func (o *Output) cleanupFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file != nil {
		_ = o.file.Close()
		o.file = nil
	}
	o.buf = nil
	switch o.state {
	case outputFileBacked, outputStagedPath:
		_ = os.RemoveAll(o.path)
	}
	o.state = outputEmpty
}

// result finalizes the output into its result-message form. Paths are
// reported relative to the executor working directory.
func (o *Output) result(workingDir string) (v1.LocalObjectOut, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var location *v1.DataLocation
	var size int64

	switch o.state {
	case outputEmpty:
		location = v1.MemoryLocation([]byte{})
	case outputMemBacked:
		location = v1.MemoryLocation(o.buf)
		size = int64(len(o.buf))
	case outputFileBacked:
		if err := o.file.Close(); err != nil {
			return v1.LocalObjectOut{}, err
		}
		o.file = nil
		info, err := os.Stat(o.path)
		if err != nil {
			return v1.LocalObjectOut{}, err
		}
		size = info.Size()
		rel, err := filepath.Rel(workingDir, o.path)
		if err != nil {
			return v1.LocalObjectOut{}, err
		}
		location = v1.PathLocation(rel)
	case outputStagedPath:
		rel, err := filepath.Rel(workingDir, o.path)
		if err != nil {
			return v1.LocalObjectOut{}, err
		}
		location = v1.PathLocation(rel)
	case outputPassthrough:
		location = v1.OtherObjectLocation(o.passthrough)
	}

	out := v1.LocalObjectOut{Location: location}
	if o.state == outputMemBacked || o.state == outputFileBacked {
		out.Info.Size = &size
	}
	return out, nil
}
