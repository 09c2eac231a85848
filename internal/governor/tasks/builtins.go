// Package tasks provides the built-in task implementations living in the
// "buildin/" namespace: data plumbing primitives every governor offers
// without any executor process.
package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskmesh/taskmesh/internal/governor/data"
	"github.com/taskmesh/taskmesh/internal/governor/state"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Registry returns the built-in task table.
func Registry() map[string]state.Runner {
	return map[string]state.Runner{
		"buildin/concat":          taskConcat,
		"buildin/sleep":           taskSleep,
		"buildin/open":            taskOpen,
		"buildin/export":          taskExport,
		"buildin/make_directory":  taskMakeDirectory,
		"buildin/slice_directory": taskSliceDirectory,
		"buildin/run":             taskRun,
	}
}

// taskConcat merges all input blobs into one blob, streaming through the
// builder so large results spill to a file.
func taskConcat(_ context.Context, run *state.TaskRun) error {
	var total int64
	for i := 0; i < run.NInputs(); i++ {
		if !run.Input(i).IsBlob() {
			return fmt.Errorf("input %d is not a blob", i)
		}
		total += run.Input(i).Size()
	}

	builder := data.NewBuilder(v1.DataTypeBlob, run.NewObjectPath(), total)
	for i := 0; i < run.NInputs(); i++ {
		b, err := run.Input(i).Bytes()
		if err != nil {
			builder.Abort()
			return err
		}
		if _, err := builder.Write(b); err != nil {
			builder.Abort()
			return err
		}
	}
	result, err := builder.Build()
	if err != nil {
		return err
	}
	run.SetOutput(0, result)
	return nil
}

// taskSleep echoes its input after the configured number of milliseconds.
func taskSleep(ctx context.Context, run *state.TaskRun) error {
	if err := run.CheckInputs(1); err != nil {
		return err
	}
	var config struct {
		Ms int64 `json:"ms"`
	}
	if err := run.ParseConfig(&config); err != nil {
		return err
	}
	select {
	case <-time.After(time.Duration(config.Ms) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	run.SetOutput(0, run.Input(0))
	return nil
}

// taskOpen copies an absolute external path into the data tree.
func taskOpen(_ context.Context, run *state.TaskRun) error {
	if err := run.CheckInputs(0); err != nil {
		return err
	}
	var config struct {
		Path string `json:"path"`
	}
	if err := run.ParseConfig(&config); err != nil {
		return err
	}
	if !filepath.IsAbs(config.Path) {
		return fmt.Errorf("path %q is not absolute", config.Path)
	}
	result, err := data.FromPathCopy(config.Path, run.NewObjectPath())
	if err != nil {
		return err
	}
	run.SetOutput(0, result)
	return nil
}

// taskExport writes the input to an absolute external path.
func taskExport(_ context.Context, run *state.TaskRun) error {
	if err := run.CheckInputs(1); err != nil {
		return err
	}
	var config struct {
		Path string `json:"path"`
	}
	if err := run.ParseConfig(&config); err != nil {
		return err
	}
	if !filepath.IsAbs(config.Path) {
		return fmt.Errorf("path %q is not absolute", config.Path)
	}
	if err := run.Input(0).WriteToPath(config.Path); err != nil {
		return fmt.Errorf("export to %q failed: %w", config.Path, err)
	}
	return nil
}

// taskMakeDirectory builds a directory with each input placed at its
// configured relative path.
func taskMakeDirectory(_ context.Context, run *state.TaskRun) error {
	var config struct {
		Paths []string `json:"paths"`
	}
	if err := run.ParseConfig(&config); err != nil {
		return err
	}
	if err := run.CheckInputs(len(config.Paths)); err != nil {
		return err
	}

	taskDir, err := run.TaskDir()
	if err != nil {
		return err
	}
	mainDir := filepath.Join(taskDir, "newdir")
	if err := os.Mkdir(mainDir, 0o755); err != nil {
		return err
	}
	for i, rel := range config.Paths {
		if filepath.IsAbs(rel) {
			return fmt.Errorf("path %q is not relative", rel)
		}
		target := filepath.Join(mainDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := run.Input(i).LinkToPath(target); err != nil {
			return err
		}
	}
	result, err := data.FromPathMove(mainDir, run.NewObjectPath(), v1.DataTypeDirectory)
	if err != nil {
		return err
	}
	run.SetOutput(0, result)
	return nil
}

// taskSliceDirectory extracts a sub-path of a directory input.
func taskSliceDirectory(_ context.Context, run *state.TaskRun) error {
	if err := run.CheckInputs(1); err != nil {
		return err
	}
	var config struct {
		Path string `json:"path"`
	}
	if err := run.ParseConfig(&config); err != nil {
		return err
	}
	sub, err := run.Input(0).SubPath(config.Path)
	if err != nil {
		return err
	}
	result, err := data.FromPathCopy(sub, run.NewObjectPath())
	if err != nil {
		return err
	}
	run.SetOutput(0, result)
	return nil
}
