package tasks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/taskmesh/taskmesh/internal/governor/data"
	"github.com/taskmesh/taskmesh/internal/governor/state"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Special file names inside a run task directory.
const (
	stdinFile  = "+in"
	stdoutFile = "+out"
	stderrFile = "+err"
)

// stderrTailLimit bounds how much captured stderr goes into a task error.
const stderrTailLimit = 1 << 12

type runConfig struct {
	Args        []string `json:"args"`
	InputPaths  []string `json:"input_paths"`
	OutputPaths []string `json:"output_paths"`
}

// taskRun executes an external program in a fresh task directory. Declared
// input paths are materialized as files there; stdin, stdout and stderr map
// to the +in/+out/+err special names. A non-zero exit fails the task.
func taskRun(ctx context.Context, run *state.TaskRun) error {
	var config runConfig
	if err := run.ParseConfig(&config); err != nil {
		return err
	}
	if len(config.Args) == 0 {
		return fmt.Errorf("run task has no program arguments")
	}
	if len(config.InputPaths) != run.NInputs() {
		return fmt.Errorf("run task declares %d input paths for %d inputs",
			len(config.InputPaths), run.NInputs())
	}
	if len(config.OutputPaths) != run.NOutputs() {
		return fmt.Errorf("run task declares %d output paths for %d outputs",
			len(config.OutputPaths), run.NOutputs())
	}

	taskDir, err := run.TaskDir()
	if err != nil {
		return err
	}

	for i, rel := range config.InputPaths {
		if filepath.IsAbs(rel) {
			return fmt.Errorf("input path %q is not relative", rel)
		}
		target := filepath.Join(taskDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := run.Input(i).LinkToPath(target); err != nil {
			return err
		}
	}

	cmd := exec.CommandContext(ctx, config.Args[0], config.Args[1:]...)
	cmd.Dir = taskDir

	stdinPath := filepath.Join(taskDir, stdinFile)
	if stdin, err := os.Open(stdinPath); err == nil {
		defer stdin.Close()
		cmd.Stdin = stdin
	}
	stdout, err := os.Create(filepath.Join(taskDir, stdoutFile))
	if err != nil {
		return err
	}
	defer stdout.Close()
	cmd.Stdout = stdout

	var stderrBuf bytes.Buffer
	stderr, err := os.Create(filepath.Join(taskDir, stderrFile))
	if err != nil {
		return err
	}
	defer stderr.Close()
	cmd.Stderr = io.MultiWriter(stderr, &stderrBuf)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tail := stderrBuf.String()
		if len(tail) > stderrTailLimit {
			tail = tail[len(tail)-stderrTailLimit:]
		}
		return fmt.Errorf("program %q failed: %v\n%s",
			strings.Join(config.Args, " "), err, tail)
	}

	for i, rel := range config.OutputPaths {
		if filepath.IsAbs(rel) {
			return fmt.Errorf("output path %q is not relative", rel)
		}
		source := filepath.Join(taskDir, rel)
		result, err := data.FromPathMove(source, run.NewObjectPath(), v1.DataTypeBlob)
		if err != nil {
			return fmt.Errorf("program did not produce output %q: %w", rel, err)
		}
		run.SetOutput(i, result)
	}
	return nil
}
