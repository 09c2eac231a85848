package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/common/fsutil"
	"github.com/taskmesh/taskmesh/internal/governor/data"
	"github.com/taskmesh/taskmesh/internal/governor/state"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

func testWorkDir(t *testing.T) *fsutil.WorkDir {
	t.Helper()
	workDir, err := fsutil.NewWorkDir(t.TempDir())
	require.NoError(t, err)
	return workDir
}

func taskSpec(t *testing.T, taskType string, config interface{}) v1.TaskSpec {
	t.Helper()
	spec := v1.TaskSpec{
		ID:       v1.NewTaskID(1, 1),
		TaskType: taskType,
	}
	if config != nil {
		raw, err := json.Marshal(config)
		require.NoError(t, err)
		spec.Config = raw
	}
	return spec
}

func TestConcat(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/concat", nil),
		[]*data.Data{data.FromBytes([]byte("hello ")), data.FromBytes([]byte("world"))},
		1, testWorkDir(t))
	require.NoError(t, taskConcat(context.Background(), run))

	content, err := run.Outputs()[0].Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), content)
	require.EqualValues(t, 11, run.Outputs()[0].Size())
}

func TestConcatRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	d, err := data.FromDirectory(dir)
	require.NoError(t, err)
	run := state.NewTaskRun(taskSpec(t, "buildin/concat", nil), []*data.Data{d}, 1, testWorkDir(t))
	require.ErrorContains(t, taskConcat(context.Background(), run), "not a blob")
}

func TestSleepEchoesAfterDelay(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/sleep", map[string]int{"ms": 50}),
		[]*data.Data{data.FromBytes([]byte("x"))},
		1, testWorkDir(t))

	started := time.Now()
	require.NoError(t, taskSleep(context.Background(), run))
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	content, err := run.Outputs()[0].Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("x"), content)
}

func TestSleepCancellation(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/sleep", map[string]int{"ms": 60000}),
		[]*data.Data{data.FromBytes([]byte("x"))},
		1, testWorkDir(t))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	require.ErrorIs(t, taskSleep(ctx, run), context.Canceled)
}

func TestOpenCopiesExternalFile(t *testing.T) {
	source := filepath.Join(t.TempDir(), "external.txt")
	require.NoError(t, os.WriteFile(source, []byte("outside"), 0o644))

	run := state.NewTaskRun(
		taskSpec(t, "buildin/open", map[string]string{"path": source}),
		nil, 1, testWorkDir(t))
	require.NoError(t, taskOpen(context.Background(), run))

	content, err := run.Outputs()[0].Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("outside"), content)
}

func TestOpenRejectsRelativePath(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/open", map[string]string{"path": "relative.txt"}),
		nil, 1, testWorkDir(t))
	require.ErrorContains(t, taskOpen(context.Background(), run), "not absolute")
}

func TestExportWritesExternalFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "exported.txt")
	run := state.NewTaskRun(
		taskSpec(t, "buildin/export", map[string]string{"path": target}),
		[]*data.Data{data.FromBytes([]byte("Z"))},
		0, testWorkDir(t))
	require.NoError(t, taskExport(context.Background(), run))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, []byte("Z"), content)
}

func TestExportFailsOnBadPath(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/export", map[string]string{"path": "/nonexistent/dir/file"}),
		[]*data.Data{data.FromBytes([]byte("Z"))},
		0, testWorkDir(t))
	err := taskExport(context.Background(), run)
	require.ErrorContains(t, err, "/nonexistent/dir/file")
}

func TestMakeDirectoryPlacesInputs(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/make_directory", map[string][]string{
			"paths": {"a.txt", "sub/b.txt"},
		}),
		[]*data.Data{data.FromBytes([]byte("A")), data.FromBytes([]byte("B"))},
		1, testWorkDir(t))
	require.NoError(t, taskMakeDirectory(context.Background(), run))

	out := run.Outputs()[0]
	require.False(t, out.IsBlob())
	content, err := os.ReadFile(filepath.Join(out.Path(), "a.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("A"), content)
	content, err = os.ReadFile(filepath.Join(out.Path(), "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("B"), content)
}

func TestSliceDirectoryExtractsSubPath(t *testing.T) {
	workDir := testWorkDir(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "inner", "c.txt"), []byte("C"), 0o644))
	d, err := data.FromDirectory(src)
	require.NoError(t, err)

	run := state.NewTaskRun(
		taskSpec(t, "buildin/slice_directory", map[string]string{"path": "inner"}),
		[]*data.Data{d}, 1, workDir)
	require.NoError(t, taskSliceDirectory(context.Background(), run))

	out := run.Outputs()[0]
	content, err := os.ReadFile(filepath.Join(out.Path(), "c.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("C"), content)
}

func TestRunExecutesProgram(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/run", runConfig{
			Args:        []string{"/bin/sh", "-c", "tr a-z A-Z < +in > out.txt"},
			InputPaths:  []string{"+in"},
			OutputPaths: []string{"out.txt"},
		}),
		[]*data.Data{data.FromBytes([]byte("quiet"))},
		1, testWorkDir(t))
	require.NoError(t, taskRun(context.Background(), run))

	content, err := run.Outputs()[0].Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("QUIET"), content)
}

func TestRunNonZeroExitFails(t *testing.T) {
	run := state.NewTaskRun(
		taskSpec(t, "buildin/run", runConfig{
			Args: []string{"/bin/sh", "-c", "echo broken >&2; exit 3"},
		}),
		nil, 0, testWorkDir(t))
	err := taskRun(context.Background(), run)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")
}

func TestRegistryCoversAllBuiltins(t *testing.T) {
	registry := Registry()
	for _, name := range []string{
		"buildin/concat", "buildin/sleep", "buildin/open", "buildin/export",
		"buildin/make_directory", "buildin/slice_directory", "buildin/run",
	} {
		require.Contains(t, registry, name)
	}
}
