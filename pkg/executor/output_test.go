package executor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

func blobSpec(id v1.ID) v1.ObjectSpec {
	return v1.ObjectSpec{ID: v1.NewObjectID(1, id), DataType: v1.DataTypeBlob}
}

func dirSpec(id v1.ID) v1.ObjectSpec {
	return v1.ObjectSpec{ID: v1.NewObjectID(1, id), DataType: v1.DataTypeDirectory}
}

func testOutput(t *testing.T) (*Output, string) {
	t.Helper()
	workingDir := t.TempDir()
	stagingDir := filepath.Join(workingDir, stagingDirName)
	require.NoError(t, os.MkdirAll(stagingDir, 0o755))
	return newOutput(blobSpec(11), stagingDir, 0), workingDir
}

func TestOutputSmallWriteStaysInMemory(t *testing.T) {
	out, workingDir := testOutput(t)
	_, err := out.Write([]byte("small"))
	require.NoError(t, err)

	result, err := out.result(workingDir)
	require.NoError(t, err)
	require.Equal(t, v1.LocationMemory, result.Location.Kind)
	require.Equal(t, []byte("small"), result.Location.Memory)
	require.EqualValues(t, 5, *result.Info.Size)
}

func TestOutputSpillsPastThreshold(t *testing.T) {
	out, workingDir := testOutput(t)
	payload := bytes.Repeat([]byte{0x42}, 1<<20) // 1 MiB >> 128 KiB threshold

	for offset := 0; offset < len(payload); offset += 32 << 10 {
		_, err := out.Write(payload[offset : offset+32<<10])
		require.NoError(t, err)
	}
	require.Equal(t, outputFileBacked, out.state)

	result, err := out.result(workingDir)
	require.NoError(t, err)
	require.Equal(t, v1.LocationPath, result.Location.Kind)
	require.EqualValues(t, len(payload), *result.Info.Size)

	content, err := os.ReadFile(filepath.Join(workingDir, result.Location.Path))
	require.NoError(t, err)
	require.Equal(t, payload, content)
}

func TestOutputMakeFileBacked(t *testing.T) {
	out, workingDir := testOutput(t)
	_, err := out.Write([]byte("tiny"))
	require.NoError(t, err)

	path, err := out.MakeFileBacked()
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("tiny"), content)

	result, err := out.result(workingDir)
	require.NoError(t, err)
	require.Equal(t, v1.LocationPath, result.Location.Kind)
}

func TestOutputStageFileOnlyFromEmpty(t *testing.T) {
	out, workingDir := testOutput(t)
	source := filepath.Join(workingDir, "staged.bin")
	require.NoError(t, os.WriteFile(source, []byte("staged"), 0o644))

	require.NoError(t, out.StageFile(source))
	_, statErr := os.Stat(source)
	require.True(t, os.IsNotExist(statErr), "staging moves the file")

	_, err := out.Write([]byte("late"))
	require.Error(t, err, "no writes after staging")

	other, workingDir2 := testOutput(t)
	_, err = other.Write([]byte("data"))
	require.NoError(t, err)
	source2 := filepath.Join(workingDir2, "f")
	require.NoError(t, os.WriteFile(source2, []byte("x"), 0o644))
	require.Error(t, other.StageFile(source2), "stage_file only from empty")
}

func TestOutputStageInputChecksDataType(t *testing.T) {
	stagingDir := t.TempDir()
	out := newOutput(dirSpec(12), stagingDir, 0)

	blobInput := newInput(v1.LocalObjectIn{
		Spec:     blobSpec(3),
		Location: v1.MemoryLocation([]byte("b")),
	}, t.TempDir(), 0)
	require.ErrorContains(t, out.StageInput(blobInput), "mismatch")

	dirInput := newInput(v1.LocalObjectIn{Spec: dirSpec(4)}, t.TempDir(), 0)
	require.NoError(t, out.StageInput(dirInput))

	result, err := out.result(filepath.Dir(stagingDir))
	require.NoError(t, err)
	require.Equal(t, v1.LocationOtherObject, result.Location.Kind)
	require.Equal(t, v1.NewObjectID(1, 4), result.Location.OtherObject)
}

func TestOutputCleanupFailedRollsBack(t *testing.T) {
	out, _ := testOutput(t)
	payload := bytes.Repeat([]byte{7}, DefaultSpillThreshold+1)
	_, err := out.Write(payload)
	require.NoError(t, err)
	require.Equal(t, outputFileBacked, out.state)

	out.cleanupFailed()
	require.Equal(t, outputEmpty, out.state)
	_, statErr := os.Stat(out.path)
	require.True(t, os.IsNotExist(statErr), "staged bytes are removed on failure")

	// The output is reusable after rollback.
	_, err = out.Write([]byte("retry"))
	require.NoError(t, err)
}
