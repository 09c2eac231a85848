package data

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

func TestBuilderSmallStaysInMemory(t *testing.T) {
	b := NewBuilder(v1.DataTypeBlob, filepath.Join(t.TempDir(), "obj"), 5)
	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	d, err := b.Build()
	require.NoError(t, err)
	require.True(t, d.InMemory())
	content, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), content)
	require.EqualValues(t, 5, d.Size())
}

func TestBuilderLargeSpillsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	payload := bytes.Repeat([]byte{0x5a}, 1<<20)
	b := NewBuilder(v1.DataTypeBlob, path, int64(len(payload)))
	for offset := 0; offset < len(payload); offset += 64 << 10 {
		_, err := b.Write(payload[offset : offset+64<<10])
		require.NoError(t, err)
	}
	d, err := b.Build()
	require.NoError(t, err)
	require.False(t, d.InMemory())
	require.Equal(t, path, d.Path())
	content, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, payload, content)
}

func TestBuilderAbortRemovesPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	b := NewBuilder(v1.DataTypeBlob, path, 1<<20)
	_, err := b.Write(bytes.Repeat([]byte{1}, 256<<10))
	require.NoError(t, err)
	b.Abort()
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
	_, err = b.Write([]byte("more"))
	require.Error(t, err)
}

func TestDirectoryTarRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("beta"), 0o644))

	d, err := FromDirectory(src)
	require.NoError(t, err)
	transport, err := d.TransportBytes()
	require.NoError(t, err)

	// Rebuild through the directory builder, as a fetch would.
	target := filepath.Join(t.TempDir(), "rebuilt")
	b := NewBuilder(v1.DataTypeDirectory, target, int64(len(transport)))
	_, err = b.Write(transport)
	require.NoError(t, err)
	rebuilt, err := b.Build()
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(rebuilt.Path(), "a.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), content)
	content, err = os.ReadFile(filepath.Join(rebuilt.Path(), "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("beta"), content)
}

func TestSubPathStaysInside(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0o644))
	d, err := FromDirectory(src)
	require.NoError(t, err)

	sub, err := d.SubPath("f")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(src, "f"), sub)

	_, err = d.SubPath("../escape")
	require.Error(t, err)
	_, err = d.SubPath("/abs")
	require.Error(t, err)
}

func TestWriteAndLinkToPath(t *testing.T) {
	d := FromBytes([]byte("payload"))
	target := filepath.Join(t.TempDir(), "exported")
	require.NoError(t, d.WriteToPath(target))
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), content)

	linked := filepath.Join(t.TempDir(), "linked")
	require.NoError(t, d.LinkToPath(linked))
	content, err = os.ReadFile(linked)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), content)
}
