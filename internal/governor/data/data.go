// Package data represents finished object bytes on a governor: small blobs
// stay in memory, larger ones and directories live under the governor work
// tree. Directory objects travel between processes as tar streams.
package data

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// memoryLimit is the largest blob kept purely in memory.
const memoryLimit = 128 << 10

// Data is one immutable finished object. Several local objects may share
// the same Data (echo and passthrough outputs alias their input); a
// reference count keeps the backing storage alive until the last holder
// removes it.
type Data struct {
	dataType v1.DataType
	// mem holds small blobs; path backs everything else.
	mem  []byte
	path string
	size int64
	// transportSize caches the serialized size for directories.
	transportSize int64
	refs          atomic.Int32
}

func newData(d *Data) *Data {
	d.refs.Store(1)
	return d
}

// FromBytes wraps in-memory blob bytes.
func FromBytes(b []byte) *Data {
	return newData(&Data{dataType: v1.DataTypeBlob, mem: b, size: int64(len(b)), transportSize: int64(len(b))})
}

// FromFile wraps an existing blob file owned by the work tree.
func FromFile(path string) (*Data, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a blob", path)
	}
	return newData(&Data{dataType: v1.DataTypeBlob, path: path, size: info.Size(), transportSize: info.Size()}), nil
}

// FromDirectory wraps an existing directory owned by the work tree.
func FromDirectory(path string) (*Data, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	size, err := treeSize(path)
	if err != nil {
		return nil, err
	}
	return newData(&Data{dataType: v1.DataTypeDirectory, path: path, size: size, transportSize: -1}), nil
}

// FromPathMove adopts a file or directory by moving it to target.
func FromPathMove(source, target string, dataType v1.DataType) (*Data, error) {
	if err := os.Rename(source, target); err != nil {
		return nil, fmt.Errorf("adopting %s: %w", source, err)
	}
	if dataType == v1.DataTypeDirectory {
		return FromDirectory(target)
	}
	return FromFile(target)
}

// FromPathCopy adopts an external file or directory by copying it into the
// work tree (the source stays untouched, used by the open task).
func FromPathCopy(source, target string) (*Data, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("path %q not found", source)
	}
	if info.IsDir() {
		if err := copyTree(source, target); err != nil {
			return nil, err
		}
		return FromDirectory(target)
	}
	if err := copyFile(source, target); err != nil {
		return nil, err
	}
	return FromFile(target)
}

func (d *Data) DataType() v1.DataType { return d.dataType }
func (d *Data) IsBlob() bool          { return d.dataType == v1.DataTypeBlob }

// Size returns the logical size: blob length, or total tree size for
// directories.
func (d *Data) Size() int64 { return d.size }

// Path returns the backing path, empty for memory-only blobs.
func (d *Data) Path() string { return d.path }

// InMemory reports whether the bytes live purely in memory.
func (d *Data) InMemory() bool { return d.path == "" }

// Bytes materializes blob content. Only valid for blobs.
func (d *Data) Bytes() ([]byte, error) {
	if !d.IsBlob() {
		return nil, fmt.Errorf("directory object has no flat bytes")
	}
	if d.path == "" {
		return d.mem, nil
	}
	return os.ReadFile(d.path)
}

// TransportBytes serializes the object for the wire: blobs verbatim,
// directories as a tar stream.
func (d *Data) TransportBytes() ([]byte, error) {
	if d.IsBlob() {
		return d.Bytes()
	}
	var buf bytes.Buffer
	if err := tarTree(d.path, &buf); err != nil {
		return nil, err
	}
	d.transportSize = int64(buf.Len())
	return buf.Bytes(), nil
}

// WriteToPath exports the object to an external path.
func (d *Data) WriteToPath(target string) error {
	if d.IsBlob() {
		if d.path == "" {
			return os.WriteFile(target, d.mem, 0o644)
		}
		return copyFile(d.path, target)
	}
	return copyTree(d.path, target)
}

// LinkToPath makes the object visible at target without duplicating bytes:
// hardlink for files, falling back to copy across filesystems.
func (d *Data) LinkToPath(target string) error {
	if d.path == "" {
		return os.WriteFile(target, d.mem, 0o644)
	}
	if d.IsBlob() {
		if err := os.Link(d.path, target); err == nil {
			return nil
		}
		return copyFile(d.path, target)
	}
	if err := os.Symlink(d.path, target); err == nil {
		return nil
	}
	return copyTree(d.path, target)
}

// Retain adds a reference; every holder beyond the first must call it.
func (d *Data) Retain() *Data {
	d.refs.Add(1)
	return d
}

// Remove drops one reference and deletes the backing storage when it was
// the last one.
func (d *Data) Remove() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}
	if d.path == "" {
		d.mem = nil
		return nil
	}
	return os.RemoveAll(d.path)
}

// SubPath resolves a path inside a directory object. The result stays
// within the tree.
func (d *Data) SubPath(rel string) (string, error) {
	if d.IsBlob() {
		return "", fmt.Errorf("blob object has no sub-paths")
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || filepath.IsAbs(cleaned) ||
		len(cleaned) >= 3 && cleaned[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("path %q escapes the directory", rel)
	}
	return filepath.Join(d.path, cleaned), nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func copyTree(source, target string) error {
	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(target, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		return copyFile(path, dst)
	})
}
