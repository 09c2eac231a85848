package data

import (
	"bytes"
	"fmt"
	"os"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Builder accumulates transport bytes arriving in chunks (fetch) or from a
// writer (concat). Data whose expected size is known and within the memory
// limit stays in memory until it outgrows that limit; data of unknown or
// larger expected size goes straight to a file in the work tree.
type Builder struct {
	dataType v1.DataType
	path     string
	mem      []byte
	file     *os.File
	written  int64
	aborted  bool
}

// NewBuilder starts a builder targeting path. expectedSize below zero means
// unknown.
func NewBuilder(dataType v1.DataType, path string, expectedSize int64) *Builder {
	b := &Builder{dataType: dataType, path: path}
	if expectedSize >= 0 && expectedSize <= memoryLimit {
		b.mem = make([]byte, 0, expectedSize)
	}
	return b
}

// Write appends a chunk.
func (b *Builder) Write(p []byte) (int, error) {
	if b.aborted {
		return 0, fmt.Errorf("builder is aborted")
	}
	if b.file == nil {
		if b.mem != nil && int64(len(b.mem)+len(p)) <= memoryLimit {
			b.mem = append(b.mem, p...)
			b.written += int64(len(p))
			return len(p), nil
		}
		if err := b.spill(); err != nil {
			return 0, err
		}
	}
	n, err := b.file.Write(p)
	b.written += int64(n)
	return n, err
}

// spillPath is where raw transport bytes land on disk: the object path for
// blobs, a temporary archive for directories.
func (b *Builder) spillPath() string {
	if b.dataType == v1.DataTypeDirectory {
		return b.path + ".tar.tmp"
	}
	return b.path
}

func (b *Builder) spill() error {
	file, err := os.OpenFile(b.spillPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if len(b.mem) > 0 {
		if _, err := file.Write(b.mem); err != nil {
			_ = file.Close()
			return err
		}
	}
	b.mem = nil
	b.file = file
	return nil
}

// Written returns the number of transport bytes accepted so far.
func (b *Builder) Written() int64 { return b.written }

// Build finalizes the object. Directory builders unpack the accumulated
// tar stream into the target path.
func (b *Builder) Build() (*Data, error) {
	if b.aborted {
		return nil, fmt.Errorf("builder is aborted")
	}
	if b.dataType == v1.DataTypeDirectory {
		return b.buildDirectory()
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			return nil, err
		}
		b.file = nil
		return FromFile(b.path)
	}
	return FromBytes(b.mem), nil
}

func (b *Builder) buildDirectory() (*Data, error) {
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			return nil, err
		}
		b.file = nil
		archive, err := os.Open(b.path + ".tar.tmp")
		if err != nil {
			return nil, err
		}
		defer archive.Close()
		defer os.Remove(archive.Name())
		if err := UntarTree(archive, b.path); err != nil {
			return nil, err
		}
		return FromDirectory(b.path)
	}
	if err := UntarTree(bytes.NewReader(b.mem), b.path); err != nil {
		return nil, err
	}
	return FromDirectory(b.path)
}

// Abort drops partial data; the builder is unusable afterwards. Cancelled
// fetches call this.
func (b *Builder) Abort() {
	if b.aborted {
		return
	}
	b.aborted = true
	b.mem = nil
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	_ = os.RemoveAll(b.path)
	_ = os.Remove(b.path + ".tar.tmp")
}
