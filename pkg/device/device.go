// Package device implements the random-access block device pstkit's NDB
// layer is built on: read/write/flush/size/grow against a single backing
// file, plus (in header.go) the dual-copy CRC-protected root header.
package device

import (
	"fmt"
	"os"
)

// Device is the abstract block device the NDB layer is built on.
type Device interface {
	ReadAt(off int64, n int) ([]byte, error)
	WriteAt(off int64, buf []byte) error
	Flush() error
	Size() (int64, error)
	Grow(newSize int64) error
	Close() error
}

// FileDevice is a Device backed by a single OS file.
type FileDevice struct {
	f *os.File
}

// Open opens (creating if necessary) the file at path as a FileDevice.
func Open(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := d.f.ReadAt(buf, off)
	if read == n {
		return buf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device: read at %d: %w", off, err)
	}
	return buf[:read], nil
}

func (d *FileDevice) WriteAt(off int64, buf []byte) error {
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("device: write at %d: %w", off, err)
	}
	return nil
}

func (d *FileDevice) Flush() error {
	return d.f.Sync()
}

func (d *FileDevice) Size() (int64, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Grow extends the file to newSize. A plain Truncate suffices: sparse-file
// semantics give the grown region back as zero-filled without an explicit
// write pass.
func (d *FileDevice) Grow(newSize int64) error {
	size, err := d.Size()
	if err != nil {
		return err
	}
	if newSize <= size {
		return nil
	}
	return d.f.Truncate(newSize)
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}
