package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFileDeviceReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.bin")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Grow(4096); err != nil {
		t.Fatalf("grow: %v", err)
	}
	payload := []byte("hello, pstkit")
	if err := d.WriteAt(100, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := d.ReadAt(100, len(payload))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFileDeviceGrowIsIdempotentDownward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.bin")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Grow(8192); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if err := d.Grow(100); err != nil {
		t.Fatalf("grow to smaller size should be a no-op: %v", err)
	}
	size, err := d.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 8192 {
		t.Fatalf("expected size to stay at 8192, got %d", size)
	}
}

func TestFileDeviceReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.bin")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := d.Grow(4096); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if err := d.WriteAt(0, []byte("persisted")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	got, err := d2.ReadAt(0, len("persisted"))
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("expected data to survive reopen, got %q", got)
	}
}

func TestOpenCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dev.bin")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}
