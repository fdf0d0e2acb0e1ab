package pc

import (
	"testing"
	"time"

	"github.com/pstkit/pstkit/pkg/perr"
)

func TestWriteReadInlineTypes(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := WriteProp[bool](b, 1, true); err != nil {
		t.Fatalf("write bool: %v", err)
	}
	if err := WriteProp[int32](b, 2, -42); err != nil {
		t.Fatalf("write int32: %v", err)
	}
	got, err := ReadProp[bool](b, 1)
	if err != nil || got != true {
		t.Fatalf("bool: got %v, %v", got, err)
	}
	got32, err := ReadProp[int32](b, 2)
	if err != nil || got32 != -42 {
		t.Fatalf("int32: got %v, %v", got32, err)
	}
}

func TestWriteReadWideTypes(t *testing.T) {
	b, _ := New()
	if err := WriteProp[int64](b, 10, 1<<40); err != nil {
		t.Fatalf("write int64: %v", err)
	}
	if err := WriteProp[string](b, 11, "hello property"); err != nil {
		t.Fatalf("write string: %v", err)
	}
	if err := WriteProp[[]byte](b, 12, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	now := time.Now().UTC().Round(time.Nanosecond)
	if err := WriteProp[time.Time](b, 13, now); err != nil {
		t.Fatalf("write time: %v", err)
	}

	if v, err := ReadProp[int64](b, 10); err != nil || v != 1<<40 {
		t.Fatalf("int64: got %v, %v", v, err)
	}
	if v, err := ReadProp[string](b, 11); err != nil || v != "hello property" {
		t.Fatalf("string: got %q, %v", v, err)
	}
	if v, err := ReadProp[[]byte](b, 12); err != nil || string(v) != "\x01\x02\x03\x04" {
		t.Fatalf("binary: got %v, %v", v, err)
	}
	if v, err := ReadProp[time.Time](b, 13); err != nil || !v.Equal(now) {
		t.Fatalf("time: got %v, %v", v, err)
	}
}

func TestReadMissingPropertyNotFound(t *testing.T) {
	b, _ := New()
	if _, err := ReadProp[int32](b, 99); !perr.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestModifyPropOverwritesValue(t *testing.T) {
	b, _ := New()
	WriteProp[string](b, 5, "short")
	if err := ModifyProp[string](b, 5, "a rather longer replacement string value"); err != nil {
		t.Fatalf("modify: %v", err)
	}
	v, err := ReadProp[string](b, 5)
	if err != nil || v != "a rather longer replacement string value" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestRemovePropDeletesAndFrees(t *testing.T) {
	b, _ := New()
	WriteProp[int64](b, 7, 123)
	if err := b.RemoveProp(7); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := ReadProp[int64](b, 7); !perr.IsNotFound(err) {
		t.Fatalf("expected not-found after remove, got %v", err)
	}
}

func TestReadWrongTypeFails(t *testing.T) {
	b, _ := New()
	WriteProp[int32](b, 1, 5)
	if _, err := ReadProp[int64](b, 1); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestPropArrayRoundTrips(t *testing.T) {
	b, _ := New()
	vals := []int32{1, 2, 3, 4, 5}
	if err := WritePropArray[int32](b, 20, vals); err != nil {
		t.Fatalf("write array: %v", err)
	}
	got, err := ReadPropArray[int32](b, 20)
	if err != nil {
		t.Fatalf("read array: %v", err)
	}
	if len(got) != len(vals) {
		t.Fatalf("got %v want %v", got, vals)
	}
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("got %v want %v", got, vals)
		}
	}
}

func TestSaveThenOpenRoundTrips(t *testing.T) {
	b, _ := New()
	WriteProp[string](b, 1, "persisted")
	heapImage, root := b.SavePropertyBag()

	reopened, err := Open(heapImage, root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v, err := ReadProp[string](reopened, 1)
	if err != nil || v != "persisted" {
		t.Fatalf("got %q, %v", v, err)
	}
}
