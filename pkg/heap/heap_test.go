package heap

import (
	"bytes"
	"testing"

	"github.com/pstkit/pstkit/pkg/perr"
)

func TestAllocateThenReadRoundTrips(t *testing.T) {
	h := New()
	hid, err := h.AllocateHeapItem([]byte("hello"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	got, err := h.Read(hid)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
}

func TestFreeThenReadFails(t *testing.T) {
	h := New()
	hid, _ := h.AllocateHeapItem([]byte("x"))
	if err := h.FreeHeapItem(hid); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, err := h.Read(hid); !perr.IsNotFound(err) {
		t.Fatalf("expected not-found after free, got %v", err)
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	h := New()
	hid, _ := h.AllocateHeapItem([]byte("x"))
	if err := h.FreeHeapItem(hid); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if err := h.FreeHeapItem(hid); err != nil {
		t.Fatalf("second free should be a no-op, got: %v", err)
	}
	if err := h.FreeHeapItem(HID(999999)); err != nil {
		t.Fatalf("free of nonexistent hid should be a no-op, got: %v", err)
	}
}

func TestReAllocateInPlacePreservesHID(t *testing.T) {
	h := New()
	hid, _ := h.AllocateHeapItem([]byte("small"))
	newHID, err := h.ReAllocateHeapItem(hid, []byte("tiny"))
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if newHID != hid {
		t.Fatalf("expected hid preserved for a same-or-smaller resize")
	}
	got, _ := h.Read(hid)
	if !bytes.Equal(got, []byte("tiny")) {
		t.Fatalf("got %q", got)
	}
}

func TestReAllocateGrowingBeyondPageCapacityRelocates(t *testing.T) {
	h := New()
	hid, _ := h.AllocateHeapItem([]byte("small"))
	// Fill the rest of the page so the in-place grow cannot fit.
	for i := 0; i < 50; i++ {
		if _, err := h.AllocateHeapItem(bytes.Repeat([]byte{'a'}, 10)); err != nil {
			t.Fatalf("filler allocate %d: %v", i, err)
		}
	}
	big := bytes.Repeat([]byte{'z'}, 400)
	newHID, err := h.ReAllocateHeapItem(hid, big)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	got, err := h.Read(newHID)
	if err != nil {
		t.Fatalf("read after relocate: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("relocated data mismatch")
	}
}

func TestAllocateSpillsToNewPageWhenFull(t *testing.T) {
	h := New()
	var hids []HID
	for i := 0; i < 40; i++ {
		hid, err := h.AllocateHeapItem(bytes.Repeat([]byte{byte('a' + i%26)}, 20))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		hids = append(hids, hid)
	}
	if len(h.pages) < 2 {
		t.Fatalf("expected allocation to spill across multiple pages, got %d", len(h.pages))
	}
	for i, hid := range hids {
		data, err := h.Read(hid)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		want := bytes.Repeat([]byte{byte('a' + i%26)}, 20)
		if !bytes.Equal(data, want) {
			t.Fatalf("item %d: got %q want %q", i, data, want)
		}
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	h := New()
	hid1, _ := h.AllocateHeapItem([]byte("alpha"))
	hid2, _ := h.AllocateHeapItem([]byte("beta"))

	reloaded, err := Load(h.Save())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got1, err := reloaded.Read(hid1)
	if err != nil {
		t.Fatalf("read hid1: %v", err)
	}
	if !bytes.Equal(got1, []byte("alpha")) {
		t.Fatalf("got %q", got1)
	}
	got2, err := reloaded.Read(hid2)
	if err != nil {
		t.Fatalf("read hid2: %v", err)
	}
	if !bytes.Equal(got2, []byte("beta")) {
		t.Fatalf("got %q", got2)
	}
}

func TestAllocateRejectsOversizedItem(t *testing.T) {
	h := New()
	_, err := h.AllocateHeapItem(make([]byte, PageSize))
	if err == nil {
		t.Fatal("expected error for an item larger than one heap page")
	}
}

func TestFreedSlotIsReusedByLaterAllocation(t *testing.T) {
	h := New()
	hid, _ := h.AllocateHeapItem([]byte("0123456789"))
	if err := h.FreeHeapItem(hid); err != nil {
		t.Fatalf("free: %v", err)
	}
	pagesBefore := len(h.pages)
	if _, err := h.AllocateHeapItem([]byte("short")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(h.pages) != pagesBefore {
		t.Fatalf("expected reuse of freed slot without growing pages, had %d now %d", pagesBefore, len(h.pages))
	}
}
