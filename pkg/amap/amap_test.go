package amap

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pstkit/pstkit/pkg/device"
)

func openTestAMap(t *testing.T) (*AMap, device.Device, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "amap.db")
	dev, err := device.Open(path)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	if err := dev.Grow(stripeBytes); err != nil {
		t.Fatalf("grow: %v", err)
	}
	a, err := Open(dev, 0, stripeBytes, nil, nil)
	if err != nil {
		t.Fatalf("open amap: %v", err)
	}
	return a, dev, func() {
		dev.Close()
		os.Remove(path)
	}
}

func TestAllocateMarksSlotsAllocated(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	addr, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr%SlotSize != 0 {
		t.Fatalf("expected slot-aligned address, got %d", addr)
	}
	ok, err := a.IsAllocated(addr, 100)
	if err != nil || !ok {
		t.Fatalf("expected allocated, got ok=%v err=%v", ok, err)
	}
}

func TestIsAllocatedOutOfRangeFails(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	_, err := a.IsAllocated(int64(stripeBytes*10), 1)
	if err == nil {
		t.Fatal("expected error for out-of-range address")
	}
}

func TestFreeAllocationAllowsReuse(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	addr, err := a.Allocate(SlotSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.FreeAllocation(addr, SlotSize); err != nil {
		t.Fatalf("free: %v", err)
	}
	ok, err := a.IsAllocated(addr, SlotSize)
	if err != nil || ok {
		t.Fatalf("expected freed slot, got ok=%v err=%v", ok, err)
	}

	addr2, err := a.Allocate(SlotSize)
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if addr2 != addr {
		t.Fatalf("expected reuse of freed slot %d, got %d", addr, addr2)
	}
}

func TestAllocateGrowsFileWhenStripeFull(t *testing.T) {
	a, dev, cleanup := openTestAMap(t)
	defer cleanup()

	n := stripeBytes / SlotSize
	for i := 0; i < n; i++ {
		if _, err := a.Allocate(SlotSize); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}

	sizeBefore, _ := dev.Size()
	if _, err := a.Allocate(SlotSize); err != nil {
		t.Fatalf("allocate past full stripe: %v", err)
	}
	sizeAfter, _ := dev.Size()
	if sizeAfter <= sizeBefore {
		t.Fatalf("expected device to grow, before=%d after=%d", sizeBefore, sizeAfter)
	}
}

func TestAllocateRejectsOversizedRequest(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	_, err := a.Allocate(int64(stripeBytes) + 1)
	if err == nil {
		t.Fatal("expected error for allocation wider than one stripe")
	}
}

func TestTransactionAbortRestoresBitmap(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	addr, err := a.Allocate(SlotSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	a.BeginTransaction()
	if _, err := a.Allocate(SlotSize); err != nil {
		t.Fatalf("allocate in tx: %v", err)
	}
	a.AbortTransaction()

	ok, _ := a.IsAllocated(addr, SlotSize)
	if !ok {
		t.Fatal("expected pre-transaction allocation to survive abort")
	}

	free, err := a.IsAllocated(addr+SlotSize, SlotSize)
	if err != nil {
		t.Fatalf("is_allocated: %v", err)
	}
	if free {
		t.Fatal("expected the in-transaction allocation to be rolled back")
	}
}

func TestTransactionCommitKeepsChanges(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	a.BeginTransaction()
	addr, err := a.Allocate(SlotSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.CommitTransaction()

	ok, _ := a.IsAllocated(addr, SlotSize)
	if !ok {
		t.Fatal("expected committed allocation to remain")
	}
}

func TestRebuildRecoversLiveExtents(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	for i := 0; i < 20; i++ {
		if _, err := a.Allocate(SlotSize); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}

	live := []Extent{
		{Offset: 0, Size: device.PageSize},
		{Offset: device.PageSize * 3, Size: device.PageSize},
	}
	a.Rebuild(live)

	ok, err := a.IsAllocated(0, device.PageSize)
	if err != nil || !ok {
		t.Fatalf("expected page 0 allocated after rebuild, ok=%v err=%v", ok, err)
	}
	ok, err = a.IsAllocated(device.PageSize, device.PageSize)
	if err != nil || ok {
		t.Fatalf("expected page 1 free after rebuild, ok=%v err=%v", ok, err)
	}
}

func TestDListOrdersByFreeCountDescending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "amap.db")
	dev, err := device.Open(path)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	defer func() {
		dev.Close()
		os.Remove(path)
	}()
	if err := dev.Grow(stripeBytes * 2); err != nil {
		t.Fatalf("grow: %v", err)
	}
	a, err := Open(dev, 0, stripeBytes*2, nil, nil)
	if err != nil {
		t.Fatalf("open amap: %v", err)
	}

	// Consume more slots in stripe 0 than stripe 1.
	for i := 0; i < 10; i++ {
		if _, err := a.allocateInStripe(0, 1); err != nil {
			t.Fatalf("allocate in stripe 0: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := a.allocateInStripe(1, 1); err != nil {
			t.Fatalf("allocate in stripe 1: %v", err)
		}
	}

	entries := a.DList()
	if len(entries) != 2 {
		t.Fatalf("expected 2 stripes with free slots, got %d", len(entries))
	}
	if entries[0].Stripe != 1 {
		t.Fatalf("expected stripe 1 (fewer consumed) to have the most free slots, got stripe %d", entries[0].Stripe)
	}
	current, ok := a.CurrentPage()
	if !ok || current.Stripe != 1 {
		t.Fatalf("expected current page to be stripe 1, got %+v ok=%v", current, ok)
	}
}

func TestAllocateSequenceIsDeterministic(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	var addrs []int64
	for i := 0; i < 10; i++ {
		addr, err := a.Allocate(SlotSize)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	for i, addr := range addrs {
		want := int64(i) * SlotSize
		if addr != want {
			t.Fatalf("allocation %d: want addr %d, got %d", i, want, addr)
		}
	}
}

func TestFreeAllocationOutOfRangeFails(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	if err := a.FreeAllocation(int64(stripeBytes*10), SlotSize); err == nil {
		t.Fatal("expected error freeing out-of-range address")
	}
}

func TestManyAllocationsRemainDistinct(t *testing.T) {
	a, _, cleanup := openTestAMap(t)
	defer cleanup()

	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		addr, err := a.Allocate(SlotSize)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf(fmt.Sprintf("address %d allocated twice", addr))
		}
		seen[addr] = true
	}
}
