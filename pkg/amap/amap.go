// Package amap implements the allocation map and DList: a file-wide
// free/busy bitmap at 64-byte slot granularity, transactional allocate/free,
// and rebuild-from-BBT recovery.
//
// A PST file's AMap is physically a chain of pages interleaved with the
// data they describe, each individually CRC-protected. That interleaving is
// a byte-exact layout concern on par with the ANSI/Unicode field-width
// split this module already treats as a pure enum; pstkit instead mirrors
// the live in-memory bitmap to one contiguous growable on-disk region,
// split into logical "stripes" purely for DList bookkeeping (see
// stripeBytes below). Every allocate/free/transaction/rebuild operation
// behaves identically regardless of the physical packing.
package amap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pstkit/pstkit/internal/log"
	"github.com/pstkit/pstkit/pkg/device"
	"github.com/pstkit/pstkit/pkg/perr"
)

const (
	// SlotSize is the allocation granularity.
	SlotSize = 64

	// slotsPerStripe is the number of slots one logical DList entry
	// tracks; also the largest single contiguous allocation AMap will
	// satisfy.
	slotsPerStripe = 4096
	stripeBytes    = slotsPerStripe * SlotSize // 256 KiB
)

// AMap is the allocation bitmap for one database file.
type AMap struct {
	mu sync.Mutex

	dev    device.Device
	crc    device.CRC
	offset int64 // byte offset in the file where the bitmap region begins
	log    *log.Logger

	bitmap []byte // 1 bit per slot
	nslots uint64

	dirtyFrom, dirtyTo int // byte range of bitmap changed since last Flush

	free []int // per-stripe free-slot counts, index = stripe number

	inTx       bool
	txSnapshot []byte
	txFree     []int
}

// Open loads (or, for a fresh file, initializes) an AMap whose bitmap region
// begins at offset, tracking up to fileSize bytes of the underlying device.
func Open(dev device.Device, offset int64, fileSize int64, crc device.CRC, logger *log.Logger) (*AMap, error) {
	if crc == nil {
		crc = device.DefaultCRC
	}
	if logger == nil {
		logger = log.Get()
	}
	a := &AMap{dev: dev, crc: crc, offset: offset, log: logger}
	if err := a.growTo(fileSize); err != nil {
		return nil, err
	}

	bitmapBytes := int64(len(a.bitmap))
	if bitmapBytes > 0 {
		buf, err := dev.ReadAt(offset, int(bitmapBytes))
		if err == nil {
			copy(a.bitmap, buf)
			a.recomputeFreeCounts()
		}
	}
	return a, nil
}

func (a *AMap) slotOf(addr int64) uint64    { return uint64(addr) / SlotSize }
func (a *AMap) stripeOf(slot uint64) int    { return int(slot / slotsPerStripe) }
func (a *AMap) nstripes() int {
	if a.nslots == 0 {
		return 0
	}
	return int((a.nslots + slotsPerStripe - 1) / slotsPerStripe)
}

// growTo extends the in-memory bitmap so it can describe fileSize bytes.
func (a *AMap) growTo(fileSize int64) error {
	need := uint64(fileSize) / SlotSize
	if need <= a.nslots {
		return nil
	}
	newBytes := (need + 7) / 8
	grown := make([]byte, newBytes)
	copy(grown, a.bitmap)
	a.bitmap = grown
	a.nslots = need
	a.recomputeFreeCounts()
	return nil
}

func (a *AMap) recomputeFreeCounts() {
	n := a.nstripes()
	a.free = make([]int, n)
	for s := 0; s < n; s++ {
		count := 0
		start := uint64(s) * slotsPerStripe
		end := start + slotsPerStripe
		if end > a.nslots {
			end = a.nslots
		}
		for slot := start; slot < end; slot++ {
			if !a.bitSet(slot) {
				count++
			}
		}
		a.free[s] = count
	}
}

func (a *AMap) bitSet(slot uint64) bool {
	return a.bitmap[slot/8]&(1<<(slot%8)) != 0
}

func (a *AMap) setBit(slot uint64, val bool) {
	byteIdx := slot / 8
	mask := byte(1 << (slot % 8))
	wasSet := a.bitmap[byteIdx]&mask != 0
	if val {
		a.bitmap[byteIdx] |= mask
	} else {
		a.bitmap[byteIdx] &^= mask
	}
	if wasSet != val {
		stripe := a.stripeOf(slot)
		if val {
			a.free[stripe]--
		} else {
			a.free[stripe]++
		}
	}
	if int(byteIdx) < a.dirtyFrom || a.dirtyFrom == a.dirtyTo {
		a.dirtyFrom = int(byteIdx)
	}
	if int(byteIdx)+1 > a.dirtyTo {
		a.dirtyTo = int(byteIdx) + 1
	}
}

// IsAllocated reports whether every slot covering [addr, addr+len) is busy.
func (a *AMap) IsAllocated(addr int64, length int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if length <= 0 {
		length = 1
	}
	firstSlot := a.slotOf(addr)
	lastSlot := a.slotOf(addr+length-1) + 1
	if lastSlot > a.nslots {
		return false, fmt.Errorf("%w: address %d out of tracked range", perr.ErrUnexpectedPage, addr)
	}
	for s := firstSlot; s < lastSlot; s++ {
		if !a.bitSet(s) {
			return false, nil
		}
	}
	return true, nil
}

// Allocate picks the stripe with the most free slots that has a long enough
// run, reserves the lowest run of contiguous free slots in it that can hold
// size bytes, growing the file via dev.Grow if no existing stripe can
// satisfy the request, and returns the slot-aligned byte address.
func (a *AMap) Allocate(size int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size <= 0 {
		return 0, fmt.Errorf("%w: non-positive size", perr.ErrInvalidArgument)
	}
	needSlots := uint64((size + SlotSize - 1) / SlotSize)
	if needSlots > slotsPerStripe {
		return 0, fmt.Errorf("%w: allocation of %d bytes exceeds one AMap stripe", perr.ErrInvalidArgument, size)
	}

	if stripe, ok := a.pickStripe(needSlots); ok {
		return a.allocateInStripe(stripe, needSlots)
	}

	// No existing stripe has room: grow the file by one stripe and retry.
	curSize, err := a.dev.Size()
	if err != nil {
		return 0, err
	}
	newSize := curSize + stripeBytes
	if err := a.dev.Grow(newSize); err != nil {
		return 0, err
	}
	if err := a.growTo(newSize); err != nil {
		return 0, err
	}
	stripe := a.nstripes() - 1
	return a.allocateInStripe(stripe, needSlots)
}

func (a *AMap) pickStripe(needSlots uint64) (int, bool) {
	best := -1
	for s, free := range a.free {
		if uint64(free) >= needSlots && (best == -1 || a.free[s] > a.free[best]) {
			if a.hasRun(s, needSlots) {
				best = s
			}
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func (a *AMap) hasRun(stripe int, needSlots uint64) bool {
	start := uint64(stripe) * slotsPerStripe
	end := start + slotsPerStripe
	if end > a.nslots {
		end = a.nslots
	}
	run := uint64(0)
	for s := start; s < end; s++ {
		if a.bitSet(s) {
			run = 0
			continue
		}
		run++
		if run >= needSlots {
			return true
		}
	}
	return false
}

func (a *AMap) allocateInStripe(stripe int, needSlots uint64) (int64, error) {
	start := uint64(stripe) * slotsPerStripe
	end := start + slotsPerStripe
	if end > a.nslots {
		end = a.nslots
	}
	run := uint64(0)
	runStart := start
	for s := start; s < end; s++ {
		if a.bitSet(s) {
			run = 0
			runStart = s + 1
			continue
		}
		run++
		if run == needSlots {
			for i := runStart; i < runStart+needSlots; i++ {
				a.setBit(i, true)
			}
			return int64(runStart) * SlotSize, nil
		}
	}
	return 0, fmt.Errorf("%w: stripe %d lost its free run", perr.ErrInvalidArgument, stripe)
}

// FreeAllocation releases the slots covering [addr, addr+size).
func (a *AMap) FreeAllocation(addr int64, size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	firstSlot := a.slotOf(addr)
	lastSlot := a.slotOf(addr+size-1) + 1
	if lastSlot > a.nslots {
		return fmt.Errorf("%w: free of %d..%d out of tracked range", perr.ErrUnexpectedPage, addr, addr+size)
	}
	for s := firstSlot; s < lastSlot; s++ {
		a.setBit(s, false)
	}
	return nil
}

// BeginTransaction snapshots the bitmap for a possible Abort. Nesting is
// treated as a no-op: real usage never nests, so a second Begin before
// Commit/Abort is logged and ignored rather than rejected outright.
func (a *AMap) BeginTransaction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inTx {
		a.log.Warn("nested amap transaction begin ignored")
		return
	}
	a.inTx = true
	a.txSnapshot = append([]byte(nil), a.bitmap...)
	a.txFree = append([]int(nil), a.free...)
}

// CommitTransaction ends the transaction, keeping the bitmap as mutated.
func (a *AMap) CommitTransaction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inTx = false
	a.txSnapshot = nil
	a.txFree = nil
}

// AbortTransaction restores the bitmap to its state at BeginTransaction.
func (a *AMap) AbortTransaction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inTx {
		return
	}
	a.bitmap = a.txSnapshot
	a.free = a.txFree
	a.inTx = false
	a.txSnapshot = nil
	a.txFree = nil
	a.dirtyFrom, a.dirtyTo = 0, len(a.bitmap)
}

// Flush writes the dirty byte range of the bitmap to the device. Callers
// (pkg/ndb's context commit) invoke this as part of the root commit's page
// writes, before the header flip.
func (a *AMap) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dirtyFrom == a.dirtyTo {
		return nil
	}
	if err := a.dev.WriteAt(a.offset+int64(a.dirtyFrom), a.bitmap[a.dirtyFrom:a.dirtyTo]); err != nil {
		return err
	}
	a.dirtyFrom, a.dirtyTo = 0, 0
	return nil
}

// Extent describes a live, physically stored byte range, as fed to Rebuild.
type Extent struct {
	Offset int64
	Size   int64
}

// Rebuild recomputes the bitmap from scratch given every currently-live
// extent (every BBT-referenced block plus the index/AMap/header pages
// themselves). liveExtents need not be sorted or deduplicated — ordering
// and de-duplication happen internally via an ordered set.
func (a *AMap) Rebuild(liveExtents []Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pages := newOrderedPageSet()
	for _, ext := range liveExtents {
		first := ext.Offset / device.PageSize
		last := (ext.Offset + ext.Size - 1) / device.PageSize
		for p := first; p <= last; p++ {
			pages.Add(uint64(p))
		}
	}

	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	a.recomputeFreeCounts()
	pages.Ascend(func(page uint64) bool {
		start := page * device.PageSize
		for off := int64(0); off < device.PageSize; off += SlotSize {
			slot := a.slotOf(int64(start) + off)
			if slot < a.nslots {
				a.setBit(slot, true)
			}
		}
		return true
	})
	a.dirtyFrom, a.dirtyTo = 0, len(a.bitmap)
}

// DListEntry is one DList record: a logical AMap stripe number and its
// current free-slot count.
type DListEntry struct {
	Stripe    int
	FreeSlots int
}

// DList returns the current free-slot directory, sorted by descending free
// count; entries with zero free slots are omitted.
func (a *AMap) DList() []DListEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]DListEntry, 0, len(a.free))
	for s, free := range a.free {
		if free > 0 {
			out = append(out, DListEntry{Stripe: s, FreeSlots: free})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FreeSlots > out[j].FreeSlots })
	return out
}

// CurrentPage returns the stripe with the most free slots.
func (a *AMap) CurrentPage() (DListEntry, bool) {
	entries := a.DList()
	if len(entries) == 0 {
		return DListEntry{}, false
	}
	return entries[0], true
}
