// Package heap implements the heap-on-node slab allocator of the LTP layer:
// a free-list-backed allocator carving a node's byte stream into
// heap items addressed by a 32-bit heap id (hid), used as the
// storage substrate for pkg/bth, pkg/pc and pkg/tc.
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/pstkit/pstkit/pkg/perr"
)

// HID packs a heap item's (page index, slot index) pair into one id, the
// way the rest of pstkit packs node/block ids.
type HID uint32

func makeHID(page uint16, slot uint16) HID { return HID(uint32(page)<<16 | uint32(slot)) }
func (h HID) page() uint16                 { return uint16(h >> 16) }
func (h HID) slot() uint16                 { return uint16(h & 0xFFFF) }

// PageSize is the size of one heap page carved out of the underlying node.
const PageSize = 512

const pageHeaderSize = 4 // nitems:2, freeBytes:2

// Heap is a slab allocator over a byte buffer (typically a Node's stream).
// Item data never moves once allocated except via ReAllocateHeapItem, which
// preserves the hid when the resize fits in place and only reassigns it
// when the item must relocate.
type Heap struct {
	pages [][]byte // each exactly PageSize; freed slots stay in place
	// items[page] holds, per slot index, the byte offset within that page
	// where the item starts, its length, and whether it is live; an entry
	// with live == false marks a freed (reusable) slot.
	items [][]heapItem
}

type heapItem struct {
	off  uint16
	size uint16
	live bool
}

// New creates an empty heap.
func New() *Heap { return &Heap{} }

// Load reconstructs a Heap from a previously serialized byte stream (see
// Save).
func Load(data []byte) (*Heap, error) {
	h := &Heap{}
	for off := 0; off+PageSize <= len(data); off += PageSize {
		page := append([]byte(nil), data[off:off+PageSize]...)
		h.pages = append(h.pages, page)
		h.items = append(h.items, decodePageItems(page))
	}
	return h, nil
}

func decodePageItems(page []byte) []heapItem {
	n := binary.LittleEndian.Uint16(page[0:2])
	items := make([]heapItem, 0, n)
	cursor := uint16(pageHeaderSize)
	for i := uint16(0); i < n; i++ {
		size := binary.LittleEndian.Uint16(page[cursor : cursor+2])
		live := size&0x8000 != 0
		size &^= 0x8000
		items = append(items, heapItem{off: cursor + 2, size: size, live: live})
		cursor += 2 + size
	}
	return items
}

// Save serializes the heap back into one contiguous byte stream, suitable
// for writing into the owning node.
func (h *Heap) Save() []byte {
	out := make([]byte, 0, len(h.pages)*PageSize)
	for pi, page := range h.pages {
		binary.LittleEndian.PutUint16(page[0:2], uint16(len(h.items[pi])))
		for _, it := range h.items[pi] {
			prefix := it.size
			if it.live {
				prefix |= 0x8000
			}
			binary.LittleEndian.PutUint16(page[it.off-2:], prefix)
		}
		out = append(out, page...)
	}
	return out
}

// AllocateHeapItem stores data as a new heap item and returns its hid.
func (h *Heap) AllocateHeapItem(data []byte) (HID, error) {
	if len(data) > PageSize-pageHeaderSize-2 {
		return 0, fmt.Errorf("%w: heap item of %d bytes exceeds one heap page", perr.ErrInvalidArgument, len(data))
	}
	for pi := range h.pages {
		if slot, ok := h.tryAllocInPage(pi, data); ok {
			return makeHID(uint16(pi), slot), nil
		}
	}
	pi := h.addPage()
	slot, ok := h.tryAllocInPage(pi, data)
	if !ok {
		return 0, fmt.Errorf("%w: fresh heap page could not hold %d bytes", perr.ErrInvalidArgument, len(data))
	}
	return makeHID(uint16(pi), slot), nil
}

func (h *Heap) addPage() int {
	page := make([]byte, PageSize)
	h.pages = append(h.pages, page)
	h.items = append(h.items, nil)
	return len(h.pages) - 1
}

func (h *Heap) tryAllocInPage(pi int, data []byte) (uint16, bool) {
	page := h.pages[pi]
	items := h.items[pi]

	// Reuse a freed slot big enough to hold data without relocating others.
	for i, it := range items {
		if !it.live && int(it.size) >= len(data) {
			copy(page[it.off:], data)
			items[i].size = uint16(len(data))
			items[i].live = true
			h.items[pi] = items
			return uint16(i), true
		}
	}

	used := uint16(pageHeaderSize)
	if len(items) > 0 {
		last := items[len(items)-1]
		used = last.off + last.size
	}
	need := uint16(2 + len(data))
	if used+need > PageSize {
		return 0, false
	}
	off := used + 2
	items = append(items, heapItem{off: off, size: uint16(len(data)), live: true})
	copy(page[off:], data)
	h.items[pi] = items
	return uint16(len(items) - 1), true
}

// Read returns the bytes stored under hid.
func (h *Heap) Read(hid HID) ([]byte, error) {
	item, page, err := h.lookup(hid)
	if err != nil {
		return nil, err
	}
	out := make([]byte, item.size)
	copy(out, page[item.off:item.off+item.size])
	return out, nil
}

func (h *Heap) lookup(hid HID) (heapItem, []byte, error) {
	pi, si := int(hid.page()), int(hid.slot())
	if pi >= len(h.pages) || si >= len(h.items[pi]) {
		return heapItem{}, nil, fmt.Errorf("%w: heap id %d out of range", perr.ErrUnexpectedPage, hid)
	}
	item := h.items[pi][si]
	if !item.live {
		return heapItem{}, nil, perr.NotFound[uint32](uint32(hid))
	}
	return item, h.pages[pi], nil
}

// ReAllocateHeapItem replaces hid's contents. If the new data fits in the
// existing slot, or hid is the last item on its page and the page has room
// for it to grow, hid is preserved; otherwise the item is freed and
// reallocated, and the caller must update any stored references to the new
// hid.
func (h *Heap) ReAllocateHeapItem(hid HID, data []byte) (HID, error) {
	item, page, err := h.lookup(hid)
	if err != nil {
		return 0, err
	}
	if len(data) <= int(item.size) || h.hasRoomInPlace(hid, len(data)) {
		copy(page[item.off:], data)
		pi, si := hid.page(), hid.slot()
		h.items[pi][si].size = uint16(len(data))
		return hid, nil
	}
	if err := h.FreeHeapItem(hid); err != nil {
		return 0, err
	}
	return h.AllocateHeapItem(data)
}

func (h *Heap) hasRoomInPlace(hid HID, newSize int) bool {
	items := h.items[hid.page()]
	if int(hid.slot()) != len(items)-1 {
		return false
	}
	return int(items[hid.slot()].off)+newSize <= PageSize
}

// FreeHeapItem marks hid free. Freeing an already-free or nonexistent hid is
// a no-op (idempotent), matching real usage where a double free of the same
// property value during a bag rewrite is routine.
func (h *Heap) FreeHeapItem(hid HID) error {
	pi, si := int(hid.page()), int(hid.slot())
	if pi >= len(h.pages) || si >= len(h.items[pi]) {
		return nil
	}
	h.items[pi][si].live = false
	return nil
}
