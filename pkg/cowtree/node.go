// Package cowtree implements the copy-on-write B+ tree page format shared
// by the Node BTree (NBT) and Block BTree (BBT). Every key and value pstkit
// stores here is fixed width (a big-endian node/block id key, a fixed-layout
// descriptor value), so unlike a general KV store's pages this format never
// needs a variable-length offset table: each page is a flat array of
// fixed-size slots, addressed directly by index.
package cowtree

import "encoding/binary"

// Page type tags, stored in the first two bytes of every page.
const (
	PageInternal = 1 // internal page: key + 8-byte child pointer per slot
	PageLeaf     = 2 // leaf page: key + caller's fixed-width value per slot
)

const (
	header = 4 // ptype(2) + nkeys(2)
	// PageSize is the fixed on-disk page size every NBT/BBT page occupies.
	PageSize = 512
	ptrWidth = 8
)

// Page is a single NBT/BBT page as a raw byte slice.
type Page []byte

func (p Page) ptype() uint16 { return binary.LittleEndian.Uint16(p[0:2]) }
func (p Page) nkeys() uint16 { return binary.LittleEndian.Uint16(p[2:4]) }

func (p Page) setHeader(ptype, nkeys uint16) {
	binary.LittleEndian.PutUint16(p[0:2], ptype)
	binary.LittleEndian.PutUint16(p[2:4], nkeys)
}

// stride returns the slot width for a page of the given type: a key plus
// either a child pointer (internal) or the tree's value width (leaf).
func (t *Tree) stride(ptype uint16) int {
	if ptype == PageInternal {
		return t.keyWidth + ptrWidth
	}
	return t.keyWidth + t.valWidth
}

// maxSlots is the largest number of entries a page of ptype can hold.
func (t *Tree) maxSlots(ptype uint16) uint16 {
	return uint16((PageSize - header) / t.stride(ptype))
}

func (t *Tree) slotOff(p Page, idx uint16) int {
	return header + int(idx)*t.stride(p.ptype())
}

func (t *Tree) getKey(p Page, idx uint16) []byte {
	off := t.slotOff(p, idx)
	return p[off : off+t.keyWidth]
}

func (t *Tree) getPtr(p Page, idx uint16) uint64 {
	off := t.slotOff(p, idx) + t.keyWidth
	return binary.LittleEndian.Uint64(p[off : off+ptrWidth])
}

func (t *Tree) getVal(p Page, idx uint16) []byte {
	off := t.slotOff(p, idx) + t.keyWidth
	return p[off : off+t.valWidth]
}

// setEntry writes one slot: the key plus either a child pointer (internal
// pages) or a value (leaf pages), dispatching on the destination page's own
// type tag.
func (t *Tree) setEntry(p Page, idx uint16, key []byte, val []byte, ptr uint64) {
	off := t.slotOff(p, idx)
	copy(p[off:off+t.keyWidth], key)
	if p.ptype() == PageInternal {
		binary.LittleEndian.PutUint64(p[off+t.keyWidth:], ptr)
	} else {
		copy(p[off+t.keyWidth:], val)
	}
}

// appendRange copies n whole slots from src[srcPos:] to dst[dstPos:]. Since
// every slot in a page is the same width this is a single contiguous copy,
// unlike a variable-length format where each copied entry requires walking
// an offset table.
func (t *Tree) appendRange(dst, src Page, dstPos, srcPos, n uint16) {
	if n == 0 {
		return
	}
	stride := t.stride(src.ptype())
	srcOff := header + int(srcPos)*stride
	dstOff := header + int(dstPos)*stride
	copy(dst[dstOff:], src[srcOff:srcOff+int(n)*stride])
}

func init() {
	// The widest pages pstkit actually builds (BBT: 8-byte key + 29-byte
	// descriptor) must still leave room for at least a handful of entries
	// per page; this is a sanity bound, not a hard protocol limit.
	const maxPlausibleStride = 64
	if header+maxPlausibleStride > PageSize {
		panic("cowtree: page too small for minimum fanout")
	}
}
