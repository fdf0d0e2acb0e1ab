// Package bth implements the BTree-on-Heap: a generic, fixed-width-key B+
// tree whose pages are themselves heap items, letting pkg/pc and pkg/tc
// build ordered indexes directly on top of pkg/heap without a dedicated
// page-allocation scheme of their own.
package bth

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pstkit/pstkit/pkg/heap"
	"github.com/pstkit/pstkit/pkg/perr"
)

// Codec describes how to turn a key or value in and out of its fixed-width
// wire form.
type Codec[T any] struct {
	Size   int
	Encode func(T) []byte
	Decode func([]byte) T
}

const (
	nodeKindLeaf     byte = 1
	nodeKindInternal byte = 2
)

// maxFanout bounds how many entries a page holds before it splits; kept
// small and constant (rather than computed from key/value size) since heap
// items already cap at one heap page.
const maxFanout = 32

// BTH is a B+ tree embedded in a heap, keyed by K with values V.
type BTH[K any, V any] struct {
	h        *heap.Heap
	root     heap.HID
	keyCodec Codec[K]
	valCodec Codec[V]
	less     func(a, b K) bool
}

// New creates an empty BTH backed by h.
func New[K any, V any](h *heap.Heap, keyCodec Codec[K], valCodec Codec[V], less func(a, b K) bool) (*BTH[K, V], error) {
	b := &BTH[K, V]{h: h, keyCodec: keyCodec, valCodec: valCodec, less: less}
	root, err := b.writeLeaf(nil, nil)
	if err != nil {
		return nil, err
	}
	b.root = root
	return b, nil
}

// Open attaches a BTH to an existing root heap id.
func Open[K any, V any](h *heap.Heap, root heap.HID, keyCodec Codec[K], valCodec Codec[V], less func(a, b K) bool) *BTH[K, V] {
	return &BTH[K, V]{h: h, root: root, keyCodec: keyCodec, valCodec: valCodec, less: less}
}

// Root returns the current root heap id, to be persisted by the caller
// (typically as a property or table-context header field).
func (b *BTH[K, V]) Root() heap.HID { return b.root }

type leafEntry[K any, V any] struct {
	key K
	val V
}

type internalEntry[K any] struct {
	key   K // smallest key reachable through child
	child heap.HID
}

func (b *BTH[K, V]) decodeLeaf(raw []byte) []leafEntry[K, V] {
	n := int(binary.LittleEndian.Uint16(raw[1:3]))
	entries := make([]leafEntry[K, V], 0, n)
	off := 3
	ks, vs := b.keyCodec.Size, b.valCodec.Size
	for i := 0; i < n; i++ {
		k := b.keyCodec.Decode(raw[off : off+ks])
		v := b.valCodec.Decode(raw[off+ks : off+ks+vs])
		entries = append(entries, leafEntry[K, V]{key: k, val: v})
		off += ks + vs
	}
	return entries
}

func (b *BTH[K, V]) encodeLeaf(entries []leafEntry[K, V]) []byte {
	ks, vs := b.keyCodec.Size, b.valCodec.Size
	buf := make([]byte, 3+len(entries)*(ks+vs))
	buf[0] = nodeKindLeaf
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(entries)))
	off := 3
	for _, e := range entries {
		copy(buf[off:off+ks], b.keyCodec.Encode(e.key))
		copy(buf[off+ks:off+ks+vs], b.valCodec.Encode(e.val))
		off += ks + vs
	}
	return buf
}

func (b *BTH[K, V]) decodeInternal(raw []byte) []internalEntry[K] {
	n := int(binary.LittleEndian.Uint16(raw[1:3]))
	entries := make([]internalEntry[K], 0, n)
	off := 3
	ks := b.keyCodec.Size
	for i := 0; i < n; i++ {
		k := b.keyCodec.Decode(raw[off : off+ks])
		child := heap.HID(binary.LittleEndian.Uint32(raw[off+ks : off+ks+4]))
		entries = append(entries, internalEntry[K]{key: k, child: child})
		off += ks + 4
	}
	return entries
}

func (b *BTH[K, V]) encodeInternal(entries []internalEntry[K]) []byte {
	ks := b.keyCodec.Size
	buf := make([]byte, 3+len(entries)*(ks+4))
	buf[0] = nodeKindInternal
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(entries)))
	off := 3
	for _, e := range entries {
		copy(buf[off:off+ks], b.keyCodec.Encode(e.key))
		binary.LittleEndian.PutUint32(buf[off+ks:off+ks+4], uint32(e.child))
		off += ks + 4
	}
	return buf
}

func (b *BTH[K, V]) writeLeaf(keys []K, vals []V) (heap.HID, error) {
	entries := make([]leafEntry[K, V], len(keys))
	for i := range keys {
		entries[i] = leafEntry[K, V]{key: keys[i], val: vals[i]}
	}
	return b.h.AllocateHeapItem(b.encodeLeaf(entries))
}

func (b *BTH[K, V]) readRaw(hid heap.HID) ([]byte, error) {
	raw, err := b.h.Read(hid)
	if err != nil {
		return nil, fmt.Errorf("bth: read node %d: %w", hid, err)
	}
	if len(raw) < 3 {
		return nil, fmt.Errorf("%w: truncated bth node", perr.ErrFormat)
	}
	return raw, nil
}

// Get looks up key, returning its value and whether it was found.
func (b *BTH[K, V]) Get(key K) (V, bool, error) {
	var zero V
	hid := b.root
	for {
		raw, err := b.readRaw(hid)
		if err != nil {
			return zero, false, err
		}
		if raw[0] == nodeKindLeaf {
			entries := b.decodeLeaf(raw)
			for _, e := range entries {
				if !b.less(e.key, key) && !b.less(key, e.key) {
					return e.val, true, nil
				}
			}
			return zero, false, nil
		}
		entries := b.decodeInternal(raw)
		hid = b.childFor(entries, key)
	}
}

func (b *BTH[K, V]) childFor(entries []internalEntry[K], key K) heap.HID {
	idx := sort.Search(len(entries), func(i int) bool { return b.less(key, entries[i].key) })
	if idx == 0 {
		return entries[0].child
	}
	return entries[idx-1].child
}

// Insert sets key to val, splitting pages as needed.
func (b *BTH[K, V]) Insert(key K, val V) error {
	newRoot, split, err := b.insert(b.root, key, val)
	if err != nil {
		return err
	}
	if split == nil {
		b.root = newRoot
		return nil
	}
	rootEntries := []internalEntry[K]{
		{key: split.leftMin, child: newRoot},
		{key: split.key, child: split.right},
	}
	root, err := b.h.AllocateHeapItem(b.encodeInternal(rootEntries))
	if err != nil {
		return err
	}
	b.root = root
	return nil
}

type splitResult[K any] struct {
	key     K // separator: smallest key in right
	leftMin K // smallest key in left, needed when the old root becomes a new internal child
	right   heap.HID
}

func (b *BTH[K, V]) insert(hid heap.HID, key K, val V) (heap.HID, *splitResult[K], error) {
	raw, err := b.readRaw(hid)
	if err != nil {
		return 0, nil, err
	}
	if raw[0] == nodeKindLeaf {
		entries := b.decodeLeaf(raw)
		idx := sort.Search(len(entries), func(i int) bool { return !b.less(entries[i].key, key) })
		if idx < len(entries) && !b.less(key, entries[idx].key) {
			entries[idx].val = val
		} else {
			entries = append(entries, leafEntry[K, V]{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = leafEntry[K, V]{key: key, val: val}
		}
		if len(entries) <= maxFanout {
			newHID, err := b.h.ReAllocateHeapItem(hid, b.encodeLeaf(entries))
			return newHID, nil, err
		}
		mid := len(entries) / 2
		leftHID, err := b.h.ReAllocateHeapItem(hid, b.encodeLeaf(entries[:mid]))
		if err != nil {
			return 0, nil, err
		}
		rightHID, err := b.h.AllocateHeapItem(b.encodeLeaf(entries[mid:]))
		if err != nil {
			return 0, nil, err
		}
		return leftHID, &splitResult[K]{key: entries[mid].key, leftMin: entries[0].key, right: rightHID}, nil
	}

	entries := b.decodeInternal(raw)
	childIdx := 0
	for i := 1; i < len(entries); i++ {
		if !b.less(key, entries[i].key) {
			childIdx = i
		}
	}
	newChild, split, err := b.insert(entries[childIdx].child, key, val)
	if err != nil {
		return 0, nil, err
	}
	entries[childIdx].child = newChild
	if split == nil {
		newHID, err := b.h.ReAllocateHeapItem(hid, b.encodeInternal(entries))
		return newHID, nil, err
	}

	inserted := make([]internalEntry[K], 0, len(entries)+1)
	inserted = append(inserted, entries[:childIdx+1]...)
	inserted = append(inserted, internalEntry[K]{key: split.key, child: split.right})
	inserted = append(inserted, entries[childIdx+1:]...)

	if len(inserted) <= maxFanout {
		newHID, err := b.h.ReAllocateHeapItem(hid, b.encodeInternal(inserted))
		return newHID, nil, err
	}
	mid := len(inserted) / 2
	leftHID, err := b.h.ReAllocateHeapItem(hid, b.encodeInternal(inserted[:mid]))
	if err != nil {
		return 0, nil, err
	}
	rightHID, err := b.h.AllocateHeapItem(b.encodeInternal(inserted[mid:]))
	if err != nil {
		return 0, nil, err
	}
	return leftHID, &splitResult[K]{key: inserted[mid].key, leftMin: inserted[0].key, right: rightHID}, nil
}

// Delete removes key if present. Pages that fall below half full are not
// merged with or refilled from a sibling, and the root is never shrunk: a
// page that loses all its entries stays in the tree as an empty page.
func (b *BTH[K, V]) Delete(key K) (bool, error) {
	removed, _, err := b.delete(b.root, key)
	return removed, err
}

func (b *BTH[K, V]) delete(hid heap.HID, key K) (bool, heap.HID, error) {
	raw, err := b.readRaw(hid)
	if err != nil {
		return false, hid, err
	}
	if raw[0] == nodeKindLeaf {
		entries := b.decodeLeaf(raw)
		idx := -1
		for i, e := range entries {
			if !b.less(e.key, key) && !b.less(key, e.key) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return false, hid, nil
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		newHID, err := b.h.ReAllocateHeapItem(hid, b.encodeLeaf(entries))
		return true, newHID, err
	}

	entries := b.decodeInternal(raw)
	childIdx := 0
	for i := 1; i < len(entries); i++ {
		if !b.less(key, entries[i].key) {
			childIdx = i
		}
	}
	removed, newChild, err := b.delete(entries[childIdx].child, key)
	if err != nil || !removed {
		return removed, hid, err
	}
	entries[childIdx].child = newChild
	newHID, err := b.h.ReAllocateHeapItem(hid, b.encodeInternal(entries))
	return true, newHID, err
}

// Scan walks every (key, value) pair in ascending key order, stopping early
// if fn returns false.
func (b *BTH[K, V]) Scan(fn func(K, V) bool) error {
	err := b.scan(b.root, fn)
	if err == errStop {
		return nil
	}
	return err
}

func (b *BTH[K, V]) scan(hid heap.HID, fn func(K, V) bool) error {
	raw, err := b.readRaw(hid)
	if err != nil {
		return err
	}
	if raw[0] == nodeKindLeaf {
		for _, e := range b.decodeLeaf(raw) {
			if !fn(e.key, e.val) {
				return errStop
			}
		}
		return nil
	}
	for _, e := range b.decodeInternal(raw) {
		if err := b.scan(e.child, fn); err != nil {
			if err == errStop {
				return err
			}
			return err
		}
	}
	return nil
}

var errStop = fmt.Errorf("bth: scan stopped")

// BytesCodec is a ready-made Codec for fixed-width byte-slice keys/values
// (e.g. property ids, row ids) compared lexicographically.
func BytesCodec(size int) Codec[[]byte] {
	return Codec[[]byte]{
		Size:   size,
		Encode: func(v []byte) []byte { out := make([]byte, size); copy(out, v); return out },
		Decode: func(b []byte) []byte { return append([]byte(nil), b...) },
	}
}

// BytesLess compares two equal-length byte slices lexicographically.
func BytesLess(a, b []byte) bool { return bytes.Compare(a, b) < 0 }

// Uint32Codec is a ready-made Codec for uint32 keys (property ids, row ids).
var Uint32Codec = Codec[uint32]{
	Size:   4,
	Encode: func(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b },
	Decode: func(b []byte) uint32 { return binary.BigEndian.Uint32(b) },
}

// Uint32Less orders uint32 keys ascending.
func Uint32Less(a, b uint32) bool { return a < b }

// Uint16Codec is a ready-made Codec for uint16 keys (property ids).
var Uint16Codec = Codec[uint16]{
	Size:   2,
	Encode: func(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b },
	Decode: func(b []byte) uint16 { return binary.BigEndian.Uint16(b) },
}

// Uint16Less orders uint16 keys ascending.
func Uint16Less(a, b uint16) bool { return a < b }
