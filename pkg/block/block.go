// Package block implements the block store: monotonic block-id allocation,
// ref-counted physical storage, and data-tree splitting for blobs larger
// than one page. It sits on top of pkg/amap for space and pkg/cowtree
// (instantiated as the BBT in pkg/ndb) for the block_id -> location index.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"

	"github.com/pstkit/pstkit/pkg/amap"
	"github.com/pstkit/pstkit/pkg/device"
	"github.com/pstkit/pstkit/pkg/perr"
)

// Kind tags the variant of a stored block, re-expressed as pstkit's tagged
// union rather than a class hierarchy.
type Kind uint8

const (
	KindExternal Kind = iota
	KindSubnodeLeaf
	KindSubnodeInternal
	KindDataTreeInternal
)

// MaxPayload is the largest byte buffer a single external block holds before
// Store.Write splits it into a data tree.
const MaxPayload = device.PageSize - trailerSize

const trailerSize = 2 + 2 + 4 + 8 // raw_size, signature, crc, block_id

const blockSignature = 0xBCBC

// Descriptor is the BBT's view of one block: where it lives and how many
// live references hold it.
type Descriptor struct {
	ID       uint64
	Offset   int64
	Size     int64
	RefCount uint32
	Kind     Kind
}

// Options configures a Store.
type Options struct {
	// CompressBlocks turns on zstd compression of external block payloads.
	// Off by default: spec behaviour (raw_size in the trailer, random-access
	// reads) does not require it, but the data-tree byte stream is opaque
	// enough that compressing each leaf transparently is safe.
	CompressBlocks bool
}

// Store allocates and stores blocks on a Device, backed by an AMap for
// space and a pluggable index for id -> Descriptor lookups. The index is
// injected rather than owned here so pkg/ndb can wire a BBT (cowtree.Tree)
// underneath without block.Store depending on cowtree directly.
type Store struct {
	dev  device.Device
	amap *amap.AMap
	opt  Options

	nextBlockID uint64 // monotonic, incremented by 2; odd values reserved

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates a Store. nextBlockID should come from the database
// header's NextBlockID counter.
func NewStore(dev device.Device, am *amap.AMap, nextBlockID uint64, opt Options) (*Store, error) {
	s := &Store{dev: dev, amap: am, opt: opt, nextBlockID: nextBlockID}
	if opt.CompressBlocks {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("block: init zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("block: init zstd decoder: %w", err)
		}
		s.enc, s.dec = enc, dec
	}
	return s, nil
}

// AllocateBlockID returns the next even block id and advances the counter.
func (s *Store) AllocateBlockID() uint64 {
	id := s.nextBlockID
	s.nextBlockID += 2
	return id
}

// NextBlockID reports the counter's current value, for persisting back into
// the header at commit.
func (s *Store) NextBlockID() uint64 { return s.nextBlockID }

// WriteExternal stores data as one or more external blocks (splitting into a
// data tree when data exceeds MaxPayload) and returns the root block's
// Descriptor plus every Descriptor created, so the caller can stage them
// into the BBT's dirty map.
func (s *Store) WriteExternal(data []byte) (Descriptor, []Descriptor, error) {
	if len(data) <= MaxPayload {
		d, err := s.writeOne(data, KindExternal)
		if err != nil {
			return Descriptor{}, nil, err
		}
		return d, []Descriptor{d}, nil
	}
	return s.writeDataTree(data)
}

// WriteRaw stores data as exactly one block, never splitting it into a data
// tree, for callers (pkg/ndb's structure and subnode page stores) that
// already guarantee their payload fits one block.
func (s *Store) WriteRaw(data []byte, kind Kind) (Descriptor, error) {
	return s.writeOne(data, kind)
}

func (s *Store) writeOne(data []byte, kind Kind) (Descriptor, error) {
	payload := data
	if s.opt.CompressBlocks && kind == KindExternal {
		payload = s.enc.EncodeAll(data, nil)
	}

	id := s.AllocateBlockID()
	buf := encodeBlock(id, payload)
	addr, err := s.amap.Allocate(int64(len(buf)))
	if err != nil {
		return Descriptor{}, err
	}
	if err := s.dev.WriteAt(addr, buf); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{ID: id, Offset: addr, Size: int64(len(buf)), RefCount: 1, Kind: kind}, nil
}

// dataTreeEntry is one row of a data_tree_internal block: a child block id
// and the cumulative byte offset of the stream up to (not including) it.
type dataTreeEntry struct {
	ChildID         uint64
	CumulativeBytes uint64
}

func (s *Store) writeDataTree(data []byte) (Descriptor, []Descriptor, error) {
	var leaves []Descriptor
	var entries []dataTreeEntry
	cumulative := uint64(0)
	for off := 0; off < len(data); off += MaxPayload {
		end := off + MaxPayload
		if end > len(data) {
			end = len(data)
		}
		d, err := s.writeOne(data[off:end], KindExternal)
		if err != nil {
			return Descriptor{}, nil, err
		}
		leaves = append(leaves, d)
		entries = append(entries, dataTreeEntry{ChildID: d.ID, CumulativeBytes: cumulative})
		cumulative += uint64(end - off)
	}

	root, internals, err := s.buildDataTreeLevel(entries, cumulative)
	if err != nil {
		return Descriptor{}, nil, err
	}
	all := append(leaves, internals...)
	return root, all, nil
}

// buildDataTreeLevel packs entries into one or more data_tree_internal
// blocks, recursing upward until a single internal block (one page) covers
// all entries, as a fan-out-bounded internal tree.
func (s *Store) buildDataTreeLevel(entries []dataTreeEntry, totalBytes uint64) (Descriptor, []Descriptor, error) {
	const entrySize = 16 // child id (8) + cumulative offset (8)
	maxEntriesPerPage := (device.PageSize - trailerSize - 8) / entrySize

	if len(entries) <= maxEntriesPerPage {
		d, err := s.writeInternal(entries, totalBytes)
		if err != nil {
			return Descriptor{}, nil, err
		}
		return d, []Descriptor{d}, nil
	}

	var nextLevel []dataTreeEntry
	var created []Descriptor
	cumulative := uint64(0)
	for off := 0; off < len(entries); off += maxEntriesPerPage {
		end := off + maxEntriesPerPage
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[off:end]
		var chunkBytes uint64
		if end < len(entries) {
			chunkBytes = entries[end].CumulativeBytes - chunk[0].CumulativeBytes
		} else {
			chunkBytes = totalBytes - chunk[0].CumulativeBytes
		}
		d, err := s.writeInternal(chunk, chunkBytes)
		if err != nil {
			return Descriptor{}, nil, err
		}
		created = append(created, d)
		nextLevel = append(nextLevel, dataTreeEntry{ChildID: d.ID, CumulativeBytes: cumulative})
		cumulative += chunkBytes
	}
	root, more, err := s.buildDataTreeLevel(nextLevel, totalBytes)
	if err != nil {
		return Descriptor{}, nil, err
	}
	created = append(created, more...)
	return root, created, nil
}

func (s *Store) writeInternal(entries []dataTreeEntry, totalBytes uint64) (Descriptor, error) {
	buf := make([]byte, 8+len(entries)*16)
	binary.LittleEndian.PutUint64(buf[0:8], totalBytes)
	for i, e := range entries {
		off := 8 + i*16
		binary.LittleEndian.PutUint64(buf[off:off+8], e.ChildID)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.CumulativeBytes)
	}
	return s.writeOne(buf, KindDataTreeInternal)
}

// Read reconstructs the full byte stream for a block, recursing through any
// data-tree internal levels. lookup resolves a block id to its Descriptor
// (the caller's BBT staging-map-then-committed-root lookup).
func (s *Store) Read(root Descriptor, lookup func(uint64) (Descriptor, error)) ([]byte, error) {
	switch root.Kind {
	case KindExternal, KindSubnodeLeaf:
		return s.readRaw(root)
	case KindDataTreeInternal:
		return s.readDataTree(root, lookup)
	default:
		return nil, fmt.Errorf("%w: unreadable block kind %d", perr.ErrFormat, root.Kind)
	}
}

func (s *Store) readRaw(d Descriptor) ([]byte, error) {
	buf, err := s.dev.ReadAt(d.Offset, int(d.Size))
	if err != nil {
		return nil, err
	}
	payload, err := decodeBlock(d.ID, buf)
	if err != nil {
		return nil, err
	}
	if s.opt.CompressBlocks && d.Kind == KindExternal {
		out, derr := s.dec.DecodeAll(payload, nil)
		if derr != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", perr.ErrFormat, derr)
		}
		return out, nil
	}
	return payload, nil
}

func (s *Store) readDataTree(root Descriptor, lookup func(uint64) (Descriptor, error)) ([]byte, error) {
	raw, err := s.readRaw(Descriptor{ID: root.ID, Offset: root.Offset, Size: root.Size, Kind: KindDataTreeInternal})
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: truncated data tree internal block", perr.ErrFormat)
	}
	n := (len(raw) - 8) / 16
	out := make([]byte, 0, n*MaxPayload)
	for i := 0; i < n; i++ {
		off := 8 + i*16
		childID := binary.LittleEndian.Uint64(raw[off : off+8])
		child, err := lookup(childID)
		if err != nil {
			return nil, err
		}
		childBytes, err := s.Read(child, lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, childBytes...)
	}
	return out, nil
}

// ReadAt gives random access into a (possibly data-tree) block's logical
// stream by walking the cumulative-offset table entry by entry (a linear
// scan, not a binary search) and recursing only into the children that
// overlap the requested range, rather than materializing the whole stream.
func (s *Store) ReadAt(root Descriptor, lookup func(uint64) (Descriptor, error), off, length int64) ([]byte, error) {
	if root.Kind != KindDataTreeInternal {
		full, err := s.readRaw(root)
		if err != nil {
			return nil, err
		}
		if off > int64(len(full)) {
			off = int64(len(full))
		}
		end := off + length
		if end > int64(len(full)) {
			end = int64(len(full))
		}
		return full[off:end], nil
	}

	raw, err := s.readRaw(Descriptor{ID: root.ID, Offset: root.Offset, Size: root.Size, Kind: KindDataTreeInternal})
	if err != nil {
		return nil, err
	}
	n := (len(raw) - 8) / 16
	var out []byte
	remaining := length
	for i := 0; i < n && remaining > 0; i++ {
		base := 8 + i*16
		cum := int64(binary.LittleEndian.Uint64(raw[base+8 : base+16]))
		var next int64 = 1 << 62
		if i+1 < n {
			next = int64(binary.LittleEndian.Uint64(raw[base+16+8 : base+16+16]))
		}
		if off >= next {
			continue
		}
		childID := binary.LittleEndian.Uint64(raw[base : base+8])
		child, err := lookup(childID)
		if err != nil {
			return nil, err
		}
		localOff := off - cum
		if localOff < 0 {
			localOff = 0
		}
		chunk, err := s.ReadAt(child, lookup, localOff, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		remaining -= int64(len(chunk))
		off += int64(len(chunk))
	}
	return out, nil
}

// Free releases addr..addr+size back to the AMap; called once a block's
// ref-count reaches zero during commit.
func (s *Store) Free(d Descriptor) error {
	return s.amap.FreeAllocation(d.Offset, d.Size)
}

func encodeBlock(id uint64, payload []byte) []byte {
	buf := make([]byte, len(payload)+trailerSize)
	copy(buf, payload)
	t := buf[len(payload):]
	binary.LittleEndian.PutUint16(t[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(t[2:4], blockSignature)
	binary.LittleEndian.PutUint64(t[8:16], id)
	sum := crc32.ChecksumIEEE(buf[:len(payload)+4])
	binary.LittleEndian.PutUint32(t[4:8], sum)
	return buf
}

func decodeBlock(wantID uint64, buf []byte) ([]byte, error) {
	if len(buf) < trailerSize {
		return nil, fmt.Errorf("%w: block shorter than trailer", perr.ErrFormat)
	}
	t := buf[len(buf)-trailerSize:]
	rawSize := int(binary.LittleEndian.Uint16(t[0:2]))
	sig := binary.LittleEndian.Uint16(t[2:4])
	crc := binary.LittleEndian.Uint32(t[4:8])
	id := binary.LittleEndian.Uint64(t[8:16])
	if sig != blockSignature {
		return nil, fmt.Errorf("%w: bad block signature", perr.ErrFormat)
	}
	if id != wantID {
		return nil, fmt.Errorf("%w: block id mismatch: want %d got %d", perr.ErrFormat, wantID, id)
	}
	if rawSize+trailerSize != len(buf) {
		return nil, fmt.Errorf("%w: block raw_size mismatch", perr.ErrFormat)
	}
	payload := buf[:rawSize]
	got := crc32.ChecksumIEEE(buf[:rawSize+4])
	if got != crc {
		return nil, fmt.Errorf("%w: block CRC mismatch", perr.ErrFormat)
	}
	return payload, nil
}
