package device

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pstkit/pstkit/pkg/perr"
)

// PageSize is the on-disk page size every NDB structure is aligned to.
const PageSize = 512

// FormatVariant parameterizes field widths (block id size) instead of
// carrying two byte-exact ANSI/Unicode on-disk layouts.
type FormatVariant uint8

const (
	FormatUnicode FormatVariant = iota // 64-bit block ids
	FormatANSI                         // 32-bit block ids
)

const (
	magicCurrent = 0x50535431 // "PST1"
	// headerCopySize is the on-disk footprint of one header copy. Two
	// copies are kept back to back at the front of the file so a torn
	// write of one never destroys the other.
	headerCopySize = PageSize
)

// Header is the root metadata record: format variant, NBT/BBT roots, id
// counters, AMap validity flag, and pointers to the DList and first AMap
// page.
type Header struct {
	Variant       FormatVariant
	NBTRoot       uint64
	BBTRoot       uint64
	NextBlockID   uint64 // monotonic, incremented by 2 per block.go
	NextPage      uint64 // next page index never yet allocated
	AMapValid     bool
	DListPage     uint64
	FirstAMapPage uint64
	// NextNodeID holds the next free index per node_id type, keyed by the
	// 5-bit type tag.
	NextNodeID [32]uint32

	// seq is the monotonic generation used to pick the newer of the two
	// on-disk copies at open; it is opaque to callers.
	seq uint64
}

// CRC is a pluggable checksum so callers can swap in a different function
// without touching the header codec; defaults to hash/crc32.ChecksumIEEE.
type CRC func(data []byte) uint32

// DefaultCRC is hash/crc32.ChecksumIEEE.
func DefaultCRC(data []byte) uint32 { return crc32.ChecksumIEEE(data) }

func (h *Header) encode(crc CRC) []byte {
	buf := make([]byte, headerCopySize)
	binary.LittleEndian.PutUint32(buf[0:4], magicCurrent)
	buf[4] = byte(h.Variant)
	binary.LittleEndian.PutUint64(buf[8:16], h.NBTRoot)
	binary.LittleEndian.PutUint64(buf[16:24], h.BBTRoot)
	binary.LittleEndian.PutUint64(buf[24:32], h.NextBlockID)
	binary.LittleEndian.PutUint64(buf[32:40], h.NextPage)
	if h.AMapValid {
		buf[40] = 1
	}
	binary.LittleEndian.PutUint64(buf[48:56], h.DListPage)
	binary.LittleEndian.PutUint64(buf[56:64], h.FirstAMapPage)
	binary.LittleEndian.PutUint64(buf[64:72], h.seq)

	const countersOff = 80
	for i, v := range h.NextNodeID {
		binary.LittleEndian.PutUint32(buf[countersOff+4*i:], v)
	}

	crcOff := headerCopySize - 4
	sum := crc(buf[:crcOff])
	binary.LittleEndian.PutUint32(buf[crcOff:], sum)
	return buf
}

func decodeHeader(buf []byte, crc CRC) (*Header, error) {
	if len(buf) != headerCopySize {
		return nil, fmt.Errorf("%w: short header copy", perr.ErrFormat)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magicCurrent {
		return nil, fmt.Errorf("%w: bad magic", perr.ErrFormat)
	}
	crcOff := headerCopySize - 4
	want := binary.LittleEndian.Uint32(buf[crcOff:])
	got := crc(buf[:crcOff])
	if want != got {
		return nil, fmt.Errorf("%w: header CRC mismatch", perr.ErrFormat)
	}

	h := &Header{
		Variant:       FormatVariant(buf[4]),
		NBTRoot:       binary.LittleEndian.Uint64(buf[8:16]),
		BBTRoot:       binary.LittleEndian.Uint64(buf[16:24]),
		NextBlockID:   binary.LittleEndian.Uint64(buf[24:32]),
		NextPage:      binary.LittleEndian.Uint64(buf[32:40]),
		AMapValid:     buf[40] != 0,
		DListPage:     binary.LittleEndian.Uint64(buf[48:56]),
		FirstAMapPage: binary.LittleEndian.Uint64(buf[56:64]),
		seq:           binary.LittleEndian.Uint64(buf[64:72]),
	}
	const countersOff = 80
	for i := range h.NextNodeID {
		h.NextNodeID[i] = binary.LittleEndian.Uint32(buf[countersOff+4*i:])
	}
	return h, nil
}

// ReadHeader loads the header from dev, preferring whichever of the two
// redundant copies has a valid CRC and the higher sequence number.
func ReadHeader(dev Device, crc CRC) (*Header, error) {
	if crc == nil {
		crc = DefaultCRC
	}

	var candidates []*Header
	for slot := 0; slot < 2; slot++ {
		buf, err := dev.ReadAt(int64(slot*headerCopySize), headerCopySize)
		if err != nil {
			return nil, err
		}
		h, err := decodeHeader(buf, crc)
		if err == nil {
			candidates = append(candidates, h)
		}
	}

	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: both header copies invalid", perr.ErrFormat)
	case 1:
		return candidates[0], nil
	default:
		if candidates[0].seq >= candidates[1].seq {
			return candidates[0], nil
		}
		return candidates[1], nil
	}
}

// WriteHeader writes h into the older of the two on-disk slots and flushes,
// so that a crash leaves the previous copy intact. It bumps the header's
// sequence number before writing.
func WriteHeader(dev Device, h *Header, crc CRC) error {
	if crc == nil {
		crc = DefaultCRC
	}

	slot := 0
	if prev, err := ReadHeader(dev, crc); err == nil {
		h.seq = prev.seq + 1
		// Overwrite the copy that is NOT the one we just read as current,
		// so the current copy survives a torn write of the new one.
		for s := 0; s < 2; s++ {
			buf, rerr := dev.ReadAt(int64(s*headerCopySize), headerCopySize)
			if rerr != nil {
				continue
			}
			if cand, derr := decodeHeader(buf, crc); derr == nil && cand.seq == prev.seq {
				slot = 1 - s
				break
			}
		}
	} else {
		h.seq = 1
	}

	buf := h.encode(crc)
	if err := dev.WriteAt(int64(slot*headerCopySize), buf); err != nil {
		return err
	}
	return dev.Flush()
}

// InitHeader writes a brand-new header (both copies identical) for a freshly
// created database file.
func InitHeader(dev Device, variant FormatVariant, crc CRC) (*Header, error) {
	if crc == nil {
		crc = DefaultCRC
	}
	h := &Header{
		Variant:       variant,
		NextBlockID:   2,
		NextPage:      2 * headerCopySize / PageSize,
		AMapValid:     false,
		FirstAMapPage: 2 * headerCopySize / PageSize,
		seq:           1,
	}
	buf := h.encode(crc)
	if err := dev.WriteAt(0, buf); err != nil {
		return nil, err
	}
	if err := dev.WriteAt(headerCopySize, buf); err != nil {
		return nil, err
	}
	if err := dev.Flush(); err != nil {
		return nil, err
	}
	return h, nil
}
