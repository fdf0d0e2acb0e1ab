// Package nameid implements the name-id map: the well-known node that
// resolves named (GUID-qualified) properties to the small numeric property
// ids the rest of the engine actually stores values under.
package nameid

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/pstkit/pstkit/pkg/bth"
	"github.com/pstkit/pstkit/pkg/heap"
	"github.com/pstkit/pstkit/pkg/perr"
)

// firstNamedPropID is the start of the reserved range AddProp allocates
// fresh ids from; ids below this are reserved for the engine's built-in,
// unnamed properties.
const firstNamedPropID = 0x8000

// NamedProp identifies a property by GUID-qualified name or numeric id,
// the two ways the wire format allows a named property to be addressed.
type NamedProp struct {
	GUID     [16]byte
	IsString bool
	Name     string // valid when IsString
	NumID    uint32 // valid when !IsString
}

// stringKey hashes GUID+name into a fixed-width key. A 64-bit FNV-1a digest
// keeps the BTH key fixed-width without storing the name itself twice; the
// reverse map (pid -> NamedProp) is the source of truth for the actual
// name, and AddProp checks a hit against it, so a hash collision between
// two different names under the same GUID only causes a spurious AddProp
// miss, not a pid shared by two names.
func stringKey(guid [16]byte, name string) []byte {
	h := fnv.New64a()
	h.Write([]byte(name))
	var buf [24]byte
	copy(buf[:16], guid[:])
	binary.BigEndian.PutUint64(buf[16:24], h.Sum64())
	return buf[:]
}

func idKey(guid [16]byte, id uint32) []byte {
	var buf [20]byte
	copy(buf[:16], guid[:])
	binary.BigEndian.PutUint32(buf[16:20], id)
	return buf[:]
}

func encodeNamedProp(np NamedProp) []byte {
	buf := make([]byte, 16+1+4+len(np.Name))
	copy(buf[:16], np.GUID[:])
	if np.IsString {
		buf[16] = 1
	}
	binary.BigEndian.PutUint32(buf[17:21], np.NumID)
	copy(buf[21:], np.Name)
	return buf
}

func decodeNamedProp(buf []byte) NamedProp {
	var np NamedProp
	copy(np.GUID[:], buf[:16])
	np.IsString = buf[16] != 0
	np.NumID = binary.BigEndian.Uint32(buf[17:21])
	np.Name = string(buf[21:])
	return np
}

// Map is the name-id map: three BTH/PC-style structures over one heap —
// GUID+name -> pid, GUID+numeric-id -> pid, and pid -> NamedProp (reverse,
// for Lookup).
type Map struct {
	h          *heap.Heap
	byString   *bth.BTH[[]byte, uint16]
	byNumID    *bth.BTH[[]byte, uint16]
	reverse    *bth.BTH[uint16, heap.HID]
	nextPropID uint16
}

// New creates an empty name-id map.
func New() (*Map, error) {
	h := heap.New()
	byString, err := bth.New(h, bth.BytesCodec(24), bth.Uint16Codec, bth.BytesLess)
	if err != nil {
		return nil, err
	}
	byNumID, err := bth.New(h, bth.BytesCodec(20), bth.Uint16Codec, bth.BytesLess)
	if err != nil {
		return nil, err
	}
	reverse, err := bth.New(h, bth.Uint16Codec, hidCodec, bth.Uint16Less)
	if err != nil {
		return nil, err
	}
	return &Map{h: h, byString: byString, byNumID: byNumID, reverse: reverse, nextPropID: firstNamedPropID}, nil
}

var hidCodec = bth.Codec[heap.HID]{
	Size:   4,
	Encode: func(v heap.HID) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, uint32(v)); return b },
	Decode: func(b []byte) heap.HID { return heap.HID(binary.LittleEndian.Uint32(b)) },
}

// Lookup resolves pid to the NamedProp it was registered under.
func (m *Map) Lookup(pid uint16) (NamedProp, bool, error) {
	hid, ok, err := m.reverse.Get(pid)
	if err != nil {
		return NamedProp{}, false, err
	}
	if !ok {
		return NamedProp{}, false, nil
	}
	raw, err := m.h.Read(hid)
	if err != nil {
		return NamedProp{}, false, err
	}
	return decodeNamedProp(raw), true, nil
}

// AddProp resolves np to its existing pid if already registered, otherwise
// allocates a fresh pid from the reserved range and registers it.
func (m *Map) AddProp(np NamedProp) (uint16, error) {
	key, tree := m.lookupKey(np)
	pid, ok, err := tree.Get(key)
	if err != nil {
		return 0, err
	}
	if ok {
		existing, found, err := m.Lookup(pid)
		if err != nil {
			return 0, err
		}
		if found && (!np.IsString || existing.Name == np.Name) {
			return pid, nil
		}
	}

	pid = m.nextPropID
	m.nextPropID++

	hid, err := m.h.AllocateHeapItem(encodeNamedProp(np))
	if err != nil {
		return 0, err
	}
	if err := m.reverse.Insert(pid, hid); err != nil {
		return 0, err
	}
	if err := tree.Insert(key, pid); err != nil {
		return 0, err
	}
	return pid, nil
}

func (m *Map) lookupKey(np NamedProp) ([]byte, *bth.BTH[[]byte, uint16]) {
	if np.IsString {
		return stringKey(np.GUID, np.Name), m.byString
	}
	return idKey(np.GUID, np.NumID), m.byNumID
}

// RemoveProp un-registers pid, if present.
func (m *Map) RemoveProp(pid uint16) error {
	np, ok, err := m.Lookup(pid)
	if err != nil {
		return err
	}
	if !ok {
		return perr.NotFound[uint16](pid)
	}
	key, tree := m.lookupKey(np)
	if _, err := tree.Delete(key); err != nil {
		return err
	}
	_, err = m.reverse.Delete(pid)
	return err
}

// Save serializes the map's heap image for storage in the owning node.
func (m *Map) Save() []byte { return m.h.Save() }
