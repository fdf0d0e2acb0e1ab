// Package pc implements the property context: a typed property bag keyed
// by 16-bit property id, built as a BTH over a node's heap. Fixed-width
// values up to 4 bytes are stored inline in the BTH record; wider or
// variable-length values (64-bit integers, GUIDs, binaries, strings,
// multi-valued arrays) are stored as a heap item and referenced by its heap
// id. No value is stored in a subnode, so a value larger than one heap item
// can hold is rejected with invalid_argument.
package pc

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/pstkit/pstkit/pkg/bth"
	"github.com/pstkit/pstkit/pkg/heap"
	"github.com/pstkit/pstkit/pkg/perr"
)

// Type tags the wire representation of a property's value.
type Type uint16

const (
	TypeBool   Type = 1 // inline, 1 byte
	TypeInt16  Type = 2 // inline, 2 bytes
	TypeInt32  Type = 3 // inline, 4 bytes
	TypeFloat  Type = 4 // inline, 4 bytes
	TypeInt64  Type = 5 // heap-ref, 8 bytes
	TypeDouble Type = 6 // heap-ref, 8 bytes
	TypeTime   Type = 7 // heap-ref, stored as Unix nanos (int64)
	TypeGUID   Type = 8 // heap-ref, 16 bytes
	TypeBinary Type = 9 // heap-ref, variable length
	TypeString Type = 10 // heap-ref, variable length (UTF-8)
	TypeArray  Type = 11 // heap-ref, count-prefixed table of a fixed-width element type
)

func (t Type) inline() bool {
	switch t {
	case TypeBool, TypeInt16, TypeInt32, TypeFloat:
		return true
	default:
		return false
	}
}

// entry is the BTH record stored per property: {type:16, value_or_hid:32}.
type entry struct {
	typ        Type
	valueOrHID uint32
}

const entrySize = 6

var entryCodec = bth.Codec[entry]{
	Size: entrySize,
	Encode: func(e entry) []byte {
		buf := make([]byte, entrySize)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(e.typ))
		binary.LittleEndian.PutUint32(buf[2:6], e.valueOrHID)
		return buf
	},
	Decode: func(buf []byte) entry {
		return entry{typ: Type(binary.LittleEndian.Uint16(buf[0:2])), valueOrHID: binary.LittleEndian.Uint32(buf[2:6])}
	},
}

// Bag is a property context bound to one node's heap.
type Bag struct {
	h    *heap.Heap
	tree *bth.BTH[uint16, entry]
}

// New creates an empty property bag over a fresh heap.
func New() (*Bag, error) {
	h := heap.New()
	tree, err := bth.New(h, bth.Uint16Codec, entryCodec, bth.Uint16Less)
	if err != nil {
		return nil, err
	}
	return &Bag{h: h, tree: tree}, nil
}

// Open attaches a Bag to a previously saved heap image and BTH root.
func Open(heapImage []byte, root heap.HID) (*Bag, error) {
	h, err := heap.Load(heapImage)
	if err != nil {
		return nil, err
	}
	return &Bag{h: h, tree: bth.Open(h, root, bth.Uint16Codec, entryCodec, bth.Uint16Less)}, nil
}

// SavePropertyBag serializes the bag's heap and BTH root for storage in the
// owning node's byte stream.
func (b *Bag) SavePropertyBag() (heapImage []byte, root heap.HID) {
	return b.h.Save(), b.tree.Root()
}

func (b *Bag) get(pid uint16) (entry, error) {
	e, ok, err := b.tree.Get(pid)
	if err != nil {
		return entry{}, err
	}
	if !ok {
		return entry{}, perr.NotFound[uint16](pid)
	}
	return e, nil
}

func (b *Bag) readWide(pid uint16, wantType Type) ([]byte, error) {
	e, err := b.get(pid)
	if err != nil {
		return nil, err
	}
	if e.typ != wantType {
		return nil, fmt.Errorf("%w: property %d has type %d, not %d", perr.ErrInvalidArgument, pid, e.typ, wantType)
	}
	return b.h.Read(heap.HID(e.valueOrHID))
}

func (b *Bag) writeWide(pid uint16, typ Type, data []byte) error {
	existing, ok, err := b.tree.Get(pid)
	if err != nil {
		return err
	}
	var hid heap.HID
	if ok && !existing.typ.inline() {
		hid, err = b.h.ReAllocateHeapItem(heap.HID(existing.valueOrHID), data)
	} else {
		hid, err = b.h.AllocateHeapItem(data)
	}
	if err != nil {
		return err
	}
	return b.tree.Insert(pid, entry{typ: typ, valueOrHID: uint32(hid)})
}

// ReadProp reads pid's value, decoding per T's concrete type. Supported T:
// bool, int16, int32, int64, float32, float64, time.Time, []byte, string.
func ReadProp[T any](b *Bag, pid uint16) (T, error) {
	var zero T
	e, err := b.get(pid)
	if err != nil {
		return zero, err
	}
	switch any(zero).(type) {
	case bool:
		if e.typ != TypeBool {
			return zero, wrongType(pid, e.typ, TypeBool)
		}
		return any(e.valueOrHID != 0).(T), nil
	case int16:
		if e.typ != TypeInt16 {
			return zero, wrongType(pid, e.typ, TypeInt16)
		}
		return any(int16(e.valueOrHID)).(T), nil
	case int32:
		if e.typ != TypeInt32 {
			return zero, wrongType(pid, e.typ, TypeInt32)
		}
		return any(int32(e.valueOrHID)).(T), nil
	case float32:
		if e.typ != TypeFloat {
			return zero, wrongType(pid, e.typ, TypeFloat)
		}
		return any(math.Float32frombits(e.valueOrHID)).(T), nil
	case int64:
		raw, err := b.readWide(pid, TypeInt64)
		if err != nil {
			return zero, err
		}
		return any(int64(binary.LittleEndian.Uint64(raw))).(T), nil
	case float64:
		raw, err := b.readWide(pid, TypeDouble)
		if err != nil {
			return zero, err
		}
		return any(math.Float64frombits(binary.LittleEndian.Uint64(raw))).(T), nil
	case time.Time:
		raw, err := b.readWide(pid, TypeTime)
		if err != nil {
			return zero, err
		}
		nanos := int64(binary.LittleEndian.Uint64(raw))
		return any(time.Unix(0, nanos).UTC()).(T), nil
	case []byte:
		raw, err := b.readWide(pid, TypeBinary)
		if err != nil {
			return zero, err
		}
		return any(raw).(T), nil
	case string:
		raw, err := b.readWide(pid, TypeString)
		if err != nil {
			return zero, err
		}
		return any(string(raw)).(T), nil
	default:
		return zero, fmt.Errorf("%w: unsupported property Go type %T", perr.ErrInvalidArgument, zero)
	}
}

func wrongType(pid uint16, got, want Type) error {
	return fmt.Errorf("%w: property %d has type %d, not %d", perr.ErrInvalidArgument, pid, got, want)
}

// WriteProp stores v under pid, choosing inline vs heap-ref storage and
// picking Type from T's concrete type the same way ReadProp does.
func WriteProp[T any](b *Bag, pid uint16, v T) error {
	switch val := any(v).(type) {
	case bool:
		u := uint32(0)
		if val {
			u = 1
		}
		return b.tree.Insert(pid, entry{typ: TypeBool, valueOrHID: u})
	case int16:
		return b.tree.Insert(pid, entry{typ: TypeInt16, valueOrHID: uint32(uint16(val))})
	case int32:
		return b.tree.Insert(pid, entry{typ: TypeInt32, valueOrHID: uint32(val)})
	case float32:
		return b.tree.Insert(pid, entry{typ: TypeFloat, valueOrHID: math.Float32bits(val)})
	case int64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(val))
		return b.writeWide(pid, TypeInt64, buf)
	case float64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(val))
		return b.writeWide(pid, TypeDouble, buf)
	case time.Time:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(val.UnixNano()))
		return b.writeWide(pid, TypeTime, buf)
	case []byte:
		return b.writeWide(pid, TypeBinary, val)
	case string:
		return b.writeWide(pid, TypeString, []byte(val))
	default:
		return fmt.Errorf("%w: unsupported property Go type %T", perr.ErrInvalidArgument, v)
	}
}

// ModifyProp overwrites pid's existing value in place when storage permits,
// otherwise reallocates; semantically identical to WriteProp from the
// caller's perspective; kept as a distinct name to mirror the wire
// protocol's write-vs-modify vocabulary.
func ModifyProp[T any](b *Bag, pid uint16, v T) error {
	return WriteProp(b, pid, v)
}

// RemoveProp deletes pid, freeing any referenced heap storage.
func (b *Bag) RemoveProp(pid uint16) error {
	e, ok, err := b.tree.Get(pid)
	if err != nil {
		return err
	}
	if !ok {
		return perr.NotFound[uint16](pid)
	}
	if !e.typ.inline() {
		if err := b.h.FreeHeapItem(heap.HID(e.valueOrHID)); err != nil {
			return err
		}
	}
	_, err = b.tree.Delete(pid)
	return err
}

// ReadPropArray reads a count-prefixed array of fixed-width elements of
// type T (int16, int32, int64, float32, float64).
func ReadPropArray[T any](b *Bag, pid uint16) ([]T, error) {
	raw, err := b.readWide(pid, TypeArray)
	if err != nil {
		return nil, err
	}
	return decodeArray[T](raw)
}

// WritePropArray stores vs as a count-prefixed array.
func WritePropArray[T any](b *Bag, pid uint16, vs []T) error {
	raw, err := encodeArray(vs)
	if err != nil {
		return err
	}
	return b.writeWide(pid, TypeArray, raw)
}

func elemWidth[T any]() (int, error) {
	var zero T
	switch any(zero).(type) {
	case int16:
		return 2, nil
	case int32, float32:
		return 4, nil
	case int64, float64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: unsupported array element type %T", perr.ErrInvalidArgument, zero)
	}
}

func encodeArray[T any](vs []T) ([]byte, error) {
	width, err := elemWidth[T]()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(vs)*width)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vs)))
	off := 4
	for _, v := range vs {
		switch width {
		case 2:
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(any(v).(int16)))
		case 4:
			switch x := any(v).(type) {
			case int32:
				binary.LittleEndian.PutUint32(buf[off:off+4], uint32(x))
			case float32:
				binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(x))
			}
		case 8:
			switch x := any(v).(type) {
			case int64:
				binary.LittleEndian.PutUint64(buf[off:off+8], uint64(x))
			case float64:
				binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(x))
			}
		}
		off += width
	}
	return buf, nil
}

func decodeArray[T any](raw []byte) ([]T, error) {
	width, err := elemWidth[T]()
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: truncated property array", perr.ErrFormat)
	}
	n := int(binary.LittleEndian.Uint32(raw[0:4]))
	out := make([]T, 0, n)
	off := 4
	for i := 0; i < n; i++ {
		if off+width > len(raw) {
			return nil, fmt.Errorf("%w: truncated property array element %d", perr.ErrFormat, i)
		}
		var v T
		switch width {
		case 2:
			v = any(int16(binary.LittleEndian.Uint16(raw[off : off+2]))).(T)
		case 4:
			var zero T
			switch any(zero).(type) {
			case int32:
				v = any(int32(binary.LittleEndian.Uint32(raw[off : off+4]))).(T)
			case float32:
				v = any(math.Float32frombits(binary.LittleEndian.Uint32(raw[off : off+4]))).(T)
			}
		case 8:
			var zero T
			switch any(zero).(type) {
			case int64:
				v = any(int64(binary.LittleEndian.Uint64(raw[off : off+8]))).(T)
			case float64:
				v = any(math.Float64frombits(binary.LittleEndian.Uint64(raw[off : off+8]))).(T)
			}
		}
		out = append(out, v)
		off += width
	}
	return out, nil
}
