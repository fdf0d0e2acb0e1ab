// Package tc implements the table context: a rectangular row/column store
// used for folder contents and similar tabular data, backed by a row
// index BTH, a column descriptor array, and a row matrix.
package tc

import (
	"encoding/binary"
	"fmt"

	"github.com/pstkit/pstkit/pkg/bth"
	"github.com/pstkit/pstkit/pkg/heap"
	"github.com/pstkit/pstkit/pkg/perr"
)

// CellType distinguishes fixed-width columns (stored inline in the row
// stride) from variable-width columns (stored as a heap/subnode reference).
type CellType uint8

const (
	CellFixed1 CellType = iota // 1 byte, e.g. bool
	CellFixed2                 // 2 bytes, e.g. int16
	CellFixed4                 // 4 bytes, e.g. int32, float32
	CellFixed8                 // 8 bytes, e.g. int64, float64
	CellWide                   // 4-byte hid_or_nid reference into the TC's heap
)

func (c CellType) width() int {
	switch c {
	case CellFixed1:
		return 1
	case CellFixed2:
		return 2
	case CellFixed4:
		return 4
	case CellFixed8:
		return 8
	case CellWide:
		return 4
	default:
		return 0
	}
}

// ColumnDescriptor describes one column of the table.
type ColumnDescriptor struct {
	PropID uint16
	Type   CellType
	Offset int // byte offset within a row's fixed region
	Width  int
}

// inlineThreshold is the row-matrix size above which UsesSubnode reports
// true. Table keeps its rows in memory either way; it never writes the row
// matrix into a heap item or a subnode.
const inlineThreshold = heap.PageSize

// Table is a row/column store over a fixed set of columns.
type Table struct {
	h       *heap.Heap
	rowIdx  *bth.BTH[uint32, uint32] // row_id -> row number
	columns []ColumnDescriptor
	stride  int // bytes per row, including the existence bitmap
	rows    [][]byte
	nextRow uint32
}

// New creates an empty table with no columns.
func New() (*Table, error) {
	h := heap.New()
	idx, err := bth.New(h, bth.Uint32Codec, bth.Uint32Codec, bth.Uint32Less)
	if err != nil {
		return nil, err
	}
	return &Table{h: h, rowIdx: idx}, nil
}

func bitmapBytes(ncols int) int { return (ncols + 7) / 8 }

// AddColumn appends a new column, widening every existing row's stride and
// initializing the new column's existence bit to unset for all rows.
func (tc *Table) AddColumn(pid uint16, typ CellType) {
	width := typ.width()
	col := ColumnDescriptor{PropID: pid, Type: typ, Offset: tc.fixedRegionSize(), Width: width}
	tc.columns = append(tc.columns, col)

	newStride := tc.fixedRegionSize() + bitmapBytes(len(tc.columns))
	for i, row := range tc.rows {
		widened := make([]byte, newStride)
		copy(widened, row[:tc.fixedRegionSizeExcluding(len(tc.columns)-1)])
		// carry over the existence bitmap bits for prior columns
		oldBitmapOff := tc.fixedRegionSizeExcluding(len(tc.columns) - 1)
		newBitmapOff := tc.fixedRegionSize()
		copy(widened[newBitmapOff:], row[oldBitmapOff:])
		tc.rows[i] = widened
	}
	tc.stride = newStride
}

func (tc *Table) fixedRegionSize() int {
	size := 0
	for _, c := range tc.columns {
		size += c.Width
	}
	return size
}

func (tc *Table) fixedRegionSizeExcluding(n int) int {
	size := 0
	for _, c := range tc.columns[:n] {
		size += c.Width
	}
	return size
}

func (tc *Table) columnIndex(pid uint16) (int, error) {
	for i, c := range tc.columns {
		if c.PropID == pid {
			return i, nil
		}
	}
	return 0, perr.NotFound[uint16](pid)
}

// AddRow allocates a new row for rowID, appending it to the matrix.
func (tc *Table) AddRow(rowID uint32) error {
	if _, ok, _ := tc.rowIdx.Get(rowID); ok {
		return perr.Duplicate[uint32](rowID)
	}
	row := make([]byte, tc.stride)
	rowNum := uint32(len(tc.rows))
	tc.rows = append(tc.rows, row)
	return tc.rowIdx.Insert(rowID, rowNum)
}

func (tc *Table) rowNumber(rowID uint32) (uint32, error) {
	n, ok, err := tc.rowIdx.Get(rowID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, perr.NotFound[uint32](rowID)
	}
	return n, nil
}

// DeleteRow removes rowID by swapping the last row into its slot and
// shrinking the matrix, then updating the row index.
func (tc *Table) DeleteRow(rowID uint32) error {
	n, err := tc.rowNumber(rowID)
	if err != nil {
		return err
	}
	last := uint32(len(tc.rows) - 1)
	if n != last {
		tc.rows[n] = tc.rows[last]
		// find whichever row_id currently maps to `last` and repoint it at n
		var movedID uint32
		var found bool
		tc.rowIdx.Scan(func(id uint32, num uint32) bool {
			if num == last {
				movedID, found = id, true
				return false
			}
			return true
		})
		if found {
			tc.rowIdx.Insert(movedID, n)
		}
	}
	tc.rows = tc.rows[:last]
	_, err = tc.rowIdx.Delete(rowID)
	return err
}

func (tc *Table) existenceBit(row []byte, colIdx int) bool {
	off := tc.fixedRegionSize() + colIdx/8
	return row[off]&(1<<uint(colIdx%8)) != 0
}

func (tc *Table) setExistenceBit(row []byte, colIdx int, set bool) {
	off := tc.fixedRegionSize() + colIdx/8
	mask := byte(1 << uint(colIdx%8))
	if set {
		row[off] |= mask
	} else {
		row[off] &^= mask
	}
}

// SetCellValue writes a fixed-width cell. v must be exactly the column's
// width in bytes.
func (tc *Table) SetCellValue(rowID uint32, pid uint16, v []byte) error {
	n, err := tc.rowNumber(rowID)
	if err != nil {
		return err
	}
	ci, err := tc.columnIndex(pid)
	if err != nil {
		return err
	}
	col := tc.columns[ci]
	if col.Type == CellWide {
		return fmt.Errorf("%w: property %d is a wide column, use WriteCell", perr.ErrInvalidArgument, pid)
	}
	if len(v) != col.Width {
		return fmt.Errorf("%w: expected %d bytes for property %d, got %d", perr.ErrInvalidArgument, col.Width, pid, len(v))
	}
	row := tc.rows[n]
	copy(row[col.Offset:col.Offset+col.Width], v)
	tc.setExistenceBit(row, ci, true)
	return nil
}

// GetCellValue reads a fixed-width cell's raw bytes. A missing existence
// bit reports key_not_found<prop_id>.
func (tc *Table) GetCellValue(rowID uint32, pid uint16) ([]byte, error) {
	n, err := tc.rowNumber(rowID)
	if err != nil {
		return nil, err
	}
	ci, err := tc.columnIndex(pid)
	if err != nil {
		return nil, err
	}
	col := tc.columns[ci]
	row := tc.rows[n]
	if !tc.existenceBit(row, ci) {
		return nil, perr.NotFound[uint16](pid)
	}
	return append([]byte(nil), row[col.Offset:col.Offset+col.Width]...), nil
}

// WriteCell stores data for a wide column, replacing whatever was
// previously referenced by that cell.
func (tc *Table) WriteCell(rowID uint32, pid uint16, data []byte) error {
	n, err := tc.rowNumber(rowID)
	if err != nil {
		return err
	}
	ci, err := tc.columnIndex(pid)
	if err != nil {
		return err
	}
	col := tc.columns[ci]
	if col.Type != CellWide {
		return fmt.Errorf("%w: property %d is a fixed column, use SetCellValue", perr.ErrInvalidArgument, pid)
	}
	row := tc.rows[n]
	var hid heap.HID
	if tc.existenceBit(row, ci) {
		existing := heap.HID(binary.LittleEndian.Uint32(row[col.Offset : col.Offset+4]))
		hid, err = tc.h.ReAllocateHeapItem(existing, data)
	} else {
		hid, err = tc.h.AllocateHeapItem(data)
	}
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(row[col.Offset:col.Offset+4], uint32(hid))
	tc.setExistenceBit(row, ci, true)
	return nil
}

// ReadCell reads a wide column's referenced payload.
func (tc *Table) ReadCell(rowID uint32, pid uint16) ([]byte, error) {
	n, err := tc.rowNumber(rowID)
	if err != nil {
		return nil, err
	}
	ci, err := tc.columnIndex(pid)
	if err != nil {
		return nil, err
	}
	col := tc.columns[ci]
	row := tc.rows[n]
	if !tc.existenceBit(row, ci) {
		return nil, perr.NotFound[uint16](pid)
	}
	hid := heap.HID(binary.LittleEndian.Uint32(row[col.Offset : col.Offset+4]))
	return tc.h.Read(hid)
}

// DeleteCellValue clears a cell's existence bit and, for wide columns,
// frees its referenced storage.
func (tc *Table) DeleteCellValue(rowID uint32, pid uint16) error {
	n, err := tc.rowNumber(rowID)
	if err != nil {
		return err
	}
	ci, err := tc.columnIndex(pid)
	if err != nil {
		return err
	}
	col := tc.columns[ci]
	row := tc.rows[n]
	if !tc.existenceBit(row, ci) {
		return nil
	}
	if col.Type == CellWide {
		hid := heap.HID(binary.LittleEndian.Uint32(row[col.Offset : col.Offset+4]))
		if err := tc.h.FreeHeapItem(hid); err != nil {
			return err
		}
	}
	tc.setExistenceBit(row, ci, false)
	return nil
}

// RowCount returns the number of live rows.
func (tc *Table) RowCount() int { return len(tc.rows) }

// UsesSubnode reports whether the row matrix has grown past the inline
// threshold and should be stored in a dedicated subnode rather than an
// inline heap item.
func (tc *Table) UsesSubnode() bool { return tc.stride*len(tc.rows) > inlineThreshold }
