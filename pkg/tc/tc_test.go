package tc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pstkit/pstkit/pkg/perr"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return tbl
}

func TestAddColumnThenAddRowSetGetCell(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn(1, CellFixed4)

	if err := tbl.AddRow(100); err != nil {
		t.Fatalf("add row: %v", err)
	}
	if err := tbl.SetCellValue(100, 1, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	got, err := tbl.GetCellValue(100, 1)
	if err != nil {
		t.Fatalf("get cell: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v", got)
	}
}

func TestGetCellValueMissingBitNotFound(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn(1, CellFixed4)
	tbl.AddRow(1)
	if _, err := tbl.GetCellValue(1, 1); !perr.IsNotFound(err) {
		t.Fatalf("expected not-found for unset cell, got %v", err)
	}
}

func TestAddRowDuplicateFails(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn(1, CellFixed1)
	if err := tbl.AddRow(5); err != nil {
		t.Fatalf("add row: %v", err)
	}
	err := tbl.AddRow(5)
	var dup *perr.DuplicateKeyError[uint32]
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestDeleteRowSwapsLastAndShrinks(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn(1, CellFixed4)
	tbl.AddRow(1)
	tbl.AddRow(2)
	tbl.AddRow(3)
	tbl.SetCellValue(1, 1, []byte{1, 0, 0, 0})
	tbl.SetCellValue(2, 1, []byte{2, 0, 0, 0})
	tbl.SetCellValue(3, 1, []byte{3, 0, 0, 0})

	if err := tbl.DeleteRow(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if tbl.RowCount() != 2 {
		t.Fatalf("expected 2 rows remaining, got %d", tbl.RowCount())
	}
	got2, err := tbl.GetCellValue(2, 1)
	if err != nil {
		t.Fatalf("get row 2: %v", err)
	}
	if !bytes.Equal(got2, []byte{2, 0, 0, 0}) {
		t.Fatalf("row 2 corrupted after delete: %v", got2)
	}
	got3, err := tbl.GetCellValue(3, 1)
	if err != nil {
		t.Fatalf("get row 3: %v", err)
	}
	if !bytes.Equal(got3, []byte{3, 0, 0, 0}) {
		t.Fatalf("row 3 corrupted after swap-delete: %v", got3)
	}
}

func TestAddColumnAfterRowsExistWidensExistingRows(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn(1, CellFixed4)
	tbl.AddRow(1)
	tbl.SetCellValue(1, 1, []byte{9, 9, 9, 9})

	tbl.AddColumn(2, CellFixed2)
	got1, err := tbl.GetCellValue(1, 1)
	if err != nil {
		t.Fatalf("get after widen: %v", err)
	}
	if !bytes.Equal(got1, []byte{9, 9, 9, 9}) {
		t.Fatalf("existing column value corrupted after widen: %v", got1)
	}
	if _, err := tbl.GetCellValue(1, 2); !perr.IsNotFound(err) {
		t.Fatalf("expected new column's cell to start unset, got %v", err)
	}
	if err := tbl.SetCellValue(1, 2, []byte{7, 7}); err != nil {
		t.Fatalf("set new column: %v", err)
	}
	got2, err := tbl.GetCellValue(1, 2)
	if err != nil || !bytes.Equal(got2, []byte{7, 7}) {
		t.Fatalf("got %v, %v", got2, err)
	}
}

func TestWriteCellThenReadCellWideColumn(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn(1, CellWide)
	tbl.AddRow(1)
	if err := tbl.WriteCell(1, 1, []byte("a long blob value")); err != nil {
		t.Fatalf("write cell: %v", err)
	}
	got, err := tbl.ReadCell(1, 1)
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if string(got) != "a long blob value" {
		t.Fatalf("got %q", got)
	}

	if err := tbl.WriteCell(1, 1, []byte("replacement")); err != nil {
		t.Fatalf("rewrite cell: %v", err)
	}
	got2, err := tbl.ReadCell(1, 1)
	if err != nil || string(got2) != "replacement" {
		t.Fatalf("got %q, %v", got2, err)
	}
}

func TestDeleteCellValueClearsAndFrees(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn(1, CellWide)
	tbl.AddRow(1)
	tbl.WriteCell(1, 1, []byte("data"))
	if err := tbl.DeleteCellValue(1, 1); err != nil {
		t.Fatalf("delete cell: %v", err)
	}
	if _, err := tbl.ReadCell(1, 1); !perr.IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}
