package availment

import (
	"testing"

	"github.com/gamotclinic/dispense/internal/domain/prescription"
)

func intPtr(v int) *int { return &v }

func TestComputeParsesAndTotals(t *testing.T) {
	header := FormHeader{AmountCovered: "150.50", RemainingCoverage: "349.50"}
	lines := []FormLine{
		{LineNo: 1, MedicineID: "med-1", GenericName: "Amlodipine", UnitPrice: "10.00", QuantityDispensed: "30"},
		{LineNo: 2, MedicineID: "med-2", GenericName: "Metformin", UnitPrice: "2.50", QuantityDispensed: "60"},
	}

	comp := Compute(header, lines)

	if len(comp.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(comp.Rows))
	}
	if comp.Rows[0].Price != 300 {
		t.Errorf("line 1 price = %v, want 300", comp.Rows[0].Price)
	}
	if comp.Rows[1].Price != 150 {
		t.Errorf("line 2 price = %v, want 150", comp.Rows[1].Price)
	}
	if comp.Total != 450 {
		t.Errorf("total = %v, want 450", comp.Total)
	}
	if comp.AmountCovered != 150.50 {
		t.Errorf("amount covered = %v, want 150.50", comp.AmountCovered)
	}
	if comp.RemainingCoverage != 349.50 {
		t.Errorf("remaining coverage = %v, want 349.50", comp.RemainingCoverage)
	}
}

func TestComputeInvalidInputDefaultsToZero(t *testing.T) {
	header := FormHeader{AmountCovered: "abc", RemainingCoverage: ""}
	lines := []FormLine{
		// Blank unit price: quantity keeps the line, price contribution is zero.
		{LineNo: 1, GenericName: "Amlodipine", UnitPrice: "", QuantityDispensed: "30"},
		// Garbage quantity: unit price keeps the line.
		{LineNo: 2, GenericName: "Metformin", UnitPrice: "5.00", QuantityDispensed: "abc"},
		// Negative values are treated as invalid, so both parse to zero and
		// the line is dropped.
		{LineNo: 3, GenericName: "Losartan", UnitPrice: "-4", QuantityDispensed: "-2"},
	}

	comp := Compute(header, lines)

	if len(comp.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(comp.Rows))
	}
	if comp.Rows[0].UnitPrice != 0 || comp.Rows[0].QuantityDispensed != 30 {
		t.Errorf("row 1 = (%v, %d), want (0, 30)", comp.Rows[0].UnitPrice, comp.Rows[0].QuantityDispensed)
	}
	if comp.Rows[1].UnitPrice != 5 || comp.Rows[1].QuantityDispensed != 0 {
		t.Errorf("row 2 = (%v, %d), want (5, 0)", comp.Rows[1].UnitPrice, comp.Rows[1].QuantityDispensed)
	}
	if comp.Total != 0 {
		t.Errorf("total = %v, want 0", comp.Total)
	}
	if comp.AmountCovered != 0 {
		t.Errorf("amount covered = %v, want 0", comp.AmountCovered)
	}
}

func TestComputeDropsAndRenumbers(t *testing.T) {
	lines := []FormLine{
		{LineNo: 1, GenericName: "Amlodipine", UnitPrice: "10", QuantityDispensed: "30"},
		{LineNo: 2, GenericName: "Metformin", UnitPrice: "", QuantityDispensed: ""},
		{LineNo: 3, GenericName: "Losartan", UnitPrice: "8", QuantityDispensed: "28"},
	}

	comp := Compute(FormHeader{}, lines)

	if len(comp.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(comp.Rows))
	}
	if comp.Rows[0].LineNo != 1 || comp.Rows[0].GenericName != "Amlodipine" {
		t.Errorf("row 1 = (%d, %s)", comp.Rows[0].LineNo, comp.Rows[0].GenericName)
	}
	if comp.Rows[1].LineNo != 2 || comp.Rows[1].GenericName != "Losartan" {
		t.Errorf("row 2 = (%d, %s), want renumbered Losartan", comp.Rows[1].LineNo, comp.Rows[1].GenericName)
	}
}

func TestComputeDispenseFromUnfilteredLines(t *testing.T) {
	lines := []FormLine{
		// Retained and dispensed.
		{LineNo: 1, MedicineID: "med-1", UnitPrice: "10", QuantityDispensed: "30"},
		// Zero price, positive quantity: row is retained and stock moves.
		{LineNo: 2, MedicineID: "med-2", UnitPrice: "", QuantityDispensed: "5"},
		// No medicine reference: never a decrement.
		{LineNo: 3, MedicineID: "", UnitPrice: "4", QuantityDispensed: "2"},
		// Zero quantity: never a decrement.
		{LineNo: 4, MedicineID: "med-4", UnitPrice: "9", QuantityDispensed: "0"},
	}

	comp := Compute(FormHeader{}, lines)

	if len(comp.Dispense) != 2 {
		t.Fatalf("expected 2 dispense lines, got %d", len(comp.Dispense))
	}
	if comp.Dispense[0].MedicineID != "med-1" || comp.Dispense[0].Quantity != 30 {
		t.Errorf("dispense 1 = %+v", comp.Dispense[0])
	}
	if comp.Dispense[1].MedicineID != "med-2" || comp.Dispense[1].Quantity != 5 {
		t.Errorf("dispense 2 = %+v", comp.Dispense[1])
	}
}

func TestSeedLines(t *testing.T) {
	items := []*prescription.Item{
		{LineNo: 1, MedicineID: "med-1", GenericName: "Amlodipine", DosageStrength: "10mg", Sig: "OD", Quantity: intPtr(30)},
		{LineNo: 2, GenericName: "Metformin", DosageStrength: "500mg", Sig: "BID"},
	}

	lines := SeedLines(items)

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].UnitPrice != "" {
		t.Errorf("unit price should seed blank, got %q", lines[0].UnitPrice)
	}
	if lines[0].QuantityDispensed != "30" {
		t.Errorf("quantity dispensed = %q, want prescribed quantity", lines[0].QuantityDispensed)
	}
	if lines[1].QuantityDispensed != "" {
		t.Errorf("quantity dispensed = %q, want blank for nil quantity", lines[1].QuantityDispensed)
	}
}
