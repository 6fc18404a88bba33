// Package availment implements the prescription fill workflow: the pharmacist
// form, line computation, the availment slip, and the commit sequence.
package availment

import (
	"strconv"
	"strings"

	"github.com/gamotclinic/dispense/internal/domain/prescription"
)

// FormHeader carries the editable slip header. Every field arrives as
// free text; amounts are parsed at commit time and default to zero when
// blank or invalid.
type FormHeader struct {
	FacilityName      string
	AccreditationNo   string
	TransactionNo     string
	UPSC              string
	Date              string
	ContactNo         string
	AmountCovered     string
	RemainingCoverage string
}

// FormLine is one editable dispensing line, seeded from a prescription item.
// UnitPrice and QuantityDispensed are the two fields the pharmacist types
// into; the rest is carried along for display and denormalization.
type FormLine struct {
	LineNo            int
	MedicineID        string
	GenericName       string
	DosageStrength    string
	DosageForm        string
	Sig               string
	RxQuantity        *int
	UnitPrice         string
	QuantityDispensed string
}

// SeedLines builds the form lines from loaded prescription items, preserving
// line order. Unit price starts blank and quantity dispensed defaults to the
// prescribed quantity.
func SeedLines(items []*prescription.Item) []FormLine {
	lines := make([]FormLine, 0, len(items))
	for _, it := range items {
		line := FormLine{
			LineNo:         it.LineNo,
			MedicineID:     it.MedicineID,
			GenericName:    it.GenericName,
			DosageStrength: it.DosageStrength,
			DosageForm:     it.DosageForm,
			Sig:            it.Sig,
			RxQuantity:     it.Quantity,
		}
		if it.Quantity != nil {
			line.QuantityDispensed = strconv.Itoa(*it.Quantity)
		}
		lines = append(lines, line)
	}
	return lines
}

// LineRow is a computed, retained dispensing line ready to persist.
type LineRow struct {
	LineNo            int
	GenericName       string
	DosageStrength    string
	DrugFormulation   string
	UnitPrice         float64
	QuantityDispensed int
	Price             float64
}

// DispenseLine is a stock decrement to attempt: one per original form line
// that references a medicine and has a positive dispensed quantity. These are
// taken from the unfiltered lines, independent of which rows are retained.
type DispenseLine struct {
	MedicineID string
	Quantity   int
}

// Computation is the result of evaluating the form at commit time.
type Computation struct {
	Rows              []LineRow
	Total             float64
	AmountCovered     float64
	RemainingCoverage float64
	Dispense          []DispenseLine
}

// Compute evaluates the form: parses each line's unit price and quantity
// (defaulting to zero on blank or invalid input), computes line totals, drops
// lines where both are zero, renumbers the survivors 1..N in original order,
// and sums the slip total. It also collects the stock decrements to attempt.
func Compute(header FormHeader, lines []FormLine) *Computation {
	comp := &Computation{}

	for _, line := range lines {
		unit := parsePrice(line.UnitPrice)
		qty := parseQty(line.QuantityDispensed)

		if line.MedicineID != "" && qty > 0 {
			comp.Dispense = append(comp.Dispense, DispenseLine{
				MedicineID: line.MedicineID,
				Quantity:   qty,
			})
		}

		// A line with no price and no quantity was not dispensed.
		if unit == 0 && qty == 0 {
			continue
		}

		row := LineRow{
			LineNo:            len(comp.Rows) + 1,
			GenericName:       line.GenericName,
			DosageStrength:    line.DosageStrength,
			DrugFormulation:   line.DosageForm,
			UnitPrice:         unit,
			QuantityDispensed: qty,
			Price:             unit * float64(qty),
		}
		comp.Rows = append(comp.Rows, row)
		comp.Total += row.Price
	}

	comp.AmountCovered = parsePrice(header.AmountCovered)
	comp.RemainingCoverage = parsePrice(header.RemainingCoverage)
	return comp
}

// parsePrice reads a non-negative decimal, defaulting to zero.
func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// parseQty reads a non-negative integer, defaulting to zero.
func parseQty(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
