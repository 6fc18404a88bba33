// Package integration provides end-to-end tests of the fill workflow.
package integration

import (
	"context"
	"testing"

	"github.com/gamotclinic/dispense/internal/domain/availment"
	"github.com/gamotclinic/dispense/internal/domain/prescription"
)

// memoryStore is an in-memory fill transaction for exercising the whole
// commit sequence without a database.
type memoryStore struct {
	tx *memoryTx
}

func (s *memoryStore) Begin(context.Context) (availment.Tx, error) { return s.tx, nil }

type memoryTx struct {
	stock     map[string]int
	slip      *availment.Slip
	items     []*availment.Item
	filled    []string
	events    []*availment.CommittedEvent
	committed bool
}

func (t *memoryTx) InsertSlip(_ context.Context, s *availment.Slip) error {
	s.ID = "slip-test"
	t.slip = s
	return nil
}

func (t *memoryTx) InsertItems(_ context.Context, items []*availment.Item) error {
	t.items = items
	return nil
}

func (t *memoryTx) DecrementStock(_ context.Context, medicineID, _ string, qty int) (bool, error) {
	have, ok := t.stock[medicineID]
	if !ok || have < qty {
		return false, nil
	}
	t.stock[medicineID] = have - qty
	return true, nil
}

func (t *memoryTx) MarkFilled(_ context.Context, prescriptionID string) error {
	t.filled = append(t.filled, prescriptionID)
	return nil
}

func (t *memoryTx) WriteEvent(_ context.Context, e *availment.CommittedEvent) error {
	t.events = append(t.events, e)
	return nil
}

func (t *memoryTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *memoryTx) Rollback(context.Context) error { return nil }

func TestFillFlow(t *testing.T) {
	qty30, qty10 := 30, 10
	rx := &prescription.Prescription{
		ID:              "rx-100",
		RxCode:          "RX-2026-000777",
		BeneficiaryName: "Ana Reyes",
		PIN:             "12-34567890-1",
		Status:          prescription.StatusNew,
	}
	items := []*prescription.Item{
		{LineNo: 1, MedicineID: "med-amlo", GenericName: "Amlodipine", DosageStrength: "10mg", Sig: "OD", Quantity: &qty30},
		{LineNo: 2, MedicineID: "med-metf", GenericName: "Metformin", DosageStrength: "500mg", Sig: "BID", Quantity: &qty10},
	}

	// The pharmacist prices both lines; metformin stock is short.
	lines := availment.SeedLines(items)
	lines[0].UnitPrice = "12.50"
	lines[1].UnitPrice = "3.00"

	tx := &memoryTx{stock: map[string]int{"med-amlo": 100, "med-metf": 5}}
	committer := availment.NewCommitter(&memoryStore{tx: tx}, nil, nil)

	result, err := committer.Commit(context.Background(), &availment.CommitRequest{
		Prescription: rx,
		PharmacistID: "pharm-7",
		Header:       availment.FormHeader{FacilityName: "Botika Central", AmountCovered: "300"},
		Lines:        lines,
	})
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	if !tx.committed {
		t.Fatal("transaction not committed")
	}
	if result.Total != 12.50*30+3.00*10 {
		t.Errorf("total = %v", result.Total)
	}
	if len(tx.items) != 2 {
		t.Fatalf("slip items = %d, want 2", len(tx.items))
	}

	// Amlodipine decremented, metformin skipped for short stock.
	if tx.stock["med-amlo"] != 70 {
		t.Errorf("amlodipine stock = %d, want 70", tx.stock["med-amlo"])
	}
	if tx.stock["med-metf"] != 5 {
		t.Errorf("metformin stock = %d, want untouched 5", tx.stock["med-metf"])
	}

	applied := map[string]bool{}
	for _, d := range result.Dispensed {
		applied[d.MedicineID] = d.Applied
	}
	if !applied["med-amlo"] || applied["med-metf"] {
		t.Errorf("applied flags = %v", applied)
	}

	// The short line still fills the prescription and stages the event.
	if len(tx.filled) != 1 || tx.filled[0] != "rx-100" {
		t.Errorf("filled = %v", tx.filled)
	}
	if len(tx.events) != 1 {
		t.Fatalf("events = %d, want 1", len(tx.events))
	}
	if tx.events[0].RxCode != "RX-2026-000777" {
		t.Errorf("event rx code = %q", tx.events[0].RxCode)
	}
	if tx.slip.PatientName != "Ana Reyes" {
		t.Errorf("slip patient = %q", tx.slip.PatientName)
	}
}
