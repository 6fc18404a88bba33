package availment

import (
	"context"
	"errors"
	"testing"

	"github.com/gamotclinic/dispense/internal/domain/prescription"
)

type fakeTx struct {
	slip       *Slip
	items      []*Item
	decrements []DispenseLine
	filledID   string
	event      *CommittedEvent
	committed  bool
	rolledBack bool

	failInsertSlip  error
	failInsertItems error
	failMarkFilled  error
	failWriteEvent  error
	decrementErr    map[string]error
	decrementMiss   map[string]bool
}

func (t *fakeTx) InsertSlip(_ context.Context, s *Slip) error {
	if t.failInsertSlip != nil {
		return t.failInsertSlip
	}
	s.ID = "slip-1"
	t.slip = s
	return nil
}

func (t *fakeTx) InsertItems(_ context.Context, items []*Item) error {
	if t.failInsertItems != nil {
		return t.failInsertItems
	}
	t.items = items
	return nil
}

func (t *fakeTx) DecrementStock(_ context.Context, medicineID, _ string, qty int) (bool, error) {
	if err := t.decrementErr[medicineID]; err != nil {
		return false, err
	}
	if t.decrementMiss[medicineID] {
		return false, nil
	}
	t.decrements = append(t.decrements, DispenseLine{MedicineID: medicineID, Quantity: qty})
	return true, nil
}

func (t *fakeTx) MarkFilled(_ context.Context, prescriptionID string) error {
	if t.failMarkFilled != nil {
		return t.failMarkFilled
	}
	t.filledID = prescriptionID
	return nil
}

func (t *fakeTx) WriteEvent(_ context.Context, e *CommittedEvent) error {
	if t.failWriteEvent != nil {
		return t.failWriteEvent
	}
	t.event = e
	return nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeStore struct {
	tx *fakeTx
}

func (s *fakeStore) Begin(context.Context) (Tx, error) { return s.tx, nil }

func testRx() *prescription.Prescription {
	return &prescription.Prescription{
		ID:              "rx-1",
		RxCode:          "RX-2026-000123",
		BeneficiaryName: "Juan Dela Cruz",
		Age:             intPtr(54),
		Sex:             "M",
		PIN:             "01-23456789-0",
		Status:          prescription.StatusNew,
	}
}

func testRequest() *CommitRequest {
	return &CommitRequest{
		Prescription: testRx(),
		PharmacistID: "pharm-1",
		Header: FormHeader{
			FacilityName:  "Central Pharmacy",
			AmountCovered: "100",
		},
		Lines: []FormLine{
			{LineNo: 1, MedicineID: "med-1", GenericName: "Amlodipine", UnitPrice: "10", QuantityDispensed: "30"},
			{LineNo: 2, MedicineID: "med-2", GenericName: "Metformin", UnitPrice: "2", QuantityDispensed: "60"},
		},
	}
}

func TestCommitSuccess(t *testing.T) {
	tx := &fakeTx{}
	c := NewCommitter(&fakeStore{tx: tx}, nil, nil)

	result, err := c.Commit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if !tx.committed {
		t.Error("transaction not committed")
	}
	if result.SlipID != "slip-1" {
		t.Errorf("slip ID = %q", result.SlipID)
	}
	if result.Total != 420 {
		t.Errorf("total = %v, want 420", result.Total)
	}
	if result.LineCount != 2 {
		t.Errorf("line count = %d, want 2", result.LineCount)
	}

	// Patient fields are denormalized from the prescription.
	if tx.slip.PatientName != "Juan Dela Cruz" || tx.slip.PIN != "01-23456789-0" {
		t.Errorf("slip patient fields = (%q, %q)", tx.slip.PatientName, tx.slip.PIN)
	}
	if tx.filledID != "rx-1" {
		t.Errorf("filled prescription = %q", tx.filledID)
	}
	if tx.event == nil {
		t.Fatal("committed event not staged")
	}
	if tx.event.RxCode != "RX-2026-000123" {
		t.Errorf("event rx code = %q", tx.event.RxCode)
	}
	if len(tx.decrements) != 2 {
		t.Errorf("decrements = %d, want 2", len(tx.decrements))
	}
}

func TestCommitNilPrescription(t *testing.T) {
	c := NewCommitter(&fakeStore{tx: &fakeTx{}}, nil, nil)

	_, err := c.Commit(context.Background(), &CommitRequest{})
	if !errors.Is(err, ErrNoPrescription) {
		t.Fatalf("err = %v, want ErrNoPrescription", err)
	}
}

func TestCommitSlipFailureLeavesNothing(t *testing.T) {
	tx := &fakeTx{failInsertSlip: errors.New("insert failed")}
	c := NewCommitter(&fakeStore{tx: tx}, nil, nil)

	if _, err := c.Commit(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}

	if tx.committed {
		t.Error("transaction committed after slip failure")
	}
	if !tx.rolledBack {
		t.Error("transaction not rolled back")
	}
	if tx.items != nil || tx.filledID != "" || tx.event != nil {
		t.Error("writes happened after slip failure")
	}
}

func TestCommitItemFailureRollsBackSlip(t *testing.T) {
	tx := &fakeTx{failInsertItems: errors.New("batch failed")}
	c := NewCommitter(&fakeStore{tx: tx}, nil, nil)

	if _, err := c.Commit(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}

	if tx.committed {
		t.Error("transaction committed after item failure")
	}
	if !tx.rolledBack {
		t.Error("transaction not rolled back")
	}
	if len(tx.decrements) != 0 {
		t.Error("stock moved after item failure")
	}
}

func TestCommitToleratesDecrementMisses(t *testing.T) {
	tx := &fakeTx{
		decrementMiss: map[string]bool{"med-1": true, "med-2": true},
	}
	c := NewCommitter(&fakeStore{tx: tx}, nil, nil)

	result, err := c.Commit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if !tx.committed {
		t.Error("transaction not committed")
	}
	if len(result.Dispensed) != 2 {
		t.Fatalf("dispensed = %d, want 2", len(result.Dispensed))
	}
	for _, d := range result.Dispensed {
		if d.Applied {
			t.Errorf("decrement %s reported applied", d.MedicineID)
		}
	}
	if tx.filledID != "rx-1" {
		t.Error("prescription not marked filled despite skipped decrements")
	}
}

func TestCommitDecrementErrorAborts(t *testing.T) {
	// A failed statement poisons a real transaction, so the committer
	// must stop at the first decrement error instead of writing through
	// an aborted tx.
	tx := &fakeTx{
		decrementErr: map[string]error{"med-1": errors.New("db hiccup")},
	}
	c := NewCommitter(&fakeStore{tx: tx}, nil, nil)

	if _, err := c.Commit(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}
	if tx.committed {
		t.Error("transaction committed after decrement error")
	}
	if !tx.rolledBack {
		t.Error("transaction not rolled back")
	}
	if tx.filledID != "" || tx.event != nil {
		t.Error("writes happened after decrement error")
	}
	if len(tx.decrements) != 0 {
		t.Error("stock moved despite error on first line")
	}
}

func TestCommitMarkFilledFailureAborts(t *testing.T) {
	tx := &fakeTx{failMarkFilled: errors.New("update failed")}
	c := NewCommitter(&fakeStore{tx: tx}, nil, nil)

	if _, err := c.Commit(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}
	if tx.committed {
		t.Error("transaction committed after status failure")
	}
}

func TestCommitEventFailureAborts(t *testing.T) {
	tx := &fakeTx{failWriteEvent: errors.New("outbox failed")}
	c := NewCommitter(&fakeStore{tx: tx}, nil, nil)

	if _, err := c.Commit(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}
	if tx.committed {
		t.Error("transaction committed after event failure")
	}
}
