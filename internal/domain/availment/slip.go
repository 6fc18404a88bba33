package availment

import (
	"time"
)

// Slip is a persisted availment record. Patient fields are copied from the
// prescription at creation time; a slip is written once and never updated.
type Slip struct {
	ID                string
	PrescriptionID    string
	PharmacistID      string
	FacilityName      string
	AccreditationNo   string
	TransactionNo     string
	UPSC              string
	Date              string
	PatientName       string
	Age               *int
	Sex               string
	PIN               string
	ContactNo         string
	Total             float64
	AmountCovered     float64
	RemainingCoverage float64
	CreatedAt         time.Time
}

// Item is one persisted dispensing line. Price is the line total,
// unit price times quantity dispensed, fixed at creation.
type Item struct {
	ID                string
	SlipID            string
	LineNo            int
	GenericName       string
	DosageStrength    string
	DrugFormulation   string
	UnitPrice         float64
	QuantityDispensed int
	Price             float64
}

// CommittedEvent is published after a fill commits. It feeds the stock
// monitor and anything else interested in dispense activity.
type CommittedEvent struct {
	SlipID         string          `json:"slip_id"`
	PrescriptionID string          `json:"prescription_id"`
	RxCode         string          `json:"rx_code"`
	PharmacistID   string          `json:"pharmacist_id"`
	FacilityName   string          `json:"facility_name"`
	Total          float64         `json:"total"`
	Dispensed      []DispensedDrug `json:"dispensed"`
	CommittedAt    time.Time       `json:"committed_at"`
}

// DispensedDrug records one attempted stock decrement and whether it applied.
type DispensedDrug struct {
	MedicineID string `json:"medicine_id"`
	Quantity   int    `json:"quantity"`
	Applied    bool   `json:"applied"`
}
