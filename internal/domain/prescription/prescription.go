// Package prescription holds prescriptions and their medicine lines.
package prescription

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Status is the prescription lifecycle. A prescription is created NEW and the
// fill workflow moves it to FILLED; nothing ever deletes one.
type Status string

const (
	StatusNew    Status = "NEW"
	StatusFilled Status = "FILLED"
)

// Prescription is the header a physician writes for a beneficiary.
type Prescription struct {
	ID              string
	RxCode          string
	PhysicianID     string
	PhysicianName   string
	Date            string
	UPSC            string
	BeneficiaryName string
	Age             *int
	Sex             string
	Address         string
	Diagnosis       string
	PIN             string
	FollowUpDate    string
	Status          Status
	CreatedAt       time.Time
}

// Item is one medicine line. Line numbers are 1-based, unique within the
// prescription, and carry presentation order. Items never change once written.
type Item struct {
	ID             string
	PrescriptionID string
	LineNo         int
	MedicineID     string
	GenericName    string
	DosageStrength string
	DosageForm     string
	Sig            string
	Quantity       *int
}

// Empty reports whether a drafted line carries no content at all. Such lines
// are dropped before the prescription is saved.
func (i *Item) Empty() bool {
	return i.GenericName == "" && i.DosageStrength == "" && i.Sig == "" &&
		(i.Quantity == nil || *i.Quantity == 0)
}

// NewRxCode generates a prescription code of the form RX-<year>-NNNNNN.
func NewRxCode(now time.Time) string {
	return fmt.Sprintf("RX-%d-%06d", now.Year(), rand.Intn(1_000_000))
}

// SearchTerm normalizes a free-text query for the ILIKE search.
func SearchTerm(raw string) string {
	return strings.TrimSpace(raw)
}
