// Package inventory manages medicine stock per GAMOT facility.
package inventory

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an inventory record does not exist.
	ErrNotFound = errors.New("inventory record not found")
	// ErrNegativeStock is returned when an adjustment would take the stored
	// quantity below zero. Nothing is persisted in that case.
	ErrNegativeStock = errors.New("resulting stock cannot be negative")
	// ErrZeroDelta is returned for a no-op adjustment.
	ErrZeroDelta = errors.New("adjustment delta is zero")
)

// Record is one facility's stock of one medicine. Quantity never goes
// negative; both the adjuster and the fill workflow enforce the same floor.
type Record struct {
	ID           string
	MedicineID   string
	FacilityName string
	Quantity     int
	UpdatedAt    time.Time
}

// Medicine is reference data, read-only from the dispensing workflows.
type Medicine struct {
	ID          string
	Name        string
	Preparation string
	Active      bool
}

// Apply computes quantity+delta, refusing a zero delta or a negative result.
func Apply(quantity, delta int) (int, error) {
	if delta == 0 {
		return 0, ErrZeroDelta
	}
	next := quantity + delta
	if next < 0 {
		return 0, ErrNegativeStock
	}
	return next, nil
}
