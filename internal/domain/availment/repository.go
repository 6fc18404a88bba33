package availment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gamotclinic/dispense/internal/domain/prescription"
	"github.com/gamotclinic/dispense/internal/infrastructure/postgres"
	"github.com/gamotclinic/dispense/internal/infrastructure/redpanda"
)

// ErrSlipNotFound is returned when an availment slip does not exist.
var ErrSlipNotFound = errors.New("availment slip not found")

// Repository is the pgx-backed Store plus the slip read side.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates an availment repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Begin opens a fill transaction.
func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgxTx{tx: tx}, nil
}

// pgxTx implements Tx over a single pgx transaction.
type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) InsertSlip(ctx context.Context, s *Slip) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO availment_slips
		(id, prescription_id, pharmacist_id, gamot_facility_name,
		 gamot_accreditation_no, transaction_number, upsc, date,
		 patient_name, age, sex, pin, contact_no,
		 total, amount_covered, remaining_coverage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at
	`
	err := t.tx.QueryRow(ctx, query,
		s.ID, s.PrescriptionID, s.PharmacistID, s.FacilityName,
		s.AccreditationNo, s.TransactionNo, s.UPSC, nilIfEmpty(s.Date),
		s.PatientName, s.Age, s.Sex, s.PIN, s.ContactNo,
		s.Total, s.AmountCovered, s.RemainingCoverage,
	).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert availment slip: %w", err)
	}
	return nil
}

func (t *pgxTx) InsertItems(ctx context.Context, items []*Item) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO availment_items
		(id, availment_slip_id, line_no, generic_name, dosage_strength,
		 drug_formulation, unit_price, quantity_dispensed, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		batch.Queue(query,
			it.ID, it.SlipID, it.LineNo, it.GenericName, it.DosageStrength,
			it.DrugFormulation, it.UnitPrice, it.QuantityDispensed, it.Price,
		)
	}

	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert availment items: %w", err)
		}
	}
	return results.Close()
}

func (t *pgxTx) DecrementStock(ctx context.Context, medicineID, facility string, qty int) (bool, error) {
	// Conditional decrement: the WHERE clause is the floor. No read-then-write,
	// so concurrent fills of the same medicine cannot drive stock negative.
	query := `
		UPDATE inventory
		SET quantity_available = quantity_available - $1
		WHERE medicine_id = $2
		  AND gamot_facility_name = $3
		  AND quantity_available >= $1
	`
	tag, err := t.tx.Exec(ctx, query, qty, medicineID, facility)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgxTx) MarkFilled(ctx context.Context, prescriptionID string) error {
	return prescription.MarkFilled(ctx, t.tx, prescriptionID)
}

func (t *pgxTx) WriteEvent(ctx context.Context, e *CommittedEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   e.SlipID,
		AggregateType: "AvailmentSlip",
		EventType:     "AvailmentCommitted",
		Payload:       payload,
		Topic:         redpanda.TopicAvailmentCommitted,
		Key:           e.PrescriptionID,
	}
	if err := postgres.WriteEntry(ctx, t.tx, entry); err != nil {
		return err
	}

	// A slim companion event for consumers that only care about the
	// status transition.
	filled, err := json.Marshal(map[string]interface{}{
		"prescription_id": e.PrescriptionID,
		"rx_code":         e.RxCode,
		"slip_id":         e.SlipID,
		"filled_at":       e.CommittedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal filled event: %w", err)
	}
	return postgres.WriteEntry(ctx, t.tx, &postgres.OutboxEntry{
		AggregateID:   e.PrescriptionID,
		AggregateType: "Prescription",
		EventType:     "PrescriptionFilled",
		Payload:       filled,
		Topic:         redpanda.TopicPrescriptionFilled,
		Key:           e.PrescriptionID,
	})
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// Get fetches a slip by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Slip, error) {
	s := &Slip{}
	var date *string

	query := `
		SELECT id, prescription_id, pharmacist_id, gamot_facility_name,
		       gamot_accreditation_no, transaction_number, upsc, date,
		       patient_name, age, sex, pin, contact_no,
		       total, amount_covered, remaining_coverage, created_at
		FROM availment_slips
		WHERE id = $1
	`
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.PrescriptionID, &s.PharmacistID, &s.FacilityName,
		&s.AccreditationNo, &s.TransactionNo, &s.UPSC, &date,
		&s.PatientName, &s.Age, &s.Sex, &s.PIN, &s.ContactNo,
		&s.Total, &s.AmountCovered, &s.RemainingCoverage, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlipNotFound
		}
		return nil, fmt.Errorf("fetch slip: %w", err)
	}
	if date != nil {
		s.Date = *date
	}
	return s, nil
}

// ItemsBySlip fetches a slip's lines ordered by line number.
func (r *Repository) ItemsBySlip(ctx context.Context, slipID string) ([]*Item, error) {
	query := `
		SELECT id, availment_slip_id, line_no, generic_name, dosage_strength,
		       drug_formulation, unit_price, quantity_dispensed, price
		FROM availment_items
		WHERE availment_slip_id = $1
		ORDER BY line_no ASC
	`
	rows, err := r.pool.Query(ctx, query, slipID)
	if err != nil {
		return nil, fmt.Errorf("query slip items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it := &Item{}
		err := rows.Scan(
			&it.ID, &it.SlipID, &it.LineNo, &it.GenericName, &it.DosageStrength,
			&it.DrugFormulation, &it.UnitPrice, &it.QuantityDispensed, &it.Price,
		)
		if err != nil {
			return nil, fmt.Errorf("scan slip item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListByPharmacist returns slips recorded by a pharmacist, newest first.
func (r *Repository) ListByPharmacist(ctx context.Context, pharmacistID string, limit int) ([]*Slip, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, prescription_id, pharmacist_id, gamot_facility_name,
		       transaction_number, patient_name, total, created_at
		FROM availment_slips
		WHERE pharmacist_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, pharmacistID, limit)
	if err != nil {
		return nil, fmt.Errorf("list slips: %w", err)
	}
	defer rows.Close()

	var slips []*Slip
	for rows.Next() {
		s := &Slip{}
		err := rows.Scan(
			&s.ID, &s.PrescriptionID, &s.PharmacistID, &s.FacilityName,
			&s.TransactionNo, &s.PatientName, &s.Total, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan slip: %w", err)
		}
		slips = append(slips, s)
	}
	return slips, rows.Err()
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
