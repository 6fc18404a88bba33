package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gamotclinic/dispense/internal/infrastructure/postgres"
	"github.com/gamotclinic/dispense/internal/infrastructure/redpanda"
)

// Repository persists inventory records and medicine reference data.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates an inventory repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Get fetches an inventory record by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	rec := &Record{}
	query := `
		SELECT id, medicine_id, gamot_facility_name, quantity_available, updated_at
		FROM inventory
		WHERE id = $1
	`
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.MedicineID, &rec.FacilityName, &rec.Quantity, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch inventory: %w", err)
	}
	return rec, nil
}

// GetByMedicine fetches the inventory record keyed by (medicine, facility).
func (r *Repository) GetByMedicine(ctx context.Context, medicineID, facility string) (*Record, error) {
	rec := &Record{}
	query := `
		SELECT id, medicine_id, gamot_facility_name, quantity_available, updated_at
		FROM inventory
		WHERE medicine_id = $1 AND gamot_facility_name = $2
	`
	err := r.pool.QueryRow(ctx, query, medicineID, facility).Scan(
		&rec.ID, &rec.MedicineID, &rec.FacilityName, &rec.Quantity, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch inventory: %w", err)
	}
	return rec, nil
}

// StockRow is an inventory record joined with its medicine.
type StockRow struct {
	Record
	MedicineName string
	Preparation  string
}

// List returns a facility's stock joined with medicine names, ordered by
// medicine name. An empty facility lists everything.
func (r *Repository) List(ctx context.Context, facility string) ([]*StockRow, error) {
	query := `
		SELECT i.id, i.medicine_id, i.gamot_facility_name, i.quantity_available,
		       i.updated_at, m.name, m.preparation
		FROM inventory i
		JOIN medicines m ON m.id = i.medicine_id
		WHERE $1 = '' OR i.gamot_facility_name = $1
		ORDER BY m.name ASC
	`
	rows, err := r.pool.Query(ctx, query, facility)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()

	var out []*StockRow
	for rows.Next() {
		row := &StockRow{}
		err := rows.Scan(
			&row.ID, &row.MedicineID, &row.FacilityName, &row.Quantity,
			&row.UpdatedAt, &row.MedicineName, &row.Preparation,
		)
		if err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AdjustedEvent is staged for the outbox when a manual adjustment lands.
type AdjustedEvent struct {
	InventoryID  string    `json:"inventory_id"`
	MedicineID   string    `json:"medicine_id"`
	FacilityName string    `json:"facility_name"`
	Delta        int       `json:"delta"`
	Quantity     int       `json:"quantity_available"`
	AdjustedAt   time.Time `json:"adjusted_at"`
}

// Adjust applies a signed delta to a record's quantity and returns the new
// quantity. Apply validates the delta against the last-read quantity; the
// conditional UPDATE is the enforcement, so a concurrent decrement cannot
// sneak the quantity below zero between the read and the write. A rejected
// adjustment persists nothing. The adjusted event is staged in the same
// transaction.
func (r *Repository) Adjust(ctx context.Context, id string, delta int) (int, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if _, err := Apply(rec.Quantity, delta); err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE inventory
		SET quantity_available = quantity_available + $1, updated_at = NOW()
		WHERE id = $2
		  AND quantity_available + $1 >= 0
		RETURNING medicine_id, gamot_facility_name, quantity_available
	`
	event := AdjustedEvent{InventoryID: id, Delta: delta, AdjustedAt: time.Now().UTC()}
	err = tx.QueryRow(ctx, query, delta, id).Scan(&event.MedicineID, &event.FacilityName, &event.Quantity)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("adjust inventory: %w", err)
		}
		// Passed validation but missed the update: a concurrent writer
		// consumed the headroom first.
		return 0, ErrNegativeStock
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal adjusted event: %w", err)
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   id,
		AggregateType: "Inventory",
		EventType:     "InventoryAdjusted",
		Payload:       payload,
		Topic:         redpanda.TopicInventoryAdjusted,
		Key:           event.MedicineID,
	}
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("stage adjusted event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("stock adjusted",
		zap.String("inventory_id", id),
		zap.Int("delta", delta),
		zap.Int("quantity", event.Quantity))
	return event.Quantity, nil
}

// ListMedicines returns active medicines ordered by name.
func (r *Repository) ListMedicines(ctx context.Context) ([]*Medicine, error) {
	query := `
		SELECT id, name, preparation, active
		FROM medicines
		WHERE active
		ORDER BY name ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	defer rows.Close()

	var meds []*Medicine
	for rows.Next() {
		m := &Medicine{}
		if err := rows.Scan(&m.ID, &m.Name, &m.Preparation, &m.Active); err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}
