package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a prescription does not exist. Fetch errors on
// untrusted identifiers collapse into this too; the caller only ever sees
// "not found".
var ErrNotFound = errors.New("prescription not found")

// Repository persists prescriptions.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a prescription repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Create writes the header and its lines in one transaction. Fully empty
// drafted lines are dropped and the survivors renumbered 1..N in order,
// matching how the prescription form saves.
func (r *Repository) Create(ctx context.Context, p *Prescription, items []*Item) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.RxCode == "" {
		p.RxCode = NewRxCode(time.Now())
	}
	p.Status = StatusNew

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	header := `
		INSERT INTO prescriptions
		(id, rx_code, physician_id, physician_name, date, upsc,
		 beneficiary_name, age, sex, address, diagnosis, pin,
		 follow_up_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, header,
		p.ID, p.RxCode, p.PhysicianID, p.PhysicianName, p.Date, p.UPSC,
		p.BeneficiaryName, p.Age, p.Sex, p.Address, p.Diagnosis, p.PIN,
		nullable(p.FollowUpDate), p.Status,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	lineNo := 0
	for _, it := range items {
		if it.Empty() {
			continue
		}
		lineNo++
		it.ID = uuid.New().String()
		it.PrescriptionID = p.ID
		it.LineNo = lineNo

		line := `
			INSERT INTO prescription_items
			(id, prescription_id, line_no, medicine_id, generic_name,
			 dosage_strength, dosage_form, sig, quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		_, err := tx.Exec(ctx, line,
			it.ID, it.PrescriptionID, it.LineNo, nullable(it.MedicineID),
			it.GenericName, it.DosageStrength, nullable(it.DosageForm),
			it.Sig, it.Quantity,
		)
		if err != nil {
			return fmt.Errorf("insert item %d: %w", lineNo, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.String("rx_code", p.RxCode),
		zap.Int("lines", lineNo))
	return nil
}

// Get fetches a prescription by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Prescription, error) {
	p := &Prescription{}
	var followUp *string

	query := `
		SELECT id, rx_code, physician_id, physician_name, date, upsc,
		       beneficiary_name, age, sex, address, diagnosis, pin,
		       follow_up_date, status, created_at
		FROM prescriptions
		WHERE id = $1
	`
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.RxCode, &p.PhysicianID, &p.PhysicianName, &p.Date, &p.UPSC,
		&p.BeneficiaryName, &p.Age, &p.Sex, &p.Address, &p.Diagnosis, &p.PIN,
		&followUp, &p.Status, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("prescription fetch failed", zap.String("id", id), zap.Error(err))
		return nil, ErrNotFound
	}
	if followUp != nil {
		p.FollowUpDate = *followUp
	}
	return p, nil
}

// Items fetches a prescription's lines ordered by line number. An empty
// result is valid.
func (r *Repository) Items(ctx context.Context, prescriptionID string) ([]*Item, error) {
	query := `
		SELECT id, prescription_id, line_no, medicine_id, generic_name,
		       dosage_strength, dosage_form, sig, quantity
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY line_no ASC
	`
	rows, err := r.pool.Query(ctx, query, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it := &Item{}
		var medicineID, dosageForm *string
		err := rows.Scan(
			&it.ID, &it.PrescriptionID, &it.LineNo, &medicineID,
			&it.GenericName, &it.DosageStrength, &dosageForm, &it.Sig, &it.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if medicineID != nil {
			it.MedicineID = *medicineID
		}
		if dosageForm != nil {
			it.DosageForm = *dosageForm
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SearchResult is a row of the pharmacist's prescription search.
type SearchResult struct {
	ID              string
	RxCode          string
	BeneficiaryName string
	Date            string
	Diagnosis       string
	PIN             string
}

// Search matches the term against rx code, beneficiary name, and PIN with
// case-insensitive partial matching, newest first. A blank term lists recent
// prescriptions.
func (r *Repository) Search(ctx context.Context, term string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, rx_code, beneficiary_name, date, diagnosis, pin
		FROM prescriptions
		WHERE $1 = ''
		   OR rx_code ILIKE '%' || $1 || '%'
		   OR beneficiary_name ILIKE '%' || $1 || '%'
		   OR pin ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, SearchTerm(term), limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		res := &SearchResult{}
		if err := rows.Scan(&res.ID, &res.RxCode, &res.BeneficiaryName, &res.Date, &res.Diagnosis, &res.PIN); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// MarkFilled transitions a prescription to FILLED inside the caller's
// transaction. The fill workflow is the only status writer.
func MarkFilled(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx,
		`UPDATE prescriptions SET status = $1 WHERE id = $2`, StatusFilled, id)
	if err != nil {
		return fmt.Errorf("mark filled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
