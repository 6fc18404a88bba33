package availment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gamotclinic/dispense/internal/domain/prescription"
	"github.com/gamotclinic/dispense/internal/observability/metrics"
)

// ErrNoPrescription is returned when a commit is attempted without a loaded
// prescription.
var ErrNoPrescription = errors.New("no prescription loaded")

// Store opens fill transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one fill transaction. Every write of the commit sequence goes through
// the same Tx, so the slip, its items, the status transition, and the outbox
// entry land together or not at all. Rollback after Commit is a no-op.
type Tx interface {
	// InsertSlip persists the slip and fills in its generated ID.
	InsertSlip(ctx context.Context, s *Slip) error
	// InsertItems persists the retained lines as a batch.
	InsertItems(ctx context.Context, items []*Item) error
	// DecrementStock subtracts qty from the inventory row keyed by
	// (medicine, facility), refusing to go below zero. It reports false
	// when no row matched, either because none exists or because stock
	// is short; a miss is not an error.
	DecrementStock(ctx context.Context, medicineID, facility string, qty int) (bool, error)
	// MarkFilled transitions the prescription status.
	MarkFilled(ctx context.Context, prescriptionID string) error
	// WriteEvent stages the committed event for the outbox relay.
	WriteEvent(ctx context.Context, e *CommittedEvent) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// CommitRequest is a fill submission: the loaded prescription plus the form
// as the pharmacist left it.
type CommitRequest struct {
	Prescription *prescription.Prescription
	PharmacistID string
	Header       FormHeader
	Lines        []FormLine
}

// CommitResult reports what a successful fill did.
type CommitResult struct {
	SlipID    string
	Total     float64
	LineCount int
	Dispensed []DispensedDrug
}

// Committer runs the fill sequence. The writes are ordered slip, items,
// inventory, status, event, all inside one transaction: the billable record
// can never exist half-written, and a failed submission leaves nothing
// behind for the retry to collide with.
type Committer struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewCommitter creates a committer. Metrics may be nil.
func NewCommitter(store Store, m *metrics.Metrics, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{
		store:   store,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("availment-committer"),
		now:     time.Now,
	}
}

// Commit evaluates the form and persists the fill.
//
// Slip or item insert failure aborts the transaction and surfaces the error
// as-is; nothing is persisted. Stock decrements are attempted per original
// form line with a medicine reference and positive quantity, sequentially;
// a missing inventory row or short stock skips that line, logged, and never
// blocks the lines after it. A decrement that errors aborts like any other
// step. The prescription moves to FILLED and the committed event is staged
// for the relay before the transaction commits.
func (c *Committer) Commit(ctx context.Context, req *CommitRequest) (*CommitResult, error) {
	if req.Prescription == nil {
		return nil, ErrNoPrescription
	}

	ctx, span := c.tracer.Start(ctx, "commit_availment",
		trace.WithAttributes(
			attribute.String("prescription_id", req.Prescription.ID),
			attribute.String("rx_code", req.Prescription.RxCode),
		))
	defer span.End()

	start := c.now()
	comp := Compute(req.Header, req.Lines)

	slip := &Slip{
		PrescriptionID:    req.Prescription.ID,
		PharmacistID:      req.PharmacistID,
		FacilityName:      req.Header.FacilityName,
		AccreditationNo:   req.Header.AccreditationNo,
		TransactionNo:     req.Header.TransactionNo,
		UPSC:              req.Header.UPSC,
		Date:              req.Header.Date,
		PatientName:       req.Prescription.BeneficiaryName,
		Age:               req.Prescription.Age,
		Sex:               req.Prescription.Sex,
		PIN:               req.Prescription.PIN,
		ContactNo:         req.Header.ContactNo,
		Total:             comp.Total,
		AmountCovered:     comp.AmountCovered,
		RemainingCoverage: comp.RemainingCoverage,
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertSlip(ctx, slip); err != nil {
		c.countFailure()
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("slip_id", slip.ID))

	if len(comp.Rows) > 0 {
		items := make([]*Item, 0, len(comp.Rows))
		for _, row := range comp.Rows {
			items = append(items, &Item{
				SlipID:            slip.ID,
				LineNo:            row.LineNo,
				GenericName:       row.GenericName,
				DosageStrength:    row.DosageStrength,
				DrugFormulation:   row.DrugFormulation,
				UnitPrice:         row.UnitPrice,
				QuantityDispensed: row.QuantityDispensed,
				Price:             row.Price,
			})
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			c.countFailure()
			span.RecordError(err)
			return nil, err
		}
	}

	dispensed := make([]DispensedDrug, 0, len(comp.Dispense))
	for _, d := range comp.Dispense {
		applied, err := tx.DecrementStock(ctx, d.MedicineID, req.Header.FacilityName, d.Quantity)
		if err != nil {
			// A statement error poisons the whole transaction; only a
			// zero-row miss is tolerated per line.
			c.countFailure()
			span.RecordError(err)
			return nil, fmt.Errorf("decrement stock for %s: %w", d.MedicineID, err)
		}
		if !applied {
			c.logger.Info("stock decrement skipped",
				zap.String("medicine_id", d.MedicineID),
				zap.String("facility", req.Header.FacilityName),
				zap.Int("quantity", d.Quantity))
		}
		c.countDecrement(applied)
		dispensed = append(dispensed, DispensedDrug{
			MedicineID: d.MedicineID,
			Quantity:   d.Quantity,
			Applied:    applied,
		})
	}

	if err := tx.MarkFilled(ctx, req.Prescription.ID); err != nil {
		c.countFailure()
		span.RecordError(err)
		return nil, fmt.Errorf("mark prescription filled: %w", err)
	}

	event := &CommittedEvent{
		SlipID:         slip.ID,
		PrescriptionID: req.Prescription.ID,
		RxCode:         req.Prescription.RxCode,
		PharmacistID:   req.PharmacistID,
		FacilityName:   req.Header.FacilityName,
		Total:          comp.Total,
		Dispensed:      dispensed,
		CommittedAt:    c.now().UTC(),
	}
	if err := tx.WriteEvent(ctx, event); err != nil {
		c.countFailure()
		span.RecordError(err)
		return nil, fmt.Errorf("stage committed event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		c.countFailure()
		span.RecordError(err)
		return nil, fmt.Errorf("commit fill: %w", err)
	}

	if c.metrics != nil {
		c.metrics.AvailmentsCommitted.Inc()
		c.metrics.PrescriptionsFilled.Inc()
		c.metrics.CommitDuration.Observe(c.now().Sub(start).Seconds())
	}

	c.logger.Info("availment committed",
		zap.String("slip_id", slip.ID),
		zap.String("prescription_id", req.Prescription.ID),
		zap.Float64("total", comp.Total),
		zap.Int("lines", len(comp.Rows)))

	return &CommitResult{
		SlipID:    slip.ID,
		Total:     comp.Total,
		LineCount: len(comp.Rows),
		Dispensed: dispensed,
	}, nil
}

func (c *Committer) countFailure() {
	if c.metrics != nil {
		c.metrics.AvailmentsFailed.Inc()
	}
}

func (c *Committer) countDecrement(applied bool) {
	if c.metrics == nil {
		return
	}
	if applied {
		c.metrics.StockDecrementsApplied.Inc()
	} else {
		c.metrics.StockDecrementsSkipped.Inc()
	}
}
