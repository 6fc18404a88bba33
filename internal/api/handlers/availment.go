package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gamotclinic/dispense/internal/api/middleware"
	"github.com/gamotclinic/dispense/internal/auth"
	"github.com/gamotclinic/dispense/internal/domain/availment"
	"github.com/gamotclinic/dispense/internal/domain/prescription"
	"github.com/gamotclinic/dispense/internal/observability/metrics"
	"github.com/gamotclinic/dispense/pkg/idempotency"
)

// fillCommitter runs the fill sequence for one submission.
type fillCommitter interface {
	Commit(ctx context.Context, req *availment.CommitRequest) (*availment.CommitResult, error)
}

// prescriptionGetter loads the prescription being filled.
type prescriptionGetter interface {
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
}

// commitInbox absorbs duplicate submissions around the committer.
type commitInbox interface {
	Process(ctx context.Context, key string, payload json.RawMessage, fn func(ctx context.Context) (json.RawMessage, error)) (*idempotency.Outcome, error)
}

// AvailmentHandler handles the fill workflow endpoints
type AvailmentHandler struct {
	committer fillCommitter
	repo      *availment.Repository
	rxRepo    prescriptionGetter
	inbox     commitInbox
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewAvailmentHandler creates a new handler
func NewAvailmentHandler(
	committer fillCommitter,
	repo *availment.Repository,
	rxRepo prescriptionGetter,
	inbox commitInbox,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AvailmentHandler {
	return &AvailmentHandler{
		committer: committer,
		repo:      repo,
		rxRepo:    rxRepo,
		inbox:     inbox,
		metrics:   m,
		logger:    logger,
	}
}

// Routes returns the authenticated availment routes
func (h *AvailmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireRole(auth.RolePharmacist)).Post("/", h.Commit)
	r.With(middleware.RequireRole(auth.RolePharmacist)).Get("/", h.ListMine)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/items", h.Items)
	return r
}

// FormLineRequest is one editable dispensing line as submitted
type FormLineRequest struct {
	LineNo            int    `json:"line_no"`
	MedicineID        string `json:"medicine_id,omitempty"`
	GenericName       string `json:"generic_name"`
	DosageStrength    string `json:"dosage_strength"`
	DosageForm        string `json:"dosage_form,omitempty"`
	Sig               string `json:"sig,omitempty"`
	RxQuantity        *int   `json:"rx_quantity,omitempty"`
	UnitPrice         string `json:"unit_price"`
	QuantityDispensed string `json:"quantity_dispensed"`
}

// CommitAvailmentRequest is the fill submission body
type CommitAvailmentRequest struct {
	PrescriptionID    string            `json:"prescription_id"`
	FacilityName      string            `json:"gamot_facility_name"`
	AccreditationNo   string            `json:"gamot_accreditation_no"`
	TransactionNo     string            `json:"transaction_number"`
	UPSC              string            `json:"upsc"`
	Date              string            `json:"date"`
	ContactNo         string            `json:"contact_no"`
	AmountCovered     string            `json:"amount_covered"`
	RemainingCoverage string            `json:"remaining_coverage"`
	Lines             []FormLineRequest `json:"lines"`
}

// CommitAvailmentResponse reports what the fill did
type CommitAvailmentResponse struct {
	SlipID    string                    `json:"slip_id"`
	Total     float64                   `json:"total"`
	LineCount int                       `json:"line_count"`
	Dispensed []availment.DispensedDrug `json:"dispensed"`
	Duplicate bool                      `json:"duplicate,omitempty"`
}

// Commit handles POST /availments. A retried submission with the same
// Idempotency-Key returns the first commit's result instead of filling twice.
func (h *AvailmentHandler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.GetSession(ctx)

	var req CommitAvailmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PrescriptionID == "" {
		h.jsonError(w, "prescription_id is required", http.StatusBadRequest)
		return
	}

	rx, err := h.rxRepo.Get(ctx, req.PrescriptionID)
	if err != nil {
		h.jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}
	if rx.Status == prescription.StatusFilled {
		h.jsonError(w, "prescription already filled", http.StatusConflict)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = idempotency.GenerateKey(session.UserID, req.PrescriptionID, time.Now())
	}

	payload, _ := json.Marshal(req)
	outcome, err := h.inbox.Process(ctx, key, payload,
		func(ctx context.Context) (json.RawMessage, error) {
			result, err := h.committer.Commit(ctx, &availment.CommitRequest{
				Prescription: rx,
				PharmacistID: session.UserID,
				Header: availment.FormHeader{
					FacilityName:      req.FacilityName,
					AccreditationNo:   req.AccreditationNo,
					TransactionNo:     req.TransactionNo,
					UPSC:              req.UPSC,
					Date:              req.Date,
					ContactNo:         req.ContactNo,
					AmountCovered:     req.AmountCovered,
					RemainingCoverage: req.RemainingCoverage,
				},
				Lines: formLines(req.Lines),
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		})
	if err != nil {
		if errors.Is(err, idempotency.ErrRequestInProgress) {
			h.jsonError(w, "fill already in progress", http.StatusConflict)
			return
		}
		h.logger.Error("availment commit failed",
			zap.String("prescription_id", req.PrescriptionID),
			zap.Error(err))
		// Storage errors are surfaced to the pharmacist verbatim.
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var result availment.CommitResult
	if err := json.Unmarshal(outcome.Result, &result); err != nil {
		h.logger.Error("commit result decode failed", zap.Error(err))
		h.jsonError(w, "failed to decode commit result", http.StatusInternalServerError)
		return
	}

	resp := CommitAvailmentResponse{
		SlipID:    result.SlipID,
		Total:     result.Total,
		LineCount: result.LineCount,
		Dispensed: result.Dispensed,
		Duplicate: outcome.Replayed,
	}

	status := http.StatusCreated
	if outcome.Replayed {
		if h.metrics != nil {
			h.metrics.AvailmentsDuplicate.Inc()
		}
		status = http.StatusOK
	} else {
		w.Header().Set("Location", "/api/v1/availments/"+result.SlipID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func formLines(reqs []FormLineRequest) []availment.FormLine {
	lines := make([]availment.FormLine, 0, len(reqs))
	for _, l := range reqs {
		lines = append(lines, availment.FormLine{
			LineNo:            l.LineNo,
			MedicineID:        l.MedicineID,
			GenericName:       l.GenericName,
			DosageStrength:    l.DosageStrength,
			DosageForm:        l.DosageForm,
			Sig:               l.Sig,
			RxQuantity:        l.RxQuantity,
			UnitPrice:         l.UnitPrice,
			QuantityDispensed: l.QuantityDispensed,
		})
	}
	return lines
}

// SlipResponse is the slip shape returned to clients
type SlipResponse struct {
	ID                string    `json:"id"`
	PrescriptionID    string    `json:"prescription_id"`
	PharmacistID      string    `json:"pharmacist_id"`
	FacilityName      string    `json:"gamot_facility_name"`
	AccreditationNo   string    `json:"gamot_accreditation_no,omitempty"`
	TransactionNo     string    `json:"transaction_number,omitempty"`
	UPSC              string    `json:"upsc,omitempty"`
	Date              string    `json:"date,omitempty"`
	PatientName       string    `json:"patient_name"`
	Age               *int      `json:"age,omitempty"`
	Sex               string    `json:"sex,omitempty"`
	PIN               string    `json:"pin,omitempty"`
	ContactNo         string    `json:"contact_no,omitempty"`
	Total             float64   `json:"total"`
	AmountCovered     float64   `json:"amount_covered"`
	RemainingCoverage float64   `json:"remaining_coverage"`
	CreatedAt         time.Time `json:"created_at"`
}

// Get handles GET /availments/{id}
func (h *AvailmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	s, err := h.repo.Get(ctx, id)
	if err != nil {
		h.jsonError(w, "availment slip not found", http.StatusNotFound)
		return
	}

	resp := SlipResponse{
		ID:                s.ID,
		PrescriptionID:    s.PrescriptionID,
		PharmacistID:      s.PharmacistID,
		FacilityName:      s.FacilityName,
		AccreditationNo:   s.AccreditationNo,
		TransactionNo:     s.TransactionNo,
		UPSC:              s.UPSC,
		Date:              s.Date,
		PatientName:       s.PatientName,
		Age:               s.Age,
		Sex:               s.Sex,
		PIN:               s.PIN,
		ContactNo:         s.ContactNo,
		Total:             s.Total,
		AmountCovered:     s.AmountCovered,
		RemainingCoverage: s.RemainingCoverage,
		CreatedAt:         s.CreatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Items handles GET /availments/{id}/items
func (h *AvailmentHandler) Items(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	items, err := h.repo.ItemsBySlip(ctx, id)
	if err != nil {
		h.jsonError(w, "failed to get slip items", http.StatusInternalServerError)
		return
	}

	type row struct {
		LineNo            int     `json:"line_no"`
		GenericName       string  `json:"generic_name"`
		DosageStrength    string  `json:"dosage_strength"`
		DrugFormulation   string  `json:"drug_formulation,omitempty"`
		UnitPrice         float64 `json:"unit_price"`
		QuantityDispensed int     `json:"quantity_dispensed"`
		Price             float64 `json:"price"`
	}
	resp := make([]row, 0, len(items))
	for _, it := range items {
		resp = append(resp, row{
			LineNo:            it.LineNo,
			GenericName:       it.GenericName,
			DosageStrength:    it.DosageStrength,
			DrugFormulation:   it.DrugFormulation,
			UnitPrice:         it.UnitPrice,
			QuantityDispensed: it.QuantityDispensed,
			Price:             it.Price,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListMine handles GET /availments for the signed-in pharmacist
func (h *AvailmentHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.GetSession(ctx)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	slips, err := h.repo.ListByPharmacist(ctx, session.UserID, limit)
	if err != nil {
		h.logger.Error("slip list failed", zap.Error(err))
		h.jsonError(w, "failed to list availments", http.StatusInternalServerError)
		return
	}

	type row struct {
		ID             string    `json:"id"`
		PrescriptionID string    `json:"prescription_id"`
		FacilityName   string    `json:"gamot_facility_name"`
		TransactionNo  string    `json:"transaction_number,omitempty"`
		PatientName    string    `json:"patient_name"`
		Total          float64   `json:"total"`
		CreatedAt      time.Time `json:"created_at"`
	}
	resp := make([]row, 0, len(slips))
	for _, s := range slips {
		resp = append(resp, row{
			ID:             s.ID,
			PrescriptionID: s.PrescriptionID,
			FacilityName:   s.FacilityName,
			TransactionNo:  s.TransactionNo,
			PatientName:    s.PatientName,
			Total:          s.Total,
			CreatedAt:      s.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *AvailmentHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
