package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/gamotclinic/dispense/internal/api/middleware"
	"github.com/gamotclinic/dispense/internal/auth"
	"github.com/gamotclinic/dispense/internal/domain/prescription"
	"github.com/gamotclinic/dispense/internal/observability/metrics"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	repo    *prescription.Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(repo *prescription.Repository, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{repo: repo, metrics: m, logger: logger}
}

// Routes returns the authenticated prescription routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireRole(auth.RolePhysician)).Post("/", h.Create)
	r.With(middleware.RequireRole(auth.RolePharmacist)).Get("/search", h.Search)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/items", h.Items)
	return r
}

// ItemRequest is one drafted medicine line
type ItemRequest struct {
	MedicineID     string `json:"medicine_id,omitempty"`
	GenericName    string `json:"generic_name"`
	DosageStrength string `json:"dosage_strength"`
	DosageForm     string `json:"dosage_form,omitempty"`
	Sig            string `json:"sig"`
	Quantity       *int   `json:"quantity,omitempty"`
}

// CreateRequest is the request body for writing a prescription
type CreateRequest struct {
	PhysicianName   string        `json:"physician_name"`
	Date            string        `json:"date"`
	UPSC            string        `json:"upsc"`
	BeneficiaryName string        `json:"beneficiary_name"`
	Age             *int          `json:"age,omitempty"`
	Sex             string        `json:"sex,omitempty"`
	Address         string        `json:"address,omitempty"`
	Diagnosis       string        `json:"diagnosis"`
	PIN             string        `json:"pin"`
	FollowUpDate    string        `json:"follow_up_date,omitempty"`
	Items           []ItemRequest `json:"items"`
}

// CreateResponse is the response for creating a prescription
type CreateResponse struct {
	ID        string    `json:"id"`
	RxCode    string    `json:"rx_code"`
	Status    string    `json:"status"`
	LineCount int       `json:"line_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("prescription-handler")
	ctx, span := tracer.Start(ctx, "create_prescription")
	defer span.End()

	session := middleware.GetSession(ctx)

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.BeneficiaryName == "" {
		h.jsonError(w, "beneficiary_name is required", http.StatusBadRequest)
		return
	}

	p := &prescription.Prescription{
		PhysicianID:     session.UserID,
		PhysicianName:   req.PhysicianName,
		Date:            req.Date,
		UPSC:            req.UPSC,
		BeneficiaryName: req.BeneficiaryName,
		Age:             req.Age,
		Sex:             req.Sex,
		Address:         req.Address,
		Diagnosis:       req.Diagnosis,
		PIN:             req.PIN,
		FollowUpDate:    req.FollowUpDate,
	}

	items := make([]*prescription.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, &prescription.Item{
			MedicineID:     it.MedicineID,
			GenericName:    it.GenericName,
			DosageStrength: it.DosageStrength,
			DosageForm:     it.DosageForm,
			Sig:            it.Sig,
			Quantity:       it.Quantity,
		})
	}

	if err := h.repo.Create(ctx, p, items); err != nil {
		h.logger.Error("prescription create failed", zap.Error(err))
		h.jsonError(w, "failed to create prescription", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	if h.metrics != nil {
		h.metrics.PrescriptionsCreated.Inc()
	}

	lines := 0
	for _, it := range items {
		if it.LineNo > 0 {
			lines++
		}
	}

	resp := CreateResponse{
		ID:        p.ID,
		RxCode:    p.RxCode,
		Status:    string(p.Status),
		LineCount: lines,
		CreatedAt: p.CreatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// PrescriptionResponse is the full prescription shape
type PrescriptionResponse struct {
	ID              string    `json:"id"`
	RxCode          string    `json:"rx_code"`
	PhysicianName   string    `json:"physician_name"`
	Date            string    `json:"date"`
	UPSC            string    `json:"upsc"`
	BeneficiaryName string    `json:"beneficiary_name"`
	Age             *int      `json:"age,omitempty"`
	Sex             string    `json:"sex,omitempty"`
	Address         string    `json:"address,omitempty"`
	Diagnosis       string    `json:"diagnosis"`
	PIN             string    `json:"pin"`
	FollowUpDate    string    `json:"follow_up_date,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

func prescriptionResponse(p *prescription.Prescription) PrescriptionResponse {
	return PrescriptionResponse{
		ID:              p.ID,
		RxCode:          p.RxCode,
		PhysicianName:   p.PhysicianName,
		Date:            p.Date,
		UPSC:            p.UPSC,
		BeneficiaryName: p.BeneficiaryName,
		Age:             p.Age,
		Sex:             p.Sex,
		Address:         p.Address,
		Diagnosis:       p.Diagnosis,
		PIN:             p.PIN,
		FollowUpDate:    p.FollowUpDate,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt,
	}
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := h.repo.Get(ctx, id)
	if err != nil {
		h.jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(prescriptionResponse(p))
}

// ItemResponse is one persisted medicine line
type ItemResponse struct {
	LineNo         int    `json:"line_no"`
	MedicineID     string `json:"medicine_id,omitempty"`
	GenericName    string `json:"generic_name"`
	DosageStrength string `json:"dosage_strength"`
	DosageForm     string `json:"dosage_form,omitempty"`
	Sig            string `json:"sig"`
	Quantity       *int   `json:"quantity,omitempty"`
}

// Items handles GET /prescriptions/{id}/items
func (h *PrescriptionHandler) Items(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	items, err := h.repo.Items(ctx, id)
	if err != nil {
		h.jsonError(w, "failed to get items", http.StatusInternalServerError)
		return
	}

	resp := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, ItemResponse{
			LineNo:         it.LineNo,
			MedicineID:     it.MedicineID,
			GenericName:    it.GenericName,
			DosageStrength: it.DosageStrength,
			DosageForm:     it.DosageForm,
			Sig:            it.Sig,
			Quantity:       it.Quantity,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Search handles GET /prescriptions/search?q=...&limit=...
func (h *PrescriptionHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	term := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := h.repo.Search(ctx, term, limit)
	if err != nil {
		h.logger.Error("prescription search failed", zap.Error(err))
		h.jsonError(w, "search failed", http.StatusInternalServerError)
		return
	}

	type row struct {
		ID              string `json:"id"`
		RxCode          string `json:"rx_code"`
		BeneficiaryName string `json:"beneficiary_name"`
		Date            string `json:"date"`
		Diagnosis       string `json:"diagnosis"`
		PIN             string `json:"pin"`
	}
	resp := make([]row, 0, len(results))
	for _, res := range results {
		resp = append(resp, row{
			ID:              res.ID,
			RxCode:          res.RxCode,
			BeneficiaryName: res.BeneficiaryName,
			Date:            res.Date,
			Diagnosis:       res.Diagnosis,
			PIN:             res.PIN,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PublicView handles GET /rx/{id} without authentication. The identifier is
// unguessable; a fetch failure of any kind reads as not found.
func (h *PrescriptionHandler) PublicView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := h.repo.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, prescription.ErrNotFound) {
			h.logger.Error("public rx fetch failed", zap.String("id", id), zap.Error(err))
		}
		h.jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}

	items, err := h.repo.Items(ctx, id)
	if err != nil {
		h.jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}

	itemRows := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		itemRows = append(itemRows, ItemResponse{
			LineNo:         it.LineNo,
			GenericName:    it.GenericName,
			DosageStrength: it.DosageStrength,
			DosageForm:     it.DosageForm,
			Sig:            it.Sig,
			Quantity:       it.Quantity,
		})
	}

	resp := struct {
		Prescription PrescriptionResponse `json:"prescription"`
		Items        []ItemResponse       `json:"items"`
	}{prescriptionResponse(p), itemRows}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *PrescriptionHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
