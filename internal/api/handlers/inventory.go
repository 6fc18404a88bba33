package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gamotclinic/dispense/internal/api/middleware"
	"github.com/gamotclinic/dispense/internal/auth"
	"github.com/gamotclinic/dispense/internal/domain/inventory"
	"github.com/gamotclinic/dispense/internal/observability/metrics"
)

// InventoryHandler handles stock and medicine endpoints
type InventoryHandler struct {
	repo    *inventory.Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewInventoryHandler creates a new handler
func NewInventoryHandler(repo *inventory.Repository, m *metrics.Metrics, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{repo: repo, metrics: m, logger: logger}
}

// Routes returns the authenticated inventory routes
func (h *InventoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/medicines", h.Medicines)
	r.With(middleware.RequireRole(auth.RolePharmacist, auth.RoleManager)).Post("/{id}/adjust", h.Adjust)
	return r
}

// StockResponse is one stock row joined with its medicine
type StockResponse struct {
	ID           string    `json:"id"`
	MedicineID   string    `json:"medicine_id"`
	MedicineName string    `json:"medicine_name"`
	Preparation  string    `json:"preparation,omitempty"`
	FacilityName string    `json:"gamot_facility_name"`
	Quantity     int       `json:"quantity_available"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// List handles GET /inventory?facility=...
func (h *InventoryHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facility := r.URL.Query().Get("facility")

	rows, err := h.repo.List(ctx, facility)
	if err != nil {
		h.logger.Error("inventory list failed", zap.Error(err))
		h.jsonError(w, "failed to list inventory", http.StatusInternalServerError)
		return
	}

	resp := make([]StockResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, StockResponse{
			ID:           row.ID,
			MedicineID:   row.MedicineID,
			MedicineName: row.MedicineName,
			Preparation:  row.Preparation,
			FacilityName: row.FacilityName,
			Quantity:     row.Quantity,
			UpdatedAt:    row.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// AdjustRequest is the request body for a manual stock adjustment
type AdjustRequest struct {
	Delta int `json:"delta"`
}

// Adjust handles POST /inventory/{id}/adjust
func (h *InventoryHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	next, err := h.repo.Adjust(ctx, id, req.Delta)
	if err != nil {
		switch {
		case errors.Is(err, inventory.ErrZeroDelta):
			h.jsonError(w, "delta must be non-zero", http.StatusBadRequest)
		case errors.Is(err, inventory.ErrNotFound):
			h.jsonError(w, "inventory record not found", http.StatusNotFound)
		case errors.Is(err, inventory.ErrNegativeStock):
			if h.metrics != nil {
				h.metrics.StockAdjustRejected.Inc()
			}
			h.jsonError(w, "adjustment would take stock below zero", http.StatusConflict)
		default:
			h.logger.Error("stock adjust failed", zap.String("inventory_id", id), zap.Error(err))
			h.jsonError(w, "failed to adjust stock", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":                 id,
		"quantity_available": next,
	})
}

// Medicines handles GET /inventory/medicines
func (h *InventoryHandler) Medicines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	meds, err := h.repo.ListMedicines(ctx)
	if err != nil {
		h.logger.Error("medicine list failed", zap.Error(err))
		h.jsonError(w, "failed to list medicines", http.StatusInternalServerError)
		return
	}

	type row struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Preparation string `json:"preparation,omitempty"`
	}
	resp := make([]row, 0, len(meds))
	for _, m := range meds {
		resp = append(resp, row{ID: m.ID, Name: m.Name, Preparation: m.Preparation})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *InventoryHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
