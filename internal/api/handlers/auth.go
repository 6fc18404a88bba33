// Package handlers provides HTTP handlers for the clinic API.
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
)

// AuthHandler handles account and session endpoints
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new handler
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// Routes returns the public auth routes
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/signup", h.SignUp)
	r.Post("/signin", h.SignIn)
	r.Post("/forgot-password", h.ForgotPassword)
	r.Post("/reset-password", h.ResetPassword)
	return r
}

// SignUpRequest is the request body for creating an account
type SignUpRequest struct {
	FullName           string     `json:"full_name"`
	Email              string     `json:"email"`
	Phone              string     `json:"phone,omitempty"`
	Birthday           *time.Time `json:"birthday,omitempty"`
	Role               string     `json:"role"`
	Password           string     `json:"password"`
	ConfirmPassword    string     `json:"confirm_password"`
	PRCNumber          string     `json:"prc_number,omitempty"`
	PRCValidity        *time.Time `json:"prc_validity,omitempty"`
	FacilityName       string     `json:"gamot_facility_name,omitempty"`
	AccreditationNo    string     `json:"gamot_accreditation_no,omitempty"`
	PCBProviderName    string     `json:"pcb_provider_name,omitempty"`
	PCBAccreditationNo string     `json:"pcb_provider_accreditation_no,omitempty"`
}

// AccountResponse is the account shape returned to clients
type AccountResponse struct {
	ID              string    `json:"id"`
	FullName        string    `json:"full_name"`
	Email           string    `json:"email"`
	Role            string    `json:"role"`
	FacilityName    string    `json:"gamot_facility_name,omitempty"`
	AccreditationNo string    `json:"gamot_accreditation_no,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func accountResponse(a *auth.Account) AccountResponse {
	return AccountResponse{
		ID:              a.ID,
		FullName:        a.FullName,
		Email:           a.Email,
		Role:            a.Role.String(),
		FacilityName:    a.FacilityName,
		AccreditationNo: a.AccreditationNo,
		CreatedAt:       a.CreatedAt,
	}
}

// SignUp handles POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := h.svc.SignUp(r.Context(), &auth.SignUpRequest{
		FullName:           req.FullName,
		Email:              req.Email,
		Phone:              req.Phone,
		Birthday:           req.Birthday,
		Role:               req.Role,
		Password:           req.Password,
		ConfirmPassword:    req.ConfirmPassword,
		PRCNumber:          req.PRCNumber,
		PRCValidity:        req.PRCValidity,
		FacilityName:       req.FacilityName,
		AccreditationNo:    req.AccreditationNo,
		PCBProviderName:    req.PCBProviderName,
		PCBAccreditationNo: req.PCBAccreditationNo,
	})
	if err != nil {
		var vErr *auth.ValidationError
		switch {
		case errors.As(err, &vErr):
			h.jsonError(w, vErr.Error(), http.StatusBadRequest)
		case errors.Is(err, auth.ErrEmailTaken):
			h.jsonError(w, "email already registered", http.StatusConflict)
		default:
			h.logger.Error("signup failed", zap.Error(err))
			h.jsonError(w, "failed to create account", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(accountResponse(acct))
}

// SignInRequest is the request body for signing in
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResponse carries the session token and account
type SignInResponse struct {
	Token   string          `json:"token"`
	Account AccountResponse `json:"account"`
}

// SignIn handles POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, token, err := h.svc.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.jsonError(w, "invalid email or password", http.StatusUnauthorized)
			return
		}
		h.logger.Error("signin failed", zap.Error(err))
		h.jsonError(w, "failed to sign in", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SignInResponse{Token: token, Account: accountResponse(acct)})
}

// ForgotPassword handles POST /auth/forgot-password. It always reports
// success so the endpoint does not reveal which emails have accounts.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		h.jsonError(w, "email is required", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.IssueResetToken(r.Context(), req.Email, time.Hour); err != nil {
		h.logger.Error("reset token issue failed", zap.Error(err))
		h.jsonError(w, "failed to process request", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ResetPassword handles POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		var vErr *auth.ValidationError
		switch {
		case errors.As(err, &vErr):
			h.jsonError(w, vErr.Error(), http.StatusBadRequest)
		case errors.Is(err, auth.ErrResetTokenInvalid):
			h.jsonError(w, "reset token invalid or expired", http.StatusBadRequest)
		default:
			h.logger.Error("password reset failed", zap.Error(err))
			h.jsonError(w, "failed to reset password", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Me handles GET /me for an authenticated session
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	if session == nil {
		h.jsonError(w, "missing session token", http.StatusUnauthorized)
		return
	}

	acct, err := h.svc.AccountByID(r.Context(), session.UserID)
	if err != nil {
		h.jsonError(w, "account not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accountResponse(acct))
}

// UpdatePassword handles POST /me/password for an authenticated session
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	if session == nil {
		h.jsonError(w, "missing session token", http.StatusUnauthorized)
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.svc.UpdatePassword(r.Context(), session.UserID, req.Password); err != nil {
		var vErr *auth.ValidationError
		if errors.As(err, &vErr) {
			h.jsonError(w, vErr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("password update failed", zap.Error(err))
		h.jsonError(w, "failed to update password", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *AuthHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
