package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLen matches the account-creation form rule.
const MinPasswordLen = 6

var (
	// ErrInvalidCredentials is returned for a wrong email or password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailTaken is returned when an account already exists for the email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrResetTokenInvalid is returned for unknown, used, or expired reset tokens.
	ErrResetTokenInvalid = errors.New("reset token invalid or expired")
)

// ValidationError is a user-facing form error, shown inline and never
// transformed on the way out.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Account is a profile row. Facility fields apply to pharmacists and
// managers, PCB provider fields to physicians.
type Account struct {
	ID                 string
	FullName           string
	Email              string
	Phone              string
	Birthday           *time.Time
	Role               Role
	PRCNumber          string
	PRCValidity        *time.Time
	FacilityName       string
	AccreditationNo    string
	PCBProviderName    string
	PCBAccreditationNo string
	CreatedAt          time.Time
}

// SignUpRequest carries the account-creation form.
type SignUpRequest struct {
	FullName           string
	Email              string
	Phone              string
	Birthday           *time.Time
	Role               string
	Password           string
	ConfirmPassword    string
	PRCNumber          string
	PRCValidity        *time.Time
	FacilityName       string
	AccreditationNo    string
	PCBProviderName    string
	PCBAccreditationNo string
}

// Service owns accounts and sessions.
type Service struct {
	pool   *pgxpool.Pool
	tokens *TokenIssuer
	logger *zap.Logger
}

// NewService creates the auth service.
func NewService(pool *pgxpool.Pool, tokens *TokenIssuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pool: pool, tokens: tokens, logger: logger}
}

// validate applies the client-side rules from the account form before any
// database work happens.
func (r *SignUpRequest) validate() error {
	if r.FullName == "" {
		return &ValidationError{Field: "full_name", Message: "full name is required"}
	}
	if r.Email == "" {
		return &ValidationError{Field: "email", Message: "email is required"}
	}
	if r.Role == "" {
		return &ValidationError{Field: "role", Message: "role is required"}
	}
	if r.Password == "" {
		return &ValidationError{Field: "password", Message: "password is required"}
	}
	if len(r.Password) < MinPasswordLen {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", MinPasswordLen)}
	}
	if r.Password != r.ConfirmPassword {
		return &ValidationError{Field: "confirm_password", Message: "passwords do not match"}
	}
	return nil
}

// SignUp creates an account with a bcrypt-hashed password and returns it.
func (s *Service) SignUp(ctx context.Context, req *SignUpRequest) (*Account, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	role, err := ParseRole(req.Role)
	if err != nil {
		return nil, &ValidationError{Field: "role", Message: err.Error()}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	acct := &Account{
		ID:                 uuid.New().String(),
		FullName:           req.FullName,
		Email:              req.Email,
		Phone:              req.Phone,
		Birthday:           req.Birthday,
		Role:               role,
		PRCNumber:          req.PRCNumber,
		PRCValidity:        req.PRCValidity,
		FacilityName:       req.FacilityName,
		AccreditationNo:    req.AccreditationNo,
		PCBProviderName:    req.PCBProviderName,
		PCBAccreditationNo: req.PCBAccreditationNo,
	}

	query := `
		INSERT INTO profiles
		(id, full_name, email, phone, birthday, role, password_hash,
		 prc_number, prc_validity, gamot_facility_name, gamot_accreditation_no,
		 pcb_provider_name, pcb_provider_accreditation_no)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (email) DO NOTHING
		RETURNING created_at
	`
	err = s.pool.QueryRow(ctx, query,
		acct.ID, acct.FullName, acct.Email, acct.Phone, acct.Birthday,
		acct.Role, string(hash), acct.PRCNumber, acct.PRCValidity,
		acct.FacilityName, acct.AccreditationNo,
		acct.PCBProviderName, acct.PCBAccreditationNo,
	).Scan(&acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}

	s.logger.Info("account created",
		zap.String("user_id", acct.ID),
		zap.String("role", acct.Role.String()))

	return acct, nil
}

// SignIn verifies credentials and returns the account plus a session token.
func (s *Service) SignIn(ctx context.Context, email, password string) (*Account, string, error) {
	var hash string
	acct := &Account{}
	var rawRole string

	query := `
		SELECT id, full_name, email, role, password_hash,
		       gamot_facility_name, gamot_accreditation_no
		FROM profiles
		WHERE email = $1
	`
	err := s.pool.QueryRow(ctx, query, email).Scan(
		&acct.ID, &acct.FullName, &acct.Email, &rawRole, &hash,
		&acct.FacilityName, &acct.AccreditationNo,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("lookup profile: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	role, err := ParseRole(rawRole)
	if err != nil {
		// A row with a role outside the closed set never authenticates.
		s.logger.Error("profile carries unknown role",
			zap.String("user_id", acct.ID), zap.String("role", rawRole))
		return nil, "", ErrInvalidCredentials
	}
	acct.Role = role

	token, err := s.tokens.Issue(acct.ID, role)
	if err != nil {
		return nil, "", err
	}
	return acct, token, nil
}

// AccountByID loads a profile by user ID.
func (s *Service) AccountByID(ctx context.Context, id string) (*Account, error) {
	acct := &Account{}
	var rawRole string

	query := `
		SELECT id, full_name, email, phone, birthday, role,
		       prc_number, prc_validity, gamot_facility_name, gamot_accreditation_no,
		       pcb_provider_name, pcb_provider_accreditation_no, created_at
		FROM profiles
		WHERE id = $1
	`
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&acct.ID, &acct.FullName, &acct.Email, &acct.Phone, &acct.Birthday,
		&rawRole, &acct.PRCNumber, &acct.PRCValidity,
		&acct.FacilityName, &acct.AccreditationNo,
		&acct.PCBProviderName, &acct.PCBAccreditationNo, &acct.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile not found: %s", id)
		}
		return nil, fmt.Errorf("lookup profile: %w", err)
	}

	role, err := ParseRole(rawRole)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", id, err)
	}
	acct.Role = role
	return acct, nil
}

// IssueResetToken creates a single-use password reset token for the email.
// An unknown email is reported as success to the caller so the endpoint does
// not leak which addresses have accounts; the token only exists for real ones.
func (s *Service) IssueResetToken(ctx context.Context, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	token := uuid.New().String()

	query := `
		INSERT INTO password_resets (token, profile_id, expires_at)
		SELECT $1, id, $2 FROM profiles WHERE email = $3
	`
	if _, err := s.pool.Exec(ctx, query, token, time.Now().UTC().Add(ttl), email); err != nil {
		return "", fmt.Errorf("issue reset token: %w", err)
	}
	return token, nil
}

// ResetPassword consumes a reset token and stores the new password hash.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if password == "" {
		return &ValidationError{Field: "password", Message: "password is required"}
	}
	if len(password) < MinPasswordLen {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", MinPasswordLen)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var profileID string
	consume := `
		DELETE FROM password_resets
		WHERE token = $1 AND expires_at > NOW()
		RETURNING profile_id
	`
	if err := tx.QueryRow(ctx, consume, token).Scan(&profileID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrResetTokenInvalid
		}
		return fmt.Errorf("consume reset token: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE profiles SET password_hash = $1 WHERE id = $2`, string(hash), profileID); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("password reset", zap.String("user_id", profileID))
	return nil
}

// UpdatePassword changes the password for an authenticated user.
func (s *Service) UpdatePassword(ctx context.Context, userID, password string) error {
	if len(password) < MinPasswordLen {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", MinPasswordLen)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET password_hash = $1 WHERE id = $2`, string(hash), userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile not found: %s", userID)
	}
	return nil
}

// Tokens exposes the issuer for middleware.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }
