package auth

import (
	"errors"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"physician", "pharmacist", "manager"} {
		role, err := ParseRole(valid)
		if err != nil {
			t.Errorf("ParseRole(%q) failed: %v", valid, err)
		}
		if role.String() != valid {
			t.Errorf("ParseRole(%q) = %q", valid, role)
		}
	}

	for _, invalid := range []string{"", "admin", "Physician", "nurse"} {
		if _, err := ParseRole(invalid); err == nil {
			t.Errorf("ParseRole(%q) accepted a value outside the closed set", invalid)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)

	token, err := issuer.Issue("user-1", RolePharmacist)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	session, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if session.UserID != "user-1" {
		t.Errorf("user ID = %q", session.UserID)
	}
	if session.Role != RolePharmacist {
		t.Errorf("role = %q", session.Role)
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret-a"), time.Hour)
	other := NewTokenIssuer([]byte("secret-b"), time.Hour)

	token, err := issuer.Issue("user-1", RoleManager)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenExpiredRejected(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Nanosecond)

	token, err := issuer.Issue("user-1", RolePhysician)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := issuer.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenGarbageRejected(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	if _, err := issuer.Parse("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	base := func() *SignUpRequest {
		return &SignUpRequest{
			FullName:        "Maria Santos",
			Email:           "maria@example.com",
			Role:            "pharmacist",
			Password:        "secret123",
			ConfirmPassword: "secret123",
		}
	}

	tests := []struct {
		name   string
		mutate func(*SignUpRequest)
		field  string
	}{
		{"missing name", func(r *SignUpRequest) { r.FullName = "" }, "full_name"},
		{"missing email", func(r *SignUpRequest) { r.Email = "" }, "email"},
		{"missing role", func(r *SignUpRequest) { r.Role = "" }, "role"},
		{"missing password", func(r *SignUpRequest) { r.Password = ""; r.ConfirmPassword = "" }, "password"},
		{"short password", func(r *SignUpRequest) { r.Password = "abc"; r.ConfirmPassword = "abc" }, "password"},
		{"mismatch", func(r *SignUpRequest) { r.ConfirmPassword = "different" }, "confirm_password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(req)
			err := req.validate()
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if vErr.Field != tt.field {
				t.Errorf("field = %q, want %q", vErr.Field, tt.field)
			}
		})
	}

	if err := base().validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}
