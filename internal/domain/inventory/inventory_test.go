package inventory

import (
	"errors"
	"testing"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name     string
		quantity int
		delta    int
		want     int
		wantErr  error
	}{
		{"restock", 10, 5, 15, nil},
		{"draw down", 10, -10, 0, nil},
		{"below zero", 10, -11, 0, ErrNegativeStock},
		{"zero delta", 10, 0, 0, ErrZeroDelta},
		{"from empty", 0, 3, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.quantity, tt.delta)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Apply(%d, %d) = %d, want %d", tt.quantity, tt.delta, got, tt.want)
			}
		})
	}
}
