package prescription

import (
	"regexp"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestNewRxCodeFormat(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	pattern := regexp.MustCompile(`^RX-2026-\d{6}$`)

	for i := 0; i < 20; i++ {
		code := NewRxCode(now)
		if !pattern.MatchString(code) {
			t.Fatalf("code %q does not match RX-<year>-NNNNNN", code)
		}
	}
}

func TestItemEmpty(t *testing.T) {
	tests := []struct {
		name string
		item Item
		want bool
	}{
		{"all blank", Item{}, true},
		{"zero quantity only", Item{Quantity: intPtr(0)}, true},
		{"generic name set", Item{GenericName: "Amlodipine"}, false},
		{"sig set", Item{Sig: "OD"}, false},
		{"dosage set", Item{DosageStrength: "10mg"}, false},
		{"quantity set", Item{Quantity: intPtr(30)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Empty(); got != tt.want {
				t.Errorf("Empty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSearchTerm(t *testing.T) {
	if got := SearchTerm("  RX-2026  "); got != "RX-2026" {
		t.Errorf("SearchTerm = %q", got)
	}
	if got := SearchTerm("   "); got != "" {
		t.Errorf("SearchTerm = %q, want empty", got)
	}
}
