package idempotency

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateKeyDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	a := GenerateKey("pharm-1", "rx-1", ts)
	b := GenerateKey("pharm-1", "rx-1", ts)
	if a != b {
		t.Error("same inputs produced different keys")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestGenerateKeyMinuteTruncation(t *testing.T) {
	base := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	// A retry seconds later hashes to the same key.
	if GenerateKey("pharm-1", "rx-1", base) != GenerateKey("pharm-1", "rx-1", base.Add(45*time.Second)) {
		t.Error("keys differ within the same minute")
	}
	// A submission in the next minute is a new key.
	if GenerateKey("pharm-1", "rx-1", base) == GenerateKey("pharm-1", "rx-1", base.Add(time.Minute)) {
		t.Error("keys match across minutes")
	}
}

func TestGenerateKeyInputsMatter(t *testing.T) {
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	base := GenerateKey("pharm-1", "rx-1", ts)

	if GenerateKey("pharm-2", "rx-1", ts) == base {
		t.Error("different pharmacist produced same key")
	}
	if GenerateKey("pharm-1", "rx-2", ts) == base {
		t.Error("different prescription produced same key")
	}
}

func TestTerminalErrors(t *testing.T) {
	permanent := []error{
		errors.New("validation failed on field x"),
		errors.New("invalid request body"),
		errors.New("prescription not found"),
	}
	for _, err := range permanent {
		if !terminal(err) {
			t.Errorf("%v should be terminal", err)
		}
	}

	transient := []error{
		errors.New("connection refused"),
		errors.New("context deadline exceeded"),
	}
	for _, err := range transient {
		if terminal(err) {
			t.Errorf("%v should be retryable", err)
		}
	}
}
