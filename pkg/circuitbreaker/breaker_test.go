package circuitbreaker

import (
	"context"
	"errors"
	"testing"
)

func TestGuardPassesPublishesThrough(t *testing.T) {
	var gotTopic, gotKey string
	var gotValue []byte

	g, err := NewGuard(DefaultConfig("test"), func(_ context.Context, topic, key string, value []byte) error {
		gotTopic, gotKey, gotValue = topic, key, value
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	if err := g.Publish(context.Background(), "inventory.lowstock", "med-1", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if gotTopic != "inventory.lowstock" || gotKey != "med-1" || string(gotValue) != `{}` {
		t.Errorf("published %q %q %q", gotTopic, gotKey, gotValue)
	}
	if g.State() != StateClosed {
		t.Errorf("state = %q, want closed", g.State())
	}
}

func TestGuardTripsAndRejects(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.TripAfter = 2

	brokerDown := errors.New("broker down")
	var calls int
	g, err := NewGuard(cfg, func(context.Context, string, string, []byte) error {
		calls++
		return brokerDown
	}, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := g.Publish(context.Background(), "availment.committed", "rx", nil); !errors.Is(err, brokerDown) {
			t.Fatalf("publish %d: got %v, want broker error", i, err)
		}
	}

	if g.State() != StateOpen {
		t.Fatalf("state = %q, want open", g.State())
	}
	if err := g.Publish(context.Background(), "availment.committed", "rx", nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("publish while open: got %v, want ErrOpen", err)
	}
	if calls != 2 {
		t.Errorf("underlying publish called %d times, want 2", calls)
	}
}
