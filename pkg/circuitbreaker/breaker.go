// Package circuitbreaker shields broker publishes behind sony/gobreaker
// so a Redpanda outage backs the relay off instead of burning through
// the outbox retry budget.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// State mirrors the breaker state for gauges and logs.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned for publishes rejected while the circuit is open.
var ErrOpen = errors.New("publish circuit open")

// PublishFunc is the broker publish being guarded.
type PublishFunc func(ctx context.Context, topic, key string, value []byte) error

// Config tunes when the circuit trips and recovers.
type Config struct {
	Name string
	// HalfOpenMax is how many publishes a half-open circuit lets through.
	HalfOpenMax uint32
	// Interval clears the failure window while closed.
	Interval time.Duration
	// Cooldown is how long an open circuit waits before going half-open.
	Cooldown time.Duration
	// TripAfter opens the circuit on this many consecutive failures
	// before MinPublishes have been observed in the window.
	TripAfter uint32
	// FailureRatio opens the circuit once MinPublishes have been seen.
	FailureRatio float64
	MinPublishes uint32
}

// DefaultConfig is tuned for the relay's Redpanda connection.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		HalfOpenMax:  3,
		Interval:     60 * time.Second,
		Cooldown:     30 * time.Second,
		TripAfter:    5,
		FailureRatio: 0.6,
		MinPublishes: 10,
	}
}

// Guard decorates a publish function with a circuit breaker. It
// satisfies the outbox's publisher interface, so the relay plugs it in
// directly between the outbox and the producer.
type Guard struct {
	cb      *gobreaker.CircuitBreaker
	publish PublishFunc
	name    string
	logger  *zap.Logger

	attempts metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// NewGuard wraps publish with a breaker configured by cfg.
func NewGuard(cfg Config, publish PublishFunc, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Guard{
		publish: publish,
		name:    cfg.Name,
		logger:  logger,
		state:   StateClosed,
	}

	var err error
	g.attempts, err = otel.Meter("circuit-breaker").Int64Counter("broker_publish_attempts_total",
		metric.WithDescription("Publishes attempted through the circuit breaker, by result"))
	if err != nil {
		return nil, fmt.Errorf("create publish counter: %w", err)
	}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMax,
		Interval:    cfg.Interval,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinPublishes {
				return counts.ConsecutiveFailures >= cfg.TripAfter
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			g.setState(mapState(to))
			g.logger.Warn("publish circuit state changed",
				zap.String("breaker", cfg.Name),
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))))
		},
	})

	return g, nil
}

// Publish sends one record through the breaker. While the circuit is
// open the record is rejected with ErrOpen and stays pending in the
// outbox for a later pass.
func (g *Guard) Publish(ctx context.Context, topic, key string, value []byte) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.publish(ctx, topic, key, value)
	})

	switch {
	case err == nil:
		g.count(ctx, topic, "ok")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.count(ctx, topic, "rejected")
		return fmt.Errorf("%w: %s", ErrOpen, topic)
	default:
		g.count(ctx, topic, "failed")
		return err
	}
}

// State reports the current circuit state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Guard) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Guard) count(ctx context.Context, topic, result string) {
	g.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", g.name),
		attribute.String("topic", topic),
		attribute.String("result", result),
	))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
