// Package idempotency absorbs duplicate fill submissions. Every commit
// runs through an inbox row keyed by the request's idempotency key; a
// replay returns the recorded result instead of filling twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle of one inbox row.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// ErrDuplicateRequest is returned when a key is already claimed in a
// state that may not be reprocessed.
var ErrDuplicateRequest = errors.New("duplicate request: already processed")

// ErrRequestInProgress is returned while another submission with the
// same key is still running.
var ErrRequestInProgress = errors.New("request in progress")

// Config tunes row lifetime and crash recovery.
type Config struct {
	// TTL bounds how long finished rows are kept for replay.
	TTL time.Duration
	// CleanupInterval is how often expired rows are deleted.
	CleanupInterval time.Duration
	// StaleAfter is when a STARTED row is presumed crashed and may be
	// claimed again.
	StaleAfter time.Duration
}

// DefaultConfig keeps replays available for a week.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		StaleAfter:      5 * time.Minute,
	}
}

// Outcome reports how a submission resolved.
type Outcome struct {
	// Replayed is true when the result came from a prior run.
	Replayed bool
	// Recovered is true when this run reclaimed a crashed attempt.
	Recovered bool
	Result    json.RawMessage
}

// Inbox runs fill commits at most once per key.
type Inbox struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox backed by the given pool.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// GenerateKey derives a deterministic idempotency key for a fill
// submission. The timestamp is truncated to the minute so a retried
// double-click on the fill form hashes to the same key.
func GenerateKey(pharmacistID, prescriptionID string, timestamp time.Time) string {
	minute := timestamp.Truncate(time.Minute).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(pharmacistID + "|" + prescriptionID + "|" + minute))
	return hex.EncodeToString(sum[:])
}

// Process runs fn at most once for the key. A finished key replays the
// recorded result; a fresh STARTED key returns ErrRequestInProgress; a
// stale STARTED or RECOVERABLE key is claimed and run again. The payload
// is stored alongside the row for audit.
func (i *Inbox) Process(ctx context.Context, key string, payload json.RawMessage, fn func(ctx context.Context) (json.RawMessage, error)) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	prior, err := i.fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if prior != nil {
		switch prior.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &Outcome{Replayed: true, Result: prior.result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: previously failed", ErrDuplicateRequest)
		case StatusStarted:
			if time.Since(prior.updatedAt) <= i.cfg.StaleAfter {
				return nil, ErrRequestInProgress
			}
			// Stale claim from a crashed run; take it over.
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("reclaim stale entry: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	if err := i.claim(ctx, key, payload); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		status := StatusRecoverable
		if terminal(err) {
			status = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": err.Error()})
		if markErr := i.setStatus(ctx, key, status, detail); markErr != nil {
			i.logger.Error("inbox status update failed",
				zap.String("key", key), zap.Error(markErr))
		}
		span.RecordError(err)
		return nil, err
	}

	// The fill committed; a failed bookkeeping write must not undo it.
	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("inbox finish update failed",
			zap.String("key", key), zap.Error(err))
	}

	return &Outcome{Recovered: recovered, Result: result}, nil
}

type row struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

func (i *Inbox) fetch(ctx context.Context, key string) (*row, error) {
	query := `
		SELECT status, result, updated_at
		FROM inbox
		WHERE idempotency_key = $1
	`
	r := &row{}
	err := i.pool.QueryRow(ctx, query, key).Scan(&r.status, &r.result, &r.updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE row.
// Losing the insert race to a concurrent submission surfaces as
// ErrRequestInProgress.
func (i *Inbox) claim(ctx context.Context, key string, payload json.RawMessage) error {
	query := `
		INSERT INTO inbox (idempotency_key, status, payload, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $2, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`
	var claimed string
	err := i.pool.QueryRow(ctx, query, key, StatusStarted, payload, time.Now().Add(i.cfg.TTL)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRequestInProgress
	}
	return err
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.pool.Exec(ctx, query, status, result, key)
	return err
}

// StartCleanup launches the background expiry loop.
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if err := i.cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop halts the cleanup loop.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanup(ctx context.Context) error {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		i.logger.Info("inbox rows expired", zap.Int64("deleted", tag.RowsAffected()))
	}
	return nil
}

// terminal reports whether an error is permanent and the key should not
// be retried.
func terminal(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
