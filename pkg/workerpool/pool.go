// Package workerpool runs broker messages through a fixed set of workers
// so a burst of fill events cannot fan out into unbounded goroutines.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the job queue is at capacity.
// The consumer surfaces it so the offset is not committed and the
// message is redelivered.
var ErrQueueFull = errors.New("job queue full")

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("pool stopped")

// Job is one queued broker message: the record key and raw value.
type Job struct {
	Key   string
	Value []byte
}

// Handler processes one job. A returned error retries the job with
// backoff until the attempt budget runs out.
type Handler func(ctx context.Context, job Job) error

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueSize  int
	Attempts   int
	RetryDelay time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight jobs.
	DrainTimeout time.Duration
}

// DefaultConfig sizes the pool for clinic-scale event volume.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    128,
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		DrainTimeout: 30 * time.Second,
	}
}

// Pool fans jobs out to workers and counts outcomes.
type Pool struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	jobs chan Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool. Zero or negative config values fall back to the
// defaults; a nil logger is replaced with a no-op one.
func New(cfg Config, h Handler, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		handler: h,
		logger:  logger,
		jobs:    make(chan Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(job)
			}
		}()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job Job) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects further submissions and drains in-flight jobs, waiting up
// to DrainTimeout.
func (p *Pool) Stop() {
	p.cancel()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("worker pool drain timed out")
	}
}

func (p *Pool) run(job Job) {
	var err error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if p.ctx.Err() != nil {
			err = p.ctx.Err()
			break
		}

		if err = p.handler(p.ctx, job); err == nil {
			p.completed.Add(1)
			return
		}

		if attempt == p.cfg.Attempts {
			break
		}
		p.retried.Add(1)
		p.logger.Debug("job retried",
			zap.String("key", job.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-p.ctx.Done():
		case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
		}
	}

	p.failed.Add(1)
	p.logger.Error("job failed",
		zap.String("key", job.Key),
		zap.Error(err))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Queued    int
}

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Queued:    len(p.jobs),
	}
}
