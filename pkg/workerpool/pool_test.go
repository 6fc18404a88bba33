package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesJobs(t *testing.T) {
	var wg sync.WaitGroup
	var processed atomic.Int64

	p := New(Config{Workers: 2, QueueSize: 8}, func(ctx context.Context, job Job) error {
		defer wg.Done()
		processed.Add(1)
		return nil
	}, nil)
	p.Start()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		if err := p.Submit(Job{Key: "rx", Value: []byte("{}")}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	p.Stop()

	if got := processed.Load(); got != 5 {
		t.Errorf("processed = %d, want 5", got)
	}
	stats := p.Stats()
	if stats.Completed != 5 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoolRetriesFailedJobs(t *testing.T) {
	var attempts atomic.Int64
	done := make(chan struct{})

	p := New(Config{Workers: 1, QueueSize: 4, Attempts: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, job Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, nil)
	p.Start()
	defer p.Stop()

	if err := p.Submit(Job{Key: "med-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if stats := p.Stats(); stats.Retried != 2 {
		t.Errorf("retried = %d, want 2", stats.Retried)
	}
}

func TestPoolExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int64
	done := make(chan struct{})

	p := New(Config{Workers: 1, QueueSize: 4, Attempts: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, job Job) error {
		if attempts.Add(1) == 2 {
			defer close(done)
		}
		return errors.New("permanent")
	}, nil)
	p.Start()
	defer p.Stop()

	if err := p.Submit(Job{Key: "med-2"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("attempts not exhausted")
	}
	// The failure is recorded just after the final attempt returns.
	time.Sleep(20 * time.Millisecond)
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if stats := p.Stats(); stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, job Job) error {
		<-block
		return nil
	}, nil)
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	// First job occupies the worker, second fills the queue.
	if err := p.Submit(Job{Key: "a"}); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := p.Submit(Job{Key: "b"}); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if err := p.Submit(Job{Key: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submit c: got %v, want ErrQueueFull", err)
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1, DrainTimeout: time.Second}, func(ctx context.Context, job Job) error {
		return nil
	}, nil)
	p.Start()
	p.Stop()

	if err := p.Submit(Job{Key: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop: got %v, want ErrStopped", err)
	}
}
