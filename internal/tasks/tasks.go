// Package tasks runs deferred jobs on an in-process worker pool.
//
// Delivery is at-least-once: a job whose handler fails is retried with a
// linear backoff until MaxAttempts is reached, after which the job's failure
// hook runs. Handlers must therefore be idempotent.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("task queue is closed")

// ErrQueueFull is returned by Enqueue when the buffer is full.
var ErrQueueFull = errors.New("task queue is full")

// Job is a named unit of deferred work.
type Job struct {
	Name string
	Args map[string]string
}

// Queue accepts jobs for later execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler executes one attempt of a job.
type Handler func(ctx context.Context, job Job) error

// FailureHandler runs once a job has used up its attempts.
type FailureHandler func(ctx context.Context, job Job, err error)

// Options configure a WorkerPool.
type Options struct {
	Workers     int
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration
	// BufferSize is the number of jobs that can wait for a worker.
	BufferSize int
}

// WorkerPool is a Queue backed by a fixed set of goroutines.
type WorkerPool struct {
	opts      Options
	handlers  map[string]Handler
	onFailure map[string]FailureHandler

	mu     sync.RWMutex
	closed bool
	jobs   chan Job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool. Register handlers before Start.
func NewWorkerPool(opts Options) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	return &WorkerPool{
		opts:      opts,
		handlers:  make(map[string]Handler),
		onFailure: make(map[string]FailureHandler),
		jobs:      make(chan Job, opts.BufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Handle registers the handler for jobs named name.
func (p *WorkerPool) Handle(name string, h Handler) {
	p.handlers[name] = h
}

// OnFailure registers the hook run after the final failed attempt.
func (p *WorkerPool) OnFailure(name string, fn FailureHandler) {
	p.onFailure[name] = fn
}

// Start launches the workers. ctx is the parent of every job attempt.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("Task workers started", "workers", p.opts.Workers, "max_attempts", p.opts.MaxAttempts)
}

// Enqueue schedules job. It never blocks.
func (p *WorkerPool) Enqueue(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	if _, ok := p.handlers[job.Name]; !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new jobs, lets the workers drain the buffer and waits for
// them, or gives up when ctx is done.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(p.stopCh)
		return fmt.Errorf("waiting for task workers: %w", ctx.Err())
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

// run executes job until it succeeds or runs out of attempts.
func (p *WorkerPool) run(ctx context.Context, job Job) {
	handler := p.handlers[job.Name]
	var err error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		err = p.attempt(ctx, handler, job)
		if err == nil {
			return
		}
		slog.Warn("Task attempt failed", "job", job.Name, "args", job.Args, "attempt", attempt, "error", err)
		if attempt == p.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(p.opts.RetryDelay * time.Duration(attempt)):
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}

	slog.Error("Task failed permanently", "job", job.Name, "args", job.Args, "error", err)
	if fn, ok := p.onFailure[job.Name]; ok {
		fn(ctx, job, err)
	}
}

func (p *WorkerPool) attempt(ctx context.Context, handler Handler, job Job) (err error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

var _ Queue = (*WorkerPool)(nil)
