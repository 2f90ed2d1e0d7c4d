package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	pool := NewWorkerPool(Options{Workers: 2, MaxAttempts: 1})

	var mu sync.Mutex
	seen := make(map[string]bool)
	pool.Handle("echo", func(ctx context.Context, job Job) error {
		mu.Lock()
		seen[job.Args["id"]] = true
		mu.Unlock()
		return nil
	})
	pool.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if err := pool.Enqueue(context.Background(), Job{Name: "echo", Args: map[string]string{"id": id}}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("ran %d jobs, want 3", len(seen))
	}
}

func TestWorkerPoolRetriesThenFails(t *testing.T) {
	pool := NewWorkerPool(Options{Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond})

	var attempts atomic.Int32
	boom := errors.New("boom")
	pool.Handle("flaky", func(ctx context.Context, job Job) error {
		attempts.Add(1)
		return boom
	})

	failed := make(chan error, 1)
	pool.OnFailure("flaky", func(ctx context.Context, job Job, err error) {
		failed <- err
	})
	pool.Start(context.Background())

	if err := pool.Enqueue(context.Background(), Job{Name: "flaky"}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, boom) {
			t.Errorf("failure err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure hook never ran")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	pool.Stop(context.Background())
}

func TestWorkerPoolRecoversFromSuccessAfterRetry(t *testing.T) {
	pool := NewWorkerPool(Options{Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond})

	var attempts atomic.Int32
	done := make(chan struct{})
	pool.Handle("eventually", func(ctx context.Context, job Job) error {
		if attempts.Add(1) < 2 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})
	pool.OnFailure("eventually", func(ctx context.Context, job Job, err error) {
		t.Error("failure hook should not run")
	})
	pool.Start(context.Background())

	if err := pool.Enqueue(context.Background(), Job{Name: "eventually"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
	pool.Stop(context.Background())
}

func TestWorkerPoolPanicIsAFailure(t *testing.T) {
	pool := NewWorkerPool(Options{Workers: 1, MaxAttempts: 1})
	pool.Handle("panic", func(ctx context.Context, job Job) error {
		panic("kaboom")
	})
	failed := make(chan error, 1)
	pool.OnFailure("panic", func(ctx context.Context, job Job, err error) {
		failed <- err
	})
	pool.Start(context.Background())
	pool.Enqueue(context.Background(), Job{Name: "panic"})

	select {
	case err := <-failed:
		if err == nil {
			t.Error("expected error from panic")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure hook never ran")
	}
	pool.Stop(context.Background())
}

func TestEnqueueErrors(t *testing.T) {
	pool := NewWorkerPool(Options{BufferSize: 1})
	pool.Handle("noop", func(ctx context.Context, job Job) error { return nil })

	if err := pool.Enqueue(context.Background(), Job{Name: "unknown"}); err == nil {
		t.Error("expected error for unregistered job")
	}
	// Not started: the single buffer slot fills up.
	if err := pool.Enqueue(context.Background(), Job{Name: "noop"}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := pool.Enqueue(context.Background(), Job{Name: "noop"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("got %v, want ErrQueueFull", err)
	}

	pool.Start(context.Background())
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Enqueue(context.Background(), Job{Name: "noop"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("got %v, want ErrQueueClosed", err)
	}
}
