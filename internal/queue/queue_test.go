package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c, err := Open(fmt.Sprintf("redis://%s", mr.Addr()), nil)
	if err != nil {
		t.Fatalf("open queue client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAddJobIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	first, err := c.AddJob(ctx, Runs, "run:start:run_1", []byte(`{"runId":"run_1","action":"start"}`))
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	second, err := c.AddJob(ctx, Runs, "run:start:run_1", []byte(`{"runId":"run_1","action":"timeout"}`))
	if err != nil {
		t.Fatalf("add duplicate job: %v", err)
	}

	if string(second.Payload) != string(first.Payload) {
		t.Fatalf("expected first-writer-wins payload %q, got %q", first.Payload, second.Payload)
	}
}

func TestWorkerProcessesJobAndCleans(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(t)

	var processed atomic.Int32
	w := c.CreateWorker(ctx, Webhooks, func(ctx context.Context, payload []byte) error {
		processed.Add(1)
		return nil
	}, WorkerOptions{Concurrency: 2})
	defer w.Stop()

	if _, err := c.AddJob(ctx, Webhooks, "d1", []byte(`{}`)); err != nil {
		t.Fatalf("add job: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for processed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if processed.Load() != 1 {
		t.Fatalf("expected job to be processed exactly once, got %d", processed.Load())
	}

	job, err := c.GetJob(ctx, Webhooks, "d1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", job.Status)
	}

	removed, err := c.Clean(ctx, Webhooks, 0, 10, StatusCompleted)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(removed) != 1 || removed[0] != "d1" {
		t.Fatalf("expected clean to remove d1, got %v", removed)
	}
}

func TestWorkerRetriesOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(t)

	var attempts atomic.Int32
	w := c.CreateWorker(ctx, GithubWrites, func(ctx context.Context, payload []byte) error {
		n := attempts.Add(1)
		if n < 2 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}, WorkerOptions{Concurrency: 1, Retry: RetryPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, Multiplier: 1.5, MaxBackoff: time.Second}})
	defer w.Stop()

	if _, err := c.AddJob(ctx, GithubWrites, "gw_1", []byte(`{}`)); err != nil {
		t.Fatalf("add job: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for attempts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if attempts.Load() < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts.Load())
	}
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	status, err := c.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if !status.Healthy {
		t.Fatal("expected healthy status")
	}
}
