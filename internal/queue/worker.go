package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one job's payload with at-least-once semantics. A
// returned error triggers a retry with backoff; a nil return commits the
// job (§4.2). A handler that wants to mark an item permanently failed must
// not return an error — it must update its own application state and
// return nil.
type Handler func(ctx context.Context, payload []byte) error

// RetryPolicy configures the exponential-backoff-with-jitter default
// described in §4.2.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy matches the per-queue default of §4.2.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 2 * time.Second, Multiplier: 2.0, MaxBackoff: 2 * time.Minute}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	jitter := d * (0.5 + rand.Float64()*0.5)
	return time.Duration(jitter)
}

// WorkerOptions configures a consumer pool started by CreateWorker.
type WorkerOptions struct {
	Concurrency int
	Retry       RetryPolicy
}

// Worker is a running consumer pool for one queue.
type Worker struct {
	queue   Name
	client  *Client
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.Logger
}

// CreateWorker starts a consumer with the given concurrency; the handler is
// invoked once per job with at-least-once semantics (§4.2).
func (c *Client) CreateWorker(ctx context.Context, queue Name, handler Handler, opts WorkerOptions) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := &Worker{queue: queue, client: c, cancel: cancel, log: c.log.With(zap.String("queue", string(queue)))}

	w.wg.Add(1)
	go w.promoteDelayed(workerCtx)

	for i := 0; i < opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.consume(workerCtx, handler, opts.Retry)
	}
	return w
}

// Stop signals the worker to stop accepting new jobs and waits for
// in-flight jobs to finish (§4.11 graceful shutdown).
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context, handler Handler, retry RetryPolicy) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := w.client.rdb.BLPop(ctx, 2*time.Second, pendingKey(w.queue)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Warn("blpop failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}
		jobID := res[1]
		w.handleOne(ctx, jobID, handler, retry)
	}
}

func (w *Worker) handleOne(ctx context.Context, jobID string, handler Handler, retry RetryPolicy) {
	key := jobKey(w.queue, jobID)
	vals, err := w.client.rdb.HGetAll(ctx, key).Result()
	if err != nil || len(vals) == 0 {
		w.log.Warn("job hash missing", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	job, err := hashToJob(w.queue, jobID, vals)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	w.client.rdb.HSet(ctx, key, "status", string(StatusRunning), "updated_at", now.Format(time.RFC3339Nano))

	handlerErr := handler(ctx, job.Payload)
	now = time.Now().UTC()

	if handlerErr == nil {
		pipe := w.client.rdb.TxPipeline()
		pipe.HSet(ctx, key, "status", string(StatusCompleted), "updated_at", now.Format(time.RFC3339Nano))
		pipe.ZAdd(ctx, doneKey(w.queue, StatusCompleted), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
		pipe.Exec(ctx)
		return
	}

	attempt := job.Attempt + 1
	if attempt >= retry.MaxAttempts {
		pipe := w.client.rdb.TxPipeline()
		pipe.HSet(ctx, key, "status", string(StatusFailed), "attempt", attempt, "updated_at", now.Format(time.RFC3339Nano))
		pipe.ZAdd(ctx, doneKey(w.queue, StatusFailed), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
		pipe.Exec(ctx)
		w.log.Error("job exhausted retries", zap.String("job_id", jobID), zap.Error(handlerErr))
		return
	}

	delay := retry.backoff(attempt)
	readyAt := now.Add(delay)
	pipe := w.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, "status", string(StatusRetrying), "attempt", attempt, "updated_at", now.Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, delayedKey(w.queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID})
	pipe.Exec(ctx)
}

// promoteDelayed periodically moves due retries from the delayed sorted set
// back onto the pending list.
func (w *Worker) promoteDelayed(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDue(ctx)
		}
	}
}

func (w *Worker) promoteDue(ctx context.Context) {
	now := float64(time.Now().UTC().UnixMilli())
	ids, err := w.client.rdb.ZRangeByScore(ctx, delayedKey(w.queue), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		pipe := w.client.rdb.TxPipeline()
		pipe.ZRem(ctx, delayedKey(w.queue), id)
		pipe.RPush(ctx, pendingKey(w.queue), id)
		pipe.Exec(ctx)
	}
}
