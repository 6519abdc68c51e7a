// Package queue is the job queue adapter (C2): typed enqueue/consume over
// Redis, with explicit-id idempotency, per-queue worker pools, exponential
// backoff retry, and a drain loop for completed/failed job cleanup.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Name enumerates the typed queues of §4.2.
type Name string

const (
	Webhooks     Name = "webhooks"
	Runs         Name = "runs"
	Agents       Name = "agents"
	Cleanup      Name = "cleanup"
	GithubWrites Name = "github_writes"
)

// Status is a job's terminal or in-flight state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Client adapts a Redis connection to the typed-queue contract. A Client is
// shared by the control plane (addJob, cancel) and the worker process
// (createWorker, clean) — both hold one client per process (§5: single
// client per process).
type Client struct {
	rdb *redis.Client
	log *zap.Logger
}

// Open connects to Redis at redisURL (e.g. redis://localhost:6379).
func Open(redisURL string, log *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{rdb: rdb, log: log.Named("queue")}, nil
}

// HealthStatus reports queue connectivity for readiness probes.
type HealthStatus struct {
	Healthy   bool
	LatencyMs int64
}

// HealthCheck pings Redis and reports round-trip latency.
func (c *Client) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return HealthStatus{Healthy: false}, fmt.Errorf("queue: ping: %w", err)
	}
	return HealthStatus{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

// Close disconnects the Redis client. Workers must be stopped first so
// in-flight jobs finish before the connection is torn down (§4.2 close).
func (c *Client) Close() error {
	return c.rdb.Close()
}

func pendingKey(q Name) string  { return fmt.Sprintf("conductor:queue:%s:pending", q) }
func delayedKey(q Name) string  { return fmt.Sprintf("conductor:queue:%s:delayed", q) }
func jobKey(q Name, id string) string { return fmt.Sprintf("conductor:queue:%s:job:%s", q, id) }
func doneKey(q Name, status Status) string {
	return fmt.Sprintf("conductor:queue:%s:done:%s", q, status)
}
