package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is a single unit of queued work.
type Job struct {
	ID        string
	Queue     Name
	Payload   []byte
	Status    Status
	Attempt   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddJob enqueues payload under jobID, the job's idempotency key. A second
// call with the same id is a no-op and returns the already-enqueued job
// (§4.2, §8 queue idempotency: first writer wins).
func (c *Client) AddJob(ctx context.Context, queue Name, jobID string, payload []byte) (*Job, error) {
	now := time.Now().UTC()
	key := jobKey(queue, jobID)

	created, err := c.rdb.HSetNX(ctx, key, "payload", string(payload)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: addJob hsetnx: %w", err)
	}
	if !created {
		return c.GetJob(ctx, queue, jobID)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":     string(StatusPending),
		"attempt":    0,
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	pipe.RPush(ctx, pendingKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: addJob enqueue: %w", err)
	}

	return &Job{ID: jobID, Queue: queue, Payload: payload, Status: StatusPending, CreatedAt: now, UpdatedAt: now}, nil
}

// GetJob fetches a job's current state.
func (c *Client) GetJob(ctx context.Context, queue Name, jobID string) (*Job, error) {
	vals, err := c.rdb.HGetAll(ctx, jobKey(queue, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, redis.Nil
	}
	return hashToJob(queue, jobID, vals)
}

func hashToJob(queue Name, jobID string, vals map[string]string) (*Job, error) {
	j := &Job{ID: jobID, Queue: queue, Payload: []byte(vals["payload"]), Status: Status(vals["status"])}
	if a, ok := vals["attempt"]; ok {
		fmt.Sscanf(a, "%d", &j.Attempt)
	}
	if c, ok := vals["created_at"]; ok {
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, c)
	}
	if u, ok := vals["updated_at"]; ok {
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, u)
	}
	return j, nil
}
