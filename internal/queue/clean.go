package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Clean removes up to limit jobs older than graceMs in the given terminal
// status, returning the removed ids. Must be called in a loop until the
// returned batch is smaller than limit (§4.2).
func (c *Client) Clean(ctx context.Context, queue Name, graceMs int64, limit int64, status Status) ([]string, error) {
	if status != StatusCompleted && status != StatusFailed {
		return nil, fmt.Errorf("queue: clean: status must be completed or failed, got %q", status)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(graceMs) * time.Millisecond).UnixMilli()
	key := doneKey(queue, status)

	ids, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: clean zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, jobKey(queue, id))
		pipe.ZRem(ctx, key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: clean delete batch: %w", err)
	}
	return ids, nil
}
