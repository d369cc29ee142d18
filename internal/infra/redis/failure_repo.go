package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// FailureRepo implements storage.FailureRepository with one Redis list per
// task. The list expires FailureTTL after the last append.
type FailureRepo struct {
	c *Client
}

var _ storage.FailureRepository = (*FailureRepo)(nil)

// NewFailureRepo creates a new Redis-backed failure repository.
func NewFailureRepo(client *Client) *FailureRepo {
	return &FailureRepo{c: client}
}

func (r *FailureRepo) Add(ctx context.Context, taskID string, rec domain.FailureRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}

	key := r.c.failuresKey(taskID)
	_, err = r.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, r.c.fttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add failure record: %w", err)
	}
	return nil
}

// GetAll returns records in append order, which is step order.
func (r *FailureRepo) GetAll(ctx context.Context, taskID string) ([]domain.FailureRecord, error) {
	items, err := r.c.rdb.LRange(ctx, r.c.failuresKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}

	recs := make([]domain.FailureRecord, 0, len(items))
	for _, item := range items {
		var rec domain.FailureRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *FailureRepo) Count(ctx context.Context, taskID string) (int, error) {
	n, err := r.c.rdb.LLen(ctx, r.c.failuresKey(taskID)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen failed: %w", err)
	}
	return int(n), nil
}

func (r *FailureRepo) Delete(ctx context.Context, taskID string) error {
	return r.c.rdb.Del(ctx, r.c.failuresKey(taskID)).Err()
}
