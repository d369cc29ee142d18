package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// ExecutionRepo implements storage.ExecutionRepository using Redis. Records
// are JSON strings indexed by a sorted set scored by timestamp.
type ExecutionRepo struct {
	c *Client
}

var _ storage.ExecutionRepository = (*ExecutionRepo)(nil)

// NewExecutionRepo creates a new Redis-backed execution repository.
func NewExecutionRepo(client *Client) *ExecutionRepo {
	return &ExecutionRepo{c: client}
}

// Save stores the record and updates the index atomically.
func (r *ExecutionRepo) Save(ctx context.Context, rec *domain.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = r.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.c.executionKey(rec.TaskID), data, r.c.ttl)
		pipe.ZAdd(ctx, r.c.indexKey(), redis.Z{
			Score:  float64(rec.Timestamp.UnixMilli()),
			Member: rec.TaskID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) Load(ctx context.Context, taskID string) (*domain.ExecutionRecord, error) {
	data, err := r.c.rdb.Get(ctx, r.c.executionKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var rec domain.ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &rec, nil
}

// List returns all indexed records, newest first. Index entries whose record
// has expired are removed.
func (r *ExecutionRepo) List(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	ids, err := r.c.rdb.ZRevRange(ctx, r.c.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.c.executionKey(id)
	}
	values, err := r.c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	out := make([]*domain.ExecutionRecord, 0, len(ids))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec domain.ExecutionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}

	if len(stale) > 0 {
		r.c.rdb.ZRem(ctx, r.c.indexKey(), stale...)
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (r *ExecutionRepo) Delete(ctx context.Context, taskID string) error {
	var del *redis.IntCmd
	_, err := r.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.c.executionKey(taskID))
		pipe.ZRem(ctx, r.c.indexKey(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if del.Val() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
