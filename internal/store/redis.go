package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/cloudflyer/internal/model"
)

const (
	// taskKeyPrefix namespaces task records in Redis.
	taskKeyPrefix = "cloudflyer:task:"

	// maxTxRetries bounds optimistic-lock retries in Update.
	maxTxRetries = 16

	scanBatch = 256
)

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis. Each task is one JSON value; Update
// uses WATCH/MULTI so that racing transitions resolve to a single winner.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

// Put stores a new task, failing if the key already exists.
func (s *RedisStore) Put(ctx context.Context, t *model.Task) error {
	if err := checkNew(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	ok, err := s.client.SetNX(ctx, taskKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	if !ok {
		return ErrDuplicateID
	}
	return nil
}

// Get retrieves a task by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return decodeTask(data)
}

// Update applies tr inside an optimistic transaction on the task key.
func (s *RedisStore) Update(ctx context.Context, id string, tr model.Transition) (*model.Task, error) {
	key := taskKey(id)
	var updated *model.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		if !tr.Apply(t) {
			return ErrInvalidTransition
		}
		enc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, 0)
			return nil
		})
		if err == nil {
			updated = t
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Someone else wrote the key first; re-read and re-check.
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update task %s: too much contention", id)
}

// ListByStatus scans all task keys and returns matches oldest first.
func (s *RedisStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	var out []*model.Task
	err := s.scan(ctx, func(t *model.Task) error {
		if t.Status == status {
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats aggregates over all task keys.
func (s *RedisStore) Stats(ctx context.Context) (*TaskStats, error) {
	acc := newStatsAccumulator()
	if err := s.scan(ctx, func(t *model.Task) error {
		acc.add(t)
		return nil
	}); err != nil {
		return nil, err
	}
	return acc.result(), nil
}

// Purge deletes terminal tasks that finished before the cutoff. Terminal
// records are never written again, so deleting them needs no transaction.
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int, error) {
	var stale []string
	if err := s.scan(ctx, func(t *model.Task) error {
		if t.Status.Terminal() && t.FinishedAt != nil && t.FinishedAt.Before(before) {
			stale = append(stale, taskKey(t.ID))
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scan visits every task record. Keys deleted between SCAN and GET are skipped.
func (s *RedisStore) scan(ctx context.Context, fn func(*model.Task) error) error {
	iter := s.client.Scan(ctx, 0, taskKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan tasks: %w", err)
	}
	return nil
}

func decodeTask(data []byte) (*model.Task, error) {
	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
