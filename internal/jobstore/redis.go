package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopforge/exporter/internal/model"
)

const maxWatchRetries = 8

// RedisStore keeps each job as a JSON document under job:<id>.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore creates a store on an existing client. A zero ttl keeps
// records until removed externally.
func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: redisClient, ttl: ttl}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (s *RedisStore) Create(ctx context.Context, owner string, payload model.JobPayload) (*model.Job, error) {
	job := newPendingJob(owner, payload)

	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("job %s already exists", job.ID)
	}
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.load(ctx, s.redis, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Transition uses WATCH/MULTI so a concurrent writer aborts the exec and the
// loser re-reads the status it raced against.
func (s *RedisStore) Transition(ctx context.Context, id string, from, to model.JobStatus, fields model.JobFields) (*model.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	key := jobKey(id)
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := applyTransition(job, from, to, fields); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: job %s kept changing during transition", ErrConflict, id)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
