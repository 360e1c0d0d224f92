package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"hostflow/internal/domain"
)

const keyPrefix = "hostflow:"

func jobKey(id string) string             { return keyPrefix + "job:" + id }
func pendingKey(jobType string) string    { return keyPrefix + "queue:" + jobType + ":pending" }
func processingKey(jobType string) string { return keyPrefix + "queue:" + jobType + ":processing" }
func delayedKey(jobType string) string    { return keyPrefix + "queue:" + jobType + ":delayed" }

const (
	typesKey  = keyPrefix + "types"
	failedKey = keyPrefix + "failed"
)

// RedisStore keeps each job as a JSON string and its position in per-type
// lists: pending (FIFO), processing (claimed) and a delayed sorted set scored
// by run time in unix milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// NewRedisClient creates a client with short timeouts suited to a job store.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

type redisJob struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Args      json.RawMessage `json:"args"`
	State     domain.JobState `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r redisJob) toDomain() domain.Job {
	return domain.Job(r)
}

func (s *RedisStore) load(ctx context.Context, id string) (redisJob, error) {
	raw, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redisJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return redisJob{}, fmt.Errorf("redis get job %s: %w", id, err)
	}
	var j redisJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return redisJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func encode(j redisJob) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return data, nil
}

func (s *RedisStore) Persist(ctx context.Context, dj domain.Job) (string, error) {
	j := redisJob(dj)
	if j.ID == "" {
		j.ID = newJobID()
	}
	now := s.now().UTC()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.State = domain.JobQueued
	j.Args = emptyArgs(j.Args)
	j.CreatedAt, j.UpdatedAt = now, now
	data, err := encode(j)
	if err != nil {
		return "", err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(j.ID), data, 0)
		pipe.SAdd(ctx, typesKey, j.Type)
		if j.RunAt.After(now) {
			pipe.ZAdd(ctx, delayedKey(j.Type), redis.Z{Score: float64(ms(j.RunAt)), Member: j.ID})
		} else {
			pipe.RPush(ctx, pendingKey(j.Type), j.ID)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis persist job %s: %w", j.Type, err)
	}
	return j.ID, nil
}

// promoteDue moves delayed jobs whose run time has passed to the pending list.
func (s *RedisStore) promoteDue(ctx context.Context, jobType string, now time.Time) error {
	ids, err := s.client.ZRangeByScore(ctx, delayedKey(jobType), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ms(now), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis scan delayed %s: %w", jobType, err)
	}
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, delayedKey(jobType), id).Result()
		if err != nil {
			return fmt.Errorf("redis promote %s: %w", id, err)
		}
		// Another process promoted it first.
		if removed == 0 {
			continue
		}
		if err := s.client.RPush(ctx, pendingKey(jobType), id).Err(); err != nil {
			return fmt.Errorf("redis promote %s: %w", id, err)
		}
	}
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context, jobType string, now time.Time) (domain.Job, error) {
	if err := s.promoteDue(ctx, jobType, now); err != nil {
		return domain.Job{}, err
	}
	id, err := s.client.LMove(ctx, pendingKey(jobType), processingKey(jobType), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, domain.ErrEmpty
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("redis dequeue %s: %w", jobType, err)
	}

	j, err := s.load(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobRunning
	j.Attempts++
	j.UpdatedAt = s.now().UTC()
	data, err := encode(j)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.client.Set(ctx, jobKey(id), data, 0).Err(); err != nil {
		return domain.Job{}, fmt.Errorf("redis claim %s: %w", id, err)
	}
	return j.toDomain(), nil
}

func (s *RedisStore) MarkComplete(ctx context.Context, id string) error {
	j, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(j.Type), 1, id)
		pipe.Del(ctx, jobKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis complete %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) MarkFailed(ctx context.Context, id, reason string) error {
	j, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	j.State = domain.JobFailed
	j.LastError = reason
	j.UpdatedAt = s.now().UTC()
	data, err := encode(j)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(j.Type), 1, id)
		pipe.Set(ctx, jobKey(id), data, 0)
		pipe.SAdd(ctx, failedKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis fail %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Requeue(ctx context.Context, id string, runAt time.Time, reason string) error {
	j, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	j.State = domain.JobQueued
	j.RunAt = runAt.UTC()
	j.LastError = reason
	j.UpdatedAt = s.now().UTC()
	data, err := encode(j)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(j.Type), 1, id)
		pipe.Set(ctx, jobKey(id), data, 0)
		// A job due now goes back to the head so it keeps its place ahead of
		// jobs enqueued after it.
		if !j.RunAt.After(j.UpdatedAt) {
			pipe.LPush(ctx, pendingKey(j.Type), id)
		} else {
			pipe.ZAdd(ctx, delayedKey(j.Type), redis.Z{Score: float64(ms(j.RunAt)), Member: id})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis requeue %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (domain.Job, error) {
	j, err := s.load(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return j.toDomain(), nil
}

// RecoverStale moves every claimed job back to the head of its pending list.
func (s *RedisStore) RecoverStale(ctx context.Context) (int, error) {
	types, err := s.client.SMembers(ctx, typesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list types: %w", err)
	}
	n := 0
	for _, jobType := range types {
		for {
			id, err := s.client.LMove(ctx, processingKey(jobType), pendingKey(jobType), "RIGHT", "LEFT").Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return n, fmt.Errorf("redis recover %s: %w", jobType, err)
			}
			if j, err := s.load(ctx, id); err == nil {
				j.State = domain.JobQueued
				if data, err := encode(j); err == nil {
					_ = s.client.Set(ctx, jobKey(id), data, 0).Err()
				}
			}
			n++
		}
	}
	return n, nil
}
