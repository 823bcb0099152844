package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"analysis-dispatch/internal/models"
)

// maxTxRetries bounds optimistic WATCH/MULTI retries for a single update.
const maxTxRetries = 16

// JobStore keeps job records in Redis hashes and the per-status index sets in step with them.
type JobStore struct {
	client *redis.Client
	keys   keyspace
	now    func() time.Time
}

// NewJobStore builds a store over an existing client.
func NewJobStore(client *redis.Client, prefix string) *JobStore {
	return &JobStore{
		client: client,
		keys:   newKeyspace(prefix),
		now:    nowMillis,
	}
}

func nowMillis() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *JobStore) newJob(typ models.JobType, payload json.RawMessage, opts models.Options) models.Job {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return models.Job{
		ID:          uuid.New().String(),
		Type:        typ,
		Payload:     payload,
		Status:      models.StatusWaiting,
		MaxAttempts: attempts,
		Backoff:     opts.Backoff,
		Timeout:     opts.Timeout,
		CreatedAt:   s.now(),
	}
}

// queueNew writes a fresh record and its waiting index into pipe.
func (s *JobStore) queueNew(ctx context.Context, pipe redis.Pipeliner, job models.Job) error {
	fields, err := encodeJob(job)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, s.keys.job(job.ID), fields)
	pipe.SAdd(ctx, s.keys.status(job.Type, job.Status), job.ID)
	return nil
}

// Create stores a new waiting job without placing it on a pending list.
func (s *JobStore) Create(ctx context.Context, typ models.JobType, payload json.RawMessage, opts models.Options) (models.Job, error) {
	job := s.newJob(typ, payload, opts)
	pipe := s.client.TxPipeline()
	if err := s.queueNew(ctx, pipe, job); err != nil {
		return models.Job{}, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (models.Job, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.job(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(vals) == 0 {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return decodeJob(vals)
}

// Update applies upd atomically and keeps the status index sets consistent.
func (s *JobStore) Update(ctx context.Context, id string, upd models.JobUpdate) (models.Job, error) {
	return s.update(ctx, id, upd, nil)
}

// update runs upd under WATCH on the job hash. extra, when set, queues further
// commands into the same MULTI block.
func (s *JobStore) update(ctx context.Context, id string, upd models.JobUpdate, extra func(redis.Pipeliner, models.Job)) (models.Job, error) {
	key := s.keys.job(id)
	var out models.Job

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		prev, err := decodeJob(vals)
		if err != nil {
			return err
		}
		next, err := prev.Apply(upd, s.now())
		if err != nil {
			return err
		}
		fields, err := encodeJob(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if next.Status != prev.Status {
				pipe.SMove(ctx, s.keys.status(prev.Type, prev.Status), s.keys.status(next.Type, next.Status), id)
			}
			if next.Status != models.StatusActive {
				pipe.ZRem(ctx, s.keys.leases(next.Type), id)
			}
			if next.Status.IsTerminal() {
				pipe.ZAdd(ctx, s.keys.finished(next.Type), redis.Z{Score: float64(next.CompletedAt.UnixMilli()), Member: id})
			}
			if extra != nil {
				extra(pipe, next)
			}
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.Job{}, err
		}
		return out, nil
	}
	return models.Job{}, fmt.Errorf("update job %s: %w", id, redis.TxFailedErr)
}

// Evict removes the record and every index that references it.
func (s *JobStore) Evict(ctx context.Context, id string) error {
	key := s.keys.job(id)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldType, fieldStatus).Result()
		if err != nil {
			return err
		}
		typ, _ := vals[0].(string)
		status, _ := vals[1].(string)
		if typ == "" {
			return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		t := models.JobType(typ)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.keys.status(t, models.Status(status)), id)
			pipe.LRem(ctx, s.keys.wait(t), 0, id)
			pipe.ZRem(ctx, s.keys.delayed(t), id)
			pipe.ZRem(ctx, s.keys.leases(t), id)
			pipe.ZRem(ctx, s.keys.finished(t), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("evict job %s: %w", id, redis.TxFailedErr)
}

// Stats counts jobs per status for each requested type inside one MULTI block,
// so the snapshot is consistent across statuses and types.
func (s *JobStore) Stats(ctx context.Context, types ...models.JobType) (map[models.JobType]models.QueueStats, error) {
	if len(types) == 0 {
		types = models.JobTypes
	}
	cmds := make(map[models.JobType][]*redis.IntCmd, len(types))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range types {
			for _, st := range models.Statuses {
				cmds[t] = append(cmds[t], pipe.SCard(ctx, s.keys.status(t, st)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	out := make(map[models.JobType]models.QueueStats, len(types))
	for t, c := range cmds {
		out[t] = models.QueueStats{
			Waiting:   c[0].Val(),
			Active:    c[1].Val(),
			Completed: c[2].Val(),
			Failed:    c[3].Val(),
		}
	}
	return out, nil
}
