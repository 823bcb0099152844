package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/models"
)

// RedisQueue keeps one FIFO pending list per job type plus the delayed, lease and
// finished indexes used for retries, stall recovery and retention.
type RedisQueue struct {
	client         *redis.Client
	jobs           *JobStore
	keys           keyspace
	defaultTimeout time.Duration
	stallGrace     time.Duration
}

// NewClient opens a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue and its job store over client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	timeout := cfg.JobTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	grace := cfg.StallGrace
	if grace == 0 {
		grace = 30 * time.Second
	}
	return &RedisQueue{
		client:         client,
		jobs:           NewJobStore(client, cfg.RedisKeyPrefix),
		keys:           newKeyspace(cfg.RedisKeyPrefix),
		defaultTimeout: timeout,
		stallGrace:     grace,
	}
}

// Jobs exposes the underlying job store.
func (q *RedisQueue) Jobs() *JobStore {
	return q.jobs
}

// Ping checks broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	return nil
}

// Close releases the client's connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue creates the job and appends it to the tail of its type's pending list
// in one MULTI block. Broker failures surface as ErrQueueUnavailable and leave no job behind.
func (q *RedisQueue) Enqueue(ctx context.Context, typ models.JobType, payload json.RawMessage, opts models.Options) (models.Job, error) {
	job := q.jobs.newJob(typ, payload, opts)
	pipe := q.client.TxPipeline()
	if err := q.jobs.queueNew(ctx, pipe, job); err != nil {
		return models.Job{}, err
	}
	pipe.RPush(ctx, q.keys.wait(typ), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	return job, nil
}

// DequeueNext pops the head of the pending list and marks it active in one script run.
// It returns ok=false when nothing is pending.
func (q *RedisQueue) DequeueNext(ctx context.Context, typ models.JobType) (models.Job, bool, error) {
	now := time.Now()
	keys := []string{q.keys.wait(typ), q.keys.status(typ, models.StatusWaiting), q.keys.status(typ, models.StatusActive), q.keys.leases(typ)}
	res, err := dequeueScript.Run(ctx, q.client, keys,
		q.keys.jobPrefix(), now.UnixMilli(), q.defaultTimeout.Milliseconds(), q.stallGrace.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("dequeue %s: %w", typ, err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.jobs.Get(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// PromoteDue moves due retries to the tail of the pending list. It returns how many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, typ models.JobType, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.keys.delayed(typ), q.keys.wait(typ)}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", typ, err)
	}
	return n, nil
}

// Complete records a successful run.
func (q *RedisQueue) Complete(ctx context.Context, id string, result json.RawMessage) (models.Job, error) {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	return q.jobs.Update(ctx, id, models.JobUpdate{Status: models.StatusCompleted.Ptr(), Result: result})
}

// Fail records the terminal failure.
func (q *RedisQueue) Fail(ctx context.Context, id string, reason string) (models.Job, error) {
	return q.jobs.Update(ctx, id, models.JobUpdate{Status: models.StatusFailed.Ptr(), Error: &reason})
}

// Retry moves an active job back to waiting. With a positive delay it waits in the
// delayed set until PromoteDue appends it to the pending tail.
func (q *RedisQueue) Retry(ctx context.Context, id string, delay time.Duration) (models.Job, error) {
	return q.jobs.update(ctx, id, models.JobUpdate{Status: models.StatusWaiting.Ptr()}, func(pipe redis.Pipeliner, job models.Job) {
		if delay <= 0 {
			pipe.RPush(ctx, q.keys.wait(job.Type), job.ID)
			return
		}
		due := dueMillis(time.Now(), delay)
		pipe.ZAdd(ctx, q.keys.delayed(job.Type), redis.Z{Score: float64(due), Member: job.ID})
	})
}

// dueMillis rounds up, so PromoteDue never releases a retry before delay has fully elapsed.
func dueMillis(now time.Time, delay time.Duration) int64 {
	due := now.Add(delay)
	ms := due.UnixMilli()
	if due.UnixNano()%int64(time.Millisecond) != 0 {
		ms++
	}
	return ms
}

// SetProgress stores progress for an active job.
func (q *RedisQueue) SetProgress(ctx context.Context, id string, pct int) error {
	_, err := q.jobs.Update(ctx, id, models.JobUpdate{Progress: &pct})
	return err
}

// ExpiredLeases returns active ids whose lease deadline passed.
func (q *RedisQueue) ExpiredLeases(ctx context.Context, typ models.JobType, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.keys.leases(typ), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

// DropLease forgets a lease whose job is no longer active.
func (q *RedisQueue) DropLease(ctx context.Context, typ models.JobType, id string) error {
	return q.client.ZRem(ctx, q.keys.leases(typ), id).Err()
}

// FinishedBefore returns terminal ids completed before cutoff.
func (q *RedisQueue) FinishedBefore(ctx context.Context, typ models.JobType, cutoff time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.keys.finished(typ), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", cutoff.UnixMilli()),
		Count: limit,
	}).Result()
}

// PendingDepth returns the length of the pending list for typ.
func (q *RedisQueue) PendingDepth(ctx context.Context, typ models.JobType) (int64, error) {
	return q.client.LLen(ctx, q.keys.wait(typ)).Result()
}

// dequeueScript skips ids whose record was evicted or is no longer waiting.
var dequeueScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return nil
  end
  local key = ARGV[1] .. id
  if redis.call('HGET', key, 'status') == 'waiting' then
    redis.call('HSET', key, 'status', 'active')
    local started = redis.call('HGET', key, 'started_at')
    if not started or started == '' then
      redis.call('HSET', key, 'started_at', ARGV[2])
    end
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('SMOVE', KEYS[2], KEYS[3], id)
    local timeout = tonumber(redis.call('HGET', key, 'timeout_ms')) or 0
    if timeout <= 0 then
      timeout = tonumber(ARGV[3])
    end
    redis.call('ZADD', KEYS[4], tonumber(ARGV[2]) + timeout + tonumber(ARGV[4]), id)
    return id
  end
end
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)
