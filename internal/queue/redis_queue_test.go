package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, config.Config{RedisKeyPrefix: "test", JobTimeout: time.Second, StallGrace: time.Second})
	return q, mr
}

func TestEnqueueStartsWaiting(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.Enqueue(ctx, models.TypeAnalysis, json.RawMessage(`{"contextId":"c1"}`), models.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, 1, job.MaxAttempts)

	got, err := q.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, got.Status)
	require.Equal(t, 0, got.Progress)
	require.JSONEq(t, `{"contextId":"c1"}`, string(got.Payload))
	require.True(t, job.CreatedAt.Equal(got.CreatedAt))
}

func TestDequeueIsFIFOPerType(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(ctx, models.TypeAnalysis, nil, models.Options{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	other, err := q.Enqueue(ctx, models.TypeEmail, nil, models.Options{})
	require.NoError(t, err)

	for _, want := range ids {
		job, ok, err := q.DequeueNext(ctx, models.TypeAnalysis)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, job.ID)
		require.Equal(t, models.StatusActive, job.Status)
		require.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.StartedAt)
	}

	_, ok, err := q.DequeueNext(ctx, models.TypeAnalysis)
	require.NoError(t, err)
	require.False(t, ok)

	job, ok, err := q.DequeueNext(ctx, models.TypeEmail)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, other.ID, job.ID)
}

func TestConcurrentDequeueNeverDoubleDispatches(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	const n = 50
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, models.TypeNotification, nil, models.Options{})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := q.DequeueNext(ctx, models.TypeNotification)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equalf(t, 1, count, "job %s dispatched %d times", id, count)
	}
}

func TestStatsTrackEveryStatus(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, models.TypeReport, nil, models.Options{})
		require.NoError(t, err)
	}
	a, _, err := q.DequeueNext(ctx, models.TypeReport)
	require.NoError(t, err)
	b, _, err := q.DequeueNext(ctx, models.TypeReport)
	require.NoError(t, err)
	_, _, err = q.DequeueNext(ctx, models.TypeReport)
	require.NoError(t, err)

	_, err = q.Complete(ctx, a.ID, json.RawMessage(`{"url":"x"}`))
	require.NoError(t, err)
	_, err = q.Fail(ctx, b.ID, "renderer crashed")
	require.NoError(t, err)

	stats, err := q.Jobs().Stats(ctx, models.TypeReport)
	require.NoError(t, err)
	require.Equal(t, models.QueueStats{Waiting: 1, Active: 1, Completed: 1, Failed: 1}, stats[models.TypeReport])
	require.EqualValues(t, 4, stats[models.TypeReport].Total())

	all, err := q.Jobs().Stats(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(models.JobTypes))
	require.Zero(t, all[models.TypeEmail].Total())
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, models.TypeAnalysis, nil, models.Options{})
	require.NoError(t, err)
	job, _, err := q.DequeueNext(ctx, models.TypeAnalysis)
	require.NoError(t, err)

	done, err := q.Complete(ctx, job.ID, json.RawMessage(`{"p":0.6}`))
	require.NoError(t, err)
	require.Equal(t, 100, done.Progress)
	require.NotNil(t, done.CompletedAt)

	_, err = q.Jobs().Update(ctx, job.ID, models.JobUpdate{Status: models.StatusWaiting.Ptr()})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = q.Fail(ctx, job.ID, "late failure")
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRetryWithDelayWaitsForPromotion(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, models.TypeRetraining, nil, models.Options{Attempts: 2})
	require.NoError(t, err)
	job, _, err := q.DequeueNext(ctx, models.TypeRetraining)
	require.NoError(t, err)

	retried, err := q.Retry(ctx, job.ID, time.Minute)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, retried.Status)

	_, ok, err := q.DequeueNext(ctx, models.TypeRetraining)
	require.NoError(t, err)
	require.False(t, ok, "delayed retry must not be dispatched early")

	n, err := q.PromoteDue(ctx, models.TypeRetraining, time.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.PromoteDue(ctx, models.TypeRetraining, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, ok, err := q.DequeueNext(ctx, models.TypeRetraining)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
	require.True(t, job.StartedAt.Equal(*again.StartedAt))
}

func TestRetryDueTimeRoundsUp(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000).Add(400 * time.Microsecond)
	require.Equal(t, int64(1_700_000_001_001), dueMillis(now, time.Second))
	require.Equal(t, int64(1_700_000_001_000), dueMillis(time.UnixMilli(1_700_000_000_000), time.Second))
}

func TestRetryIsNotPromotedBeforeDelay(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.Enqueue(ctx, models.TypeEmail, json.RawMessage(`{}`), models.Options{Attempts: 2})
	require.NoError(t, err)
	_, ok, err := q.DequeueNext(ctx, models.TypeEmail)
	require.NoError(t, err)
	require.True(t, ok)

	retriedAt := time.Now()
	_, err = q.Retry(ctx, job.ID, time.Second)
	require.NoError(t, err)

	n, err := q.PromoteDue(ctx, models.TypeEmail, retriedAt.Add(999*time.Millisecond), 10)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.PromoteDue(ctx, models.TypeEmail, time.Now().Add(time.Second+time.Millisecond), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProgressOnlyWhileActive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.Enqueue(ctx, models.TypeReport, nil, models.Options{})
	require.NoError(t, err)
	require.ErrorIs(t, q.SetProgress(ctx, job.ID, 10), models.ErrInvalidTransition)

	_, _, err = q.DequeueNext(ctx, models.TypeReport)
	require.NoError(t, err)
	require.NoError(t, q.SetProgress(ctx, job.ID, 55))

	got, err := q.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 55, got.Progress)
}

func TestEvictRemovesRecordAndIndexes(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	waiting, err := q.Enqueue(ctx, models.TypeEmail, nil, models.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Jobs().Evict(ctx, waiting.ID))

	_, err = q.Jobs().Get(ctx, waiting.ID)
	require.ErrorIs(t, err, models.ErrJobNotFound)
	require.ErrorIs(t, q.Jobs().Evict(ctx, waiting.ID), models.ErrJobNotFound)

	depth, err := q.PendingDepth(ctx, models.TypeEmail)
	require.NoError(t, err)
	require.Zero(t, depth)

	stats, err := q.Jobs().Stats(ctx, models.TypeEmail)
	require.NoError(t, err)
	require.Zero(t, stats[models.TypeEmail].Total())
}

func TestFinishedBeforeAndExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, models.TypeAnalysis, nil, models.Options{})
	require.NoError(t, err)
	job, _, err := q.DequeueNext(ctx, models.TypeAnalysis)
	require.NoError(t, err)

	expired, err := q.ExpiredLeases(ctx, models.TypeAnalysis, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, expired)
	expired, err = q.ExpiredLeases(ctx, models.TypeAnalysis, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, expired)

	_, err = q.Complete(ctx, job.ID, nil)
	require.NoError(t, err)

	expired, err = q.ExpiredLeases(ctx, models.TypeAnalysis, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, expired, "terminal jobs drop their lease")

	old, err := q.FinishedBefore(ctx, models.TypeAnalysis, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, old)
}

func TestCreateWithoutPendingList(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.Jobs().Create(ctx, models.TypeNotification, nil, models.Options{Attempts: 3})
	require.NoError(t, err)
	require.Equal(t, 3, job.MaxAttempts)
	require.JSONEq(t, `{}`, string(job.Payload))

	_, ok, err := q.DequeueNext(ctx, models.TypeNotification)
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := q.Jobs().Stats(ctx, models.TypeNotification)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats[models.TypeNotification].Waiting)
}

func TestGetUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Jobs().Get(context.Background(), "nonexistent-id")
	require.ErrorIs(t, err, models.ErrJobNotFound)

	_, err = q.Jobs().Update(context.Background(), "nonexistent-id", models.JobUpdate{Status: models.StatusActive.Ptr()})
	require.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestEnqueueWhenBrokerDown(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), models.TypeAnalysis, nil, models.Options{})
	require.ErrorIs(t, err, models.ErrQueueUnavailable)
	require.ErrorIs(t, q.Ping(context.Background()), models.ErrQueueUnavailable)
}
