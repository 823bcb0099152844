package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/models"
	"analysis-dispatch/internal/queue"
	"analysis-dispatch/internal/telemetry"
)

// Handler executes a job for a given type and returns a JSON-encodable result.
type Handler func(ctx context.Context, job models.Job, progress ProgressFunc) (any, error)

// ProgressFunc reports completion percentage (0-100) for the running job.
type ProgressFunc func(pct int)

// Auditor records lifecycle events. The Postgres store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Processor drives the queue-to-handler pipeline for every registered job type.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	audit    Auditor
	logger   *zap.Logger
	handlers map[models.JobType]Handler
	workerID string
}

// NewProcessor builds a processor. audit may be nil.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, audit Auditor, logger *zap.Logger, workerID string) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		audit:    audit,
		logger:   logger.Named("dispatcher"),
		handlers: make(map[models.JobType]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the per-type worker loops and the janitor until ctx is cancelled.
// Jobs already claimed when ctx ends run to completion.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range models.JobTypes {
		if _, ok := p.handlers[t]; !ok {
			continue
		}
		t := t
		n := p.concurrency(t)
		p.logger.Info("starting workers", zap.String("type", string(t)), zap.Int("concurrency", n))
		for i := 0; i < n; i++ {
			g.Go(func() error { return p.loop(ctx, t) })
		}
	}
	g.Go(func() error { return p.runJanitor(ctx) })
	return g.Wait()
}

func (p *Processor) concurrency(t models.JobType) int {
	if n := p.cfg.Concurrency[string(t)]; n > 0 {
		return n
	}
	return 1
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval > 0 {
		return p.cfg.WorkerPollInterval
	}
	return time.Second
}

func (p *Processor) loop(ctx context.Context, typ models.JobType) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.queue.PromoteDue(ctx, typ, time.Now(), p.batchSize()); err != nil && ctx.Err() == nil {
			p.logger.Warn("promote delayed jobs", zap.String("type", string(typ)), zap.Error(err))
		}

		job, ok, err := p.queue.DequeueNext(ctx, typ)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dequeue", zap.String("type", string(typ)), zap.Error(err))
		}
		if err != nil || !ok {
			if !sleepCtx(ctx, p.pollInterval()) {
				return ctx.Err()
			}
			continue
		}
		p.process(ctx, job)
	}
}

// process runs one claimed job and records its outcome. It ignores cancellation
// of the parent context so a claimed job is never abandoned mid-flight.
func (p *Processor) process(parent context.Context, job models.Job) {
	ctx := context.WithoutCancel(parent)
	typ := string(job.Type)
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("type", typ), zap.Int("attempt", job.Attempts))

	p.appendAudit(ctx, job.ID, "claimed", fmt.Sprintf("attempt=%d/%d worker=%s", job.Attempts, job.MaxAttempts, p.workerID))
	telemetry.InFlightGauge.WithLabelValues(typ).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(typ).Dec()

	start := time.Now()
	result, err := p.runJob(ctx, job)
	if err == nil {
		telemetry.HandlerDuration.WithLabelValues(typ, "success").Observe(time.Since(start).Seconds())
		if _, uerr := p.queue.Complete(ctx, job.ID, result); uerr != nil {
			p.recordFailure(log, "complete job", uerr)
			return
		}
		p.appendAudit(ctx, job.ID, "completed", "")
		telemetry.WorkerSuccess.WithLabelValues(typ).Inc()
		log.Info("job completed", zap.Duration("took", time.Since(start)))
		return
	}

	telemetry.HandlerDuration.WithLabelValues(typ, "failure").Observe(time.Since(start).Seconds())
	if job.CanRetry() {
		delay := job.Backoff.Next(job.Attempts)
		if _, uerr := p.queue.Retry(ctx, job.ID, delay); uerr != nil {
			p.recordFailure(log, "schedule retry", uerr)
			return
		}
		p.appendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("delay=%s attempts=%d error=%s", delay, job.Attempts, err))
		telemetry.WorkerRetries.WithLabelValues(typ).Inc()
		log.Warn("job failed, retry scheduled", zap.Duration("delay", delay), zap.Error(err))
		return
	}

	if _, uerr := p.queue.Fail(ctx, job.ID, err.Error()); uerr != nil {
		p.recordFailure(log, "fail job", uerr)
		return
	}
	p.appendAudit(ctx, job.ID, "failed", err.Error())
	telemetry.WorkerFailures.WithLabelValues(typ).Inc()
	log.Error("job failed", zap.Error(err))
}

type handlerResult struct {
	value any
	err   error
}

// runJob invokes the handler under the job's timeout and returns the encoded result.
func (p *Processor) runJob(ctx context.Context, job models.Job) (json.RawMessage, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", job.Type)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.cfg.JobTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progress := func(pct int) {
		if err := p.queue.SetProgress(ctx, job.ID, pct); err != nil {
			p.logger.Debug("progress update dropped", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("processor panicked: %v", r)}
			}
		}()
		v, err := handler(ctx, job, progress)
		done <- handlerResult{value: v, err: err}
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = handlerResult{err: ctx.Err()}
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("processor timed out after %s: %w", timeout, res.err)
		}
		return nil, res.err
	}
	return encodeResult(res.value)
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if len(r) == 0 {
			return json.RawMessage(`null`), nil
		}
		return r, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

// recordFailure logs store errors. Broken transitions are programming errors:
// DPanic panics in development builds and logs in production.
func (p *Processor) recordFailure(log *zap.Logger, op string, err error) {
	if errors.Is(err, models.ErrInvalidTransition) {
		log.DPanic(op, zap.Error(err))
		return
	}
	log.Error(op, zap.Error(err))
}

func (p *Processor) appendAudit(ctx context.Context, jobID, event, detail string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.AppendAudit(ctx, jobID, event, detail); err != nil {
		p.logger.Warn("append audit", zap.String("job_id", jobID), zap.String("event", event), zap.Error(err))
	}
}

func (p *Processor) batchSize() int64 {
	if p.cfg.JanitorBatchSize > 0 {
		return p.cfg.JanitorBatchSize
	}
	return 100
}

// sleepCtx waits for d or until ctx ends. It reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
