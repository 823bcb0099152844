package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"analysis-dispatch/internal/models"
	"analysis-dispatch/internal/telemetry"
)

const stalledReason = "job stalled: worker stopped responding before the lease expired"

func (p *Processor) runJanitor(ctx context.Context) error {
	interval := p.cfg.JanitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(ctx, time.Now())
		}
	}
}

// SweepResult counts what one janitor pass changed.
type SweepResult struct {
	Recovered int
	Evicted   int
}

// Sweep reclaims stalled jobs, evicts terminal jobs past retention and refreshes depth gauges.
func (p *Processor) Sweep(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult
	for _, t := range models.JobTypes {
		res.Recovered += p.recoverStalled(ctx, t, now)
		res.Evicted += p.evictExpired(ctx, t, now)
		if depth, err := p.queue.PendingDepth(ctx, t); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(string(t)).Set(float64(depth))
		}
	}
	if res.Recovered > 0 || res.Evicted > 0 {
		p.logger.Info("janitor sweep", zap.Int("recovered", res.Recovered), zap.Int("evicted", res.Evicted))
	}
	return res
}

func (p *Processor) recoverStalled(ctx context.Context, t models.JobType, now time.Time) int {
	ids, err := p.queue.ExpiredLeases(ctx, t, now, p.batchSize())
	if err != nil {
		p.logger.Warn("list expired leases", zap.String("type", string(t)), zap.Error(err))
		return 0
	}

	recovered := 0
	for _, id := range ids {
		job, err := p.queue.Jobs().Get(ctx, id)
		if errors.Is(err, models.ErrJobNotFound) || (err == nil && job.Status != models.StatusActive) {
			_ = p.queue.DropLease(ctx, t, id)
			continue
		}
		if err != nil {
			p.logger.Warn("load stalled job", zap.String("job_id", id), zap.Error(err))
			continue
		}

		if job.CanRetry() {
			_, err = p.queue.Retry(ctx, id, 0)
		} else {
			_, err = p.queue.Fail(ctx, id, stalledReason)
		}
		if err != nil {
			// Another worker or janitor settled the job first.
			p.logger.Debug("stalled job already settled", zap.String("job_id", id), zap.Error(err))
			continue
		}
		p.appendAudit(ctx, id, "stalled", stalledReason)
		telemetry.StalledJobs.WithLabelValues(string(t)).Inc()
		recovered++
	}
	return recovered
}

func (p *Processor) evictExpired(ctx context.Context, t models.JobType, now time.Time) int {
	ttl := p.cfg.RetentionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ids, err := p.queue.FinishedBefore(ctx, t, now.Add(-ttl), p.batchSize())
	if err != nil {
		p.logger.Warn("list finished jobs", zap.String("type", string(t)), zap.Error(err))
		return 0
	}

	evicted := 0
	for _, id := range ids {
		if err := p.queue.Jobs().Evict(ctx, id); err != nil && !errors.Is(err, models.ErrJobNotFound) {
			p.logger.Warn("evict job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		evicted++
	}
	if evicted > 0 {
		telemetry.EvictedJobs.WithLabelValues(string(t)).Add(float64(evicted))
	}
	return evicted
}
