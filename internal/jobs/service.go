package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/models"
	"analysis-dispatch/internal/queue"
	"analysis-dispatch/internal/telemetry"
)

// Auditor records enqueue events. The Postgres store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Service is the job dispatch facade handed to the HTTP layer and the CLI.
type Service struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	validate *validator.Validate
	audit    Auditor
	logger   *zap.Logger
}

// NewService wraps client. audit may be nil.
func NewService(cfg config.Config, client *redis.Client, audit Auditor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		queue:    queue.NewRedisQueue(client, cfg),
		validate: newValidator(),
		audit:    audit,
		logger:   logger.Named("jobs"),
	}
}

// Initialize verifies the broker is reachable. Call once at startup.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.queue.Ping(ctx); err != nil {
		return err
	}
	s.logger.Info("job queues ready", zap.String("redis", s.cfg.RedisAddr), zap.String("prefix", s.cfg.RedisKeyPrefix))
	return nil
}

// Cleanup closes the broker connection pool. Call once at shutdown.
func (s *Service) Cleanup() error {
	if err := s.queue.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	s.logger.Info("job queues closed")
	return nil
}

// Queue exposes the underlying queue to the dispatcher.
func (s *Service) Queue() *queue.RedisQueue {
	return s.queue
}

func (s *Service) QueueAnalysis(ctx context.Context, p models.AnalysisPayload, opts models.Options) (string, error) {
	return s.enqueue(ctx, models.TypeAnalysis, p, opts)
}

func (s *Service) QueueRetraining(ctx context.Context, p models.RetrainingPayload, opts models.Options) (string, error) {
	return s.enqueue(ctx, models.TypeRetraining, p, opts)
}

func (s *Service) QueueReport(ctx context.Context, p models.ReportPayload, opts models.Options) (string, error) {
	return s.enqueue(ctx, models.TypeReport, p, opts)
}

func (s *Service) QueueEmail(ctx context.Context, p models.EmailPayload, opts models.Options) (string, error) {
	return s.enqueue(ctx, models.TypeEmail, p, opts)
}

func (s *Service) QueueNotification(ctx context.Context, p models.NotificationPayload, opts models.Options) (string, error) {
	return s.enqueue(ctx, models.TypeNotification, p, opts)
}

// Enqueue validates a raw JSON payload against the schema for typ and queues it.
func (s *Service) Enqueue(ctx context.Context, typ models.JobType, raw json.RawMessage, opts models.Options) (string, error) {
	var payload any
	switch typ {
	case models.TypeAnalysis:
		payload = &models.AnalysisPayload{}
	case models.TypeRetraining:
		payload = &models.RetrainingPayload{}
	case models.TypeReport:
		payload = &models.ReportPayload{}
	case models.TypeEmail:
		payload = &models.EmailPayload{}
	case models.TypeNotification:
		payload = &models.NotificationPayload{}
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnknownJobType, typ)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	return s.enqueue(ctx, typ, payload, opts)
}

func (s *Service) enqueue(ctx context.Context, typ models.JobType, payload any, opts models.Options) (string, error) {
	if err := s.validate.Struct(payload); err != nil {
		return "", toValidationError(err)
	}
	if opts.Attempts < 0 || opts.Timeout < 0 || opts.Backoff.Delay < 0 || opts.Backoff.Max < 0 || opts.Backoff.Multiplier < 0 {
		return "", fmt.Errorf("%w: options must not be negative", models.ErrInvalidPayload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}

	job, err := s.queue.Enqueue(ctx, typ, raw, s.withDefaults(opts))
	if err != nil {
		telemetry.EnqueueFailures.WithLabelValues(string(typ)).Inc()
		s.logger.Warn("enqueue failed", zap.String("type", string(typ)), zap.Error(err))
		return "", err
	}
	telemetry.EnqueueCounter.WithLabelValues(string(typ)).Inc()
	if s.audit != nil {
		detail := fmt.Sprintf("max_attempts=%d backoff=%s/%s", job.MaxAttempts, job.Backoff.Type, job.Backoff.Delay)
		if err := s.audit.AppendAudit(ctx, job.ID, "enqueued", detail); err != nil {
			s.logger.Warn("append audit", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	s.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("type", string(typ)))
	return job.ID, nil
}

// withDefaults fills unset options from config.
func (s *Service) withDefaults(opts models.Options) models.Options {
	if opts.Attempts == 0 {
		opts.Attempts = s.cfg.MaxAttempts
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = models.BackoffExponential
	}
	if opts.Backoff.Delay == 0 {
		opts.Backoff.Delay = s.cfg.BackoffInitial
	}
	if opts.Backoff.Max == 0 {
		opts.Backoff.Max = s.cfg.BackoffMax
	}
	if opts.Timeout == 0 {
		opts.Timeout = s.cfg.JobTimeout
	}
	return opts
}

// GetJobStatus returns the polling view of one job.
func (s *Service) GetJobStatus(ctx context.Context, id string) (models.JobStatusView, error) {
	job, err := s.queue.Jobs().Get(ctx, id)
	if err != nil {
		return models.JobStatusView{}, err
	}
	return job.View(), nil
}

// GetQueueStats returns per-status counts for typ, or for every queue when typ is empty.
func (s *Service) GetQueueStats(ctx context.Context, typ string) (map[models.JobType]models.QueueStats, error) {
	types := models.JobTypes
	if typ != "" {
		t, err := models.ParseJobType(typ)
		if err != nil {
			return nil, err
		}
		types = []models.JobType{t}
	}
	return s.queue.Jobs().Stats(ctx, types...)
}

// Evict removes a job record ahead of its retention window.
func (s *Service) Evict(ctx context.Context, id string) error {
	return s.queue.Jobs().Evict(ctx, id)
}
