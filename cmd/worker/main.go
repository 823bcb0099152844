package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/jobs"
	"analysis-dispatch/internal/models"
	"analysis-dispatch/internal/queue"
	"analysis-dispatch/internal/store"
	"analysis-dispatch/internal/telemetry"
	workerproc "analysis-dispatch/internal/worker"
	applog "analysis-dispatch/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalf("load config: %v", err)
	}

	logger := applog.InitLog(cfg.LogLevel, cfg.Development())
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Handlers that need Postgres are only registered when a DSN is configured.
	var (
		st       *store.Store
		audit    workerproc.Auditor
		recorder workerproc.AnalysisRecorder
	)
	if cfg.PostgresDSN != "" {
		st, err = store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			logger.Fatal("migrations", zap.Error(err))
		}
		audit, recorder = st, st
	}

	svc := jobs.NewService(cfg, queue.NewClient(cfg), nil, logger)
	if err := svc.Initialize(ctx); err != nil {
		logger.Fatal("initialize queues", zap.Error(err))
	}
	defer func() { _ = svc.Cleanup() }()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, svc.Queue(), audit, logger, workerID)

	analysis := workerproc.NewAnalysisHandler(cfg, recorder, logger)
	processor.RegisterHandler(models.TypeAnalysis, analysis.HandleAnalysis)
	processor.RegisterHandler(models.TypeRetraining, analysis.HandleRetraining)
	processor.RegisterHandler(models.TypeEmail, workerproc.NewEmailHandler(cfg).Handle)
	if st != nil {
		report, err := workerproc.NewReportHandler(ctx, cfg, st)
		if err != nil {
			logger.Fatal("init report handler", zap.Error(err))
		}
		processor.RegisterHandler(models.TypeReport, report.Handle)
		processor.RegisterHandler(models.TypeNotification, workerproc.NewNotificationHandler(st).Handle)
	} else {
		logger.Warn("POSTGRES_DSN not set, report and notification queues are not serviced")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("job_timeout", cfg.JobTimeout),
		zap.Duration("retention", cfg.RetentionTTL),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
