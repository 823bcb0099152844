package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "analysis-dispatch/internal/api"
	"analysis-dispatch/internal/auth"
	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/jobs"
	"analysis-dispatch/internal/queue"
	"analysis-dispatch/internal/ratelimit"
	"analysis-dispatch/internal/store"
	applog "analysis-dispatch/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalf("load config: %v", err)
	}

	logger := applog.InitLog(cfg.LogLevel, cfg.Development())
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		audit jobs.Auditor
		db    api.Pinger
	)
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			logger.Fatal("migrations", zap.Error(err))
		}
		audit, db = st, st
	}

	client := queue.NewClient(cfg)
	svc := jobs.NewService(cfg, client, audit, logger)
	if err := svc.Initialize(ctx); err != nil {
		logger.Fatal("initialize queues", zap.Error(err))
	}
	defer func() {
		if err := svc.Cleanup(); err != nil {
			logger.Warn("cleanup queues", zap.Error(err))
		}
	}()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		logger.Fatal("init auth", zap.Error(err))
	}
	limiter := ratelimit.NewTokenBucket(client, cfg.RedisKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, svc, verifier, limiter, db, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
