// Package main runs the background worker that retries remote rule removals.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/restream/config"
	"github.com/aura-webinar/restream/internal/live"
	"github.com/aura-webinar/restream/internal/mediacontrol"
	"github.com/aura-webinar/restream/internal/telemetry"
	"github.com/aura-webinar/restream/internal/worker"
	"github.com/aura-webinar/restream/pkg/database"
	"github.com/aura-webinar/restream/pkg/queue"
	"github.com/aura-webinar/restream/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Redis.Addr == "" {
		logger.Fatal("REDIS_ADDR is required by the worker")
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	telemetry.Init()
	mc := cfg.MediaControl
	client := mediacontrol.NewClient(mediacontrol.Config{
		BaseURL:    mc.BaseURL,
		APIPath:    mc.APIPath,
		ServerUUID: mc.ServerUUID,
		Secret:     mc.Secret,
		Timeout:    mc.Timeout,
	}, mediacontrol.WithLogger(logger), mediacontrol.WithMetrics(telemetry.Remote{}))
	if !client.Enabled() {
		logger.Warn("media control credentials missing; jobs will go to the DLQ")
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewCleanupProcessor(client, jobQueue, logger, worker.WithStreamGuard(
		live.NewRepository(pool),
		live.NewRedisLocker(rdb.Client, cfg.Locks.TTL, logger),
	))

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
