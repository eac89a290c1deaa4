// cmd/worker drains the detection queue. The detector wired here is a
// placeholder that records zero anomalies; deployments register the real
// rule engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/reclaim/internal/config"
	"github.com/you/reclaim/internal/queue"
	"github.com/you/reclaim/internal/storage"
	"github.com/you/reclaim/internal/worker"
)

type noopDetector struct{ logger *zap.Logger }

func (d noopDetector) Detect(_ context.Context, tenantID, syncJobID string) (int, error) {
	d.logger.Info("detection invoked",
		zap.String("tenant_id", tenantID),
		zap.String("sync_job_id", syncJobID))
	return 0, nil
}

func main() {
	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	w := worker.New(queue.New(rdb), storage.New(db), noopDetector{logger}, cfg.DetectionQueue, logger)
	w.Start(ctx)
	logger.Info("worker stopped")
}
