// cmd/reaper runs the queue sweep standalone, so stuck detection work is
// recovered even when no API process is alive. It also promotes due
// delayed jobs each tick.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/reclaim/internal/config"
	"github.com/you/reclaim/internal/events"
	"github.com/you/reclaim/internal/queue"
	"github.com/you/reclaim/internal/reaper"
)

func main() {
	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", zap.Error(err))
		os.Exit(1)
	}

	q := queue.New(rdb)
	bc := events.NewBroadcaster(rdb, logger)

	rp := reaper.New(bc, logger, reaper.Options{
		Interval:       cfg.ReaperInterval,
		StuckThreshold: cfg.StuckJobThreshold,
		AlertThreshold: cfg.QueueAlertThreshold,
		MaxAutoRetries: cfg.MaxAutoRetries,
	})
	rp.RegisterQueue(cfg.DetectionQueue, q)
	rp.Start(ctx)
	logger.Info("reaper started",
		zap.String("queue", cfg.DetectionQueue),
		zap.Duration("interval", cfg.ReaperInterval))

	// Promote due delayed jobs alongside the sweep loop.
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			rp.Stop()
			logger.Info("reaper stopped")
			return
		case <-tick.C:
			if err := q.MoveDue(ctx, cfg.DetectionQueue, time.Now().UTC().Unix(), 200); err != nil {
				logger.Warn("move due failed", zap.Error(err))
			}
		}
	}
}
