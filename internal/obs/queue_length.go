// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples each tier's waiting-queue length and
// updates the job_queue_depth gauge, matching the teacher's queue-length
// sampler but keyed by priority tier instead of raw Redis key.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, tier := range config.Tiers {
					key := config.TierQueueKey(tier)
					n, err := rdb.ZCard(ctx, key).Result()
					if err != nil {
						log.Debug("queue length poll error", String("tier", tier), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(tier).Set(float64(n))
				}
			}
		}
	}()
}
