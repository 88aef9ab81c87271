// Copyright 2025 James Ross
// Package reaper recovers jobs abandoned by a worker that died mid-claim: it
// scans every worker's processing list and, when the matching heartbeat key
// is gone, requeues the stranded entries onto their own tier.
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

// processingListGlob turns the teacher's fmt-style ProcessingListPattern
// ("...%s...") into the wildcard glob Redis SCAN MATCH expects.
func (r *Reaper) processingListGlob() string {
	return strings.Replace(r.cfg.Worker.ProcessingListPattern, "%s", "*", 1)
}

func (r *Reaper) scanOnce(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, r.processingListGlob(), 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			workerID := workerIDFromProcessingList(r.cfg.Worker.ProcessingListPattern, plist)
			if workerID == "" {
				continue
			}
			hbKey := fmt.Sprintf(r.cfg.Worker.HeartbeatKeyPattern, workerID)
			exists, err := r.rdb.Exists(ctx, hbKey).Result()
			if err != nil {
				r.log.Warn("reaper heartbeat check error", obs.Err(err))
				continue
			}
			if exists == 1 {
				continue // worker healthy
			}
			r.requeueAll(ctx, plist)
		}
		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) requeueAll(ctx context.Context, plist string) {
	for {
		payload, err := r.rdb.RPop(ctx, plist).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			r.log.Warn("reaper rpop error", obs.Err(err))
			break
		}
		entry, err := model.UnmarshalQueueEntry([]byte(payload))
		if err != nil {
			r.log.Warn("reaper dropped unparseable payload", obs.Err(err))
			continue
		}
		entry.NextAttemptAt = time.Now().UTC()
		requeued, err := entry.Marshal()
		if err != nil {
			r.log.Error("requeue marshal failed", obs.Err(err))
			continue
		}
		dest := config.TierQueueKey(tierConfigKey(entry.Tier))
		score := broker.QueueScore(entry.Priority, entry.NextAttemptAt)
		if err := r.rdb.ZAdd(ctx, dest, redis.Z{Score: score, Member: requeued}).Err(); err != nil {
			r.log.Error("requeue failed", obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued abandoned job",
			obs.String("id", entry.JobID), obs.String("to", dest))
	}
}

func tierConfigKey(t model.PriorityTier) string {
	switch t {
	case model.TierHigh:
		return "high"
	case model.TierNormal:
		return "normal"
	default:
		return "low"
	}
}

// workerIDFromProcessingList extracts the workerID token a processing list
// key was generated from, by matching the literal prefix/suffix around the
// pattern's single "%s" placeholder.
func workerIDFromProcessingList(pattern, key string) string {
	idx := strings.Index(pattern, "%s")
	if idx < 0 || len(key) < len(pattern)-2 {
		return ""
	}
	prefix := pattern[:idx]
	suffix := pattern[idx+2:]
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
