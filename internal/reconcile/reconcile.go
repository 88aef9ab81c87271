// Copyright 2025 James Ross
// Package reconcile implements the periodic reconciliation sweep (spec.md
// §7) and the broker's completed/dead-letter retention GC. Both run on a
// github.com/robfig/cron/v3 schedule rather than the reaper's tight
// time.Ticker loop, since neither needs sub-minute responsiveness.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrCodeStalled is the terminal error code a sweep assigns a job whose
// owning worker went silent (spec.md §7).
const ErrCodeStalled = "STALLED"

// Sweeper runs the stalled-job sweep and broker retention GC on a cron
// schedule.
type Sweeper struct {
	cfg   *config.Config
	store store.Store
	rdb   *redis.Client
	log   *zap.Logger
	cron  *cron.Cron
}

func New(cfg *config.Config, st store.Store, rdb *redis.Client, log *zap.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, store: st, rdb: rdb, log: log, cron: cron.New()}
}

// Start schedules the stalled-job sweep at cfg.Retention.SweepInterval and
// the retention GC once a day, then starts the cron scheduler. Callers stop
// it via Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	interval := s.cfg.Retention.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := s.SweepStalled(ctx); err != nil {
			s.log.Error("stalled job sweep failed", obs.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule stalled sweep: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", func() {
		if err := s.GCRetention(ctx); err != nil {
			s.log.Error("retention gc failed", obs.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule retention gc: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, blocking until any in-flight run finishes.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepStalled force-fails jobs whose status is still PENDING, QUEUED, or
// PROCESSING but whose last transition predates 2x the worker job timeout
// (spec.md §7). It returns the number of jobs recovered this pass.
func (s *Sweeper) SweepStalled(ctx context.Context) (int, error) {
	factor := s.cfg.Retention.StalledFactor
	if factor <= 0 {
		factor = 2.0
	}
	cutoff := time.Now().UTC().Add(-time.Duration(float64(s.cfg.Worker.JobTimeout) * factor))

	stalled, err := s.store.StalledJobs(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("find stalled jobs: %w", err)
	}

	recovered := 0
	for _, job := range stalled {
		_, err := s.store.TransitionJob(ctx, job.OrganizationID, job.ID,
			[]model.JobStatus{model.StatusPending, model.StatusQueued, model.StatusProcessing},
			model.StatusFailed,
			func(j *model.Job) {
				now := time.Now().UTC()
				j.CompletedAt = &now
				j.ErrorCode = ErrCodeStalled
				j.ErrorMessage = "no worker heartbeat observed within the stall window"
			})
		if err != nil {
			if err == store.ErrConflict {
				// Settled by something else (completed, cancelled) between the
				// scan and this CAS; not our problem to report.
				continue
			}
			s.log.Warn("stalled job transition failed", obs.String("jobId", job.ID), obs.Err(err))
			continue
		}
		obs.ReconcileRecovered.Inc()
		obs.JobsFailed.Inc()
		recovered++
		s.log.Warn("marked job stalled", obs.String("jobId", job.ID), obs.String("org", job.OrganizationID))
	}
	return recovered, nil
}

// GCRetention trims the broker's completed and dead-letter lists down to
// their configured retention windows. Both lists grow from the head (newest
// first), so the oldest entries sit at the tail; this walks from the head
// and trims everything from the first entry older than the window onward.
func (s *Sweeper) GCRetention(ctx context.Context) error {
	if err := s.trimOlderThan(ctx, config.CompletedListKey(), s.cfg.Worker.CompletedRetention); err != nil {
		return fmt.Errorf("gc completed list: %w", err)
	}
	if err := s.trimOlderThan(ctx, config.DeadLetterListKey(), s.cfg.Worker.DeadLetterRetention); err != nil {
		return fmt.Errorf("gc dead letter list: %w", err)
	}
	return nil
}

func (s *Sweeper) trimOlderThan(ctx context.Context, key string, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-retention)

	items, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("lrange %s: %w", key, err)
	}

	keep := len(items)
	for i, raw := range items {
		entry, err := model.UnmarshalQueueEntry([]byte(raw))
		if err != nil {
			continue
		}
		if entry.EnqueuedAt.Before(cutoff) {
			keep = i
			break
		}
	}
	if keep == len(items) {
		return nil
	}
	if keep == 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
		return nil
	}
	if err := s.rdb.LTrim(ctx, key, 0, int64(keep-1)).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}
