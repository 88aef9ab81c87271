// Copyright 2025 James Ross
// Package worker implements the Worker Pool (C6): one goroutine set per
// priority tier that claims entries from the broker, executes the
// registered action, persists results through the metadata and object
// stores, and settles the claim, modeled on the teacher's internal/worker
// dequeue loop and internal/breaker circuit-breaker wrapping.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/flyingrobots/go-redis-work-queue/internal/thumbnail"
	"go.uber.org/zap"
)

// Error codes persisted on a job's errorCode field (spec.md §4.6).
const (
	ErrCodeActionNotFound = "ACTION_NOT_FOUND"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeStorage        = "STORAGE_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeExecution      = "EXECUTION_ERROR"
)

// objectGateway is the subset of *objectstore.Gateway the worker needs;
// declaring it here lets tests substitute an in-memory fake in place of a
// real S3-compatible client.
type objectGateway interface {
	Get(ctx context.Context, path string) ([]byte, string, error)
	Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) (objectstore.PutResult, error)
}

// Pool runs the per-tier worker fleet.
type Pool struct {
	cfg      *config.Config
	broker   *broker.Broker
	store    store.Store
	objects  objectGateway
	registry *registry.Registry
	log      *zap.Logger

	storageBreaker  *breaker.CircuitBreaker
	metadataBreaker *breaker.CircuitBreaker

	baseID string
}

func New(cfg *config.Config, b *broker.Broker, st store.Store, objects objectGateway, reg *registry.Registry, log *zap.Logger) *Pool {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d", host, os.Getpid())
	return &Pool{
		cfg:             cfg,
		broker:          b,
		store:           st,
		objects:         objects,
		registry:        reg,
		log:             log,
		storageBreaker:  breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples),
		metadataBreaker: breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples),
		baseID:          base,
	}
}

// Run starts cfg.Worker.Concurrency[tier] goroutines per tier and blocks
// until ctx is cancelled and every worker has drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tierName := range config.Tiers {
		tier := model.PriorityTier(strings.ToUpper(tierName))
		n := p.cfg.Worker.Concurrency[tierName]
		for i := 0; i < n; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("%s-%s-%d", p.baseID, tierName, i)
			go func(tier model.PriorityTier, workerID string) {
				defer wg.Done()
				obs.WorkerActive.WithLabelValues(string(tier)).Inc()
				defer obs.WorkerActive.WithLabelValues(string(tier)).Dec()
				p.runOne(ctx, tier, workerID)
			}(tier, workerID)
		}
	}
	wg.Wait()
}

func (p *Pool) runOne(ctx context.Context, tier model.PriorityTier, workerID string) {
	minInterval := time.Second / time.Duration(maxInt(p.cfg.Worker.ClaimsPerSecond, 1))
	lastClaim := time.Time{}

	for ctx.Err() == nil {
		if !p.storageBreaker.Allow() || !p.metadataBreaker.Allow() {
			time.Sleep(p.cfg.Worker.BreakerPause)
			continue
		}

		if wait := minInterval - time.Since(lastClaim); wait > 0 {
			time.Sleep(wait)
		}
		lastClaim = time.Now()

		claim, ok, err := p.broker.Claim(ctx, workerID, tier)
		if err != nil {
			p.log.Warn("claim error", obs.String("tier", string(tier)), obs.Err(err))
			continue
		}
		if !ok {
			continue
		}

		p.log.Info("job claimed", obs.String("id", claim.Entry.JobID), obs.String("worker_id", workerID))
		start := time.Now()
		ack, retriable := p.process(ctx, workerID, claim)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

		if ack || !retriable {
			if err := p.broker.Ack(ctx, claim); err != nil {
				p.log.Error("ack failed", obs.Err(err))
			}
			continue
		}

		bo := broker.Backoff(p.cfg, tier, claim.Entry.AttemptsMade+1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo):
		}
		deadLettered, err := p.broker.Nack(ctx, claim)
		if err != nil {
			p.log.Error("nack failed", obs.Err(err))
		}
		if deadLettered {
			p.log.Warn("job dead-lettered", obs.String("id", claim.Entry.JobID))
		}
	}
}

// process executes one claim end to end. It returns (ack, retriable): ack
// means the broker entry should be settled as done (success, or a
// non-retriable terminal failure already persisted); retriable means the
// caller should back off and nack for another attempt.
func (p *Pool) process(ctx context.Context, workerID string, c *broker.Claim) (ack bool, retriable bool) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.Worker.JobTimeout)
	defer cancel()

	stopHeartbeat := p.extendClaimPeriodically(ctx, c)
	defer stopHeartbeat()

	entry := c.Entry
	job, err := p.store.TransitionJob(jobCtx, entry.OrganizationID, entry.JobID,
		[]model.JobStatus{model.StatusPending, model.StatusQueued}, model.StatusProcessing,
		func(j *model.Job) {
			now := time.Now().UTC()
			j.StartedAt = &now
			j.WorkerID = &workerID
		})
	if err != nil {
		if err == store.ErrConflict {
			// Most likely CANCELLED out from under us; either way this claim
			// has nothing left to do.
			return true, false
		}
		p.log.Error("claim start transition failed", obs.Err(err))
		return false, true
	}

	outcome, failCode, failMsg, retriableFail := p.execute(jobCtx, job)
	if failCode != "" {
		if retriableFail {
			// Leave the job row non-terminal; the broker owns the retry
			// decision from here. If it exhausts the tier's max retries and
			// dead-letters the entry, the reconciliation sweep's stalled-job
			// scan (spec.md §7) is what ultimately marks it FAILED.
			p.requeueForRetry(jobCtx, job, failCode, failMsg)
			return false, true
		}
		p.finishFailure(jobCtx, job, failCode, failMsg)
		return true, false
	}

	p.finishSuccess(jobCtx, job, outcome)
	return true, false
}

// requeueForRetry records the failure on a non-terminal job so operators can
// see why the most recent attempt failed, without closing out the row: the
// broker may still hand the entry to another attempt.
func (p *Pool) requeueForRetry(ctx context.Context, job model.Job, code, msg string) {
	_, err := p.store.TransitionJob(ctx, job.OrganizationID, job.ID,
		[]model.JobStatus{model.StatusProcessing}, model.StatusQueued,
		func(j *model.Job) {
			j.ErrorCode = code
			j.ErrorMessage = msg
			j.RetryCount++
			j.WorkerID = nil
			j.StartedAt = nil
		})
	if err != nil && err != store.ErrConflict {
		p.log.Error("requeue-for-retry transition failed", obs.Err(err))
	}
}

// execute runs spec.md §4.6 steps 2-6 and returns either a populated outcome
// or a failure classification.
func (p *Pool) execute(ctx context.Context, job model.Job) (registry.ActionOutcome, string, string, bool) {
	desc, err := p.registry.Get(job.ActionID)
	if err != nil {
		return registry.ActionOutcome{}, ErrCodeActionNotFound, err.Error(), false
	}

	media, err := p.store.FindMediaFile(ctx, job.OrganizationID, job.InputMediaID)
	p.metadataBreaker.Record(err == nil || err == store.ErrNotFound)
	if err != nil {
		if err == store.ErrNotFound {
			return registry.ActionOutcome{}, ErrCodeNotFound, "input media not found", false
		}
		return registry.ActionOutcome{}, ErrCodeNotFound, err.Error(), true
	}

	bytes, _, err := p.objects.Get(ctx, media.StoragePath)
	p.storageBreaker.Record(err == nil)
	if err != nil {
		return registry.ActionOutcome{}, ErrCodeStorage, err.Error(), true
	}

	if ctx.Err() != nil {
		return registry.ActionOutcome{}, ErrCodeTimeout, "job deadline exceeded before execution", false
	}

	actionCtx := registry.ActionContext{
		Ctx:            ctx,
		Bytes:          bytes,
		FileInfo:       registry.FileInfo{MimeType: media.MimeType, FileSizeBytes: media.FileSizeBytes, Metadata: media.Metadata},
		Params:         job.Parameters,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		JobID:          job.ID,
	}

	outcome, err := desc.Execute(actionCtx)
	if err != nil {
		if ctx.Err() != nil {
			return registry.ActionOutcome{}, ErrCodeTimeout, "job deadline exceeded during execution", false
		}
		return registry.ActionOutcome{}, ErrCodeExecution, err.Error(), false
	}
	return outcome, "", "", false
}

func (p *Pool) finishFailure(ctx context.Context, job model.Job, code, msg string) {
	_, err := p.store.TransitionJob(ctx, job.OrganizationID, job.ID,
		[]model.JobStatus{model.StatusProcessing}, model.StatusFailed,
		func(j *model.Job) {
			now := time.Now().UTC()
			j.CompletedAt = &now
			j.ErrorCode = code
			j.ErrorMessage = msg
			j.RetryCount++
		})
	if err != nil && err != store.ErrConflict {
		p.log.Error("fail transition error", obs.Err(err))
	}
	obs.JobsFailed.Inc()
	p.log.Error("job failed", obs.String("id", job.ID), obs.String("code", code))
	_ = p.emitUsage(ctx, job, 0)
}

func (p *Pool) finishSuccess(ctx context.Context, job model.Job, outcome registry.ActionOutcome) {
	resultType, resultMediaID, resultData, err := p.persistOutcome(ctx, job, outcome)
	if err != nil {
		p.log.Error("persist outcome failed", obs.Err(err))
		p.finishFailure(ctx, job, ErrCodeStorage, err.Error())
		return
	}

	var processingMs int64
	updated, err := p.store.TransitionJob(ctx, job.OrganizationID, job.ID,
		[]model.JobStatus{model.StatusProcessing}, model.StatusCompleted,
		func(j *model.Job) {
			now := time.Now().UTC()
			j.CompletedAt = &now
			if j.StartedAt != nil {
				processingMs = now.Sub(*j.StartedAt).Milliseconds()
			}
			j.ProcessingTimeMs = processingMs
			j.ResultType = &resultType
			j.ResultMediaID = resultMediaID
			j.ResultData = resultData
		})
	if err != nil {
		if err != store.ErrConflict {
			p.log.Error("complete transition error", obs.Err(err))
		}
		return
	}

	obs.JobsCompleted.Inc()
	p.log.Info("job completed", obs.String("id", job.ID), obs.Int64("processing_ms", processingMs))
	_ = p.emitUsage(ctx, updated, processingMs)
}

func (p *Pool) emitUsage(ctx context.Context, job model.Job, processingMs int64) error {
	return p.store.CreateUsageRecord(ctx, model.UsageRecord{
		OrganizationID:   job.OrganizationID,
		JobID:            job.ID,
		ActionType:       job.ActionID,
		ProcessingTimeMs: processingMs,
	})
}

// persistOutcome dispatches on outcome.Kind, uploading result bytes and
// creating MediaFile rows as needed (spec.md §4.6 step 6).
func (p *Pool) persistOutcome(ctx context.Context, job model.Job, outcome registry.ActionOutcome) (model.ResultType, *string, json.RawMessage, error) {
	switch outcome.Kind {
	case registry.OutcomeJSON:
		data := outcome.Data
		if data == nil {
			data = json.RawMessage("{}")
		}
		return model.ResultJSON, nil, data, nil

	case registry.OutcomeFile:
		media, err := p.storeResultFile(ctx, job, outcome.Bytes, outcome.MimeType, outcome.Filename)
		if err != nil {
			return "", nil, nil, err
		}
		data := outcome.Metadata
		if data == nil {
			data = json.RawMessage("{}")
		}
		id := media.ID
		return model.ResultFile, &id, data, nil

	case registry.OutcomeFiles:
		ids := make([]string, 0, len(outcome.Files))
		for _, f := range outcome.Files {
			media, err := p.storeResultFile(ctx, job, f.Bytes, f.MimeType, f.Filename)
			if err != nil {
				return "", nil, nil, err
			}
			ids = append(ids, media.ID)
		}
		data, _ := json.Marshal(map[string][]string{"fileIds": ids})
		return model.ResultFiles, nil, data, nil

	default:
		return "", nil, nil, fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}
}

func (p *Pool) storeResultFile(ctx context.Context, job model.Job, data []byte, mimeType, filename string) (model.MediaFile, error) {
	kind := objectstore.KindAudio
	if strings.HasPrefix(mimeType, "image/") {
		kind = objectstore.KindImage
	}
	ext := extFromFilenameOrMime(filename, mimeType)
	path := objectstore.StoragePath(job.OrganizationID, kind, time.Now().UTC(), ext)

	_, err := p.objects.Put(ctx, path, data, mimeType, nil)
	p.storageBreaker.Record(err == nil)
	if err != nil {
		return model.MediaFile{}, err
	}

	md5hex, sha256hex := objectstore.Checksums(data)
	thumbPath := ""
	if kind == objectstore.KindImage {
		if thumb, err := thumbnail.Derive(data); err != nil {
			obs.ThumbnailFailures.Inc()
			p.log.Warn("thumbnail derivation failed", obs.String("job_id", job.ID), obs.Err(err))
		} else {
			dest := objectstore.ThumbnailPathOf(path)
			if _, err := p.objects.Put(ctx, dest, thumb, thumbnail.MimeType, nil); err != nil {
				obs.ThumbnailFailures.Inc()
				p.log.Warn("thumbnail upload failed", obs.String("job_id", job.ID), obs.Err(err))
			} else {
				thumbPath = dest
			}
		}
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, p.cfg.Retention.ResultMediaDays)
	media := model.MediaFile{
		OrganizationID: job.OrganizationID,
		StoragePath:    path,
		MediaType:      mediaTypeOf(kind),
		MimeType:       mimeType,
		FileSizeBytes:  int64(len(data)),
		ChecksumMD5:    md5hex,
		ChecksumSHA256: sha256hex,
		ThumbnailPath:  thumbPath,
		Status:         model.MediaReady,
		ExpiresAt:      &expiresAt,
	}
	return p.store.CreateMediaFile(ctx, media)
}

func mediaTypeOf(kind objectstore.MediaKind) model.MediaType {
	if kind == objectstore.KindImage {
		return model.MediaImage
	}
	return model.MediaAudio
}

func extFromFilenameOrMime(filename, mimeType string) string {
	if idx := strings.LastIndex(filename, "."); idx >= 0 && idx < len(filename)-1 {
		return filename[idx+1:]
	}
	if idx := strings.LastIndex(mimeType, "/"); idx >= 0 {
		return mimeType[idx+1:]
	}
	return "bin"
}

// extendClaimPeriodically refreshes the broker heartbeat at half the
// configured TTL so long-running actions (up to JobTimeout) are never
// mistaken for stalled by the reaper. The returned func stops the ticker.
func (p *Pool) extendClaimPeriodically(ctx context.Context, c *broker.Claim) func() {
	interval := p.cfg.Worker.HeartbeatTTL / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.broker.ExtendClaim(ctx, c); err != nil {
					p.log.Warn("extend claim failed", obs.Err(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
