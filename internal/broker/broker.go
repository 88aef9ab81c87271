// Copyright 2025 James Ross
// Package broker implements the Priority Queue Broker (C4): three durable,
// Redis-backed tiers with at-least-once delivery via a claim/ack/nack
// protocol, modeled on the teacher's internal/worker dequeue loop and
// internal/reaper stall-recovery scan.
//
// Each tier is a Redis sorted set rather than a plain list, scored so that
// ZRANGE 0 0 always yields the entry with (highest priority, earliest
// nextAttemptAt) per spec.md §4.4. Claiming an entry still has to move it
// into the worker's processing list atomically, which ZSETs have no
// built-in blocking primitive for (unlike BRPOPLPUSH for lists), so Claim
// runs a small Lua script — the same Eval-based pattern the teacher's
// internal/exactly_once idempotency gateway uses for its check-and-reserve
// — and polls it until an entry appears or the timeout elapses.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// priorityScoreScale separates adjacent priority levels by more than any
// realistic nextAttemptAt (a UnixMilli timestamp) could span, so priority
// always dominates the sort and nextAttemptAt only breaks ties within a
// priority level.
const priorityScoreScale = 1e13

// claimPollInterval is how often Claim retries its pop-and-move script while
// waiting for an entry to appear in an empty tier.
const claimPollInterval = 20 * time.Millisecond

// claimScript atomically pops the lowest-scored (highest-priority, oldest)
// member of the tier ZSET at KEYS[1] and moves it onto the processing list
// at KEYS[2], returning the member or a false reply when the tier is empty.
var claimScript = redis.NewScript(`
local member = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
if not member then
	return false
end
redis.call('ZREM', KEYS[1], member)
redis.call('LPUSH', KEYS[2], member)
return member
`)

// QueueScore orders entries by (priority DESC, nextAttemptAt ASC): a lower
// score sorts first, so higher priority (a smaller 100-priority term) always
// wins, and within equal priority the earlier nextAttemptAt wins. Exported
// so internal/reaper can preserve ordering when it requeues entries
// abandoned by a dead worker directly onto a tier's sorted set.
func QueueScore(priority int, nextAttemptAt time.Time) float64 {
	return float64(100-priority)*priorityScoreScale + float64(nextAttemptAt.UnixMilli())
}

// Claim is a single dequeued entry plus the bookkeeping Ack/Nack need to
// settle it: the raw payload (so LREM matches byte-for-byte) and the tier it
// came from.
type Claim struct {
	Entry      model.QueueEntry
	RawPayload string
	Tier       model.PriorityTier
	WorkerID   string
}

// Stats summarizes every tier's queue depth plus the shared completed and
// dead-letter list sizes.
type Stats struct {
	TierDepth       map[model.PriorityTier]int64
	CompletedCount  int64
	DeadLetterCount int64
}

// Broker is the Redis-backed priority queue.
type Broker struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Broker {
	return &Broker{cfg: cfg, rdb: rdb, log: log}
}

func (b *Broker) tierKeys() []model.PriorityTier {
	return []model.PriorityTier{model.TierHigh, model.TierNormal, model.TierLow}
}

func (b *Broker) processingListFor(workerID string) string {
	return fmt.Sprintf(b.cfg.Worker.ProcessingListPattern, workerID)
}

func (b *Broker) heartbeatKeyFor(workerID string) string {
	return fmt.Sprintf(b.cfg.Worker.HeartbeatKeyPattern, workerID)
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

// Enqueue durably inserts entry into its tier's sorted set, ordered by
// (priority DESC, nextAttemptAt ASC) (spec.md §4.4).
func (b *Broker) Enqueue(ctx context.Context, entry model.QueueEntry) error {
	ctx, span := obs.StartEnqueueSpan(ctx, tierConfigKey(entry.Tier))
	defer span.End()

	now := time.Now().UTC()
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = now
	}
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = entry.EnqueuedAt
	}

	payload, err := entry.Marshal()
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	key := config.TierQueueKey(tierConfigKey(entry.Tier))
	score := QueueScore(entry.Priority, entry.NextAttemptAt)
	if err := b.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: payload}).Err(); err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("enqueue to %s: %w", key, err)
	}
	obs.SetSpanSuccess(ctx)
	obs.JobsByTier.WithLabelValues(string(entry.Tier)).Inc()
	return nil
}

// Claim dequeues the highest-priority, oldest-nextAttemptAt entry in tier,
// polling claimScript against a short per-tier timeout, moving the payload
// into workerID's processing list and setting its heartbeat key. It returns
// (nil, false, nil) when the tier yielded no entry within the configured
// timeout window.
func (b *Broker) Claim(ctx context.Context, workerID string, tier model.PriorityTier) (*Claim, bool, error) {
	procList := b.processingListFor(workerID)
	hbKey := b.heartbeatKeyFor(workerID)
	key := config.TierQueueKey(tierConfigKey(tier))

	ctx, span := obs.StartDequeueSpan(ctx, key)
	defer span.End()

	raw, ok, err := b.popHighestPriority(ctx, key, procList)
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, false, fmt.Errorf("claim from %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	entry, err := model.UnmarshalQueueEntry([]byte(raw))
	if err != nil {
		// Poison payload: remove it from processing so it never loops.
		_ = b.rdb.LRem(ctx, procList, 1, raw).Err()
		obs.RecordError(ctx, err)
		return nil, false, fmt.Errorf("unmarshal queue entry: %w", err)
	}

	if err := b.rdb.Set(ctx, hbKey, raw, b.cfg.Worker.HeartbeatTTL).Err(); err != nil {
		b.log.Warn("set heartbeat failed", obs.Err(err))
	}

	obs.SetSpanSuccess(ctx)
	obs.JobsConsumed.Inc()
	return &Claim{Entry: entry, RawPayload: raw, Tier: tier, WorkerID: workerID}, true, nil
}

// popHighestPriority runs claimScript against key/procList, retrying every
// claimPollInterval until it pops an entry, BRPopLPushTimeout elapses, or ctx
// is cancelled. This is the ZSET analogue of BRPOPLPUSH's blocking wait:
// Redis has no native blocking pop-by-score, so the wait is polled instead.
func (b *Broker) popHighestPriority(ctx context.Context, key, procList string) (string, bool, error) {
	deadline := time.Now().Add(b.cfg.Worker.BRPopLPushTimeout)
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		res, err := claimScript.Run(ctx, b.rdb, []string{key, procList}).Result()
		if err == nil {
			return res.(string), true, nil
		}
		if err != redis.Nil {
			return "", false, err
		}
		if !time.Now().Before(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExtendClaim refreshes a claim's visibility timeout; long-running actions
// call this periodically so the reaper does not mistake them for stalled.
func (b *Broker) ExtendClaim(ctx context.Context, c *Claim) error {
	hbKey := b.heartbeatKeyFor(c.WorkerID)
	return b.rdb.Expire(ctx, hbKey, b.cfg.Worker.HeartbeatTTL).Err()
}

// Ack settles a claim the worker is finished with (a success, a
// non-retriable failure, or a job that was no longer claimable): the payload
// is appended to the completed list (trimmed to CompletedMaxItems), removed
// from the processing list, and the heartbeat key is cleared.
func (b *Broker) Ack(ctx context.Context, c *Claim) error {
	procList := b.processingListFor(c.WorkerID)
	hbKey := b.heartbeatKeyFor(c.WorkerID)
	completedKey := config.CompletedListKey()

	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, completedKey, c.RawPayload)
	pipe.LTrim(ctx, completedKey, 0, int64(b.cfg.Worker.CompletedMaxItems-1))
	pipe.LRem(ctx, procList, 1, c.RawPayload)
	pipe.Del(ctx, hbKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack settles a claim as failed. When the entry has not exhausted
// maxRetries for its tier, it is re-enqueued onto its own tier with
// AttemptsMade incremented (the caller is responsible for sleeping the
// backoff interval before calling Nack, matching the teacher's worker loop).
// Otherwise it moves to the dead-letter list.
func (b *Broker) Nack(ctx context.Context, c *Claim) (deadLettered bool, err error) {
	procList := b.processingListFor(c.WorkerID)
	hbKey := b.heartbeatKeyFor(c.WorkerID)

	c.Entry.AttemptsMade++
	if c.Entry.AttemptsMade <= b.cfg.Worker.MaxRetries {
		c.Entry.NextAttemptAt = time.Now().UTC()
		payload, merr := c.Entry.Marshal()
		if merr != nil {
			return false, fmt.Errorf("marshal retried entry: %w", merr)
		}
		destKey := config.TierQueueKey(tierConfigKey(c.Tier))
		score := QueueScore(c.Entry.Priority, c.Entry.NextAttemptAt)

		pipe := b.rdb.TxPipeline()
		pipe.ZAdd(ctx, destKey, redis.Z{Score: score, Member: payload})
		pipe.LRem(ctx, procList, 1, c.RawPayload)
		pipe.Del(ctx, hbKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("nack retry: %w", err)
		}
		obs.JobsRetried.WithLabelValues(string(c.Tier)).Inc()
		return false, nil
	}

	dlqKey := config.DeadLetterListKey()
	payload, merr := c.Entry.Marshal()
	if merr != nil {
		payload = []byte(c.RawPayload)
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, dlqKey, payload)
	pipe.LRem(ctx, procList, 1, c.RawPayload)
	pipe.Del(ctx, hbKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("nack dead-letter: %w", err)
	}
	obs.JobsDeadLetter.Inc()
	return true, nil
}

// Backoff computes the exponential backoff for attemptsMade in tier, capped
// at the tier's configured maximum (spec.md §4.6).
func Backoff(cfg *config.Config, tier model.PriorityTier, attemptsMade int) time.Duration {
	bo, ok := cfg.Worker.Backoff[tierConfigKey(tier)]
	if !ok || attemptsMade <= 0 {
		return 0
	}
	d := time.Duration(1<<uint(attemptsMade-1)) * bo.Base
	if d <= 0 || d > bo.Max {
		return bo.Max
	}
	return d
}

// RemoveQueued scans tier for a still-queued entry matching jobID and removes
// it, returning whether one was found. Used by the lifecycle controller to
// cancel a job before it is claimed (spec.md §4.7).
func (b *Broker) RemoveQueued(ctx context.Context, jobID string) (bool, error) {
	for _, tier := range b.tierKeys() {
		key := config.TierQueueKey(tierConfigKey(tier))
		items, err := b.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("scan tier %s: %w", key, err)
		}
		for _, raw := range items {
			entry, err := model.UnmarshalQueueEntry([]byte(raw))
			if err != nil {
				continue
			}
			if entry.JobID == jobID {
				if err := b.rdb.ZRem(ctx, key, raw).Err(); err != nil {
					return false, fmt.Errorf("remove queued: %w", err)
				}
				return true, nil
			}
		}
	}
	return false, nil
}

// StatsSnapshot reports queue depth per tier plus completed/dead-letter
// counts, backing the HTTP API's queue stats endpoint.
func (b *Broker) StatsSnapshot(ctx context.Context) (Stats, error) {
	out := Stats{TierDepth: map[model.PriorityTier]int64{}}
	for _, tier := range b.tierKeys() {
		n, err := b.rdb.ZCard(ctx, config.TierQueueKey(tierConfigKey(tier))).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("zcard tier %s: %w", tier, err)
		}
		out.TierDepth[tier] = n
	}
	completed, err := b.rdb.LLen(ctx, config.CompletedListKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("llen completed: %w", err)
	}
	out.CompletedCount = completed

	dead, err := b.rdb.LLen(ctx, config.DeadLetterListKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("llen dead letter: %w", err)
	}
	out.DeadLetterCount = dead
	return out, nil
}
