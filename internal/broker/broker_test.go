// Copyright 2025 James Ross
package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(t *testing.T) (*Broker, *redis.Client, *config.Config) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(cfg, rdb, zap.NewNop()), rdb, cfg
}

func sampleEntry(tier model.PriorityTier) model.QueueEntry {
	return sampleEntryWithPriority("job-1", tier, 50)
}

func sampleEntryWithPriority(jobID string, tier model.PriorityTier, priority int) model.QueueEntry {
	return model.QueueEntry{
		JobID:          jobID,
		OrganizationID: "org-a",
		MediaID:        "media-1",
		ActionID:       "img_resize",
		ActionCategory: model.CategoryModify,
		Tier:           tier,
		Priority:       priority,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestEnqueueThenClaimDeliversEntry(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, sampleEntry(model.TierHigh)))

	claim, ok, err := b.Claim(ctx, "w1", model.TierHigh)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", claim.Entry.JobID)
}

func TestClaimOrdersByPriorityDescThenFIFO(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	// Enqueued low-to-high priority and out of FIFO order; Claim must still
	// come back high priority first, and tied priorities in submission order.
	require.NoError(t, b.Enqueue(ctx, sampleEntryWithPriority("low-pri", model.TierHigh, 10)))
	require.NoError(t, b.Enqueue(ctx, sampleEntryWithPriority("high-pri", model.TierHigh, 90)))
	require.NoError(t, b.Enqueue(ctx, sampleEntryWithPriority("tied-first", model.TierHigh, 50)))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, sampleEntryWithPriority("tied-second", model.TierHigh, 50)))

	var order []string
	for i := 0; i < 4; i++ {
		claim, ok, err := b.Claim(ctx, "w1", model.TierHigh)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, claim.Entry.JobID)
	}

	require.Equal(t, []string{"high-pri", "tied-first", "tied-second", "low-pri"}, order)
}

func TestClaimReturnsFalseWhenTierEmpty(t *testing.T) {
	b, _, cfg := newTestBroker(t)
	cfg.Worker.BRPopLPushTimeout = 50 * time.Millisecond

	_, ok, err := b.Claim(context.Background(), "w1", model.TierLow)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAckMovesPayloadToCompletedAndClearsHeartbeat(t *testing.T) {
	b, rdb, cfg := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, sampleEntry(model.TierHigh)))
	claim, ok, err := b.Claim(ctx, "w1", model.TierHigh)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Ack(ctx, claim))

	n, err := rdb.LLen(ctx, config.CompletedListKey()).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	hbExists, err := rdb.Exists(ctx, fmtHBKey(cfg, "w1")).Result()
	require.NoError(t, err)
	require.Zero(t, hbExists)
}

func TestNackRetriesUntilMaxThenDeadLetters(t *testing.T) {
	b, rdb, cfg := newTestBroker(t)
	cfg.Worker.MaxRetries = 1
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, sampleEntry(model.TierHigh)))
	claim, ok, err := b.Claim(ctx, "w1", model.TierHigh)
	require.NoError(t, err)
	require.True(t, ok)

	deadLettered, err := b.Nack(ctx, claim)
	require.NoError(t, err)
	require.False(t, deadLettered)

	depth, err := rdb.ZCard(ctx, config.TierQueueKey("high")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	claim2, ok, err := b.Claim(ctx, "w1", model.TierHigh)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, claim2.Entry.AttemptsMade)

	deadLettered, err = b.Nack(ctx, claim2)
	require.NoError(t, err)
	require.True(t, deadLettered)

	dlqDepth, err := rdb.LLen(ctx, config.DeadLetterListKey()).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, dlqDepth)
}

func TestRemoveQueuedFindsAndRemovesByJobID(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, sampleEntry(model.TierNormal)))

	found, err := b.RemoveQueued(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)

	found, err = b.RemoveQueued(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStatsSnapshotReportsDepthPerTier(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, sampleEntry(model.TierHigh)))
	require.NoError(t, b.Enqueue(ctx, sampleEntry(model.TierLow)))

	stats, err := b.StatsSnapshot(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TierDepth[model.TierHigh])
	require.EqualValues(t, 1, stats.TierDepth[model.TierLow])
	require.EqualValues(t, 0, stats.TierDepth[model.TierNormal])
}

func TestBackoffCapsAtTierMax(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.Backoff = map[string]config.Backoff{
		"high": {Base: 1 * time.Second, Max: 30 * time.Second},
	}
	d := Backoff(cfg, model.TierHigh, 10)
	require.Equal(t, 30*time.Second, d)
}

func fmtHBKey(cfg *config.Config, workerID string) string {
	return (&Broker{cfg: cfg}).heartbeatKeyFor(workerID)
}
