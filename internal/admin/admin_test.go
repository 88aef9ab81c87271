// Copyright 2025 James Ross
package admin

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(t *testing.T) (*config.Config, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cfg, rdb
}

func TestStatsReportsTierDepths(t *testing.T) {
	cfg, rdb := newTestAdmin(t)
	ctx := context.Background()

	score := broker.QueueScore(50, time.Now().UTC())
	require.NoError(t, rdb.ZAdd(ctx, config.TierQueueKey("high"), redis.Z{Score: score, Member: "job-1"}).Err())

	res, err := Stats(ctx, cfg, rdb)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Tiers["high"])
	require.EqualValues(t, 0, res.Tiers["low"])
}

func TestPeekOrdersTierByScore(t *testing.T) {
	cfg, rdb := newTestAdmin(t)
	ctx := context.Background()

	lowPri := broker.QueueScore(10, time.Now().UTC())
	highPri := broker.QueueScore(90, time.Now().UTC())
	require.NoError(t, rdb.ZAdd(ctx, config.TierQueueKey("normal"), redis.Z{Score: lowPri, Member: "low-pri-job"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, config.TierQueueKey("normal"), redis.Z{Score: highPri, Member: "high-pri-job"}).Err())

	res, err := Peek(ctx, cfg, rdb, "normal", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"high-pri-job", "low-pri-job"}, res.Items)
}

func TestPeekRejectsUnknownAlias(t *testing.T) {
	cfg, rdb := newTestAdmin(t)
	_, err := Peek(context.Background(), cfg, rdb, "bogus", 10)
	require.Error(t, err)
}

func TestPurgeDLQAndPurgeAll(t *testing.T) {
	cfg, rdb := newTestAdmin(t)
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, config.DeadLetterListKey(), "tombstone").Err())
	require.NoError(t, PurgeDLQ(ctx, rdb))
	n, err := rdb.LLen(ctx, config.DeadLetterListKey()).Result()
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, rdb.ZAdd(ctx, config.TierQueueKey("high"), redis.Z{Score: 1, Member: "job-1"}).Err())
	require.NoError(t, rdb.LPush(ctx, config.CompletedListKey(), "job-2").Err())

	purged, err := PurgeAll(ctx, rdb)
	require.NoError(t, err)
	require.Equal(t, 2, purged)
}
