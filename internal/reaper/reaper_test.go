// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReaperRequeuesWithoutHeartbeat(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()

	rep := New(cfg, rdb, zap.NewNop())
	ctx := context.Background()

	workerID := "w1"
	plist := fmt.Sprintf(cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(cfg.Worker.HeartbeatKeyPattern, workerID)

	entry := model.QueueEntry{JobID: "job-1", Tier: model.TierLow}
	payload, err := entry.Marshal()
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, plist, payload).Err())

	rep.scanOnce(ctx)

	n, err := rdb.ZCard(ctx, config.TierQueueKey("low")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.False(t, mr.Exists(hbKey))
}

func TestReaperSkipsProcessingListWithLiveHeartbeat(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()

	rep := New(cfg, rdb, zap.NewNop())
	ctx := context.Background()

	workerID := "w2"
	plist := fmt.Sprintf(cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(cfg.Worker.HeartbeatKeyPattern, workerID)

	entry := model.QueueEntry{JobID: "job-2", Tier: model.TierHigh}
	payload, err := entry.Marshal()
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, plist, payload).Err())
	require.NoError(t, rdb.Set(ctx, hbKey, payload, 0).Err())

	rep.scanOnce(ctx)

	n, err := rdb.LLen(ctx, plist).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestWorkerIDFromProcessingList(t *testing.T) {
	pattern := "mediapipe:worker:%s:processing"
	require.Equal(t, "abc-1", workerIDFromProcessingList(pattern, "mediapipe:worker:abc-1:processing"))
	require.Equal(t, "", workerIDFromProcessingList(pattern, "unrelated:key"))
}
