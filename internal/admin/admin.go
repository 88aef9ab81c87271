// Copyright 2025 James Ross
// Package admin backs the `cmd/worker -role admin` operator CLI: read-only
// stats and queue peeks plus two destructive purge operations, modeled on
// the teacher's internal/admin, adapted for ZSET-backed tier queues instead
// of plain Redis lists.
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/redis/go-redis/v9"
)

// StatsResult reports the depth of every tier queue plus the completed and
// dead-letter lists, and the number of in-flight processing lists and
// worker heartbeats currently tracked in Redis.
type StatsResult struct {
	Tiers           map[string]int64 `json:"tiers"`
	Completed       int64            `json:"completed"`
	DeadLetter      int64            `json:"dead_letter"`
	ProcessingLists map[string]int64 `json:"processing_lists"`
	Heartbeats      int64            `json:"heartbeats"`
}

var tierAliases = []string{"high", "normal", "low"}

func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client) (StatsResult, error) {
	res := StatsResult{Tiers: map[string]int64{}, ProcessingLists: map[string]int64{}}
	for _, tier := range tierAliases {
		n, err := rdb.ZCard(ctx, config.TierQueueKey(tier)).Result()
		if err != nil {
			return res, err
		}
		res.Tiers[tier] = n
	}
	completed, err := rdb.LLen(ctx, config.CompletedListKey()).Result()
	if err != nil {
		return res, err
	}
	res.Completed = completed
	dead, err := rdb.LLen(ctx, config.DeadLetterListKey()).Result()
	if err != nil {
		return res, err
	}
	res.DeadLetter = dead

	procGlob := strings.Replace(cfg.Worker.ProcessingListPattern, "%s", "*", 1)
	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, procGlob, 200).Result()
		if err != nil {
			return res, err
		}
		cursor = cur
		for _, k := range keys {
			n, _ := rdb.LLen(ctx, k).Result()
			res.ProcessingLists[k] = n
		}
		if cursor == 0 {
			break
		}
	}

	hbGlob := strings.Replace(cfg.Worker.HeartbeatKeyPattern, "%s", "*", 1)
	var hbCount int64
	cursor = 0
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, hbGlob, 500).Result()
		if err != nil {
			return res, err
		}
		cursor = cur
		hbCount += int64(len(keys))
		if cursor == 0 {
			break
		}
	}
	res.Heartbeats = hbCount
	return res, nil
}

// PeekResult is the n highest-priority (lowest-score) entries of a tier
// queue, or the n most recently appended entries of the completed / dead
// letter lists.
type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, queueAlias string, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	alias := strings.ToLower(queueAlias)
	switch alias {
	case "completed":
		items, err := rdb.LRange(ctx, config.CompletedListKey(), 0, n-1).Result()
		if err != nil {
			return PeekResult{}, err
		}
		return PeekResult{Queue: config.CompletedListKey(), Items: items}, nil
	case "dead_letter", "dlq":
		items, err := rdb.LRange(ctx, config.DeadLetterListKey(), 0, n-1).Result()
		if err != nil {
			return PeekResult{}, err
		}
		return PeekResult{Queue: config.DeadLetterListKey(), Items: items}, nil
	}
	if !isTierAlias(alias) {
		sort.Strings(tierAliases)
		return PeekResult{}, fmt.Errorf("unknown queue alias %q; known: %s, completed, dead_letter", queueAlias, strings.Join(tierAliases, ", "))
	}
	key := config.TierQueueKey(alias)
	items, err := rdb.ZRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: key, Items: items}, nil
}

func PurgeDLQ(ctx context.Context, rdb *redis.Client) error {
	return rdb.Del(ctx, config.DeadLetterListKey()).Err()
}

// PurgeAll deletes every tier queue, the completed list and the dead letter
// list, returning the total number of keys removed. Intended for resetting
// a local/staging Redis between test runs, never production.
func PurgeAll(ctx context.Context, rdb *redis.Client) (int, error) {
	keys := []string{config.CompletedListKey(), config.DeadLetterListKey()}
	for _, tier := range tierAliases {
		keys = append(keys, config.TierQueueKey(tier))
	}
	purged := 0
	for _, k := range keys {
		n, err := rdb.Del(ctx, k).Result()
		if err != nil {
			return purged, err
		}
		purged += int(n)
	}
	return purged, nil
}

func isTierAlias(alias string) bool {
	for _, t := range tierAliases {
		if t == alias {
			return true
		}
	}
	return false
}
