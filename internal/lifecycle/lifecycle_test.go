// Copyright 2025 James Ross
package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) Delete(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func newTestController(t *testing.T) (*Controller, *store.MemoryStore, *broker.Broker, *fakeDeleter) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := broker.New(cfg, rdb, zap.NewNop())
	st := store.NewMemoryStore()
	objects := &fakeDeleter{}

	return New(st, b, objects, zap.NewNop()), st, b, objects
}

func TestCancelQueuedJobEvictsBrokerEntry(t *testing.T) {
	c, st, b, _ := newTestController(t)
	ctx := context.Background()

	job, err := st.CreateJobPending(ctx, model.Job{OrganizationID: "org-a"})
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, "org-a", job.ID, []model.JobStatus{model.StatusPending}, model.StatusQueued, nil)
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(ctx, model.QueueEntry{JobID: job.ID, OrganizationID: "org-a", Tier: model.TierHigh}))

	cancelled, err := c.Cancel(ctx, "org-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	stats, err := b.StatsSnapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.TierDepth[model.TierHigh])
}

func TestCancelProcessingJobSucceedsCooperatively(t *testing.T) {
	c, st, _, _ := newTestController(t)
	ctx := context.Background()

	job, err := st.CreateJobPending(ctx, model.Job{OrganizationID: "org-a"})
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, "org-a", job.ID, []model.JobStatus{model.StatusPending}, model.StatusProcessing, nil)
	require.NoError(t, err)

	cancelled, err := c.Cancel(ctx, "org-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)
}

func TestCancelTerminalJobFailsIllegalState(t *testing.T) {
	c, st, _, _ := newTestController(t)
	ctx := context.Background()

	job, err := st.CreateJobPending(ctx, model.Job{OrganizationID: "org-a"})
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, "org-a", job.ID, []model.JobStatus{model.StatusPending}, model.StatusCompleted, nil)
	require.NoError(t, err)

	_, err = c.Cancel(ctx, "org-a", job.ID)
	require.True(t, errors.Is(err, ErrIllegalState))
}

func TestCancelIsIdempotent(t *testing.T) {
	c, st, _, _ := newTestController(t)
	ctx := context.Background()

	job, err := st.CreateJobPending(ctx, model.Job{OrganizationID: "org-a"})
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, "org-a", job.ID, []model.JobStatus{model.StatusPending}, model.StatusQueued, nil)
	require.NoError(t, err)

	first, err := c.Cancel(ctx, "org-a", job.ID)
	require.NoError(t, err)

	_, err = c.Cancel(ctx, "org-a", job.ID)
	require.True(t, errors.Is(err, ErrIllegalState))

	again, err := st.FindJob(ctx, "org-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, first.Status, again.Status)
}

func TestDeleteRemovesResultMediaAndJobRow(t *testing.T) {
	c, st, _, objects := newTestController(t)
	ctx := context.Background()

	media, err := st.CreateMediaFile(ctx, model.MediaFile{OrganizationID: "org-a", StoragePath: "org-a/image/x.jpg", ThumbnailPath: "org-a/image/thumbnails/x_thumb.webp"})
	require.NoError(t, err)

	job, err := st.CreateJobPending(ctx, model.Job{OrganizationID: "org-a"})
	require.NoError(t, err)
	resultType := model.ResultFile
	_, err = st.TransitionJob(ctx, "org-a", job.ID, []model.JobStatus{model.StatusPending}, model.StatusCompleted, func(j *model.Job) {
		j.ResultType = &resultType
		j.ResultMediaID = &media.ID
	})
	require.NoError(t, err)

	err = c.Delete(ctx, "org-a", job.ID, true)
	require.NoError(t, err)

	_, err = st.FindJob(ctx, "org-a", job.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.FindMediaFile(ctx, "org-a", media.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ElementsMatch(t, []string{"org-a/image/x.jpg", "org-a/image/thumbnails/x_thumb.webp"}, objects.deleted)
}
