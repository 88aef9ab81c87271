// Copyright 2025 James Ross
package submission

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore, *broker.Broker, *registry.Registry) {
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
	reg := registry.New(zap.NewNop())

	return New(st, b, reg, zap.NewNop()), st, b, reg
}

func registerResizeAction(reg *registry.Registry) {
	reg.Register(registry.Descriptor{
		ActionID:  "img_resize",
		MediaType: model.MediaImage,
		Category:  model.CategoryModify,
		Validate: func(params json.RawMessage) registry.ValidationResult {
			if string(params) == `{"mode":"pixels"}` {
				return registry.ValidationResult{Valid: false, Messages: []string{"width and height are required for mode=pixels"}}
			}
			return registry.ValidationResult{Valid: true}
		},
	})
}

func TestSubmitHappyPath(t *testing.T) {
	c, st, b, reg := newTestCoordinator(t)
	registerResizeAction(reg)
	ctx := context.Background()

	media, err := st.CreateMediaFile(ctx, model.MediaFile{OrganizationID: "org-a", MediaType: model.MediaImage, FileSizeBytes: 1024})
	require.NoError(t, err)

	job, err := c.Submit(ctx, Request{OrganizationID: "org-a", InputMediaID: media.ID, ActionID: "img_resize"})
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, job.Status)
	require.Equal(t, model.TierHigh, job.PriorityTier)
	require.NotNil(t, job.QueuedAt)

	stats, err := b.StatsSnapshot(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TierDepth[model.TierHigh])
}

func TestSubmitFailsWhenMediaMissing(t *testing.T) {
	c, _, _, reg := newTestCoordinator(t)
	registerResizeAction(reg)

	_, err := c.Submit(context.Background(), Request{OrganizationID: "org-a", InputMediaID: "missing", ActionID: "img_resize"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitFailsWhenActionMissing(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	media, err := st.CreateMediaFile(ctx, model.MediaFile{OrganizationID: "org-a", MediaType: model.MediaImage})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Request{OrganizationID: "org-a", InputMediaID: media.ID, ActionID: "nope"})
	require.ErrorIs(t, err, ErrActionNotFound)
}

func TestSubmitFailsWhenMediaTypeMismatched(t *testing.T) {
	c, st, _, reg := newTestCoordinator(t)
	registerResizeAction(reg)
	ctx := context.Background()
	media, err := st.CreateMediaFile(ctx, model.MediaFile{OrganizationID: "org-a", MediaType: model.MediaAudio})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Request{OrganizationID: "org-a", InputMediaID: media.ID, ActionID: "img_resize"})
	require.ErrorIs(t, err, ErrActionNotSupported)
}

func TestSubmitFailsValidationWithoutCreatingJob(t *testing.T) {
	c, st, _, reg := newTestCoordinator(t)
	registerResizeAction(reg)
	ctx := context.Background()
	media, err := st.CreateMediaFile(ctx, model.MediaFile{OrganizationID: "org-a", MediaType: model.MediaImage})
	require.NoError(t, err)

	_, err = c.Submit(ctx, Request{
		OrganizationID: "org-a",
		InputMediaID:   media.ID,
		ActionID:       "img_resize",
		Parameters:     []byte(`{"mode":"pixels"}`),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	jobs, _, err := st.ListJobs(ctx, "org-a", store.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestSubmitDefaultsPriorityTo50(t *testing.T) {
	c, st, _, reg := newTestCoordinator(t)
	registerResizeAction(reg)
	ctx := context.Background()
	media, err := st.CreateMediaFile(ctx, model.MediaFile{OrganizationID: "org-a", MediaType: model.MediaImage})
	require.NoError(t, err)

	job, err := c.Submit(ctx, Request{OrganizationID: "org-a", InputMediaID: media.ID, ActionID: "img_resize"})
	require.NoError(t, err)
	require.Equal(t, 50, job.Priority)
}
