// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/lifecycle"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/flyingrobots/go-redis-work-queue/internal/submission"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) (*Handler, *store.MemoryStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := zap.NewNop()
	st := store.NewMemoryStore()
	b := broker.New(cfg, rdb, log)
	reg := registry.New(log)
	reg.Register(registry.Descriptor{
		ActionID:    "img_metadata",
		DisplayName: "Image metadata",
		MediaType:   model.MediaImage,
		Category:    model.CategoryProcess,
		Execute: func(ac registry.ActionContext) (registry.ActionOutcome, error) {
			return registry.ActionOutcome{Kind: registry.OutcomeJSON, Data: []byte(`{"width":1}`)}, nil
		},
	})

	sub := submission.New(st, b, reg, log)
	lc := lifecycle.New(st, b, nil, log)

	return NewHandler(st, b, sub, lc, log), st
}

func seedReadyMedia(t *testing.T, st *store.MemoryStore, orgID string) model.MediaFile {
	t.Helper()
	media, err := st.CreateMediaFile(context.Background(), model.MediaFile{
		OrganizationID: orgID,
		StoragePath:    "orgs/org-a/media/abc.png",
		MediaType:      model.MediaImage,
		MimeType:       "image/png",
		Status:         model.MediaReady,
	})
	require.NoError(t, err)
	return media
}

func TestSubmitJobRequiresOrgHeader(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndGetJobRoundTrips(t *testing.T) {
	h, st := newTestHandler(t)
	router := NewRouter(h)
	media := seedReadyMedia(t, st, "org-a")

	body, err := json.Marshal(map[string]interface{}{
		"inputMediaId": media.ID,
		"actionId":     "img_metadata",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req.Header.Set("X-Organization-Id", "org-a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, model.StatusQueued, created.Status)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+created.ID, nil)
	getReq.Header.Set("X-Organization-Id", "org-a")
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestSubmitJobUnknownActionReturns404(t *testing.T) {
	h, st := newTestHandler(t)
	router := NewRouter(h)
	media := seedReadyMedia(t, st, "org-a")

	body, _ := json.Marshal(map[string]interface{}{
		"inputMediaId": media.ID,
		"actionId":     "does_not_exist",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req.Header.Set("X-Organization-Id", "org-a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobNotFoundReturns404(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	req.Header.Set("X-Organization-Id", "org-a")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelThenDeleteJob(t *testing.T) {
	h, st := newTestHandler(t)
	router := NewRouter(h)
	media := seedReadyMedia(t, st, "org-a")

	body, _ := json.Marshal(map[string]interface{}{
		"inputMediaId": media.ID,
		"actionId":     "img_metadata",
	})
	submitReq := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	submitReq.Header.Set("X-Organization-Id", "org-a")
	submitRec := httptest.NewRecorder()
	router.ServeHTTP(submitRec, submitReq)
	require.Equal(t, http.StatusCreated, submitRec.Code)

	var created model.Job
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &created))

	cancelReq := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", nil)
	cancelReq.Header.Set("X-Organization-Id", "org-a")
	cancelRec := httptest.NewRecorder()
	router.ServeHTTP(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	deleteReq := httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+created.ID, nil)
	deleteReq.Header.Set("X-Organization-Id", "org-a")
	deleteRec := httptest.NewRecorder()
	router.ServeHTTP(deleteRec, deleteReq)
	require.Equal(t, http.StatusNoContent, deleteRec.Code)

	_, err := st.FindJob(context.Background(), "org-a", created.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueueStatsReturnsTierBreakdown(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]tierStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Contains(t, stats, string(model.TierHigh))
	require.Contains(t, stats, string(model.TierNormal))
	require.Contains(t, stats, string(model.TierLow))
}
