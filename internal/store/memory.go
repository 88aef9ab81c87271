// Copyright 2025 James Ross
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests in place of a real
// PostgreSQL instance; it implements the same CAS semantics as PostgresStore.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]model.Job
	media map[string]model.MediaFile
	usage []model.UsageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  map[string]model.Job{},
		media: map[string]model.MediaFile{},
	}
}

func (s *MemoryStore) Health(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateJobPending(ctx context.Context, job model.Job) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = model.StatusPending
	job.CreatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *MemoryStore) FindJob(ctx context.Context, orgID, jobID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.OrganizationID != orgID {
		return model.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, orgID string, filter JobFilter) ([]model.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, job := range s.jobs {
		if job.OrganizationID != orgID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.ActionID != nil && job.ActionID != *filter.ActionID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if filter.Offset >= len(out) {
		return []model.Job{}, total, nil
	}
	end := filter.Offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[filter.Offset:end], total, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, orgID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) TransitionJob(ctx context.Context, orgID, jobID string, expectedFrom []model.JobStatus, to model.JobStatus, mutate func(*model.Job)) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.OrganizationID != orgID {
		return model.Job{}, ErrNotFound
	}
	if !statusIn(job.Status, expectedFrom) {
		return model.Job{}, ErrConflict
	}
	job.Status = to
	if mutate != nil {
		mutate(&job)
	}
	s.jobs[jobID] = job
	return job, nil
}

func (s *MemoryStore) CreateMediaFile(ctx context.Context, media model.MediaFile) (model.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	media.Status = model.MediaReady
	media.CreatedAt = time.Now().UTC()
	s.media[media.ID] = media
	return media, nil
}

func (s *MemoryStore) FindMediaFile(ctx context.Context, orgID, mediaID string) (model.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	media, ok := s.media[mediaID]
	if !ok || media.OrganizationID != orgID || media.Status != model.MediaReady {
		return model.MediaFile{}, ErrNotFound
	}
	return media, nil
}

func (s *MemoryStore) DeleteMediaFile(ctx context.Context, orgID, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	media, ok := s.media[mediaID]
	if !ok || media.OrganizationID != orgID {
		return ErrNotFound
	}
	media.Status = model.MediaDeleted
	s.media[mediaID] = media
	return nil
}

func (s *MemoryStore) ExpiredMediaFiles(ctx context.Context, olderThan time.Time, limit int) ([]model.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MediaFile
	for _, media := range s.media {
		if media.Status == model.MediaReady && media.CreatedAt.Before(olderThan) {
			out = append(out, media)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateUsageRecord(ctx context.Context, rec model.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	s.usage = append(s.usage, rec)
	return nil
}

func (s *MemoryStore) StalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		last := job.CreatedAt
		if job.QueuedAt != nil {
			last = *job.QueuedAt
		}
		if job.StartedAt != nil {
			last = *job.StartedAt
		}
		if last.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Usage exposes the accumulated ledger for assertions in tests.
func (s *MemoryStore) Usage() []model.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}
