// Copyright 2025 James Ross
// Package store implements the Metadata Store Gateway (C2): the
// tenant-scoped, compare-and-set source of truth for Job, MediaFile, and
// UsageRecord rows, modeled on the repository layer of the teacher's sibling
// media API (internal/repositories/poi_repository_base.go).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/model"
)

// ErrNotFound is returned when a lookup scoped to an organization finds no
// matching row, whether because it never existed or it belongs to a
// different tenant (spec.md §4.2: tenant scoping never distinguishes the two).
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by a CAS transition whose expected current status
// did not match the row's actual status.
var ErrConflict = errors.New("compare-and-swap conflict")

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status   *model.JobStatus
	ActionID *string
	Limit    int
	Offset   int
}

// Store is the tenant-scoped persistence gateway every other component talks
// to; it never exposes raw SQL or a *sqlx.DB to callers outside this package.
type Store interface {
	CreateJobPending(ctx context.Context, job model.Job) (model.Job, error)
	FindJob(ctx context.Context, orgID, jobID string) (model.Job, error)
	// ListJobs returns the page of jobs matching filter, plus the total
	// count of jobs matching filter ignoring Limit/Offset.
	ListJobs(ctx context.Context, orgID string, filter JobFilter) ([]model.Job, int, error)
	DeleteJob(ctx context.Context, orgID, jobID string) error

	// TransitionJob atomically moves a job from one of expectedFrom to to,
	// applying mutate to the row first. It returns ErrConflict if the job's
	// current status is not in expectedFrom.
	TransitionJob(ctx context.Context, orgID, jobID string, expectedFrom []model.JobStatus, to model.JobStatus, mutate func(*model.Job)) (model.Job, error)

	CreateMediaFile(ctx context.Context, media model.MediaFile) (model.MediaFile, error)
	FindMediaFile(ctx context.Context, orgID, mediaID string) (model.MediaFile, error)
	DeleteMediaFile(ctx context.Context, orgID, mediaID string) error
	ExpiredMediaFiles(ctx context.Context, olderThan time.Time, limit int) ([]model.MediaFile, error)

	CreateUsageRecord(ctx context.Context, rec model.UsageRecord) error

	// StalledJobs returns non-terminal jobs whose last transition predates
	// cutoff, the input to the reconciliation sweep (spec.md §7).
	StalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error)

	Health(ctx context.Context) error
}
