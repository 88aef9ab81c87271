// Copyright 2025 James Ross
// Package submission implements the Submission Coordinator (C5): validates a
// JobSubmissionRequest against its target action's schema, persists a Job
// row, and enqueues it on the broker, modeled on the teacher's producer path
// (internal/producer enqueues; here a metadata-store transaction precedes it).
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrActionNotFound     = errors.New("ACTION_NOT_FOUND")
	ErrActionNotSupported = errors.New("ACTION_NOT_SUPPORTED")
	ErrValidation         = errors.New("VALIDATION_ERROR")
)

// ValidationError carries the messages collected from an action's validate
// function, surfaced to callers as a single VALIDATION_ERROR failure.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Messages)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Request is the input contract for Submit (spec.md §4.5).
type Request struct {
	OrganizationID string          `validate:"required"`
	UserID         *string         `validate:"omitempty"`
	APIKeyID       *string         `validate:"omitempty"`
	InputMediaID   string          `validate:"required"`
	ActionID       string          `validate:"required"`
	Parameters     []byte          `validate:"omitempty"`
	Priority       int             `validate:"omitempty,min=1,max=100"`
}

var structValidate = validator.New()

// Coordinator wires the registry, metadata store, and broker together to
// implement submit(spec).
type Coordinator struct {
	store    store.Store
	broker   *broker.Broker
	registry *registry.Registry
	log      *zap.Logger
}

func New(st store.Store, b *broker.Broker, reg *registry.Registry, log *zap.Logger) *Coordinator {
	return &Coordinator{store: st, broker: b, registry: reg, log: log}
}

// Submit runs spec.md §4.5's eight-step algorithm and returns the resulting
// Job (QUEUED on success, or CANCELLED if a concurrent cancel won the race at
// step 7).
func (c *Coordinator) Submit(ctx context.Context, req Request) (model.Job, error) {
	if req.Priority == 0 {
		req.Priority = 50
	}
	if err := structValidate.Struct(req); err != nil {
		return model.Job{}, &ValidationError{Messages: []string{err.Error()}}
	}

	media, err := c.store.FindMediaFile(ctx, req.OrganizationID, req.InputMediaID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("load input media: %w", err)
	}
	if media.Status != model.MediaReady {
		return model.Job{}, ErrNotFound
	}

	desc, err := c.registry.Get(req.ActionID)
	if err != nil {
		return model.Job{}, ErrActionNotFound
	}
	if desc.MediaType != media.MediaType {
		return model.Job{}, ErrActionNotSupported
	}

	params := req.Parameters
	if len(params) == 0 {
		params = []byte("{}")
	}
	if desc.Validate != nil {
		result := desc.Validate(params)
		if !result.Valid {
			return model.Job{}, &ValidationError{Messages: result.Messages}
		}
	}

	tier := model.TierOf(media.FileSizeBytes)

	job, err := c.store.CreateJobPending(ctx, model.Job{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		APIKeyID:       req.APIKeyID,
		InputMediaID:   req.InputMediaID,
		ActionID:       req.ActionID,
		ActionCategory: desc.Category,
		Parameters:     params,
		Priority:       req.Priority,
		PriorityTier:   tier,
	})
	if err != nil {
		return model.Job{}, fmt.Errorf("create pending job: %w", err)
	}

	if err := c.broker.Enqueue(ctx, model.QueueEntry{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		APIKeyID:       job.APIKeyID,
		MediaID:        job.InputMediaID,
		ActionID:       job.ActionID,
		ActionCategory: job.ActionCategory,
		Parameters:     job.Parameters,
		Priority:       job.Priority,
		Tier:           tier,
	}); err != nil {
		return model.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	queued, err := c.store.TransitionJob(ctx, job.OrganizationID, job.ID,
		[]model.JobStatus{model.StatusPending}, model.StatusQueued,
		func(j *model.Job) {
			now := time.Now().UTC()
			j.QueuedAt = &now
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The job was cancelled between steps 6 and 7; best-effort evict
			// the broker entry we just wrote and hand back its current state.
			if _, rerr := c.broker.RemoveQueued(ctx, job.ID); rerr != nil {
				c.log.Warn("best-effort broker eviction after cancel race failed", obs.Err(rerr))
			}
			return c.store.FindJob(ctx, job.OrganizationID, job.ID)
		}
		return model.Job{}, fmt.Errorf("transition to queued: %w", err)
	}

	obs.JobsSubmitted.Inc()
	return queued, nil
}
