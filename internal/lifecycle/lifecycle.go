// Copyright 2025 James Ross
// Package lifecycle implements the Cancellation & Lifecycle Controller (C7):
// cancel and delete requests against a job in any state, reconciling
// broker-side removal with metadata-store status (spec.md §4.7).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"go.uber.org/zap"
)

// ErrIllegalState is returned by Cancel when the job is already terminal.
var ErrIllegalState = errors.New("ILLEGAL_STATE")

// objectDeleter is the subset of *objectstore.Gateway Delete needs.
type objectDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Controller mediates cancel and delete against the store and broker.
type Controller struct {
	store   store.Store
	broker  *broker.Broker
	objects objectDeleter
	log     *zap.Logger
}

func New(st store.Store, b *broker.Broker, objects objectDeleter, log *zap.Logger) *Controller {
	return &Controller{store: st, broker: b, objects: objects, log: log}
}

// Cancel runs spec.md §4.7's cancel algorithm. It never forcibly interrupts a
// running executor; a PROCESSING job is cancelled cooperatively, observed by
// the worker at its next CAS attempt.
func (c *Controller) Cancel(ctx context.Context, orgID, jobID string) (model.Job, error) {
	job, err := c.store.FindJob(ctx, orgID, jobID)
	if err != nil {
		return model.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status.IsTerminal() {
		return model.Job{}, ErrIllegalState
	}

	if job.Status == model.StatusPending || job.Status == model.StatusQueued {
		if _, err := c.broker.RemoveQueued(ctx, jobID); err != nil {
			c.log.Warn("broker remove during cancel failed", obs.Err(err))
		}
	}

	cancelled, err := c.store.TransitionJob(ctx, orgID, jobID,
		[]model.JobStatus{model.StatusPending, model.StatusQueued, model.StatusProcessing},
		model.StatusCancelled,
		func(j *model.Job) {
			now := time.Now().UTC()
			j.CompletedAt = &now
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Raced with the job reaching a terminal state first (completed,
			// failed, or cancelled by a concurrent request); cancel is
			// idempotent, so hand back whatever it settled on.
			return c.store.FindJob(ctx, orgID, jobID)
		}
		return model.Job{}, fmt.Errorf("transition to cancelled: %w", err)
	}

	obs.JobsCancelled.Inc()
	return cancelled, nil
}

// Delete runs spec.md §4.7's delete algorithm. alsoDeleteResultFile
// best-effort removes the result MediaFile's object-store blob and
// thumbnail; object-store errors are logged, never fatal, since the store is
// content-addressed and idempotent to re-delete.
func (c *Controller) Delete(ctx context.Context, orgID, jobID string, alsoDeleteResultFile bool) error {
	job, err := c.store.FindJob(ctx, orgID, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if job.Status == model.StatusPending || job.Status == model.StatusQueued {
		if _, err := c.broker.RemoveQueued(ctx, jobID); err != nil {
			c.log.Warn("broker remove during delete failed", obs.Err(err))
		}
	}

	if alsoDeleteResultFile && job.ResultMediaID != nil {
		c.deleteResultMedia(ctx, orgID, *job.ResultMediaID)
	}

	if err := c.store.DeleteJob(ctx, orgID, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (c *Controller) deleteResultMedia(ctx context.Context, orgID, mediaID string) {
	media, err := c.store.FindMediaFile(ctx, orgID, mediaID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("load result media for delete failed", obs.Err(err))
		}
		return
	}

	if err := c.objects.Delete(ctx, media.StoragePath); err != nil {
		c.log.Warn("best-effort object delete failed", obs.String("path", media.StoragePath), obs.Err(err))
	}
	if media.ThumbnailPath != "" {
		if err := c.objects.Delete(ctx, media.ThumbnailPath); err != nil {
			c.log.Warn("best-effort thumbnail delete failed", obs.String("path", media.ThumbnailPath), obs.Err(err))
		}
	}
	if err := c.store.DeleteMediaFile(ctx, orgID, mediaID); err != nil {
		c.log.Warn("soft-delete result media failed", obs.Err(err))
	}
}
