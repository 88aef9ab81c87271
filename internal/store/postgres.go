// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore is the Store implementation backed by PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens and pings a PostgreSQL connection pool.
func NewPostgresStore(cfg config.Database) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations to the store's connection.
func (s *PostgresStore) Migrate() error {
	return Migrate(s.db.DB)
}

func (s *PostgresStore) CreateJobPending(ctx context.Context, job model.Job) (model.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = model.StatusPending
	job.CreatedAt = time.Now().UTC()

	const q = `
		INSERT INTO jobs (
			id, organization_id, user_id, api_key_id, input_media_id, action_id,
			action_category, parameters, priority, priority_tier, status,
			retry_count, created_at
		) VALUES (
			:id, :organization_id, :user_id, :api_key_id, :input_media_id, :action_id,
			:action_category, :parameters, :priority, :priority_tier, :status,
			:retry_count, :created_at
		)`
	_, err := s.db.NamedExecContext(ctx, q, job)
	if err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FindJob(ctx context.Context, orgID, jobID string) (model.Job, error) {
	var job model.Job
	const q = `SELECT * FROM jobs WHERE id = $1 AND organization_id = $2`
	if err := s.db.GetContext(ctx, &job, q, jobID, orgID); err != nil {
		if err == sql.ErrNoRows {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("find job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, orgID string, filter JobFilter) ([]model.Job, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	where := ` WHERE organization_id = $1`
	args := []interface{}{orgID}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ActionID != nil {
		args = append(args, *filter.ActionID)
		where += fmt.Sprintf(" AND action_id = $%d", len(args))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), limit, filter.Offset)
	q := `SELECT * FROM jobs` + where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, q, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, orgID, jobID string) error {
	const q = `DELETE FROM jobs WHERE id = $1 AND organization_id = $2`
	res, err := s.db.ExecContext(ctx, q, jobID, orgID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionJob performs the CAS update described in spec.md §4.2 inside one
// transaction: SELECT ... FOR UPDATE locks the row, the status is compared,
// and an UPDATE writes the new state, so the compare and the swap are atomic.
func (s *PostgresStore) TransitionJob(ctx context.Context, orgID, jobID string, expectedFrom []model.JobStatus, to model.JobStatus, mutate func(*model.Job)) (model.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Job{}, fmt.Errorf("transition job begin tx: %w", err)
	}
	defer tx.Rollback()

	var job model.Job
	const selectQ = `SELECT * FROM jobs WHERE id = $1 AND organization_id = $2 FOR UPDATE`
	if err := tx.GetContext(ctx, &job, selectQ, jobID, orgID); err != nil {
		if err == sql.ErrNoRows {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("transition job select: %w", err)
	}
	if !statusIn(job.Status, expectedFrom) {
		return model.Job{}, ErrConflict
	}

	job.Status = to
	if mutate != nil {
		mutate(&job)
	}

	const updateQ = `
		UPDATE jobs SET
			status = :status, worker_id = :worker_id, retry_count = :retry_count,
			queued_at = :queued_at, started_at = :started_at, completed_at = :completed_at,
			result_type = :result_type, result_media_id = :result_media_id,
			result_data = :result_data, error_code = :error_code,
			error_message = :error_message, processing_time_ms = :processing_time_ms
		WHERE id = :id AND organization_id = :organization_id`
	if _, err := tx.NamedExecContext(ctx, updateQ, job); err != nil {
		return model.Job{}, fmt.Errorf("transition job update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Job{}, fmt.Errorf("transition job commit: %w", err)
	}
	return job, nil
}

func statusIn(s model.JobStatus, set []model.JobStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func (s *PostgresStore) CreateMediaFile(ctx context.Context, media model.MediaFile) (model.MediaFile, error) {
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	media.Status = model.MediaReady
	media.CreatedAt = time.Now().UTC()

	const q = `
		INSERT INTO media_files (
			id, organization_id, storage_path, media_type, mime_type,
			file_size_bytes, checksum_md5, checksum_sha256, metadata,
			thumbnail_path, status, created_at, expires_at
		) VALUES (
			:id, :organization_id, :storage_path, :media_type, :mime_type,
			:file_size_bytes, :checksum_md5, :checksum_sha256, :metadata,
			:thumbnail_path, :status, :created_at, :expires_at
		)`
	if _, err := s.db.NamedExecContext(ctx, q, media); err != nil {
		return model.MediaFile{}, fmt.Errorf("create media file: %w", err)
	}
	return media, nil
}

func (s *PostgresStore) FindMediaFile(ctx context.Context, orgID, mediaID string) (model.MediaFile, error) {
	var media model.MediaFile
	const q = `SELECT * FROM media_files WHERE id = $1 AND organization_id = $2 AND status = 'READY'`
	if err := s.db.GetContext(ctx, &media, q, mediaID, orgID); err != nil {
		if err == sql.ErrNoRows {
			return model.MediaFile{}, ErrNotFound
		}
		return model.MediaFile{}, fmt.Errorf("find media file: %w", err)
	}
	return media, nil
}

func (s *PostgresStore) DeleteMediaFile(ctx context.Context, orgID, mediaID string) error {
	const q = `UPDATE media_files SET status = 'DELETED' WHERE id = $1 AND organization_id = $2`
	res, err := s.db.ExecContext(ctx, q, mediaID, orgID)
	if err != nil {
		return fmt.Errorf("delete media file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete media file rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ExpiredMediaFiles(ctx context.Context, olderThan time.Time, limit int) ([]model.MediaFile, error) {
	const q = `
		SELECT * FROM media_files
		WHERE status = 'READY' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`
	var media []model.MediaFile
	if err := s.db.SelectContext(ctx, &media, q, olderThan, limit); err != nil {
		return nil, fmt.Errorf("expired media files: %w", err)
	}
	return media, nil
}

func (s *PostgresStore) CreateUsageRecord(ctx context.Context, rec model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	const q = `
		INSERT INTO usage_records (
			id, organization_id, job_id, action_type, processing_time_ms,
			ai_tokens_used, created_at
		) VALUES (
			:id, :organization_id, :job_id, :action_type, :processing_time_ms,
			:ai_tokens_used, :created_at
		)`
	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("create usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) StalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	const q = `
		SELECT * FROM jobs
		WHERE status IN ('PENDING', 'QUEUED', 'PROCESSING')
		  AND COALESCE(started_at, queued_at, created_at) < $1
		ORDER BY created_at ASC LIMIT $2`
	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, q, cutoff, limit); err != nil {
		return nil, fmt.Errorf("stalled jobs: %w", err)
	}
	return jobs, nil
}
