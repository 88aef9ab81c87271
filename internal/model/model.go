// Copyright 2025 James Ross
// Package model holds the core entities shared by every component of the
// job pipeline: Job, MediaFile, UsageRecord, and the broker's QueueEntry.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a Job. Terminal states never transition
// further (see JobStatus.IsTerminal).
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// rank gives the monotonic ordering used by status-monotonicity checks:
// PENDING < QUEUED < PROCESSING < {COMPLETED,FAILED,CANCELLED}.
func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	default:
		return 3
	}
}

// Precedes reports whether s is strictly earlier than other in the lifecycle
// ordering. Two terminal statuses never precede each other.
func (s JobStatus) Precedes(other JobStatus) bool {
	if s.IsTerminal() && other.IsTerminal() {
		return false
	}
	return s.rank() < other.rank()
}

// PriorityTier is the coarse dispatch axis derived from input file size.
type PriorityTier string

const (
	TierHigh   PriorityTier = "HIGH"
	TierNormal PriorityTier = "NORMAL"
	TierLow    PriorityTier = "LOW"
)

const (
	mib = 1048576

	// HighTierMaxBytes is the exclusive upper bound for the HIGH tier.
	HighTierMaxBytes = 5 * mib
	// NormalTierMaxBytes is the inclusive upper bound for the NORMAL tier.
	NormalTierMaxBytes = 20 * mib
)

// TierOf derives the priority tier for an input of the given size, per the
// boundary rules in spec.md §8 property 4: HIGH iff size < 5MiB, LOW iff size
// > 20MiB, NORMAL otherwise (both boundaries land in NORMAL).
func TierOf(sizeBytes int64) PriorityTier {
	switch {
	case sizeBytes < HighTierMaxBytes:
		return TierHigh
	case sizeBytes > NormalTierMaxBytes:
		return TierLow
	default:
		return TierNormal
	}
}

// ActionCategory denormalizes the action's category onto the job row.
type ActionCategory string

const (
	CategoryTranscribe ActionCategory = "transcribe"
	CategoryModify     ActionCategory = "modify"
	CategoryProcess    ActionCategory = "process"
)

// ResultType distinguishes how a job's output is stored.
type ResultType string

const (
	ResultFile  ResultType = "FILE"
	ResultJSON  ResultType = "JSON"
	ResultFiles ResultType = "FILES"
)

// MediaType is the coarse kind of a stored artifact.
type MediaType string

const (
	MediaImage MediaType = "IMAGE"
	MediaAudio MediaType = "AUDIO"
)

// MediaStatus tracks soft-deletion of a MediaFile.
type MediaStatus string

const (
	MediaReady   MediaStatus = "READY"
	MediaDeleted MediaStatus = "DELETED"
)

// Job is the central entity of the pipeline (spec.md §3).
type Job struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organizationId" db:"organization_id"`
	UserID         *string         `json:"userId,omitempty" db:"user_id"`
	APIKeyID       *string         `json:"apiKeyId,omitempty" db:"api_key_id"`
	InputMediaID   string          `json:"inputMediaId" db:"input_media_id"`
	ActionID       string          `json:"actionId" db:"action_id"`
	ActionCategory ActionCategory  `json:"actionCategory" db:"action_category"`
	Parameters     json.RawMessage `json:"parameters,omitempty" db:"parameters"`

	Priority     int          `json:"priority" db:"priority"`
	PriorityTier PriorityTier `json:"priorityTier" db:"priority_tier"`

	Status     JobStatus `json:"status" db:"status"`
	RetryCount int       `json:"retryCount" db:"retry_count"`
	WorkerID   *string   `json:"workerId,omitempty" db:"worker_id"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty" db:"queued_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`

	ResultType       *ResultType     `json:"resultType,omitempty" db:"result_type"`
	ResultMediaID     *string        `json:"resultMediaId,omitempty" db:"result_media_id"`
	ResultData       json.RawMessage `json:"resultData,omitempty" db:"result_data"`
	ErrorCode        string          `json:"errorCode,omitempty" db:"error_code"`
	ErrorMessage     string          `json:"errorMessage,omitempty" db:"error_message"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty" db:"processing_time_ms"`
}

// MediaFile is a content-addressed blob plus metadata (spec.md §3).
type MediaFile struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organizationId" db:"organization_id"`
	StoragePath    string          `json:"storagePath" db:"storage_path"`
	MediaType      MediaType       `json:"mediaType" db:"media_type"`
	MimeType       string          `json:"mimeType" db:"mime_type"`
	FileSizeBytes  int64           `json:"fileSizeBytes" db:"file_size_bytes"`
	ChecksumMD5    string          `json:"checksumMd5" db:"checksum_md5"`
	ChecksumSHA256 string          `json:"checksumSha256" db:"checksum_sha256"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	ThumbnailPath  string          `json:"thumbnailPath,omitempty" db:"thumbnail_path"`
	Status         MediaStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty" db:"expires_at"`
}

// UsageRecord is an append-only ledger entry emitted at each job terminal
// transition (spec.md §3).
type UsageRecord struct {
	ID               string    `json:"id" db:"id"`
	OrganizationID   string    `json:"organizationId" db:"organization_id"`
	JobID            string    `json:"jobId" db:"job_id"`
	ActionType       string    `json:"actionType" db:"action_type"`
	ProcessingTimeMs int64     `json:"processingTimeMs" db:"processing_time_ms"`
	AITokensUsed     int64     `json:"aiTokensUsed,omitempty" db:"ai_tokens_used"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// QueueEntry is the broker-internal payload wrapping a job for delivery.
// It exists only in the broker; it is not addressable by tenant.
type QueueEntry struct {
	JobID          string          `json:"jobId"`
	OrganizationID string          `json:"organizationId"`
	UserID         *string         `json:"userId,omitempty"`
	APIKeyID       *string         `json:"apiKeyId,omitempty"`
	MediaID        string          `json:"mediaId"`
	ActionID       string          `json:"actionId"`
	ActionCategory ActionCategory  `json:"actionCategory"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Priority       int             `json:"priority"`
	Tier           PriorityTier    `json:"tier"`

	AttemptsMade  int       `json:"attemptsMade"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

func (e QueueEntry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalQueueEntry(b []byte) (QueueEntry, error) {
	var e QueueEntry
	err := json.Unmarshal(b, &e)
	return e, err
}
