// Copyright 2025 James Ross
// Package objectstore implements the Object Store Gateway (C3): S3-compatible
// put/get/delete/head plus presigned URL issuance over content-addressed
// paths, modeled on the R2 client of the teacher's sibling media API.
package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/google/uuid"
)

// ErrStorage is the single error kind the gateway surfaces (spec.md §4.3);
// callers distinguish the failing operation via the Operation field.
type ErrStorage struct {
	Operation string
	Err       error
}

func (e *ErrStorage) Error() string {
	return fmt.Sprintf("STORAGE_ERROR[%s]: %v", e.Operation, e.Err)
}

func (e *ErrStorage) Unwrap() error { return e.Err }

// ErrNotFound is returned by Head when the object does not exist.
var ErrNotFound = fmt.Errorf("object not found")

// PutResult is returned by Put.
type PutResult struct {
	ETag string
}

// HeadResult is returned by Head.
type HeadResult struct {
	ContentType   string
	ContentLength int64
}

// Gateway is the S3-compatible object store client.
type Gateway struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	presignGetTTL time.Duration
	presignPutTTL time.Duration
}

// New builds a Gateway configured for an S3-compatible endpoint (AWS S3,
// Cloudflare R2, MinIO, ...), mirroring the teacher's R2Client constructor.
func New(cfg config.ObjectStore) (*Gateway, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object_store.bucket is required")
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &Gateway{
		client:        s3.New(opts),
		bucket:        cfg.Bucket,
		publicBaseURL: cfg.PublicBaseURL,
		presignGetTTL: orDefault(cfg.PresignGetTTL, 15*time.Minute),
		presignPutTTL: orDefault(cfg.PresignPutTTL, 15*time.Minute),
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Put uploads bytes to path, replacing any existing object atomically.
func (g *Gateway) Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) (PutResult, error) {
	out, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return PutResult{}, &ErrStorage{Operation: "put", Err: err}
	}
	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return PutResult{ETag: etag}, nil
}

// Get retrieves an object's bytes and content type.
func (g *Gateway) Get(ctx context.Context, path string) ([]byte, string, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, "", &ErrStorage{Operation: "get", Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", &ErrStorage{Operation: "get", Err: err}
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return data, contentType, nil
}

// Delete removes an object; it is idempotent, matching S3 DeleteObject
// semantics (a delete of a missing key is not an error).
func (g *Gateway) Delete(ctx context.Context, path string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return &ErrStorage{Operation: "delete", Err: err}
	}
	return nil
}

// Head returns object metadata without downloading the body, or ErrNotFound.
func (g *Gateway) Head(ctx context.Context, path string) (HeadResult, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return HeadResult{}, ErrNotFound
		}
		return HeadResult{}, &ErrStorage{Operation: "head", Err: err}
	}
	res := HeadResult{}
	if out.ContentType != nil {
		res.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		res.ContentLength = *out.ContentLength
	}
	return res, nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

// PresignGet issues a time-limited GET URL.
func (g *Gateway) PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = g.presignGetTTL
	}
	presignClient := s3.NewPresignClient(g.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", &ErrStorage{Operation: "presign_get", Err: err}
	}
	return req.URL, nil
}

// PresignPut issues a time-limited PUT URL for client-side direct upload.
func (g *Gateway) PresignPut(ctx context.Context, path string, ttl time.Duration, contentType string) (string, error) {
	if ttl <= 0 {
		ttl = g.presignPutTTL
	}
	presignClient := s3.NewPresignClient(g.client)
	req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(path),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", &ErrStorage{Operation: "presign_put", Err: err}
	}
	return req.URL, nil
}

// ThumbnailPathOf is a pure derivation that injects "thumbnails/" before the
// filename and replaces the extension with "_thumb.webp" (spec.md §4.3).
func ThumbnailPathOf(storagePath string) string {
	dir := ""
	base := storagePath
	if idx := strings.LastIndex(storagePath, "/"); idx >= 0 {
		dir = storagePath[:idx+1]
		base = storagePath[idx+1:]
	}
	if idx := strings.LastIndex(base, "."); idx >= 0 {
		base = base[:idx]
	}
	return fmt.Sprintf("%sthumbnails/%s_thumb.webp", dir, base)
}

// MediaKind is the coarse path segment ("image"/"audio") for content-
// addressed paths.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindAudio MediaKind = "audio"
)

// StoragePath derives the content-addressed path described in spec.md §3:
// {orgId}/{image|audio}/{YYYY}/{MM}/{DD}/{uuid}.{ext}.
func StoragePath(orgID string, kind MediaKind, now time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s.%s",
		orgID, kind, now.Year(), now.Month(), now.Day(), uuid.NewString(), ext)
}

// Checksums computes the MD5 and SHA-256 digests of data, the two checksum
// fields stored on every MediaFile row.
func Checksums(data []byte) (md5hex, sha256hex string) {
	m := md5.Sum(data)
	s := sha256.Sum256(data)
	return hex.EncodeToString(m[:]), hex.EncodeToString(s[:])
}
