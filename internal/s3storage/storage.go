// Package s3storage keeps archived payloads and their text previews in an
// S3-compatible object store.
//
// Raw payloads and previews live in separate buckets, so a presigned preview
// link never grants access to the original file.
package s3storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/RoomDrop/internal/config"
)

var (
	// ErrNotFound is returned for a key the bucket does not hold.
	ErrNotFound = errors.New("object not found")
	// ErrTooLarge is returned when a raw object is bigger than the store
	// was told to accept.
	ErrTooLarge = errors.New("object exceeds size limit")
)

// MaxPresignTTL is the longest expiry a SigV4 presigned URL may carry.
const MaxPresignTTL = 7 * 24 * time.Hour

const previewContentType = "text/plain; charset=utf-8"

// Store reads and writes the raw and preview buckets.
type Store struct {
	client    *minio.Client
	raw       string
	previews  string
	region    string
	maxObject int64
}

// New builds a client from the archive settings. It does not contact the
// server; call EnsureBuckets for that. Raw downloads above maxObject bytes
// are refused; maxObject <= 0 means no limit.
func New(cfg config.ArchiveConfig, maxObject int64) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client for %q: %w", cfg.S3Endpoint, err)
	}
	return &Store{
		client:    client,
		raw:       cfg.RawBucket,
		previews:  cfg.PreviewBucket,
		region:    cfg.S3Region,
		maxObject: maxObject,
	}, nil
}

// EnsureBuckets creates whichever of the two buckets is missing.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.raw, s.previews} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			// Another process may have won the race.
			if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
				continue
			}
			return fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// UploadRaw stores a payload in the raw bucket. The checksum travels as
// object metadata so the archive can be verified without the catalog.
func (s *Store) UploadRaw(ctx context.Context, objectKey string, body io.Reader, size int64, contentType, checksum string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.put(ctx, s.raw, objectKey, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"sha256": checksum},
	})
}

// UploadPreview stores extracted text in the preview bucket.
func (s *Store) UploadPreview(ctx context.Context, objectKey string, text []byte) error {
	return s.put(ctx, s.previews, objectKey, bytes.NewReader(text), int64(len(text)),
		minio.PutObjectOptions{ContentType: previewContentType})
}

func (s *Store) put(ctx context.Context, bucket, key string, body io.Reader, size int64, opts minio.PutObjectOptions) error {
	if _, err := s.client.PutObject(ctx, bucket, key, body, size, opts); err != nil {
		return objectError("put", bucket, key, err)
	}
	return nil
}

// DownloadRaw reads a whole raw payload into memory.
func (s *Store) DownloadRaw(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.raw, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, objectError("get", s.raw, objectKey, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key only surfaces on the first read.
	var r io.Reader = obj
	if s.maxObject > 0 {
		r = io.LimitReader(obj, s.maxObject+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, objectError("read", s.raw, objectKey, err)
	}
	if s.maxObject > 0 && int64(len(data)) > s.maxObject {
		return nil, fmt.Errorf("read %s/%s: %w", s.raw, objectKey, ErrTooLarge)
	}
	return data, nil
}

// PresignPreviewURL returns a signed GET link to a preview object. A ttl
// outside [1s, MaxPresignTTL] is clamped; zero means one hour.
func (s *Store) PresignPreviewURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.previews, objectKey, clampTTL(ttl), url.Values{})
	if err != nil {
		return "", objectError("presign", s.previews, objectKey, err)
	}
	return u.String(), nil
}

func clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Hour
	case ttl < time.Second:
		return time.Second
	case ttl > MaxPresignTTL:
		return MaxPresignTTL
	default:
		return ttl.Truncate(time.Second)
	}
}

func objectError(op, bucket, key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		err = ErrNotFound
	}
	return fmt.Errorf("%s %s/%s: %w", op, bucket, key, err)
}
