// Package s3 is the object-store adapter backed by any S3-compatible
// endpoint via the MinIO client.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"scanrelay/internal/domain"
	"scanrelay/internal/store"
)

// Config identifies the bucket and credentials for one artifact store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseTLS    bool
}

// Store implements store.Store against an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
}

var _ store.Store = (*Store)(nil)

// New connects the client and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: check bucket %q: %w", domain.ErrStorageUnavailable, cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: create bucket %q: %w", domain.ErrStorageUnavailable, cfg.Bucket, err)
		}
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads the blob, retrying transient backend failures.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	err := store.RetryPut(ctx, func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key,
			bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{ContentType: contentType})
		return err
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Sign mints a presigned GET URL for an existing object. Presigning itself is
// a local computation, so existence is checked first to keep the Put-before-
// Sign contract observable.
func (s *Store) Sign(ctx context.Context, key string, ttl time.Duration) (domain.AccessReference, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return domain.AccessReference{}, fmt.Errorf("%w: %q", domain.ErrKeyNotFound, key)
		}
		return domain.AccessReference{}, fmt.Errorf("stat %q: %w", key, err)
	}

	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return domain.AccessReference{}, fmt.Errorf("presign %q: %w", key, err)
	}

	return domain.AccessReference{
		StoreKey:  key,
		URL:       signed.String(),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
