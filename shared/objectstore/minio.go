package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore is an S3-compatible Store
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioStore connects to an S3-compatible endpoint
func NewMinioStore(config *Config, logger *slog.Logger) (*MinioStore, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	logger.Info("Object storage client initialized",
		slog.String("endpoint", config.Endpoint),
		slog.String("bucket", config.Bucket),
	)

	return &MinioStore{client: client, bucket: config.Bucket, logger: logger}, nil
}

// New builds the configured backend
func New(config *Config, logger *slog.Logger) (Store, error) {
	switch config.Backend {
	case BackendMinio, "":
		store, err := NewMinioStore(config, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendFS:
		store, err := NewFSStore(config.Root, config.BaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", config.Backend)
	}
}

// Download fetches key into dst
func (s *MinioStore) Download(ctx context.Context, key, dst string) error {
	err := s.client.FGetObject(ctx, s.bucket, key, dst, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", key, translate(err))
	}
	return nil
}

// Upload stores src under key
func (s *MinioStore) Upload(ctx context.Context, key, src, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, src, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, translate(err))
	}
	return nil
}

// List returns all keys under prefix
func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, translate(obj.Err))
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Remove deletes key
func (s *MinioStore) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(translate(err), ErrNotFound) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// PresignGet returns a signed GET URL valid for ttl
func (s *MinioStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

// translate maps missing-object responses to ErrNotFound
func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
