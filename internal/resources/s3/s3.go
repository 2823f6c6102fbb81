// Package s3 implements resources.BucketStore on S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/config"
	"pgsorchestrator/internal/resources"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds configuration for the object storage backend.
type Config struct {
	Endpoint  string // host:port
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// LoadConfigFromEnv loads storage configuration from environment variables.
// Credentials are read from mounted secret files when the *_FILE variants are set.
func LoadConfigFromEnv() Config {
	return Config{
		Endpoint:  config.GetEnv("S3_ENDPOINT", "localhost:9000"),
		AccessKey: config.GetSecretEnv("S3_ACCESS_KEY", "S3_ACCESS_KEY_FILE"),
		SecretKey: config.GetSecretEnv("S3_SECRET_KEY", "S3_SECRET_KEY_FILE"),
		Region:    config.GetEnv("STORAGE_REGION", "europe-west2"),
		UseSSL:    config.GetEnv("S3_USE_SSL", "false") == "true",
	}
}

// Store manages job buckets.
type Store struct {
	client *minio.Client
	region string
	logger *slog.Logger
}

var _ resources.BucketStore = (*Store)(nil)

// New creates a Store.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Store{
		client: client,
		region: cfg.Region,
		logger: slog.With("component", "s3"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context, name string) error {
	exists, err := s.client.BucketExists(ctx, name)
	if err != nil {
		return classify("bucket_exists", err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou":
			return nil
		case "BucketAlreadyExists":
			// Bucket names are global; someone else owns this one.
			return apperrors.Permanent("make_bucket", err)
		}
		return classify("make_bucket", err)
	}
	s.logger.Debug("Bucket created", "bucket", name)
	return nil
}

// RemoveBucket deletes every object in the bucket and then the bucket itself.
func (s *Store) RemoveBucket(ctx context.Context, name string) error {
	for obj := range s.client.ListObjects(ctx, name, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			if isNoSuchBucket(obj.Err) {
				return nil
			}
			return classify("list_objects", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, name, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			if isNoSuchBucket(err) {
				return nil
			}
			return classify("remove_object", err)
		}
	}
	if err := s.client.RemoveBucket(ctx, name); err != nil {
		if isNoSuchBucket(err) {
			return nil
		}
		return classify("remove_bucket", err)
	}
	s.logger.Debug("Bucket removed", "bucket", name)
	return nil
}

// Ping checks that storage is reachable with the configured credentials.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return classify("list_buckets", err)
	}
	return nil
}

func isNoSuchBucket(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchBucket"
}

// classify maps storage errors onto transient or permanent failures.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(op, err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName", "TooManyBuckets":
		return apperrors.Permanent(op, err)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return apperrors.Transient(op, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apperrors.Transient(op, err)
	case resp.StatusCode >= 400:
		return apperrors.Permanent(op, err)
	}
	// Network errors carry no status code.
	return apperrors.Transient(op, err)
}
