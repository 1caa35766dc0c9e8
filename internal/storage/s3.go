package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxPresignExpiry is the longest lifetime S3 allows for a presigned URL
const MaxPresignExpiry = 7 * 24 * time.Hour

// S3Config holds object storage settings
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// URLExpiry is the lifetime of presigned URLs, capped at MaxPresignExpiry
	URLExpiry time.Duration
}

// S3Store keeps operation outputs in one bucket
type S3Store struct {
	client    *minio.Client
	bucket    string
	region    string
	urlExpiry time.Duration
	initOnce  sync.Once
	initErr   error
}

// NewS3Store creates an S3 client. The bucket is created on first use.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}

	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 || expiry > MaxPresignExpiry {
		expiry = MaxPresignExpiry
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &S3Store{
		client:    client,
		bucket:    bucket,
		region:    region,
		urlExpiry: expiry,
	}, nil
}

// Bucket returns the bucket name
func (s *S3Store) Bucket() string {
	return s.bucket
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}

		if exists {
			return
		}

		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})

	if s.initErr != nil {
		return classifyS3Error(s.initErr, "failed to ensure bucket "+s.bucket)
	}

	return nil
}

// Upload stores the file at path under key and returns a presigned GET URL
func (s *S3Store) Upload(ctx context.Context, key, path string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	_, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/fits",
	})
	if err != nil {
		return "", classifyS3Error(err, "failed to upload "+key)
	}

	return s.PresignedURL(ctx, key)
}

// PresignedURL returns a time-limited GET URL for key
func (s *S3Store) PresignedURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlExpiry, nil)
	if err != nil {
		return "", classifyS3Error(err, "failed to presign "+key)
	}

	return u.String(), nil
}

// Download writes the object at key to destPath
func (s *S3Store) Download(ctx context.Context, key, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := s.client.FGetObject(ctx, s.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		return classifyS3Error(err, "failed to download "+key)
	}

	return nil
}

// classifyS3Error maps missing objects to NOT_FOUND and everything else to a
// retryable network error
func classifyS3Error(err error, message string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return perrors.Wrap(err, perrors.CodeNotFound, message)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return perrors.Wrap(err, perrors.CodeUnauthorized, message)
	default:
		return perrors.Wrap(err, perrors.CodeNetwork, message)
	}
}
