// Package attachments provides object storage for email attachments.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned when the referenced object does not exist.
var ErrObjectNotFound = errors.New("attachment object not found")

// maxObjectSize caps how much of an object is read into memory.
const maxObjectSize = 10 << 20

// MinioConfig holds object storage configuration.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore reads attachment content from an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the configured endpoint and checks that the bucket exists.
func NewMinioStore(ctx context.Context, config MinioConfig) (*MinioStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", config.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", config.Bucket)
	}

	slog.Info("attachment store configured", "endpoint", config.Endpoint, "bucket", config.Bucket)

	return &MinioStore{client: client, bucket: config.Bucket}, nil
}

// Fetch returns the object content and its stored content type.
func (s *MinioStore) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = obj.Close() }()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, "", fmt.Errorf("stat object %q: %w", key, err)
	}
	if info.Size > maxObjectSize {
		return nil, "", fmt.Errorf("object %q is %d bytes, limit is %d", key, info.Size, maxObjectSize)
	}

	content, err := io.ReadAll(io.LimitReader(obj, maxObjectSize))
	if err != nil {
		return nil, "", fmt.Errorf("read object %q: %w", key, err)
	}
	return content, info.ContentType, nil
}
