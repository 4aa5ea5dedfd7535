package objectstore

import (
	"context"
	"fmt"
	"path/filepath"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror copies annotated results into an S3 compatible bucket.
type Mirror struct {
	client *miniogo.Client
	bucket string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

func New(cfg Config) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket must be set")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", m.bucket, err)
		}
	}
	return nil
}

// Upload stores the file at path under its base name and returns the object key.
func (m *Mirror) Upload(ctx context.Context, path, contentType string) (string, error) {
	key := filepath.Base(path)
	_, err := m.client.FPutObject(ctx, m.bucket, key, path, miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// Bucket is the target bucket name.
func (m *Mirror) Bucket() string { return m.bucket }
