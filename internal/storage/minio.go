package storage

import (
	"context"
	"fmt"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage fetches source videos from an S3-compatible object store.
type Storage struct {
	client *miniogo.Client
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Storage{client: client}, nil
}

// FetchObject downloads bucket/key to destPath.
func (s *Storage) FetchObject(ctx context.Context, bucket, key, destPath string) error {
	if err := s.client.FGetObject(ctx, bucket, key, destPath, miniogo.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

// UploadFile stores a local file under bucket/key, creating the bucket if needed.
func (s *Storage) UploadFile(ctx context.Context, bucket, key, srcPath string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	if _, err := s.client.FPutObject(ctx, bucket, key, srcPath, miniogo.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}
