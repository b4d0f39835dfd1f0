package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the connection settings for a MinIO or S3 endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// MinioGateway implements Gateway on top of minio-go.
type MinioGateway struct {
	client *minio.Client
}

func NewMinio(cfg MinioConfig) (*MinioGateway, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return &MinioGateway{client: client}, nil
}

func (g *MinioGateway) Fetch(ctx context.Context, bucket, key, destPath string) error {
	if err := g.client.FGetObject(ctx, bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("fetch %s/%s: %w", bucket, key, ErrNotFound)
		}
		return fmt.Errorf("fetch %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *MinioGateway) Upload(ctx context.Context, bucket, key, srcPath string) error {
	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	_, err := g.client.FPutObject(ctx, bucket, key, srcPath, minio.PutObjectOptions{
		ContentType: ContentType(srcPath),
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *MinioGateway) Delete(ctx context.Context, bucket, key string) error {
	if err := g.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *MinioGateway) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return g.client.BucketExists(ctx, bucket)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}
