package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.ImageStore = (*S3Store)(nil)

// S3Store reads s3://bucket/key references from any S3-compatible endpoint.
type S3Store struct {
	client   *minio.Client
	maxBytes int64
}

func NewS3Store(cfg config.StorageConfig) (*S3Store, error) {
	client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		Secure: cfg.S3.UseSSL,
		Region: cfg.S3.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3Store{client: client, maxBytes: cfg.MaxBytes}, nil
}

func (s *S3Store) Fetch(ctx context.Context, ref string) (model.Image, error) {
	bucket, key, err := bucketKey(ref)
	if err != nil {
		return model.Image{}, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return model.Image{}, domain.Transient("fetch_image", fmt.Errorf("s3 get object: %w", err))
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing object.
	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode >= 500 {
			return model.Image{}, domain.Transient("fetch_image", err)
		}
		return model.Image{}, fmt.Errorf("s3 stat %s/%s: %w", bucket, key, err)
	}
	data, err := readLimited(obj, s.maxBytes)
	if err != nil {
		return model.Image{}, err
	}
	return model.Image{Ref: ref, ContentType: info.ContentType, Data: data}, nil
}
