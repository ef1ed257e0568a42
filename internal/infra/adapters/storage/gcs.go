package storage

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.ImageStore = (*GCSStore)(nil)

// GCSStore reads gs://bucket/object references.
type GCSStore struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCSStore uses the credentials file when given, otherwise application
// default credentials.
func NewGCSStore(ctx context.Context, credentialsFile string, maxBytes int64) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: c, maxBytes: maxBytes}, nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

func (s *GCSStore) Fetch(ctx context.Context, ref string) (model.Image, error) {
	bucket, key, err := bucketKey(ref)
	if err != nil {
		return model.Image{}, err
	}
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return model.Image{}, fmt.Errorf("gcs %s/%s: %w", bucket, key, err)
	case err != nil:
		return model.Image{}, domain.Transient("fetch_image", fmt.Errorf("gcs %s/%s: %w", bucket, key, err))
	}
	defer r.Close()

	data, err := readLimited(r, s.maxBytes)
	if err != nil {
		return model.Image{}, err
	}
	return model.Image{Ref: ref, ContentType: r.Attrs.ContentType, Data: data}, nil
}
