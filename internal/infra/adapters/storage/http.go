package storage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.ImageStore = (*HTTPStore)(nil)

type HTTPStore struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPStore(timeout time.Duration, maxBytes int64) *HTTPStore {
	return &HTTPStore{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (s *HTTPStore) Fetch(ctx context.Context, ref string) (model.Image, error) {
	u, err := ParseRef(ref)
	if err != nil {
		return model.Image{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.Image{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return model.Image{}, ctx.Err()
		}
		return model.Image{}, domain.Transient("fetch_image", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return model.Image{}, domain.Transient("fetch_image", fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status))
	default:
		return model.Image{}, fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status)
	}

	data, err := readLimited(resp.Body, s.maxBytes)
	if err != nil {
		return model.Image{}, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return model.Image{Ref: ref, ContentType: ct, Data: data}, nil
}
