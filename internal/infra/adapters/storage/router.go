// Package storage resolves submission image references to bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.ImageStore = (*Router)(nil)

// Router dispatches on the reference scheme (https, s3, gs).
type Router struct {
	byScheme map[string]adapter.ImageStore
}

func NewRouter() *Router { return &Router{byScheme: make(map[string]adapter.ImageStore)} }

// Handle registers store for the given schemes.
func (r *Router) Handle(store adapter.ImageStore, schemes ...string) *Router {
	for _, s := range schemes {
		r.byScheme[strings.ToLower(s)] = store
	}
	return r
}

func (r *Router) Fetch(ctx context.Context, ref string) (model.Image, error) {
	u, err := ParseRef(ref)
	if err != nil {
		return model.Image{}, err
	}
	store, ok := r.byScheme[u.Scheme]
	if !ok {
		return model.Image{}, domain.Validation("fetch_image", fmt.Errorf("%w: unsupported image scheme %q", domain.ErrInvalidArgument, u.Scheme))
	}
	img, err := store.Fetch(ctx, ref)
	if err != nil {
		return model.Image{}, err
	}
	// Stores see the reference without a fragment; keep the caller's form.
	img.Ref = ref
	return img, nil
}

// ParseRef parses an image reference. The media fragment of a cropped
// reference (#xywh=...) is dropped; it does not address a different object.
func ParseRef(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, domain.Validation("fetch_image", fmt.Errorf("%w: bad image reference %q", domain.ErrInvalidArgument, ref))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	return u, nil
}

// bucketKey splits s3://bucket/key and gs://bucket/key.
func bucketKey(ref string) (string, string, error) {
	u, err := ParseRef(ref)
	if err != nil {
		return "", "", err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", domain.Validation("fetch_image", fmt.Errorf("%w: missing object key in %q", domain.ErrInvalidArgument, ref))
	}
	return u.Host, key, nil
}

var errTooLarge = errors.New("image exceeds size limit")

// readLimited reads at most limit bytes and fails when the body is larger.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, domain.Validation("fetch_image", errTooLarge)
	}
	return b, nil
}
