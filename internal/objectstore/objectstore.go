// Package objectstore stores photos and rendered reports as blobs
// addressed by slash-separated paths such as "users/primary/abc.jpg".
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/nugget/dietbot/internal/retry"
)

// ErrNotFound is returned by Get for a path that holds no object.
var ErrNotFound = errors.New("objectstore: not found")

// Store is the blob storage contract.
type Store interface {
	// Put writes data at p and returns the stored path.
	Put(ctx context.Context, p string, data []byte, contentType string) (string, error)
	// URL returns a URL the messaging channel can fetch the object from.
	URL(ctx context.Context, p string) (string, error)
	// Get reads the object back.
	Get(ctx context.Context, p string) ([]byte, error)
}

// CleanPath normalizes p and rejects absolute paths and parent
// references.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("object path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("object path %q must be relative", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("object path %q escapes the store", p)
		}
	}
	return path.Clean(p), nil
}

// Retrying wraps a Store so every call runs under the shared retry policy.
type Retrying struct {
	Store  Store
	Policy retry.Policy
}

// WithRetry returns s wrapped in policy.
func WithRetry(s Store, policy retry.Policy) *Retrying {
	return &Retrying{Store: s, Policy: policy}
}

func (r *Retrying) Put(ctx context.Context, p string, data []byte, contentType string) (string, error) {
	return retry.Value(ctx, r.Policy, "objectstore.put", func(ctx context.Context) (string, error) {
		return r.Store.Put(ctx, p, data, contentType)
	})
}

func (r *Retrying) URL(ctx context.Context, p string) (string, error) {
	return retry.Value(ctx, r.Policy, "objectstore.url", func(ctx context.Context) (string, error) {
		return r.Store.URL(ctx, p)
	})
}

func (r *Retrying) Get(ctx context.Context, p string) ([]byte, error) {
	return retry.Value(ctx, r.Policy, "objectstore.get", func(ctx context.Context) ([]byte, error) {
		data, err := r.Store.Get(ctx, p)
		if errors.Is(err, ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return data, err
	})
}
