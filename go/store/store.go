// Package store wraps S3-compatible object storage with the small set of
// primitives the compactor relies on: conditional PUT (If-None-Match: *),
// HEAD, GET, DELETE, COPY, and paginated delimiter listings.
package store

import (
	"context"
	"errors"
)

// ErrNotExist is returned by Get / Stat for absent objects.
var ErrNotExist = errors.New("object does not exist")

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Bucket is the object-store surface used throughout the compactor.
// The production implementation is minio-backed; tests substitute an
// in-memory bucket with identical conditional-PUT semantics.
type Bucket interface {
	// Get reads the full content of |key|, or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes |body| to |key| unconditionally.
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// PutIfAbsent writes |body| to |key| with an If-None-Match: *
	// precondition. It returns false (and no error) if the object
	// already exists.
	PutIfAbsent(ctx context.Context, key string, body []byte, contentType string) (bool, error)
	// Exists reports whether |key| is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Remove deletes |key|. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Copy performs a server-side copy of |src| to |dst|.
	Copy(ctx context.Context, dst, src string) error
	// List returns all objects under |prefix|, recursively. Pagination
	// is handled internally.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// ListPrefixes returns the common prefixes directly under |prefix|,
	// using "/" as the delimiter.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
	// Download fetches |key| into the local file at |path|.
	Download(ctx context.Context, key, path string) error
	// Upload stores the local file at |path| under |key|.
	Upload(ctx context.Context, path, key, contentType string) error
}
