// Package storage defines the Backend interface for the object repository.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("object not found")

// EncryptedFlag is the object metadata key marking content as encrypted.
const EncryptedFlag = "encrypted"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Encrypted reports whether the object carries the encrypted marker.
func (o *ObjectInfo) Encrypted() bool {
	return o.Metadata[EncryptedFlag] == "true"
}

// ListResult holds one page of a prefix listing.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
}

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O (S3/MinIO, local filesystem).
type Backend interface {
	// HeadObject returns size and metadata for a key.
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// GetObject retrieves an object with optional range support. If offset=0
	// and length=0 the entire object is returned. The returned size is the
	// number of bytes the stream will yield.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject streams content to the given key with object metadata.
	PutObject(ctx context.Context, key string, body io.Reader, meta map[string]string) error

	// List returns objects and common prefixes under prefix. With delimiter
	// "/" the listing is one level deep.
	List(ctx context.Context, prefix, delimiter string) (*ListResult, error)

	// DeleteObjects removes a batch of keys. Missing keys are ignored.
	DeleteObjects(ctx context.Context, keys []string) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
