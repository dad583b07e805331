// Package metadata defines the keyed-record store used for grants, share
// links, users and queued jobs.
//
// Records live at slash-separated paths ("links/<id>", "users/<name>"). The
// store offers no cross-path transactions; callers needing atomicity across
// reads and writes of one record must serialize themselves or use Update,
// which is atomic for a single path.
package metadata

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when no record exists at a path.
var ErrNotFound = errors.New("record not found")

// Store is the keyed-record store contract.
type Store interface {
	// Get returns the record at path.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set writes value at path, replacing any existing record.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the object record at path. Atomic for the
	// single path; fails with ErrNotFound if no record exists.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Push stores value under path with a generated child key and returns it.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the record at path. Deleting a missing path is not an
	// error.
	Delete(ctx context.Context, path string) error

	// Children returns all direct child records of path keyed by child name.
	Children(ctx context.Context, path string) (map[string]json.RawMessage, error)

	// Close releases any resources held by the store.
	Close() error
}

// GenerateKey returns a random child key for Push.
func GenerateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
