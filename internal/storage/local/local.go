// Package local provides a local filesystem storage backend.
//
// Keys follow S3 conventions: slash-separated, a trailing slash marks a
// folder marker. Object metadata lives in sidecar JSON files under a hidden
// .meta directory so listings stay clean.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vaultgate/vaultgate/internal/storage"
)

const metaDir = ".meta"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath string
}

// New creates a new local filesystem backend, creating the root if needed.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
	}
	return &Backend{rootPath: cfg.RootPath}, nil
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

func (b *Backend) metaPath(key string) string {
	return filepath.Join(b.rootPath, metaDir, filepath.FromSlash(strings.TrimSuffix(key, "/"))+".json")
}

func (b *Backend) readMeta(key string) map[string]string {
	raw, err := os.ReadFile(b.metaPath(key))
	if err != nil {
		return nil
	}
	var meta map[string]string
	if json.Unmarshal(raw, &meta) != nil {
		return nil
	}
	return meta
}

func (b *Backend) writeMeta(key string, meta map[string]string) error {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	path := b.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// HeadObject returns size and metadata for a key.
func (b *Backend) HeadObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	info, err := os.Stat(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	if info.IsDir() != strings.HasSuffix(key, "/") {
		return nil, storage.ErrNotFound
	}

	obj := &storage.ObjectInfo{
		Key:          key,
		LastModified: info.ModTime(),
		Metadata:     b.readMeta(key),
	}
	if !info.IsDir() {
		obj.Size = info.Size()
	}
	return obj, nil
}

// GetObject reads a file with range support.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	if strings.HasSuffix(key, "/") {
		return io.NopCloser(strings.NewReader("")), 0, nil
	}

	f, err := os.Open(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	totalSize := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			closer: f,
		}, length, nil
	}

	size := totalSize - offset
	if size < 0 {
		size = 0
	}
	return f, size, nil
}

// PutObject writes content to the filesystem. A key with a trailing slash
// creates a folder marker.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, meta map[string]string) error {
	path := b.fullPath(key)

	if strings.HasSuffix(key, "/") {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create folder %s: %w", key, err)
		}
		return b.writeMeta(key, meta)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", key, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}

	return b.writeMeta(key, meta)
}

// List returns objects and common prefixes under prefix. Only the "/"
// delimiter and the empty delimiter (recursive) are supported, matching how
// the gateway lists folders.
func (b *Backend) List(_ context.Context, prefix, delimiter string) (*storage.ListResult, error) {
	result := &storage.ListResult{}

	walkRoot := b.rootPath
	err := filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(b.rootPath, path)
		if relErr != nil || rel == "." {
			return nil
		}
		key := filepath.ToSlash(rel)
		if key == metaDir || strings.HasPrefix(key, metaDir+"/") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			key += "/"
		}
		if !strings.HasPrefix(key, prefix) || key == prefix {
			return nil
		}

		rest := strings.TrimPrefix(key, prefix)
		if delimiter == "/" {
			if idx := strings.Index(rest, "/"); idx >= 0 && idx != len(rest)-1 {
				// Deeper than one level; its first segment becomes a common
				// prefix via the directory entry itself.
				return nil
			}
		}

		if d.IsDir() {
			if delimiter == "/" {
				result.CommonPrefixes = append(result.CommonPrefixes, key)
			}
			return nil
		}

		info, infoErr := d.Info()
		obj := storage.ObjectInfo{Key: key, Metadata: b.readMeta(key)}
		if infoErr == nil {
			obj.Size = info.Size()
			obj.LastModified = info.ModTime()
		}
		result.Objects = append(result.Objects, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", prefix, err)
	}

	sort.Slice(result.Objects, func(i, j int) bool {
		return result.Objects[i].Key < result.Objects[j].Key
	})
	sort.Strings(result.CommonPrefixes)
	return result, nil
}

// DeleteObjects removes a batch of keys. Missing keys are ignored.
func (b *Backend) DeleteObjects(_ context.Context, keys []string) error {
	for _, key := range keys {
		path := b.fullPath(key)
		if strings.HasSuffix(key, "/") {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove folder %s: %w", key, err)
			}
		} else if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		os.Remove(b.metaPath(key))
	}
	return nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }
