package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and database-less deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{records: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.records[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[path] = raw
	return nil
}

func (s *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[path]
	if !ok {
		return ErrNotFound
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("record %s is not an object: %w", path, err)
	}
	for k, v := range fields {
		fv, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal field %s: %w", k, err)
		}
		obj[k] = fv
	}

	merged, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	s.records[path] = merged
	return nil
}

func (s *MemoryStore) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
	return nil
}

func (s *MemoryStore) Children(_ context.Context, path string) (map[string]json.RawMessage, error) {
	prefix := path + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	for p, v := range s.records {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		child := strings.TrimPrefix(p, prefix)
		if strings.Contains(child, "/") {
			continue
		}
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[child] = cp
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
