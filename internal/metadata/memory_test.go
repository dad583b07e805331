package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.Get(ctx, "links/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "links/abc", map[string]any{"owner": "alice", "uses": 0}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, err := s.Get(ctx, "links/abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["owner"] != "alice" {
		t.Errorf("owner = %v, want alice", got["owner"])
	}
}

func TestMemoryStoreUpdateMerges(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	s.Set(ctx, "links/abc", map[string]any{"owner": "alice", "uses": 0})
	if err := s.Update(ctx, "links/abc", map[string]any{"uses": 3}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	raw, _ := s.Get(ctx, "links/abc")
	var got struct {
		Owner string `json:"owner"`
		Uses  int    `json:"uses"`
	}
	json.Unmarshal(raw, &got)
	if got.Owner != "alice" || got.Uses != 3 {
		t.Errorf("got %+v, want owner=alice uses=3", got)
	}

	if err := s.Update(ctx, "links/nope", map[string]any{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStorePushAndChildren(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	k1, err := s.Push(ctx, "access", map[string]any{"grantee": "bob"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	k2, _ := s.Push(ctx, "access", map[string]any{"grantee": "carol"})
	if k1 == k2 {
		t.Fatal("Push returned duplicate keys")
	}

	// Nested record must not show up as a direct child.
	s.Set(ctx, "access/"+k1+"/audit", map[string]any{"n": 1})

	children, err := s.Children(ctx, "access")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("Children: got %d entries, want 2", len(children))
	}
	if _, ok := children[k1]; !ok {
		t.Errorf("child %s missing", k1)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	s.Set(ctx, "links/abc", map[string]any{"a": 1})
	if err := s.Delete(ctx, "links/abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "links/abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}

	// Deleting twice is fine.
	if err := s.Delete(ctx, "links/abc"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}
