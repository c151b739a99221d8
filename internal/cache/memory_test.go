package cache

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreBuffersUntilCommit(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()
	key := "test:key"

	if err := s.Set(ctx, key, []byte("hello")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err := s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected buffered write to be visible")
	}
	if s.Len() != 0 {
		t.Fatalf("expected nothing committed yet, got %d", s.Len())
	}

	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if s.Len() != 1 || s.Commits() != 1 {
		t.Fatalf("expected 1 committed entry after 1 commit, got %d entries, %d commits", s.Len(), s.Commits())
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestMemoryStoreMiss(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCopiesValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf)
	buf[0] = 'z'

	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("store must not alias caller buffer, got %q", got)
	}
}
