package session

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAndLoad(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	created, err := store.Create(ctx, "claude-code", "anthropic", "/work/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("empty session id")
	}

	loaded, err := store.Load(ctx, created.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.AgentName != "claude-code" || loaded.Provider != "anthropic" || loaded.WorkingDirectory != "/work/repo" {
		t.Fatalf("unexpected session: %+v", loaded)
	}
	if loaded.StartTime.IsZero() {
		t.Fatal("start time not set")
	}
}

func TestLoadMissing(t *testing.T) {
	store := NewFileStore(t.TempDir())
	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
