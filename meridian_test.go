package meridian_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/meridianhq/meridian"
)

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := meridian.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.SetConfig(ctx, "test", "key", "value"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	got, err := store.GetConfig(ctx, "test", "key")
	if err != nil || got != "value" {
		t.Fatalf("GetConfig = %q, %v", got, err)
	}
}

func TestOpenBarePath(t *testing.T) {
	ctx := context.Background()
	store, err := meridian.Open(ctx, filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatalf("Open with bare path: %v", err)
	}
	_ = store.Close()
}

func TestOpenRejectsEmpty(t *testing.T) {
	if _, err := meridian.Open(context.Background(), ""); err == nil {
		t.Error("empty DSN should be rejected")
	}
}

func TestNewEngine(t *testing.T) {
	ctx := context.Background()
	store, err := meridian.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = store.Close() }()

	eng, err := meridian.NewEngine(ctx, store, nil, meridian.GlobalScripts{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer func() { _ = eng.Close(ctx) }()

	if eng.ServerID() == "" {
		t.Error("engine should mint a server id")
	}
	if len(eng.Channels()) != 0 {
		t.Error("fresh engine should have no channels")
	}
}
