package factory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meridianhq/meridian/internal/storage"
)

func TestNew_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := New(ctx, BackendSQLite, dbPath)
	if err != nil {
		t.Fatalf("New(sqlite) failed: %v", err)
	}
	defer store.Close()

	if store == nil {
		t.Fatal("New(sqlite) returned nil store")
	}
}

func TestNew_EmptyBackendDefaultsToSQLite(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := New(ctx, "", dbPath)
	if err != nil {
		t.Fatalf("New('') failed: %v", err)
	}
	defer store.Close()

	if store == nil {
		t.Fatal("New('') returned nil store")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, "unknown-backend", "/tmp/fake")
	if err == nil {
		t.Fatal("New(unknown) should return error")
	}
	if !strings.Contains(err.Error(), "unknown storage backend") {
		t.Errorf("error should mention unknown backend, got: %v", err)
	}
}

func TestRegisterBackend(t *testing.T) {
	called := false
	RegisterBackend("test-backend", func(ctx context.Context, path string, opts Options) (storage.Store, error) {
		called = true
		return nil, nil
	})

	_, _ = New(context.Background(), "test-backend", "/fake")
	if !called {
		t.Error("registered backend factory was not called")
	}

	// Clean up registry
	delete(backendRegistry, "test-backend")
}
