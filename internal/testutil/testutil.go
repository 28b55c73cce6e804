// Package testutil provides shared test helpers for catalogs and library directories.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/storage"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestDB creates a temporary catalog database that is automatically closed.
func TestDB(t *testing.T) *catalog.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediacat-test.db")
	db, err := catalog.Open(context.Background(), path, Logger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestLibrary creates a temporary library directory with a Local backend.
func TestLibrary(t *testing.T) (string, *storage.Local) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocal(dir, 20*time.Millisecond, Logger())
	if err != nil {
		t.Fatal(err)
	}
	return store.Root(), store
}

// WriteFile creates dir/rel with content, making parent directories.
func WriteFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}
