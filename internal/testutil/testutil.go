package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/flitsinc/nogicos/internal/store"
)

// OpenTestStore opens a store backed by a fresh database in a temp dir. The
// store is closed when the test ends. cfg may be the zero value.
func OpenTestStore(t *testing.T, cfg store.Config) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	if cfg.FlushInterval == 0 {
		// Tests flush explicitly unless they opt into the timer.
		cfg.FlushInterval = time.Hour
	}
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = time.Millisecond
	}
	s, err := store.Open(context.Background(), path, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}
