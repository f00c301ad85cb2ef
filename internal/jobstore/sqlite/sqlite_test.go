package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/jobstore/jobstoretest"
)

func TestStoreBehaviour(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		store, err := New(filepath.Join(t.TempDir(), "jobs.db"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return store
	})
}
