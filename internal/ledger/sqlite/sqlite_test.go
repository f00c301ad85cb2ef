package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tokligence/tokligence-canvas/internal/ledger"
	"github.com/tokligence/tokligence-canvas/internal/ledger/ledgertest"
)

func TestStoreBehaviour(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return store
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Credit(ctx, 1, 40, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := store.Reserve(ctx, 1, 15, "job"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_ = store.Close()

	store, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	balance, err := store.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 25 {
		t.Fatalf("expected 25 after reopen, got %d", balance)
	}
	if _, err := store.Reserve(ctx, 1, 15, "job"); err != ledger.ErrDuplicateReservation {
		t.Fatalf("expected duplicate reservation after reopen, got %v", err)
	}
}
