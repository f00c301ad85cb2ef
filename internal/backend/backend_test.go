package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/tokligence/tokligence-canvas/internal/config"
	"github.com/tokligence/tokligence-canvas/internal/health"
)

func sqliteConfig(t *testing.T) config.CanvasConfig {
	dir := t.TempDir()
	return config.CanvasConfig{
		LedgerBackend:     config.BackendSQLite,
		LedgerPath:        filepath.Join(dir, "ledger.db"),
		StoreBackend:      config.BackendSQLite,
		JobStorePath:      filepath.Join(dir, "jobs.db"),
		ArtifactStorePath: filepath.Join(dir, "artifacts.db"),
	}
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, sqliteConfig(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Redis != nil {
		t.Fatal("redis should stay closed without redis_url")
	}
	if len(s.Probes) != 3 {
		t.Fatalf("expected 3 probes, got %d", len(s.Probes))
	}
	if _, err := s.Ledger.Credit(ctx, 1, 10, "purchase:p1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	status := health.New(health.Config{Probes: s.Probes}).Check(ctx)
	if status.Status == health.StatusUnhealthy {
		t.Fatalf("expected healthy storage, got %+v", status)
	}
}

func TestOpenRedisLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := sqliteConfig(t)
	cfg.LedgerBackend = config.BackendRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	ctx := context.Background()
	s, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Redis == nil {
		t.Fatal("expected redis client")
	}
	bal, err := s.Ledger.Credit(ctx, 1, 25, "purchase:p1")
	if err != nil || bal != 25 {
		t.Fatalf("Credit: %d %v", bal, err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.StoreBackend = "mongo"
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}

func TestOpenFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := sqliteConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	mr.Close()
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected ping failure")
	}
}
