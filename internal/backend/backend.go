// Package backend opens the storage layer selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tokligence/tokligence-canvas/internal/config"
	"github.com/tokligence/tokligence-canvas/internal/health"
	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	jobpostgres "github.com/tokligence/tokligence-canvas/internal/jobstore/postgres"
	jobsqlite "github.com/tokligence/tokligence-canvas/internal/jobstore/sqlite"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
	ledgerpostgres "github.com/tokligence/tokligence-canvas/internal/ledger/postgres"
	ledgerredis "github.com/tokligence/tokligence-canvas/internal/ledger/redis"
	ledgersqlite "github.com/tokligence/tokligence-canvas/internal/ledger/sqlite"
	"github.com/tokligence/tokligence-canvas/internal/resultstore"
	resultpostgres "github.com/tokligence/tokligence-canvas/internal/resultstore/postgres"
	resultsqlite "github.com/tokligence/tokligence-canvas/internal/resultstore/sqlite"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Stores bundles the opened backends. Redis is non-nil when redis_url is set.
type Stores struct {
	Ledger  ledger.Store
	Jobs    jobstore.Store
	Results resultstore.Store
	Redis   *goredis.Client
	// Probes covers every opened backend for the health checker.
	Probes []health.Probe

	closers []func() error
}

// Open connects the ledger, job and artifact stores. On error everything
// opened so far is closed again.
func Open(ctx context.Context, cfg config.CanvasConfig, logger *log.Logger) (s *Stores, err error) {
	s = &Stores{}
	defer func() {
		if err != nil {
			_ = s.Close()
			s = nil
		}
	}()

	if cfg.RedisURL != "" {
		opts, perr := goredis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("parse redis_url: %w", perr)
		}
		s.Redis = goredis.NewClient(opts)
		s.closers = append(s.closers, s.Redis.Close)
		if perr := s.Redis.Ping(ctx).Err(); perr != nil {
			return nil, fmt.Errorf("ping redis: %w", perr)
		}
		s.Probes = append(s.Probes, health.RedisProbe("redis", s.Redis))
	}

	pool := sqlutil.Pool{
		MaxOpen:         cfg.Pool.MaxOpenConns,
		MaxIdle:         cfg.Pool.MaxIdleConns,
		LifetimeMinutes: cfg.Pool.ConnMaxLifetime,
		IdleMinutes:     cfg.Pool.ConnMaxIdleTime,
	}

	switch cfg.LedgerBackend {
	case config.BackendSQLite:
		st, oerr := ledgersqlite.New(cfg.LedgerPath)
		if oerr != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", oerr)
		}
		s.Ledger = st
		s.closers = append(s.closers, st.Close)
		s.Probes = append(s.Probes, health.DatabaseProbe("ledger", st.DB()))
	case config.BackendPostgres:
		st, oerr := ledgerpostgres.New(cfg.LedgerDSN, pool.MaxOpen, pool.MaxIdle, pool.LifetimeMinutes, pool.IdleMinutes)
		if oerr != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", oerr)
		}
		s.Ledger = st
		s.closers = append(s.closers, st.Close)
		s.Probes = append(s.Probes, health.DatabaseProbe("ledger", st.DB()))
	case config.BackendRedis:
		if s.Redis == nil {
			return nil, errors.New("redis ledger requires redis_url")
		}
		s.Ledger = ledgerredis.New(s.Redis)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	switch cfg.StoreBackend {
	case config.BackendSQLite:
		js, oerr := jobsqlite.New(cfg.JobStorePath)
		if oerr != nil {
			return nil, fmt.Errorf("open sqlite job store: %w", oerr)
		}
		s.Jobs = js
		s.closers = append(s.closers, js.Close)
		s.Probes = append(s.Probes, health.DatabaseProbe("jobs", js.DB()))

		rs, oerr := resultsqlite.New(cfg.ArtifactStorePath)
		if oerr != nil {
			return nil, fmt.Errorf("open sqlite artifact store: %w", oerr)
		}
		s.Results = rs
		s.closers = append(s.closers, rs.Close)
		s.Probes = append(s.Probes, health.DatabaseProbe("artifacts", rs.DB()))
	case config.BackendPostgres:
		js, oerr := jobpostgres.New(cfg.StoreDSN, pool)
		if oerr != nil {
			return nil, fmt.Errorf("open postgres job store: %w", oerr)
		}
		s.Jobs = js
		s.closers = append(s.closers, js.Close)
		s.Probes = append(s.Probes, health.DatabaseProbe("jobs", js.DB()))

		rs, oerr := resultpostgres.New(cfg.StoreDSN, pool)
		if oerr != nil {
			return nil, fmt.Errorf("open postgres artifact store: %w", oerr)
		}
		s.Results = rs
		s.closers = append(s.closers, rs.Close)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if logger != nil {
		logger.Printf("storage ready ledger=%s store=%s redis=%t", cfg.LedgerBackend, cfg.StoreBackend, s.Redis != nil)
	}
	return s, nil
}

// Close releases every backend in reverse open order.
func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
