// Package app wires the configured backends together for the binaries.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/depsched/internal/config"
	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/queue"
	"github.com/SirClappington/depsched/internal/rpc"
	"github.com/SirClappington/depsched/internal/scheduler"
	"github.com/SirClappington/depsched/internal/storage"
	"github.com/SirClappington/depsched/internal/store"
)

const remoteTimeout = 10 * time.Second

// Deps are the long lived connections of a process.
type Deps struct {
	Redis *r.Client
	// Postgres and Journal are nil without POSTGRES_DSN.
	Postgres *pgxpool.Pool
	Journal  *storage.Store
	Store    store.Store
	Queue    *queue.RedisQ

	closers []func() error
}

// Open connects to Redis, Postgres when configured, and the store backend.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Deps, error) {
	d := &Deps{}
	d.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	d.closers = append(d.closers, d.Redis.Close)
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "redis"), d.Close())
	}
	d.Queue = queue.New(d.Redis, cfg.ResendBackoff)

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, multierr.Append(errors.Wrap(err, "postgres"), d.Close())
		}
		d.closers = append(d.closers, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return nil, multierr.Append(errors.Wrap(err, "postgres"), d.Close())
		}
		if cfg.MigrationsDir != "" {
			if err := storage.Migrate(pool, cfg.MigrationsDir); err != nil {
				return nil, multierr.Append(err, d.Close())
			}
		}
		d.Postgres = pool
		d.Journal = storage.New(pool)
	}

	st, err := NewStore(cfg, d.Redis)
	if err != nil {
		return nil, multierr.Append(err, d.Close())
	}
	d.Store = st
	logger.Info("backends ready",
		zap.String("store", cfg.StoreBackend),
		zap.Bool("journal", d.Journal != nil))
	return d, nil
}

// NewStore builds the configured store backend.
func NewStore(cfg config.Config, rdb *r.Client) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemory(cfg.StoreShards), nil
	case config.BackendRedis:
		return store.NewRedis(rdb, cfg.StoreKeyPrefix), nil
	case config.BackendRemote:
		return rpc.NewClient(cfg.StoreURL, &http.Client{Timeout: remoteTimeout}), nil
	}
	return nil, errors.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// SchedulerConfig maps the process configuration onto scheduler.Config.
// The journal is only attached to a store that does not survive restarts.
func (d *Deps) SchedulerConfig(cfg config.Config) scheduler.Config {
	sc := scheduler.Config{
		LowWaterMark:     cfg.LowWaterMark,
		MaxCleanupPushes: cfg.MaxCleanupPushes,
		Events:           d.Queue,
	}
	if d.Journal != nil && cfg.StoreBackend == config.BackendMemory {
		sc.Journal = d.Journal
	}
	return sc
}

// Journal is the part of storage.Store recovery reads from.
type Journal interface {
	LoadAll(ctx context.Context) ([]domain.DependencyTracking, error)
}

// Recover loads every journaled record into the scheduler's store and
// returns how many were restored.
func Recover(ctx context.Context, s *scheduler.Scheduler, journal Journal) (int, error) {
	records, err := journal.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	var errs error
	n := 0
	for _, dt := range records {
		if err := s.Restore(ctx, dt); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// Close releases every connection in reverse order of opening.
func (d *Deps) Close() error {
	var errs error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, d.closers[i]())
	}
	d.closers = nil
	return errs
}
