package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/SirClappington/depsched/internal/app"
	"github.com/SirClappington/depsched/internal/config"
	"github.com/SirClappington/depsched/internal/logutil"
	"github.com/SirClappington/depsched/internal/scheduler"
)

const moveDueBatch = 200

func main() {
	cfg := config.Load()
	logger, err := logutil.New("scheduler", cfg.LogLevel, cfg.Dev())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	if cfg.StoreBackend == config.BackendMemory {
		logger.Fatal("the watchdog needs a shared store, set STORE_BACKEND to redis or remote")
	}
	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required for leader election")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open postgres", zap.Error(err))
	}
	defer db.Close()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("close backends", zap.Error(err))
		}
	}()
	s := scheduler.New(deps.Store, deps.Queue, logger, deps.SchedulerConfig(cfg))

	tick := time.NewTicker(cfg.SweepInterval)
	defer tick.Stop()

	var lock *sql.Conn
	defer func() {
		if lock != nil {
			_ = lock.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping")
			return
		case <-tick.C:
		}

		// leader election; the advisory lock lives as long as its session
		if lock == nil {
			conn, err := tryLead(ctx, db, cfg.LeaderLockID)
			if err != nil {
				logger.Warn("lock error", zap.Error(err))
				continue
			}
			if conn == nil {
				continue
			}
			lock = conn
			logger.Info("leading", zap.Int64("lock", cfg.LeaderLockID), zap.String("node", s.NodeID()))
		}
		if err := lock.PingContext(ctx); err != nil {
			logger.Warn("lost leader session", zap.Error(err))
			_ = lock.Close()
			lock = nil
			continue
		}

		// 1) resend chunks whose queue entry was lost
		n, err := s.ResendStale(ctx, cfg.ResendAfter)
		if err != nil {
			logger.Warn("resend stale", zap.Error(err))
		}
		if n > 0 {
			logger.Info("resent stale chunks", zap.Int("chunks", n))
		}

		// 2) release delayed resends whose backoff expired
		if err := deps.Queue.MoveDue(ctx, time.Now().UTC().Unix(), moveDueBatch); err != nil {
			logger.Warn("move due", zap.Error(err))
		}

		// 3) settle blocked chunks and top up bulk queues
		if err := s.Sweep(ctx); err != nil {
			logger.Warn("sweep", zap.Error(err))
		}
	}
}

// tryLead takes the advisory lock on a dedicated connection. It returns a
// nil connection when another instance leads.
func tryLead(ctx context.Context, db *sql.DB, lockID int64) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", lockID).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok {
		_ = conn.Close()
		return nil, nil
	}
	return conn, nil
}
