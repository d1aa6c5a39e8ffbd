package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/depsched/internal/api"
	"github.com/SirClappington/depsched/internal/app"
	"github.com/SirClappington/depsched/internal/config"
	"github.com/SirClappington/depsched/internal/logutil"
	"github.com/SirClappington/depsched/internal/rpc"
	"github.com/SirClappington/depsched/internal/scheduler"
)

func main() {
	cfg := config.Load()
	logger, err := logutil.New("api", cfg.LogLevel, cfg.Dev())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	if deps.Journal != nil && cfg.StoreBackend == config.BackendMemory {
		n, err := app.Recover(ctx, s, deps.Journal)
		if err != nil {
			logger.Fatal("recover journal", zap.Error(err))
		}
		logger.Info("journal recovered", zap.Int("records", n))
	}

	// A remote store is served by another instance.
	var storeHandler http.Handler
	if cfg.StoreBackend != config.BackendRemote {
		storeHandler = rpc.NewHandler(deps.Store, logger)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(s, storeHandler, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepDone := make(chan error, 1)
	go func() { sweepDone <- s.Run(ctx, cfg.SweepInterval) }()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.APIAddr), zap.String("node", s.NodeID()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", zap.Error(err))
		stop()
	}
	<-sweepDone
}
