// Consumer: subscribes to the upstream ledger node and ingests blocks,
// microblocks and rollbacks into Postgres via the Coordinator. Runs a
// single-writer worker loop plus a small HTTP server for health and
// Prometheus scraping.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavesplatform/asset-search-rs/internal/cache"
	"github.com/wavesplatform/asset-search-rs/internal/config"
	"github.com/wavesplatform/asset-search-rs/internal/coordinator"
	"github.com/wavesplatform/asset-search-rs/internal/events"
	"github.com/wavesplatform/asset-search-rs/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.ConsumerFromEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect repository", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisCache.Close()

	client := events.NewClient(cfg.UpstreamAddr)
	co := coordinator.New(repo, redisCache, client, cfg.BatchSize, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- co.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz(co))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "err", err)
			cancel()
		}
	}()
	logger.Info("starting consumer", "addr", cfg.MetricsAddr, "upstream", cfg.UpstreamAddr)

	var coordinatorErr error
	select {
	case <-ctx.Done():
		coordinatorErr = <-runErr
	case coordinatorErr = <-runErr:
		cancel()
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}

	if coordinatorErr != nil {
		logger.Error("coordinator exited with error", "err", coordinatorErr)
		os.Exit(1)
	}
}

// handleHealthz reports the Coordinator's in-process state and tip height,
// matching SPEC_FULL.md §5's synced health check.
func handleHealthz(co *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		state := co.State()
		w.Header().Set("Content-Type", "text/plain")
		if state == coordinator.Halted {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("halted"))
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s height=%d", state, co.Tip().Height)
	}
}
