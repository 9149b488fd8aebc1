// Admin: the single administrative endpoint from SPEC_FULL.md §4.6/§6 —
// POST /admin/cache/invalidate?mode=... — for operators to force a cache
// invalidation out of band from the normal commit protocol.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavesplatform/asset-search-rs/internal/cache"
	"github.com/wavesplatform/asset-search-rs/internal/config"
)

var validModes = map[string]cache.InvalidateMode{
	string(cache.AssetsBlockchainData):  cache.AssetsBlockchainData,
	string(cache.AssetsUserDefinedData): cache.AssetsUserDefinedData,
	string(cache.AssetLabels):           cache.AssetLabels,
	string(cache.AllData):               cache.AllData,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.AdminFromEnv()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisCache.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/cache/invalidate", handleInvalidate(redisCache))
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "err", err)
			cancel()
		}
	}()
	logger.Info("starting admin", "addr", cfg.Addr)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

func handleInvalidate(c *cache.RedisCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modeParam := r.URL.Query().Get("mode")
		mode, ok := validModes[modeParam]
		if !ok {
			http.Error(w, `{"error":"unknown mode"}`, http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var err error
		if mode == cache.AllData {
			err = c.FlushAll(ctx)
		} else {
			err = c.Invalidate(ctx, mode)
		}
		if err != nil {
			slog.Error("admin invalidate", "mode", mode, "err", err)
			http.Error(w, `{"error":"invalidate failed"}`, http.StatusInternalServerError)
			return
		}

		slog.Info("admin invalidate", "mode", mode)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
