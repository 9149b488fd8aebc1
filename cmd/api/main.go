// API: the Search Service's HTTP surface. GET /assets/{id}, GET /search,
// /healthz, /metrics. A pure reader: never touches Repository's write
// path, and runs against its own pgxpool.Pool separate from the
// Coordinator's, per SPEC_FULL.md §5's two-pool requirement.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavesplatform/asset-search-rs/internal/cache"
	"github.com/wavesplatform/asset-search-rs/internal/config"
	"github.com/wavesplatform/asset-search-rs/internal/repository"
	"github.com/wavesplatform/asset-search-rs/internal/search"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.APIFromEnv()
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

	svc := search.New(repo, redisCache, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /assets/{id}", handleGetAsset(svc, cfg.RequestTimeout))
	mux.HandleFunc("GET /search", handleSearch(svc, cfg.RequestTimeout))
	mux.HandleFunc("/healthz", handleHealthz(repo))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Addr, Handler: instrument(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "err", err)
			cancel()
		}
	}()
	logger.Info("starting api", "addr", cfg.Addr)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

func handleGetAsset(svc *search.Service, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		assetID := r.PathValue("id")
		if assetID == "" {
			writeJSONError(w, http.StatusBadRequest, "asset id required")
			return
		}
		view, ok, err := svc.GetAsset(ctx, assetID)
		if err != nil {
			slog.Error("get asset", "asset_id", assetID, "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeJSONError(w, http.StatusNotFound, "asset not found")
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleSearch(svc *search.Service, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		q := r.URL.Query()
		query := search.Query{
			Text:   q.Get("q"),
			Ticker: q.Get("ticker"),
			Label:  q.Get("label"),
			Issuer: q.Get("issuer"),
			After:  q.Get("after"),
			Limit:  atoiOrZero(q.Get("limit")),
		}
		if v := q.Get("verified"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "verified must be a bool")
				return
			}
			query.Verified = &b
		}

		views, err := svc.Search(ctx, query)
		if err != nil {
			slog.Error("search", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": views})
	}
}

func handleHealthz(repo repository.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, _, err := repo.CurrentHeight(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("store unreachable"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// instrument wraps handlers to record Prometheus metrics, same shape as
// the ingestion blueprint's instrument().
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		method := r.Method
		ww := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		status := statusLabel(ww.status)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
