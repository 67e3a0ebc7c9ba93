package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classroll/internal/config"
	"classroll/internal/ingest"
	"classroll/internal/logging"
	"classroll/internal/metrics"
	"classroll/internal/proofstore"
	"classroll/internal/queue"
	"classroll/internal/session"
	"classroll/internal/store"
)

// Worker consumes detection events, stores their proof images and applies
// them to the active session.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("component", "worker"))
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	if err := cfg.CheckWorker(); err != nil {
		logger.Fatal("unsupported backend", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreBackend, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("store open failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("redis config invalid", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will retry")
	}
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, logger)

	var proofs proofstore.Uploader
	if cfg.CloudinaryConfigured() {
		cld, err := proofstore.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder, logger)
		if err != nil {
			logger.Fatal("cloudinary init failed", zap.Error(err))
		}
		proofs = cld
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)
	metricsSrv := serveMetrics(":"+cfg.MetricsPort, reg, logger)

	manager := session.NewManager(st, logger, session.WithLateAfter(cfg.LateAfter), session.WithMetrics(rec))
	proc := ingest.NewProcessor(manager, proofs, logger.With(zap.String("queue", cfg.QueueKey)))
	runErr := proc.Run(ctx, q)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if runErr != nil {
		logger.Fatal("consume failed", zap.Error(runErr))
	}
}

// serveMetrics exposes reg on addr until the returned server is shut down.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
