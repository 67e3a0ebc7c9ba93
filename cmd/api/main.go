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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classroll/internal/api"
	"classroll/internal/catalog"
	"classroll/internal/config"
	"classroll/internal/ingest"
	"classroll/internal/livesync"
	"classroll/internal/logging"
	"classroll/internal/metrics"
	"classroll/internal/override"
	"classroll/internal/proofstore"
	"classroll/internal/queue"
	"classroll/internal/report"
	"classroll/internal/session"
	"classroll/internal/store"
)

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
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StoreBackend, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// Consumed in-process below; no separate worker.
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	var proofs proofstore.Uploader
	if cfg.CloudinaryConfigured() {
		cld, err := proofstore.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder, logger)
		if err != nil {
			return err
		}
		proofs = cld
		logger.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		logger.Info("cloudinary not configured, proof uploads disabled")
	}

	var cache = redisClient.Client
	if cfg.LiveCacheTTL <= 0 {
		cache = nil
	}

	manager := session.NewManager(st, logger, session.WithLateAfter(cfg.LateAfter), session.WithMetrics(rec))
	if cfg.QueueBackend == "memory" {
		proc := ingest.NewProcessor(manager, proofs, logger)
		go func() {
			if err := proc.Run(ctx, q); err != nil {
				logger.Error("in-process ingest stopped", zap.Error(err))
			}
		}()
	}

	svc := api.Services{
		Sessions:  manager,
		Live:      livesync.NewService(st, cache, cfg.LiveCacheTTL, rec, logger),
		Overrides: override.NewService(st, rec, logger),
		Reports:   report.NewEngine(st, rec, logger),
		Catalog:   catalog.NewService(st, logger),
		Queue:     q,
		Proofs:    proofs,
	}
	r := api.NewRouter(svc, api.Options{
		SigningKey:      cfg.JWTSigningKey,
		Issuer:          cfg.JWTIssuer,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health: func(ctx context.Context) map[string]bool {
			return map[string]bool{"redis": redisClient.Healthy(ctx)}
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend), zap.String("queue", cfg.QueueBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}
