package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attestor/internal/anchor/analytics"
	"attestor/internal/anchor/audit"
	"attestor/internal/anchor/handler"
	"attestor/internal/anchor/ledger"
	anchormetrics "attestor/internal/anchor/metrics"
	"attestor/internal/anchor/models"
	"attestor/internal/anchor/service"
	"attestor/internal/anchor/store"
	anchorsync "attestor/internal/anchor/sync"
	"attestor/internal/platform/config"
	"attestor/internal/platform/httpserver"
	"attestor/internal/platform/logger"
	"attestor/internal/platform/middleware"
	platformredis "attestor/internal/platform/redis"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	recordStore, err := newStore(cfg)
	if err != nil {
		log.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer recordStore.Close()

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	auditor := newAuditor(cfg, log)
	defer auditor.Close()

	metrics := anchormetrics.New()
	registry := newLedgerRegistry(cfg)

	svc := service.New(recordStore, registry, scoreConfig(cfg.Score),
		service.WithLogger(log),
		service.WithMetrics(metrics),
		service.WithAuditor(auditor),
	)
	aggregator := analytics.NewAggregator(recordStore)

	syncOpts := []anchorsync.Option{
		anchorsync.WithLogger(log),
		anchorsync.WithMetrics(metrics),
		anchorsync.WithAuditor(auditor),
	}
	if redisClient != nil {
		syncOpts = append(syncOpts, anchorsync.WithLocker(anchorsync.NewRedisLocker(redisClient)))
	}
	syncer := anchorsync.New(recordStore, registry, svc, anchorsync.Config{
		Interval:    cfg.Sync.Interval,
		Jitter:      cfg.Sync.Jitter,
		Concurrency: cfg.Sync.Concurrency,
		MaxRetries:  cfg.Sync.MaxRetries,
	}, syncOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go syncer.Run(ctx)

	auth := middleware.RequireAuth(middleware.NewJWTValidator(cfg.JWTSigningKey), log)
	anchorHandler := handler.New(svc, aggregator, syncer, recordStore, log)
	if redisClient != nil {
		anchorHandler.AddHealthCheck("redis", redisClient.Health)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Use(middleware.Timeout(60 * time.Second))
	router.Mount("/anchor", anchorHandler.Routes(auth))
	router.Handle("/metrics", promhttp.Handler())

	server := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}

func newStore(cfg config.Config) (store.Store, error) {
	if cfg.PostgresURL != "" {
		return store.NewPostgres(cfg.PostgresURL)
	}
	return store.NewInMemory(), nil
}

// newLedgerRegistry registers an adapter per configured endpoint. With no
// endpoints at all the in-memory fake keeps development environments usable.
func newLedgerRegistry(cfg config.Config) *ledger.Registry {
	policy := ledger.RetryPolicy{
		CallTimeout: cfg.Ledger.CallTimeout,
		MaxAttempts: cfg.Ledger.MaxAttempts,
		BackoffBase: cfg.Ledger.BackoffBase,
	}

	registry := ledger.NewRegistry()
	configured := false
	if cfg.Ledger.EthereumRPCURL != "" {
		registry.Register(models.NetworkEthereum, ledger.NewEthereumAdapter(cfg.Ledger.EthereumRPCURL, policy))
		configured = true
	}
	if cfg.Ledger.PolygonRPCURL != "" {
		registry.Register(models.NetworkPolygon, ledger.NewPolygonAdapter(cfg.Ledger.PolygonRPCURL, policy))
		configured = true
	}
	if cfg.Ledger.FabricGatewayURL != "" {
		registry.Register(models.NetworkHyperledger, ledger.NewFabricAdapter(cfg.Ledger.FabricGatewayURL, policy))
		configured = true
	}
	if !configured {
		for _, n := range models.AllNetworks() {
			registry.Register(n, ledger.NewMemoryAdapter(n))
		}
	}
	return registry
}

func newAuditor(cfg config.Config, log *slog.Logger) audit.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return audit.NopPublisher{}
	}
	publisher, err := audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	if err != nil {
		log.Warn("kafka unavailable, audit events disabled", "error", err)
		return audit.NopPublisher{}
	}
	return publisher
}

func scoreConfig(c config.ScoreConfig) service.ScoreConfig {
	return service.ScoreConfig{
		DepthWeight:     c.DepthWeight,
		CountWeight:     c.CountWeight,
		TrustWeight:     c.TrustWeight,
		DepthSaturation: c.DepthSaturation,
		NetworkTrust:    c.NetworkTrust,
	}
}
