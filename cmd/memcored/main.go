package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ybryx/memcore/internal/api"
	"github.com/ybryx/memcore/internal/cache"
	"github.com/ybryx/memcore/internal/config"
	"github.com/ybryx/memcore/internal/embedding"
	"github.com/ybryx/memcore/internal/memory"
	"github.com/ybryx/memcore/internal/retry"
	pgstore "github.com/ybryx/memcore/internal/store"
	"github.com/ybryx/memcore/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting memcore...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/memcore.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Relational store: the system of record. The process does not start
	// without it.
	store, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer store.Close()
	if err := store.InitSchema(context.Background()); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}

	// Vector store.
	vec, err := vectorstore.NewClient(vectorstore.Config{
		Host:       cfg.Database.Qdrant.Host,
		Port:       cfg.Database.Qdrant.Port,
		Collection: cfg.Database.Qdrant.Collection,
	})
	if err != nil {
		logger.Fatal("qdrant unavailable", zap.Error(err))
	}
	defer vec.Close()
	logger.Info("Qdrant connected", zap.String("collection", cfg.Database.Qdrant.Collection))

	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	if err := vec.EnsureCollection(context.Background(), uint64(embedder.Dimension())); err != nil {
		logger.Fatal("collection init failed", zap.Error(err))
	}

	policy := retry.New(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.InitialDelayMS)*time.Millisecond,
		time.Duration(cfg.Retry.MaxDelayMS)*time.Millisecond,
		logger,
	)

	opts := memory.Options{
		RecallTopK:     cfg.Memory.RecallTopK,
		ScoreFloor:     cfg.Memory.ScoreFloor,
		RecentLimit:    cfg.Memory.RecentLimit,
		RecentWindow:   cfg.Memory.RecentWindow(),
		PendingGrace:   cfg.Memory.PendingGrace(),
		DecayBatch:     cfg.Memory.DecayBatch,
		ContextTimeout: cfg.Memory.ContextTimeout(),
		WriteTimeout:   cfg.Memory.WriteTimeout(),
		DecayTimeout:   cfg.Memory.DecayTimeout(),
	}
	coord := memory.NewCoordinator(store, vec, embedder, policy, opts, logger)

	// Recent-context cache is optional: the coordinator reads through to
	// Postgres when Redis is absent.
	if cfg.Database.Redis.URL != "" {
		ttl := time.Duration(cfg.Memory.CacheTTLSeconds) * time.Second
		recent, cacheErr := cache.New(cfg.Database.Redis.URL, ttl, logger)
		if cacheErr != nil {
			logger.Warn("redis unavailable, running without context cache", zap.Error(cacheErr))
		} else {
			defer recent.Close()
			coord.SetCache(recent)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Escalated audit failures surface in the process log.
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case failure := <-coord.Failures():
				logger.Error("audit event lost",
					zap.String("event_type", failure.Event.EventType),
					zap.String("user_id", failure.Event.UserID),
					zap.Error(failure.Err))
			}
		}
	}()

	if cfg.Memory.MaintenanceMinutes > 0 {
		interval := time.Duration(cfg.Memory.MaintenanceMinutes) * time.Minute
		threshold := time.Duration(cfg.Memory.DecayThresholdDays) * 24 * time.Hour
		go coord.RunMaintenance(rootCtx, interval, threshold)
		logger.Info("Maintenance loop started",
			zap.Duration("interval", interval),
			zap.Duration("decay_threshold", threshold))
	}

	handler := api.NewHandler(coord, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("memcore stopped")
}
