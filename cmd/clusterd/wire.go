package main

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/threatwire/clusterd/config"
	"github.com/threatwire/clusterd/internal/embed"
	"github.com/threatwire/clusterd/internal/engine"
	"github.com/threatwire/clusterd/internal/runlock"
	"github.com/threatwire/clusterd/internal/store"
	"github.com/threatwire/clusterd/provider"
)

// runtime bundles everything a run or serve invocation needs.
type runtime struct {
	cfg    *config.Config
	store  *store.Store
	redis  *redis.Client
	engine *engine.Engine
	logger *log.Logger
}

func (r *runtime) Close() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.store != nil {
		_ = r.store.DB.Close()
	}
}

// buildRuntime wires storage, the embedding backend, and the engine from
// configuration. withMetrics controls prometheus registration; the one-shot
// run command has no metrics endpoint to scrape.
func buildRuntime(ctx context.Context, cfg *config.Config, withMetrics bool) (*runtime, error) {
	logger := log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)

	st, err := store.Open(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = st.DB.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	prov, err := provider.NewProvider(provider.Client(cfg.Embedding.Provider), provider.Options{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	if err != nil {
		_ = rdb.Close()
		_ = st.DB.Close()
		return nil, fmt.Errorf("building embedding provider: %w", err)
	}

	embedder := embed.New(prov, cfg.Embedding.Concurrency, cfg.Embedding.Timeout, logger)
	locker := runlock.New(rdb, cfg.Storage.Redis.LockTTL)

	var metrics *engine.Metrics
	if withMetrics {
		metrics = engine.NewMetrics(prometheus.DefaultRegisterer)
	}

	eng := engine.New(cfg.Clustering.RunConfig(), st, locker, embedder, logger, metrics)
	return &runtime{cfg: cfg, store: st, redis: rdb, engine: eng, logger: logger}, nil
}
