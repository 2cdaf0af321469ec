package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/internal/pipeline"
	"github.com/rc-worldmap/worldmap/internal/store"
	"github.com/rc-worldmap/worldmap/pkg/geocode"
	"github.com/rc-worldmap/worldmap/pkg/recurse"
)

// pipelineEnv holds the store, clients and pipeline shared by the commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	redis    *redis.Client // may be nil
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.redis != nil {
		_ = pe.redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initGeocoder builds the GeoNames client, wrapped in the Redis cache when
// cache.redis_url is set and reachable. The Redis client is nil otherwise.
func initGeocoder(ctx context.Context) (geocode.Client, *redis.Client) {
	interval := time.Duration(cfg.Geonames.MinIntervalMs) * time.Millisecond
	gc := geocode.NewClient(cfg.Geonames.Username,
		geocode.WithBaseURL(cfg.Geonames.BaseURL),
		geocode.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Geonames.TimeoutSecs) * time.Second}),
		geocode.WithLimiter(geocode.NewLimiter(interval)),
		geocode.WithMaxRetries(cfg.Geonames.MaxRetries),
		geocode.WithRetryDelay(interval),
		geocode.WithFeatureClasses(cfg.Geonames.FeatureClasses...),
	)

	if cfg.Cache.RedisURL == "" {
		zap.L().Debug("WORLDMAP_CACHE_REDIS_URL not set, geocode cache disabled")
		return gc, nil
	}
	rdb, err := geocode.OpenRedis(ctx, cfg.Cache.RedisURL)
	if err != nil {
		zap.L().Warn("geocode cache unavailable, continuing without it", zap.Error(err))
		return gc, nil
	}
	ttl := time.Duration(cfg.Cache.TTLHours) * time.Hour
	zap.L().Info("geocode cache enabled", zap.Duration("ttl", ttl))
	return geocode.NewCachedClient(gc, geocode.NewRedisCache(rdb, ttl)), rdb
}

func initDirectory() recurse.Client {
	return recurse.NewClient(cfg.Directory.Token,
		recurse.WithBaseURL(cfg.Directory.BaseURL),
		recurse.WithPageSize(cfg.Directory.PageSize),
	)
}

// initPipeline opens the store and builds the pipeline. needs lists the
// extra config modes ("geonames", "directory") the command depends on.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, needs ...string) (*pipelineEnv, error) {
	if len(needs) > 0 {
		if err := cfg.Validate(needs...); err != nil {
			return nil, err
		}
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	gc, rdb := initGeocoder(ctx)
	env.redis = rdb

	var opts []pipeline.Option
	if cfg.Directory.Token != "" {
		opts = append(opts, pipeline.WithDirectory(initDirectory()))
	}
	env.Pipeline = pipeline.New(st, geo.NewParser(geo.USSubdivisions()), gc, opts...)
	return env, nil
}
