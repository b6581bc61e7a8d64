package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/internal/cache"
	"github.com/sga-jerrylin/DKR-SGA/internal/catalog"
	"github.com/sga-jerrylin/DKR-SGA/internal/container"
	"github.com/sga-jerrylin/DKR-SGA/internal/library"
	"github.com/sga-jerrylin/DKR-SGA/internal/resolver"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	"github.com/sga-jerrylin/DKR-SGA/pkg/kafka"
	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
	"github.com/sga-jerrylin/DKR-SGA/pkg/postgres"
	pkgredis "github.com/sga-jerrylin/DKR-SGA/pkg/redis"
)

// app owns every long-lived dependency of one command invocation.
type app struct {
	cfg      *config.Config
	lib      *library.Library
	catalog  *catalog.Catalog
	resolver *resolver.HTTPResolver
	packer   *container.FFmpegPacker
	metrics  *metrics.Metrics
	redis    *pkgredis.Client
	closers  []func() error
}

// dataPath resolves relative paths against the data directory.
func dataPath(cfg *config.Config, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Storage.DataDir, p)
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	if err := a.openCatalog(ctx); err != nil {
		return nil, err
	}
	contentCache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	var events, invalidations kafka.Publisher
	if cfg.Kafka.Enabled {
		events = a.publisher(cfg.Kafka.Topics.DocumentEncoded)
		invalidations = a.publisher(cfg.Kafka.Topics.CacheInvalidate)
	}

	a.packer = container.NewFFmpegPacker(cfg.Video)
	a.resolver = resolver.NewHTTPResolver(cfg.Resolver, a.metrics)
	a.lib, err = library.New(cfg, library.Deps{
		Packer:        a.packer,
		Extractor:     container.NewFFmpegExtractor(cfg.Video),
		Resolver:      a.resolver,
		Cache:         contentCache,
		Catalog:       a.catalog,
		Events:        events,
		Invalidations: invalidations,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// publisher queues events for topic; Close drains the queue before the
// producer shuts down.
func (a *app) publisher(topic string) kafka.Publisher {
	producer := kafka.NewProducer(a.cfg.Kafka, topic)
	async := kafka.NewAsyncPublisher(producer, 256, 10*time.Second)
	a.closers = append(a.closers, producer.Close, async.Close)
	return async
}

func (a *app) openCatalog(ctx context.Context) error {
	switch a.cfg.Catalog.Driver {
	case "postgres":
		client, err := postgres.New(ctx, a.cfg.Postgres)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.catalog, err = catalog.NewPostgres(ctx, client)
		return err
	default:
		cat, err := catalog.OpenSQLite(ctx, dataPath(a.cfg, a.cfg.Catalog.Path))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, cat.Close)
		a.catalog = cat
		return nil
	}
}

func (a *app) openCache(ctx context.Context) (*cache.ContentCache, error) {
	if !a.cfg.Cache.Enabled {
		return nil, nil
	}
	var store cache.Store
	switch a.cfg.Cache.Backend {
	case "redis":
		client, err := pkgredis.NewClient(ctx, a.cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		store = cache.NewRedisStore(client, a.cfg.Redis.KeyPrefix)
	default:
		fs, err := cache.NewFileStore(dataPath(a.cfg, a.cfg.Cache.Dir))
		if err != nil {
			return nil, err
		}
		store = fs
	}
	return cache.New(store, a.cfg.Cache.MemoryEntries, a.metrics)
}

// Close releases dependencies in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("closing dependencies", "error", err)
		return fmt.Errorf("closing dependencies: %w", err)
	}
	return nil
}
