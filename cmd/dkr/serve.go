package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sga-jerrylin/DKR-SGA/internal/api"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	"github.com/sga-jerrylin/DKR-SGA/pkg/health"
	"github.com/sga-jerrylin/DKR-SGA/pkg/kafka"
	"github.com/sga-jerrylin/DKR-SGA/pkg/middleware"
	"github.com/sga-jerrylin/DKR-SGA/pkg/resilience"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var withAPI bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a retrieval node: query API, probes, metrics and cache invalidation",
		Long: `serve exposes /metrics, /health/live and /health/ready, follows
cache invalidation events from kafka when enabled, and with --api (or
api.enabled) serves search and page retrieval over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Metrics.Enabled = true
			if withAPI {
				cfg.API.Enabled = true
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&withAPI, "api", false, "Serve the HTTP query API on api.port")
	return cmd
}

func (a *app) checker() *health.Checker {
	c := health.NewChecker()
	c.Register("catalog", health.FromError(false, a.catalog.Ping))
	c.Register("resolver", health.FromError(true, a.resolver.Health))
	c.Register("ffmpeg", health.FromError(true, a.packer.Available))
	if a.redis != nil {
		c.Register("redis", health.FromError(false, a.redis.Ping))
	}
	c.Register("resolver_breaker", func(context.Context) health.ComponentHealth {
		state := a.resolver.BreakerState()
		if state == resilience.StateClosed {
			return health.ComponentHealth{Status: health.StatusUp}
		}
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit " + state.String()}
	})
	return c
}

func (a *app) serve(ctx context.Context) error {
	checker := a.checker()
	shutdown := a.metrics.StartServer(a.cfg.Metrics.Port, map[string]http.Handler{
		"/health/live":  checker.LiveHandler(),
		"/health/ready": checker.ReadyHandler(),
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.API.Enabled {
		var limiter *middleware.Limiter
		if a.cfg.API.RateLimit > 0 {
			limiter = middleware.NewLimiter(a.cfg.API.RateLimit, time.Minute)
			defer limiter.Close()
		}
		handler := api.NewRouter(api.NewHandler(a.lib, a.cfg.API, a.cfg.Retrieval), a.cfg.API, a.metrics, limiter)
		g.Go(func() error {
			return api.ListenAndServe(gctx, a.cfg.API.Port, handler, 30*time.Second)
		})
	}

	if a.cfg.Kafka.Enabled {
		for _, topic := range []string{a.cfg.Kafka.Topics.DocumentEncoded, a.cfg.Kafka.Topics.CacheInvalidate} {
			consumer := kafka.NewConsumer(a.cfg.Kafka, topic, a.lib.HandleInvalidation)
			g.Go(func() error {
				slog.Info("consuming invalidation events", "topic", topic, "group", a.cfg.Kafka.ConsumerGroup)
				return consumer.Run(gctx)
			})
		}
	} else {
		slog.Info("kafka disabled, cache invalidation events are not followed")
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("serve stopped")
	return nil
}
