package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/sbguard/internal/sb/common/clock"
	"github.com/haukened/sbguard/internal/sb/common/log"
	"github.com/haukened/sbguard/internal/sb/config"
	"github.com/haukened/sbguard/internal/sb/gateways/feed"
	"github.com/haukened/sbguard/internal/sb/gateways/httpapi"
	"github.com/haukened/sbguard/internal/sb/gateways/localfeed"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore/bolt"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore/hashcache"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore/index"
	"github.com/haukened/sbguard/internal/sb/services/coordinator"
)

const defaultShutdownTimeout = 10 * time.Second

// Application holds all the components of the daemon.
type Application struct {
	config      *config.AppConfig
	registry    *prometheus.Registry
	store       *bolt.Store
	localFeed   *localfeed.Feed
	coordinator *coordinator.Coordinator
	api         *httpapi.Server
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	store, err := buildStore(cfg, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build threat store: %w", err)
	}

	updateFeed, local, err := buildFeed(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build update feed: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Store:              store,
		Feed:               updateFeed,
		Logger:             logger.With(map[string]any{"component": "coordinator"}),
		Clock:              clk,
		Metrics:            coordinator.NewMetrics(registry),
		UpdateInterval:     cfg.Updates.Interval,
		MinUpdateInterval:  cfg.Updates.MinInterval,
		MaxUpdateInterval:  cfg.Updates.MaxInterval,
		InitialUpdateDelay: cfg.Updates.InitialDelay,
		FullHashTimeout:    cfg.Updates.FullHashTimeout,
		CompactionDelay:    cfg.Store.CompactionDelay,
		Disabled:           !cfg.Enabled,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	apiOpts := httpapi.Options{
		Checker:      coord,
		Store:        store,
		CheckTimeout: cfg.HTTP.CheckTimeout,
		Logger:       logger.With(map[string]any{"component": "httpapi"}),
	}
	if cfg.Metrics.Enabled {
		apiOpts.Gatherer = registry
	}
	api, err := httpapi.New(apiOpts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build http api: %w", err)
	}

	return &Application{
		config:      cfg,
		registry:    registry,
		store:       store,
		localFeed:   local,
		coordinator: coord,
		api:         api,
	}, nil
}

// buildStore opens the bbolt threat store with its prefix index and full-hash cache.
func buildStore(cfg *config.AppConfig, clk clock.Clock, logger log.Logger) (*bolt.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	store, err := bolt.New(bolt.Options{
		Path:         cfg.Store.Path,
		IndexFactory: index.NewFactory(),
		IndexFPRate:  cfg.Store.IndexFPRate,
		Cache:        hashcache.New(cfg.Store.CacheSize, cfg.Store.CacheTTL),
		Clock:        clk,
		Logger:       logger.With(map[string]any{"component": "threatstore"}),
	})
	if err != nil {
		return nil, err
	}
	log.Info(map[string]any{
		"path":       cfg.Store.Path,
		"cache_size": cfg.Store.CacheSize,
		"cache_ttl":  cfg.Store.CacheTTL.String(),
	}, "Threat store opened")
	return store, nil
}

// buildFeed picks the remote feed, the local chunk directory, or nothing.
// The local feed is also returned on its own so Run can watch it.
func buildFeed(cfg *config.AppConfig, logger log.Logger) (coordinator.UpdateFeed, *localfeed.Feed, error) {
	switch {
	case cfg.Feed.URL != "":
		client, err := feed.New(feed.Options{
			BaseURL:         cfg.Feed.URL,
			APIKey:          cfg.Feed.APIKey,
			Timeout:         cfg.Feed.Timeout,
			Rate:            cfg.Feed.Rate,
			Burst:           cfg.Feed.Burst,
			BreakerFailures: cfg.Feed.BreakerFailures,
			BreakerTimeout:  cfg.Feed.BreakerTimeout,
			Logger:          logger.With(map[string]any{"component": "feed"}),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info(map[string]any{"url": cfg.Feed.URL, "timeout": cfg.Feed.Timeout.String()}, "Remote update feed configured")
		return client, nil, nil
	case cfg.Feed.Dir != "":
		local, err := localfeed.New(localfeed.Options{
			Dir:          cfg.Feed.Dir,
			PollInterval: cfg.Updates.Interval,
			Logger:       logger.With(map[string]any{"component": "localfeed"}),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info(map[string]any{"dir": cfg.Feed.Dir}, "Local update feed configured")
		return local, local, nil
	default:
		log.Warn(nil, "No update feed configured; the threat store will not be updated")
		return nil, nil, nil
	}
}

// Run starts the coordinator and the HTTP API, and blocks until ctx is cancelled
// or the listener fails. The coordinator is always stopped before returning.
func (app *Application) Run(ctx context.Context) error {
	if err := app.coordinator.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return multierr.Append(err, app.coordinator.Stop())
		}
		log.Warn(map[string]any{"error": err}, "Coordinator started degraded; checks fail open")
	}

	if app.localFeed != nil {
		if err := app.localFeed.Watch(ctx, app.coordinator.TriggerUpdate); err != nil {
			log.Warn(map[string]any{"error": err}, "Local feed watch disabled")
		}
	}

	ln, err := net.Listen("tcp", app.config.HTTP.Listen)
	if err != nil {
		return multierr.Append(fmt.Errorf("failed to listen on %s: %w", app.config.HTTP.Listen, err), app.coordinator.Stop())
	}
	srv := &http.Server{
		Handler:           app.api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info(map[string]any{"address": ln.Addr().String()}, "HTTP API started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(nil, "Shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String(), "error": err}, "HTTP shutdown incomplete")
			return err
		}
		return nil
	})

	err = g.Wait()
	if stopErr := app.coordinator.Stop(); stopErr != nil {
		log.Warn(map[string]any{"error": stopErr}, "Error while stopping coordinator")
		err = multierr.Append(err, stopErr)
	}
	return err
}
