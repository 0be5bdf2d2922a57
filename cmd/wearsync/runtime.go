package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/wearsync/config"
	"github.com/timzifer/wearsync/drivers/mqtt"
	"github.com/timzifer/wearsync/internal/logging"
	"github.com/timzifer/wearsync/internal/reload"
	"github.com/timzifer/wearsync/runtime/peer"
	"github.com/timzifer/wearsync/runtime/records"
	"github.com/timzifer/wearsync/telemetry"
)

// backend is a record store that can also carry the peer link.
type backend interface {
	records.Store
	records.AssetPublisher
	peer.Transport
}

// runFunc runs one generation of a peer until ctx ends.
type runFunc func(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) error

// serve runs fn with the configuration at cfgPath, restarting it whenever
// hot reload is enabled and a source file changes. Metrics are served
// alongside when an address is configured.
func serve(ctx context.Context, fn runFunc) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	listen := metricsListen
	if listen == "" {
		listen = cfg.Telemetry.Listen
	}

	registry := prometheus.NewRegistry()
	collector, err := newTelemetryCollector(cfg.Telemetry, listen != "", registry)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if listen != "" {
		g.Go(func() error { return serveMetrics(gctx, listen, registry) })
	}
	g.Go(func() error { return runWithHotReload(gctx, cfg, collector, fn) })
	return g.Wait()
}

func runWithHotReload(ctx context.Context, initialCfg *config.Config, collector telemetry.Collector, fn runFunc) error {
	watcher, err := reload.NewWatcher(cfgPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging, cfg.Name)
		if err != nil {
			return err
		}
		log.Logger = logger

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(cfg *config.Config) {
			errCh <- fn(runCtx, cfg, logger, collector)
		}(cfg)

		var changed []string
	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				cleanup()
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			case err := <-errCh:
				cancelRun()
				cleanup()
				return err
			case <-ticker.C:
				if !cfg.HotReload {
					continue
				}
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := loadConfig(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					// Track the broken state so the next edit is noticed.
					_ = watcher.Update(cfgPath, cfg)
					continue
				}
				logger.Info().Strs("files", changes).Msg("configuration changed, restarting")
				cancelRun()
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("peer stopped during reload")
				}
				cleanup()
				if err := watcher.Update(cfgPath, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = changes
				cfg = newCfg
				break loop
			}
		}

		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig, force bool, reg prometheus.Registerer) (telemetry.Collector, error) {
	if !cfg.Enabled && !force {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(reg)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("serving metrics")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	<-errCh
	return nil
}

// newMQTTBackend builds the broker-backed store for one peer.
func newMQTTBackend(cfg *config.Config, role string, logger zerolog.Logger, collector telemetry.Collector) (backend, error) {
	settings := mqtt.SettingsFromConfig(cfg.Connection, cfg.Sync)
	if settings.Connection.ClientID != "" {
		settings.Connection.ClientID += "-" + role
	}
	return mqtt.NewStore(settings,
		mqtt.WithLogger(logger.With().Str("peer", role).Logger()),
		mqtt.WithTelemetry(collector),
	)
}

func newConnection(transport peer.Transport, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) *peer.Connection {
	return peer.New(transport,
		peer.WithLogger(logger),
		peer.WithTelemetry(collector),
		peer.WithDialTimeout(cfg.Connection.ConnectTimeout.Duration),
	)
}
