package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/brokerctx/config"
	"github.com/timzifer/brokerctx/drivers/bundle"
	"github.com/timzifer/brokerctx/internal/logging"
	"github.com/timzifer/brokerctx/internal/reload"
	"github.com/timzifer/brokerctx/service"
	"github.com/timzifer/brokerctx/telemetry"
)

const reloadInterval = time.Second

func main() {
	cfgPath := flag.String("config", "brokerctx.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Connect once and exit")
	healthTimeout := flag.Duration("healthcheck-timeout", 10*time.Second, "Health check connect timeout")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	if *healthcheck {
		if err := executeHealthCheck(cfg, *healthTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	if err := run(ctx, cfg, collector); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeConfigCheck(cfg *config.Config) int {
	driver := cfg.Driver
	if driver == "" {
		driver = "(from scheme)"
	}
	if _, err := service.New(cfg, zerolog.Nop(), bundle.Options(zerolog.Nop())...); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	policy := service.RetryPolicy(cfg.Retry).Options()
	fmt.Printf("Endpoint: %s\n", cfg.Endpoint)
	fmt.Printf("  Driver:  %s\n", driver)
	fmt.Printf("  Workers: %d\n", cfg.WorkerSlots())
	fmt.Printf("  Retry:   %d retries, %s initial interval\n", policy.MaxRetries, policy.InitialInterval)
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func executeHealthCheck(cfg *config.Config, timeout time.Duration) error {
	svc, err := service.New(cfg, zerolog.Nop(), bundle.Options(zerolog.Nop())...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, handle, err := svc.Checkout(ctx)
	if err != nil {
		_ = svc.Close()
		return err
	}
	handle.Release()
	return svc.Close()
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	collector, err := telemetry.NewPrometheusCollector(nil)
	if err != nil {
		return nil, err
	}
	if cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
				log.Error().Err(err).Str("listen", cfg.Listen).Msg("metrics endpoint stopped")
			}
		}()
	}
	return collector, nil
}

// run serves the configured endpoint until ctx is cancelled. With hot reload
// enabled a change to the configuration or its referenced files tears the
// service down and starts it again with the new configuration.
func run(ctx context.Context, cfg *config.Config, collector telemetry.Collector) error {
	var watcher *reload.Watcher
	if cfg.HotReload {
		w, err := reload.NewWatcher(cfg)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		watcher = w
	}

	for {
		next, err := serve(ctx, cfg, collector, watcher)
		if err != nil || next == nil {
			return err
		}
		cfg = next
	}
}

func serve(ctx context.Context, cfg *config.Config, collector telemetry.Collector, watcher *reload.Watcher) (*config.Config, error) {
	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	log.Logger = logger

	opts := append(bundle.Options(logger), service.WithCollector(collector))
	srv, err := service.New(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn().Err(err).Msg("service shutdown incomplete")
		}
	}()

	_, handle, err := srv.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	logger.Info().Str("address", cfg.Endpoint).Msg("connected")

	var tick <-chan time.Time
	if watcher != nil {
		ticker := time.NewTicker(reloadInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick:
			changes, err := watcher.Check()
			if err != nil {
				logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			next, err := config.Load(cfg.Source)
			if err != nil {
				logger.Error().Err(err).Strs("files", changes).Msg("failed to reload configuration")
				_ = watcher.Update(cfg)
				continue
			}
			if err := watcher.Update(next); err != nil {
				logger.Error().Err(err).Msg("failed to update watcher state")
			}
			logger.Info().Strs("files", changes).Msg("configuration changed, restarting")
			return next, nil
		}
	}
}
