package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/brokerctx/config"
	"github.com/timzifer/brokerctx/internal/workers"
	"github.com/timzifer/brokerctx/retry"
	"github.com/timzifer/brokerctx/runtime/connections"
	"github.com/timzifer/brokerctx/telemetry"
)

// Driver names understood by DriverForScheme.
const (
	DriverMQTT      = "mqtt"
	DriverWebSocket = "websocket"
)

var schemeDrivers = map[string]string{
	"tcp":   DriverMQTT,
	"mqtt":  DriverMQTT,
	"ssl":   DriverMQTT,
	"tls":   DriverMQTT,
	"mqtts": DriverMQTT,
	"ws":    DriverWebSocket,
	"wss":   DriverWebSocket,
}

// DriverForScheme returns the driver conventionally used for an endpoint scheme.
func DriverForScheme(scheme string) (string, bool) {
	driver, ok := schemeDrivers[strings.ToLower(scheme)]
	return driver, ok
}

// Option configures the service.
type Option func(*registry)

type registry struct {
	connectors map[string]connections.Connector
	collector  telemetry.Collector
}

func newRegistry() registry {
	return registry{
		connectors: make(map[string]connections.Connector),
		collector:  telemetry.Noop(),
	}
}

func applyOptions(reg registry, opts []Option) registry {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// WithConnector registers a connector for the given driver name. A nil
// connector removes the registration.
func WithConnector(driver string, connector connections.Connector) Option {
	return func(reg *registry) {
		if reg == nil || driver == "" {
			return
		}
		if reg.connectors == nil {
			reg.connectors = make(map[string]connections.Connector)
		}
		if connector == nil {
			delete(reg.connectors, driver)
			return
		}
		reg.connectors[driver] = connector
	}
}

// WithCollector reports runtime telemetry to collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(reg *registry) {
		if reg == nil || collector == nil {
			return
		}
		reg.collector = collector
	}
}

// Service wires the configured endpoint, connector and retry policy into a
// factory and the supervisor owning its contexts.
type Service struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *workers.Pool
	factory    *connections.Factory
	supervisor *Supervisor
}

// New builds the service from cfg. The connector is chosen by cfg.Driver, or by
// the endpoint scheme when no driver is configured.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	reg := applyOptions(newRegistry(), opts)

	driver, err := resolveDriver(cfg)
	if err != nil {
		return nil, err
	}
	connector := reg.connectors[driver]
	if connector == nil {
		return nil, fmt.Errorf("endpoint %s: no connector registered for driver %s", cfg.Endpoint, driver)
	}
	settings, err := cfg.ConnectionSettings()
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Endpoint, err)
	}

	pool := workers.NewPool(cfg.WorkerSlots())
	factory, err := connections.NewFactory(cfg.Endpoint, settings, RetryPolicy(cfg.Retry), connector,
		connections.WithLogger(logger),
		connections.WithPool(pool),
		connections.WithCollector(reg.collector),
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		factory:    factory,
		supervisor: NewSupervisor(logger, reg.collector),
	}, nil
}

func resolveDriver(cfg *config.Config) (string, error) {
	if cfg.Driver != "" {
		return cfg.Driver, nil
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint %s: %w", cfg.Endpoint, err)
	}
	driver, ok := DriverForScheme(u.Scheme)
	if !ok {
		return "", fmt.Errorf("endpoint %s: no driver known for scheme %q", cfg.Endpoint, u.Scheme)
	}
	return driver, nil
}

// RetryPolicy converts the configured retry block into a policy. Fields left
// unset keep the values of retry.Default.
func RetryPolicy(cfg config.RetryConfig) *retry.Policy {
	opts := retry.Default().Options()
	if cfg.InitialInterval.Duration > 0 {
		opts.InitialInterval = cfg.InitialInterval.Duration
	}
	if cfg.MaxInterval.Duration > 0 {
		opts.MaxInterval = cfg.MaxInterval.Duration
	}
	if cfg.Multiplier > 0 {
		opts.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsed.Duration > 0 {
		opts.MaxElapsed = cfg.MaxElapsed.Duration
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	return retry.New(opts)
}

// Factory returns the connection context factory.
func (s *Service) Factory() *connections.Factory {
	return s.factory
}

// Supervisor returns the supervisor owning the service's contexts.
func (s *Service) Supervisor() *Supervisor {
	return s.supervisor
}

// Acquire checks out the shared connection context for one consumer.
func (s *Service) Acquire(scope context.Context) (connections.ActiveHandle, error) {
	return s.supervisor.Acquire(scope, s.factory)
}

// Checkout acquires a shared context and waits until it is ready. The
// returned handle must be released by the caller; it is released already when
// an error is returned.
func (s *Service) Checkout(ctx context.Context) (*connections.SharedContext, connections.ActiveHandle, error) {
	handle, err := s.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	shared, err := handle.Pending().Wait(ctx)
	if err != nil {
		handle.Release()
		return nil, nil, err
	}
	return shared, handle, nil
}

// Close stops the supervisor within the configured shutdown grace period and
// waits for outstanding connect attempts.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
	defer cancel()
	err := s.supervisor.Stop(ctx)
	s.pool.Wait()
	return err
}
