package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/brokerctx/internal/workers"
	"github.com/timzifer/brokerctx/retry"
	"github.com/timzifer/brokerctx/telemetry"
)

const defaultPoolSlots = 4

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger receiving connect diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithPool runs connect attempts on pool instead of a private one.
func WithPool(pool *workers.Pool) Option {
	return func(f *Factory) {
		if pool != nil {
			f.pool = pool
		}
	}
}

// WithCollector reports connect attempts and failures to collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(f *Factory) {
		if collector != nil {
			f.collector = collector
		}
	}
}

// Factory creates connection contexts for a single endpoint. Apart from its
// configuration it holds no state: every CreateContext call starts a new
// connect attempt.
type Factory struct {
	address   string
	settings  json.RawMessage
	policy    *retry.Policy
	connector Connector

	logger    zerolog.Logger
	pool      *workers.Pool
	collector telemetry.Collector
}

// NewFactory validates address and returns a factory that connects through
// connector and attaches policy to every connection. A nil policy means
// retry.Default().
func NewFactory(address string, settings json.RawMessage, policy *retry.Policy, connector Connector, opts ...Option) (*Factory, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("connections: address is required")
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("connections: parse address %q: %w", address, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("connections: address %q must include scheme and host", address)
	}
	if connector == nil {
		return nil, errors.New("connections: connector is required")
	}
	if policy == nil {
		policy = retry.Default()
	}

	f := &Factory{
		address:   address,
		settings:  append(json.RawMessage(nil), settings...),
		policy:    policy,
		connector: connector,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.pool == nil {
		f.pool = workers.NewPool(defaultPoolSlots)
	}
	return f, nil
}

// Address returns the endpoint the factory connects to.
func (f *Factory) Address() string {
	return f.address
}

// RetryPolicy returns the policy attached to created connections.
func (f *Factory) RetryPolicy() *retry.Policy {
	return f.policy
}

// CreateContext schedules a connect attempt and registers its pending result
// with sup. It does not block; the handle resolves once the attempt finishes.
func (f *Factory) CreateContext(sup Supervisor) ContextHandle {
	pending, resolve := NewPending[*ConnectionContext]()
	f.pool.Go(func() {
		resolve(f.connect(sup))
	})
	return sup.RegisterPending(pending)
}

// CreateActiveContext registers a shared checkout of handle's context scoped to
// scope. A failed context fails the checkout with the same error. No new
// connection is made.
func (f *Factory) CreateActiveContext(sup Supervisor, handle ContextHandle, scope context.Context) ActiveHandle {
	if scope == nil {
		scope = context.Background()
	}
	pending, resolve := NewPending[*SharedContext]()
	parent := handle.Pending()
	go func() {
		connCtx, err := parent.Wait(context.Background())
		if err != nil {
			resolve(nil, err)
			return
		}
		resolve(NewSharedContext(connCtx, scope), nil)
	}()
	return sup.RegisterActive(handle, pending)
}

func (f *Factory) connect(sup Supervisor) (*ConnectionContext, error) {
	stopping := sup.Stopping()
	if stopping.Err() != nil {
		err := NewCancellationError(f.address, ReasonStopping, stopping)
		f.collector.IncConnectFailure(f.address, telemetry.FailureCanceled)
		f.logger.Debug().Err(err).Str("address", f.address).Msg("connections: connect canceled")
		return nil, err
	}

	f.collector.IncConnectAttempt(f.address)
	f.logger.Debug().Str("address", f.address).Msg("connections: connecting")

	conn, err := f.connector.Connect(stopping, f.address, f.settings)
	if err == nil && conn == nil {
		err = fmt.Errorf("connections: connector returned no connection for %s", f.address)
	}
	if err != nil {
		f.collector.IncConnectFailure(f.address, telemetry.FailureConnect)
		f.logger.Debug().Err(err).Str("address", f.address).Msg("connections: connect failed")
		return nil, err
	}

	conn.SetRetryPolicy(f.policy)

	f.logger.Debug().Str("address", f.address).Msg("connections: connected")
	return NewConnectionContext(f.address, conn, sup.Stopped()), nil
}
