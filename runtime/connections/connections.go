// Package connections turns a slow, fallible broker connect into a connection
// context that is created once per request, shared by many consumers through
// independently cancellable handles, and torn down by its supervisor.
package connections

import (
	"context"
	"encoding/json"

	"github.com/timzifer/brokerctx/retry"
)

// Connection is an established link to a messaging endpoint.
//
// Implementations wrap broker clients and must be safe for concurrent use by
// multiple consumers. The retry policy is assigned once, before the connection
// is published, and only read afterwards.
type Connection interface {
	SetRetryPolicy(policy *retry.Policy)
	RetryPolicy() *retry.Policy
	Close() error
}

// Connector establishes connections. ctx is the supervisor's stopping signal;
// connectors that support cancellation should abort when it is done.
type Connector interface {
	Connect(ctx context.Context, address string, settings json.RawMessage) (Connection, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, address string, settings json.RawMessage) (Connection, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, address string, settings json.RawMessage) (Connection, error) {
	return f(ctx, address, settings)
}

// Supervisor owns the lifecycle of the contexts created on its behalf.
//
// Stopping is done once shutdown has been requested; Stopped is done once every
// resource has been torn down. Deduplication of repeated CreateContext calls is
// the supervisor's concern, the factory never caches.
type Supervisor interface {
	Stopping() context.Context
	Stopped() context.Context
	RegisterPending(pending *Pending[*ConnectionContext]) ContextHandle
	RegisterActive(handle ContextHandle, pending *Pending[*SharedContext]) ActiveHandle
}

// ContextHandle is the supervisor's record of a pending connection context.
type ContextHandle interface {
	Pending() *Pending[*ConnectionContext]
}

// ActiveHandle is a consumer's checkout of a shared context. Release must be
// called when the consumer is done; it is safe to call more than once.
type ActiveHandle interface {
	Pending() *Pending[*SharedContext]
	Release()
}

// ContextFactory creates connection contexts and shared checkouts of them.
type ContextFactory interface {
	CreateContext(sup Supervisor) ContextHandle
	CreateActiveContext(sup Supervisor, handle ContextHandle, scope context.Context) ActiveHandle
}

// MessagingContext is the consumer view shared by ConnectionContext and
// SharedContext.
type MessagingContext interface {
	Address() string
	Connection() Connection
	Stopped() <-chan struct{}
	Context() context.Context
	Use(fn func(ctx context.Context, conn Connection) error) error
}

var (
	_ MessagingContext = (*ConnectionContext)(nil)
	_ MessagingContext = (*SharedContext)(nil)
	_ ContextFactory   = (*Factory)(nil)
)
