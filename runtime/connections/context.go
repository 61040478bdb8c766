package connections

import "context"

// ConnectionContext is one established connection to a messaging endpoint.
// It never changes after construction; its Context is done once the owning
// supervisor has stopped.
type ConnectionContext struct {
	address string
	conn    Connection
	stopped context.Context
}

// NewConnectionContext binds conn to the supervisor's stopped signal.
func NewConnectionContext(address string, conn Connection, stopped context.Context) *ConnectionContext {
	if stopped == nil {
		stopped = context.Background()
	}
	return &ConnectionContext{address: address, conn: conn, stopped: stopped}
}

// Address returns the endpoint the connection was established to.
func (c *ConnectionContext) Address() string {
	return c.address
}

// Connection returns the underlying connection.
func (c *ConnectionContext) Connection() Connection {
	return c.conn
}

// Stopped is closed when the owning supervisor has torn the connection down.
func (c *ConnectionContext) Stopped() <-chan struct{} {
	return c.stopped.Done()
}

// Context returns the supervisor's stopped signal.
func (c *ConnectionContext) Context() context.Context {
	return c.stopped
}

// Use runs fn against the connection unless the supervisor has stopped.
func (c *ConnectionContext) Use(fn func(ctx context.Context, conn Connection) error) error {
	if c.stopped.Err() != nil {
		return NewCancellationError(c.address, ReasonStopped, c.stopped)
	}
	return fn(c.stopped, c.conn)
}

// SharedContext is a consumer's view of a ConnectionContext with its own
// cancellation scope. Reads go to the parent; cancelling the scope affects this
// wrapper only.
type SharedContext struct {
	parent *ConnectionContext
	scope  context.Context
}

// NewSharedContext wraps parent with scope. The parent is not owned.
func NewSharedContext(parent *ConnectionContext, scope context.Context) *SharedContext {
	if scope == nil {
		scope = context.Background()
	}
	return &SharedContext{parent: parent, scope: scope}
}

// Parent returns the wrapped connection context.
func (s *SharedContext) Parent() *ConnectionContext {
	return s.parent
}

// Address returns the parent's endpoint address.
func (s *SharedContext) Address() string {
	return s.parent.Address()
}

// Connection returns the parent's connection.
func (s *SharedContext) Connection() Connection {
	return s.parent.Connection()
}

// Stopped is the parent's stopped signal.
func (s *SharedContext) Stopped() <-chan struct{} {
	return s.parent.Stopped()
}

// Context returns the wrapper's own cancellation scope.
func (s *SharedContext) Context() context.Context {
	return s.scope
}

// Use runs fn against the shared connection. It fails when the wrapper's scope
// is cancelled or the parent has stopped. The context passed to fn is done when
// either happens.
func (s *SharedContext) Use(fn func(ctx context.Context, conn Connection) error) error {
	if s.scope.Err() != nil {
		return NewCancellationError(s.parent.Address(), ReasonCanceled, s.scope)
	}
	if s.parent.stopped.Err() != nil {
		return NewCancellationError(s.parent.Address(), ReasonStopped, s.parent.stopped)
	}
	ctx, cancel := context.WithCancelCause(s.scope)
	defer cancel(nil)
	detach := context.AfterFunc(s.parent.stopped, func() {
		cancel(context.Cause(s.parent.stopped))
	})
	defer detach()
	return fn(ctx, s.parent.Connection())
}
