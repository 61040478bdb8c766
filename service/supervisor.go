package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/brokerctx/internal/workers"
	"github.com/timzifer/brokerctx/runtime/connections"
	"github.com/timzifer/brokerctx/telemetry"
)

const closeSlots = 4

// Supervisor owns the connection contexts created on its behalf and the
// consumer checkouts of them. It implements connections.Supervisor.
type Supervisor struct {
	logger    zerolog.Logger
	collector telemetry.Collector

	stopping    context.Context
	stop        context.CancelFunc
	stopped     context.Context
	markStopped context.CancelFunc

	acquireMu sync.Mutex
	current   connections.ContextHandle

	mu            sync.Mutex
	contexts      map[uuid.UUID]*contextHandle
	active        map[uuid.UUID]*activeHandle
	activeChanged chan struct{}
	drained       bool

	stopOnce sync.Once
	stopErr  error
}

var _ connections.Supervisor = (*Supervisor)(nil)

// NewSupervisor creates a running supervisor.
func NewSupervisor(logger zerolog.Logger, collector telemetry.Collector) *Supervisor {
	if collector == nil {
		collector = telemetry.Noop()
	}
	stopping, stop := context.WithCancel(context.Background())
	stopped, markStopped := context.WithCancel(context.Background())
	return &Supervisor{
		logger:        logger,
		collector:     collector,
		stopping:      stopping,
		stop:          stop,
		stopped:       stopped,
		markStopped:   markStopped,
		contexts:      make(map[uuid.UUID]*contextHandle),
		active:        make(map[uuid.UUID]*activeHandle),
		activeChanged: make(chan struct{}),
	}
}

// Stopping is done once Stop has been called.
func (s *Supervisor) Stopping() context.Context {
	return s.stopping
}

// Stopped is done once every connection has been closed.
func (s *Supervisor) Stopped() context.Context {
	return s.stopped
}

type contextHandle struct {
	pending *connections.Pending[*connections.ConnectionContext]
}

func (h *contextHandle) Pending() *connections.Pending[*connections.ConnectionContext] {
	return h.pending
}

// RegisterPending records a pending connection context so Stop can close it.
func (s *Supervisor) RegisterPending(pending *connections.Pending[*connections.ConnectionContext]) connections.ContextHandle {
	handle := &contextHandle{pending: pending}
	s.mu.Lock()
	if s.drained {
		s.mu.Unlock()
		s.logger.Debug().Str("context", pending.ID().String()).Msg("supervisor: context registered after shutdown")
		go s.closeLate(handle)
		return handle
	}
	s.contexts[pending.ID()] = handle
	s.mu.Unlock()
	s.logger.Debug().Str("context", pending.ID().String()).Msg("supervisor: context registered")
	return handle
}

// closeLate closes a context registered after Stop collected the contexts.
func (s *Supervisor) closeLate(handle *contextHandle) {
	if err := s.closeContext(context.Background(), handle); err != nil {
		s.logger.Warn().Err(err).Msg("supervisor: closing late context failed")
	}
}

type activeHandle struct {
	sup     *Supervisor
	pending *connections.Pending[*connections.SharedContext]

	mu       sync.Mutex
	released bool
	detach   func() bool
}

func (h *activeHandle) Pending() *connections.Pending[*connections.SharedContext] {
	return h.pending
}

// Release ends the checkout. Only the first call has an effect.
func (h *activeHandle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	detach := h.detach
	h.mu.Unlock()
	if detach != nil {
		detach()
	}
	h.sup.release(h)
}

func (h *activeHandle) setDetach(detach func() bool) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		detach()
		return
	}
	h.detach = detach
	h.mu.Unlock()
}

// RegisterActive records a consumer checkout. The checkout is released by the
// consumer, when its scope is cancelled, or when the context fails.
func (s *Supervisor) RegisterActive(_ connections.ContextHandle, pending *connections.Pending[*connections.SharedContext]) connections.ActiveHandle {
	active := &activeHandle{sup: s, pending: pending}
	s.mu.Lock()
	s.active[pending.ID()] = active
	s.mu.Unlock()
	s.collector.AddActiveContexts(1)
	go s.watch(active)
	return active
}

func (s *Supervisor) watch(active *activeHandle) {
	shared, err := active.pending.Wait(context.Background())
	if err != nil {
		s.logger.Debug().Err(err).Str("context", active.pending.ID().String()).Msg("supervisor: active context failed")
		active.Release()
		return
	}
	active.setDetach(context.AfterFunc(shared.Context(), active.Release))
}

func (s *Supervisor) release(active *activeHandle) {
	s.mu.Lock()
	if _, ok := s.active[active.pending.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, active.pending.ID())
	close(s.activeChanged)
	s.activeChanged = make(chan struct{})
	s.mu.Unlock()
	s.collector.AddActiveContexts(-1)
}

// ActiveCount returns the number of checkouts not yet released.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Acquire checks out the supervisor's connection context for one consumer.
//
// The first call asks factory for a context; later calls share it until it
// fails, after which the next call asks for a new one. Every call returns its
// own active handle scoped to scope.
func (s *Supervisor) Acquire(scope context.Context, factory connections.ContextFactory) (connections.ActiveHandle, error) {
	if factory == nil {
		return nil, errors.New("supervisor: context factory is required")
	}
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	if s.stopping.Err() != nil {
		return nil, connections.NewCancellationError(factoryAddress(factory), connections.ReasonStopping, s.stopping)
	}
	if s.current == nil || s.current.Pending().Faulted() {
		if s.current != nil {
			s.logger.Debug().Str("context", s.current.Pending().ID().String()).Msg("supervisor: replacing faulted context")
		}
		s.current = factory.CreateContext(s)
	}
	return factory.CreateActiveContext(s, s.current, scope), nil
}

func factoryAddress(factory connections.ContextFactory) string {
	if named, ok := factory.(interface{ Address() string }); ok {
		return named.Address()
	}
	return ""
}

// Stop requests shutdown, waits until every checkout is released and every
// pending connect has settled, closes the established connections and finally
// signals Stopped. ctx bounds the waiting; connections are closed even when it
// expires. Later calls return the first call's result.
func (s *Supervisor) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
	})
	return s.stopErr
}

// Close stops the supervisor without a deadline.
func (s *Supervisor) Close() error {
	return s.Stop(context.Background())
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	// An Acquire past its stopping check finishes registering first.
	s.acquireMu.Lock()
	s.stop()
	s.acquireMu.Unlock()
	s.logger.Debug().Msg("supervisor: stopping")

	var errs []error
	if err := s.waitActive(ctx); err != nil {
		s.logger.Warn().Err(err).Int("active", s.ActiveCount()).Msg("supervisor: active contexts still checked out")
		errs = append(errs, fmt.Errorf("drain active contexts: %w", err))
	}

	s.mu.Lock()
	handles := make([]*contextHandle, 0, len(s.contexts))
	for _, handle := range s.contexts {
		handles = append(handles, handle)
	}
	s.contexts = make(map[uuid.UUID]*contextHandle)
	s.drained = true
	s.mu.Unlock()

	err := workers.Run(context.Background(), closeSlots, handles, func(_ context.Context, handle *contextHandle) error {
		return s.closeContext(ctx, handle)
	})
	if err != nil {
		errs = append(errs, err)
	}

	s.markStopped()
	s.logger.Debug().Msg("supervisor: stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) waitActive(ctx context.Context) error {
	for {
		s.mu.Lock()
		remaining := len(s.active)
		changed := s.activeChanged
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) closeContext(ctx context.Context, handle *contextHandle) error {
	id := handle.pending.ID().String()
	connCtx, err := handle.pending.Wait(ctx)
	if err != nil {
		select {
		case <-handle.pending.Done():
			// A failed connect has nothing to close.
			return nil
		default:
			return fmt.Errorf("context %s did not settle: %w", id, err)
		}
	}
	if err := connCtx.Connection().Close(); err != nil {
		return fmt.Errorf("close connection %s: %w", connCtx.Address(), err)
	}
	s.logger.Debug().Str("context", id).Str("address", connCtx.Address()).Msg("supervisor: connection closed")
	return nil
}
