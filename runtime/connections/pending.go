package connections

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Pending is a value that becomes available exactly once, either as a result
// or as an error. It is safe for concurrent use.
type Pending[T any] struct {
	id   uuid.UUID
	done chan struct{}
	once sync.Once

	value T
	err   error
}

// NewPending returns an unresolved Pending and the function that resolves it.
// Only the first call to resolve has an effect.
func NewPending[T any]() (*Pending[T], func(T, error)) {
	p := &Pending[T]{id: uuid.New(), done: make(chan struct{})}
	return p, p.resolve
}

func (p *Pending[T]) resolve(value T, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
	})
}

// ID identifies the pending value for bookkeeping and logs.
func (p *Pending[T]) ID() uuid.UUID {
	return p.id
}

// Done is closed once the value is resolved.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the value is resolved or ctx is done.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.value, p.err
	default:
	}
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Faulted reports whether the value resolved with an error.
func (p *Pending[T]) Faulted() bool {
	select {
	case <-p.done:
		return p.err != nil
	default:
		return false
	}
}
