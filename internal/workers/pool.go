// Package workers provides the bounded goroutine pool that runs connect
// attempts and teardown work.
package workers

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted functions with at most Slots of them in flight.
type Pool struct {
	slots int64
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

// NewPool creates a pool with the given number of slots. Values below one are
// treated as one.
func NewPool(slots int) *Pool {
	if slots < 1 {
		slots = 1
	}
	return &Pool{slots: int64(slots), sem: semaphore.NewWeighted(int64(slots))}
}

// Slots returns the concurrency limit.
func (p *Pool) Slots() int {
	return int(p.slots)
}

// Go schedules fn and returns immediately. fn waits for a free slot on its own
// goroutine so the caller is never blocked.
func (p *Pool) Go(fn func()) {
	if fn == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Acquire only fails for a cancelled context.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}

// Wait blocks until every scheduled function has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Run applies fn to every item using at most slots goroutines and joins the
// returned errors. Items not started before ctx is cancelled are skipped and
// ctx.Err() is included in the result.
func Run[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if slots <= 1 || len(items) <= 1 {
		var errs []error
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := fn(ctx, item); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	sem := semaphore.NewWeighted(int64(slots))
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			record(err)
			break
		}
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer sem.Release(1)
			if err := fn(ctx, item); err != nil {
				record(err)
			}
		}(item)
	}
	wg.Wait()
	return errors.Join(errs...)
}
