// Package retry provides the immutable retry policy attached to broker
// connections. The connection core only assigns a policy; callers issuing
// operations through a connection use it to retry transient failures.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options describe an exponential backoff schedule.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxElapsed bounds the total time spent retrying; zero means unbounded.
	MaxElapsed time.Duration
	// MaxRetries bounds the number of retries after the first attempt; zero
	// means unbounded (MaxElapsed still applies).
	MaxRetries int
}

// Policy is safe for concurrent use and never changes after construction.
type Policy struct {
	opts  Options
	never bool
}

// New builds a policy, filling unset fields with the defaults.
func New(opts Options) *Policy {
	defaults := defaultOptions()
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaults.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaults.MaxInterval
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = defaults.Multiplier
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Policy{opts: opts}
}

// Default returns the policy used when nothing is configured.
func Default() *Policy {
	return New(defaultOptions())
}

// Never returns a policy that performs a single attempt.
func Never() *Policy {
	return &Policy{never: true}
}

func defaultOptions() Options {
	return Options{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxElapsed:      time.Minute,
		MaxRetries:      5,
	}
}

// Options returns a copy of the schedule.
func (p *Policy) Options() Options {
	if p == nil {
		return Options{}
	}
	return p.opts
}

// BackOff returns a fresh backoff sequence bound to ctx.
func (p *Policy) BackOff(ctx context.Context) backoff.BackOff {
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil || p.never {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.opts.InitialInterval,
		RandomizationFactor: 0.5,
		Multiplier:          p.opts.Multiplier,
		MaxInterval:         p.opts.MaxInterval,
		MaxElapsedTime:      p.opts.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	var b backoff.BackOff = exp
	if p.opts.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.opts.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, returns a permanent error, or the policy gives
// up. The last error is returned unchanged.
func (p *Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, p.BackOff(ctx))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
