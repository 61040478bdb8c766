package connections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingResolvesOnce(t *testing.T) {
	p, resolve := NewPending[int]()
	require.False(t, p.Faulted())

	resolve(1, nil)
	resolve(2, errors.New("ignored"))

	value, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, value)
	require.False(t, p.Faulted())
}

func TestPendingWaitHonoursContext(t *testing.T) {
	p, resolve := NewPending[string]()
	defer resolve("", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingPrefersResolvedValueOverDoneContext(t *testing.T) {
	p, resolve := NewPending[string]()
	resolve("ready", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	value, err := p.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "ready", value)
}

func TestPendingFaulted(t *testing.T) {
	boom := errors.New("boom")
	p, resolve := NewPending[*ConnectionContext]()
	resolve(nil, boom)

	require.True(t, p.Faulted())
	var unset context.Context
	_, err := p.Wait(unset)
	require.Equal(t, boom, err)
}

func TestPendingConcurrentWaiters(t *testing.T) {
	p, resolve := NewPending[int]()
	var wg sync.WaitGroup
	results := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := p.Wait(context.Background())
			if err == nil {
				results <- value
			}
		}()
	}
	resolve(42, nil)
	wg.Wait()
	close(results)
	count := 0
	for value := range results {
		require.Equal(t, 42, value)
		count++
	}
	require.Equal(t, 8, count)
	require.NotEqual(t, p.ID().String(), "")
}
