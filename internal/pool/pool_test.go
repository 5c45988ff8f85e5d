package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := New(3, 8)
	defer p.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(10), count.Load())
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	p := New(3, 16)
	defer p.Close()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			cur := inFlight.Add(1)
			for {
				prev := peak.Load()
				if cur <= prev || peak.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	p := New(1, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		defer wg.Done()
		panic("boom")
	}))
	wg.Wait()
	p.Close()

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	p := New(1, 1)
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
