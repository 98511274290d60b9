// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubit-storage/cubit/internal/sync2"
)

func TestCycleTriggerAndStop(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)

	var count int64
	started := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			select {
			case started <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	<-started
	cycle.TriggerWait()
	cycle.Stop()

	require.NoError(t, <-done)
	// one immediate run plus the triggered one
	assert.EqualValues(t, 2, atomic.LoadInt64(&count))
}

func TestCycleStopsOnContextCancel(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cycle.Run(ctx, func(ctx context.Context) error { return nil })
	assert.Equal(t, context.Canceled, err)
}

func TestLimiterLimits(t *testing.T) {
	const limit = 3
	limiter := sync2.NewLimiter(limit)
	ctx := context.Background()

	var concurrent, peak int64
	for i := 0; i < 20; i++ {
		started := limiter.Go(ctx, func() {
			now := atomic.AddInt64(&concurrent, 1)
			for {
				seen := atomic.LoadInt64(&peak)
				if now <= seen || atomic.CompareAndSwapInt64(&peak, seen, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&concurrent, -1)
		})
		require.True(t, started)
	}
	limiter.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
}

func TestLimiterCanceledContext(t *testing.T) {
	limiter := sync2.NewLimiter(1)

	block := make(chan struct{})
	require.True(t, limiter.Go(context.Background(), func() { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, limiter.Go(ctx, func() {}))

	close(block)
	limiter.Wait()
}
