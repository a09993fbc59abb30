package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabled(t *testing.T) {
	l := New(0)
	require.Nil(t, l)

	start := time.Now()
	l.ThrottleN(1 << 20)
	assert.NoError(t, l.Wait(context.Background(), 1<<20))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestThrottleN(t *testing.T) {
	l := New(1000)
	start := time.Now()
	// The first burst is free, the remaining 168 take about 168ms.
	for range 200 {
		l.ThrottleN(1)
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitLargerThanBurst(t *testing.T) {
	l := New(3200) // burst 32
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 32+320))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitCanceled(t *testing.T) {
	l := New(100)
	require.NoError(t, l.Wait(context.Background(), 32))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx, 32))
}
