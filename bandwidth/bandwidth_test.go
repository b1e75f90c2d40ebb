package bandwidth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestZeroRateIsUnlimited(t *testing.T) {
	l := New(0)
	start := time.Now()
	require.NoError(t, l.Consume(context.Background(), 10*1024*1024))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestConsumeWithinBurstDoesNotBlock(t *testing.T) {
	l := New(1024 * 1024)
	start := time.Now()
	require.NoError(t, l.Consume(context.Background(), 1024*1024))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestConsumeBeyondBurstWaitsForRefill(t *testing.T) {
	l := New(1000)
	now := time.Now()
	l.nowFunc = func() time.Time { return now }

	require.NoError(t, l.Consume(context.Background(), 1000)) // drains the bucket

	advance := 500 * time.Millisecond
	l.mu.Lock()
	l.nowFunc = func() time.Time { return now.Add(advance) }
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := l.Consume(ctx, 1000) // half refilled; needs another 500ms at this rate
	require.Error(t, err)
}

func TestConsumeCanceledContext(t *testing.T) {
	l := New(1)
	l.mu.Lock()
	l.tokens = 0
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Consume(ctx, 100)
	require.Error(t, err)
}

func TestSetRateClampsTokensToNewCapacity(t *testing.T) {
	l := New(1000)
	l.SetRate(10)
	require.LessOrEqual(t, l.tokens, 10.0)
}
