// Package bandwidth implements the backup engine's client-side, logical
// byte-rate limiter: a token bucket capping outbound bytes before a
// file's ciphertext is handed to the connection pool. This is distinct
// from, and composes with, the pool package's own
// github.com/uplo-tech/ratelimit wrap over physical session bytes: that
// wrap is ambient transport plumbing, while this bucket is the engine's
// own logical per-operation limiter.
package bandwidth

import (
	"context"
	"sync"
	"time"

	"github.com/uplo-tech/errors"
)

// Limiter is a token bucket with continuous refill at rate bytes/sec and
// a burst capacity of one second's worth of bytes. A zero rate means
// unlimited: Consume is then a no-op.
type Limiter struct {
	mu sync.Mutex

	rate     float64 // bytes/sec, 0 = unlimited
	capacity float64
	tokens   float64
	last     time.Time

	nowFunc func() time.Time
}

// New creates a limiter capped at rateBytesPerSec. A rate of 0 disables
// throttling entirely.
func New(rateBytesPerSec float64) *Limiter {
	now := time.Now()
	return &Limiter{
		rate:     rateBytesPerSec,
		capacity: rateBytesPerSec,
		tokens:   rateBytesPerSec,
		last:     now,
		nowFunc:  time.Now,
	}
}

// SetRate adjusts the limiter's rate and burst capacity, clamping the
// current token balance to the new capacity.
func (l *Limiter) SetRate(rateBytesPerSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	l.rate = rateBytesPerSec
	l.capacity = rateBytesPerSec
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Rate returns the limiter's current configured rate.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

func (l *Limiter) refillLocked() {
	now := l.nowFunc()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	if l.rate <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Consume blocks cooperatively until n bytes' worth of tokens are
// available, then deducts them. A request larger than the bucket's
// capacity is deducted one full bucket at a time as tokens accrue. It
// returns early with ctx's error if ctx is canceled before enough tokens
// accrue; full buckets already deducted for the request are not returned.
func (l *Limiter) Consume(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}

	remaining := float64(n)
	for {
		l.mu.Lock()
		if l.rate <= 0 {
			l.mu.Unlock()
			return nil
		}
		l.refillLocked()
		need := remaining
		if need > l.capacity {
			need = l.capacity
		}
		if l.tokens >= need {
			l.tokens -= need
			remaining -= need
			l.mu.Unlock()
			if remaining <= 0 {
				return nil
			}
			continue
		}
		deficit := need - l.tokens
		wait := time.Duration(deficit / l.rate * float64(time.Second))
		l.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.AddContext(ctx.Err(), "bandwidth consume canceled")
		case <-timer.C:
		}
	}
}
